package database

import "fmt"

// DefaultUpstreamServers are the default upstream DNS servers.
var DefaultUpstreamServers = []string{
	"9.9.9.9", // Quad9 (primary)
	"1.1.1.1", // Cloudflare (fallback)
	"8.8.8.8", // Google (fallback)
}

// InitDefaults populates the database with the default upstream server
// list on first creation. It only inserts if the table is empty, so it
// never overwrites a runtime reconfiguration from a prior run.
func (db *DB) InitDefaults() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRow("SELECT COUNT(*) FROM upstream_servers").Scan(&count); err != nil {
		return fmt.Errorf("failed to check upstream_servers count: %w", err)
	}
	if count > 0 {
		return nil
	}

	stmt, err := tx.Prepare(`
		INSERT INTO upstream_servers (server_address, priority, enabled)
		VALUES (?, ?, 1)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare upstream insert: %w", err)
	}
	defer stmt.Close()

	for i, server := range DefaultUpstreamServers {
		if _, err := stmt.Exec(server, i); err != nil {
			return fmt.Errorf("failed to insert default upstream %s: %w", server, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit defaults: %w", err)
	}

	return nil
}

// IsInitialized reports whether the database already holds an upstream
// server list, i.e. whether InitDefaults has run (or a runtime
// reconfiguration has since replaced its output).
func (db *DB) IsInitialized() (bool, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var count int
	err := db.conn.QueryRow("SELECT COUNT(*) FROM upstream_servers").Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check upstream_servers count: %w", err)
	}

	return count > 0, nil
}
