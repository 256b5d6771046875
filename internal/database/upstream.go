package database

import "fmt"

// SetUpstreamServers persists the active upstream DNS server list, replacing
// whatever was there before. This backs the control socket's SetUpstreamDNS
// command so a runtime reconfiguration survives a daemon restart.
func (db *DB) SetUpstreamServers(servers []string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM upstream_servers"); err != nil {
		return fmt.Errorf("failed to clear upstream servers: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO upstream_servers (server_address, priority, enabled)
		VALUES (?, ?, 1)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare upstream insert: %w", err)
	}
	defer stmt.Close()

	for i, server := range servers {
		if _, err := stmt.Exec(server, i); err != nil {
			return fmt.Errorf("failed to insert upstream %s: %w", server, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit upstream servers: %w", err)
	}

	return nil
}

// GetUpstreamServers returns the persisted upstream DNS servers in priority order.
func (db *DB) GetUpstreamServers() ([]string, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	rows, err := db.conn.Query(`
		SELECT server_address FROM upstream_servers
		WHERE enabled = 1
		ORDER BY priority ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query upstream servers: %w", err)
	}
	defer rows.Close()

	var servers []string
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, fmt.Errorf("failed to scan upstream server: %w", err)
		}
		servers = append(servers, addr)
	}

	return servers, rows.Err()
}
