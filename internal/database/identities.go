package database

import (
	"database/sql"
	"fmt"
	"time"
)

// IdentityRecord is the persisted form of one loaded overlay identity (C7).
// Claimed hostnames themselves live only in the in-memory catalog; this
// table exists so the daemon can reload which identities were active
// across a restart without re-running enrollment.
type IdentityRecord struct {
	Identifier  string
	FilePath    string
	Disabled    bool
	MFARequired bool
	AddedAt     time.Time
	LastSeenAt  time.Time
}

// UpsertIdentity inserts or updates an identity record, keyed by Identifier.
func (db *DB) UpsertIdentity(rec IdentityRecord) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	query := `
		INSERT INTO identities (identifier, file_path, disabled, mfa_required, added_at, last_seen_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(identifier) DO UPDATE SET
			file_path     = excluded.file_path,
			disabled      = excluded.disabled,
			mfa_required  = excluded.mfa_required,
			last_seen_at  = CURRENT_TIMESTAMP
	`
	_, err := db.conn.Exec(query, rec.Identifier, rec.FilePath, rec.Disabled, rec.MFARequired)
	if err != nil {
		return fmt.Errorf("failed to upsert identity %s: %w", rec.Identifier, err)
	}
	return nil
}

// TouchIdentity bumps last_seen_at for an identity, e.g. on a successful
// overlay dial or resolve_connect callback.
func (db *DB) TouchIdentity(identifier string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.conn.Exec(
		"UPDATE identities SET last_seen_at = CURRENT_TIMESTAMP WHERE identifier = ?",
		identifier,
	)
	if err != nil {
		return fmt.Errorf("failed to touch identity %s: %w", identifier, err)
	}
	return nil
}

// SetIdentityDisabled flips the disabled flag for an identity.
func (db *DB) SetIdentityDisabled(identifier string, disabled bool) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	res, err := db.conn.Exec(
		"UPDATE identities SET disabled = ? WHERE identifier = ?",
		disabled, identifier,
	)
	if err != nil {
		return fmt.Errorf("failed to update identity %s: %w", identifier, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to confirm update for identity %s: %w", identifier, err)
	}
	if n == 0 {
		return fmt.Errorf("identity not found: %s", identifier)
	}
	return nil
}

// RemoveIdentity deletes an identity record.
func (db *DB) RemoveIdentity(identifier string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.conn.Exec("DELETE FROM identities WHERE identifier = ?", identifier)
	if err != nil {
		return fmt.Errorf("failed to remove identity %s: %w", identifier, err)
	}
	return nil
}

// GetIdentity looks up a single identity record.
func (db *DB) GetIdentity(identifier string) (*IdentityRecord, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var rec IdentityRecord
	err := db.conn.QueryRow(`
		SELECT identifier, file_path, disabled, mfa_required, added_at, last_seen_at
		FROM identities WHERE identifier = ?
	`, identifier).Scan(&rec.Identifier, &rec.FilePath, &rec.Disabled, &rec.MFARequired, &rec.AddedAt, &rec.LastSeenAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("identity not found: %s", identifier)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get identity %s: %w", identifier, err)
	}
	return &rec, nil
}

// ListIdentities returns every persisted identity record, ordered by identifier.
func (db *DB) ListIdentities() ([]IdentityRecord, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	rows, err := db.conn.Query(`
		SELECT identifier, file_path, disabled, mfa_required, added_at, last_seen_at
		FROM identities ORDER BY identifier
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list identities: %w", err)
	}
	defer rows.Close()

	var out []IdentityRecord
	for rows.Next() {
		var rec IdentityRecord
		if err := rows.Scan(&rec.Identifier, &rec.FilePath, &rec.Disabled, &rec.MFARequired, &rec.AddedAt, &rec.LastSeenAt); err != nil {
			return nil, fmt.Errorf("failed to scan identity row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
