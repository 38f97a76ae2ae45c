package database

import (
	"context"
	"database/sql"
	"time"
)

// GetConfigValue reads one key from the system_config table.
func (db *DB) GetConfigValue(ctx context.Context, key string) (string, error) {
	var v string
	err := db.sql.QueryRowContext(ctx, `SELECT value FROM system_config WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return v, err
}

// SetConfigValue upserts one key in the system_config table.
func (db *DB) SetConfigValue(ctx context.Context, key, value string) error {
	return db.write(ctx, func(conn *sql.DB) error {
		_, err := conn.Exec(`
			INSERT INTO system_config (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			key, value, time.Now().Unix())
		return err
	})
}

// SystemType returns the configured system type ("p25" or "conventional").
// Anything other than "conventional" is treated as trunked.
func (db *DB) SystemType(ctx context.Context) (string, error) {
	v, err := db.GetConfigValue(ctx, "system_type")
	if err != nil {
		return "", err
	}
	if v == "" {
		return "p25", nil
	}
	return v, nil
}
