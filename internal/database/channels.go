package database

import (
	"context"
	"database/sql"
	"time"
)

// ChannelRow mirrors the channels table (frequency-keyed conventional catalog).
type ChannelRow struct {
	ID          int64
	Frequency   int64
	AlphaTag    string
	Description string
	GroupName   string
	GroupTag    string
	Mode        string
	SystemType  string
}

// GetOrCreateChannel resolves the surrogate ID for a conventional frequency,
// creating the catalog row on first sight.
func (db *DB) GetOrCreateChannel(ctx context.Context, frequency int64) (int64, error) {
	var id int64
	err := db.sql.QueryRowContext(ctx, `SELECT id FROM channels WHERE frequency = ?`, frequency).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, err
	}

	err = db.write(ctx, func(conn *sql.DB) error {
		// INSERT OR IGNORE handles the race with a concurrent create.
		if _, err := conn.Exec(`
			INSERT OR IGNORE INTO channels (frequency, system_type, updated_at)
			VALUES (?, 'conventional', ?)`, frequency, time.Now().Unix()); err != nil {
			return err
		}
		return conn.QueryRow(`SELECT id FROM channels WHERE frequency = ?`, frequency).Scan(&id)
	})
	return id, err
}

// GetChannelByFrequency fetches a conventional channel catalog row.
func (db *DB) GetChannelByFrequency(ctx context.Context, frequency int64) (*ChannelRow, error) {
	row := db.sql.QueryRowContext(ctx, `
		SELECT id, frequency, alpha_tag, description, group_name, group_tag, mode, system_type
		FROM channels WHERE frequency = ?`, frequency)

	var ch ChannelRow
	if err := row.Scan(&ch.ID, &ch.Frequency, &ch.AlphaTag, &ch.Description,
		&ch.GroupName, &ch.GroupTag, &ch.Mode, &ch.SystemType); err != nil {
		return nil, err
	}
	return &ch, nil
}
