package database

import (
	"context"
	"database/sql"
	"time"
)

// CallRow mirrors the calls table.
type CallRow struct {
	ID          string
	TalkgroupID int
	Frequency   int64
	StartTime   int64
	StopTime    *int64
	Duration    *float64
	Emergency   bool
	Encrypted   bool
	AudioFile   *string
	AudioType   *string
	SystemType  string
	ChannelID   *int64
}

// CallSourceRow mirrors the call_sources table.
type CallSourceRow struct {
	CallID    string
	SourceID  int
	Timestamp int64
	Position  float64
	Emergency bool
	Tag       string
}

// UpsertCall inserts or replaces a call by canonical ID. Replacement gives
// the status-socket call_end and the sidecar watcher insert-or-replace
// dedup semantics: whichever lands second overwrites with the same ID.
func (db *DB) UpsertCall(ctx context.Context, c *CallRow) error {
	return db.write(ctx, func(conn *sql.DB) error {
		_, err := conn.Exec(`
			INSERT OR REPLACE INTO calls
				(id, talkgroup_id, frequency, start_time, stop_time, duration,
				 emergency, encrypted, audio_file, audio_type, system_type, channel_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.TalkgroupID, c.Frequency, c.StartTime, c.StopTime, c.Duration,
			boolInt(c.Emergency), boolInt(c.Encrypted), c.AudioFile, c.AudioType,
			c.SystemType, c.ChannelID, time.Now().Unix(),
		)
		return err
	})
}

// InsertCallSources bulk-inserts the source list for a call in one transaction,
// clearing any previous rows for the same call first (replay safety).
func (db *DB) InsertCallSources(ctx context.Context, callID string, rows []CallSourceRow) error {
	if len(rows) == 0 {
		return nil
	}
	return db.write(ctx, func(conn *sql.DB) error {
		tx, err := conn.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.Exec(`DELETE FROM call_sources WHERE call_id = ?`, callID); err != nil {
			return err
		}

		stmt, err := tx.Prepare(`
			INSERT INTO call_sources (call_id, source_id, timestamp, position, emergency, tag)
			VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, r := range rows {
			if _, err := stmt.Exec(callID, r.SourceID, r.Timestamp, r.Position, boolInt(r.Emergency), r.Tag); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// GetCall fetches a single call by canonical ID.
func (db *DB) GetCall(ctx context.Context, id string) (*CallRow, error) {
	row := db.sql.QueryRowContext(ctx, `
		SELECT id, talkgroup_id, frequency, start_time, stop_time, duration,
		       emergency, encrypted, audio_file, audio_type, system_type, channel_id
		FROM calls WHERE id = ?`, id)

	var c CallRow
	var emergency, encrypted int
	err := row.Scan(&c.ID, &c.TalkgroupID, &c.Frequency, &c.StartTime, &c.StopTime,
		&c.Duration, &emergency, &encrypted, &c.AudioFile, &c.AudioType, &c.SystemType, &c.ChannelID)
	if err != nil {
		return nil, err
	}
	c.Emergency = emergency != 0
	c.Encrypted = encrypted != 0
	return &c, nil
}

// GetCallSources returns the ordered source list for a call.
func (db *DB) GetCallSources(ctx context.Context, callID string) ([]CallSourceRow, error) {
	rows, err := db.sql.QueryContext(ctx, `
		SELECT call_id, source_id, timestamp, position, emergency, tag
		FROM call_sources WHERE call_id = ? ORDER BY position, id`, callID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CallSourceRow
	for rows.Next() {
		var r CallSourceRow
		var emergency int
		if err := rows.Scan(&r.CallID, &r.SourceID, &r.Timestamp, &r.Position, &emergency, &r.Tag); err != nil {
			return nil, err
		}
		r.Emergency = emergency != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListCalls returns persisted calls newest first.
func (db *DB) ListCalls(ctx context.Context, limit, offset int) ([]CallRow, error) {
	rows, err := db.sql.QueryContext(ctx, `
		SELECT id, talkgroup_id, frequency, start_time, stop_time, duration,
		       emergency, encrypted, audio_file, audio_type, system_type, channel_id
		FROM calls ORDER BY start_time DESC, id LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CallRow
	for rows.Next() {
		var c CallRow
		var emergency, encrypted int
		if err := rows.Scan(&c.ID, &c.TalkgroupID, &c.Frequency, &c.StartTime, &c.StopTime,
			&c.Duration, &emergency, &encrypted, &c.AudioFile, &c.AudioType, &c.SystemType, &c.ChannelID); err != nil {
			return nil, err
		}
		c.Emergency = emergency != 0
		c.Encrypted = encrypted != 0
		out = append(out, c)
	}
	return out, rows.Err()
}

// CountCalls returns the number of persisted calls.
func (db *DB) CountCalls(ctx context.Context) (int64, error) {
	var n int64
	err := db.sql.QueryRowContext(ctx, `SELECT COUNT(*) FROM calls`).Scan(&n)
	return n, err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
