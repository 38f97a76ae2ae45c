package database

import (
	"context"
	"database/sql"
	"time"
)

// TalkgroupRow mirrors the talkgroups table.
type TalkgroupRow struct {
	ID          int
	AlphaTag    string
	Description string
	GroupName   string
	GroupTag    string
	Mode        string
}

// UpsertTalkgroup inserts or updates a talkgroup, never overwriting good data
// with empty strings.
func (db *DB) UpsertTalkgroup(ctx context.Context, tg *TalkgroupRow) error {
	return db.write(ctx, func(conn *sql.DB) error {
		_, err := conn.Exec(`
			INSERT INTO talkgroups (id, alpha_tag, description, group_name, group_tag, mode, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				alpha_tag   = CASE WHEN excluded.alpha_tag   != '' THEN excluded.alpha_tag   ELSE talkgroups.alpha_tag   END,
				description = CASE WHEN excluded.description != '' THEN excluded.description ELSE talkgroups.description END,
				group_name  = CASE WHEN excluded.group_name  != '' THEN excluded.group_name  ELSE talkgroups.group_name  END,
				group_tag   = CASE WHEN excluded.group_tag   != '' THEN excluded.group_tag   ELSE talkgroups.group_tag   END,
				mode        = CASE WHEN excluded.mode        != '' THEN excluded.mode        ELSE talkgroups.mode        END,
				updated_at  = excluded.updated_at`,
			tg.ID, tg.AlphaTag, tg.Description, tg.GroupName, tg.GroupTag, tg.Mode, time.Now().Unix(),
		)
		return err
	})
}

// GetTalkgroup fetches a talkgroup catalog row by ID.
func (db *DB) GetTalkgroup(ctx context.Context, id int) (*TalkgroupRow, error) {
	row := db.sql.QueryRowContext(ctx, `
		SELECT id, alpha_tag, description, group_name, group_tag, mode
		FROM talkgroups WHERE id = ?`, id)

	var tg TalkgroupRow
	if err := row.Scan(&tg.ID, &tg.AlphaTag, &tg.Description, &tg.GroupName, &tg.GroupTag, &tg.Mode); err != nil {
		return nil, err
	}
	return &tg, nil
}
