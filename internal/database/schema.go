package database

const schemaSQL = `
CREATE TABLE IF NOT EXISTS calls (
	id          TEXT PRIMARY KEY,
	talkgroup_id INTEGER NOT NULL DEFAULT 0,
	frequency   INTEGER NOT NULL DEFAULT 0,
	start_time  INTEGER NOT NULL,
	stop_time   INTEGER,
	duration    REAL,
	emergency   INTEGER NOT NULL DEFAULT 0,
	encrypted   INTEGER NOT NULL DEFAULT 0,
	audio_file  TEXT,
	audio_type  TEXT,
	system_type TEXT NOT NULL DEFAULT 'trunked',
	channel_id  INTEGER,
	created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_calls_start_time ON calls(start_time);
CREATE INDEX IF NOT EXISTS idx_calls_talkgroup ON calls(talkgroup_id);

CREATE TABLE IF NOT EXISTS call_sources (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	call_id   TEXT NOT NULL,
	source_id INTEGER NOT NULL,
	timestamp INTEGER NOT NULL,
	position  REAL NOT NULL DEFAULT 0,
	emergency INTEGER NOT NULL DEFAULT 0,
	tag       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_call_sources_call ON call_sources(call_id);

CREATE TABLE IF NOT EXISTS talkgroups (
	id          INTEGER PRIMARY KEY,
	alpha_tag   TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	group_name  TEXT NOT NULL DEFAULT '',
	group_tag   TEXT NOT NULL DEFAULT '',
	mode        TEXT NOT NULL DEFAULT '',
	updated_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS channels (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	frequency   INTEGER NOT NULL UNIQUE,
	alpha_tag   TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	group_name  TEXT NOT NULL DEFAULT '',
	group_tag   TEXT NOT NULL DEFAULT '',
	mode        TEXT NOT NULL DEFAULT '',
	system_type TEXT NOT NULL DEFAULT 'conventional',
	updated_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS system_config (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
`

const seedSQL = `
INSERT OR IGNORE INTO system_config (key, value, updated_at) VALUES
	('system_type', 'p25', strftime('%s','now')),
	('system_short_name', 'default', strftime('%s','now'));
`

// initSchema applies the schema and seed rows. Runs before the writer
// goroutine starts, so it touches the handle directly.
func (db *DB) initSchema() error {
	if _, err := db.sql.Exec(schemaSQL); err != nil {
		return err
	}
	if _, err := db.sql.Exec(seedSQL); err != nil {
		return err
	}
	return nil
}
