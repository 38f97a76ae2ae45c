package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// DB wraps the sqlite handle. All writes are serialized through a single
// writer goroutine fed by a bounded request channel; reads go straight to
// the pool and run concurrently against the WAL.
type DB struct {
	sql    *sql.DB
	log    zerolog.Logger
	writes chan writeReq
	done   chan struct{}
}

type writeReq struct {
	fn   func(*sql.DB) error
	resp chan error
}

var errWriterClosed = errors.New("database writer closed")

// Open opens (creating if needed) the sqlite database at path, applies the
// schema, seeds config defaults, and starts the writer goroutine.
func Open(path string, log zerolog.Logger) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	db := &DB{
		sql:    conn,
		log:    log,
		writes: make(chan writeReq, 256),
		done:   make(chan struct{}),
	}

	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	go db.writerLoop()

	log.Info().Str("path", path).Msg("database opened")
	return db, nil
}

// writerLoop executes queued write requests one at a time.
func (db *DB) writerLoop() {
	for req := range db.writes {
		req.resp <- req.fn(db.sql)
	}
	close(db.done)
}

// write submits fn to the writer goroutine and waits for it to complete.
func (db *DB) write(ctx context.Context, fn func(*sql.DB) error) error {
	req := writeReq{fn: fn, resp: make(chan error, 1)}

	select {
	case db.writes <- req:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.resp:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return db.sql.PingContext(ctx)
}

// Close drains pending writes and closes the underlying handle.
// The store shuts down last, so in-flight writes get to finish.
func (db *DB) Close() {
	db.log.Info().Msg("closing database")
	close(db.writes)
	select {
	case <-db.done:
	case <-time.After(5 * time.Second):
		db.log.Warn().Msg("database writer did not drain in time")
	}
	db.sql.Close()
}
