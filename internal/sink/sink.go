// Verilocate - Device Pairing and Telemetry Localization
// Copyright 2026 Verilocate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/verilocate/verilocate

// Package sink persists accepted telemetry batches in DuckDB. The table is
// append-only; batches are never updated or deleted by the server.
package sink

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/verilocate/verilocate/internal/config"
)

// Appender is the telemetry persistence surface the ingestion engine
// depends on.
type Appender interface {
	Append(ctx context.Context, deviceID, raw string, ts time.Time) error
}

const schema = `
CREATE SEQUENCE IF NOT EXISTS telemetry_log_id_seq;
CREATE TABLE IF NOT EXISTS telemetry_logs (
	id          BIGINT PRIMARY KEY DEFAULT nextval('telemetry_log_id_seq'),
	device_id   VARCHAR NOT NULL,
	raw         VARCHAR NOT NULL,
	ts          TIMESTAMP NOT NULL,
	ingested_at TIMESTAMP NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_telemetry_device_ts ON telemetry_logs (device_id, ts);
`

// DB is a DuckDB-backed telemetry sink.
type DB struct {
	conn *sql.DB
}

// New opens the DuckDB file and initializes the schema.
func New(cfg *config.SinkConfig) (*DB, error) {
	threads := cfg.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}

	// The data directory may not exist on first boot.
	if dir := filepath.Dir(cfg.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create sink directory %s: %w", dir, err)
		}
	}

	connStr := fmt.Sprintf("%s?access_mode=read_write&threads=%d&max_memory=%s&autoinstall_known_extensions=false&autoload_known_extensions=false",
		cfg.Path, threads, cfg.MaxMemory)

	conn, err := sql.Open("duckdb", connStr)
	if err != nil {
		return nil, fmt.Errorf("open sink database: %w", err)
	}

	// DuckDB is an embedded single-writer engine; one connection is enough
	// for an append-only workload.
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn}
	if err := db.initialize(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return db, nil
}

// NewInMemory opens an in-memory sink for tests.
func NewInMemory() (*DB, error) {
	conn, err := sql.Open("duckdb", ":memory:?autoinstall_known_extensions=false&autoload_known_extensions=false")
	if err != nil {
		return nil, fmt.Errorf("open in-memory sink: %w", err)
	}
	conn.SetMaxOpenConns(1)
	db := &DB{conn: conn}
	if err := db.initialize(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) initialize() error {
	if _, err := db.conn.Exec(schema); err != nil {
		return fmt.Errorf("initialize sink schema: %w", err)
	}
	return nil
}

// Append stores one accepted batch with its embedded timestamp.
func (db *DB) Append(ctx context.Context, deviceID, raw string, ts time.Time) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO telemetry_logs (device_id, raw, ts) VALUES (?, ?, ?)`,
		deviceID, raw, ts)
	if err != nil {
		return fmt.Errorf("append telemetry: %w", err)
	}
	return nil
}

// CountByDevice reports how many batches a device has persisted.
func (db *DB) CountByDevice(ctx context.Context, deviceID string) (int64, error) {
	var n int64
	err := db.conn.QueryRowContext(ctx,
		`SELECT count(*) FROM telemetry_logs WHERE device_id = ?`, deviceID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count telemetry: %w", err)
	}
	return n, nil
}

// Close closes the underlying DuckDB connection.
func (db *DB) Close() error {
	return db.conn.Close()
}
