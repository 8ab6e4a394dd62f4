// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package memory is the durable store behind recall and session handoff:
// tag-indexed memory items (immutable, soft-deleted only) and versioned
// snapshot records keyed by (session, version).
package memory

import (
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"strings"

	_ "github.com/lib/pq"                    // postgres driver
	_ "github.com/mutecomm/go-sqlcipher/v4" // registers as "sqlite3"; encryption optional
)

// schemaVersion is the latest migration. Bump when adding migrations.
const schemaVersion = 1

// Driver names accepted by Config.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// Config selects and tunes the storage engine.
type Config struct {
	// Driver is "sqlite3" (default) or "postgres".
	Driver string `yaml:"driver" json:"driver" mapstructure:"driver"`

	// Path is the database file for sqlite.
	Path string `yaml:"path" json:"path" mapstructure:"path"`

	// DSN is the connection string for postgres.
	DSN string `yaml:"dsn" json:"dsn" mapstructure:"dsn"`

	// Encrypt enables SQLCipher encryption at rest (sqlite only).
	Encrypt bool `yaml:"encrypt" json:"encrypt" mapstructure:"encrypt"`

	// EncryptionKey is the SQLCipher key. Falls back to the HEDDLE_DB_KEY
	// environment variable when empty.
	EncryptionKey string `yaml:"-" json:"-" mapstructure:"-"`
}

// DB wraps the sql handle with the dialect it was opened under.
type DB struct {
	sql    *sql.DB
	driver string
}

// Open opens the database, applies pragmas, and runs migrations.
func Open(cfg Config) (*DB, error) {
	if cfg.Driver == "" {
		cfg.Driver = DriverSQLite
	}

	var (
		handle *sql.DB
		err    error
	)
	switch cfg.Driver {
	case DriverSQLite:
		if cfg.Path == "" {
			return nil, fmt.Errorf("sqlite path is required")
		}
		dsn := cfg.Path + "?_busy_timeout=5000"
		handle, err = sql.Open("sqlite3", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		if cfg.Encrypt {
			key := cfg.EncryptionKey
			if key == "" {
				key = os.Getenv("HEDDLE_DB_KEY")
			}
			if key == "" {
				handle.Close()
				return nil, fmt.Errorf("encryption enabled but no key provided (set EncryptionKey or HEDDLE_DB_KEY)")
			}
			// Must be the first statement on the connection.
			if _, err := handle.Exec(fmt.Sprintf("PRAGMA key = '%s'", strings.ReplaceAll(key, "'", "''"))); err != nil {
				handle.Close()
				return nil, fmt.Errorf("failed to set encryption key: %w", err)
			}
		}
		if _, err := handle.Exec("PRAGMA journal_mode=WAL"); err != nil {
			handle.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	case DriverPostgres:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("postgres dsn is required")
		}
		handle, err = sql.Open("postgres", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported driver %q (want %s or %s)", cfg.Driver, DriverSQLite, DriverPostgres)
	}

	if err := handle.Ping(); err != nil {
		handle.Close()
		if cfg.Encrypt {
			return nil, fmt.Errorf("failed to verify encryption key (wrong key or corrupted database): %w", err)
		}
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	db := &DB{sql: handle, driver: cfg.Driver}
	if err := db.migrate(); err != nil {
		handle.Close()
		return nil, err
	}
	return db, nil
}

// Close releases the underlying handle.
func (db *DB) Close() error {
	return db.sql.Close()
}

// rebind rewrites ? placeholders to the dialect's form.
func (db *DB) rebind(query string) string {
	if db.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// migrate applies the schema up to schemaVersion.
func (db *DB) migrate() error {
	version, err := db.currentVersion()
	if err != nil {
		return err
	}

	if version < 1 {
		if err := db.applyInitialSchema(); err != nil {
			return fmt.Errorf("migration 0 -> 1: %w", err)
		}
		if err := db.setVersion(1); err != nil {
			return err
		}
	}
	return nil
}

func (db *DB) currentVersion() (int, error) {
	if db.driver == DriverSQLite {
		var v int
		if err := db.sql.QueryRow("PRAGMA user_version").Scan(&v); err != nil {
			return 0, fmt.Errorf("failed to read user_version: %w", err)
		}
		return v, nil
	}

	if _, err := db.sql.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL)`); err != nil {
		return 0, fmt.Errorf("failed to create schema_migrations: %w", err)
	}
	var v sql.NullInt64
	if err := db.sql.QueryRow(`SELECT MAX(version) FROM schema_migrations`).Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return int(v.Int64), nil
}

func (db *DB) setVersion(v int) error {
	if db.driver == DriverSQLite {
		_, err := db.sql.Exec(fmt.Sprintf("PRAGMA user_version = %d", v))
		return err
	}
	_, err := db.sql.Exec(db.rebind(`INSERT INTO schema_migrations (version) VALUES (?)`), v)
	return err
}

func (db *DB) applyInitialSchema() error {
	var schema string
	if db.driver == DriverSQLite {
		schema = `
		CREATE TABLE IF NOT EXISTS memory_items (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			id         TEXT NOT NULL UNIQUE,
			content    TEXT NOT NULL,
			tags_json  TEXT,
			created_at INTEGER NOT NULL,
			deleted_at INTEGER
		);

		CREATE INDEX IF NOT EXISTS idx_memory_items_live
		ON memory_items(seq)
		WHERE deleted_at IS NULL;

		CREATE TABLE IF NOT EXISTS hub_sessions (
			id         TEXT PRIMARY KEY,
			topic      TEXT,
			archived   INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS snapshots (
			session_id      TEXT NOT NULL,
			version         INTEGER NOT NULL,
			payload         BLOB NOT NULL,
			memory_ids_json TEXT,
			total_tokens    INTEGER NOT NULL DEFAULT 0,
			created_at      INTEGER NOT NULL,
			PRIMARY KEY (session_id, version)
		);

		CREATE VIRTUAL TABLE IF NOT EXISTS memory_items_fts USING fts5(
			content,
			content='memory_items',
			content_rowid='seq'
		);

		CREATE TRIGGER IF NOT EXISTS memory_items_fts_insert
		AFTER INSERT ON memory_items BEGIN
			INSERT INTO memory_items_fts(rowid, content) VALUES (new.seq, new.content);
		END;

		CREATE TRIGGER IF NOT EXISTS memory_items_fts_delete
		AFTER DELETE ON memory_items BEGIN
			INSERT INTO memory_items_fts(memory_items_fts, rowid, content)
			VALUES ('delete', old.seq, old.content);
		END;`
	} else {
		schema = `
		CREATE TABLE IF NOT EXISTS memory_items (
			seq        BIGSERIAL PRIMARY KEY,
			id         TEXT NOT NULL UNIQUE,
			content    TEXT NOT NULL,
			tags_json  TEXT,
			created_at BIGINT NOT NULL,
			deleted_at BIGINT
		);

		CREATE INDEX IF NOT EXISTS idx_memory_items_live
		ON memory_items(seq)
		WHERE deleted_at IS NULL;

		CREATE TABLE IF NOT EXISTS hub_sessions (
			id         TEXT PRIMARY KEY,
			topic      TEXT,
			archived   BOOLEAN NOT NULL DEFAULT FALSE,
			created_at BIGINT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS snapshots (
			session_id      TEXT NOT NULL,
			version         BIGINT NOT NULL,
			payload         BYTEA NOT NULL,
			memory_ids_json TEXT,
			total_tokens    BIGINT NOT NULL DEFAULT 0,
			created_at      BIGINT NOT NULL,
			PRIMARY KEY (session_id, version)
		);`
	}

	if _, err := db.sql.Exec(schema); err != nil {
		return err
	}
	return nil
}
