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

package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/teradata-labs/heddle/pkg/composer"
	"github.com/teradata-labs/heddle/pkg/fault"
	"github.com/teradata-labs/heddle/pkg/observability"
	"github.com/teradata-labs/heddle/pkg/types"
)

// Record is one persisted snapshot: a session's composed context plus the
// memory item ids it referenced, at a monotonically increasing version.
// Restoring never mutates the record.
type Record struct {
	SessionID   string             `json:"session_id"`
	Version     int64              `json:"version"`
	Snapshot    *composer.Snapshot `json:"snapshot"`
	MemoryIDs   []string           `json:"memory_ids,omitempty"`
	TotalTokens int                `json:"total_tokens"`
	CreatedAt   time.Time          `json:"created_at"`
}

// VersionInfo is one row of a session's snapshot history.
type VersionInfo struct {
	Version     int64     `json:"version"`
	TotalTokens int       `json:"total_tokens"`
	CreatedAt   time.Time `json:"created_at"`
}

// SnapshotManager serializes and restores session context. Payloads are
// zstd-compressed JSON; writes for the same session are serialized by a
// per-session lock so versions never collide.
type SnapshotManager struct {
	db     *DB
	logger *zap.Logger
	tracer observability.Tracer

	enc *zstd.Encoder
	dec *zstd.Decoder

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// SnapshotManagerOption customizes a SnapshotManager.
type SnapshotManagerOption func(*SnapshotManager)

// WithSnapshotTracer sets the tracer.
func WithSnapshotTracer(tracer observability.Tracer) SnapshotManagerOption {
	return func(m *SnapshotManager) { m.tracer = tracer }
}

// NewSnapshotManager wraps an open DB.
func NewSnapshotManager(db *DB, logger *zap.Logger, opts ...SnapshotManagerOption) (*SnapshotManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create compressor: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create decompressor: %w", err)
	}

	m := &SnapshotManager{
		db:     db,
		logger: logger.With(zap.String("component", "snapshot")),
		tracer: observability.NewNoOpTracer(),
		enc:    enc,
		dec:    dec,
		locks:  make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// sessionLock returns the per-session write lock, creating it on first use.
func (m *SnapshotManager) sessionLock(sessionID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[sessionID] = lock
	}
	return lock
}

// Snapshot persists the session's latest composed context. Version is the
// previous version plus one; at most one snapshot write per session is in
// flight at a time.
func (m *SnapshotManager) Snapshot(ctx context.Context, session *types.Session, snap *composer.Snapshot) (*Record, error) {
	ctx, span := m.tracer.StartSpan(ctx, observability.SpanSnapshotSave,
		observability.WithAttribute(observability.AttrSessionID, session.ID()))
	defer m.tracer.EndSpan(span)

	if snap == nil {
		return nil, fmt.Errorf("nothing to snapshot: no composed context")
	}

	lock := m.sessionLock(session.ID())
	lock.Lock()
	defer lock.Unlock()

	payload, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	compressed := m.enc.EncodeAll(payload, nil)

	idsJSON, err := json.Marshal(snap.MemoryRefs)
	if err != nil {
		return nil, fmt.Errorf("failed to encode memory refs: %w", err)
	}

	tx, err := m.db.sql.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()

	if err := m.upsertSession(ctx, tx, session, now); err != nil {
		return nil, err
	}

	var prev sql.NullInt64
	if err := tx.QueryRowContext(ctx, m.db.rebind(
		`SELECT MAX(version) FROM snapshots WHERE session_id = ?`), session.ID()).Scan(&prev); err != nil {
		return nil, fmt.Errorf("failed to read latest version: %w", err)
	}
	version := prev.Int64 + 1

	if _, err := tx.ExecContext(ctx, m.db.rebind(
		`INSERT INTO snapshots (session_id, version, payload, memory_ids_json, total_tokens, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`),
		session.ID(), version, compressed, string(idsJSON), snap.TotalTokens, now.Unix()); err != nil {
		return nil, fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit snapshot: %w", err)
	}

	m.tracer.RecordMetric(observability.MetricMemorySnapshots, 1,
		map[string]string{"session": session.ID()})
	m.logger.Info("snapshot saved",
		zap.String("session", session.ID()),
		zap.Int64("version", version),
		zap.Int("memory_refs", len(snap.MemoryRefs)),
		zap.Int("payload_bytes", len(compressed)))

	return &Record{
		SessionID:   session.ID(),
		Version:     version,
		Snapshot:    snap,
		MemoryIDs:   append([]string(nil), snap.MemoryRefs...),
		TotalTokens: snap.TotalTokens,
		CreatedAt:   now,
	}, nil
}

func (m *SnapshotManager) upsertSession(ctx context.Context, tx *sql.Tx, session *types.Session, now time.Time) error {
	var q string
	if m.db.driver == DriverSQLite {
		q = `INSERT INTO hub_sessions (id, topic, archived, created_at) VALUES (?, ?, ?, ?)
		     ON CONFLICT(id) DO UPDATE SET topic = excluded.topic, archived = excluded.archived`
	} else {
		q = `INSERT INTO hub_sessions (id, topic, archived, created_at) VALUES (?, ?, ?, ?)
		     ON CONFLICT (id) DO UPDATE SET topic = EXCLUDED.topic, archived = EXCLUDED.archived`
	}
	if _, err := tx.ExecContext(ctx, m.db.rebind(q),
		session.ID(), session.Topic(), session.Archived(), now.Unix()); err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}
	return nil
}

// Restore loads a snapshot record. Version 0 means latest. A record whose
// referenced memory items are missing fails with InvalidSnapshot rather than
// producing a partial context.
func (m *SnapshotManager) Restore(ctx context.Context, sessionID string, version int64) (*Record, error) {
	ctx, span := m.tracer.StartSpan(ctx, observability.SpanSnapshotLoad,
		observability.WithAttribute(observability.AttrSessionID, sessionID))
	defer m.tracer.EndSpan(span)

	q := `SELECT version, payload, memory_ids_json, total_tokens, created_at
	      FROM snapshots WHERE session_id = ?`
	args := []any{sessionID}
	if version > 0 {
		q += ` AND version = ?`
		args = append(args, version)
	}
	q += ` ORDER BY version DESC LIMIT 1`

	var (
		rec       Record
		payload   []byte
		idsJSON   sql.NullString
		createdAt int64
	)
	err := m.db.sql.QueryRowContext(ctx, m.db.rebind(q), args...).
		Scan(&rec.Version, &payload, &idsJSON, &rec.TotalTokens, &createdAt)
	if err == sql.ErrNoRows {
		ferr := fault.Newf(fault.SnapshotNotFound, "no snapshot for session %s", sessionID).
			WithDetail("session_id", sessionID)
		if version > 0 {
			ferr = fault.Newf(fault.SnapshotNotFound, "no snapshot for session %s at version %d", sessionID, version).
				WithDetail("session_id", sessionID).
				WithDetail("version", version)
		}
		span.RecordError(ferr)
		return nil, ferr
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	rec.SessionID = sessionID
	rec.CreatedAt = time.Unix(createdAt, 0).UTC()

	if idsJSON.Valid && idsJSON.String != "" {
		if err := json.Unmarshal([]byte(idsJSON.String), &rec.MemoryIDs); err != nil {
			return nil, fault.Wrapf(fault.InvalidSnapshot, err,
				"corrupt memory references in snapshot %s/%d", sessionID, rec.Version)
		}
	}

	missing, err := m.missingItems(ctx, rec.MemoryIDs)
	if err != nil {
		// A failing lookup is a storage problem, not evidence the snapshot
		// is bad.
		return nil, fmt.Errorf("failed to verify snapshot references: %w", err)
	}
	if len(missing) > 0 {
		ferr := fault.Newf(fault.InvalidSnapshot,
			"snapshot %s/%d references %d missing memory item(s)", sessionID, rec.Version, len(missing)).
			WithDetail("missing", missing)
		span.RecordError(ferr)
		return nil, ferr
	}

	raw, err := m.dec.DecodeAll(payload, nil)
	if err != nil {
		return nil, fault.Wrapf(fault.InvalidSnapshot, err,
			"corrupt payload in snapshot %s/%d", sessionID, rec.Version)
	}
	var snap composer.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fault.Wrapf(fault.InvalidSnapshot, err,
			"malformed context in snapshot %s/%d", sessionID, rec.Version)
	}
	rec.Snapshot = &snap

	m.logger.Info("snapshot restored",
		zap.String("session", sessionID),
		zap.Int64("version", rec.Version))
	return &rec, nil
}

// missingItems returns the ids with no row at all. Tombstoned items still
// count as present; only truly absent rows mean corruption.
func (m *SnapshotManager) missingItems(ctx context.Context, ids []string) ([]string, error) {
	var missing []string
	for _, id := range ids {
		var seq int64
		err := m.db.sql.QueryRowContext(ctx, m.db.rebind(
			`SELECT seq FROM memory_items WHERE id = ?`), id).Scan(&seq)
		switch {
		case err == sql.ErrNoRows:
			missing = append(missing, id)
		case err != nil:
			return nil, err
		}
	}
	return missing, nil
}

// Archive marks the session closed. Its snapshot records stop pinning their
// referenced memory items.
func (m *SnapshotManager) Archive(ctx context.Context, sessionID string) error {
	var q string
	if m.db.driver == DriverSQLite {
		q = `INSERT INTO hub_sessions (id, archived, created_at) VALUES (?, ?, ?)
		     ON CONFLICT(id) DO UPDATE SET archived = excluded.archived`
	} else {
		q = `INSERT INTO hub_sessions (id, archived, created_at) VALUES (?, ?, ?)
		     ON CONFLICT (id) DO UPDATE SET archived = EXCLUDED.archived`
	}
	if _, err := m.db.sql.ExecContext(ctx, m.db.rebind(q),
		sessionID, true, time.Now().UTC().Unix()); err != nil {
		return fmt.Errorf("failed to archive session %s: %w", sessionID, err)
	}
	m.logger.Info("session archived", zap.String("session", sessionID))
	return nil
}

// Versions lists a session's snapshot history, newest first.
func (m *SnapshotManager) Versions(ctx context.Context, sessionID string) ([]VersionInfo, error) {
	rows, err := m.db.sql.QueryContext(ctx, m.db.rebind(
		`SELECT version, total_tokens, created_at FROM snapshots
		 WHERE session_id = ? ORDER BY version DESC`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var out []VersionInfo
	for rows.Next() {
		var (
			info      VersionInfo
			createdAt int64
		)
		if err := rows.Scan(&info.Version, &info.TotalTokens, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot row: %w", err)
		}
		info.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, info)
	}
	return out, rows.Err()
}
