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
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sahilm/fuzzy"
	"go.uber.org/zap"

	"github.com/teradata-labs/heddle/pkg/composer"
	"github.com/teradata-labs/heddle/pkg/fault"
	"github.com/teradata-labs/heddle/pkg/observability"
)

// Item is one stored memory. Immutable after creation; superseding facts are
// stored as new items, never updates.
type Item struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Tags      []string  `json:"tags,omitempty"`
	Seq       int64     `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
	Deleted   bool      `json:"deleted,omitempty"`
}

// Relevance scoring weights. Exact tag matches dominate partial matches,
// which dominate plain text occurrences, so the ranking contract holds by
// construction.
const (
	scoreExactTag   = 100
	scorePartialTag = 10
	scoreOccurrence = 1
)

// Store is the durable, tag-indexed memory store. It owns no knowledge of
// sessions; the SnapshotManager layers session semantics on the same DB.
type Store struct {
	db     *DB
	logger *zap.Logger
	tracer observability.Tracer
}

// StoreOption customizes a Store.
type StoreOption func(*Store)

// WithStoreTracer sets the tracer.
func WithStoreTracer(tracer observability.Tracer) StoreOption {
	return func(s *Store) { s.tracer = tracer }
}

// NewStore wraps an open DB.
func NewStore(db *DB, logger *zap.Logger, opts ...StoreOption) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		db:     db,
		logger: logger.With(zap.String("component", "memory")),
		tracer: observability.NewNoOpTracer(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Remember stores a new item and returns its id. The id is the 16-hex-char
// prefix of sha256(seq || content): content-addressed, salted by the insert
// sequence so identical content stored twice gets distinct ids.
func (s *Store) Remember(ctx context.Context, content string, tags []string) (string, error) {
	ctx, span := s.tracer.StartSpan(ctx, observability.SpanMemoryRemember)
	defer s.tracer.EndSpan(span)

	if strings.TrimSpace(content) == "" {
		return "", fmt.Errorf("memory content must not be empty")
	}

	tagsJSON, err := json.Marshal(normalizeTags(tags))
	if err != nil {
		return "", fmt.Errorf("failed to encode tags: %w", err)
	}

	tx, err := s.db.sql.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC().Unix()

	var seq int64
	if s.db.driver == DriverPostgres {
		err = tx.QueryRowContext(ctx, s.db.rebind(
			`INSERT INTO memory_items (id, content, tags_json, created_at) VALUES (?, ?, ?, ?) RETURNING seq`),
			placeholderID(), content, string(tagsJSON), now).Scan(&seq)
		if err != nil {
			return "", fmt.Errorf("failed to insert item: %w", err)
		}
	} else {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO memory_items (id, content, tags_json, created_at) VALUES (?, ?, ?, ?)`,
			placeholderID(), content, string(tagsJSON), now)
		if err != nil {
			return "", fmt.Errorf("failed to insert item: %w", err)
		}
		seq, err = res.LastInsertId()
		if err != nil {
			return "", fmt.Errorf("failed to read insert sequence: %w", err)
		}
	}

	id := itemID(seq, content)
	if _, err := tx.ExecContext(ctx, s.db.rebind(`UPDATE memory_items SET id = ? WHERE seq = ?`), id, seq); err != nil {
		return "", fmt.Errorf("failed to assign item id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit item: %w", err)
	}

	s.tracer.RecordMetric(observability.MetricMemoryItems, 1, nil)
	s.logger.Debug("remembered item", zap.String("id", id), zap.Int("tags", len(tags)))
	return id, nil
}

// Get fetches one item by id, tombstoned or not. Restore paths need access
// to soft-deleted items.
func (s *Store) Get(ctx context.Context, id string) (*Item, error) {
	row := s.db.sql.QueryRowContext(ctx, s.db.rebind(
		`SELECT seq, id, content, tags_json, created_at, deleted_at
		 FROM memory_items WHERE id = ?`), id)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("memory item %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load item %s: %w", id, err)
	}
	return item, nil
}

// Search returns live items ranked by relevance: exact tag matches first,
// then partial tag matches, then plain text occurrences. Ties break by
// insert order, so re-running an identical query with no intervening writes
// returns the identical sequence.
func (s *Store) Search(ctx context.Context, query string, tags []string, limit int) ([]Item, error) {
	ctx, span := s.tracer.StartSpan(ctx, observability.SpanMemoryRecall)
	defer s.tracer.EndSpan(span)

	if limit <= 0 {
		limit = 20
	}

	candidates, err := s.candidates(ctx, query, tags)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	type scored struct {
		item  Item
		score int
	}
	filtered := query != "" || len(tags) > 0
	ranked := make([]scored, 0, len(candidates))
	for _, item := range candidates {
		score := relevance(item, query, tags)
		if filtered && score == 0 {
			continue
		}
		ranked = append(ranked, scored{item: item, score: score})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].item.Seq < ranked[j].item.Seq
	})

	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	out := make([]Item, len(ranked))
	for i, r := range ranked {
		out[i] = r.item
	}

	s.tracer.RecordMetric(observability.MetricMemoryRecalls, 1, nil)
	return out, nil
}

// Recall adapts Search to the composer's interface: topic-scoped, ranked,
// ready to drop from the tail on truncation.
func (s *Store) Recall(ctx context.Context, topic string, limit int) ([]composer.RecalledItem, error) {
	items, err := s.Search(ctx, topic, nil, limit)
	if err != nil {
		return nil, err
	}
	out := make([]composer.RecalledItem, len(items))
	for i, item := range items {
		out[i] = composer.RecalledItem{ID: item.ID, Content: item.Content, Tags: item.Tags}
	}
	return out, nil
}

var _ composer.Recaller = (*Store)(nil)

// Forget soft-deletes an item. It fails with SnapshotConflict while any
// snapshot of a non-archived session still references the id; archiving the
// session lifts the pin.
func (s *Store) Forget(ctx context.Context, id string) error {
	ctx, span := s.tracer.StartSpan(ctx, observability.SpanMemoryForget)
	defer s.tracer.EndSpan(span)

	var deletedAt sql.NullInt64
	err := s.db.sql.QueryRowContext(ctx, s.db.rebind(
		`SELECT deleted_at FROM memory_items WHERE id = ?`), id).Scan(&deletedAt)
	if err == sql.ErrNoRows {
		return fmt.Errorf("memory item %s not found", id)
	}
	if err != nil {
		return fmt.Errorf("failed to load item %s: %w", id, err)
	}
	if deletedAt.Valid {
		return nil // already tombstoned; idempotent
	}

	var holders int
	err = s.db.sql.QueryRowContext(ctx, s.db.rebind(
		`SELECT COUNT(*)
		 FROM snapshots sn
		 JOIN hub_sessions hs ON hs.id = sn.session_id
		 WHERE hs.archived = ? AND sn.memory_ids_json LIKE ?`),
		false, `%"`+id+`"%`).Scan(&holders)
	if err != nil {
		return fmt.Errorf("failed to check snapshot references: %w", err)
	}
	if holders > 0 {
		ferr := fault.Newf(fault.SnapshotConflict,
			"memory item %s is referenced by %d live snapshot(s)", id, holders).
			WithDetail("item_id", id).
			WithDetail("snapshots", holders)
		span.RecordError(ferr)
		return ferr
	}

	_, err = s.db.sql.ExecContext(ctx, s.db.rebind(
		`UPDATE memory_items SET deleted_at = ? WHERE id = ?`),
		time.Now().UTC().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to tombstone item %s: %w", id, err)
	}

	s.logger.Debug("forgot item", zap.String("id", id))
	return nil
}

// Stats reports store counts for the transparency surface.
type Stats struct {
	LiveItems       int64 `json:"live_items"`
	TombstonedItems int64 `json:"tombstoned_items"`
	Snapshots       int64 `json:"snapshots"`
	Sessions        int64 `json:"sessions"`
}

// Stats counts the store's contents.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	var st Stats
	rows := []struct {
		query string
		dest  *int64
	}{
		{`SELECT COUNT(*) FROM memory_items WHERE deleted_at IS NULL`, &st.LiveItems},
		{`SELECT COUNT(*) FROM memory_items WHERE deleted_at IS NOT NULL`, &st.TombstonedItems},
		{`SELECT COUNT(*) FROM snapshots`, &st.Snapshots},
		{`SELECT COUNT(*) FROM hub_sessions`, &st.Sessions},
	}
	for _, r := range rows {
		if err := s.db.sql.QueryRowContext(ctx, r.query).Scan(r.dest); err != nil {
			return nil, fmt.Errorf("failed to count: %w", err)
		}
	}
	return &st, nil
}

// candidates loads the live rows worth scoring. A text-only search is
// prefiltered per word through FTS (sqlite) or ILIKE (postgres); a search
// carrying tags scans every live row instead, because partial tag matches
// are a fuzzy relation no LIKE pattern can express.
func (s *Store) candidates(ctx context.Context, query string, tags []string) ([]Item, error) {
	base := `SELECT seq, id, content, tags_json, created_at, deleted_at
	         FROM memory_items WHERE deleted_at IS NULL`

	var (
		conds []string
		args  []any
	)
	if query != "" && len(tags) == 0 {
		for _, word := range strings.Fields(query) {
			if s.db.driver == DriverSQLite {
				conds = append(conds,
					`(seq IN (SELECT rowid FROM memory_items_fts WHERE memory_items_fts MATCH ?) OR content LIKE ?)`)
				args = append(args, ftsQuery(word), "%"+word+"%")
			} else {
				conds = append(conds, `content ILIKE ?`)
				args = append(args, "%"+word+"%")
			}
		}
	}

	q := base
	if len(conds) > 0 {
		q += " AND (" + strings.Join(conds, " OR ") + ")"
	}
	q += " ORDER BY seq ASC"

	rows, err := s.db.sql.QueryContext(ctx, s.db.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("search query failed: %w", err)
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		out = append(out, *item)
	}
	return out, rows.Err()
}

// relevance scores one candidate. Exact tag matches are worth an order of
// magnitude more than partial ones, which in turn beat text occurrences.
func relevance(item Item, query string, tags []string) int {
	score := 0

	for _, want := range normalizeTags(tags) {
		exact := false
		for _, have := range item.Tags {
			if have == want {
				score += scoreExactTag
				exact = true
				break
			}
		}
		if !exact && len(item.Tags) > 0 {
			if matches := fuzzy.Find(want, item.Tags); len(matches) > 0 {
				score += scorePartialTag
			}
		}
	}

	if query != "" {
		lower := strings.ToLower(item.Content)
		for _, word := range strings.Fields(strings.ToLower(query)) {
			score += scoreOccurrence * strings.Count(lower, word)
		}
	}
	return score
}

// ftsQuery sanitizes free text into an FTS5 phrase query. Quoting the whole
// string neutralizes FTS operators in user input.
func ftsQuery(query string) string {
	return `"` + strings.ReplaceAll(query, `"`, `""`) + `"`
}

func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// itemID derives the content-addressed, sequence-salted id.
func itemID(seq int64, content string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d|%s", seq, content)))
	return hex.EncodeToString(sum[:8])
}

// placeholderID fills the NOT NULL UNIQUE id column until the real id is
// computed from the assigned sequence, inside the same transaction. A uuid
// rather than a timestamp: concurrent Remembers on a coarse clock would
// collide on the UNIQUE constraint.
func placeholderID() string {
	return "pending-" + uuid.New().String()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*Item, error) {
	var (
		item      Item
		tagsJSON  sql.NullString
		createdAt int64
		deletedAt sql.NullInt64
	)
	if err := row.Scan(&item.Seq, &item.ID, &item.Content, &tagsJSON, &createdAt, &deletedAt); err != nil {
		return nil, err
	}
	if tagsJSON.Valid && tagsJSON.String != "" {
		if err := json.Unmarshal([]byte(tagsJSON.String), &item.Tags); err != nil {
			return nil, fmt.Errorf("corrupt tags for item %s: %w", item.ID, err)
		}
	}
	item.CreatedAt = time.Unix(createdAt, 0).UTC()
	item.Deleted = deletedAt.Valid
	return &item, nil
}
