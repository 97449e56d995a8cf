// Package sqlite provides the default, file-based Store implementation:
// a SQLite memories table plus an FTS5 virtual table for the lexical
// index. Vector search is delegated to an injected persistence.VectorIndex
// (normally persistence.ChromemIndex).
//
// Building this package requires mattn/go-sqlite3 compiled with the
// sqlite_fts5 build tag (e.g. `go build -tags sqlite_fts5 ./...`) since
// FTS5 is not compiled into the driver by default.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/memkit/memkit/pkg/core"
	"github.com/memkit/memkit/pkg/persistence"
)

// Client implements persistence.Store using SQLite.
type Client struct {
	db      *sql.DB
	vectors persistence.VectorIndex
	locks   *persistence.LockStripe
	table   string
}

// Config configures a new Client.
type Config struct {
	// DBPath is the path to the SQLite database file.
	DBPath string

	// Table is the name of the memories table (default "memories").
	Table string

	// Vectors is the vector index backing collection-based similarity
	// search. Required.
	Vectors persistence.VectorIndex
}

// NewClient opens (creating if necessary) the SQLite database at
// cfg.DBPath and ensures the schema exists.
func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
	if cfg.Vectors == nil {
		return nil, fmt.Errorf("sqlite: Vectors is required")
	}
	table := cfg.Table
	if table == "" {
		table = "memories"
	}

	if dir := filepath.Dir(cfg.DBPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", cfg.DBPath+"?_foreign_keys=1&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// Single-process engine; one connection avoids writer-lock
	// contention under concurrent goroutines hitting the same file.
	db.SetMaxOpenConns(1)

	c := &Client{db: db, vectors: cfg.Vectors, locks: persistence.NewLockStripe(), table: table}
	if err := c.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) initSchema(ctx context.Context) error {
	stmts := []string{
		`PRAGMA busy_timeout=5000;`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			content TEXT NOT NULL,
			importance REAL NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			last_accessed_at TEXT NOT NULL,
			access_count INTEGER NOT NULL DEFAULT 0,
			tier TEXT NOT NULL,
			embedding_ref TEXT NOT NULL DEFAULT '',
			embedding_model TEXT NOT NULL DEFAULT '',
			tags TEXT NOT NULL DEFAULT '[]',
			source TEXT NOT NULL DEFAULT ''
		);`, c.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_tier ON %[1]s(tier);`, c.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_type ON %[1]s(type);`, c.table),
		fmt.Sprintf(`CREATE VIRTUAL TABLE IF NOT EXISTS %s_fts USING fts5(id UNINDEXED, body, tokenize='unicode61');`, c.table),
	}
	for _, stmt := range stmts {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite: init schema (%s): %w", trimSQL(stmt), err)
		}
	}
	return nil
}

func trimSQL(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 40 {
		return s[:40] + "..."
	}
	return s
}

// Put writes vectors (index) then the memory record (inline), per the
// "index before inline" ordering.
func (c *Client) Put(ctx context.Context, m *core.Memory, vectors []persistence.VectorWrite) error {
	unlock := c.locks.Lock(m.ID)
	defer unlock()

	for _, v := range vectors {
		if err := c.vectors.Upsert(ctx, v.Collection, m.ID, v.Vector, vectorPayload(m)); err != nil {
			return core.NewMemoryError("Put", core.CodeBackendUnavailable, err)
		}
	}
	if text := m.Content.Text(); text != "" {
		if _, err := c.db.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s_fts(id, body) VALUES (?, ?)`, c.table), m.ID, text); err != nil {
			c.compensateVectors(ctx, m.ID, vectors)
			return core.NewMemoryError("Put", core.CodeBackendUnavailable, err)
		}
	}

	tagsJSON, err := json.Marshal(m.Tags)
	if err != nil {
		return core.NewMemoryError("Put", core.CodeInternal, err)
	}
	_, err = c.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, type, content, importance, created_at, updated_at, last_accessed_at,
			access_count, tier, embedding_ref, embedding_model, tags, source)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.table), m.ID, string(m.Type), contentJSON(m), m.Importance,
		formatTime(m.CreatedAt), formatTime(m.UpdatedAt), formatTime(m.LastAccessedAt),
		m.AccessCount, string(m.Tier), m.EmbeddingRef, m.EmbeddingModel, string(tagsJSON), m.Source)
	if err != nil {
		c.compensateVectors(ctx, m.ID, vectors)
		return core.NewMemoryError("Put", core.CodeBackendUnavailable, err)
	}
	return nil
}

// compensateVectors removes any already-written index entries when the
// record write fails, per §7's write-path compensation rule.
func (c *Client) compensateVectors(ctx context.Context, id string, vectors []persistence.VectorWrite) {
	for _, v := range vectors {
		_ = c.vectors.Delete(ctx, v.Collection, id)
	}
	_, _ = c.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s_fts WHERE id = ?`, c.table), id)
}

func (c *Client) Get(ctx context.Context, id string) (*core.Memory, error) {
	row := c.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT id, type, content, importance, created_at, updated_at, last_accessed_at,
			access_count, tier, embedding_ref, embedding_model, tags, source
		FROM %s WHERE id = ?
	`, c.table), id)
	m, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, core.NewMemoryError("Get", core.CodeNotFound, core.ErrNotFound)
	}
	if err != nil {
		return nil, core.NewMemoryError("Get", core.CodeBackendUnavailable, err)
	}
	return m, nil
}

func (c *Client) Update(ctx context.Context, id string, patch persistence.Patch, vectors []persistence.VectorWrite) (*core.Memory, error) {
	unlock := c.locks.Lock(id)
	defer unlock()

	existing, err := c.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	for _, v := range vectors {
		if err := c.vectors.Upsert(ctx, v.Collection, id, v.Vector, vectorPayload(existing)); err != nil {
			return nil, core.NewMemoryError("Update", core.CodeBackendUnavailable, err)
		}
	}

	if patch.Content != nil {
		existing.Content = patch.Content
		existing.Type = patch.Content.Kind()
		if _, err := c.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s_fts WHERE id = ?`, c.table), id); err != nil {
			return nil, core.NewMemoryError("Update", core.CodeBackendUnavailable, err)
		}
		if text := existing.Content.Text(); text != "" {
			if _, err := c.db.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s_fts(id, body) VALUES (?, ?)`, c.table), id, text); err != nil {
				return nil, core.NewMemoryError("Update", core.CodeBackendUnavailable, err)
			}
		}
	}
	if patch.Importance != nil {
		existing.Importance = core.ClampImportance(*patch.Importance)
	}
	if patch.Tags != nil {
		existing.Tags = patch.Tags
	}
	if patch.Source != nil {
		existing.Source = *patch.Source
	}
	if patch.EmbeddingModel != nil {
		existing.EmbeddingModel = *patch.EmbeddingModel
	}
	existing.UpdatedAt = time.Now().UTC()

	tagsJSON, err := json.Marshal(existing.Tags)
	if err != nil {
		return nil, core.NewMemoryError("Update", core.CodeInternal, err)
	}
	res, err := c.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET type=?, content=?, importance=?, updated_at=?, tags=?, source=?, embedding_model=? WHERE id=?
	`, c.table), string(existing.Type), contentJSON(existing), existing.Importance,
		formatTime(existing.UpdatedAt), string(tagsJSON), existing.Source, existing.EmbeddingModel, id)
	if err != nil {
		return nil, core.NewMemoryError("Update", core.CodeBackendUnavailable, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, core.NewMemoryError("Update", core.CodeNotFound, core.ErrNotFound)
	}
	return existing, nil
}

func (c *Client) Delete(ctx context.Context, id string) error {
	unlock := c.locks.Lock(id)
	defer unlock()

	res, err := c.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, c.table), id)
	if err != nil {
		return core.NewMemoryError("Delete", core.CodeBackendUnavailable, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.NewMemoryError("Delete", core.CodeNotFound, core.ErrNotFound)
	}

	// Record removed; now sweep index entries ("record before index").
	_, _ = c.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s_fts WHERE id = ?`, c.table), id)
	for _, coll := range []string{persistence.CollectionPrimary, persistence.CollectionSecondary} {
		if c.vectors.HasCollection(coll) {
			_ = c.vectors.Delete(ctx, coll, id)
		}
	}
	return nil
}

func (c *Client) List(ctx context.Context, filter core.Filter) ([]*core.Memory, int, error) {
	where, args := buildWhere(c.table, filter)

	var total int
	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM %s %s`, c.table, where)
	if err := c.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, core.NewMemoryError("List", core.CodeBackendUnavailable, err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`
		SELECT id, type, content, importance, created_at, updated_at, last_accessed_at,
			access_count, tier, embedding_ref, embedding_model, tags, source
		FROM %s %s ORDER BY created_at DESC LIMIT ? OFFSET ?
	`, c.table, where)
	args = append(args, limit, filter.Offset)

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, core.NewMemoryError("List", core.CodeBackendUnavailable, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*core.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, 0, core.NewMemoryError("List", core.CodeBackendUnavailable, err)
		}
		out = append(out, m)
	}
	return out, total, nil
}

func (c *Client) VectorSearch(ctx context.Context, collection string, vector []float64, k int, filter core.Filter) ([]core.ScoredID, error) {
	where := map[string]string{}
	if len(filter.Tiers) == 1 {
		where["tier"] = string(filter.Tiers[0])
	}
	if len(filter.Types) == 1 {
		where["type"] = string(filter.Types[0])
	}
	hits, err := c.vectors.Search(ctx, collection, vector, k, where)
	if err != nil {
		return nil, core.NewMemoryError("VectorSearch", core.CodeBackendUnavailable, err)
	}
	out := make([]core.ScoredID, 0, len(hits))
	for _, h := range hits {
		if len(filter.Tags) > 0 && !tagsOverlap(filter.Tags, splitPayloadTags(h.Payload["tags"])) {
			continue
		}
		if len(filter.Tiers) > 1 && !tierIn(filter.Tiers, h.Payload["tier"]) {
			continue
		}
		if len(filter.Types) > 1 && !typeIn(filter.Types, h.Payload["type"]) {
			continue
		}
		out = append(out, core.ScoredID{ID: h.ID, Score: h.Similarity})
	}
	return out, nil
}

func (c *Client) LexicalSearch(ctx context.Context, text string, k int, filter core.Filter) ([]core.ScoredID, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}
	where, args := buildWhere(c.table, filter)
	joinWhere := strings.Replace(where, "WHERE", "AND", 1)

	query := fmt.Sprintf(`
		SELECT m.id, bm25(%[1]s_fts) AS rank
		FROM %[1]s_fts f
		JOIN %[1]s m ON m.id = f.id
		WHERE f.body MATCH ? %[2]s
		ORDER BY rank
		LIMIT ?
	`, c.table, joinWhere)

	allArgs := append([]interface{}{text}, args...)
	allArgs = append(allArgs, k)

	rows, err := c.db.QueryContext(ctx, query, allArgs...)
	if err != nil {
		return nil, core.NewMemoryError("LexicalSearch", core.CodeBackendUnavailable, err)
	}
	defer func() { _ = rows.Close() }()

	var out []core.ScoredID
	for rows.Next() {
		var id string
		var rank float64
		if err := rows.Scan(&id, &rank); err != nil {
			return nil, core.NewMemoryError("LexicalSearch", core.CodeBackendUnavailable, err)
		}
		// bm25() in SQLite is a cost (lower is better); invert so higher
		// scores mean stronger matches, matching the vector-search sign.
		out = append(out, core.ScoredID{ID: id, Score: -rank})
	}
	return out, nil
}

func (c *Client) MoveTier(ctx context.Context, id string, tier core.Tier) error {
	unlock := c.locks.Lock(id)
	defer unlock()

	current, err := c.Get(ctx, id)
	if err != nil {
		return err
	}
	if !allowedTierTransition(current.Tier, tier) {
		return core.NewMemoryError("MoveTier", core.CodeInvalidTransition, core.ErrInvalidTransition)
	}
	_, err = c.db.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET tier=?, updated_at=? WHERE id=?`, c.table),
		string(tier), formatTime(time.Now().UTC()), id)
	if err != nil {
		return core.NewMemoryError("MoveTier", core.CodeBackendUnavailable, err)
	}
	return nil
}

// allowedTierTransition enforces invariant 2: short_term -> long_term ->
// archived, plus access-triggered promotion by exactly one level.
func allowedTierTransition(from, to core.Tier) bool {
	if from == to {
		return true
	}
	switch {
	case from == core.TierShortTerm && to == core.TierLongTerm:
		return true
	case from == core.TierLongTerm && to == core.TierArchived:
		return true
	case from == core.TierLongTerm && to == core.TierShortTerm:
		return true
	case from == core.TierArchived && to == core.TierLongTerm:
		return true
	}
	return false
}

func (c *Client) ApplyAccess(ctx context.Context, ids []string, nowMillis int64) error {
	if len(ids) == 0 {
		return nil
	}
	now := time.UnixMilli(nowMillis).UTC()
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return core.NewMemoryError("ApplyAccess", core.CodeBackendUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
		UPDATE %s SET access_count = access_count + 1, last_accessed_at = ?,
			importance = MIN(1.0, importance + 0.02 * (1.0 - importance))
		WHERE id = ?
	`, c.table))
	if err != nil {
		return core.NewMemoryError("ApplyAccess", core.CodeBackendUnavailable, err)
	}
	defer func() { _ = stmt.Close() }()

	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, formatTime(now), id); err != nil {
			return core.NewMemoryError("ApplyAccess", core.CodeBackendUnavailable, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return core.NewMemoryError("ApplyAccess", core.CodeBackendUnavailable, err)
	}
	return nil
}

func (c *Client) Stats(ctx context.Context) (persistence.Stats, error) {
	stats := persistence.Stats{ByType: map[core.MemoryType]int{}, ByTier: map[core.Tier]int{}}

	if err := c.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, c.table)).Scan(&stats.Total); err != nil {
		return stats, core.NewMemoryError("Stats", core.CodeBackendUnavailable, err)
	}

	rows, err := c.db.QueryContext(ctx, fmt.Sprintf(`SELECT type, COUNT(*) FROM %s GROUP BY type`, c.table))
	if err != nil {
		return stats, core.NewMemoryError("Stats", core.CodeBackendUnavailable, err)
	}
	for rows.Next() {
		var t string
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			_ = rows.Close()
			return stats, core.NewMemoryError("Stats", core.CodeBackendUnavailable, err)
		}
		stats.ByType[core.MemoryType(t)] = n
	}
	_ = rows.Close()

	rows, err = c.db.QueryContext(ctx, fmt.Sprintf(`SELECT tier, COUNT(*) FROM %s GROUP BY tier`, c.table))
	if err != nil {
		return stats, core.NewMemoryError("Stats", core.CodeBackendUnavailable, err)
	}
	for rows.Next() {
		var t string
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			_ = rows.Close()
			return stats, core.NewMemoryError("Stats", core.CodeBackendUnavailable, err)
		}
		stats.ByTier[core.Tier(t)] = n
	}
	_ = rows.Close()

	if err := c.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s_fts`, c.table)).Scan(&stats.LexicalN); err != nil {
		return stats, core.NewMemoryError("Stats", core.CodeBackendUnavailable, err)
	}
	if n, err := c.vectors.Count(ctx, persistence.CollectionPrimary); err == nil {
		stats.VectorN = n
	}

	return stats, nil
}

func (c *Client) VectorIndex() persistence.VectorIndex { return c.vectors }

func (c *Client) Close() error {
	return c.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMemory(s rowScanner) (*core.Memory, error) {
	var (
		id, typ, content, createdAt, updatedAt, lastAccessedAt string
		importance                                             float64
		accessCount                                            int64
		tier, embeddingRef, embeddingModel, tagsJSON, source   string
	)
	if err := s.Scan(&id, &typ, &content, &importance, &createdAt, &updatedAt, &lastAccessedAt,
		&accessCount, &tier, &embeddingRef, &embeddingModel, &tagsJSON, &source); err != nil {
		return nil, err
	}

	contentVal, err := core.DecodeContent(core.MemoryType(typ), []byte(content))
	if err != nil {
		return nil, err
	}
	var tags []string
	_ = json.Unmarshal([]byte(tagsJSON), &tags)

	createdAtT, _ := parseTime(createdAt)
	updatedAtT, _ := parseTime(updatedAt)
	lastAccessedAtT, _ := parseTime(lastAccessedAt)

	return &core.Memory{
		ID: id, Type: core.MemoryType(typ), Content: contentVal, Importance: importance,
		CreatedAt: createdAtT, UpdatedAt: updatedAtT, LastAccessedAt: lastAccessedAtT,
		AccessCount: accessCount, Tier: core.Tier(tier), EmbeddingRef: embeddingRef,
		EmbeddingModel: embeddingModel, Tags: tags, Source: source,
	}, nil
}

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

func formatTime(t time.Time) string { return t.Format(timeLayout) }
func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeLayout, s)
}

func contentJSON(m *core.Memory) string {
	b, _ := json.Marshal(m.Content)
	return string(b)
}

func vectorPayload(m *core.Memory) map[string]string {
	return map[string]string{
		"type": string(m.Type),
		"tier": string(m.Tier),
		"tags": strings.Join(m.Tags, ","),
	}
}

func splitPayloadTags(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func tagsOverlap(want, have []string) bool {
	for _, w := range want {
		for _, h := range have {
			if w == h {
				return true
			}
		}
	}
	return false
}

func tierIn(tiers []core.Tier, s string) bool {
	for _, t := range tiers {
		if string(t) == s {
			return true
		}
	}
	return false
}

func typeIn(types []core.MemoryType, s string) bool {
	for _, t := range types {
		if string(t) == s {
			return true
		}
	}
	return false
}

func buildWhere(table string, filter core.Filter) (string, []interface{}) {
	var clauses []string
	var args []interface{}

	if len(filter.Types) > 0 {
		ph := strings.TrimSuffix(strings.Repeat("?,", len(filter.Types)), ",")
		clauses = append(clauses, fmt.Sprintf("type IN (%s)", ph))
		for _, t := range filter.Types {
			args = append(args, string(t))
		}
	}
	if len(filter.Tiers) > 0 {
		ph := strings.TrimSuffix(strings.Repeat("?,", len(filter.Tiers)), ",")
		clauses = append(clauses, fmt.Sprintf("tier IN (%s)", ph))
		for _, t := range filter.Tiers {
			args = append(args, string(t))
		}
	}
	if !filter.CreatedAfter.IsZero() {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, formatTime(filter.CreatedAfter))
	}
	if !filter.CreatedBefore.IsZero() {
		clauses = append(clauses, "created_at <= ?")
		args = append(args, formatTime(filter.CreatedBefore))
	}
	if len(filter.Tags) > 0 {
		var tagClauses []string
		for _, tag := range filter.Tags {
			tagClauses = append(tagClauses, "tags LIKE ?")
			args = append(args, "%\""+tag+"\"%")
		}
		clauses = append(clauses, "("+strings.Join(tagClauses, " OR ")+")")
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}
