// Package postgres provides an alternative Store implementation backed by
// PostgreSQL: the memories table plus a tsvector column and GIN index for
// the lexical search contract that pkg/persistence/sqlite implements with
// FTS5. Vector search is delegated to the same persistence.VectorIndex
// used by the sqlite backend, keeping "which database stores records" and
// "which database answers nearest-neighbor queries" independently
// swappable, per spec §1's external vector-index-backend collaborator.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/memkit/memkit/pkg/core"
	"github.com/memkit/memkit/pkg/persistence"
)

// Client implements persistence.Store using PostgreSQL.
type Client struct {
	db      *sql.DB
	vectors persistence.VectorIndex
	locks   *persistence.LockStripe
	table   string
}

// Config configures a new Client. Either DSN (a full libpq connection
// string, as config.PersistenceConfig.DSN carries when
// Backend == "postgres") or the Host/Port/... fields may be set; DSN
// takes precedence when non-empty.
type Config struct {
	DSN      string
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	Table    string
	Vectors  persistence.VectorIndex
}

// NewClient opens a PostgreSQL connection and ensures the schema exists.
func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
	if cfg.Vectors == nil {
		return nil, fmt.Errorf("postgres: Vectors is required")
	}
	table := cfg.Table
	if table == "" {
		table = "memories"
	}

	dsn := cfg.DSN
	if dsn == "" {
		sslMode := cfg.SSLMode
		if sslMode == "" {
			sslMode = "disable"
		}
		dsn = fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, sslMode)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	c := &Client{db: db, vectors: cfg.Vectors, locks: persistence.NewLockStripe(), table: table}
	if err := c.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) initSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			content JSONB NOT NULL,
			importance DOUBLE PRECISION NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			last_accessed_at TIMESTAMPTZ NOT NULL,
			access_count BIGINT NOT NULL DEFAULT 0,
			tier TEXT NOT NULL,
			embedding_ref TEXT NOT NULL DEFAULT '',
			embedding_model TEXT NOT NULL DEFAULT '',
			tags TEXT[] NOT NULL DEFAULT '{}',
			source TEXT NOT NULL DEFAULT '',
			body_tsv TSVECTOR
		)`, c.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_tier ON %[1]s(tier)`, c.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_type ON %[1]s(type)`, c.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_tsv ON %[1]s USING GIN(body_tsv)`, c.table),
	}
	for _, stmt := range stmts {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init schema: %w", err)
		}
	}
	return nil
}

func (c *Client) Put(ctx context.Context, m *core.Memory, vectors []persistence.VectorWrite) error {
	unlock := c.locks.Lock(m.ID)
	defer unlock()

	for _, v := range vectors {
		if err := c.vectors.Upsert(ctx, v.Collection, m.ID, v.Vector, vectorPayload(m)); err != nil {
			return core.NewMemoryError("Put", core.CodeBackendUnavailable, err)
		}
	}

	tagsArr := pqArray(m.Tags)
	_, err := c.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, type, content, importance, created_at, updated_at, last_accessed_at,
			access_count, tier, embedding_ref, embedding_model, tags, source, body_tsv)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,%s,$12, to_tsvector('english', $13))
	`, c.table, tagsArr), m.ID, string(m.Type), contentJSON(m), m.Importance,
		m.CreatedAt, m.UpdatedAt, m.LastAccessedAt, m.AccessCount, string(m.Tier),
		m.EmbeddingRef, m.EmbeddingModel, m.Source, m.Content.Text())
	if err != nil {
		for _, v := range vectors {
			_ = c.vectors.Delete(ctx, v.Collection, m.ID)
		}
		return core.NewMemoryError("Put", core.CodeBackendUnavailable, err)
	}
	return nil
}

func (c *Client) Get(ctx context.Context, id string) (*core.Memory, error) {
	row := c.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT id, type, content, importance, created_at, updated_at, last_accessed_at,
			access_count, tier, embedding_ref, embedding_model, tags, source
		FROM %s WHERE id = $1
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
	existing.UpdatedAt = time.Now().UTC()

	res, err := c.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET type=$1, content=$2, importance=$3, updated_at=$4, tags=%s, source=$5,
			body_tsv = to_tsvector('english', $6)
		WHERE id=$7
	`, c.table, pqArray(existing.Tags)), string(existing.Type), contentJSON(existing),
		existing.Importance, existing.UpdatedAt, existing.Source, existing.Content.Text(), id)
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

	res, err := c.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, c.table), id)
	if err != nil {
		return core.NewMemoryError("Delete", core.CodeBackendUnavailable, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.NewMemoryError("Delete", core.CodeNotFound, core.ErrNotFound)
	}
	for _, coll := range []string{persistence.CollectionPrimary, persistence.CollectionSecondary} {
		if c.vectors.HasCollection(coll) {
			_ = c.vectors.Delete(ctx, coll, id)
		}
	}
	return nil
}

func (c *Client) List(ctx context.Context, filter core.Filter) ([]*core.Memory, int, error) {
	where, args := buildWhere(filter)

	var total int
	if err := c.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s %s`, c.table, where), args...).Scan(&total); err != nil {
		return nil, 0, core.NewMemoryError("List", core.CodeBackendUnavailable, err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, filter.Offset)
	query := fmt.Sprintf(`
		SELECT id, type, content, importance, created_at, updated_at, last_accessed_at,
			access_count, tier, embedding_ref, embedding_model, tags, source
		FROM %s %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d
	`, c.table, where, len(args)-1, len(args))

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
		out = append(out, core.ScoredID{ID: h.ID, Score: h.Similarity})
	}
	return out, nil
}

func (c *Client) LexicalSearch(ctx context.Context, text string, k int, filter core.Filter) ([]core.ScoredID, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}
	where, args := buildWhere(filter)
	joinWhere := strings.Replace(where, "WHERE", "AND", 1)
	args = append(args, text)
	tsArg := len(args)
	args = append(args, k)

	query := fmt.Sprintf(`
		SELECT id, ts_rank(body_tsv, plainto_tsquery('english', $%d)) AS rank
		FROM %s
		WHERE body_tsv @@ plainto_tsquery('english', $%d) %s
		ORDER BY rank DESC
		LIMIT $%d
	`, tsArg, c.table, tsArg, joinWhere, len(args))

	rows, err := c.db.QueryContext(ctx, query, args...)
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
		out = append(out, core.ScoredID{ID: id, Score: rank})
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
	from := current.Tier
	allowed := from == tier ||
		(from == core.TierShortTerm && tier == core.TierLongTerm) ||
		(from == core.TierLongTerm && (tier == core.TierArchived || tier == core.TierShortTerm)) ||
		(from == core.TierArchived && tier == core.TierLongTerm)
	if !allowed {
		return core.NewMemoryError("MoveTier", core.CodeInvalidTransition, core.ErrInvalidTransition)
	}
	_, err = c.db.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET tier=$1, updated_at=$2 WHERE id=$3`, c.table),
		string(tier), time.Now().UTC(), id)
	if err != nil {
		return core.NewMemoryError("MoveTier", core.CodeBackendUnavailable, err)
	}
	return nil
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
		UPDATE %s SET access_count = access_count + 1, last_accessed_at = $1,
			importance = LEAST(1.0, importance + 0.02 * (1.0 - importance))
		WHERE id = $2
	`, c.table))
	if err != nil {
		return core.NewMemoryError("ApplyAccess", core.CodeBackendUnavailable, err)
	}
	defer func() { _ = stmt.Close() }()

	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, now, id); err != nil {
			return core.NewMemoryError("ApplyAccess", core.CodeBackendUnavailable, err)
		}
	}
	return core.NewMemoryError("ApplyAccess", core.CodeBackendUnavailable, tx.Commit())
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
		if err := rows.Scan(&t, &n); err == nil {
			stats.ByType[core.MemoryType(t)] = n
		}
	}
	_ = rows.Close()
	rows, err = c.db.QueryContext(ctx, fmt.Sprintf(`SELECT tier, COUNT(*) FROM %s GROUP BY tier`, c.table))
	if err != nil {
		return stats, core.NewMemoryError("Stats", core.CodeBackendUnavailable, err)
	}
	for rows.Next() {
		var t string
		var n int
		if err := rows.Scan(&t, &n); err == nil {
			stats.ByTier[core.Tier(t)] = n
		}
	}
	_ = rows.Close()
	if n, err := c.vectors.Count(ctx, persistence.CollectionPrimary); err == nil {
		stats.VectorN = n
	}
	return stats, nil
}

func (c *Client) VectorIndex() persistence.VectorIndex { return c.vectors }

func (c *Client) Close() error { return c.db.Close() }

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMemory(s rowScanner) (*core.Memory, error) {
	var (
		id, typ, content, tier, embeddingRef, embeddingModel, source string
		importance                                                   float64
		accessCount                                                  int64
		createdAt, updatedAt, lastAccessedAt                         time.Time
		tags                                                         []string
	)
	if err := s.Scan(&id, &typ, &content, &importance, &createdAt, &updatedAt, &lastAccessedAt,
		&accessCount, &tier, &embeddingRef, &embeddingModel, pqStringArray(&tags), &source); err != nil {
		return nil, err
	}
	contentVal, err := core.DecodeContent(core.MemoryType(typ), []byte(content))
	if err != nil {
		return nil, err
	}
	return &core.Memory{
		ID: id, Type: core.MemoryType(typ), Content: contentVal, Importance: importance,
		CreatedAt: createdAt, UpdatedAt: updatedAt, LastAccessedAt: lastAccessedAt,
		AccessCount: accessCount, Tier: core.Tier(tier), EmbeddingRef: embeddingRef,
		EmbeddingModel: embeddingModel, Tags: tags, Source: source,
	}, nil
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

// pqArray renders a Go string slice as a Postgres ARRAY[...] literal
// expression for use directly in a query's VALUES list.
func pqArray(tags []string) string {
	if len(tags) == 0 {
		return "'{}'"
	}
	quoted := make([]string, len(tags))
	for i, t := range tags {
		quoted[i] = "'" + strings.ReplaceAll(t, "'", "''") + "'"
	}
	return "ARRAY[" + strings.Join(quoted, ",") + "]"
}

// pqStringArray adapts a TEXT[] scan target; lib/pq represents arrays as
// the driver-native pq.StringArray, used here via a thin Scan shim to
// avoid importing the larger pq array package for one conversion.
func pqStringArray(dst *[]string) *stringArrayScanner {
	return &stringArrayScanner{dst: dst}
}

type stringArrayScanner struct{ dst *[]string }

func (s *stringArrayScanner) Scan(src interface{}) error {
	switch v := src.(type) {
	case []byte:
		*s.dst = parsePGArray(string(v))
	case string:
		*s.dst = parsePGArray(v)
	case nil:
		*s.dst = nil
	default:
		return fmt.Errorf("unsupported TEXT[] scan source %T", src)
	}
	return nil
}

// parsePGArray parses the Postgres text array format {a,b,c}.
func parsePGArray(s string) []string {
	s = strings.TrimPrefix(s, "{")
	s = strings.TrimSuffix(s, "}")
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = strings.Trim(p, "\"")
	}
	return out
}

func buildWhere(filter core.Filter) (string, []interface{}) {
	var clauses []string
	var args []interface{}
	add := func(clause string, arg interface{}) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if len(filter.Types) == 1 {
		add("type = $%d", string(filter.Types[0]))
	}
	if len(filter.Tiers) == 1 {
		add("tier = $%d", string(filter.Tiers[0]))
	}
	if !filter.CreatedAfter.IsZero() {
		add("created_at >= $%d", filter.CreatedAfter)
	}
	if !filter.CreatedBefore.IsZero() {
		add("created_at <= $%d", filter.CreatedBefore)
	}
	if len(filter.Tags) > 0 {
		var tagClauses []string
		for _, tag := range filter.Tags {
			args = append(args, tag)
			tagClauses = append(tagClauses, fmt.Sprintf("$%d = ANY(tags)", len(args)))
		}
		clauses = append(clauses, "("+strings.Join(tagClauses, " OR ")+")")
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}
