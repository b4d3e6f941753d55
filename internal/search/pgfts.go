package search

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search runs plainto_tsquery over the knowledge_items tsvector, ranked by
// ts_rank with created_at and id as tie-breakers so repeated queries give a
// stable order.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 || limit > 20 {
		limit = 20
	}

	where, args := pgftsWhere(q)

	ctx := context.Background()

	var total int
	countSQL := "SELECT count(*) FROM knowledge_items k WHERE " + where
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT k.id, k.title,
			ts_headline('english', coalesce(k.content, ''), plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30') AS snippet,
			k.category, k.tags, k.industry, k.created_by, k.usage_count
		FROM knowledge_items k
		WHERE %s
		ORDER BY ts_rank(k.fts, plainto_tsquery('english', $1)) DESC, k.created_at DESC, k.id DESC
		LIMIT %d`, where, limit)

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var tagsRaw []byte
		if err := rows.Scan(&r.ID, &r.Title, &r.Snippet, &r.Category, &tagsRaw, &r.Industry, &r.CreatedBy, &r.UsageCount); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		_ = json.Unmarshal(tagsRaw, &r.Tags)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// pgftsWhere builds the WHERE clause and bind args for a query. The
// approval predicate is unconditional; $1 is always the query text.
func pgftsWhere(q Query) (string, []any) {
	where := "k.is_approved AND k.fts @@ plainto_tsquery('english', $1)"
	args := []any{q.Text}
	argN := 2
	if q.Category != "" {
		where += fmt.Sprintf(" AND k.category = $%d", argN)
		args = append(args, q.Category)
		argN++
	}
	if q.Industry != "" {
		where += fmt.Sprintf(" AND k.industry = $%d", argN)
		args = append(args, q.Industry)
		argN++
	}
	return where, args
}

// LoadAllRecords returns every knowledge entry for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]KnowledgeRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, title, content, category, tags, industry, created_by, usage_count, is_approved
		FROM knowledge_items
	`)
	if err != nil {
		return nil, fmt.Errorf("load knowledge: %w", err)
	}
	defer rows.Close()

	records := make([]KnowledgeRecord, 0)
	for rows.Next() {
		var rec KnowledgeRecord
		var tagsRaw []byte
		if err := rows.Scan(&rec.ID, &rec.Title, &rec.Content, &rec.Category, &tagsRaw, &rec.Industry, &rec.CreatedBy, &rec.UsageCount, &rec.IsApproved); err != nil {
			return nil, fmt.Errorf("scan knowledge: %w", err)
		}
		_ = json.Unmarshal(tagsRaw, &rec.Tags)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate knowledge: %w", err)
	}
	return records, nil
}
