package search

import (
	"database/sql"
	"fmt"
	"strings"
)

// PgSearch implements Searcher with a plain ILIKE scan over tasks. It is the
// fallback when Meilisearch is not configured or unreachable.
type PgSearch struct {
	db *sql.DB
}

func NewPgSearch(db *sql.DB) *PgSearch {
	return &PgSearch{db: db}
}

// Healthy always returns true: if Postgres is down, the whole app is down.
func (p *PgSearch) Healthy() bool {
	return true
}

func (p *PgSearch) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}

	pattern := "%" + q.Text + "%"
	rows, err := p.db.Query(`
		SELECT id, title, LEFT(COALESCE(description, ''), 160), category, status,
			COUNT(*) OVER ()
		FROM tasks
		WHERE title ILIKE $1 OR description ILIKE $1
		ORDER BY updated_at DESC
		LIMIT $2
	`, pattern, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("pg search: %w", err)
	}
	defer rows.Close()

	var results []Result
	total := 0
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Title, &r.Snippet, &r.Category, &r.Status, &total); err != nil {
			return nil, 0, fmt.Errorf("scan search hit: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate search hits: %w", err)
	}
	return results, total, nil
}
