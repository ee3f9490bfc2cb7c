package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher with PostgreSQL full-text search over the generated fts
// columns of motions and discussions.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

func (p *PgFTS) Name() string { return "postgres" }

// Search runs a UNION ALL of the motion and discussion sub-queries ranked by ts_rank,
// with ts_headline snippets.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	committeeFilter := ""
	if q.CommitteeID != "" {
		args = append(args, q.CommitteeID)
		committeeFilter = fmt.Sprintf(" AND committee_id = $%d", len(args))
	}

	var subQueries []string
	if q.FilterType == "" || q.FilterType == ResultMotion {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'motion'::text AS type, id, coalesce(doc->>'title', '') AS title,
				ts_headline('english', coalesce(doc->>'description', ''), %[1]s, 'MaxFragments=1,MaxWords=30') AS snippet,
				committee_id, id AS motion_id, status,
				ts_rank(fts, %[1]s) AS rank
			FROM motions
			WHERE fts @@ %[1]s%[2]s`, tsQuery, committeeFilter))
	}
	if q.FilterType == "" || q.FilterType == ResultDiscussion {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'discussion'::text AS type, id, coalesce(doc->>'author', '') AS title,
				ts_headline('english', coalesce(doc->>'text', ''), %[1]s, 'MaxFragments=1,MaxWords=30') AS snippet,
				committee_id, motion_id, ''::text AS status,
				ts_rank(fts, %[1]s) AS rank
			FROM discussions
			WHERE fts @@ %[1]s%[2]s`, tsQuery, committeeFilter))
	}
	if len(subQueries) == 0 {
		return nil, 0, nil
	}
	union := strings.Join(subQueries, " UNION ALL ")

	var total int
	if err := p.db.QueryRowContext(ctx, fmt.Sprintf("SELECT count(*) FROM (%s) sub", union), args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`SELECT type, id, title, snippet, committee_id, motion_id, status
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`, union, q.limit(), q.offset()), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.CommitteeID, &r.MotionID, &r.Status); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}
	return results, total, rows.Err()
}
