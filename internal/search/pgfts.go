package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a
// fallback. Vectors are computed per query; with one reviewer per
// instance the corpus stays small enough that generated columns are
// not worth the schema weight.
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

// Search executes a UNION ALL query across files (latest version
// content) and comments using plainto_tsquery and ts_rank, with
// ts_headline for snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	argN := 2

	var subQueries []string

	// Files sub-query: latest version content via LATERAL
	if q.FilterType == "" || q.FilterType == ResultFile {
		fileWhere := fmt.Sprintf("to_tsvector('english', f.name || ' ' || coalesce(v.content, '')) @@ %s", tsQuery)
		if q.OwnerID != "" {
			fileWhere += fmt.Sprintf(" AND p.owner_id = $%d", argN)
			args = append(args, q.OwnerID)
			argN++
		}
		if q.FilterProjectID != "" {
			fileWhere += fmt.Sprintf(" AND p.id = $%d", argN)
			args = append(args, q.FilterProjectID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'file'::text AS type, f.id, f.name AS title,
				ts_headline('english', coalesce(v.content, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				f.id AS file_id, p.id AS project_id,
				ts_rank(to_tsvector('english', f.name || ' ' || coalesce(v.content, '')), %s) AS rank
			FROM files f
			JOIN projects p ON p.id = f.project_id
			LEFT JOIN LATERAL (
				SELECT content FROM file_versions fv
				WHERE fv.file_id = f.id
				ORDER BY fv.created_at DESC, fv.id DESC
				LIMIT 1
			) v ON true
			WHERE %s`, tsQuery, tsQuery, fileWhere))
	}

	// Comments sub-query
	if q.FilterType == "" || q.FilterType == ResultComment {
		commentWhere := fmt.Sprintf("to_tsvector('english', c.content) @@ %s", tsQuery)
		if q.OwnerID != "" {
			commentWhere += fmt.Sprintf(" AND p.owner_id = $%d", argN)
			args = append(args, q.OwnerID)
			argN++
		}
		if q.FilterProjectID != "" {
			commentWhere += fmt.Sprintf(" AND p.id = $%d", argN)
			args = append(args, q.FilterProjectID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'comment'::text AS type, c.id, f.name AS title,
				ts_headline('english', coalesce(c.content, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				c.file_id, p.id AS project_id,
				ts_rank(to_tsvector('english', c.content), %s) AS rank
			FROM comments c
			JOIN files f ON f.id = c.file_id
			JOIN projects p ON p.id = f.project_id
			WHERE %s`, tsQuery, tsQuery, commentWhere))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, file_id, project_id
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`,
		strings.Join(subQueries, " UNION ALL "),
		limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.FileID, &r.ProjectID); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]FileRecord, []CommentRecord, error) {
	fileRows, err := p.db.QueryContext(ctx, `
		SELECT f.id, f.name, coalesce(v.content, ''), p.id, p.owner_id
		FROM files f
		JOIN projects p ON p.id = f.project_id
		LEFT JOIN LATERAL (
			SELECT content FROM file_versions fv
			WHERE fv.file_id = f.id
			ORDER BY fv.created_at DESC, fv.id DESC
			LIMIT 1
		) v ON true
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load files: %w", err)
	}
	defer fileRows.Close()

	files := make([]FileRecord, 0)
	for fileRows.Next() {
		var f FileRecord
		if err := fileRows.Scan(&f.ID, &f.Name, &f.Content, &f.ProjectID, &f.OwnerID); err != nil {
			return nil, nil, fmt.Errorf("scan file: %w", err)
		}
		files = append(files, f)
	}
	if err := fileRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate files: %w", err)
	}

	commentRows, err := p.db.QueryContext(ctx, `
		SELECT c.id, c.content, c.file_id, p.id, p.owner_id
		FROM comments c
		JOIN files f ON f.id = c.file_id
		JOIN projects p ON p.id = f.project_id
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load comments: %w", err)
	}
	defer commentRows.Close()

	comments := make([]CommentRecord, 0)
	for commentRows.Next() {
		var c CommentRecord
		if err := commentRows.Scan(&c.ID, &c.Body, &c.FileID, &c.ProjectID, &c.OwnerID); err != nil {
			return nil, nil, fmt.Errorf("scan comment: %w", err)
		}
		comments = append(comments, c)
	}
	if err := commentRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate comments: %w", err)
	}

	return files, comments, nil
}
