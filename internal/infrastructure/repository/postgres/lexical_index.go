package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kirillkom/kedb-orchestrator/internal/core/domain"
	"github.com/kirillkom/kedb-orchestrator/internal/infrastructure/resilience"
)

const lexicalSearchOperation = "postgres.lexical_search"

// LexicalIndex runs keyword search over the KEDB full-text relation.
type LexicalIndex struct {
	db       *sql.DB
	executor *resilience.Executor
}

// NewLexicalIndex builds the index. A nil executor runs each search once
// without a breaker.
func NewLexicalIndex(db *sql.DB, executor *resilience.Executor) *LexicalIndex {
	return &LexicalIndex{db: db, executor: executor}
}

const lexicalSearchQuery = `
SELECT d.id, d.entry_id, d.kind, d.title, d.snippet, d.severity, d.access_tags,
	ts_rank_cd(d.search_vector, q) AS score
FROM kb_search_documents d, websearch_to_tsquery('simple', $1) q
WHERE d.search_vector @@ q
	AND d.workflow_state = 'published'
	AND (jsonb_array_length($2::jsonb) = 0 OR d.severity IN (SELECT jsonb_array_elements_text($2::jsonb)))
	AND d.tags @> $3::jsonb
	AND ($4::timestamptz IS NULL OR d.created_at >= $4)
	AND ($5::timestamptz IS NULL OR d.created_at <= $5)
ORDER BY score DESC, d.id ASC
LIMIT $6
`

func (i *LexicalIndex) Search(ctx context.Context, text string, k int, filters domain.Filters) ([]domain.Candidate, error) {
	severities, err := jsonArray(filters.Severities)
	if err != nil {
		return nil, fmt.Errorf("marshal severities: %w", err)
	}
	tags, err := jsonArray(filters.Tags)
	if err != nil {
		return nil, fmt.Errorf("marshal tags: %w", err)
	}

	var out []domain.Candidate
	call := func(ctx context.Context) error {
		hits, err := i.search(ctx, text, k, severities, tags, filters)
		out = hits
		return err
	}
	if i.executor == nil {
		err = call(ctx)
	} else {
		err = i.executor.Execute(ctx, lexicalSearchOperation, call, classifyPostgresError)
	}
	if err != nil {
		return nil, resilience.WrapTemporary(lexicalSearchOperation, err, classifyPostgresError)
	}
	return out, nil
}

func (i *LexicalIndex) search(ctx context.Context, text string, k int, severities, tags []byte, filters domain.Filters) ([]domain.Candidate, error) {
	rows, err := i.db.QueryContext(ctx, lexicalSearchQuery,
		text, severities, tags, nullTime(filters.From), nullTime(filters.To), k,
	)
	if err != nil {
		return nil, fmt.Errorf("lexical search: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Candidate, 0, k)
	for rows.Next() {
		var (
			c        domain.Candidate
			kind     string
			title    sql.NullString
			snippet  sql.NullString
			severity sql.NullString
			tagsRaw  []byte
		)
		if err := rows.Scan(&c.ID, &c.EntryID, &kind, &title, &snippet, &severity, &tagsRaw, &c.RawScore); err != nil {
			return nil, fmt.Errorf("scan lexical hit: %w", err)
		}
		if len(tagsRaw) > 0 {
			if err := json.Unmarshal(tagsRaw, &c.AccessTags); err != nil {
				return nil, domain.WrapError(domain.ErrMalformedResponse, "unmarshal access tags", err)
			}
		}
		c.Kind = domain.ReferenceKind(kind)
		c.Title = title.String
		c.Snippet = snippet.String
		c.Severity = severity.String
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate lexical hits: %w", err)
	}
	return out, nil
}

func jsonArray(values []string) ([]byte, error) {
	if values == nil {
		values = []string{}
	}
	return json.Marshal(values)
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
