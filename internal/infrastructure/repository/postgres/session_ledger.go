package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kirillkom/kedb-orchestrator/internal/core/domain"
)

// SessionLedger is the durable audit sink. Appends are idempotent on the
// session identifier, so redelivered sessions are absorbed.
type SessionLedger struct {
	db *sql.DB
}

func NewSessionLedger(db *sql.DB) *SessionLedger {
	return &SessionLedger{db: db}
}

func (l *SessionLedger) Append(ctx context.Context, session domain.Session) error {
	record, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	_, err = l.db.ExecContext(ctx, `
INSERT INTO kedb_sessions (
	id, caller_id, status, error_code, incomplete, prompt_tokens, completion_tokens, total_tokens,
	usage_estimated, cost_usd, started_at, ended_at, record
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
ON CONFLICT (id) DO NOTHING
`,
		session.ID, session.Query.CallerID, string(session.Status), session.ErrorCode, session.Incomplete,
		session.Usage.PromptTokens, session.Usage.CompletionTokens, session.Usage.TotalTokens,
		session.Usage.Estimated, session.Usage.CostUSD, session.StartedAt.UTC(), session.EndedAt.UTC(), record,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (l *SessionLedger) Get(ctx context.Context, id string) (domain.Session, error) {
	var raw []byte
	err := l.db.QueryRowContext(ctx, `
SELECT record
FROM kedb_sessions
WHERE id = $1
`, id).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Session{}, domain.WrapError(domain.ErrNotFound, "get session", fmt.Errorf("session %s", id))
		}
		return domain.Session{}, fmt.Errorf("query session: %w", err)
	}

	var session domain.Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return domain.Session{}, fmt.Errorf("unmarshal session: %w", err)
	}
	return session, nil
}
