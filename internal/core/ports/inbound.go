package ports

import (
	"context"

	"github.com/kirillkom/kedb-orchestrator/internal/core/domain"
)

// QueryService is the inbound contract for answering an incident query.
type QueryService interface {
	Query(ctx context.Context, query domain.Query) (domain.Response, error)
}

// SessionRecorder accepts sealed sessions for durable storage.
type SessionRecorder interface {
	Record(session domain.Session) error
}
