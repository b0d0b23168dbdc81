package ports

import (
	"context"

	"github.com/kirillkom/kedb-orchestrator/internal/core/domain"
)

// Retriever is one retrieval channel. Implemented by the semantic and
// lexical retrievers only.
type Retriever interface {
	Channel() domain.Channel
	Retrieve(ctx context.Context, query domain.Query, k int) ([]domain.Candidate, error)
}

// Embedder builds a vector for query text.
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// VectorIndex answers nearest-neighbour queries over entry embeddings.
type VectorIndex interface {
	Nearest(ctx context.Context, vector []float32, k int, filters domain.Filters) ([]domain.Candidate, error)
}

// LexicalIndex answers keyword queries over the full-text index.
type LexicalIndex interface {
	Search(ctx context.Context, text string, k int, filters domain.Filters) ([]domain.Candidate, error)
}

// PairwiseScorer scores each candidate's relevance to the query text.
// The returned slice is aligned with candidates.
type PairwiseScorer interface {
	Name() string
	Score(ctx context.Context, query string, candidates []domain.FusedCandidate) ([]float64, error)
}

// ModelScorer is a PairwiseScorer backed by a language model. It is only
// handed policy-allowed candidates and its token usage is billed to the
// session.
type ModelScorer interface {
	PairwiseScorer
	ScoreWithUsage(ctx context.Context, query string, candidates []domain.FusedCandidate) ([]float64, domain.TokenUsage, error)
}

// AccessTagStore is the read-only entry store lookup used for policy.
type AccessTagStore interface {
	AccessTags(ctx context.Context, id string) ([]string, error)
}

// LanguageModel is an opaque text-completion service.
type LanguageModel interface {
	Complete(ctx context.Context, prompt string) (domain.Completion, error)
}

// TokenEstimator approximates prompt size when usage is not reported.
type TokenEstimator interface {
	CountTokens(text string) int
}

// SessionSink durably stores sealed sessions. Appends must be idempotent
// per session ID.
type SessionSink interface {
	Append(ctx context.Context, session domain.Session) error
}

// SessionReader loads a sealed session by ID for audit.
type SessionReader interface {
	Get(ctx context.Context, id string) (domain.Session, error)
}
