package usecase

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/kirillkom/kedb-orchestrator/internal/core/domain"
	"github.com/kirillkom/kedb-orchestrator/internal/core/ports"
)

// SemanticRetriever embeds the query and asks the vector index for its
// nearest neighbours.
type SemanticRetriever struct {
	embedder ports.Embedder
	index    ports.VectorIndex
}

func NewSemanticRetriever(embedder ports.Embedder, index ports.VectorIndex) *SemanticRetriever {
	return &SemanticRetriever{embedder: embedder, index: index}
}

func (r *SemanticRetriever) Channel() domain.Channel { return domain.ChannelSemantic }

func (r *SemanticRetriever) Retrieve(ctx context.Context, query domain.Query, k int) ([]domain.Candidate, error) {
	vector, err := r.embedder.EmbedQuery(ctx, query.Text)
	if err != nil {
		return nil, domain.NewRetrievalError(domain.ChannelSemantic, fmt.Errorf("embed query: %w", err))
	}
	if len(vector) == 0 {
		return nil, domain.NewRetrievalError(domain.ChannelSemantic,
			fmt.Errorf("embed query: %w: empty vector", domain.ErrMalformedResponse))
	}

	candidates, err := r.index.Nearest(ctx, vector, k, query.Filters)
	if err != nil {
		return nil, domain.NewRetrievalError(domain.ChannelSemantic, fmt.Errorf("nearest: %w", err))
	}
	return finalizeCandidates(domain.ChannelSemantic, candidates, k)
}

// LexicalRetriever runs keyword search against the full-text index.
type LexicalRetriever struct {
	index ports.LexicalIndex
}

func NewLexicalRetriever(index ports.LexicalIndex) *LexicalRetriever {
	return &LexicalRetriever{index: index}
}

func (r *LexicalRetriever) Channel() domain.Channel { return domain.ChannelLexical }

func (r *LexicalRetriever) Retrieve(ctx context.Context, query domain.Query, k int) ([]domain.Candidate, error) {
	candidates, err := r.index.Search(ctx, query.Text, k, query.Filters)
	if err != nil {
		return nil, domain.NewRetrievalError(domain.ChannelLexical, fmt.Errorf("search: %w", err))
	}
	return finalizeCandidates(domain.ChannelLexical, candidates, k)
}

// finalizeCandidates validates a backend response, stamps the channel and
// enforces the K cap.
func finalizeCandidates(channel domain.Channel, candidates []domain.Candidate, k int) ([]domain.Candidate, error) {
	if k > 0 && len(candidates) > k {
		candidates = candidates[:k]
	}
	out := make([]domain.Candidate, 0, len(candidates))
	for i, c := range candidates {
		if strings.TrimSpace(c.ID) == "" {
			return nil, domain.NewRetrievalError(channel,
				fmt.Errorf("%w: candidate %d has no identifier", domain.ErrMalformedResponse, i))
		}
		if math.IsNaN(c.RawScore) || math.IsInf(c.RawScore, 0) {
			return nil, domain.NewRetrievalError(channel,
				fmt.Errorf("%w: candidate %s has non-finite score", domain.ErrMalformedResponse, c.ID))
		}
		c.Channel = channel
		c.Rank = i + 1
		if c.EntryID == "" {
			c.EntryID = c.ID
		}
		if c.Kind == "" {
			c.Kind = domain.KindEntry
		}
		out = append(out, c)
	}
	return out, nil
}
