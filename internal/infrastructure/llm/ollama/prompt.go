package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/kirillkom/kedb-orchestrator/internal/core/domain"
)

const maxScoredSnippet = 600

// PairwiseScorer asks the generation model to grade how well each
// candidate matches the incident. It is the "llm" reranker.
type PairwiseScorer struct {
	client *Client
}

func NewPairwiseScorer(client *Client) *PairwiseScorer {
	return &PairwiseScorer{client: client}
}

func (s *PairwiseScorer) Name() string { return "llm" }

func (s *PairwiseScorer) Score(ctx context.Context, query string, candidates []domain.FusedCandidate) ([]float64, error) {
	scores, _, err := s.ScoreWithUsage(ctx, query, candidates)
	return scores, err
}

// ScoreWithUsage reports the tokens spent even when the scores cannot be
// parsed, since the call was billed either way.
func (s *PairwiseScorer) ScoreWithUsage(ctx context.Context, query string, candidates []domain.FusedCandidate) ([]float64, domain.TokenUsage, error) {
	if len(candidates) == 0 {
		return nil, domain.TokenUsage{}, nil
	}

	resp, err := s.client.generate(ctx, map[string]any{
		"model":  s.client.genModel,
		"prompt": buildRerankPrompt(query, candidates),
		"stream": false,
		"format": "json",
	})
	if err != nil {
		return nil, domain.TokenUsage{}, err
	}
	usage := domain.TokenUsage{
		PromptTokens:     resp.PromptEvalCount,
		CompletionTokens: resp.EvalCount,
	}

	var parsed struct {
		Scores []float64 `json:"scores"`
	}
	if err := json.Unmarshal([]byte(extractJSONObject(resp.Response)), &parsed); err != nil {
		return nil, usage, domain.WrapError(domain.ErrMalformedResponse, "parse rerank scores", err)
	}
	if len(parsed.Scores) != len(candidates) {
		return nil, usage, domain.WrapError(domain.ErrMalformedResponse, "parse rerank scores",
			fmt.Errorf("expected %d scores, got %d", len(candidates), len(parsed.Scores)))
	}
	for i, score := range parsed.Scores {
		parsed.Scores[i] = min(max(score, 0), 1)
	}
	return parsed.Scores, usage, nil
}

func buildRerankPrompt(query string, candidates []domain.FusedCandidate) string {
	var b strings.Builder
	for idx, c := range candidates {
		snippet := truncateBytes(c.Snippet, maxScoredSnippet)
		b.WriteString(fmt.Sprintf("%d. id=%s title=%s\n%s\n\n", idx+1, c.ID, c.Title, snippet))
	}

	return fmt.Sprintf(`You grade known-error records against an incident description.
Return strict JSON object {"scores": [...]} with exactly %d numbers from 0 to 1,
one per record, in the order given. No markdown, no extra keys.

Incident:
%s

Records:
%s`, len(candidates), query, b.String())
}

// truncateBytes cuts s to at most limit bytes without splitting a rune.
func truncateBytes(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit]
}
