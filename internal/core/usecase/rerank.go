package usecase

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/kirillkom/kedb-orchestrator/internal/core/domain"
	"github.com/kirillkom/kedb-orchestrator/internal/core/ports"
)

type RerankOptions struct {
	TopN    int
	Timeout time.Duration
}

func DefaultRerankOptions() RerankOptions {
	return RerankOptions{
		TopN:    10,
		Timeout: 750 * time.Millisecond,
	}
}

type RerankOutcome struct {
	Candidates []domain.FusedCandidate
	Scorer     string
	Applied    bool
	Reranked   int
	Latency    time.Duration
	Usage      domain.TokenUsage
	Err        error
}

// Reranker rescores the head of a fused ranking. Any scorer failure falls
// back to the fused order.
type Reranker struct {
	scorer ports.PairwiseScorer
	opts   RerankOptions
}

func NewReranker(scorer ports.PairwiseScorer, opts RerankOptions) *Reranker {
	def := DefaultRerankOptions()
	if opts.TopN <= 0 {
		opts.TopN = def.TopN
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	return &Reranker{scorer: scorer, opts: opts}
}

func (r *Reranker) ScorerName() string {
	if r == nil || r.scorer == nil {
		return "none"
	}
	return r.scorer.Name()
}

// UsesModel reports whether scoring calls a language model. Such a scorer
// must only see candidates the caller is allowed to read.
func (r *Reranker) UsesModel() bool {
	if r == nil || r.scorer == nil {
		return false
	}
	_, ok := r.scorer.(ports.ModelScorer)
	return ok
}

func (r *Reranker) Rerank(ctx context.Context, query string, fused []domain.FusedCandidate) RerankOutcome {
	outcome := RerankOutcome{
		Candidates: fused,
		Scorer:     r.ScorerName(),
	}
	if r == nil || r.scorer == nil || len(fused) == 0 {
		return outcome
	}

	topN := r.opts.TopN
	if topN > len(fused) {
		topN = len(fused)
	}
	head := make([]domain.FusedCandidate, topN)
	copy(head, fused[:topN])

	start := time.Now()
	scores, usage, err := r.score(ctx, query, head)
	outcome.Latency = time.Since(start)
	outcome.Usage = usage
	if err != nil {
		outcome.Err = err
		return outcome
	}

	for i := range head {
		score := scores[i]
		head[i].RerankScore = &score
	}
	sort.SliceStable(head, func(i, j int) bool {
		si, sj := *head[i].RerankScore, *head[j].RerankScore
		if math.Abs(si-sj) > scoreEpsilon {
			return si > sj
		}
		return head[i].FusedRank < head[j].FusedRank
	})

	out := make([]domain.FusedCandidate, 0, len(fused))
	out = append(out, head...)
	out = append(out, fused[topN:]...)

	outcome.Candidates = out
	outcome.Applied = true
	outcome.Reranked = topN
	return outcome
}

// score runs the scorer under its own deadline. A scorer that ignores
// cancellation is abandoned and its late result discarded.
func (r *Reranker) score(ctx context.Context, query string, head []domain.FusedCandidate) ([]float64, domain.TokenUsage, error) {
	scoreCtx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	type result struct {
		scores []float64
		usage  domain.TokenUsage
		err    error
	}
	done := make(chan result, 1)
	go func() {
		var res result
		if model, ok := r.scorer.(ports.ModelScorer); ok {
			res.scores, res.usage, res.err = model.ScoreWithUsage(scoreCtx, query, head)
		} else {
			res.scores, res.err = r.scorer.Score(scoreCtx, query, head)
		}
		done <- res
	}()

	var res result
	select {
	case res = <-done:
	case <-scoreCtx.Done():
		return nil, domain.TokenUsage{}, fmt.Errorf("rerank %s: %w", r.scorer.Name(), scoreCtx.Err())
	}
	if res.err != nil {
		return nil, res.usage, fmt.Errorf("rerank %s: %w", r.scorer.Name(), res.err)
	}
	if len(res.scores) != len(head) {
		return nil, res.usage, fmt.Errorf("rerank %s: %w: got %d scores for %d candidates",
			r.scorer.Name(), domain.ErrMalformedResponse, len(res.scores), len(head))
	}
	for _, s := range res.scores {
		if math.IsNaN(s) || math.IsInf(s, 0) {
			return nil, res.usage, fmt.Errorf("rerank %s: %w: non-finite score", r.scorer.Name(), domain.ErrMalformedResponse)
		}
	}
	return res.scores, res.usage, nil
}

var errNoCandidates = errors.New("no candidates to score")

// OverlapScorer is the in-memory precision scorer: it blends the fused
// score with query token overlap against the candidate text and title.
type OverlapScorer struct{}

func NewOverlapScorer() OverlapScorer {
	return OverlapScorer{}
}

func (OverlapScorer) Name() string { return "overlap" }

func (OverlapScorer) Score(ctx context.Context, query string, candidates []domain.FusedCandidate) ([]float64, error) {
	if len(candidates) == 0 {
		return nil, errNoCandidates
	}

	queryTokens := toTokenSet(query)
	minScore, maxScore := candidates[0].FusedScore, candidates[0].FusedScore
	for _, c := range candidates[1:] {
		minScore = math.Min(minScore, c.FusedScore)
		maxScore = math.Max(maxScore, c.FusedScore)
	}
	spread := maxScore - minScore
	normalize := func(v float64) float64 {
		if spread <= 0 {
			if v > 0 {
				return 1
			}
			return 0
		}
		return (v - minScore) / spread
	}

	scores := make([]float64, len(candidates))
	for i, c := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		overlap := tokenOverlap(queryTokens, toTokenSet(c.Title+" "+c.Snippet))
		titleHit := titleTokenHit(queryTokens, c.Title)
		scores[i] = 0.60*normalize(c.FusedScore) + 0.30*overlap + 0.10*titleHit
	}
	return scores, nil
}

func tokenOverlap(query, text map[string]struct{}) float64 {
	if len(query) == 0 || len(text) == 0 {
		return 0
	}
	matches := 0
	for token := range query {
		if _, ok := text[token]; ok {
			matches++
		}
	}
	return float64(matches) / float64(len(query))
}

func titleTokenHit(query map[string]struct{}, title string) float64 {
	if len(query) == 0 || title == "" {
		return 0
	}
	titleTokens := toTokenSet(title)
	for token := range query {
		if _, ok := titleTokens[token]; ok {
			return 1
		}
	}
	return 0
}

func toTokenSet(s string) map[string]struct{} {
	tokens := splitAlphaNumLower(s)
	out := make(map[string]struct{}, len(tokens))
	for _, token := range tokens {
		out[token] = struct{}{}
	}
	return out
}

func splitAlphaNumLower(s string) []string {
	if s == "" {
		return nil
	}

	tokens := make([]string, 0, 16)
	var b strings.Builder
	for _, r := range s {
		r = unicode.ToLower(r)
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			continue
		}
		if b.Len() > 0 {
			tokens = append(tokens, b.String())
			b.Reset()
		}
	}
	if b.Len() > 0 {
		tokens = append(tokens, b.String())
	}
	return tokens
}
