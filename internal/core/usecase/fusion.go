package usecase

import (
	"math"
	"slices"
	"sort"

	"github.com/kirillkom/kedb-orchestrator/internal/core/domain"
)

const scoreEpsilon = 1e-12

// Normalization maps a channel's native scores onto [0,1].
type Normalization string

const (
	NormalizationMinMax Normalization = "minmax"
	NormalizationRank   Normalization = "rank"
)

type FusionOptions struct {
	SemanticWeight        float64
	LexicalWeight         float64
	SemanticNormalization Normalization
	LexicalNormalization  Normalization
	// TopM bounds the fused output handed to the reranker. The effective
	// bound is never below the requested K.
	TopM int
}

func DefaultFusionOptions() FusionOptions {
	return FusionOptions{
		SemanticWeight:        0.5,
		LexicalWeight:         0.5,
		SemanticNormalization: NormalizationMinMax,
		LexicalNormalization:  NormalizationRank,
		TopM:                  20,
	}
}

func (o FusionOptions) normalize() FusionOptions {
	out := o
	def := DefaultFusionOptions()
	if out.SemanticWeight < 0 || math.IsNaN(out.SemanticWeight) {
		out.SemanticWeight = 0
	}
	if out.LexicalWeight < 0 || math.IsNaN(out.LexicalWeight) {
		out.LexicalWeight = 0
	}
	sum := out.SemanticWeight + out.LexicalWeight
	if sum <= 0 {
		out.SemanticWeight, out.LexicalWeight = def.SemanticWeight, def.LexicalWeight
		sum = 1
	}
	out.SemanticWeight /= sum
	out.LexicalWeight /= sum

	if out.SemanticNormalization != NormalizationMinMax && out.SemanticNormalization != NormalizationRank {
		out.SemanticNormalization = def.SemanticNormalization
	}
	if out.LexicalNormalization != NormalizationMinMax && out.LexicalNormalization != NormalizationRank {
		out.LexicalNormalization = def.LexicalNormalization
	}
	if out.TopM <= 0 {
		out.TopM = def.TopM
	}
	return out
}

// Fuser merges the semantic and lexical rankings into one deduplicated
// ranking with a bounded weighted score.
type Fuser struct {
	opts FusionOptions
}

func NewFuser(opts FusionOptions) *Fuser {
	return &Fuser{opts: opts.normalize()}
}

func (f *Fuser) Options() FusionOptions {
	return f.opts
}

// PrimaryChannel is the higher-weighted channel; semantic wins when equal.
func (f *Fuser) PrimaryChannel() domain.Channel {
	if f.opts.LexicalWeight > f.opts.SemanticWeight {
		return domain.ChannelLexical
	}
	return domain.ChannelSemantic
}

// Fuse is pure: identical inputs always yield the identical result.
func (f *Fuser) Fuse(semantic, lexical []domain.Candidate, k int) domain.FusedResult {
	semantic = normalizeChannel(dedupeChannel(semantic), f.opts.SemanticNormalization)
	lexical = normalizeChannel(dedupeChannel(lexical), f.opts.LexicalNormalization)

	acc := make(map[string]*domain.FusedCandidate, len(semantic)+len(lexical))
	order := make([]string, 0, len(semantic)+len(lexical))
	add := func(list []domain.Candidate, channel domain.Channel) {
		for _, c := range list {
			fused, ok := acc[c.ID]
			if !ok {
				fused = &domain.FusedCandidate{ID: c.ID}
				acc[c.ID] = fused
				order = append(order, c.ID)
			}
			mergeCandidate(fused, c)
			hit := &domain.ChannelHit{
				Rank:            c.Rank,
				RawScore:        c.RawScore,
				NormalizedScore: c.NormalizedScore,
			}
			if channel == domain.ChannelSemantic {
				fused.Semantic = hit
			} else {
				fused.Lexical = hit
			}
		}
	}
	add(semantic, domain.ChannelSemantic)
	add(lexical, domain.ChannelLexical)

	out := make([]domain.FusedCandidate, 0, len(order))
	for _, id := range order {
		c := acc[id]
		c.FusedScore = f.fusedScore(*c)
		out = append(out, *c)
	}

	primary := f.PrimaryChannel()
	secondary := domain.ChannelLexical
	if primary == domain.ChannelLexical {
		secondary = domain.ChannelSemantic
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if math.Abs(a.FusedScore-b.FusedScore) > scoreEpsilon {
			return a.FusedScore > b.FusedScore
		}
		if a.InBothChannels() != b.InBothChannels() {
			return a.InBothChannels()
		}
		if ra, rb := channelRank(a, primary), channelRank(b, primary); ra != rb {
			return ra < rb
		}
		if ra, rb := channelRank(a, secondary), channelRank(b, secondary); ra != rb {
			return ra < rb
		}
		return a.ID < b.ID
	})

	for i := range out {
		out[i].FusedRank = i + 1
	}

	total := len(out)
	limit := f.opts.TopM
	if k > limit {
		limit = k
	}
	return domain.FusedResult{
		Candidates: trimFused(out, limit),
		Total:      total,
	}
}

func (f *Fuser) fusedScore(c domain.FusedCandidate) float64 {
	score := 0.0
	if c.Semantic != nil {
		score += f.opts.SemanticWeight * c.Semantic.NormalizedScore
	}
	if c.Lexical != nil {
		score += f.opts.LexicalWeight * c.Lexical.NormalizedScore
	}
	return clamp01(score)
}

// dedupeChannel keeps the first (best ranked) occurrence of each identifier
// and assigns 1-based ranks by position.
func dedupeChannel(list []domain.Candidate) []domain.Candidate {
	seen := make(map[string]struct{}, len(list))
	out := make([]domain.Candidate, 0, len(list))
	for _, c := range list {
		if _, ok := seen[c.ID]; ok {
			continue
		}
		seen[c.ID] = struct{}{}
		c.AccessTags = slices.Clone(c.AccessTags)
		c.Rank = len(out) + 1
		out = append(out, c)
	}
	return out
}

func normalizeChannel(list []domain.Candidate, method Normalization) []domain.Candidate {
	n := len(list)
	if n == 0 {
		return list
	}

	if method == NormalizationRank {
		for i := range list {
			list[i].NormalizedScore = float64(n-list[i].Rank+1) / float64(n)
		}
		return list
	}

	minScore, maxScore := list[0].RawScore, list[0].RawScore
	for _, c := range list[1:] {
		minScore = math.Min(minScore, c.RawScore)
		maxScore = math.Max(maxScore, c.RawScore)
	}
	spread := maxScore - minScore
	for i := range list {
		if spread <= scoreEpsilon {
			list[i].NormalizedScore = 1
			continue
		}
		list[i].NormalizedScore = clamp01((list[i].RawScore - minScore) / spread)
	}
	return list
}

func mergeCandidate(dst *domain.FusedCandidate, c domain.Candidate) {
	if dst.EntryID == "" {
		dst.EntryID = c.EntryID
	}
	if dst.Kind == "" {
		dst.Kind = c.Kind
	}
	if dst.Title == "" {
		dst.Title = c.Title
	}
	if len(c.Snippet) > len(dst.Snippet) {
		dst.Snippet = c.Snippet
	}
	if dst.Severity == "" {
		dst.Severity = c.Severity
	}
	dst.AccessTags = unionTags(dst.AccessTags, c.AccessTags)
}

func channelRank(c domain.FusedCandidate, channel domain.Channel) int {
	hit := c.Hit(channel)
	if hit == nil {
		return math.MaxInt
	}
	return hit.Rank
}

func trimFused(list []domain.FusedCandidate, limit int) []domain.FusedCandidate {
	if limit <= 0 || len(list) <= limit {
		return list
	}
	return list[:limit]
}

func unionTags(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	out := slices.Clone(a)
	for _, tag := range b {
		if tag == "" || slices.Contains(out, tag) {
			continue
		}
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
