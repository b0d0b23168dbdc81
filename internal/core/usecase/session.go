package usecase

import (
	"slices"
	"sync"
	"time"

	"github.com/kirillkom/kedb-orchestrator/internal/core/domain"
)

// Pricing converts token usage into an estimated cost.
type Pricing struct {
	PromptPer1K     float64
	CompletionPer1K float64
}

func (p Pricing) Cost(usage domain.TokenUsage) float64 {
	return float64(usage.PromptTokens)/1000*p.PromptPer1K +
		float64(usage.CompletionTokens)/1000*p.CompletionPer1K
}

// sessionRecorder accumulates one run's trail. The retrieval goroutines
// write concurrently, so every method locks. After seal all writes are
// ignored.
type sessionRecorder struct {
	mu        sync.Mutex
	sealed    bool
	session   domain.Session
	usage     domain.TokenUsage
	estimated bool

	// rerankUsage is billed on top of synthesis usage.
	rerankUsage domain.TokenUsage
}

func newSessionRecorder(id string, query domain.Query, startedAt time.Time) *sessionRecorder {
	return &sessionRecorder{
		session: domain.Session{
			ID:        id,
			StartedAt: startedAt,
			Query: domain.QueryRecord{
				Text:         query.Text,
				CallerID:     query.Caller.ID,
				Roles:        slices.Clone(query.Caller.Roles),
				Entitlements: slices.Clone(query.Caller.Entitlements),
				Filters:      query.Filters,
				K:            query.K,
			},
		},
	}
}

func (r *sessionRecorder) update(fn func(s *domain.Session)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return
	}
	fn(&r.session)
}

func (r *sessionRecorder) recordChannel(trace domain.ChannelTrace) {
	r.update(func(s *domain.Session) {
		s.Channels = append(s.Channels, trace)
		slices.SortFunc(s.Channels, func(a, b domain.ChannelTrace) int {
			switch {
			case a.Channel < b.Channel:
				return 1
			case a.Channel > b.Channel:
				return -1
			default:
				return 0
			}
		})
	})
}

func (r *sessionRecorder) recordFusion(trace domain.FusionTrace) {
	r.update(func(s *domain.Session) { s.Fusion = trace })
}

func (r *sessionRecorder) recordRerank(trace domain.RerankTrace) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return
	}
	r.session.Rerank = trace
	r.rerankUsage = trace.Usage
}

func (r *sessionRecorder) recordPolicy(decisions []domain.PolicyDecision, final domain.ResponseDecision) {
	r.update(func(s *domain.Session) {
		s.Decisions = slices.Clone(decisions)
		s.Final = final
	})
}

func (r *sessionRecorder) recordEvidence(evidence []domain.Evidence) {
	ids := make([]string, 0, len(evidence))
	for _, e := range evidence {
		ids = append(ids, e.ID)
	}
	r.update(func(s *domain.Session) { s.EvidenceIDs = ids })
}

// recordSynthesisAttempt is written before the model is called so that a
// cancelled call is still accounted for.
func (r *sessionRecorder) recordSynthesisAttempt(estimatedPromptTokens int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return
	}
	r.session.Synthesis.Attempted = true
	r.usage = domain.TokenUsage{PromptTokens: estimatedPromptTokens}
	r.estimated = true
}

func (r *sessionRecorder) recordSynthesisResult(completion domain.Completion, latency time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return
	}
	r.session.Synthesis.Latency = latency
	r.session.Synthesis.Model = completion.Model
	if err != nil {
		r.session.Synthesis.Error = err.Error()
	}
	if completion.Usage.Total() > 0 {
		r.usage = completion.Usage
		r.estimated = false
	}
	r.session.Synthesis.Completed = err == nil
}

func (r *sessionRecorder) recordCitations(citations []domain.Citation, draft string) {
	ids := make([]string, 0, len(citations))
	for _, c := range citations {
		ids = append(ids, c.EvidenceID)
	}
	r.update(func(s *domain.Session) {
		s.Citations = ids
		s.Draft = draft
	})
}

func (r *sessionRecorder) warn(code, detail string) {
	r.update(func(s *domain.Session) {
		s.Warnings = append(s.Warnings, domain.Warning{Code: code, Detail: detail})
	})
}

// seal freezes the recorder and returns the immutable record. Sealing
// twice returns the first record.
func (r *sessionRecorder) seal(status domain.Status, errorCode string, endedAt time.Time, pricing Pricing) domain.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return r.session.Clone()
	}

	r.sealed = true
	r.session.Status = status
	r.session.ErrorCode = errorCode
	r.session.Incomplete = status == domain.StatusTimeout
	r.session.EndedAt = endedAt
	billed := domain.TokenUsage{
		PromptTokens:     r.usage.PromptTokens + r.rerankUsage.PromptTokens,
		CompletionTokens: r.usage.CompletionTokens + r.rerankUsage.CompletionTokens,
	}
	r.session.Usage = domain.UsageRecord{
		PromptTokens:     billed.PromptTokens,
		CompletionTokens: billed.CompletionTokens,
		TotalTokens:      billed.Total(),
		Estimated:        r.estimated,
		CostUSD:          pricing.Cost(billed),
	}
	if r.estimated && r.session.Synthesis.Attempted {
		r.session.Warnings = append(r.session.Warnings, domain.Warning{
			Code:   domain.CodeUsageEstimated,
			Detail: "language model usage was not reported; prompt tokens estimated",
		})
	}
	return r.session.Clone()
}
