package domain

import (
	"slices"
	"time"
)

// Status is the terminal outcome of one query.
type Status string

const (
	StatusOK                   Status = "ok"
	StatusDegraded             Status = "degraded"
	StatusUnverified           Status = "unverified"
	StatusNoEvidence           Status = "no_evidence"
	StatusTimeout              Status = "timeout"
	StatusRetrievalUnavailable Status = "retrieval_unavailable"
	StatusLLMUnavailable       Status = "llm_unavailable"
)

// HasNarrative reports whether a response with this status carries an
// answer intended for direct use.
func (s Status) HasNarrative() bool {
	return s == StatusOK || s == StatusDegraded
}

// Error and warning codes recorded on sessions and responses.
const (
	CodeRetrievalDegraded    = "retrieval_degraded"
	CodeRetrievalUnavailable = "retrieval_unavailable"
	CodeRerankFailure        = "rerank_failure"
	CodeCitationIntegrity    = "citation_integrity"
	CodeUsageEstimated       = "usage_estimated"
	CodeNoEvidence           = "no_evidence"
	CodePolicyDenyAll        = "policy_deny_all"
	CodeLLMUnavailable       = "llm_unavailable"
	CodeLLMTimeout           = "llm_timeout"
	CodeLLMMalformedOutput   = "llm_malformed_output"
	CodeTimeout              = "timeout"
)

type Warning struct {
	Code   string `json:"code"`
	Detail string `json:"detail,omitempty"`
}

// TokenUsage counts tokens spent on one language-model call.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

func (u TokenUsage) Total() int {
	return u.PromptTokens + u.CompletionTokens
}

// Completion is the language model's output for one prompt.
type Completion struct {
	Text  string     `json:"text"`
	Model string     `json:"model"`
	Usage TokenUsage `json:"usage"`
}

type QueryRecord struct {
	Text         string   `json:"text"`
	CallerID     string   `json:"caller_id"`
	Roles        []string `json:"roles"`
	Entitlements []string `json:"entitlements,omitempty"`
	Filters      Filters  `json:"filters"`
	K            int      `json:"k"`
}

type ChannelTrace struct {
	Channel     Channel       `json:"channel"`
	Latency     time.Duration `json:"latency_ns"`
	ResultCount int           `json:"result_count"`
	Error       string        `json:"error,omitempty"`
}

func (t ChannelTrace) Failed() bool {
	return t.Error != ""
}

type FusionTrace struct {
	UniqueCandidates int `json:"unique_candidates"`
	InBothChannels   int `json:"in_both_channels"`
	TruncatedTo      int `json:"truncated_to"`
}

type RerankTrace struct {
	Scorer   string        `json:"scorer"`
	Applied  bool          `json:"applied"`
	Screened bool          `json:"screened"`
	Reranked int           `json:"reranked"`
	Latency  time.Duration `json:"latency_ns"`
	Usage    TokenUsage    `json:"usage"`
	Error    string        `json:"error,omitempty"`
}

type SynthesisTrace struct {
	Attempted bool          `json:"attempted"`
	Completed bool          `json:"completed"`
	Model     string        `json:"model,omitempty"`
	Latency   time.Duration `json:"latency_ns"`
	Error     string        `json:"error,omitempty"`
}

type UsageRecord struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	Estimated        bool    `json:"estimated"`
	CostUSD          float64 `json:"cost_usd"`
}

// Session is the sealed record of one query lifecycle. Sessions are only
// produced by sealing a recorder and are handed around by value.
type Session struct {
	ID         string    `json:"id"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
	Status     Status    `json:"status"`
	ErrorCode  string    `json:"error_code,omitempty"`
	Incomplete bool      `json:"incomplete"`

	Query     QueryRecord      `json:"query"`
	Channels  []ChannelTrace   `json:"channels"`
	Fusion    FusionTrace      `json:"fusion"`
	Rerank    RerankTrace      `json:"rerank"`
	Decisions []PolicyDecision `json:"decisions"`
	Final     ResponseDecision `json:"final_decision"`

	EvidenceIDs []string       `json:"evidence_ids"`
	Citations   []string       `json:"citations"`
	Synthesis   SynthesisTrace `json:"synthesis"`
	Draft       string         `json:"draft,omitempty"`

	Usage    UsageRecord `json:"usage"`
	Warnings []Warning   `json:"warnings"`
}

func (s Session) Duration() time.Duration {
	return s.EndedAt.Sub(s.StartedAt)
}

// CallerView is the copy of a session its own caller may read. Decisions
// about denied candidates are dropped; Final still carries the counts.
func (s Session) CallerView() Session {
	out := s.Clone()
	out.Decisions = slices.DeleteFunc(out.Decisions, func(d PolicyDecision) bool {
		return !d.Allowed
	})
	return out
}

// Clone returns a deep copy so that holders cannot alias each other.
func (s Session) Clone() Session {
	out := s
	out.Query.Roles = slices.Clone(s.Query.Roles)
	out.Query.Entitlements = slices.Clone(s.Query.Entitlements)
	out.Query.Filters = Filters{
		Severities: slices.Clone(s.Query.Filters.Severities),
		Tags:       slices.Clone(s.Query.Filters.Tags),
		From:       cloneTime(s.Query.Filters.From),
		To:         cloneTime(s.Query.Filters.To),
	}
	out.Channels = slices.Clone(s.Channels)
	out.Decisions = slices.Clone(s.Decisions)
	out.EvidenceIDs = slices.Clone(s.EvidenceIDs)
	out.Citations = slices.Clone(s.Citations)
	out.Warnings = slices.Clone(s.Warnings)
	return out
}
