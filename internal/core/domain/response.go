package domain

// Evidence is one policy-allowed candidate visible to the language model.
type Evidence struct {
	Rank     int           `json:"rank"`
	ID       string        `json:"id"`
	EntryID  string        `json:"entry_id"`
	Kind     ReferenceKind `json:"kind"`
	Title    string        `json:"title,omitempty"`
	Snippet  string        `json:"snippet,omitempty"`
	Severity string        `json:"severity,omitempty"`
	Score    float64       `json:"score"`
	Channels []Channel     `json:"channels"`
}

// Citation binds a marker in the narrative to one Evidence item.
type Citation struct {
	Marker       string `json:"marker"`
	EvidenceID   string `json:"evidence_id"`
	EvidenceRank int    `json:"evidence_rank"`
}

type ChannelUsage struct {
	Channel   Channel `json:"channel"`
	LatencyMS float64 `json:"latency_ms"`
	Results   int     `json:"results"`
	Failed    bool    `json:"failed"`
}

type UsageSummary struct {
	PromptTokens     int            `json:"prompt_tokens"`
	CompletionTokens int            `json:"completion_tokens"`
	TotalTokens      int            `json:"total_tokens"`
	Estimated        bool           `json:"estimated"`
	CostUSD          float64        `json:"cost_usd"`
	Model            string         `json:"model,omitempty"`
	LatencyMS        float64        `json:"latency_ms"`
	Channels         []ChannelUsage `json:"channels"`
}

// Response is what the caller receives. Only ok and degraded responses
// carry a narrative.
type Response struct {
	SessionID      string       `json:"session_id"`
	Status         Status       `json:"status"`
	Narrative      string       `json:"narrative,omitempty"`
	Evidence       []Evidence   `json:"evidence"`
	Citations      []Citation   `json:"citations"`
	Usage          UsageSummary `json:"usage"`
	Warnings       []Warning    `json:"warnings,omitempty"`
	ReviewRequired bool         `json:"review_required"`
	ErrorCode      string       `json:"error_code,omitempty"`
}
