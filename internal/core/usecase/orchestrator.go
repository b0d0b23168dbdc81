package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/kedb-orchestrator/internal/core/domain"
	"github.com/kirillkom/kedb-orchestrator/internal/core/ports"
)

type OrchestratorOptions struct {
	Deadline         time.Duration
	RetrievalTimeout time.Duration
	Pricing          Pricing
	Logger           *slog.Logger
	Now              func() time.Time
	NewID            func() string
}

func DefaultOrchestratorOptions() OrchestratorOptions {
	return OrchestratorOptions{
		Deadline:         20 * time.Second,
		RetrievalTimeout: 5 * time.Second,
	}
}

type OrchestratorDeps struct {
	Semantic    ports.Retriever
	Lexical     ports.Retriever
	Fuser       *Fuser
	Reranker    *Reranker
	Policy      *PolicyEngine
	Synthesizer *Synthesizer
	Validator   CitationValidator
	Tracker     ports.SessionRecorder
	Tokens      ports.TokenEstimator
}

// Orchestrator owns one query's lifecycle: retrieval fan-out, fusion,
// rerank, policy, synthesis, citation validation and session tracking.
type Orchestrator struct {
	retrievers  []ports.Retriever
	fuser       *Fuser
	reranker    *Reranker
	policy      *PolicyEngine
	synthesizer *Synthesizer
	validator   CitationValidator
	tracker     ports.SessionRecorder
	tokens      ports.TokenEstimator
	opts        OrchestratorOptions
}

func NewOrchestrator(deps OrchestratorDeps, opts OrchestratorOptions) *Orchestrator {
	def := DefaultOrchestratorOptions()
	if opts.Deadline <= 0 {
		opts.Deadline = def.Deadline
	}
	if opts.RetrievalTimeout <= 0 {
		opts.RetrievalTimeout = def.RetrievalTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if deps.Fuser == nil {
		deps.Fuser = NewFuser(DefaultFusionOptions())
	}
	if deps.Reranker == nil {
		deps.Reranker = NewReranker(nil, DefaultRerankOptions())
	}

	return &Orchestrator{
		retrievers:  []ports.Retriever{deps.Semantic, deps.Lexical},
		fuser:       deps.Fuser,
		reranker:    deps.Reranker,
		policy:      deps.Policy,
		synthesizer: deps.Synthesizer,
		validator:   deps.Validator,
		tracker:     deps.Tracker,
		tokens:      deps.Tokens,
		opts:        opts,
	}
}

// Query answers one incident query. The returned error is reserved for
// rejected input; every pipeline outcome is expressed as a response
// status and recorded as a sealed session.
func (o *Orchestrator) Query(ctx context.Context, query domain.Query) (domain.Response, error) {
	if err := validateQuery(query); err != nil {
		return domain.Response{}, err
	}

	startedAt := o.opts.Now()
	rec := newSessionRecorder(o.opts.NewID(), query, startedAt)

	runCtx, cancel := context.WithTimeout(ctx, o.opts.Deadline)
	defer cancel()

	resp := o.run(runCtx, query, rec)
	if !resp.Status.HasNarrative() {
		resp.Narrative = ""
		resp.Citations = nil
	}
	session := rec.seal(resp.Status, resp.ErrorCode, o.opts.Now(), o.opts.Pricing)

	resp.SessionID = session.ID
	resp.Usage = usageSummary(session)
	resp.Warnings = session.Warnings
	if resp.Evidence == nil {
		resp.Evidence = []domain.Evidence{}
	}
	if resp.Citations == nil {
		resp.Citations = []domain.Citation{}
	}

	if o.tracker != nil {
		if err := o.tracker.Record(session); err != nil {
			o.opts.Logger.Error("session_record_failed", "session_id", session.ID, "error", err)
		}
	}

	o.opts.Logger.Info("query_completed",
		"session_id", session.ID,
		"caller_id", query.Caller.ID,
		"query_text", query.Text,
		"status", resp.Status,
		"error_code", resp.ErrorCode,
		"evidence", len(resp.Evidence),
		"denied", session.Final.DeniedCount,
		"citations", len(resp.Citations),
		"total_tokens", session.Usage.TotalTokens,
		"duration_ms", float64(session.Duration().Microseconds())/1000.0,
	)
	return resp, nil
}

func (o *Orchestrator) run(ctx context.Context, query domain.Query, rec *sessionRecorder) domain.Response {
	semantic, lexical, failed := o.retrieve(ctx, query, rec)
	if ctx.Err() != nil {
		return timeoutResponse(nil)
	}
	if len(failed) == len(o.retrievers) {
		return domain.Response{
			Status:    domain.StatusRetrievalUnavailable,
			ErrorCode: domain.CodeRetrievalUnavailable,
		}
	}
	degraded := len(failed) > 0
	for _, channel := range failed {
		rec.warn(domain.CodeRetrievalDegraded, fmt.Sprintf("%s channel unavailable", channel))
	}

	fused := o.fuser.Fuse(semantic, lexical, query.K)
	rec.recordFusion(fusionTrace(fused))
	if len(fused.Candidates) == 0 {
		return domain.Response{Status: domain.StatusNoEvidence, ErrorCode: domain.CodeNoEvidence}
	}

	// A model-backed scorer only sees what the caller may read, so the
	// policy gate moves ahead of it.
	screened := o.reranker.UsesModel()
	candidates := fused.Candidates
	if screened {
		allowed, denied := o.applyPolicy(ctx, query, candidates, 0, rec)
		if denied != nil {
			return *denied
		}
		candidates = allowed
	}

	reranked := o.reranker.Rerank(ctx, query.Text, candidates)
	rerankTrace := domain.RerankTrace{
		Scorer:   reranked.Scorer,
		Applied:  reranked.Applied,
		Screened: screened,
		Reranked: reranked.Reranked,
		Latency:  reranked.Latency,
		Usage:    reranked.Usage,
	}
	if reranked.Err != nil {
		rerankTrace.Error = reranked.Err.Error()
	}
	rec.recordRerank(rerankTrace)
	if ctx.Err() != nil {
		return timeoutResponse(nil)
	}
	if reranked.Err != nil {
		rec.warn(domain.CodeRerankFailure, "fused order kept")
		o.opts.Logger.Warn("rerank_failed", "scorer", reranked.Scorer, "error", reranked.Err)
	}

	allowed := reranked.Candidates
	if screened {
		allowed = allowed[:min(len(allowed), query.K)]
	} else {
		var denied *domain.Response
		if allowed, denied = o.applyPolicy(ctx, query, allowed, query.K, rec); denied != nil {
			return *denied
		}
	}

	evidence := toEvidence(allowed)
	rec.recordEvidence(evidence)

	prompt := o.synthesizer.BuildPrompt(query.Text, evidence)
	rec.recordSynthesisAttempt(o.estimateTokens(prompt))
	synthStart := o.opts.Now()
	completion, err := o.synthesizer.Synthesize(ctx, prompt)
	rec.recordSynthesisResult(completion, o.opts.Now().Sub(synthStart), err)
	if err != nil {
		if ctx.Err() != nil {
			return timeoutResponse(evidence)
		}
		o.opts.Logger.Warn("synthesis_failed", "error", err)
		return domain.Response{
			Status:         domain.StatusLLMUnavailable,
			ErrorCode:      SynthesisErrorCode(err),
			Evidence:       evidence,
			ReviewRequired: true,
		}
	}

	checked := o.validator.Validate(completion.Text, evidence)
	rec.recordCitations(checked.Citations, checked.Text)
	if len(checked.Stripped) > 0 {
		// The model may echo identifiers it was never shown; only the count
		// leaves the process.
		rec.warn(domain.CodeCitationIntegrity, fmt.Sprintf("stripped %d citation(s)", len(checked.Stripped)))
	}
	if !checked.Verified() {
		if len(checked.Stripped) == 0 {
			rec.warn(domain.CodeCitationIntegrity, "no citation tokens in answer")
		}
		return domain.Response{
			Status:         domain.StatusUnverified,
			Evidence:       evidence,
			ReviewRequired: true,
		}
	}

	status := domain.StatusOK
	if degraded {
		status = domain.StatusDegraded
	}
	return domain.Response{
		Status:    status,
		Narrative: checked.Text,
		Evidence:  evidence,
		Citations: checked.Citations,
	}
}

// applyPolicy gates candidates in ranked order, keeping at most limit
// allowed ones. A non-nil response ends the run.
func (o *Orchestrator) applyPolicy(ctx context.Context, query domain.Query, candidates []domain.FusedCandidate, limit int, rec *sessionRecorder) ([]domain.FusedCandidate, *domain.Response) {
	gate := o.policy.Filter(ctx, query.Caller, candidates, limit)
	rec.recordPolicy(gate.Decisions, gate.Final)
	if ctx.Err() != nil {
		resp := timeoutResponse(nil)
		return nil, &resp
	}
	if !gate.Final.Allowed {
		code := domain.CodeNoEvidence
		if gate.Final.DeniedCount > 0 {
			code = domain.CodePolicyDenyAll
		}
		return nil, &domain.Response{Status: domain.StatusNoEvidence, ErrorCode: code}
	}
	return gate.Allowed, nil
}

// retrieve fans out to both channels and joins them. Each task records its
// own failure and returns nil, so a failing channel never cancels its
// sibling.
func (o *Orchestrator) retrieve(ctx context.Context, query domain.Query, rec *sessionRecorder) ([]domain.Candidate, []domain.Candidate, []domain.Channel) {
	retrievalCtx, cancel := context.WithTimeout(ctx, o.opts.RetrievalTimeout)
	defer cancel()

	results := make([][]domain.Candidate, len(o.retrievers))
	errs := make([]error, len(o.retrievers))

	g, gctx := errgroup.WithContext(retrievalCtx)
	for i, retriever := range o.retrievers {
		g.Go(func() error {
			start := time.Now()
			candidates, err := retriever.Retrieve(gctx, query, query.K)
			trace := domain.ChannelTrace{
				Channel:     retriever.Channel(),
				Latency:     time.Since(start),
				ResultCount: len(candidates),
			}
			if err != nil {
				err = domain.NewRetrievalError(retriever.Channel(), err)
				trace.Error = err.Error()
				trace.ResultCount = 0
				candidates = nil
				o.opts.Logger.Warn("retrieval_channel_failed",
					"channel", retriever.Channel(),
					"latency_ms", float64(trace.Latency.Microseconds())/1000.0,
					"error", err,
				)
			}
			rec.recordChannel(trace)
			results[i], errs[i] = candidates, err
			return nil
		})
	}
	_ = g.Wait()

	var semantic, lexical []domain.Candidate
	var failed []domain.Channel
	for i, retriever := range o.retrievers {
		if errs[i] != nil {
			failed = append(failed, retriever.Channel())
			continue
		}
		switch retriever.Channel() {
		case domain.ChannelSemantic:
			semantic = results[i]
		case domain.ChannelLexical:
			lexical = results[i]
		}
	}
	return semantic, lexical, failed
}

func (o *Orchestrator) estimateTokens(prompt string) int {
	if o.tokens != nil {
		return o.tokens.CountTokens(prompt)
	}
	return (len(prompt) + 3) / 4
}

func validateQuery(query domain.Query) error {
	if strings.TrimSpace(query.Text) == "" {
		return domain.WrapError(domain.ErrInvalidInput, "query", fmt.Errorf("query text is required"))
	}
	if strings.TrimSpace(query.Caller.ID) == "" {
		return domain.WrapError(domain.ErrUnauthorized, "query", fmt.Errorf("caller identity is required"))
	}
	if query.K <= 0 {
		return domain.WrapError(domain.ErrInvalidInput, "query", fmt.Errorf("k must be positive"))
	}
	return nil
}

func timeoutResponse(evidence []domain.Evidence) domain.Response {
	return domain.Response{
		Status:         domain.StatusTimeout,
		ErrorCode:      domain.CodeTimeout,
		Evidence:       evidence,
		ReviewRequired: true,
	}
}

func fusionTrace(fused domain.FusedResult) domain.FusionTrace {
	both := 0
	for _, c := range fused.Candidates {
		if c.InBothChannels() {
			both++
		}
	}
	return domain.FusionTrace{
		UniqueCandidates: fused.Total,
		InBothChannels:   both,
		TruncatedTo:      len(fused.Candidates),
	}
}

func toEvidence(candidates []domain.FusedCandidate) []domain.Evidence {
	out := make([]domain.Evidence, 0, len(candidates))
	for i, c := range candidates {
		score := c.FusedScore
		if c.RerankScore != nil {
			score = *c.RerankScore
		}
		out = append(out, domain.Evidence{
			Rank:     i + 1,
			ID:       c.ID,
			EntryID:  c.EntryID,
			Kind:     c.Kind,
			Title:    c.Title,
			Snippet:  c.Snippet,
			Severity: c.Severity,
			Score:    score,
			Channels: c.Channels(),
		})
	}
	return out
}

func usageSummary(session domain.Session) domain.UsageSummary {
	channels := make([]domain.ChannelUsage, 0, len(session.Channels))
	for _, trace := range session.Channels {
		channels = append(channels, domain.ChannelUsage{
			Channel:   trace.Channel,
			LatencyMS: float64(trace.Latency.Microseconds()) / 1000.0,
			Results:   trace.ResultCount,
			Failed:    trace.Failed(),
		})
	}
	return domain.UsageSummary{
		PromptTokens:     session.Usage.PromptTokens,
		CompletionTokens: session.Usage.CompletionTokens,
		TotalTokens:      session.Usage.TotalTokens,
		Estimated:        session.Usage.Estimated,
		CostUSD:          session.Usage.CostUSD,
		Model:            session.Synthesis.Model,
		LatencyMS:        float64(session.Duration().Microseconds()) / 1000.0,
		Channels:         channels,
	}
}
