package usecase

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kirillkom/kedb-orchestrator/internal/core/domain"
	"github.com/kirillkom/kedb-orchestrator/internal/core/ports"
)

type retrieverFake struct {
	channel    domain.Channel
	candidates []domain.Candidate
	err        error
	block      bool
	calls      atomic.Int32
}

func (f *retrieverFake) Channel() domain.Channel { return f.channel }

func (f *retrieverFake) Retrieve(ctx context.Context, _ domain.Query, _ int) ([]domain.Candidate, error) {
	f.calls.Add(1)
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	out := make([]domain.Candidate, len(f.candidates))
	copy(out, f.candidates)
	return out, nil
}

type languageModelFake struct {
	completion domain.Completion
	err        error
	block      bool
	calls      atomic.Int32

	mu     sync.Mutex
	prompt string
}

func (f *languageModelFake) Complete(ctx context.Context, prompt string) (domain.Completion, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.prompt = prompt
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return domain.Completion{}, ctx.Err()
	}
	return f.completion, f.err
}

func (f *languageModelFake) lastPrompt() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prompt
}

type sessionRecorderFake struct {
	mu       sync.Mutex
	sessions []domain.Session
	err      error
}

func (f *sessionRecorderFake) Record(session domain.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = append(f.sessions, session)
	return f.err
}

func (f *sessionRecorderFake) only(t *testing.T) domain.Session {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sessions) != 1 {
		t.Fatalf("expected exactly one recorded session, got %d", len(f.sessions))
	}
	return f.sessions[0]
}

type orchestratorFixture struct {
	semantic *retrieverFake
	lexical  *retrieverFake
	model    *languageModelFake
	tracker  *sessionRecorderFake
	scorer   ports.PairwiseScorer
	opts     OrchestratorOptions
}

func newOrchestratorFixture() *orchestratorFixture {
	semantic, lexical := scenarioChannels()
	return &orchestratorFixture{
		semantic: &retrieverFake{channel: domain.ChannelSemantic, candidates: semantic},
		lexical:  &retrieverFake{channel: domain.ChannelLexical, candidates: lexical},
		model: &languageModelFake{completion: domain.Completion{
			Text:  "Recycle the redis connection pool [E2]. Raise the client timeout [E1].",
			Model: "llama3.1:8b",
			Usage: domain.TokenUsage{PromptTokens: 400, CompletionTokens: 100},
		}},
		tracker: &sessionRecorderFake{},
		opts: OrchestratorOptions{
			Deadline:         2 * time.Second,
			RetrievalTimeout: time.Second,
			Pricing:          Pricing{PromptPer1K: 0.5, CompletionPer1K: 1.5},
			NewID:            func() string { return "session-1" },
		},
	}
}

func (f *orchestratorFixture) build() *Orchestrator {
	var reranker *Reranker
	if f.scorer != nil {
		reranker = NewReranker(f.scorer, RerankOptions{TopN: 10, Timeout: 200 * time.Millisecond})
	}
	return NewOrchestrator(OrchestratorDeps{
		Semantic:    f.semantic,
		Lexical:     f.lexical,
		Fuser:       NewFuser(DefaultFusionOptions()),
		Reranker:    reranker,
		Policy:      NewPolicyEngine(testPolicyRules(), nil),
		Synthesizer: NewSynthesizer(f.model, SynthesisOptions{Timeout: time.Second}),
		Validator:   NewCitationValidator(),
		Tracker:     f.tracker,
	}, f.opts)
}

func engineerQuery(text string) domain.Query {
	return domain.Query{
		Text:   text,
		Caller: domain.Caller{ID: "oncall-7", Roles: []string{"engineer"}},
		K:      5,
	}
}

func evidenceIDs(evidence []domain.Evidence) []string {
	out := make([]string, 0, len(evidence))
	for _, e := range evidence {
		out = append(out, e.ID)
	}
	return out
}

func hasWarning(warnings []domain.Warning, code string) bool {
	for _, w := range warnings {
		if w.Code == code {
			return true
		}
	}
	return false
}

func TestOrchestratorAnswersWithAllowedEvidenceOnly(t *testing.T) {
	fx := newOrchestratorFixture()

	resp, err := fx.build().Query(context.Background(), engineerQuery("redis connection timeout"))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if resp.Status != domain.StatusOK {
		t.Fatalf("expected ok, got %s (%s)", resp.Status, resp.ErrorCode)
	}
	if got := evidenceIDs(resp.Evidence); strings.Join(got, ",") != "E2,E1" {
		t.Fatalf("unexpected evidence: %v", got)
	}
	if strings.Contains(fx.model.lastPrompt(), "[E3]") {
		t.Fatalf("denied candidate leaked into prompt:\n%s", fx.model.lastPrompt())
	}
	if resp.Narrative == "" || len(resp.Citations) != 2 || resp.ReviewRequired {
		t.Fatalf("unexpected answer: %+v", resp)
	}
	if resp.SessionID != "session-1" {
		t.Fatalf("expected session id, got %q", resp.SessionID)
	}

	session := fx.tracker.only(t)
	if session.Status != domain.StatusOK || session.Incomplete {
		t.Fatalf("unexpected session status: %+v", session)
	}
	var deniedE3 bool
	for _, d := range session.Decisions {
		if d.CandidateID == "E3" && !d.Allowed && d.Reason == domain.ReasonTagDenied {
			deniedE3 = true
		}
	}
	if !deniedE3 {
		t.Fatalf("expected E3 tag denial in decisions: %+v", session.Decisions)
	}
	if session.Final.DeniedCount != 1 || session.Final.AllowedCount != 2 {
		t.Fatalf("unexpected final decision: %+v", session.Final)
	}
	if session.Usage.TotalTokens != 500 || session.Usage.Estimated {
		t.Fatalf("unexpected usage: %+v", session.Usage)
	}
	if want := 0.4*0.5 + 0.1*1.5; abs(session.Usage.CostUSD-want) > 1e-9 {
		t.Fatalf("expected cost %f, got %f", want, session.Usage.CostUSD)
	}
	if resp.Usage.Model != "llama3.1:8b" || len(resp.Usage.Channels) != 2 {
		t.Fatalf("unexpected usage summary: %+v", resp.Usage)
	}
}

func TestOrchestratorStripsUnknownCitation(t *testing.T) {
	fx := newOrchestratorFixture()
	fx.model.completion.Text = "Recycle the redis connection pool [E2]. Rotate credentials [E9]."

	resp, err := fx.build().Query(context.Background(), engineerQuery("redis connection timeout"))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if resp.Status != domain.StatusOK {
		t.Fatalf("expected ok, got %s", resp.Status)
	}
	if strings.Contains(resp.Narrative, "E9") {
		t.Fatalf("orphan citation survived: %q", resp.Narrative)
	}
	for _, c := range resp.Citations {
		if c.EvidenceID != "E2" {
			t.Fatalf("unexpected citation %+v", c)
		}
	}
	if !hasWarning(resp.Warnings, domain.CodeCitationIntegrity) {
		t.Fatalf("expected citation integrity warning: %+v", resp.Warnings)
	}
}

func TestOrchestratorWithholdsNarrativeWithoutValidCitations(t *testing.T) {
	fx := newOrchestratorFixture()
	fx.model.completion.Text = "Rotate credentials [E9]."

	resp, err := fx.build().Query(context.Background(), engineerQuery("redis connection timeout"))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if resp.Status != domain.StatusUnverified || !resp.ReviewRequired {
		t.Fatalf("expected unverified with review, got %+v", resp)
	}
	if resp.Narrative != "" || len(resp.Citations) != 0 {
		t.Fatalf("unverified response must not carry a narrative: %+v", resp)
	}
	if len(resp.Evidence) == 0 {
		t.Fatalf("expected evidence to be returned for review")
	}
	if session := fx.tracker.only(t); session.Draft == "" {
		t.Fatalf("expected draft kept on session")
	}
}

func TestOrchestratorNoEvidenceSkipsModel(t *testing.T) {
	fx := newOrchestratorFixture()
	fx.semantic.candidates = nil
	fx.lexical.candidates = nil

	resp, err := fx.build().Query(context.Background(), engineerQuery("unseen failure"))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if resp.Status != domain.StatusNoEvidence || resp.ErrorCode != domain.CodeNoEvidence {
		t.Fatalf("expected no_evidence, got %+v", resp)
	}
	if calls := fx.model.calls.Load(); calls != 0 {
		t.Fatalf("expected no model calls, got %d", calls)
	}
	if len(resp.Evidence) != 0 || resp.Narrative != "" {
		t.Fatalf("unexpected payload: %+v", resp)
	}
	fx.tracker.only(t)
}

func TestOrchestratorPolicyDenyAll(t *testing.T) {
	fx := newOrchestratorFixture()
	query := engineerQuery("redis connection timeout")
	query.Caller.Roles = []string{"guest"}

	resp, err := fx.build().Query(context.Background(), query)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if resp.Status != domain.StatusNoEvidence || resp.ErrorCode != domain.CodePolicyDenyAll {
		t.Fatalf("expected policy deny-all, got %+v", resp)
	}
	if fx.model.calls.Load() != 0 || len(resp.Evidence) != 0 {
		t.Fatalf("denied query must not reach the model or expose evidence")
	}
}

func TestOrchestratorDegradesOnSingleChannelFailure(t *testing.T) {
	fx := newOrchestratorFixture()
	fx.lexical.err = errors.New("connection refused")

	resp, err := fx.build().Query(context.Background(), engineerQuery("redis connection timeout"))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if resp.Status != domain.StatusDegraded {
		t.Fatalf("expected degraded, got %s", resp.Status)
	}
	if resp.Narrative == "" {
		t.Fatalf("degraded response keeps its narrative")
	}
	if !hasWarning(resp.Warnings, domain.CodeRetrievalDegraded) {
		t.Fatalf("expected retrieval degraded warning: %+v", resp.Warnings)
	}
	session := fx.tracker.only(t)
	if len(session.Channels) != 2 || !session.Channels[1].Failed() || session.Channels[0].Failed() {
		t.Fatalf("unexpected channel traces: %+v", session.Channels)
	}
}

func TestOrchestratorBothChannelsUnavailable(t *testing.T) {
	fx := newOrchestratorFixture()
	fx.semantic.err = errors.New("qdrant down")
	fx.lexical.err = errors.New("postgres down")

	resp, err := fx.build().Query(context.Background(), engineerQuery("redis connection timeout"))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if resp.Status != domain.StatusRetrievalUnavailable {
		t.Fatalf("expected retrieval_unavailable, got %s", resp.Status)
	}
	if fx.model.calls.Load() != 0 {
		t.Fatalf("model must not be called")
	}
	if session := fx.tracker.only(t); session.Status != domain.StatusRetrievalUnavailable {
		t.Fatalf("unexpected session status %s", session.Status)
	}
}

func TestOrchestratorLanguageModelFailure(t *testing.T) {
	fx := newOrchestratorFixture()
	fx.model.err = errors.New("503 from provider")

	resp, err := fx.build().Query(context.Background(), engineerQuery("redis connection timeout"))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if resp.Status != domain.StatusLLMUnavailable || resp.ErrorCode != domain.CodeLLMUnavailable {
		t.Fatalf("expected llm_unavailable, got %+v", resp)
	}
	if resp.Narrative != "" || len(resp.Evidence) != 2 {
		t.Fatalf("expected evidence without narrative: %+v", resp)
	}
	if calls := fx.model.calls.Load(); calls != 1 {
		t.Fatalf("synthesis must not retry, got %d calls", calls)
	}
	session := fx.tracker.only(t)
	if !session.Synthesis.Attempted || session.Synthesis.Completed {
		t.Fatalf("unexpected synthesis trace: %+v", session.Synthesis)
	}
	if !session.Usage.Estimated || session.Usage.PromptTokens == 0 {
		t.Fatalf("expected estimated prompt usage: %+v", session.Usage)
	}
}

func TestOrchestratorDeadlineRecordsIncompleteSession(t *testing.T) {
	fx := newOrchestratorFixture()
	fx.model.block = true
	fx.opts.Deadline = 50 * time.Millisecond

	resp, err := fx.build().Query(context.Background(), engineerQuery("redis connection timeout"))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if resp.Status != domain.StatusTimeout || resp.ErrorCode != domain.CodeTimeout {
		t.Fatalf("expected timeout, got %+v", resp)
	}
	if resp.Narrative != "" {
		t.Fatalf("timeout must not carry a narrative")
	}
	session := fx.tracker.only(t)
	if !session.Incomplete || session.Status != domain.StatusTimeout {
		t.Fatalf("expected incomplete timeout session: %+v", session)
	}
	if !session.Synthesis.Attempted {
		t.Fatalf("expected synthesis attempt recorded")
	}
}

func TestOrchestratorDeadlineDuringRetrieval(t *testing.T) {
	fx := newOrchestratorFixture()
	fx.semantic.block = true
	fx.lexical.block = true
	fx.opts.Deadline = 30 * time.Millisecond

	resp, err := fx.build().Query(context.Background(), engineerQuery("redis connection timeout"))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if resp.Status != domain.StatusTimeout {
		t.Fatalf("expected timeout, got %s", resp.Status)
	}
	if session := fx.tracker.only(t); !session.Incomplete {
		t.Fatalf("expected incomplete session")
	}
}

func TestOrchestratorRerankFailureKeepsFusedOrder(t *testing.T) {
	fx := newOrchestratorFixture()
	fx.scorer = &scorerFake{score: func(context.Context, string, []domain.FusedCandidate) ([]float64, error) {
		return nil, errors.New("scorer crashed")
	}}

	resp, err := fx.build().Query(context.Background(), engineerQuery("redis connection timeout"))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if resp.Status != domain.StatusOK {
		t.Fatalf("rerank failure must not change status, got %s", resp.Status)
	}
	if got := evidenceIDs(resp.Evidence); strings.Join(got, ",") != "E2,E1" {
		t.Fatalf("expected fused order, got %v", got)
	}
	if !hasWarning(resp.Warnings, domain.CodeRerankFailure) {
		t.Fatalf("expected rerank warning: %+v", resp.Warnings)
	}
}

func TestOrchestratorModelScorerSeesAllowedCandidatesOnly(t *testing.T) {
	fx := newOrchestratorFixture()
	scorer := &modelScorerFake{usage: domain.TokenUsage{PromptTokens: 150, CompletionTokens: 10}}
	fx.scorer = scorer

	resp, err := fx.build().Query(context.Background(), engineerQuery("redis connection timeout"))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if resp.Status != domain.StatusOK {
		t.Fatalf("expected ok, got %s (%s)", resp.Status, resp.ErrorCode)
	}
	for _, id := range scorer.shown() {
		if id == "E3" {
			t.Fatalf("denied candidate reached the scorer: %v", scorer.shown())
		}
	}
	if len(scorer.shown()) != 2 {
		t.Fatalf("expected scorer to see the two allowed candidates, got %v", scorer.shown())
	}
	if got := evidenceIDs(resp.Evidence); strings.Join(got, ",") != "E2,E1" {
		t.Fatalf("unexpected evidence: %v", got)
	}

	session := fx.tracker.only(t)
	if !session.Rerank.Screened || !session.Rerank.Applied {
		t.Fatalf("expected screened rerank, got %+v", session.Rerank)
	}
	if session.Final.DeniedCount != 1 || session.Final.AllowedCount != 2 {
		t.Fatalf("unexpected final decision: %+v", session.Final)
	}
	if session.Usage.TotalTokens != 500+160 {
		t.Fatalf("expected rerank tokens billed, got %+v", session.Usage)
	}
	if want := 0.55*0.5 + 0.11*1.5; abs(session.Usage.CostUSD-want) > 1e-9 {
		t.Fatalf("expected cost %f, got %f", want, session.Usage.CostUSD)
	}
}

func TestOrchestratorWarningsNeverNameDeniedCandidates(t *testing.T) {
	fx := newOrchestratorFixture()
	fx.model.completion.Text = "Recycle the redis connection pool [E2]. Failover the primary [E3]."

	resp, err := fx.build().Query(context.Background(), engineerQuery("redis connection timeout"))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if !hasWarning(resp.Warnings, domain.CodeCitationIntegrity) {
		t.Fatalf("expected citation integrity warning: %+v", resp.Warnings)
	}
	for _, w := range resp.Warnings {
		if strings.Contains(w.Detail, "E3") {
			t.Fatalf("warning names a denied candidate: %+v", w)
		}
	}
	if strings.Contains(resp.Narrative, "E3") {
		t.Fatalf("denied citation survived: %q", resp.Narrative)
	}
}

func TestOrchestratorRejectsInvalidQuery(t *testing.T) {
	fx := newOrchestratorFixture()

	_, err := fx.build().Query(context.Background(), engineerQuery("   "))
	if !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}

	query := engineerQuery("redis")
	query.Caller.ID = ""
	_, err = fx.build().Query(context.Background(), query)
	if !domain.IsKind(err, domain.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if len(fx.tracker.sessions) != 0 {
		t.Fatalf("rejected queries are not sessions")
	}
}

func TestOrchestratorRecordFailureDoesNotFailQuery(t *testing.T) {
	fx := newOrchestratorFixture()
	fx.tracker.err = domain.ErrTrackerBackpressure

	resp, err := fx.build().Query(context.Background(), engineerQuery("redis connection timeout"))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if resp.Status != domain.StatusOK {
		t.Fatalf("expected ok, got %s", resp.Status)
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
