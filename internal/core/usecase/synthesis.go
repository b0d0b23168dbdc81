package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kirillkom/kedb-orchestrator/internal/core/domain"
	"github.com/kirillkom/kedb-orchestrator/internal/core/ports"
)

type SynthesisOptions struct {
	Timeout         time.Duration
	MaxSnippetChars int
}

func DefaultSynthesisOptions() SynthesisOptions {
	return SynthesisOptions{
		Timeout:         15 * time.Second,
		MaxSnippetChars: 1200,
	}
}

// Synthesizer turns the evidence set into a grounded prompt and calls the
// language model exactly once.
type Synthesizer struct {
	model ports.LanguageModel
	opts  SynthesisOptions
}

func NewSynthesizer(model ports.LanguageModel, opts SynthesisOptions) *Synthesizer {
	def := DefaultSynthesisOptions()
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.MaxSnippetChars <= 0 {
		opts.MaxSnippetChars = def.MaxSnippetChars
	}
	return &Synthesizer{model: model, opts: opts}
}

func (s *Synthesizer) BuildPrompt(query string, evidence []domain.Evidence) string {
	var b strings.Builder
	for _, item := range evidence {
		fmt.Fprintf(&b, "[%s] kind=%s severity=%s title=%s\n%s\n\n",
			item.ID,
			item.Kind,
			valueOrDash(item.Severity),
			valueOrDash(item.Title),
			truncateRunes(item.Snippet, s.opts.MaxSnippetChars),
		)
	}

	return fmt.Sprintf(`You are an incident response assistant for a known-error knowledge base.
Recommend a resolution for the operator's incident using only the evidence below.
Every claim must end with the citation token of the evidence it comes from, written exactly as shown, for example [%s].
Never cite a token that is not listed. If the evidence is insufficient, say so.

Incident:
%s

Evidence:
%s`, exampleToken(evidence), query, b.String())
}

// Synthesize never retries. Failures are typed as ErrLLMTimeout,
// ErrLLMMalformedOutput or ErrLLMUnavailable; when the caller's own context
// is done its error is returned as is.
func (s *Synthesizer) Synthesize(ctx context.Context, prompt string) (domain.Completion, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	completion, err := s.model.Complete(callCtx, prompt)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return domain.Completion{}, fmt.Errorf("synthesize: %w", ctxErr)
		}
		switch {
		case errors.Is(err, context.DeadlineExceeded) || callCtx.Err() != nil:
			return domain.Completion{}, domain.WrapError(domain.ErrLLMTimeout, "synthesize", err)
		case domain.IsKind(err, domain.ErrLLMMalformedOutput):
			return domain.Completion{}, err
		default:
			return domain.Completion{}, domain.WrapError(domain.ErrLLMUnavailable, "synthesize", err)
		}
	}

	completion.Text = strings.TrimSpace(completion.Text)
	if completion.Text == "" {
		return completion, domain.WrapError(domain.ErrLLMMalformedOutput, "synthesize", errors.New("empty completion"))
	}
	return completion, nil
}

// SynthesisErrorCode maps a synthesis failure onto its response code.
func SynthesisErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case domain.IsKind(err, domain.ErrLLMTimeout):
		return domain.CodeLLMTimeout
	case domain.IsKind(err, domain.ErrLLMMalformedOutput):
		return domain.CodeLLMMalformedOutput
	default:
		return domain.CodeLLMUnavailable
	}
}

func exampleToken(evidence []domain.Evidence) string {
	if len(evidence) == 0 {
		return "ID"
	}
	return evidence[0].ID
}

func valueOrDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
