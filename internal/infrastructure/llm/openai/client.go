package openai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/kirillkom/kedb-orchestrator/internal/core/domain"
	"github.com/kirillkom/kedb-orchestrator/internal/infrastructure/resilience"
)

type Config struct {
	BaseURL        string
	APIKey         string
	Model          string
	EmbeddingModel string
	Temperature    float64

	ResilienceExecutor *resilience.Executor
}

// Model implements the synthesis language model over any
// OpenAI-compatible chat endpoint.
type Model struct {
	client      llms.Model
	model       string
	temperature float64
	executor    *resilience.Executor
	logger      *slog.Logger
}

func newClient(cfg Config) (*openai.LLM, error) {
	token := strings.TrimSpace(cfg.APIKey)
	if token == "" {
		// Local OpenAI-compatible servers accept any token.
		token = "none"
	}
	opts := []openai.Option{
		openai.WithToken(token),
		openai.WithModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	if cfg.EmbeddingModel != "" {
		opts = append(opts, openai.WithEmbeddingModel(cfg.EmbeddingModel))
	}
	return openai.New(opts...)
}

func NewModel(cfg Config) (*Model, error) {
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("openai model is required")
	}
	client, err := newClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create openai client: %w", err)
	}
	return newModelWithClient(client, cfg), nil
}

func newModelWithClient(client llms.Model, cfg Config) *Model {
	return &Model{
		client:      client,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		executor:    cfg.ResilienceExecutor,
		logger:      slog.Default().With("component", "openai-model"),
	}
}

func (m *Model) Complete(ctx context.Context, prompt string) (domain.Completion, error) {
	content := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeHuman, prompt),
	}

	var response *llms.ContentResponse
	call := func(callCtx context.Context) error {
		var err error
		response, err = m.client.GenerateContent(callCtx, content, llms.WithTemperature(m.temperature))
		return err
	}

	var err error
	if m.executor == nil {
		err = call(ctx)
	} else {
		// Generation is not idempotent in cost; the breaker still applies.
		err = m.executor.Execute(ctx, "openai.generate", call, classifyOpenAIError, resilience.WithoutRetry())
	}
	if err != nil {
		m.logger.Error("openai_generate_failed", "model", m.model, "error", err)
		if resilience.IsCircuitOpen(err) {
			return domain.Completion{}, domain.WrapError(domain.ErrTemporary, "openai complete", err)
		}
		return domain.Completion{}, err
	}
	if response == nil || len(response.Choices) == 0 {
		return domain.Completion{}, domain.WrapError(domain.ErrLLMMalformedOutput, "openai complete", fmt.Errorf("no choices returned"))
	}

	choice := response.Choices[0]
	return domain.Completion{
		Text:  strings.TrimSpace(choice.Content),
		Model: m.model,
		Usage: usageFromGenerationInfo(choice.GenerationInfo),
	}, nil
}

func classifyOpenAIError(err error) resilience.ErrorClassification {
	if err == nil {
		return resilience.ErrorClassification{}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return resilience.ErrorClassification{}
	}
	return resilience.ErrorClassification{RecordFailure: true}
}

// usageFromGenerationInfo reads the token counters the OpenAI backend
// attaches to each choice. Missing counters yield zero usage, which the
// session marks as estimated.
func usageFromGenerationInfo(info map[string]any) domain.TokenUsage {
	return domain.TokenUsage{
		PromptTokens:     intValue(info["PromptTokens"]),
		CompletionTokens: intValue(info["CompletionTokens"]),
	}
}

func intValue(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

// Embedder produces query vectors through an OpenAI-compatible
// embeddings endpoint.
type Embedder struct {
	embedder embeddings.Embedder
}

func NewEmbedder(cfg Config) (*Embedder, error) {
	client, err := newClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create openai client: %w", err)
	}
	embedder, err := embeddings.NewEmbedder(client, embeddings.WithStripNewLines(true))
	if err != nil {
		return nil, fmt.Errorf("create openai embedder: %w", err)
	}
	return &Embedder{embedder: embedder}, nil
}

func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vector, err := e.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, err
	}
	if len(vector) == 0 {
		return nil, domain.WrapError(domain.ErrMalformedResponse, "openai embed", fmt.Errorf("empty embedding result"))
	}
	return vector, nil
}
