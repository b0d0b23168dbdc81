package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/kirillkom/kedb-orchestrator/internal/config"
	"github.com/kirillkom/kedb-orchestrator/internal/core/domain"
	"github.com/kirillkom/kedb-orchestrator/internal/core/ports"
	"github.com/kirillkom/kedb-orchestrator/internal/core/usecase"
	"github.com/kirillkom/kedb-orchestrator/internal/infrastructure/cache/tagcache"
	"github.com/kirillkom/kedb-orchestrator/internal/infrastructure/llm/ollama"
	"github.com/kirillkom/kedb-orchestrator/internal/infrastructure/llm/openai"
	"github.com/kirillkom/kedb-orchestrator/internal/infrastructure/policy/yamlrules"
	natsbus "github.com/kirillkom/kedb-orchestrator/internal/infrastructure/queue/nats"
	"github.com/kirillkom/kedb-orchestrator/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/kedb-orchestrator/internal/infrastructure/resilience"
	badgerstore "github.com/kirillkom/kedb-orchestrator/internal/infrastructure/storage/badger"
	"github.com/kirillkom/kedb-orchestrator/internal/infrastructure/tokens"
	"github.com/kirillkom/kedb-orchestrator/internal/infrastructure/vector/qdrant"
	"github.com/kirillkom/kedb-orchestrator/internal/observability/metrics"
)

const (
	sinkPostgres = "postgres"
	sinkNATS     = "nats"
	sinkBadger   = "badger"
)

type App struct {
	Config config.Config
	Logger *slog.Logger

	Query    ports.QueryService
	Sessions ports.SessionReader
	Tracker  *usecase.UsageTracker
	Policy   *usecase.PolicyEngine
	Executor *resilience.Executor
	Metrics  *metrics.HTTPServerMetrics

	closers []func(context.Context) error
}

// New wires the full query pipeline. The caller owns Close.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *App, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	app := &App{
		Config:   cfg,
		Logger:   logger,
		Executor: resilience.NewExecutorWithLogger(cfg.ResilienceConfig(), logger),
		Metrics:  metrics.NewHTTPServerMetrics(cfg.ServiceName),
	}
	defer func() {
		if err != nil {
			_ = app.Close(context.Background())
		}
	}()

	rules, err := yamlrules.Load(cfg.PolicyFile)
	if err != nil {
		return nil, fmt.Errorf("load policy rules: %w", err)
	}

	db, err := postgres.OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	app.onClose(func(context.Context) error { return db.Close() })
	if err := postgres.EnsureSchema(ctx, db); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	ollamaClient := ollama.NewWithOptions(cfg.OllamaURL, cfg.OllamaGenModel, cfg.OllamaEmbedModel, ollama.Options{
		ResilienceExecutor: app.Executor,
	})
	embedder, err := newEmbedder(cfg, ollamaClient, app.Executor)
	if err != nil {
		return nil, err
	}
	model, err := newLanguageModel(cfg, ollamaClient, app.Executor)
	if err != nil {
		return nil, err
	}

	vectorIndex := qdrant.NewWithOptions(cfg.QdrantURL, cfg.QdrantCollection, qdrant.Options{
		DenseVector:        cfg.QdrantDenseVector,
		SparseVector:       cfg.QdrantSparseVector,
		ResilienceExecutor: app.Executor,
	})
	var lexicalIndex ports.LexicalIndex = postgres.NewLexicalIndex(db, app.Executor)
	if cfg.LexicalBackend == "qdrant" {
		lexicalIndex = vectorIndex
	}

	tagStore := tagcache.New(postgres.NewAccessTagStore(db), cfg.TagCacheTTL)
	app.Policy = usecase.NewPolicyEngine(rules, tagStore)

	sink, sessions, err := app.newSessionSinks(cfg, db)
	if err != nil {
		return nil, err
	}
	app.Sessions = sessions

	trackerOpts := cfg.TrackerOptions(logger)
	trackerOpts.OnAppend = func(_ domain.Session, err error) {
		app.Metrics.RecordSessionWrite(cfg.ServiceName, err)
	}
	app.Tracker = usecase.NewUsageTracker(sink, trackerOpts)

	app.Query = usecase.NewOrchestrator(usecase.OrchestratorDeps{
		Semantic:    usecase.NewSemanticRetriever(embedder, vectorIndex),
		Lexical:     usecase.NewLexicalRetriever(lexicalIndex),
		Fuser:       usecase.NewFuser(cfg.FusionOptions()),
		Reranker:    usecase.NewReranker(newScorer(cfg, ollamaClient), cfg.RerankOptions()),
		Policy:      app.Policy,
		Synthesizer: usecase.NewSynthesizer(model, cfg.SynthesisOptions()),
		Validator:   usecase.NewCitationValidator(),
		Tracker:     app.Tracker,
		Tokens:      tokens.NewEstimator(cfg.PricedModel()),
	}, cfg.OrchestratorOptions(logger))

	logger.Info("pipeline_ready",
		"llm_provider", cfg.LLMProvider,
		"embedding_provider", cfg.EmbeddingProvider,
		"lexical_backend", cfg.LexicalBackend,
		"reranker", cfg.Reranker,
		"session_sinks", cfg.SessionSinks,
		"policy_roles", len(rules.Roles),
	)
	return app, nil
}

func (a *App) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// Close drains the usage tracker, then releases sinks and connections in
// reverse order of creation.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Tracker != nil {
		if err := a.Tracker.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close usage tracker: %w", err))
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) newSessionSinks(cfg config.Config, db *sql.DB) (ports.SessionSink, ports.SessionReader, error) {
	ledger := postgres.NewSessionLedger(db)
	var (
		sinks  []ports.SessionSink
		reader ports.SessionReader = ledger
	)

	for _, name := range slices.Compact(slices.Sorted(slices.Values(cfg.SessionSinks))) {
		switch name {
		case sinkPostgres:
			sinks = append(sinks, ledger)
		case sinkNATS:
			bus, err := natsbus.NewWithOptions(cfg.NATSURL, cfg.NATSSubject, natsbus.Options{
				Name:               cfg.ServiceName,
				ResilienceExecutor: a.Executor,
				Logger:             a.Logger,
			})
			if err != nil {
				return nil, nil, fmt.Errorf("init session bus: %w", err)
			}
			a.onClose(func(context.Context) error { bus.Close(); return nil })
			sinks = append(sinks, bus)
		case sinkBadger:
			journal, err := badgerstore.Open(cfg.BadgerPath)
			if err != nil {
				return nil, nil, fmt.Errorf("open session journal: %w", err)
			}
			a.onClose(func(context.Context) error { return journal.Close() })
			sinks = append(sinks, journal)
			if !slices.Contains(cfg.SessionSinks, sinkPostgres) {
				reader = journal
			}
		default:
			return nil, nil, fmt.Errorf("unknown session sink %q", name)
		}
	}
	if len(sinks) == 0 {
		sinks = append(sinks, ledger)
	}
	return usecase.JoinSinks(sinks...), reader, nil
}

func newEmbedder(cfg config.Config, ollamaClient *ollama.Client, executor *resilience.Executor) (ports.Embedder, error) {
	if cfg.EmbeddingProvider != "openai" {
		return ollama.NewEmbedder(ollamaClient), nil
	}
	embedder, err := openai.NewEmbedder(openAIConfig(cfg, executor))
	if err != nil {
		return nil, fmt.Errorf("init openai embedder: %w", err)
	}
	return embedder, nil
}

func newLanguageModel(cfg config.Config, ollamaClient *ollama.Client, executor *resilience.Executor) (ports.LanguageModel, error) {
	if cfg.LLMProvider != "openai" {
		return ollama.NewModel(ollamaClient), nil
	}
	model, err := openai.NewModel(openAIConfig(cfg, executor))
	if err != nil {
		return nil, fmt.Errorf("init openai model: %w", err)
	}
	return model, nil
}

func openAIConfig(cfg config.Config, executor *resilience.Executor) openai.Config {
	return openai.Config{
		BaseURL:            cfg.OpenAIBaseURL,
		APIKey:             cfg.OpenAIToken,
		Model:              cfg.OpenAIModel,
		EmbeddingModel:     cfg.OpenAIEmbedModel,
		ResilienceExecutor: executor,
	}
}

func newScorer(cfg config.Config, ollamaClient *ollama.Client) ports.PairwiseScorer {
	switch cfg.Reranker {
	case "llm":
		return ollama.NewPairwiseScorer(ollamaClient)
	case "none":
		return nil
	default:
		return usecase.NewOverlapScorer()
	}
}
