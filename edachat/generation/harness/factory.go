package harness

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"

	"github.com/ZanzyTHEbar/eda-chat/edachat/config"
	"github.com/ZanzyTHEbar/eda-chat/edachat/dataset"
	"github.com/ZanzyTHEbar/eda-chat/edachat/generation/harness/adapters"
	ports "github.com/ZanzyTHEbar/eda-chat/edachat/generation/harness/ports"
	"github.com/rs/zerolog"
)

// Factory creates and wires harness components from configuration.
type Factory struct {
	cfg    *config.Config
	db     *sql.DB // Optional, for the transcript store
	logger zerolog.Logger
}

// NewFactory creates a new harness factory.
func NewFactory(cfg *config.Config, db *sql.DB, logger zerolog.Logger) *Factory {
	return &Factory{
		cfg:    cfg,
		db:     db,
		logger: logger,
	}
}

// CreateAgent creates a fully wired Agent from config.
func (f *Factory) CreateAgent() (*Agent, error) {
	gateway, err := f.CreateGateway()
	if err != nil {
		return nil, err
	}
	return f.CreateAgentWithGateway(gateway), nil
}

// CreateAgentWithGateway wires an Agent around an already built gateway.
func (f *Factory) CreateAgentWithGateway(gateway ports.Gateway) *Agent {
	tracer := f.createTracer()

	assembler := NewContextAssembler(
		Budget{MaxContextTokens: f.cfg.Agent.ContextBudgetTokens},
		nil, // Use default token estimator
		NewPromptBuilder(),
	)

	orchestrator := NewToolOrchestrator(
		gateway,
		f.CreateGuardrails(),
		tracer,
		f.cfg.Agent.MaxOutputTokens,
		f.cfg.Gateway.Timeout,
	)

	return NewAgent(
		AgentOptions{
			MaxTurns:            f.cfg.Agent.MaxTurns,
			MaxCumulativeTokens: f.cfg.Agent.MaxCumulativeTokens,
			NearLimitTurns:      f.cfg.Agent.NearLimitTurns,
			NearLimitTokens:     f.cfg.Agent.NearLimitTokens,
			Digest: dataset.Options{
				SampleRows:          f.cfg.Agent.SampleRows,
				TopCategories:       f.cfg.Agent.TopCategories,
				GroupingCardinality: f.cfg.Agent.GroupingCardinality,
			},
			CacheTTLSeconds: f.cfg.Harness.CacheTTLSeconds,
		},
		Dependencies{
			Classifier:   NewClassifier(),
			Assembler:    assembler,
			Orchestrator: orchestrator,
			Cache:        f.createCache(),
			Limiter:      f.createRateLimiter(),
			Tracer:       tracer,
			Store:        f.createStore(),
			Logger:       f.logger,
		},
	)
}

// CreateGateway creates the model gateway named by gateway.provider.
func (f *Factory) CreateGateway() (ports.Gateway, error) {
	gw := f.cfg.Gateway
	switch gw.Provider {
	case "anthropic":
		if gw.APIKey == "" {
			return nil, fmt.Errorf("gateway.api_key is required for provider %q", gw.Provider)
		}
		return adapters.NewAnthropicGateway(&http.Client{}, gw.BaseURL, gw.APIKey, gw.Model), nil
	case "openai":
		if gw.APIKey == "" {
			return nil, fmt.Errorf("gateway.api_key is required for provider %q", gw.Provider)
		}
		return adapters.NewOpenAIGateway(gw.APIKey, gw.BaseURL, gw.Model), nil
	case "mock":
		return adapters.NewMockGateway(), nil
	default:
		return nil, fmt.Errorf("unknown gateway provider %q", gw.Provider)
	}
}

// createCache creates a cache adapter from config.
func (f *Factory) createCache() ports.Cache {
	if !f.cfg.Harness.CacheEnabled {
		return &noOpCache{}
	}

	return adapters.NewLRUCache(f.cfg.Harness.CacheCapacity)
}

// createRateLimiter creates a rate limiter adapter from config.
func (f *Factory) createRateLimiter() ports.RateLimiter {
	if !f.cfg.Harness.RateLimitEnabled {
		return &noOpRateLimiter{}
	}

	return adapters.NewTokenBucket(f.cfg.Harness.RateLimitCapacity, f.cfg.Harness.RateLimitRefillRate)
}

// createTracer creates a tracer adapter from config.
func (f *Factory) createTracer() ports.Tracer {
	if !f.cfg.Harness.EnableTracing {
		return &noOpTracer{}
	}

	return adapters.NewZerologTracer(f.logger)
}

// createStore creates a transcript store adapter from config.
func (f *Factory) createStore() ports.TranscriptStore {
	if f.db == nil {
		return &noOpStore{}
	}

	return adapters.NewLibSQLTranscriptStore(f.db)
}

// CreateGuardrails creates guardrails from config. Only the chart tool is allowed.
func (f *Factory) CreateGuardrails() *Guardrails {
	if !f.cfg.Harness.EnableGuardrails {
		return PassthroughGuardrails()
	}

	guardrails := NewGuardrails()
	guardrails.AddAllowedTool(VisualizationToolName)
	return guardrails
}

// noOpCache implements Cache interface with no-op behavior for testing/disabled cache.
type noOpCache struct{}

func (c *noOpCache) Get(ctx context.Context, key string) ([]byte, bool) { return nil, false }
func (c *noOpCache) Set(ctx context.Context, key string, value []byte, ttlSeconds int) error {
	return nil
}
func (c *noOpCache) Delete(ctx context.Context, key string) error { return nil }

// noOpRateLimiter implements RateLimiter interface with no-op behavior.
type noOpRateLimiter struct{}

func (r *noOpRateLimiter) Acquire(ctx context.Context, key string) (release func(), err error) {
	return func() {}, nil
}

// noOpTracer implements Tracer interface with no-op behavior.
type noOpTracer struct{}

func (t *noOpTracer) StartSpan(ctx context.Context, name string, attrs map[string]any) (context.Context, func(err error)) {
	return ctx, func(err error) {}
}

func (t *noOpTracer) Event(ctx context.Context, name string, attrs map[string]any) {}

// noOpStore implements TranscriptStore interface with no-op behavior.
type noOpStore struct{}

func (s *noOpStore) SaveTurn(ctx context.Context, sessionID string, turn ports.TranscriptTurn) error {
	return nil
}

func (s *noOpStore) LoadTranscript(ctx context.Context, sessionID string, k int) ([]ports.TranscriptTurn, error) {
	return nil, nil
}

func (s *noOpStore) AppendToolArtifact(ctx context.Context, sessionID, name string, payload []byte) error {
	return nil
}

// Ensure all no-op types implement their interfaces.
var (
	_ ports.Cache           = (*noOpCache)(nil)
	_ ports.RateLimiter     = (*noOpRateLimiter)(nil)
	_ ports.Tracer          = (*noOpTracer)(nil)
	_ ports.TranscriptStore = (*noOpStore)(nil)
)
