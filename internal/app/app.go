// Package app wires all Parley subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the HTTP API and the autosave loop, and Shutdown
// tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithLLMProvider, WithEmbeddingsProvider). When an option is not provided,
// New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/hollowmere/parley/internal/agent"
	"github.com/hollowmere/parley/internal/config"
	"github.com/hollowmere/parley/internal/manager"
	"github.com/hollowmere/parley/internal/observe"
	"github.com/hollowmere/parley/internal/persist"
	"github.com/hollowmere/parley/internal/promptctx"
	"github.com/hollowmere/parley/internal/server"
	"github.com/hollowmere/parley/pkg/memindex"
	memindexpg "github.com/hollowmere/parley/pkg/memindex/postgres"
	"github.com/hollowmere/parley/pkg/provider/embeddings"
	ollamaembed "github.com/hollowmere/parley/pkg/provider/embeddings/ollama"
	oaembed "github.com/hollowmere/parley/pkg/provider/embeddings/openai"
	"github.com/hollowmere/parley/pkg/provider/llm"
	"github.com/hollowmere/parley/pkg/provider/llm/anyllm"
	oaillm "github.com/hollowmere/parley/pkg/provider/llm/openai"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *observe.Metrics

	llm      llm.Provider
	embedder embeddings.Provider
	pgStore  *memindexpg.Store
	store    *persist.Store
	agents   *manager.Manager
	httpSrv  *http.Server

	stopOnce sync.Once
}

// Option is a functional option for [New]. Use these to inject test doubles.
type Option func(*App)

// WithLLMProvider injects an LLM provider instead of building one from config.
func WithLLMProvider(p llm.Provider) Option {
	return func(a *App) { a.llm = p }
}

// WithEmbeddingsProvider injects an embeddings provider instead of building
// one from config.
func WithEmbeddingsProvider(p embeddings.Provider) Option {
	return func(a *App) { a.embedder = p }
}

// WithLogger sets the application logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.logger = l }
}

// New builds every subsystem from cfg: providers, memory backend, persistence
// store, agent manager, and HTTP server. Persisted agents are loaded and
// config-declared agents that do not exist yet are created and seeded with
// their fixed-memory files.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, logger: slog.Default()}
	for _, o := range opts {
		o(a)
	}

	metrics, err := observe.New()
	if err != nil {
		return nil, err
	}
	a.metrics = metrics

	if a.llm == nil {
		if a.llm, err = buildLLM(cfg.Providers.LLM); err != nil {
			return nil, err
		}
	}
	if a.embedder == nil {
		if a.embedder, err = buildEmbedder(cfg.Providers.Embeddings); err != nil {
			return nil, err
		}
	}

	if a.store, err = persist.NewStore(cfg.Persistence.DataDir); err != nil {
		return nil, err
	}

	factory, err := a.buildIndexFactory(ctx)
	if err != nil {
		return nil, err
	}

	a.agents, err = manager.New(a.llm, factory, a.store,
		manager.WithLogger(a.logger),
		manager.WithMetrics(a.metrics),
		manager.WithAgentOptions(
			agent.WithTopK(cfg.Memory.TopK),
			agent.WithHistoryWindow(cfg.Engine.HistoryWindow),
			agent.WithTemperature(cfg.Engine.Temperature),
			agent.WithMaxTokens(cfg.Engine.MaxTokens),
			agent.WithBudgets(promptctx.Budgets{
				MaxContextLen:      cfg.Engine.MaxContextLength,
				MaxConversationLen: cfg.Engine.MaxConversationLength,
				MaxTotalLen:        cfg.Engine.MaxTotalLength,
			}),
		),
	)
	if err != nil {
		return nil, err
	}

	if _, err := a.agents.LoadAll(ctx); err != nil {
		return nil, err
	}
	if err := a.seedAgents(ctx); err != nil {
		return nil, err
	}

	a.httpSrv = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           server.New(a.agents, a.metrics, a.logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

// Agents returns the agent manager, for embedding callers that bypass HTTP.
func (a *App) Agents() *manager.Manager { return a.agents }

// Run serves the HTTP API and the autosave loop until ctx is cancelled or the
// server fails.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server listening", "addr", a.cfg.Server.ListenAddr)
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var ticker *time.Ticker
	var tick <-chan time.Time
	if interval := a.cfg.Persistence.AutosaveInterval; interval > 0 {
		ticker = time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return fmt.Errorf("app: http server: %w", err)
		case <-tick:
			if err := a.agents.SaveAll(ctx); err != nil {
				a.logger.Warn("autosave failed", "error", err)
			} else {
				a.logger.Debug("autosave complete")
			}
		}
	}
}

// Shutdown stops the HTTP server, saves and shuts down every agent, and
// releases providers. Idempotent.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		if err := a.httpSrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("app: http shutdown: %w", err))
		}
		if err := a.agents.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := a.llm.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("app: llm shutdown: %w", err))
		}
		if a.pgStore != nil {
			a.pgStore.Close()
		}
		if err := a.metrics.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	})
	return errors.Join(errs...)
}

// buildIndexFactory returns the per-agent index constructor for the
// configured memory backend. The flat backend builds one in-process index per
// agent; the postgres backend shares one pool and scopes views by agent id.
func (a *App) buildIndexFactory(ctx context.Context) (manager.IndexFactory, error) {
	switch a.cfg.Memory.Backend {
	case config.BackendPostgres:
		pg, err := memindexpg.NewStore(ctx, a.cfg.Memory.PostgresDSN, a.embedder)
		if err != nil {
			return nil, err
		}
		a.pgStore = pg
		return func(agentID string) (memindex.Index, error) {
			return pg.ForAgent(agentID), nil
		}, nil
	case config.BackendFlat, "":
		return func(agentID string) (memindex.Index, error) {
			return memindex.NewFlat(a.embedder)
		}, nil
	default:
		return nil, fmt.Errorf("app: unsupported memory backend %q", a.cfg.Memory.Backend)
	}
}

// seedAgents creates every config-declared agent that the persisted manifest
// did not already provide, loading its fixed-memory file when one is set.
func (a *App) seedAgents(ctx context.Context) error {
	for _, spec := range a.cfg.Agents {
		if existing := a.agents.ByName(spec.Name); existing != nil {
			a.logger.Debug("agent already present, skipping seed", "agentName", spec.Name)
			continue
		}

		created, err := a.agents.Create(ctx, spec.Name, spec.SystemPrompt)
		if err != nil {
			return fmt.Errorf("app: seed agent %q: %w", spec.Name, err)
		}
		if spec.FixedMemoryFile == "" {
			continue
		}

		lore, err := os.ReadFile(spec.FixedMemoryFile)
		if err != nil {
			return fmt.Errorf("app: read fixed memory for %q: %w", spec.Name, err)
		}
		if err := created.Memory().StoreFixedMemory(ctx, string(lore)); err != nil {
			return fmt.Errorf("app: embed fixed memory for %q: %w", spec.Name, err)
		}
		a.logger.Info("seeded agent with fixed memory",
			"agentName", spec.Name, "file", spec.FixedMemoryFile)
	}
	return nil
}

// buildLLM constructs the configured LLM provider. The native OpenAI client
// is used for "openai"; every other name goes through the any-llm backend
// catalogue.
func buildLLM(entry config.ProviderEntry) (llm.Provider, error) {
	switch entry.Name {
	case "":
		return nil, errors.New("app: providers.llm.name is not configured")
	case "openai":
		var opts []oaillm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaillm.WithBaseURL(entry.BaseURL))
		}
		return oaillm.New(entry.APIKey, entry.Model, opts...)
	default:
		var opts []anyllmlib.Option
		if entry.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
		}
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New(entry.Name, entry.Model, opts...)
	}
}

// buildEmbedder constructs the configured embeddings provider.
func buildEmbedder(entry config.ProviderEntry) (embeddings.Provider, error) {
	switch entry.Name {
	case "":
		return nil, errors.New("app: providers.embeddings.name is not configured")
	case "openai":
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		return oaembed.New(entry.APIKey, entry.Model, opts...)
	case "ollama":
		return ollamaembed.New(entry.BaseURL, entry.Model)
	default:
		return nil, fmt.Errorf("app: unsupported embeddings provider %q", entry.Name)
	}
}
