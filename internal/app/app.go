// Package app wires all Eva subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context ends, and Shutdown tears
// everything down in order: sessions first, then the background engine work,
// then the listeners and stores.
//
// For testing, inject mock implementations via functional options
// (WithStore, WithIndex, WithLLM). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/thingenious/eva/internal/admin"
	"github.com/thingenious/eva/internal/chat"
	"github.com/thingenious/eva/internal/config"
	"github.com/thingenious/eva/internal/engine"
	"github.com/thingenious/eva/internal/health"
	"github.com/thingenious/eva/internal/observe"
	"github.com/thingenious/eva/internal/resilience"
	"github.com/thingenious/eva/pkg/conversation"
	convpg "github.com/thingenious/eva/pkg/conversation/postgres"
	"github.com/thingenious/eva/pkg/provider/embeddings"
	ollamaembed "github.com/thingenious/eva/pkg/provider/embeddings/ollama"
	oaembed "github.com/thingenious/eva/pkg/provider/embeddings/openai"
	"github.com/thingenious/eva/pkg/provider/llm"
	"github.com/thingenious/eva/pkg/provider/llm/anyllm"
	"github.com/thingenious/eva/pkg/rag"
	"github.com/thingenious/eva/pkg/rag/pgvector"
)

// readHeaderTimeout bounds how long a client may take to send request
// headers before the connection is dropped.
const readHeaderTimeout = 10 * time.Second

// App owns all subsystem lifetimes and serves the chat, admin, and health
// surfaces from one listener.
type App struct {
	cfg *config.Config

	store    conversation.Store
	index    rag.Index
	provider llm.Provider
	engine   *engine.Engine
	manager  *chat.Manager
	server   *http.Server

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a conversation store instead of connecting to PostgreSQL.
func WithStore(s conversation.Store) Option {
	return func(a *App) { a.store = s }
}

// WithIndex injects a retrieval index instead of building the pgvector one.
func WithIndex(i rag.Index) Option {
	return func(a *App) { a.index = i }
}

// WithLLM injects a completion provider instead of creating one from config.
func WithLLM(p llm.Provider) Option {
	return func(a *App) { a.provider = p }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Use Option functions
// to inject test doubles for any backend.
//
// New performs all initialisation synchronously: database connection and
// migration, embedding provider construction, an initial documents folder
// scan, engine assembly, and route registration.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Conversation store ────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. Retrieval index ───────────────────────────────────────────────
	if err := a.initIndex(ctx); err != nil {
		return nil, fmt.Errorf("app: init index: %w", err)
	}

	// ── 3. Completion provider ───────────────────────────────────────────
	if err := a.initLLM(); err != nil {
		return nil, fmt.Errorf("app: init llm: %w", err)
	}

	// ── 4. Engine ────────────────────────────────────────────────────────
	a.engine = engine.New(a.store, a.index, a.provider, engine.Config{
		MaxHistoryMessages: cfg.Chat.MaxHistoryMessages,
		SummaryThreshold:   cfg.Summary.Threshold,
		SummaryKeepTail:    cfg.Summary.KeepTail,
		TopK:               cfg.RAG.TopK,
		TurnTimeout:        cfg.Chat.TurnTimeout,
		Temperature:        cfg.LLM.Temperature,
		MaxTokens:          cfg.LLM.MaxTokens,
		Provider:           cfg.LLM.Provider,
	})

	// ── 5. WebSocket sessions ────────────────────────────────────────────
	a.manager = chat.NewManager(a.engine, a.store, chat.Config{
		APIKey:            cfg.Auth.ChatAPIKey,
		MaxMessageBytes:   cfg.Chat.MaxMessageBytes,
		OutboundQueueSize: cfg.Chat.OutboundQueueSize,
	})

	// ── 6. HTTP routes ───────────────────────────────────────────────────
	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr(),
		Handler:           a.buildHandler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore connects the PostgreSQL conversation store unless one was
// injected.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	if a.cfg.Database.URL == "" {
		return errors.New("database.url is required when no store is injected")
	}
	store, err := convpg.NewStore(ctx, a.cfg.Database.URL)
	if err != nil {
		return err
	}
	a.store = store
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	return nil
}

// initIndex builds the pgvector retrieval index unless one was injected, and
// runs the initial documents folder scan.
func (a *App) initIndex(ctx context.Context) error {
	if a.index == nil {
		embedder, err := a.buildEmbedder()
		if err != nil {
			return err
		}
		index, err := pgvector.NewIndex(ctx, a.cfg.Database.URL, embedder, a.cfg.RAG.DocsFolder,
			pgvector.WithFloorScore(a.cfg.RAG.FloorScore),
			pgvector.WithChunker(rag.Chunker{
				Size:    a.cfg.RAG.ChunkSize,
				Overlap: a.cfg.RAG.ChunkOverlap,
			}),
		)
		if err != nil {
			return err
		}
		a.index = index
		a.closers = append(a.closers, func() error {
			index.Close()
			return nil
		})
	}

	res, err := a.index.Reload(ctx)
	if err != nil {
		return fmt.Errorf("initial document scan: %w", err)
	}
	slog.Info("documents indexed",
		"folder", a.cfg.RAG.DocsFolder,
		"ingested", res.Ingested, "deleted", res.Deleted,
		"unchanged", res.Unchanged, "failed", res.Failed)
	return nil
}

// buildEmbedder constructs the embedding provider named in the config.
func (a *App) buildEmbedder() (embeddings.Provider, error) {
	e := a.cfg.Embeddings
	switch e.Provider {
	case "openai":
		var opts []oaembed.Option
		if e.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(e.BaseURL))
		}
		return oaembed.New(e.APIKey, e.Model, opts...)
	case "ollama":
		return ollamaembed.New(e.BaseURL, e.Model)
	default:
		return nil, fmt.Errorf("unsupported embeddings provider %q", e.Provider)
	}
}

// initLLM creates the completion provider named in the config unless one was
// injected. When fallback providers are configured, the primary is wrapped in
// a circuit-breaking failover chain.
func (a *App) initLLM() error {
	if a.provider != nil {
		return nil
	}
	primary, err := buildLLM(a.cfg.LLM.Provider, a.cfg.LLM.Model, a.cfg.LLM.APIKey, a.cfg.LLM.BaseURL)
	if err != nil {
		return err
	}
	if len(a.cfg.LLM.Fallbacks) == 0 {
		a.provider = primary
		return nil
	}

	fb := resilience.NewLLMFallback(primary, a.cfg.LLM.Provider, resilience.FallbackConfig{})
	for _, f := range a.cfg.LLM.Fallbacks {
		p, err := buildLLM(f.Provider, f.Model, f.APIKey, f.BaseURL)
		if err != nil {
			return fmt.Errorf("fallback %q: %w", f.Provider, err)
		}
		fb.AddFallback(f.Provider, p)
		slog.Info("llm fallback registered", "provider", f.Provider, "model", f.Model)
	}
	a.provider = fb
	return nil
}

// buildLLM constructs one any-llm backed completion provider.
func buildLLM(provider, model, apiKey, baseURL string) (llm.Provider, error) {
	var opts []anyllmlib.Option
	if apiKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(apiKey))
	}
	if baseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(baseURL))
	}
	return anyllm.New(provider, model, opts...)
}

// buildHandler assembles the route table: /ws, /admin, health probes, and
// the Prometheus scrape endpoint, all behind the tracing middleware.
func (a *App) buildHandler() http.Handler {
	mux := http.NewServeMux()

	a.manager.Register(mux)
	admin.New(a.store, a.index, a.cfg.Auth.AdminAPIKey).Register(mux)

	var checkers []health.Checker
	if p, ok := a.store.(health.Pinger); ok {
		checkers = append(checkers, health.PingChecker("database", p))
	}
	if p, ok := a.index.(health.Pinger); ok {
		checkers = append(checkers, health.PingChecker("retrieval", p))
	}
	health.New(checkers...).Register(mux)

	mux.Handle("GET /metrics", promhttp.Handler())

	return observe.Middleware(observe.DefaultMetrics())(mux)
}

// ─── Run / Shutdown ──────────────────────────────────────────────────────────

// Handler returns the fully wired HTTP handler, for tests that drive the app
// through httptest instead of a real listener.
func (a *App) Handler() http.Handler {
	return a.server.Handler
}

// Run serves HTTP (or HTTPS when TLS is configured) until ctx is cancelled or
// the listener fails. It returns nil on a clean shutdown.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			slog.Info("listening", "addr", a.server.Addr, "tls", true)
			err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			slog.Info("listening", "addr", a.server.Addr, "tls", false)
			err = a.server.ListenAndServe()
		}
		errCh <- err
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// Shutdown tears the application down in order: drain WebSocket sessions,
// cancel background summarisation and wait for it within ctx, stop the HTTP
// listener, then close stores in reverse creation order. Safe to call more
// than once.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		if err := a.manager.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close sessions: %w", err))
		}

		if err := a.engine.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}

		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop listener: %w", err))
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := a.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}
