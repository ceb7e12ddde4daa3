// Package app wires all speculo subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context is cancelled, and Shutdown
// tears everything down in order.
//
// For testing, inject doubles via functional options (WithIndex,
// WithMetrics, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/MrWong99/speculo/internal/config"
	"github.com/MrWong99/speculo/internal/health"
	"github.com/MrWong99/speculo/internal/observe"
	"github.com/MrWong99/speculo/internal/rag"
	"github.com/MrWong99/speculo/internal/server"
	"github.com/MrWong99/speculo/internal/session"
	"github.com/MrWong99/speculo/internal/speculative"
	"github.com/MrWong99/speculo/pkg/knowledge"
	"github.com/MrWong99/speculo/pkg/knowledge/memory"
	"github.com/MrWong99/speculo/pkg/knowledge/postgres"
	"github.com/MrWong99/speculo/pkg/provider/embeddings"
	"github.com/MrWong99/speculo/pkg/provider/llm"
	"github.com/MrWong99/speculo/pkg/provider/rerank"
	"github.com/MrWong99/speculo/pkg/provider/rerank/cosine"
	"github.com/MrWong99/speculo/pkg/provider/stt"
	"github.com/MrWong99/speculo/pkg/provider/tts"
)

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	LLM        llm.Provider
	STT        stt.Provider
	TTS        tts.Provider
	Embeddings embeddings.Provider

	// Reranker is optional; New falls back to cosine reranking over
	// Embeddings.
	Reranker rerank.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	metrics   *observe.Metrics
	log       *slog.Logger

	// Subsystems, initialised in New, torn down in Shutdown.
	index     knowledge.Index
	rewriter  rag.Rewriter
	retriever rag.Retriever
	formatter rag.Formatter
	reranker  rerank.Provider
	sessions  *session.Manager
	server    *server.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithIndex injects a knowledge index instead of creating one from config.
// The App does not close an injected index.
func WithIndex(ix knowledge.Index) Option {
	return func(a *App) { a.index = ix }
}

// WithMetrics sets the metrics instance shared by every subsystem.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogger sets the logger shared by every subsystem.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
//
// New performs all initialisation synchronously: knowledge index connection,
// start-up ingestion for the memory backend, answer stage construction, and
// session orchestrator assembly.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.LLM == nil || providers.STT == nil || providers.TTS == nil || providers.Embeddings == nil {
		return nil, errors.New("app: llm, stt, tts and embeddings providers are required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.log == nil {
		a.log = slog.Default()
	}

	// ── 1. Knowledge index ───────────────────────────────────────────────
	if err := a.initIndex(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init knowledge: %w", err)
	}

	// ── 2. Answer stages ─────────────────────────────────────────────────
	if err := a.initStages(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init stages: %w", err)
	}

	// ── 3. Sessions ──────────────────────────────────────────────────────
	orch, err := a.buildOrchestrator(cfg)
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init sessions: %w", err)
	}
	a.sessions = session.NewManager(orch)

	// ── 4. HTTP ──────────────────────────────────────────────────────────
	a.server = server.New(cfg.Server, a.sessions,
		server.WithCheckers(health.Ping("knowledge", a.index)),
		server.WithMetrics(a.metrics),
		server.WithLogger(a.log),
	)

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initIndex connects the configured knowledge backend. The memory backend is
// filled from cfg.Knowledge.Documents.
func (a *App) initIndex(ctx context.Context) error {
	if a.index != nil {
		return nil
	}

	kc := a.cfg.Knowledge
	switch kc.Backend {
	case config.KnowledgePostgres:
		store, err := postgres.NewStore(ctx, kc.PostgresDSN, kc.Collection, kc.EmbeddingDimensions)
		if err != nil {
			return err
		}
		a.index = store
		a.closers = append(a.closers, func() error { store.Close(); return nil })
		n, err := store.Count(ctx)
		if err != nil {
			return fmt.Errorf("count passages: %w", err)
		}
		if n == 0 {
			a.log.Warn("knowledge index is empty; run speculo-ingest first", "collection", kc.Collection)
		}
		a.log.Info("knowledge index connected", "backend", kc.Backend, "collection", kc.Collection, "passages", n)
		return nil

	default:
		ix := memory.New(a.providers.Embeddings.Dimensions())
		a.index = ix
		if len(kc.Documents) == 0 {
			a.log.Warn("memory knowledge index has no documents configured")
			return nil
		}
		docs, err := rag.LoadDocuments(kc.Documents)
		if err != nil {
			return err
		}
		stats, err := rag.NewIngester(a.providers.Embeddings, ix, rag.WithIngestMetrics(a.metrics)).Ingest(ctx, docs)
		if err != nil {
			return fmt.Errorf("ingest documents: %w", err)
		}
		a.log.Info("knowledge index loaded", "backend", config.KnowledgeMemory,
			"documents", stats.Documents, "passages", stats.Passages)
		return nil
	}
}

// initStages builds the rewrite, retrieve, rerank and format stages shared
// by every session.
func (a *App) initStages() error {
	a.rewriter = rag.NewRewriter(a.providers.LLM)
	a.retriever = rag.NewRetriever(a.providers.Embeddings, a.index)
	a.formatter = rag.NewFormatter(a.providers.LLM)

	a.reranker = a.providers.Reranker
	if a.reranker == nil {
		r, err := cosine.New(a.providers.Embeddings)
		if err != nil {
			return err
		}
		a.reranker = r
		a.log.Info("no reranker configured, using cosine similarity")
	}
	return nil
}

// buildOrchestrator assembles a session orchestrator from the speculation
// and session sections of cfg.
func (a *App) buildOrchestrator(cfg *config.Config) (*session.Orchestrator, error) {
	engCfg := EngineConfig(cfg.Speculation)
	newEngine := func() (session.Engine, error) {
		eng, err := speculative.New(a.rewriter, a.retriever, a.reranker,
			speculative.WithConfig(engCfg),
			speculative.WithMetrics(a.metrics),
			speculative.WithLogger(a.log),
		)
		if err != nil {
			return nil, err
		}
		return eng, nil
	}
	return session.New(a.providers.STT, newEngine, a.formatter, a.providers.TTS,
		session.WithConfig(SessionConfig(cfg.Session)),
		session.WithMetrics(a.metrics),
		session.WithLogger(a.log),
	)
}

// EngineConfig converts the speculation config section.
func EngineConfig(c config.SpeculationConfig) speculative.Config {
	return speculative.Config{
		MinWords:           c.MinWords,
		PartialLimit:       c.PartialLimit,
		FinalCandidates:    c.FinalCandidates,
		RerankTopK:         c.RerankTopK,
		CacheCapacity:      c.CacheCapacity,
		HistoryLimit:       c.HistoryLimit,
		MaxInFlight:        c.MaxInFlight,
		CallTimeout:        c.CallTimeout,
		NormalizeKeys:      c.NormalizeKeys,
		UpdateHistoryOnHit: c.HistoryOnHit(),
	}
}

// SessionConfig converts the session config section.
func SessionConfig(c config.SessionConfig) session.Config {
	return session.Config{
		Fillers:        c.Fillers,
		FallbackAnswer: c.FallbackAnswer,
		StageTimeout:   c.StageTimeout,
		StreamAudio:    c.StreamAudio,
		Stream: stt.StreamConfig{
			Encoding:   c.Encoding,
			SampleRate: c.SampleRate,
			Channels:   c.Channels,
			Language:   c.Language,
		},
	}
}

// ─── Runtime ─────────────────────────────────────────────────────────────────

// Run serves HTTP until ctx is cancelled. It returns nil on cancellation.
func (a *App) Run(ctx context.Context) error {
	return a.server.ListenAndServe(ctx)
}

// Handler returns the HTTP handler, for tests and embedding.
func (a *App) Handler() http.Handler { return a.server.Handler() }

// Sessions returns the session manager.
func (a *App) Sessions() *session.Manager { return a.sessions }

// ApplyConfig applies a reloaded config. Speculation and session changes
// take effect for sessions opened afterwards; keys listed in
// d.RestartRequired are only logged.
func (a *App) ApplyConfig(cfg *config.Config, d config.ConfigDiff) error {
	for _, key := range d.RestartRequired {
		a.log.Warn("config change requires restart", "key", key)
	}
	if !d.SpeculationChanged && !d.SessionChanged {
		return nil
	}
	orch, err := a.buildOrchestrator(cfg)
	if err != nil {
		return fmt.Errorf("app: apply config: %w", err)
	}
	a.sessions.SetOrchestrator(orch)
	a.log.Info("session settings reloaded",
		"speculation_changed", d.SpeculationChanged,
		"session_changed", d.SessionChanged,
		"active_sessions", a.sessions.Active(),
	)
	return nil
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown drains readiness, ends every running session, stops the HTTP
// server and then runs the closers. It respects the context deadline: if ctx
// expires before all closers finish, remaining closers are skipped and the
// context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "active_sessions", a.sessions.Active(), "closers", len(a.closers))

		a.server.Drain()
		if err := a.sessions.Shutdown(ctx); err != nil {
			a.log.Warn("sessions did not end before deadline", "err", err)
			shutdownErr = err
		}
		if err := a.server.Shutdown(ctx); err != nil {
			a.log.Warn("http shutdown error", "err", err)
			shutdownErr = errors.Join(shutdownErr, err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = errors.Join(shutdownErr, ctx.Err())
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll runs closers after a failed New.
func (a *App) closeAll() {
	for _, c := range a.closers {
		_ = c()
	}
	a.closers = nil
}
