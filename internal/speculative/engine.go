// Package speculative runs retrieval on partial transcripts while the user is
// still speaking and reconciles that work against the final transcript.
//
// An [Engine] belongs to exactly one voice session. Partials that reach a
// minimum length are rewritten and retrieved in the background; the result is
// cached under the partial's key. When the final transcript arrives,
// [Engine.GetFinalResult] returns the cached result if one exists for the
// identical key, and otherwise runs the full rewrite → retrieve → rerank
// pipeline. Speculation is best-effort: failures are logged and counted,
// never surfaced.
package speculative

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/speculo/internal/observe"
	"github.com/MrWong99/speculo/internal/rag"
	"github.com/MrWong99/speculo/pkg/provider/rerank"
)

// ErrClosed is returned by [Engine.GetFinalResult] after [Engine.Close] or
// [Engine.Drain].
var ErrClosed = errors.New("speculative: engine closed")

// Defaults applied by [New] to zero-valued [Config] fields.
const (
	DefaultMinWords        = 4
	DefaultPartialLimit    = 3
	DefaultFinalCandidates = 10
	DefaultRerankTopK      = 3
	DefaultCacheCapacity   = 64
	DefaultHistoryLimit    = 20
	DefaultMaxInFlight     = 8
	DefaultCallTimeout     = 5 * time.Second
)

// Config tunes an [Engine].
type Config struct {
	// MinWords is the word count below which partials are ignored.
	MinWords int

	// PartialLimit is the number of passages retrieved per speculation.
	PartialLimit int

	// FinalCandidates is the number of passages retrieved on a cache miss.
	FinalCandidates int

	// RerankTopK is the number of passages kept after reranking a miss.
	RerankTopK int

	// CacheCapacity bounds the speculation cache; the least recently used
	// entry is evicted first.
	CacheCapacity int

	// HistoryLimit bounds the conversation history.
	HistoryLimit int

	// MaxInFlight bounds concurrent background speculations.
	MaxInFlight int

	// CallTimeout bounds each collaborator call. Negative disables it.
	CallTimeout time.Duration

	// NormalizeKeys selects [NormalizedKey] instead of [ExactKey].
	NormalizeKeys bool

	// UpdateHistoryOnHit appends finals served from the cache to the
	// history too. When false only cache misses extend the history.
	UpdateHistoryOnHit bool
}

// DefaultConfig returns the defaults, with UpdateHistoryOnHit enabled.
func DefaultConfig() Config {
	return Config{
		MinWords:           DefaultMinWords,
		PartialLimit:       DefaultPartialLimit,
		FinalCandidates:    DefaultFinalCandidates,
		RerankTopK:         DefaultRerankTopK,
		CacheCapacity:      DefaultCacheCapacity,
		HistoryLimit:       DefaultHistoryLimit,
		MaxInFlight:        DefaultMaxInFlight,
		CallTimeout:        DefaultCallTimeout,
		UpdateHistoryOnHit: true,
	}
}

func (c *Config) fill() {
	d := DefaultConfig()
	if c.MinWords <= 0 {
		c.MinWords = d.MinWords
	}
	if c.PartialLimit <= 0 {
		c.PartialLimit = d.PartialLimit
	}
	if c.FinalCandidates <= 0 {
		c.FinalCandidates = d.FinalCandidates
	}
	if c.RerankTopK <= 0 {
		c.RerankTopK = d.RerankTopK
	}
	if c.CacheCapacity <= 0 {
		c.CacheCapacity = d.CacheCapacity
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = d.HistoryLimit
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = d.MaxInFlight
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = d.CallTimeout
	}
}

// Entry is one cached speculation. Entries are never mutated; a newer
// speculation under the same key replaces the whole entry.
type Entry struct {
	Key       string
	Rewritten string
	Results   []string
}

// AnswerResult is the retrieval outcome for a final transcript.
type AnswerResult struct {
	Rewritten string
	Passages  []string

	// Cached reports that the result came from a speculation.
	Cached bool
}

// Option configures an [Engine].
type Option func(*Engine)

// WithConfig sets the engine configuration. Zero fields take defaults.
func WithConfig(cfg Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// Engine is the per-session speculation cache and answer pipeline.
// All exported methods are goroutine-safe.
type Engine struct {
	cfg     Config
	key     KeyFunc
	metrics *observe.Metrics
	log     *slog.Logger

	rewriter  rag.Rewriter
	retriever rag.Retriever
	reranker  rerank.Provider

	cache   *lru.Cache[string, Entry]
	history *history
	flight  singleflight.Group

	// tasks supervises background speculations; ctx is cancelled by Close.
	tasks  errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

// New returns an Engine wired to the given collaborators.
func New(rewriter rag.Rewriter, retriever rag.Retriever, reranker rerank.Provider, opts ...Option) (*Engine, error) {
	if rewriter == nil || retriever == nil || reranker == nil {
		return nil, errors.New("speculative: rewriter, retriever and reranker are required")
	}
	e := &Engine{
		cfg:       DefaultConfig(),
		rewriter:  rewriter,
		retriever: retriever,
		reranker:  reranker,
	}
	for _, o := range opts {
		o(e)
	}
	e.cfg.fill()
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	e.key = ExactKey
	if e.cfg.NormalizeKeys {
		e.key = NormalizedKey
	}

	cache, err := lru.New[string, Entry](e.cfg.CacheCapacity)
	if err != nil {
		return nil, fmt.Errorf("speculative: create cache: %w", err)
	}
	e.cache = cache
	e.history = newHistory(e.cfg.HistoryLimit)
	e.tasks.SetLimit(e.cfg.MaxInFlight)
	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e, nil
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// Speculate launches [Engine.ProcessPartial] in the background and reports
// whether it was started. It never blocks: when MaxInFlight speculations are
// already running, or the engine is closed, the partial is dropped.
func (e *Engine) Speculate(text string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return false
	}
	if wordCount(text) < e.cfg.MinWords {
		e.metrics.RecordSpeculation(e.ctx, observe.SpeculationSkipped)
		return false
	}
	started := e.tasks.TryGo(func() error {
		e.ProcessPartial(e.ctx, text)
		return nil
	})
	if !started {
		e.metrics.RecordSpeculation(e.ctx, observe.SpeculationDropped)
		e.log.Debug("speculative: pool saturated, partial dropped", "text", text)
	}
	return started
}

// ProcessPartial rewrites and retrieves for a partial transcript and caches
// the result under its key. Partials shorter than MinWords, or whose key is
// already cached, cause no collaborator calls. Concurrent calls for the same
// key share one execution. Failures and panics are logged and swallowed.
func (e *Engine) ProcessPartial(ctx context.Context, text string) {
	if wordCount(text) < e.cfg.MinWords || e.ctx.Err() != nil {
		return
	}
	key := e.key(text)
	if e.cache.Contains(key) {
		e.metrics.RecordSpeculation(ctx, observe.SpeculationSkipped)
		return
	}

	_, err, shared := e.flight.Do(key, func() (v any, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("speculative: panic: %v", r)
			}
		}()
		return nil, e.speculate(ctx, key, text)
	})
	switch {
	case err != nil:
		e.metrics.RecordSpeculation(ctx, observe.SpeculationFailed)
		e.log.Debug("speculative: speculation failed", "text", text, "err", err)
	case shared:
		e.metrics.RecordSpeculation(ctx, observe.SpeculationShared)
	default:
		e.metrics.RecordSpeculation(ctx, observe.SpeculationCached)
	}
}

func (e *Engine) speculate(ctx context.Context, key, text string) error {
	rewritten := e.rewrite(ctx, text, e.history.snapshot())
	results, err := e.retrieve(ctx, rewritten, e.cfg.PartialLimit)
	if err != nil {
		return err
	}
	if e.ctx.Err() != nil {
		return nil
	}
	e.cache.Add(key, Entry{Key: key, Rewritten: rewritten, Results: results})
	return nil
}

// GetFinalResult answers a final transcript. A cached speculation under the
// identical key is returned unchanged. Otherwise the text is rewritten,
// FinalCandidates passages are retrieved and reranked down to RerankTopK,
// and the text is appended to the history. Retrieval and rerank errors are
// returned wrapped.
func (e *Engine) GetFinalResult(ctx context.Context, text string) (AnswerResult, error) {
	if e.isClosed() {
		return AnswerResult{}, ErrClosed
	}

	if entry, ok := e.cache.Get(e.key(text)); ok {
		e.metrics.RecordCacheLookup(ctx, true)
		if e.cfg.UpdateHistoryOnHit {
			e.history.append(text)
		}
		return AnswerResult{
			Rewritten: entry.Rewritten,
			Passages:  append([]string{}, entry.Results...),
			Cached:    true,
		}, nil
	}
	e.metrics.RecordCacheLookup(ctx, false)

	rewritten := e.rewrite(ctx, text, e.history.snapshot())
	candidates, err := e.retrieve(ctx, rewritten, e.cfg.FinalCandidates)
	if err != nil {
		return AnswerResult{}, err
	}
	passages, err := e.rerank(ctx, rewritten, candidates)
	if err != nil {
		return AnswerResult{}, err
	}
	e.history.append(text)
	return AnswerResult{Rewritten: rewritten, Passages: passages}, nil
}

// History returns a copy of the conversation history, oldest first.
func (e *Engine) History() []string { return e.history.snapshot() }

// Cached returns the speculation cached for text, if any, without touching
// its recency.
func (e *Engine) Cached(text string) (Entry, bool) {
	return e.cache.Peek(e.key(text))
}

// Len returns the number of cached speculations.
func (e *Engine) Len() int { return e.cache.Len() }

// Close stops accepting speculations, cancels those in flight and drops the
// cache. It does not wait. Close is idempotent.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.cancel()
	e.cache.Purge()
}

// Drain stops accepting speculations and waits for those in flight to finish
// or for ctx to end. Call [Engine.Close] afterwards to release the engine.
func (e *Engine) Drain(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = e.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) isClosed() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.closed
}

func (e *Engine) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.CallTimeout > 0 {
		return context.WithTimeout(ctx, e.cfg.CallTimeout)
	}
	return context.WithCancel(ctx)
}

func (e *Engine) rewrite(ctx context.Context, text string, hist []string) string {
	ctx, cancel := e.callCtx(ctx)
	defer cancel()
	ctx, done := observe.Stage(ctx, "speculative.rewrite", e.metrics.RewriteDuration)
	out := e.rewriter.Rewrite(ctx, text, hist)
	done(nil)
	return out
}

func (e *Engine) retrieve(ctx context.Context, query string, limit int) ([]string, error) {
	ctx, cancel := e.callCtx(ctx)
	defer cancel()
	ctx, done := observe.Stage(ctx, "speculative.retrieve", e.metrics.RetrieveDuration)
	results, err := e.retriever.Search(ctx, query, limit)
	done(err)
	if err != nil {
		return nil, fmt.Errorf("speculative: retrieve: %w", err)
	}
	return results, nil
}

func (e *Engine) rerank(ctx context.Context, query string, docs []string) ([]string, error) {
	ctx, cancel := e.callCtx(ctx)
	defer cancel()
	ctx, done := observe.Stage(ctx, "speculative.rerank", e.metrics.RerankDuration)
	out, err := e.reranker.Rerank(ctx, query, docs, e.cfg.RerankTopK)
	done(err)
	if err != nil {
		return nil, fmt.Errorf("speculative: rerank: %w", err)
	}
	return out, nil
}
