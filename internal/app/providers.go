package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/speculo/internal/config"
	"github.com/MrWong99/speculo/internal/observe"
	"github.com/MrWong99/speculo/internal/resilience"
	"github.com/MrWong99/speculo/pkg/provider/embeddings"
	ollamaembed "github.com/MrWong99/speculo/pkg/provider/embeddings/ollama"
	oaembed "github.com/MrWong99/speculo/pkg/provider/embeddings/openai"
	"github.com/MrWong99/speculo/pkg/provider/llm"
	"github.com/MrWong99/speculo/pkg/provider/llm/anyllm"
	oallm "github.com/MrWong99/speculo/pkg/provider/llm/openai"
	"github.com/MrWong99/speculo/pkg/provider/rerank"
	"github.com/MrWong99/speculo/pkg/provider/rerank/cosine"
	"github.com/MrWong99/speculo/pkg/provider/rerank/crossencoder"
	"github.com/MrWong99/speculo/pkg/provider/stt"
	"github.com/MrWong99/speculo/pkg/provider/stt/deepgram"
	"github.com/MrWong99/speculo/pkg/provider/tts"
	aura "github.com/MrWong99/speculo/pkg/provider/tts/deepgram"
	"github.com/MrWong99/speculo/pkg/provider/tts/elevenlabs"
)

// ── Provider wiring ───────────────────────────────────────────────────────────

// RegisterBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func RegisterBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	// anthropic, gemini, deepseek, mistral, groq, llamacpp, llamafile all share
	// the same pattern: optional APIKey + optional BaseURL.
	for _, providerName := range []string{
		"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// openai talks to the Chat Completions API directly.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oallm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oallm.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, oallm.WithOrganization(org))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, oallm.WithTimeout(d))
		}
		return oallm.New(entry.APIKey, entry.Model, opts...)
	})

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if d := optDuration(entry.Options, "endpointing"); d > 0 {
			opts = append(opts, deepgram.WithEndpointing(d))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("deepgram", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []aura.Option
		if entry.Model != "" {
			opts = append(opts, aura.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, aura.WithBaseURL(entry.BaseURL))
		}
		if enc := optString(entry.Options, "encoding"); enc != "" {
			opts = append(opts, aura.WithEncoding(enc))
		}
		if n := optInt(entry.Options, "chunk_size"); n > 0 {
			opts = append(opts, aura.WithChunkSize(n))
		}
		return aura.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithEndpoint(entry.BaseURL))
		}
		if outputFmt := optString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		return elevenlabs.New(entry.APIKey, optString(entry.Options, "voice_id"), opts...)
	})

	// ── Embeddings ────────────────────────────────────────────────────────────

	reg.RegisterEmbeddings("openai", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		if n := optInt(entry.Options, "dimensions"); n > 0 {
			opts = append(opts, oaembed.WithDimensions(n))
		}
		return oaembed.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterEmbeddings("ollama", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []ollamaembed.Option
		if n := optInt(entry.Options, "dimensions"); n > 0 {
			opts = append(opts, ollamaembed.WithDimensions(n))
		}
		if p := optString(entry.Options, "query_prefix"); p != "" {
			opts = append(opts, ollamaembed.WithQueryPrefix(p))
		}
		if p := optString(entry.Options, "document_prefix"); p != "" {
			opts = append(opts, ollamaembed.WithDocumentPrefix(p))
		}
		return ollamaembed.New(entry.BaseURL, entry.Model, opts...)
	})

	// ── Rerankers ─────────────────────────────────────────────────────────────

	reg.RegisterReranker("crossencoder", func(entry config.ProviderEntry, _ embeddings.Provider) (rerank.Provider, error) {
		var opts []crossencoder.Option
		if entry.APIKey != "" {
			opts = append(opts, crossencoder.WithAPIKey(entry.APIKey))
		}
		if entry.Model != "" {
			opts = append(opts, crossencoder.WithModel(entry.Model))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, crossencoder.WithTimeout(d))
		}
		return crossencoder.New(entry.BaseURL, opts...)
	})

	reg.RegisterReranker("cosine", func(_ config.ProviderEntry, emb embeddings.Provider) (rerank.Provider, error) {
		return cosine.New(emb)
	})

	// Debug log of all registered providers.
	for kind, names := range config.ValidProviderNames {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// named pairs a created provider with its config name.
type named[T any] struct {
	name string
	p    T
}

// createChain creates the primary provider in entry and its fallbacks. An
// empty entry name yields an empty chain. Unregistered fallbacks are skipped
// with a warning; an unregistered primary is an error.
func createChain[T any](kind string, entry config.ProviderEntry, create func(config.ProviderEntry) (T, error)) ([]named[T], error) {
	if entry.Name == "" {
		return nil, nil
	}
	entries := append([]config.ProviderEntry{entry}, entry.Fallbacks...)
	chain := make([]named[T], 0, len(entries))
	for i, e := range entries {
		p, err := create(e)
		if i > 0 && errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("fallback provider not registered — skipping", "kind", kind, "name", e.Name)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("create %s provider %q: %w", kind, e.Name, err)
		}
		chain = append(chain, named[T]{name: e.Name, p: p})
		slog.Info("provider created", "kind", kind, "name", e.Name, "fallback", i > 0)
	}
	return chain, nil
}

// BuildProviders instantiates all providers named in cfg using the registry
// and returns them in a [Providers] struct for the application to consume.
// Entries with fallbacks are wrapped in circuit-breaking fallback groups
// tuned by providers.breaker; their failures and breaker state changes are
// counted on m.
func BuildProviders(cfg *config.Config, reg *config.Registry, m *observe.Metrics) (*Providers, error) {
	ps := &Providers{}
	b := cfg.Providers.Breaker
	fallbackCfg := func(kind string) resilience.FallbackConfig {
		return resilience.FallbackConfig{
			CircuitBreaker: resilience.CircuitBreakerConfig{
				MaxFailures:  b.MaxFailures,
				ResetTimeout: b.ResetTimeout,
				HalfOpenMax:  b.HalfOpenMax,
				OnStateChange: func(provider string, _, to resilience.State) {
					m.RecordBreakerTransition(context.Background(), provider, kind, to.String())
				},
			},
			OnFailure: func(provider string, err error) {
				m.RecordProviderError(context.Background(), provider, kind)
				slog.Warn("provider call failed", "kind", kind, "provider", provider, "err", err)
			},
		}
	}

	// Embeddings come first: the cosine reranker needs them. Vectors from
	// different models are not comparable, so fallbacks are not supported.
	embChain, err := createChain("embeddings", withoutFallbacks("embeddings", cfg.Providers.Embeddings), reg.CreateEmbeddings)
	if err != nil {
		return nil, err
	}
	if len(embChain) > 0 {
		ps.Embeddings = embChain[0].p
	}

	llmChain, err := createChain("llm", cfg.Providers.LLM, reg.CreateLLM)
	if err != nil {
		return nil, err
	}
	switch len(llmChain) {
	case 0:
	case 1:
		ps.LLM = llmChain[0].p
	default:
		f := resilience.NewLLMFallback(llmChain[0].p, llmChain[0].name, fallbackCfg("llm"))
		for _, c := range llmChain[1:] {
			f.AddFallback(c.name, c.p)
		}
		ps.LLM = f
	}

	sttChain, err := createChain("stt", cfg.Providers.STT, reg.CreateSTT)
	if err != nil {
		return nil, err
	}
	switch len(sttChain) {
	case 0:
	case 1:
		ps.STT = sttChain[0].p
	default:
		f := resilience.NewSTTFallback(sttChain[0].p, sttChain[0].name, fallbackCfg("stt"))
		for _, c := range sttChain[1:] {
			f.AddFallback(c.name, c.p)
		}
		ps.STT = f
	}

	ttsChain, err := createChain("tts", cfg.Providers.TTS, reg.CreateTTS)
	if err != nil {
		return nil, err
	}
	switch len(ttsChain) {
	case 0:
	case 1:
		ps.TTS = ttsChain[0].p
	default:
		f := resilience.NewTTSFallback(ttsChain[0].p, ttsChain[0].name, fallbackCfg("tts"))
		for _, c := range ttsChain[1:] {
			f.AddFallback(c.name, c.p)
		}
		ps.TTS = f
	}

	createReranker := func(e config.ProviderEntry) (rerank.Provider, error) {
		return reg.CreateReranker(e, ps.Embeddings)
	}
	rrChain, err := createChain("reranker", cfg.Providers.Reranker, createReranker)
	if err != nil {
		return nil, err
	}
	switch len(rrChain) {
	case 0:
	case 1:
		ps.Reranker = rrChain[0].p
	default:
		f := resilience.NewRerankFallback(rrChain[0].p, rrChain[0].name, fallbackCfg("reranker"))
		for _, c := range rrChain[1:] {
			f.AddFallback(c.name, c.p)
		}
		ps.Reranker = f
	}

	return ps, nil
}

func withoutFallbacks(kind string, e config.ProviderEntry) config.ProviderEntry {
	if len(e.Fallbacks) > 0 {
		slog.Warn("fallbacks are not supported for this provider kind — ignoring", "kind", kind, "count", len(e.Fallbacks))
		e.Fallbacks = nil
	}
	return e
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optInt extracts an integer option. YAML decodes whole numbers as int.
func optInt(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

// optDuration extracts a duration option written as a Go duration string
// ("300ms") or as whole milliseconds.
func optDuration(opts map[string]any, key string) time.Duration {
	switch v := opts[key].(type) {
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			slog.Warn("invalid duration option", "key", key, "value", v, "err", err)
			return 0
		}
		return d
	case int:
		return time.Duration(v) * time.Millisecond
	}
	return 0
}
