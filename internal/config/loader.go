package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt":        {"deepgram"},
	"tts":        {"deepgram", "elevenlabs"},
	"embeddings": {"openai", "ollama"},
	"reranker":   {"crossencoder", "cosine"},
}

// envRef matches ${NAME} references. Bare $NAME is left alone so that
// literal dollar signs in prompts and DSNs survive.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands ${VAR} references from
// the environment, applies defaults, and validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	data = ExpandEnv(data)

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ExpandEnv replaces ${NAME} references in data with the value of the
// environment variable NAME. Unset variables expand to the empty string and
// are logged at warn level.
func ExpandEnv(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(m []byte) []byte {
		name := string(envRef.FindSubmatch(m)[1])
		v, ok := os.LookupEnv(name)
		if !ok {
			slog.Warn("config references unset environment variable", "name", name)
		}
		return []byte(v)
	})
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, errors.New("server.shutdown_timeout must not be negative"))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Providers
	providers := []struct {
		kind  string
		entry ProviderEntry
	}{
		{"llm", cfg.Providers.LLM},
		{"stt", cfg.Providers.STT},
		{"tts", cfg.Providers.TTS},
		{"embeddings", cfg.Providers.Embeddings},
		{"reranker", cfg.Providers.Reranker},
	}
	for _, p := range providers {
		errs = append(errs, validateEntry(p.kind, p.entry)...)
	}
	if b := cfg.Providers.Breaker; b.MaxFailures < 0 || b.ResetTimeout < 0 || b.HalfOpenMax < 0 {
		errs = append(errs, errors.New("providers.breaker values must not be negative"))
	}
	if cfg.Providers.Reranker.Name == "" && cfg.Providers.Embeddings.Name != "" {
		slog.Debug("providers.reranker is not set; falling back to embedding cosine reranking")
	}

	// Knowledge
	k := cfg.Knowledge
	if k.Backend != "" && !k.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("knowledge.backend %q is invalid; valid values: memory, postgres", k.Backend))
	}
	if k.Backend == KnowledgePostgres && k.PostgresDSN == "" {
		errs = append(errs, errors.New("knowledge.postgres_dsn is required when backend is postgres"))
	}
	if k.EmbeddingDimensions < 0 {
		errs = append(errs, fmt.Errorf("knowledge.embedding_dimensions %d must not be negative", k.EmbeddingDimensions))
	}
	if k.Backend == KnowledgePostgres && len(k.Documents) > 0 {
		slog.Warn("knowledge.documents is ignored by the postgres backend; use speculo-ingest")
	}

	// Speculation
	s := cfg.Speculation
	for name, v := range map[string]int{
		"min_words":        s.MinWords,
		"partial_limit":    s.PartialLimit,
		"final_candidates": s.FinalCandidates,
		"rerank_top_k":     s.RerankTopK,
		"cache_capacity":   s.CacheCapacity,
		"history_limit":    s.HistoryLimit,
		"max_in_flight":    s.MaxInFlight,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("speculation.%s %d must not be negative", name, v))
		}
	}
	if s.FinalCandidates > 0 && s.RerankTopK > s.FinalCandidates {
		errs = append(errs, fmt.Errorf("speculation.rerank_top_k %d exceeds final_candidates %d", s.RerankTopK, s.FinalCandidates))
	}
	if s.CallTimeout < 0 {
		errs = append(errs, errors.New("speculation.call_timeout must not be negative"))
	}

	// Session
	if cfg.Session.StageTimeout < 0 {
		errs = append(errs, errors.New("session.stage_timeout must not be negative"))
	}
	if cfg.Session.SampleRate < 0 || cfg.Session.Channels < 0 {
		errs = append(errs, errors.New("session.sample_rate and session.channels must not be negative"))
	}
	if cfg.Session.Encoding != "" && cfg.Session.SampleRate == 0 {
		errs = append(errs, fmt.Errorf("session.sample_rate is required for raw encoding %q", cfg.Session.Encoding))
	}
	for i, f := range cfg.Session.Fillers {
		if f == "" {
			errs = append(errs, fmt.Errorf("session.fillers[%d] must not be empty", i))
		}
	}

	return errors.Join(errs...)
}

// validateEntry checks one provider entry and its fallbacks.
func validateEntry(kind string, e ProviderEntry) []error {
	var errs []error
	validateProviderName(kind, e.Name)
	if e.Name == "" && len(e.Fallbacks) > 0 {
		errs = append(errs, fmt.Errorf("providers.%s.fallbacks requires providers.%s.name", kind, kind))
	}
	for i, fb := range e.Fallbacks {
		prefix := fmt.Sprintf("providers.%s.fallbacks[%d]", kind, i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		if len(fb.Fallbacks) > 0 {
			errs = append(errs, fmt.Errorf("%s must not declare nested fallbacks", prefix))
		}
		validateProviderName(kind, fb.Name)
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
