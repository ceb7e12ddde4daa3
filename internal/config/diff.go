package config

import "reflect"

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SpeculationChanged and SessionChanged are picked up by sessions opened
	// after the reload; live sessions keep the settings they started with.
	SpeculationChanged bool
	SessionChanged     bool

	// RestartRequired lists the top-level keys that changed but only take
	// effect after a restart (e.g. "server.listen_addr", "providers.llm").
	RestartRequired []string
}

// Changed reports whether d contains any change at all.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.SpeculationChanged || d.SessionChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.SpeculationChanged = !reflect.DeepEqual(old.Speculation, new.Speculation)
	d.SessionChanged = !reflect.DeepEqual(old.Session, new.Session)

	restart := []struct {
		key      string
		old, new any
	}{
		{"server.listen_addr", old.Server.ListenAddr, new.Server.ListenAddr},
		{"server.static_dir", old.Server.StaticDir, new.Server.StaticDir},
		{"server.allowed_origins", old.Server.AllowedOrigins, new.Server.AllowedOrigins},
		{"server.shutdown_timeout", old.Server.ShutdownTimeout, new.Server.ShutdownTimeout},
		{"server.tls", old.Server.TLS, new.Server.TLS},
		{"providers.llm", old.Providers.LLM, new.Providers.LLM},
		{"providers.stt", old.Providers.STT, new.Providers.STT},
		{"providers.tts", old.Providers.TTS, new.Providers.TTS},
		{"providers.embeddings", old.Providers.Embeddings, new.Providers.Embeddings},
		{"providers.reranker", old.Providers.Reranker, new.Providers.Reranker},
		{"providers.breaker", old.Providers.Breaker, new.Providers.Breaker},
		{"knowledge", old.Knowledge, new.Knowledge},
	}
	for _, r := range restart {
		if !reflect.DeepEqual(r.old, r.new) {
			d.RestartRequired = append(d.RestartRequired, r.key)
		}
	}

	return d
}
