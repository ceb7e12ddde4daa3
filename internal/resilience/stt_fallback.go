package resilience

import (
	"context"
	"log/slog"

	"github.com/MrWong99/speculo/pkg/provider/stt"
)

// STTFallback opens a session's recogniser stream on the first healthy
// backend. Failover covers stream start-up only: a live session stays on the
// backend that accepted it until the session ends.
type STTFallback struct {
	group *FallbackGroup[stt.Provider]
}

var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback returns an [STTFallback] preferring primary.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback appends a backend tried after those already registered.
func (f *STTFallback) AddFallback(name string, provider stt.Provider) {
	f.group.AddFallback(name, provider)
}

// StartStream opens a stream for one session. A stream that comes up after
// ctx has ended is closed again and ctx's error returned, so a client that
// hung up during the handshake leaves no recogniser connection behind.
func (f *STTFallback) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	handle, name, err := run(f.group, func(p stt.Provider) (stt.SessionHandle, error) {
		return p.StartStream(ctx, cfg)
	})
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		_ = handle.Close()
		return nil, err
	}
	if names := f.group.Names(); name != names[0] {
		slog.Warn("speech recognition running on fallback", "provider", name, "primary", names[0])
	}
	return handle, nil
}
