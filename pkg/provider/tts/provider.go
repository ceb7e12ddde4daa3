// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider turns one finished piece of spoken text into encoded audio.
// Synthesize returns the whole clip; SynthesizeStream hands chunks to the
// caller as soon as the backend produces them so playback can begin before
// synthesis completes.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"errors"
)

// ErrNoAudio is returned by Synthesize when the backend finished without
// producing any audio.
var ErrNoAudio = errors.New("tts: no audio produced")

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize renders text and returns the complete audio clip.
	Synthesize(ctx context.Context, text string) ([]byte, error)

	// SynthesizeStream renders text and returns a channel of audio chunks in
	// playback order. The channel is closed when synthesis completes, fails, or
	// ctx is cancelled. A non-nil error is returned only if the stream could not
	// be started. The caller must drain the channel.
	SynthesizeStream(ctx context.Context, text string) (<-chan []byte, error)
}

// Collect drains ch and returns the concatenated audio. If nothing was
// received it returns ctx.Err() when the context ended, and ErrNoAudio
// otherwise.
func Collect(ctx context.Context, ch <-chan []byte) ([]byte, error) {
	var out []byte
	for chunk := range ch {
		out = append(out, chunk...)
	}
	if len(out) == 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNoAudio
	}
	return out, nil
}
