// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a real-time transcription service (e.g., Deepgram) and
// exposes a uniform streaming interface. The central abstraction is
// SessionHandle: once opened, a session accepts raw audio chunks and emits a
// single ordered stream of Transcript values. Partials and finals share one
// channel so that a consumer observes them in exactly the order the provider
// produced them.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
)

// ErrSessionClosed is returned by SendAudio after Close.
var ErrSessionClosed = errors.New("stt: session is closed")

// Transcript is one recognition event from an STT provider.
type Transcript struct {
	// Text is the transcribed speech content. May be empty, e.g. for a final
	// that only marks the end of silence.
	Text string

	// IsFinal reports whether the provider has committed to Text. Partials are
	// provisional and may be revised by later events.
	IsFinal bool

	// SpeechFinal reports that the provider detected the end of the utterance.
	SpeechFinal bool

	// Confidence is the overall confidence score (0.0–1.0). Zero if the
	// provider does not report confidence.
	Confidence float64
}

// StreamConfig describes the audio format and recognition hints for a new STT
// session.
type StreamConfig struct {
	// Encoding names a raw audio encoding (e.g. "linear16"). Leave empty when
	// the audio is containerised (webm/opus from a browser) so the provider can
	// detect the format itself.
	Encoding string

	// SampleRate is the audio sample rate in Hz. Only meaningful together with
	// Encoding.
	SampleRate int

	// Channels is the number of audio channels. Zero leaves the provider default.
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "en-US").
	// An empty string uses the provider default.
	Language string
}

// SessionHandle represents an open STT streaming session.
//
// Callers must call Close when the session is no longer needed. All methods
// must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of audio bytes to the provider. Calling
	// SendAudio after Close returns ErrSessionClosed.
	SendAudio(chunk []byte) error

	// Transcripts returns the ordered stream of partial and final transcripts.
	// The channel is closed when the session ends, whether by Close or because
	// the provider hung up.
	Transcripts() <-chan Transcript

	// Close terminates the session and releases all associated resources.
	// Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// StartStream opens a new streaming transcription session. The caller owns
	// the returned SessionHandle and must call Close when done.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
