// Package mock provides a test double for the tts.Provider interface.
//
// Example:
//
//	p := &mock.Provider{Audio: []byte("RIFF...")}
//	audio, _ := p.Synthesize(ctx, "hello")
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/speculo/pkg/provider/tts"
)

// Call records a single invocation of Synthesize or SynthesizeStream.
type Call struct {
	// Ctx is the context passed to the method.
	Ctx context.Context
	// Text is the text passed to the method.
	Text string
	// Stream is true for SynthesizeStream.
	Stream bool
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Audio is returned by Synthesize.
	Audio []byte

	// Chunks are emitted by SynthesizeStream. If nil, Audio is sent as a single
	// chunk.
	Chunks [][]byte

	// Err, if non-nil, is returned by both methods.
	Err error

	// Calls records every invocation in order.
	Calls []Call
}

// Synthesize records the call and returns Audio, Err.
func (p *Provider) Synthesize(ctx context.Context, text string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = append(p.Calls, Call{Ctx: ctx, Text: text})
	if p.Err != nil {
		return nil, p.Err
	}
	return p.Audio, nil
}

// SynthesizeStream records the call and returns a channel that emits Chunks.
func (p *Provider) SynthesizeStream(ctx context.Context, text string) (<-chan []byte, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, Call{Ctx: ctx, Text: text, Stream: true})
	if p.Err != nil {
		err := p.Err
		p.mu.Unlock()
		return nil, err
	}
	chunks := p.Chunks
	if chunks == nil && p.Audio != nil {
		chunks = [][]byte{p.Audio}
	}
	chunks = append([][]byte(nil), chunks...)
	p.mu.Unlock()

	ch := make(chan []byte, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

// Texts returns the text of every recorded call. Thread-safe.
func (p *Provider) Texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.Calls))
	for i, c := range p.Calls {
		out[i] = c.Text
	}
	return out
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
