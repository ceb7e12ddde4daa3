// Package deepgram provides a TTS provider backed by the Deepgram Aura
// text-to-speech REST API. It implements the tts.Provider interface.
package deepgram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/MrWong99/speculo/pkg/provider/tts"
)

const (
	defaultBaseURL   = "https://api.deepgram.com"
	defaultModel     = "aura-asteria-en"
	defaultChunkSize = 8 * 1024
)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithModel sets the Aura voice model (e.g. "aura-asteria-en").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithBaseURL overrides the API base URL.
func WithBaseURL(u string) Option {
	return func(p *Provider) {
		p.baseURL = u
	}
}

// WithEncoding requests a specific audio encoding ("mp3", "linear16", "opus").
// Empty leaves the Deepgram default (mp3).
func WithEncoding(enc string) Option {
	return func(p *Provider) {
		p.encoding = enc
	}
}

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// WithChunkSize sets the size of chunks emitted by SynthesizeStream.
func WithChunkSize(n int) Option {
	return func(p *Provider) {
		if n > 0 {
			p.chunkSize = n
		}
	}
}

// Provider implements tts.Provider using Deepgram Aura.
type Provider struct {
	apiKey     string
	baseURL    string
	model      string
	encoding   string
	chunkSize  int
	httpClient *http.Client
}

var _ tts.Provider = (*Provider)(nil)

// New creates a new Aura Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram tts: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		model:      defaultModel,
		chunkSize:  defaultChunkSize,
		httpClient: &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

type speakRequest struct {
	Text string `json:"text"`
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, text string) ([]byte, error) {
	body, err := p.speak(ctx, text)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	audio, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("deepgram tts: read audio: %w", err)
	}
	if len(audio) == 0 {
		return nil, tts.ErrNoAudio
	}
	return audio, nil
}

// SynthesizeStream implements tts.Provider. The HTTP response body is relayed
// in chunks as it arrives.
func (p *Provider) SynthesizeStream(ctx context.Context, text string) (<-chan []byte, error) {
	body, err := p.speak(ctx, text)
	if err != nil {
		return nil, err
	}

	ch := make(chan []byte, 16)
	go func() {
		defer close(ch)
		defer body.Close()
		for {
			buf := make([]byte, p.chunkSize)
			n, err := io.ReadFull(body, buf)
			if n > 0 {
				select {
				case ch <- buf[:n]:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()
	return ch, nil
}

func (p *Provider) speak(ctx context.Context, text string) (io.ReadCloser, error) {
	if text == "" {
		return nil, errors.New("deepgram tts: text must not be empty")
	}

	u, err := url.Parse(p.baseURL + "/v1/speak")
	if err != nil {
		return nil, fmt.Errorf("deepgram tts: build URL: %w", err)
	}
	q := u.Query()
	q.Set("model", p.model)
	if p.encoding != "" {
		q.Set("encoding", p.encoding)
	}
	u.RawQuery = q.Encode()

	payload, err := json.Marshal(speakRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("deepgram tts: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("deepgram tts: create request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("deepgram tts: http request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("deepgram tts: unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	return resp.Body, nil
}
