package rag

import (
	"context"
	"log/slog"
	"strings"

	"github.com/MrWong99/speculo/pkg/provider/llm"
)

const (
	defaultFormatTemperature = 0.3
	defaultFormatMaxTokens   = 150
)

const formatSystemPrompt = `You are a voice formatter. Rewrite the input text for text-to-speech synthesis.
Rules:
1. Remove all Markdown (*, #, [], links).
2. Keep sentences short.
3. Expand abbreviations and units ("AI" becomes "A-I", "200MB" becomes "200 megabytes").
4. Use phonetic spelling for difficult technical terms if needed.
5. Keep the technical facts accurate but explain them simply.
6. Start directly with the answer.

Input: "The **X-200** requires 5V/2A input."
Output: "The X-200 requires five volts and two amps of input."`

// FormatterOption configures a [SpokenFormatter].
type FormatterOption func(*SpokenFormatter)

// WithFormatTemperature sets the sampling temperature. Default: 0.3.
func WithFormatTemperature(t float64) FormatterOption {
	return func(f *SpokenFormatter) { f.temperature = t }
}

// WithFormatMaxTokens caps the spoken answer length. Default: 150.
func WithFormatMaxTokens(n int) FormatterOption {
	return func(f *SpokenFormatter) { f.maxTokens = n }
}

// SpokenFormatter implements [Formatter] with an [llm.Provider].
type SpokenFormatter struct {
	llm         llm.Provider
	temperature float64
	maxTokens   int
}

var _ Formatter = (*SpokenFormatter)(nil)

// NewFormatter returns a [SpokenFormatter] backed by provider.
func NewFormatter(provider llm.Provider, opts ...FormatterOption) *SpokenFormatter {
	f := &SpokenFormatter{
		llm:         provider,
		temperature: defaultFormatTemperature,
		maxTokens:   defaultFormatMaxTokens,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Format implements [Formatter].
func (f *SpokenFormatter) Format(ctx context.Context, text string) string {
	if strings.TrimSpace(text) == "" {
		return text
	}
	resp, err := f.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: formatSystemPrompt,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: text}},
		Temperature:  llm.Temp(f.temperature),
		MaxTokens:    f.maxTokens,
	})
	if err != nil {
		slog.Debug("rag: format failed, using original text", "err", err)
		return text
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		return text
	}
	return strings.TrimSpace(resp.Content)
}
