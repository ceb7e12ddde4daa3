package anyllm

import (
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/speculo/pkg/provider/llm"
)

func TestNew_Validation(t *testing.T) {
	if _, err := New("", "m"); err == nil {
		t.Error("expected error for empty provider name")
	}
	if _, err := New("groq", ""); err == nil {
		t.Error("expected error for empty model")
	}
	if _, err := New("not-a-backend", "m", anyllmlib.WithAPIKey("k")); err == nil {
		t.Error("expected error for unsupported backend")
	}
}

func TestBuildParams_SystemPromptFirst(t *testing.T) {
	p := &Provider{model: "llama-3.1-8b-instant"}
	params := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "Rewrite the query.",
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: "what about the fan?"}},
	})
	if params.Model != "llama-3.1-8b-instant" {
		t.Errorf("Model = %q", params.Model)
	}
	if len(params.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(params.Messages))
	}
	if params.Messages[0].Role != anyllmlib.RoleSystem {
		t.Errorf("first role = %q, want system", params.Messages[0].Role)
	}
	if got := params.Messages[1].ContentString(); got != "what about the fan?" {
		t.Errorf("user content = %q", got)
	}
}

func TestBuildParams_ExplicitZeroTemperature(t *testing.T) {
	p := &Provider{model: "m"}
	params := p.buildParams(llm.CompletionRequest{Temperature: llm.Temp(0), MaxTokens: 50})
	if params.Temperature == nil || *params.Temperature != 0 {
		t.Errorf("Temperature = %v, want explicit 0", params.Temperature)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 50 {
		t.Errorf("MaxTokens = %v, want 50", params.MaxTokens)
	}
}

func TestBuildParams_UnsetOptionals(t *testing.T) {
	p := &Provider{model: "m"}
	params := p.buildParams(llm.CompletionRequest{})
	if params.Temperature != nil {
		t.Error("Temperature should be nil when unset")
	}
	if params.MaxTokens != nil {
		t.Error("MaxTokens should be nil when unset")
	}
	if len(params.Messages) != 0 {
		t.Errorf("expected no messages, got %d", len(params.Messages))
	}
}
