package openai

import (
	"testing"

	"github.com/MrWong99/speculo/pkg/provider/llm"
)

// TestConvertMessage_System checks that system role is converted correctly.
func TestConvertMessage_System(t *testing.T) {
	param, err := convertMessage(llm.Message{Role: llm.RoleSystem, Content: "You are helpful."})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if param.OfSystem == nil {
		t.Fatal("expected OfSystem to be set")
	}
}

func TestConvertMessage_User(t *testing.T) {
	param, err := convertMessage(llm.Message{Role: llm.RoleUser, Content: "Hello!"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if param.OfUser == nil {
		t.Fatal("expected OfUser to be set")
	}
}

func TestConvertMessage_Assistant(t *testing.T) {
	param, err := convertMessage(llm.Message{Role: llm.RoleAssistant, Content: "Hi there!"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if param.OfAssistant == nil {
		t.Fatal("expected OfAssistant to be set")
	}
}

// TestConvertMessage_UnknownRole checks that unknown roles return an error.
func TestConvertMessage_UnknownRole(t *testing.T) {
	if _, err := convertMessage(llm.Message{Role: "tool", Content: "x"}); err == nil {
		t.Fatal("expected error for unknown role, got nil")
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New("", "gpt-4o-mini"); err == nil {
		t.Error("expected error for empty api key")
	}
	if _, err := New("sk-test", ""); err == nil {
		t.Error("expected error for empty model")
	}
}

func TestBuildParams(t *testing.T) {
	p, err := New("sk-test", "gpt-4o-mini", WithBaseURL("http://localhost:1"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if p.Model() != "gpt-4o-mini" {
		t.Errorf("Model() = %q", p.Model())
	}
	params, err := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "sys",
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: "q"}},
		Temperature:  llm.Temp(0.3),
		MaxTokens:    150,
	})
	if err != nil {
		t.Fatalf("buildParams() error = %v", err)
	}
	if len(params.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(params.Messages))
	}
	if params.Messages[0].OfSystem == nil {
		t.Error("expected system message first")
	}
	if !params.Temperature.Valid() || params.Temperature.Value != 0.3 {
		t.Errorf("Temperature = %+v, want 0.3", params.Temperature)
	}
	if !params.MaxCompletionTokens.Valid() || params.MaxCompletionTokens.Value != 150 {
		t.Errorf("MaxCompletionTokens = %+v, want 150", params.MaxCompletionTokens)
	}
}

func TestBuildParams_RejectsUnknownRole(t *testing.T) {
	p := &Provider{model: "m"}
	if _, err := p.buildParams(llm.CompletionRequest{Messages: []llm.Message{{Role: "bogus"}}}); err == nil {
		t.Fatal("expected error")
	}
}
