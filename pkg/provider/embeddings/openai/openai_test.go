package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestModelDimensions(t *testing.T) {
	tests := map[string]int{
		"text-embedding-3-small": 1536,
		"text-embedding-3-large": 3072,
		"text-embedding-ada-002": 1536,
		"my-custom-embedder":     0,
	}
	for model, want := range tests {
		if got := modelDimensions(model); got != want {
			t.Errorf("modelDimensions(%q) = %d, want %d", model, got, want)
		}
	}
}

func TestNew_DefaultModel(t *testing.T) {
	p, err := New("sk-test", "")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if p.ModelID() != DefaultModel {
		t.Errorf("ModelID() = %q, want %q", p.ModelID(), DefaultModel)
	}
	if p.Dimensions() != 1536 {
		t.Errorf("Dimensions() = %d, want 1536", p.Dimensions())
	}
}

func TestNew_MissingAPIKey(t *testing.T) {
	if _, err := New("", ""); err == nil {
		t.Fatal("expected error for empty api key")
	}
}

func TestNew_WithDimensions(t *testing.T) {
	p, err := New("sk-test", "text-embedding-3-large", WithDimensions(256))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if p.Dimensions() != 256 || !p.truncate {
		t.Errorf("Dimensions() = %d truncate=%v, want 256 true", p.Dimensions(), p.truncate)
	}
}

// embeddingServer answers POST /embeddings with vectors whose first
// component is the input index, in reverse order to exercise index mapping.
func embeddingServer(t *testing.T, gotBody *map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/embeddings") {
			http.NotFound(w, r)
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		*gotBody = body

		n := 1
		if arr, ok := body["input"].([]any); ok {
			n = len(arr)
		}
		var data []string
		for i := n - 1; i >= 0; i-- {
			data = append(data, fmt.Sprintf(`{"object":"embedding","index":%d,"embedding":[%d,0.5]}`, i, i))
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"object":"list","model":"text-embedding-3-small","data":[%s],"usage":{"prompt_tokens":1,"total_tokens":1}}`, strings.Join(data, ","))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestEmbedBatch_OrdersByIndex(t *testing.T) {
	var body map[string]any
	srv := embeddingServer(t, &body)

	p, err := New("sk-test", "", WithBaseURL(srv.URL+"/"), WithDimensions(2))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	vecs, err := p.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("EmbedBatch() error = %v", err)
	}
	if len(vecs) != 3 {
		t.Fatalf("got %d vectors, want 3", len(vecs))
	}
	for i, v := range vecs {
		if v[0] != float32(i) {
			t.Errorf("vecs[%d][0] = %v, want %d", i, v[0], i)
		}
	}
	if d, _ := body["dimensions"].(float64); d != 2 {
		t.Errorf("request dimensions = %v, want 2", body["dimensions"])
	}
}

func TestEmbed_Single(t *testing.T) {
	var body map[string]any
	srv := embeddingServer(t, &body)

	p, _ := New("sk-test", "", WithBaseURL(srv.URL+"/"))
	vec, err := p.Embed(context.Background(), "password policy")
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if len(vec) != 2 || vec[1] != 0.5 {
		t.Errorf("Embed() = %v", vec)
	}
	if _, ok := body["dimensions"]; ok {
		t.Error("dimensions must not be sent unless requested")
	}
}

func TestEmbedBatch_Empty(t *testing.T) {
	p, _ := New("sk-test", "")
	vecs, err := p.EmbedBatch(context.Background(), nil)
	if err != nil || vecs != nil {
		t.Errorf("EmbedBatch(nil) = %v, %v; want nil, nil", vecs, err)
	}
}

func TestFloat64ToFloat32(t *testing.T) {
	got := float64ToFloat32([]float64{0.25, -1})
	if len(got) != 2 || got[0] != 0.25 || got[1] != -1 {
		t.Errorf("float64ToFloat32() = %v", got)
	}
}
