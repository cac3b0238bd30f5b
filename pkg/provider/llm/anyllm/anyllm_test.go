package anyllm

import (
	"strings"
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/thingenious/eva/pkg/provider/llm"
)

func TestNew(t *testing.T) {
	t.Run("empty provider name", func(t *testing.T) {
		_, err := New("", "gpt-4o-mini")
		if err == nil {
			t.Fatal("expected error for empty provider name")
		}
	})

	t.Run("empty model", func(t *testing.T) {
		_, err := New("openai", "")
		if err == nil {
			t.Fatal("expected error for empty model")
		}
	})

	t.Run("unsupported provider", func(t *testing.T) {
		_, err := New("watson", "model-x")
		if err == nil {
			t.Fatal("expected error for unsupported provider")
		}
		if !strings.Contains(err.Error(), "watson") {
			t.Errorf("error should name the provider, got %v", err)
		}
	})

	t.Run("openai backend", func(t *testing.T) {
		p, err := New("openai", "gpt-4o-mini", anyllmlib.WithAPIKey("test-key"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if p.model != "gpt-4o-mini" {
			t.Errorf("model = %q, want gpt-4o-mini", p.model)
		}
	})

	t.Run("anthropic backend", func(t *testing.T) {
		if _, err := NewAnthropic("claude-3-5-sonnet-latest", anyllmlib.WithAPIKey("test-key")); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}

func TestBuildParams(t *testing.T) {
	p := &Provider{model: "gpt-4o-mini"}

	t.Run("system prompt becomes leading system message", func(t *testing.T) {
		params := p.buildParams(llm.CompletionRequest{
			SystemPrompt: "You are helpful.",
			Messages: []llm.Message{
				{Role: "user", Content: "Hi"},
			},
		})
		if len(params.Messages) != 2 {
			t.Fatalf("expected 2 messages, got %d", len(params.Messages))
		}
		if params.Messages[0].Role != anyllmlib.RoleSystem {
			t.Errorf("first role = %q, want system", params.Messages[0].Role)
		}
		if params.Messages[1].Content != "Hi" {
			t.Errorf("second content = %q, want Hi", params.Messages[1].Content)
		}
	})

	t.Run("zero temperature and tokens left as provider defaults", func(t *testing.T) {
		params := p.buildParams(llm.CompletionRequest{
			Messages: []llm.Message{{Role: "user", Content: "Hi"}},
		})
		if params.Temperature != nil {
			t.Error("temperature should be nil for zero value")
		}
		if params.MaxTokens != nil {
			t.Error("max tokens should be nil for zero value")
		}
	})

	t.Run("explicit generation parameters", func(t *testing.T) {
		params := p.buildParams(llm.CompletionRequest{
			Messages:    []llm.Message{{Role: "user", Content: "Hi"}},
			Temperature: 0.3,
			MaxTokens:   4096,
		})
		if params.Temperature == nil || *params.Temperature != 0.3 {
			t.Errorf("temperature = %v, want 0.3", params.Temperature)
		}
		if params.MaxTokens == nil || *params.MaxTokens != 4096 {
			t.Errorf("max tokens = %v, want 4096", params.MaxTokens)
		}
		if params.Model != "gpt-4o-mini" {
			t.Errorf("model = %q, want gpt-4o-mini", params.Model)
		}
	})
}
