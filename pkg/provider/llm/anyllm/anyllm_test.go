package anyllm

import (
	"slices"
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/sparky/pkg/provider/llm"
)

// ── buildParams ───────────────────────────────────────────────────────────────

func TestBuildParams_PromptOnly(t *testing.T) {
	p := &Provider{model: "gpt-4o-mini"}
	got := p.buildParams(llm.CompletionRequest{Prompt: "Hello!"})
	if got.Model != "gpt-4o-mini" {
		t.Errorf("Model = %q", got.Model)
	}
	if len(got.Messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(got.Messages))
	}
	if got.Messages[0].Role != "user" || got.Messages[0].ContentString() != "Hello!" {
		t.Errorf("message = %+v", got.Messages[0])
	}
	if got.Temperature != nil || got.MaxTokens != nil {
		t.Error("expected unset temperature and max tokens")
	}
}

func TestBuildParams_SystemPromptFirst(t *testing.T) {
	p := &Provider{model: "m"}
	got := p.buildParams(llm.CompletionRequest{Prompt: "Hi", SystemPrompt: "Be brief."})
	if len(got.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(got.Messages))
	}
	if got.Messages[0].Role != anyllmlib.RoleSystem || got.Messages[0].ContentString() != "Be brief." {
		t.Errorf("first message = %+v", got.Messages[0])
	}
}

func TestBuildParams_Limits(t *testing.T) {
	p := &Provider{model: "m"}
	got := p.buildParams(llm.CompletionRequest{Prompt: "Hi", Temperature: 0.2, MaxTokens: 16})
	if got.Temperature == nil || *got.Temperature != 0.2 {
		t.Errorf("Temperature = %v", got.Temperature)
	}
	if got.MaxTokens == nil || *got.MaxTokens != 16 {
		t.Errorf("MaxTokens = %v", got.MaxTokens)
	}
}

// ── Constructor ───────────────────────────────────────────────────────────────

func TestNew_EmptyVendor(t *testing.T) {
	if _, err := New("", "gpt-4o"); err == nil {
		t.Fatal("expected error for empty vendor")
	}
}

func TestNew_EmptyModel(t *testing.T) {
	if _, err := New("openai", ""); err == nil {
		t.Fatal("expected error for empty model")
	}
}

func TestNew_UnsupportedVendor(t *testing.T) {
	if _, err := New("fakecloud", "some-model", anyllmlib.WithAPIKey("dummy")); err == nil {
		t.Fatal("expected error for unsupported vendor")
	}
}

func TestNew_OpenAI_MissingAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	if _, err := New("openai", "gpt-4o"); err == nil {
		t.Fatal("expected error for missing API key")
	}
}

func TestNew_VendorNames(t *testing.T) {
	tests := []struct {
		vendor   string
		opts     []anyllmlib.Option
		wantName string
	}{
		{"openai", []anyllmlib.Option{anyllmlib.WithAPIKey("sk-test")}, "anyllm/openai"},
		{"anthropic", []anyllmlib.Option{anyllmlib.WithAPIKey("sk-ant-test")}, "anyllm/anthropic"},
		{"ollama", nil, "anyllm/ollama"},
		{"llamacpp", nil, "anyllm/llamacpp"},
		{" Ollama ", nil, "anyllm/ollama"},
	}
	for _, tt := range tests {
		t.Run(tt.vendor, func(t *testing.T) {
			p, err := New(tt.vendor, "some-model", tt.opts...)
			if err != nil {
				t.Fatalf("New(%q): %v", tt.vendor, err)
			}
			if p.Name() != tt.wantName {
				t.Errorf("Name() = %q, want %q", p.Name(), tt.wantName)
			}
			if p.Model() != "some-model" {
				t.Errorf("Model() = %q", p.Model())
			}
		})
	}
}

func TestVendors(t *testing.T) {
	got := Vendors()
	if len(got) != 9 {
		t.Fatalf("Vendors() = %v", got)
	}
	if !slices.IsSorted(got) || !slices.Contains(got, "gemini") {
		t.Errorf("Vendors() = %v, want sorted and including gemini", got)
	}
}

func TestComplete_BlankPrompt(t *testing.T) {
	p, err := New("ollama", "llama3")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Complete(t.Context(), llm.CompletionRequest{Prompt: " "}); err == nil {
		t.Fatal("expected error for blank prompt")
	}
}
