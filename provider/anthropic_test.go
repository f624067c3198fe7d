package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

const anthropicReply = `{
	"id": "msg_123",
	"type": "message",
	"role": "assistant",
	"model": "claude-sonnet-4-5",
	"content": [{"type": "text", "text": "{\"decision\":\"accept\"}"}],
	"stop_reason": "end_turn",
	"usage": {"input_tokens": 15, "output_tokens": 8}
}`

type capturedRequest struct {
	Model     string `json:"model"`
	MaxTokens int    `json:"max_tokens"`
	System    []struct {
		Text string `json:"text"`
	} `json:"system"`
	Messages []struct {
		Role string `json:"role"`
	} `json:"messages"`
}

func TestAnthropicChat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/v1/messages") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("X-Api-Key") != "test-key" {
			t.Errorf("expected x-api-key=test-key, got %s", r.Header.Get("X-Api-Key"))
		}
		if r.Header.Get("Anthropic-Version") == "" {
			t.Error("expected an anthropic-version header")
		}

		var req capturedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Model != "claude-sonnet-4-5" {
			t.Errorf("expected default model, got %s", req.Model)
		}
		if req.MaxTokens != defaultAnthropicMaxTokens {
			t.Errorf("expected max_tokens %d, got %d", defaultAnthropicMaxTokens, req.MaxTokens)
		}
		if len(req.System) != 1 || req.System[0].Text != "You are a guide." {
			t.Errorf("expected system prompt, got %+v", req.System)
		}
		if len(req.Messages) != 2 || req.Messages[0].Role != "user" || req.Messages[1].Role != "assistant" {
			t.Errorf("unexpected messages %+v", req.Messages)
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(anthropicReply))
	}))
	defer server.Close()

	p := NewAnthropicProvider(AnthropicConfig{
		APIKey:  "test-key",
		BaseURL: server.URL,
	})
	if p.Name() != "anthropic" {
		t.Errorf("expected name anthropic, got %s", p.Name())
	}

	resp, err := p.Chat(context.Background(), []Message{
		{Role: RoleSystem, Content: "You are a guide."},
		{Role: RoleUser, Content: "Should I accept?"},
		{Role: RoleAssistant, Content: "Let me think."},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != `{"decision":"accept"}` {
		t.Errorf("unexpected content %q", resp.Content)
	}
	if resp.Usage.InputTokens != 15 || resp.Usage.OutputTokens != 8 {
		t.Errorf("unexpected usage %+v", resp.Usage)
	}
}

func TestAnthropicChat_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"invalid_request_error","message":"bad"}}`))
	}))
	defer server.Close()

	p := NewAnthropicProvider(AnthropicConfig{APIKey: "k", BaseURL: server.URL})
	if _, err := p.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}); err == nil {
		t.Fatal("expected an error")
	}
}

func TestAnthropicChat_NeedsUserMessage(t *testing.T) {
	p := NewAnthropicProvider(AnthropicConfig{APIKey: "k", BaseURL: "http://127.0.0.1:1"})
	if _, err := p.Chat(context.Background(), []Message{{Role: RoleSystem, Content: "only system"}}); err == nil {
		t.Fatal("expected an error")
	}
}
