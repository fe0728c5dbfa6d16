package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"calcbot/internal/domain"
)

func claudeServer(t *testing.T, handler http.HandlerFunc) *Claude {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClaude(ClaudeConfig{
		APIKey:  "test-key",
		APIBase: srv.URL,
		Client:  srv.Client(),
		Logger:  testLogger(),
	})
}

func TestClaude_Chat_PlainText(t *testing.T) {
	p := claudeServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "test-key" {
			t.Error("missing x-api-key header")
		}
		if r.Header.Get("anthropic-version") == "" {
			t.Error("missing anthropic-version header")
		}
		var req claudeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.System != "ты калькулятор" {
			t.Errorf("system prompt not lifted to top level: %q", req.System)
		}
		if req.Temperature == nil || *req.Temperature != 0 {
			t.Errorf("expected pinned temperature 0, got %v", req.Temperature)
		}
		json.NewEncoder(w).Encode(claudeResponse{
			Content:    []claudeBlock{{Type: "text", Text: "5 + 3 = 8"}},
			StopReason: "end_turn",
			Usage:      claudeUsage{InputTokens: 10, OutputTokens: 5},
		})
	})

	resp, err := p.Chat(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{
			{Role: "system", Content: "ты калькулятор"},
			{Role: "user", Content: "сложи 5 и 3"},
		},
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Content != "5 + 3 = 8" {
		t.Fatalf("unexpected content %q", resp.Content)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Fatalf("expected usage 15, got %d", resp.Usage.TotalTokens)
	}
}

func TestClaude_Chat_ToolUseBlockDecoded(t *testing.T) {
	p := claudeServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(claudeResponse{
			Content: []claudeBlock{{
				Type:  "tool_use",
				ID:    "toolu_1",
				Name:  "add",
				Input: map[string]any{"a": 5.0, "b": 3.0},
			}},
			StopReason: "tool_use",
		})
	})

	resp, err := p.Chat(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{{Role: "user", Content: "сложи 5 и 3"}},
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if !resp.HasToolCalls() {
		t.Fatal("expected a tool call")
	}
	tc := resp.ToolCalls[0]
	if tc.ID != "toolu_1" || tc.Name != "add" {
		t.Fatalf("unexpected tool call %+v", tc)
	}
	if tc.Arguments["a"] != 5.0 || tc.Arguments["b"] != 3.0 {
		t.Fatalf("unexpected arguments %v", tc.Arguments)
	}
	if resp.FinishReason != "tool_calls" {
		t.Fatalf("expected tool_calls finish reason, got %q", resp.FinishReason)
	}
}

func TestClaude_Chat_ForwardsToolResultAsBlock(t *testing.T) {
	p := claudeServer(t, func(w http.ResponseWriter, r *http.Request) {
		var raw struct {
			Messages []struct {
				Role    string          `json:"role"`
				Content json.RawMessage `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			t.Errorf("decode request: %v", err)
		}
		var sawResult bool
		for _, m := range raw.Messages {
			if m.Role != "user" {
				continue
			}
			var blocks []claudeBlock
			if json.Unmarshal(m.Content, &blocks) != nil {
				continue
			}
			for _, b := range blocks {
				if b.Type == "tool_result" && b.ToolUseID == "toolu_1" && b.Content == "8" {
					sawResult = true
				}
			}
		}
		if !sawResult {
			t.Error("tool result not forwarded as tool_result block")
		}
		json.NewEncoder(w).Encode(claudeResponse{
			Content:    []claudeBlock{{Type: "text", Text: "5 + 3 = 8"}},
			StopReason: "end_turn",
		})
	})

	_, err := p.Chat(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{
			{Role: "user", Content: "сложи 5 и 3"},
			{Role: "assistant", ToolCalls: []domain.ToolCall{{ID: "toolu_1", Name: "add", Arguments: map[string]any{"a": 5.0, "b": 3.0}}}},
			{Role: "tool", Content: "8", ToolCallID: "toolu_1", ToolName: "add"},
		},
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
}

func TestClaude_Chat_HTTPError(t *testing.T) {
	p := claudeServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": {"message": "invalid request"}}`, http.StatusBadRequest)
	})

	_, err := p.Chat(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{{Role: "user", Content: "hi"}},
	})
	if err == nil {
		t.Fatal("expected error for 400 response")
	}
}

func TestClaude_HealthyRequiresKey(t *testing.T) {
	p := NewClaude(ClaudeConfig{Logger: testLogger()})
	if err := p.Healthy(context.Background()); err == nil {
		t.Fatal("expected error without API key")
	}
}
