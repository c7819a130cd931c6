package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/chatforge/gateway/internal/domain"
)

func testAdapter(url string) *Adapter {
	a := New("test-key")
	a.baseURL = url
	return a
}

func chatReq() domain.ChatRequest {
	return domain.ChatRequest{
		Agent: domain.AgentConfig{
			Provider:     domain.ProviderAnthropic,
			Model:        "claude-3-5-sonnet-20241022",
			Temperature:  0.5,
			SystemPrompt: "be brief",
		},
		Messages: []domain.Message{{Role: "user", Content: "hi"}},
	}
}

func successBody() map[string]any {
	return map[string]any{
		"content":     []map[string]any{{"type": "text", "text": "hello"}},
		"stop_reason": "end_turn",
		"usage":       map[string]any{"input_tokens": 8, "output_tokens": 3},
	}
}

func TestChat_Success(t *testing.T) {
	var captured messagesRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("x-api-key"); got != "test-key" {
			t.Errorf("x-api-key = %q", got)
		}
		if got := r.Header.Get("anthropic-version"); got != anthropicVersion {
			t.Errorf("anthropic-version = %q", got)
		}
		json.NewDecoder(r.Body).Decode(&captured)
		json.NewEncoder(w).Encode(successBody())
	}))
	defer srv.Close()

	resp, err := testAdapter(srv.URL).Chat(context.Background(), chatReq())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "hello" {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.Metadata.PromptTokens != 8 || resp.Metadata.CompletionTokens != 3 {
		t.Errorf("usage = %d/%d, want 8/3", resp.Metadata.PromptTokens, resp.Metadata.CompletionTokens)
	}

	// System content travels as the top-level field, never as a message.
	if !strings.HasPrefix(captured.System, "be brief") {
		t.Errorf("system = %q", captured.System)
	}
	for _, m := range captured.Messages {
		if m.Role == "system" {
			t.Error("system role must not appear in the messages array")
		}
	}
}

func TestChat_AttachmentBlocks(t *testing.T) {
	var raw struct {
		Messages []struct {
			Role    string          `json:"role"`
			Content json.RawMessage `json:"content"`
		} `json:"messages"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&raw)
		json.NewEncoder(w).Encode(successBody())
	}))
	defer srv.Close()

	req := chatReq()
	req.Attachments = []domain.FileAttachment{
		{Mimetype: "image/jpg", Data: "aW1n", Name: "photo.jpg"},
		{Mimetype: "application/pdf", Data: "cGRm", Name: "paper.pdf"},
	}

	if _, err := testAdapter(srv.URL).Chat(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var blocks []contentBlock
	last := raw.Messages[len(raw.Messages)-1]
	if err := json.Unmarshal(last.Content, &blocks); err != nil {
		t.Fatalf("last message should be a block list: %v", err)
	}
	if len(blocks) != 3 {
		t.Fatalf("got %d blocks, want image + document + text", len(blocks))
	}
	if blocks[0].Type != "image" || blocks[0].Source.MediaType != "image/jpeg" {
		t.Errorf("image block = %+v, want media type normalized to image/jpeg", blocks[0])
	}
	if blocks[1].Type != "document" || blocks[1].Source.MediaType != "application/pdf" {
		t.Errorf("document block = %+v", blocks[1])
	}
	if blocks[2].Type != "text" || blocks[2].Text != "hi" {
		t.Errorf("text block = %+v, want the user text last", blocks[2])
	}
}

func TestStreamChat_EventSequence(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		lines := []string{
			`data: {"type":"message_start","message":{"usage":{"input_tokens":11}}}`,
			`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"Hel"}}`,
			`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"lo"}}`,
			`data: {"type":"message_delta","usage":{"output_tokens":2}}`,
			`data: {"type":"message_stop"}`,
		}
		for _, l := range lines {
			w.Write([]byte(l + "\n\n"))
		}
	}))
	defer srv.Close()

	chunks, errs := testAdapter(srv.URL).StreamChat(context.Background(), chatReq())

	var content string
	var prompt, completion int
	for chunk := range chunks {
		content += chunk.Content
		if chunk.PromptTokens > 0 {
			prompt = chunk.PromptTokens
		}
		if chunk.CompletionTokens > 0 {
			completion = chunk.CompletionTokens
		}
	}
	if err := <-errs; err != nil {
		t.Fatalf("unexpected stream error: %v", err)
	}

	if content != "Hello" {
		t.Errorf("content = %q, want Hello", content)
	}
	if prompt != 11 || completion != 2 {
		t.Errorf("usage = %d/%d, want 11/2", prompt, completion)
	}
}

func TestStreamChat_ErrorEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(`data: {"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}` + "\n\n"))
	}))
	defer srv.Close()

	chunks, errs := testAdapter(srv.URL).StreamChat(context.Background(), chatReq())
	for range chunks {
	}
	err := <-errs
	if err == nil || !strings.Contains(err.Error(), "Overloaded") {
		t.Errorf("error = %v, want the in-stream error surfaced", err)
	}
}

func TestChat_Non200ReturnsHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(529)
		w.Write([]byte(`{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`))
	}))
	defer srv.Close()

	_, err := testAdapter(srv.URL).Chat(context.Background(), chatReq())
	var he *domain.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("error = %T, want *domain.HTTPError", err)
	}
	if he.Status != 529 {
		t.Errorf("status = %d, want 529", he.Status)
	}
}
