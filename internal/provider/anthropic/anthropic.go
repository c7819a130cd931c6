package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/chatforge/gateway/internal/domain"
	"github.com/chatforge/gateway/internal/httputil"
	"github.com/chatforge/gateway/internal/pricing"
	"github.com/chatforge/gateway/internal/provider"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"
)

type Adapter struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func New(apiKey string) *Adapter {
	return &Adapter{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		client:  httputil.DefaultClient(),
	}
}

func (a *Adapter) Provider() domain.Provider {
	return domain.ProviderAnthropic
}

func (a *Adapter) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	body, err := json.Marshal(buildRequest(req, false))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	a.setHeaders(httpReq)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, &domain.HTTPError{Provider: domain.ProviderAnthropic, Status: resp.StatusCode, Body: bodyBytes}
	}

	var msgResp messagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&msgResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	var content strings.Builder
	for _, block := range msgResp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	promptTokens := msgResp.Usage.InputTokens
	completionTokens := msgResp.Usage.OutputTokens
	if completionTokens == 0 && content.Len() > 0 {
		completionTokens = pricing.EstimateTokens(content.String())
		slog.Warn("provider omitted usage, estimating completion tokens",
			"provider", "anthropic", "model", req.Agent.Model, "estimated", completionTokens)
	}

	return &domain.ChatResponse{
		Content: content.String(),
		Metadata: domain.ResponseMetadata{
			Model:            req.Agent.Model,
			Tokens:           promptTokens + completionTokens,
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			Files:            provider.AttachmentNames(req.Attachments),
		},
	}, nil
}

func (a *Adapter) StreamChat(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamChunk, <-chan error) {
	chunks := make(chan domain.StreamChunk)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		body, err := json.Marshal(buildRequest(req, true))
		if err != nil {
			errs <- fmt.Errorf("marshal request: %w", err)
			return
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/messages", bytes.NewReader(body))
		if err != nil {
			errs <- fmt.Errorf("create request: %w", err)
			return
		}
		a.setHeaders(httpReq)
		httpReq.Header.Set("Accept", "text/event-stream")

		resp, err := a.client.Do(httpReq)
		if err != nil {
			errs <- fmt.Errorf("do request: %w", err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			bodyBytes, _ := io.ReadAll(resp.Body)
			errs <- &domain.HTTPError{Provider: domain.ProviderAnthropic, Status: resp.StatusCode, Body: bodyBytes}
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}

			var event streamEvent
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
				continue
			}

			var chunk domain.StreamChunk
			switch event.Type {
			case "message_start":
				// Prompt usage rides on the opening event.
				if event.Message != nil {
					chunk.PromptTokens = event.Message.Usage.InputTokens
				}
			case "content_block_delta":
				if event.Delta != nil {
					chunk.Content = event.Delta.Text
				}
			case "message_delta":
				// Completion usage rides on the closing delta.
				if event.Usage != nil {
					chunk.CompletionTokens = event.Usage.OutputTokens
				}
			case "error":
				detail := ""
				if event.Error != nil {
					detail = event.Error.Message
				}
				errs <- fmt.Errorf("anthropic stream error: %s", detail)
				return
			case "message_stop":
				return
			default:
				continue
			}

			if chunk == (domain.StreamChunk{}) {
				continue
			}

			select {
			case chunks <- chunk:
			case <-ctx.Done():
				return
			}
		}

		if err := scanner.Err(); err != nil {
			errs <- fmt.Errorf("scan stream: %w", err)
		}
	}()

	return chunks, errs
}

func (a *Adapter) Models(ctx context.Context) ([]string, error) {
	return []string{
		"claude-3-5-sonnet-20241022",
		"claude-3-5-haiku-20241022",
		"claude-3-opus-20240229",
		"claude-3-haiku-20240307",
	}, nil
}

func (a *Adapter) HealthCheck(ctx context.Context) error {
	return nil
}

func (a *Adapter) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)
}

type messagesRequest struct {
	Model       string        `json:"model"`
	Messages    []message     `json:"messages"`
	System      string        `json:"system,omitempty"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature *float64      `json:"temperature,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or []contentBlock
}

type contentBlock struct {
	Type   string       `json:"type"`
	Text   string       `json:"text,omitempty"`
	Source *blockSource `json:"source,omitempty"`
}

type blockSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type streamEvent struct {
	Type    string `json:"type"`
	Message *struct {
		Usage struct {
			InputTokens int `json:"input_tokens"`
		} `json:"usage"`
	} `json:"message,omitempty"`
	Delta *struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta,omitempty"`
	Usage *struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func buildRequest(req domain.ChatRequest, stream bool) messagesRequest {
	var messages []message

	history, last := provider.LastUserMessage(req.Messages)
	for _, m := range history {
		if m.Role == "system" {
			continue
		}
		messages = append(messages, message{Role: m.Role, Content: m.Content})
	}
	if last != nil {
		messages = append(messages, buildUserMessage(*last, req.Attachments))
	}

	out := messagesRequest{
		Model:     req.Agent.Model,
		Messages:  messages,
		System:    provider.SystemContent(req.Agent, req.ProjectFiles),
		MaxTokens: provider.MaxTokens(req.Agent),
		Stream:    stream,
	}
	if provider.SupportsTemperature(req.Agent.Model) {
		t := req.Agent.Temperature
		out.Temperature = &t
	}
	return out
}

// buildUserMessage expands the final user turn into content blocks. Images
// and PDFs are embedded; anything else is dropped from the block. The API
// rejects image/jpg, so it is normalized to image/jpeg here.
func buildUserMessage(m domain.Message, attachments []domain.FileAttachment) message {
	var blocks []contentBlock
	for _, att := range attachments {
		switch {
		case provider.IsImage(att.Mimetype):
			blocks = append(blocks, contentBlock{
				Type: "image",
				Source: &blockSource{
					Type:      "base64",
					MediaType: normalizeMediaType(att.Mimetype),
					Data:      att.Data,
				},
			})
		case provider.IsPDF(att.Mimetype):
			blocks = append(blocks, contentBlock{
				Type: "document",
				Source: &blockSource{
					Type:      "base64",
					MediaType: att.Mimetype,
					Data:      att.Data,
				},
			})
		}
	}

	if len(blocks) == 0 {
		return message{Role: m.Role, Content: m.Content}
	}

	blocks = append(blocks, contentBlock{Type: "text", Text: m.Content})
	return message{Role: m.Role, Content: blocks}
}

func normalizeMediaType(mimetype string) string {
	if mimetype == "image/jpg" {
		return "image/jpeg"
	}
	return mimetype
}
