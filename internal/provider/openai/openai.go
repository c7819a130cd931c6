package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/chatforge/gateway/internal/domain"
	"github.com/chatforge/gateway/internal/httputil"
	"github.com/chatforge/gateway/internal/pricing"
	"github.com/chatforge/gateway/internal/provider"
)

const defaultBaseURL = "https://api.openai.com/v1"

type Adapter struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func New(apiKey, baseURL string) *Adapter {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Adapter{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  httputil.DefaultClient(),
	}
}

func (a *Adapter) Provider() domain.Provider {
	return domain.ProviderOpenAI
}

func (a *Adapter) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	body, err := json.Marshal(buildRequest(req, false))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewReader(body))
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
		return nil, &domain.HTTPError{Provider: domain.ProviderOpenAI, Status: resp.StatusCode, Body: bodyBytes}
	}

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return nil, fmt.Errorf("empty choices in response")
	}

	content := chatResp.Choices[0].Message.Content
	promptTokens := chatResp.Usage.PromptTokens
	completionTokens := chatResp.Usage.CompletionTokens
	if completionTokens == 0 && content != "" {
		completionTokens = pricing.EstimateTokens(content)
		slog.Warn("provider omitted usage, estimating completion tokens",
			"provider", "openai", "model", req.Agent.Model, "estimated", completionTokens)
	}

	return &domain.ChatResponse{
		Content: content,
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

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewReader(body))
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
			errs <- &domain.HTTPError{Provider: domain.ProviderOpenAI, Status: resp.StatusCode, Body: bodyBytes}
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !bytes.HasPrefix([]byte(line), []byte("data: ")) {
				continue
			}

			data := line[len("data: "):]
			if data == "[DONE]" {
				return
			}

			var event streamEvent
			if err := json.Unmarshal([]byte(data), &event); err != nil {
				continue
			}

			chunk := domain.StreamChunk{}
			if len(event.Choices) > 0 && event.Choices[0].Delta != nil {
				chunk.Content = event.Choices[0].Delta.Content
			}
			// Usage arrives on a trailing chunk with empty choices when
			// stream_options.include_usage is set.
			if event.Usage != nil {
				chunk.PromptTokens = event.Usage.PromptTokens
				chunk.CompletionTokens = event.Usage.CompletionTokens
			}
			if chunk.Content == "" && event.Usage == nil {
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
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/models", http.NoBody)
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
		return nil, &domain.HTTPError{Provider: domain.ProviderOpenAI, Status: resp.StatusCode, Body: bodyBytes}
	}

	var modelsResp modelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&modelsResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	ids := make([]string, 0, len(modelsResp.Data))
	for _, m := range modelsResp.Data {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

func (a *Adapter) HealthCheck(ctx context.Context) error {
	_, err := a.Models(ctx)
	return err
}

func (a *Adapter) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.apiKey)
}

type chatRequest struct {
	Model         string         `json:"model"`
	Messages      []message      `json:"messages"`
	Temperature   *float64       `json:"temperature,omitempty"`
	MaxTokens     int            `json:"max_tokens"`
	Stream        bool           `json:"stream,omitempty"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// Content is either a plain string or a multimodal part list.
type message struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatResponse struct {
	Choices []choice `json:"choices"`
	Usage   usage    `json:"usage"`
}

type choice struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type streamEvent struct {
	Choices []streamChoice `json:"choices"`
	Usage   *usage         `json:"usage"`
}

type streamChoice struct {
	Delta *struct {
		Content string `json:"content"`
	} `json:"delta"`
}

type modelsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

func buildRequest(req domain.ChatRequest, stream bool) chatRequest {
	messages := []message{
		{Role: "system", Content: provider.SystemContent(req.Agent, req.ProjectFiles)},
	}

	history, last := provider.LastUserMessage(req.Messages)
	for _, m := range history {
		messages = append(messages, message{Role: m.Role, Content: m.Content})
	}
	if last != nil {
		messages = append(messages, buildUserMessage(*last, req.Attachments))
	}

	out := chatRequest{
		Model:     req.Agent.Model,
		Messages:  messages,
		MaxTokens: provider.MaxTokens(req.Agent),
		Stream:    stream,
	}
	if provider.SupportsTemperature(req.Agent.Model) {
		t := req.Agent.Temperature
		out.Temperature = &t
	}
	if stream {
		out.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	return out
}

// buildUserMessage expands the final user turn into a multimodal part list
// when image attachments are present. OpenAI chat completions take images as
// data URLs; PDFs and other types are dropped from the block.
func buildUserMessage(m domain.Message, attachments []domain.FileAttachment) message {
	var parts []contentPart
	for _, att := range attachments {
		if !provider.IsImage(att.Mimetype) {
			continue
		}
		parts = append(parts, contentPart{
			Type:     "image_url",
			ImageURL: &imageURL{URL: "data:" + att.Mimetype + ";base64," + att.Data},
		})
	}

	if len(parts) == 0 {
		return message{Role: m.Role, Content: m.Content}
	}

	parts = append([]contentPart{{Type: "text", Text: m.Content}}, parts...)
	return message{Role: m.Role, Content: parts}
}
