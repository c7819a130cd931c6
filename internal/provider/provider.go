// Package provider defines the adapter contract every backend implements and
// the request-construction rules shared by all of them.
package provider

import (
	"context"
	"strings"

	"github.com/chatforge/gateway/internal/domain"
)

// Adapter translates the gateway's canonical chat contract to and from one
// provider's native protocol. Adapters are stateless given their inputs; the
// only long-lived state is the configured transport client.
type Adapter interface {
	Provider() domain.Provider

	// Chat performs a buffered completion.
	Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error)

	// StreamChat starts a streaming completion. Chunks carry text increments
	// and, on whichever chunk the provider reports them, usage counts. The
	// error channel delivers at most one error; both channels close when the
	// stream ends.
	StreamChat(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamChunk, <-chan error)

	// Models lists the model identifiers this adapter can serve.
	Models(ctx context.Context) ([]string, error)

	HealthCheck(ctx context.Context) error
}

const languageInstruction = "Always respond in the same language the user writes in."

// SystemContent renders the outgoing system prompt: the agent's prompt, the
// project file listing when present, and the fixed language instruction.
func SystemContent(agent domain.AgentConfig, projectFiles []domain.ProjectFile) string {
	var b strings.Builder
	b.WriteString(agent.SystemPrompt)

	if len(projectFiles) > 0 {
		b.WriteString("\n\nProject files:\n")
		for _, f := range projectFiles {
			b.WriteString("\n--- ")
			b.WriteString(f.Name)
			b.WriteString(" ---\n")
			b.WriteString(f.Content)
			b.WriteString("\n")
		}
	}

	if b.Len() > 0 {
		b.WriteString("\n\n")
	}
	b.WriteString(languageInstruction)
	return b.String()
}

// Models that reject a custom temperature. The parameter is omitted from the
// outgoing call entirely, not replaced with a default.
var noTemperatureModels = []string{"o1", "o3", "o4-mini", "gpt-5"}

func SupportsTemperature(model string) bool {
	for _, prefix := range noTemperatureModels {
		if strings.Contains(model, prefix) {
			return false
		}
	}
	return true
}

func IsImage(mimetype string) bool {
	return strings.HasPrefix(mimetype, "image/")
}

func IsPDF(mimetype string) bool {
	return mimetype == "application/pdf"
}

// LastUserMessage splits the history from the trailing message when that
// message is a user turn; attachments are only ever applied to it.
func LastUserMessage(messages []domain.Message) ([]domain.Message, *domain.Message) {
	if len(messages) == 0 {
		return nil, nil
	}
	last := messages[len(messages)-1]
	if last.Role != "user" {
		return messages, nil
	}
	return messages[:len(messages)-1], &last
}

// AttachmentNames returns the names echoed back in response metadata. The
// full request keeps every attachment even when a provider drops some from
// the multimodal block.
func AttachmentNames(attachments []domain.FileAttachment) []string {
	if len(attachments) == 0 {
		return nil
	}
	names := make([]string, 0, len(attachments))
	for _, a := range attachments {
		if a.Name != "" {
			names = append(names, a.Name)
		} else {
			names = append(names, a.Mimetype)
		}
	}
	return names
}

// DefaultMaxTokens bounds completions when the agent does not set one.
const DefaultMaxTokens = 4096

func MaxTokens(agent domain.AgentConfig) int {
	if agent.MaxTokens > 0 {
		return agent.MaxTokens
	}
	return DefaultMaxTokens
}
