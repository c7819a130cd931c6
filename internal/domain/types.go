package domain

import "time"

// Provider identifies a supported LLM backend. The set is closed: the
// gateway refuses to construct an adapter registry containing anything else.
type Provider string

const (
	ProviderOpenAI     Provider = "openai"
	ProviderAnthropic  Provider = "anthropic"
	ProviderOpenRouter Provider = "openrouter"
)

func (p Provider) Valid() bool {
	switch p {
	case ProviderOpenAI, ProviderAnthropic, ProviderOpenRouter:
		return true
	}
	return false
}

// AgentConfig is the per-conversation model configuration. The gateway only
// reads it; ownership stays with the caller.
type AgentConfig struct {
	Provider     Provider `json:"provider"`
	Model        string   `json:"model"`
	Temperature  float64  `json:"temperature"`
	MaxTokens    int      `json:"max_tokens"`
	SystemPrompt string   `json:"system_prompt"`
}

type Message struct {
	Role      string            `json:"role"`
	Content   string            `json:"content"`
	Timestamp *time.Time        `json:"timestamp,omitempty"`
	Metadata  *ResponseMetadata `json:"metadata,omitempty"`
}

// FileAttachment carries caller-supplied binary content. Only image and PDF
// types are forwarded to providers that accept them; anything else is dropped
// from the multimodal block without failing the request.
type FileAttachment struct {
	Mimetype string `json:"mimetype"`
	Data     string `json:"data"` // base64
	Name     string `json:"name,omitempty"`
}

// ProjectFile is a raw text blob appended to the system content.
type ProjectFile struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

type ChatRequest struct {
	Agent          AgentConfig      `json:"agent"`
	Messages       []Message        `json:"messages"`
	ProjectFiles   []ProjectFile    `json:"project_files,omitempty"`
	Attachments    []FileAttachment `json:"attachments,omitempty"`
	UserID         string           `json:"user_id,omitempty"`
	ProjectID      string           `json:"project_id,omitempty"`
	AgentID        string           `json:"agent_id,omitempty"`
	ConversationID string           `json:"conversation_id,omitempty"`
	Stream         bool             `json:"stream,omitempty"`
}

type ResponseMetadata struct {
	Model            string   `json:"model"`
	Tokens           int      `json:"tokens"`
	PromptTokens     int      `json:"prompt_tokens"`
	CompletionTokens int      `json:"completion_tokens"`
	EstimatedCost    float64  `json:"estimated_cost"`
	ProcessingTimeMs int64    `json:"processing_time"`
	Files            []string `json:"files,omitempty"`
}

type ChatResponse struct {
	Content  string           `json:"content"`
	Metadata ResponseMetadata `json:"metadata"`
}

// StreamChunk is one increment from a provider's native stream. Usage fields
// are zero except on the chunk(s) where the provider reports them; position
// varies by provider.
type StreamChunk struct {
	Content          string
	PromptTokens     int
	CompletionTokens int
}

// RequestType labels a usage record with how the tokens were consumed.
type RequestType string

const (
	RequestTypeChat          RequestType = "chat"
	RequestTypeStream        RequestType = "chat_stream"
	RequestTypeStreamPartial RequestType = "chat_stream_partial"
)

// TokenUsageRecord is the append-only accounting event. The gateway writes
// exactly one per logical request and never mutates or deletes them.
type TokenUsageRecord struct {
	ID               string
	UserID           string
	ProjectID        string
	AgentID          string
	ConversationID   string
	Provider         Provider
	Model            string
	PromptTokens     int
	CompletionTokens int
	EstimatedCost    float64
	RequestType      RequestType
	CreatedAt        time.Time
}

func (r TokenUsageRecord) TotalTokens() int {
	return r.PromptTokens + r.CompletionTokens
}

// User is the identity the quota check runs against. Limit pointers are nil
// when the account has no override; a non-nil non-zero value overrides the
// process-wide default, and an effective limit of zero means unlimited.
type User struct {
	ID           string
	Active       bool
	GlobalLimit  *int64
	MonthlyLimit *int64
}

// Limits holds a global (all-time) and monthly token ceiling. Zero means
// unlimited on that dimension.
type Limits struct {
	Global  int64
	Monthly int64
}

type UsageTotals struct {
	TotalTokens   int64 `json:"totalTokens"`
	MonthlyTokens int64 `json:"monthlyTokens"`
}

// QuotaDecision is computed fresh on every check; nothing here is cached.
// A remaining value of -1 signals an unlimited dimension.
type QuotaDecision struct {
	Allowed      bool           `json:"allowed"`
	CurrentUsage UsageTotals    `json:"currentUsage"`
	Limits       QuotaLimits    `json:"limits"`
	Remaining    QuotaRemaining `json:"remaining"`
}

type QuotaLimits struct {
	GlobalLimit  int64 `json:"globalLimit"`
	MonthlyLimit int64 `json:"monthlyLimit"`
}

type QuotaRemaining struct {
	Global  int64 `json:"global"`
	Monthly int64 `json:"monthly"`
}
