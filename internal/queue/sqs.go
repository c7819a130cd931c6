// Package queue exports usage events to the analytics pipeline. The queue is
// a downstream copy, not the billing source of truth; the relational store
// keeps that role, so send failures are surfaced but tolerable.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/chatforge/gateway/internal/domain"
)

// UsageEvent is the analytics wire shape of a token usage record.
type UsageEvent struct {
	ID               string    `json:"id"`
	UserID           string    `json:"user_id"`
	ProjectID        string    `json:"project_id,omitempty"`
	AgentID          string    `json:"agent_id,omitempty"`
	ConversationID   string    `json:"conversation_id,omitempty"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	EstimatedCost    float64   `json:"estimated_cost"`
	RequestType      string    `json:"request_type"`
	CreatedAt        time.Time `json:"created_at"`
}

func eventFromRecord(rec domain.TokenUsageRecord) UsageEvent {
	return UsageEvent{
		ID:               rec.ID,
		UserID:           rec.UserID,
		ProjectID:        rec.ProjectID,
		AgentID:          rec.AgentID,
		ConversationID:   rec.ConversationID,
		Provider:         string(rec.Provider),
		Model:            rec.Model,
		PromptTokens:     rec.PromptTokens,
		CompletionTokens: rec.CompletionTokens,
		TotalTokens:      rec.TotalTokens(),
		EstimatedCost:    rec.EstimatedCost,
		RequestType:      string(rec.RequestType),
		CreatedAt:        rec.CreatedAt,
	}
}

// SQSPublisher implements usage.Publisher over an SQS queue.
type SQSPublisher struct {
	client   *sqs.Client
	queueURL string
}

func NewSQSPublisher(ctx context.Context, region, queueURL string) (*SQSPublisher, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &SQSPublisher{client: sqs.NewFromConfig(cfg), queueURL: queueURL}, nil
}

func NewSQSPublisherWithConfig(cfg aws.Config, queueURL string) *SQSPublisher {
	return &SQSPublisher{client: sqs.NewFromConfig(cfg), queueURL: queueURL}
}

func (p *SQSPublisher) PublishUsage(ctx context.Context, rec domain.TokenUsageRecord) error {
	body, err := json.Marshal(eventFromRecord(rec))
	if err != nil {
		return fmt.Errorf("marshal usage event: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"UserID": {
				DataType:    aws.String("String"),
				StringValue: aws.String(rec.UserID),
			},
			"RequestType": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(rec.RequestType)),
			},
		},
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("send usage event: %w", err)
	}
	return nil
}

// MemoryPublisher collects events in memory. Test double.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []UsageEvent
}

func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

func (p *MemoryPublisher) PublishUsage(ctx context.Context, rec domain.TokenUsageRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, eventFromRecord(rec))
	return nil
}

func (p *MemoryPublisher) Events() []UsageEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]UsageEvent, len(p.events))
	copy(out, p.events)
	return out
}
