// Package notifications delivers quota alerts to operators. The SNS notifier
// is the production path; the in-memory one serves tests and keyless local
// runs.
package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/chatforge/gateway/internal/quota"
)

// QuotaNotification is the wire shape published for a quota alert.
type QuotaNotification struct {
	UserID     string    `json:"user_id"`
	Level      string    `json:"level"`
	LimitType  string    `json:"limit_type"`
	Limit      int64     `json:"limit"`
	CurrentUse int64     `json:"current_use"`
	Percentage float64   `json:"percentage"`
	Timestamp  time.Time `json:"timestamp"`
}

type Notifier interface {
	Notify(ctx context.Context, n QuotaNotification) error
}

type SNSNotifier struct {
	client   *sns.Client
	topicArn string
}

func NewSNSNotifier(ctx context.Context, region, topicArn string) (*SNSNotifier, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &SNSNotifier{client: sns.NewFromConfig(cfg), topicArn: topicArn}, nil
}

func NewSNSNotifierWithConfig(cfg aws.Config, topicArn string) *SNSNotifier {
	return &SNSNotifier{client: sns.NewFromConfig(cfg), topicArn: topicArn}
}

func (n *SNSNotifier) Notify(ctx context.Context, notification QuotaNotification) error {
	message, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(n.topicArn),
		Message:  aws.String(string(message)),
		MessageAttributes: map[string]snstypes.MessageAttributeValue{
			"Level": {
				DataType:    aws.String("String"),
				StringValue: aws.String(notification.Level),
			},
			"UserID": {
				DataType:    aws.String("String"),
				StringValue: aws.String(notification.UserID),
			},
		},
	}

	if _, err := n.client.Publish(ctx, input); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}

	slog.Info("quota notification sent",
		"user_id", notification.UserID,
		"level", notification.Level,
	)
	return nil
}

// AlertHandler bridges the quota monitor to a notifier. Delivery failures are
// logged only; alerting is best-effort by contract.
func AlertHandler(notifier Notifier) quota.AlertHandler {
	return func(alert quota.Alert) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		n := QuotaNotification{
			UserID:     alert.UserID,
			Level:      string(alert.Level),
			LimitType:  string(alert.LimitType),
			Limit:      alert.Limit,
			CurrentUse: alert.CurrentUse,
			Percentage: alert.Percentage,
			Timestamp:  alert.Timestamp,
		}
		if err := notifier.Notify(ctx, n); err != nil {
			slog.Warn("failed to deliver quota notification",
				"user_id", alert.UserID,
				"level", alert.Level,
				"error", err,
			)
		}
	}
}

type MemoryNotifier struct {
	mu   sync.Mutex
	sent []QuotaNotification
}

func NewMemoryNotifier() *MemoryNotifier {
	return &MemoryNotifier{}
}

func (n *MemoryNotifier) Notify(ctx context.Context, notification QuotaNotification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification)
	return nil
}

func (n *MemoryNotifier) Sent() []QuotaNotification {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]QuotaNotification, len(n.sent))
	copy(out, n.sent)
	return out
}
