package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/google/uuid"
	"github.com/relaymesh/relay-voice-engine/pkg/logger"
	"go.uber.org/zap"
)

type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
	PubID     string `mapstructure:"pub_id"`
	// MetricsPrefix is used specifically for call metrics events to align
	// with subscription filters (e.g., "", "beta", "qa", "stage").
	// If empty, it will fall back to PubID.
	MetricsPrefix string `mapstructure:"metrics_prefix"`
}

type PubSubService struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	config *PubSubConfig
}

// CallUsageEvent is the billing-facing record published once per call.
type CallUsageEvent struct {
	TenantID        string    `json:"tenant_id"`
	CallSID         string    `json:"call_sid"`
	EventType       string    `json:"event_type"`
	DurationSeconds int       `json:"duration_seconds"`
	CreatedAt       time.Time `json:"created_at"`
}

// CallMetricsEvent models the per-call conversation metrics payload.
type CallMetricsEvent struct {
	ID               string     `json:"id"`
	TenantID         string     `json:"tenant_id"`
	CallSID          string     `json:"call_sid"`
	Direction        string     `json:"direction"`
	Language         string     `json:"language"`
	Status           string     `json:"status"`
	EndReason        string     `json:"end_reason"`
	StartAt          time.Time  `json:"start_at"`
	EndAt            *time.Time `json:"end_at,omitempty"`
	Duration         int        `json:"duration"`
	TurnCount        int        `json:"turn_count"`
	ResponseCount    int        `json:"response_count"`
	InterruptedCount int        `json:"interrupted_count"`
	FramesSent       int64      `json:"frames_sent"`
	BytesSent        int64      `json:"bytes_sent"`
	CreatedAt        time.Time  `json:"created_at"`
}

func NewPubSubService(ctx context.Context, cfg *PubSubConfig) (*PubSubService, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("PubSub project ID is required")
	}

	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create PubSub client: %w", err)
	}

	topic := client.Topic(cfg.TopicName)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to check if topic exists: %w", err)
	}

	if !exists {
		logger.Base().Info("Topic does not exist, creating", zap.String("topicname", cfg.TopicName))
		topic, err = client.CreateTopic(ctx, cfg.TopicName)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to create topic %s: %w", cfg.TopicName, err)
		}
		logger.Base().Info("Topic created successfully", zap.String("topicname", cfg.TopicName))
	}

	return &PubSubService{
		client: client,
		topic:  topic,
		config: cfg,
	}, nil
}

// PublishCallUsageEvent publishes the billing usage record for a finished call.
// Delta counting is duration based: one unit per second of connected call.
func (p *PubSubService) PublishCallUsageEvent(ctx context.Context, tenantID, callSID string, durationSeconds int) error {
	usageEvent := CallUsageEvent{
		TenantID:        tenantID,
		CallSID:         callSID,
		EventType:       "voice_call",
		DurationSeconds: durationSeconds,
		CreatedAt:       time.Now(),
	}

	data, err := json.Marshal(usageEvent)
	if err != nil {
		return fmt.Errorf("failed to marshal usage event: %w", err)
	}

	taskID := uuid.New().String()

	message := &pubsub.Message{
		Attributes: map[string]string{
			"name": fmt.Sprintf("%s:%s", p.config.PubID, taskID),
		},
		Data: data,
	}

	result := p.topic.Publish(ctx, message)
	if _, err := result.Get(ctx); err != nil {
		logger.Base().Error("Failed to publish usage event",
			zap.String("tenant_id", tenantID),
			zap.String("call_sid", callSID),
			zap.String("task_id", taskID),
			zap.Error(err))
		return fmt.Errorf("failed to publish message: %w", err)
	}

	logger.Base().Info("Successfully published usage event",
		zap.String("tenant_id", tenantID),
		zap.String("call_sid", callSID),
		zap.Int("duration_seconds", durationSeconds),
		zap.String("task_id", taskID))

	return nil
}

// PublishCallMetricsEvent publishes aggregated per-call metrics to Pub/Sub
func (p *PubSubService) PublishCallMetricsEvent(ctx context.Context, metrics CallMetricsEvent) error {
	data, err := json.Marshal(metrics)
	if err != nil {
		return fmt.Errorf("failed to marshal call metrics event: %w", err)
	}

	taskID := uuid.New().String()

	// Use configurable prefix to align with subscription filters.
	// Expected patterns: "call:metrics", "beta:call:metrics", etc.
	prefixSource := strings.TrimSuffix(p.config.MetricsPrefix, ":")
	if prefixSource == "" {
		prefixSource = strings.TrimSuffix(p.config.PubID, ":")
	}

	namePrefix := prefixSource
	if namePrefix != "" {
		namePrefix += ":"
	}

	message := &pubsub.Message{
		Attributes: map[string]string{
			"name": fmt.Sprintf("%s%s", namePrefix, taskID),
		},
		Data: data,
	}

	result := p.topic.Publish(ctx, message)
	if _, err := result.Get(ctx); err != nil {
		logger.Base().Error("Failed to publish call metrics",
			zap.String("tenant_id", metrics.TenantID),
			zap.String("call_sid", metrics.CallSID),
			zap.String("task_id", taskID),
			zap.Error(err))
		return fmt.Errorf("failed to publish call metrics message: %w", err)
	}

	logger.Base().Info("Published call metrics",
		zap.String("id", metrics.ID),
		zap.String("tenant_id", metrics.TenantID),
		zap.String("call_sid", metrics.CallSID),
		zap.String("status", metrics.Status),
		zap.String("task_id", taskID))

	return nil
}

func (p *PubSubService) Close() error {
	if p.topic != nil {
		p.topic.Stop()
	}
	if p.client != nil {
		return p.client.Close()
	}
	return nil
}
