package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"otp-notification-service/internal/client"
	"otp-notification-service/internal/config"
	"otp-notification-service/internal/model"
	"otp-notification-service/internal/util"
)

// KafkaAuditPublisher carries audit events to the audit topic. The
// ClickHouse sink consumes the same topic and batch-inserts.
type KafkaAuditPublisher struct {
	producer *client.KafkaProducer
	topic    string
}

func NewKafkaAuditPublisher(producer *client.KafkaProducer, cfg *config.Config) *KafkaAuditPublisher {
	return &KafkaAuditPublisher{
		producer: producer,
		topic:    cfg.Kafka.AuditTopic,
	}
}

func (p *KafkaAuditPublisher) Publish(ctx context.Context, event *model.AuditEvent) error {
	if event.EventID == "" {
		event.EventID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}

	opCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	err = p.producer.ProduceMessage(opCtx, p.topic, []byte(string(event.Action)), payload, nil)
	if err != nil {
		util.Error("Failed to publish audit event",
			zap.String("action", string(event.Action)),
			zap.Error(err))
		return fmt.Errorf("failed to publish audit event: %w", err)
	}

	return nil
}

// DecodeAuditEvent unmarshals an audit event from a consumed message.
func DecodeAuditEvent(value []byte) (*model.AuditEvent, error) {
	event := &model.AuditEvent{}
	if err := json.Unmarshal(value, event); err != nil {
		return nil, fmt.Errorf("failed to decode audit event: %w", err)
	}
	return event, nil
}
