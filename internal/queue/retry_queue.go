package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"otp-notification-service/internal/client"
	"otp-notification-service/internal/config"
	"otp-notification-service/internal/model"
	"otp-notification-service/internal/util"
)

// KafkaRetryQueue is the durable fallback for notifications whose live
// delivery exhausted its retries. The drain worker replays jobs from the
// same topic.
type KafkaRetryQueue struct {
	producer *client.KafkaProducer
	topic    string
}

func NewKafkaRetryQueue(producer *client.KafkaProducer, cfg *config.Config) *KafkaRetryQueue {
	return &KafkaRetryQueue{
		producer: producer,
		topic:    cfg.Kafka.RetryTopic,
	}
}

func (q *KafkaRetryQueue) Enqueue(ctx context.Context, job *model.DispatchJob) error {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal dispatch job: %w", err)
	}

	opCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	err = q.producer.ProduceMessage(opCtx, q.topic, []byte(job.JobID), payload, map[string]string{
		"channel":    job.Channel,
		"event_type": string(job.EventType),
	})
	if err != nil {
		util.Error("Failed to enqueue dispatch job",
			zap.String("job_id", job.JobID),
			zap.String("channel", job.Channel),
			zap.Error(err))
		return fmt.Errorf("failed to enqueue dispatch job: %w", err)
	}

	util.Info("Dispatch job queued for retry",
		zap.String("job_id", job.JobID),
		zap.String("channel", job.Channel),
		zap.Int("recipient_count", len(job.Recipients)))

	return nil
}

// DecodeJob unmarshals a queued dispatch job from a consumed message.
func DecodeJob(value []byte) (*model.DispatchJob, error) {
	job := &model.DispatchJob{}
	if err := json.Unmarshal(value, job); err != nil {
		return nil, fmt.Errorf("failed to decode dispatch job: %w", err)
	}
	return job, nil
}
