package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"otp-notification-service/internal/model"
	"otp-notification-service/internal/util"
)

// NotificationLogRepository appends terminal delivery entries. The table
// is write-only from the service's point of view; search goes through
// the Elasticsearch index.
type NotificationLogRepository struct {
	client *ScyllaClient
}

func NewNotificationLogRepository(client *ScyllaClient, logger *zap.Logger) *NotificationLogRepository {
	return &NotificationLogRepository{
		client: client,
	}
}

func (r *NotificationLogRepository) Append(ctx context.Context, entry *model.NotificationLogEntry) error {
	if entry.LogID == "" {
		entry.LogID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	query := r.client.Prepared.InsertNotificationLog.Bind(
		entry.LogID, entry.UserID, entry.Channel, entry.Recipient,
		string(entry.EventType), string(entry.Status), entry.Attempts,
		entry.PayloadSnapshot, entry.CreatedAt).
		WithContext(ctx)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to append notification log",
			zap.String("log_id", entry.LogID),
			zap.String("recipient", entry.Recipient),
			zap.Error(err))
		return fmt.Errorf("failed to append notification log: %w", err)
	}

	util.Debug("Notification log appended",
		zap.String("log_id", entry.LogID),
		zap.String("channel", entry.Channel),
		zap.String("status", string(entry.Status)))

	return nil
}
