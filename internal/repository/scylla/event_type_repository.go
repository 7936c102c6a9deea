package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"otp-notification-service/internal/model"
	"otp-notification-service/internal/util"
)

// EventTypeRepository persists canonical event type rows.
type EventTypeRepository struct {
	client *ScyllaClient
}

func NewEventTypeRepository(client *ScyllaClient, logger *zap.Logger) *EventTypeRepository {
	return &EventTypeRepository{
		client: client,
	}
}

// Ensure creates the row if it is missing. INSERT IF NOT EXISTS makes
// concurrent ensures of the same name converge on one row; the loser of
// the race reads back the winner's columns.
func (r *EventTypeRepository) Ensure(ctx context.Context, name model.EventType, description, createdBy string) (*model.EventTypeRecord, bool, error) {
	rec := &model.EventTypeRecord{
		ID:          uuid.New().String(),
		Name:        name,
		Description: description,
		CreatedBy:   createdBy,
		CreatedAt:   time.Now().UTC(),
	}

	previous := map[string]interface{}{}
	applied, err := r.client.Query(`
        INSERT INTO event_types (name, id, description, created_by, created_at)
        VALUES (?, ?, ?, ?, ?) IF NOT EXISTS`,
		string(name), rec.ID, rec.Description, rec.CreatedBy, rec.CreatedAt).
		WithContext(ctx).
		MapScanCAS(previous)
	if err != nil {
		util.Error("Failed to ensure event type",
			zap.String("name", string(name)),
			zap.Error(err))
		return nil, false, fmt.Errorf("failed to ensure event type: %w", err)
	}

	if applied {
		util.Info("Event type created",
			zap.String("name", string(name)),
			zap.String("created_by", createdBy))
		return rec, true, nil
	}

	existing, err := r.Get(ctx, name)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (r *EventTypeRepository) Get(ctx context.Context, name model.EventType) (*model.EventTypeRecord, error) {
	rec := &model.EventTypeRecord{}
	var rowName string

	query := r.client.Prepared.GetEventType.Bind(string(name)).WithContext(ctx)
	err := r.client.ScanWithRetry(query,
		&rowName, &rec.ID, &rec.Description, &rec.CreatedBy, &rec.CreatedAt)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, fmt.Errorf("event type not found: %s", name)
		}
		return nil, fmt.Errorf("failed to get event type: %w", err)
	}

	rec.Name = model.EventType(rowName)
	return rec, nil
}
