package scylla

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"otp-notification-service/internal/model"
	"otp-notification-service/internal/util"
)

// TemplateRepository reads and writes message templates. Rows for one
// event type share a partition, so resolution is a single-partition read.
type TemplateRepository struct {
	client *ScyllaClient
}

func NewTemplateRepository(client *ScyllaClient, logger *zap.Logger) *TemplateRepository {
	return &TemplateRepository{
		client: client,
	}
}

// ActiveByEvent returns active templates for (eventType, channel),
// most recently updated first. Ordering in Go keeps the table free of
// an updated_at clustering column that would churn on every edit.
func (r *TemplateRepository) ActiveByEvent(ctx context.Context, eventType model.EventType, channel string) ([]*model.MessageTemplate, error) {
	iter := r.client.Prepared.ListTemplates.Bind(string(eventType), channel).WithContext(ctx).Iter()

	var templates []*model.MessageTemplate
	for {
		tpl := &model.MessageTemplate{}
		var rowEventType string
		if !iter.Scan(&rowEventType, &tpl.Channel, &tpl.ID, &tpl.Name, &tpl.Subject,
			&tpl.BodyTemplate, &tpl.ApplicableRoles, &tpl.IsActive, &tpl.UpdatedBy, &tpl.UpdatedAt) {
			break
		}
		if !tpl.IsActive {
			continue
		}
		tpl.EventType = model.EventType(rowEventType)
		templates = append(templates, tpl)
	}
	if err := iter.Close(); err != nil {
		util.Error("Failed to list templates",
			zap.String("event_type", string(eventType)),
			zap.String("channel", channel),
			zap.Error(err))
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}

	sort.Slice(templates, func(i, j int) bool {
		return templates[i].UpdatedAt.After(templates[j].UpdatedAt)
	})

	return templates, nil
}

func (r *TemplateRepository) Upsert(ctx context.Context, tpl *model.MessageTemplate) error {
	if tpl.ID == "" {
		tpl.ID = uuid.New().String()
	}
	tpl.UpdatedAt = time.Now().UTC()

	query := r.client.Prepared.UpsertTemplate.Bind(
		string(tpl.EventType), tpl.Channel, tpl.ID, tpl.Name, tpl.Subject,
		tpl.BodyTemplate, tpl.ApplicableRoles, tpl.IsActive, tpl.UpdatedBy, tpl.UpdatedAt).
		WithContext(ctx)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to upsert template",
			zap.String("event_type", string(tpl.EventType)),
			zap.String("template_id", tpl.ID),
			zap.Error(err))
		return fmt.Errorf("failed to upsert template: %w", err)
	}

	util.Info("Template upserted",
		zap.String("event_type", string(tpl.EventType)),
		zap.String("channel", tpl.Channel),
		zap.String("template_id", tpl.ID),
		zap.Bool("is_active", tpl.IsActive))

	return nil
}

// Deactivate flips is_active on one template row.
func (r *TemplateRepository) Deactivate(ctx context.Context, eventType model.EventType, id string, updatedBy string) error {
	query := r.client.Query(`
        SELECT channel FROM message_templates WHERE event_type = ? AND id = ? ALLOW FILTERING LIMIT 1`,
		string(eventType), id).WithContext(ctx)

	var channel string
	if err := query.Scan(&channel); err != nil {
		return fmt.Errorf("template not found: %w", err)
	}

	update := r.client.Query(`
        UPDATE message_templates SET is_active = false, updated_by = ?, updated_at = ?
        WHERE event_type = ? AND channel = ? AND id = ?`,
		updatedBy, time.Now().UTC(), string(eventType), channel, id).WithContext(ctx)

	if err := r.client.ExecuteWithRetry(update, 2); err != nil {
		util.Error("Failed to deactivate template",
			zap.String("event_type", string(eventType)),
			zap.String("template_id", id),
			zap.Error(err))
		return fmt.Errorf("failed to deactivate template: %w", err)
	}

	util.Info("Template deactivated",
		zap.String("event_type", string(eventType)),
		zap.String("template_id", id),
		zap.String("updated_by", updatedBy))

	return nil
}
