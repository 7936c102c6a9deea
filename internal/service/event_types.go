package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"otp-notification-service/internal/model"
	"otp-notification-service/internal/util"
)

// EventTypeService resolves free-form event type strings to canonical
// names and keeps the canonical registry populated.
type EventTypeService struct {
	repo    model.EventTypeRepository
	auditor *AuditEmitter
}

func NewEventTypeService(repo model.EventTypeRepository, auditor *AuditEmitter) *EventTypeService {
	return &EventTypeService{
		repo:    repo,
		auditor: auditor,
	}
}

// Resolve maps raw caller input to a canonical event type. Unknown
// values fall back to OTHERS rather than failing the request.
func (s *EventTypeService) Resolve(raw string) model.EventType {
	resolved := model.ResolveEventType(raw)
	if string(resolved) != raw {
		util.Debug("Event type resolved",
			zap.String("raw", raw),
			zap.String("resolved", string(resolved)))
	}
	return resolved
}

// EnsureExists resolves the name and creates the registry row if it is
// missing. Safe to call concurrently; exactly one caller creates the
// row and only that creation is audited.
func (s *EventTypeService) EnsureExists(ctx context.Context, raw, description, actor string) (*model.EventTypeRecord, error) {
	name := s.Resolve(raw)

	opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rec, created, err := s.repo.Ensure(opCtx, name, description, actor)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure event type %s: %w", name, err)
	}

	if created {
		s.auditor.Emit(model.AuditEventTypeCreate, "", actor, name, map[string]string{
			"description": description,
		})
	}

	return rec, nil
}

func (s *EventTypeService) Get(ctx context.Context, raw string) (*model.EventTypeRecord, error) {
	name := s.Resolve(raw)

	opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return s.repo.Get(opCtx, name)
}
