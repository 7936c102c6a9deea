package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"otp-notification-service/internal/model"
	"otp-notification-service/internal/util"
)

// staticRoleMappings is the built-in fallback when the dynamic table has
// no row for an event type. An event type absent from both is
// inapplicable to every role.
var staticRoleMappings = map[model.EventType][]string{
	model.EventAccountVerification:    {"customer", "courier", "merchant", "admin"},
	model.EventPasswordReset:          {"customer", "courier", "merchant", "admin"},
	model.EventPhoneVerification:      {"customer", "courier", "merchant", "admin"},
	model.EventLogin2FA:               {"customer", "courier", "merchant", "admin"},
	model.EventAccountDeletionRequest: {"customer", "courier", "merchant"},
	model.EventOrderUpdate:            {"customer", "courier", "merchant"},
	model.EventWalletTransaction:      {"customer", "courier", "merchant"},
	model.EventMarketing:              {"customer", "merchant"},
}

// RoleService answers "may this role receive this event type". Dynamic
// mappings from storage override the static defaults; lookups are
// cached in-process until explicitly invalidated, never by age.
type RoleService struct {
	repo  model.RoleMappingRepository
	mu    sync.RWMutex
	cache map[model.EventType][]string
}

func NewRoleService(repo model.RoleMappingRepository) *RoleService {
	return &RoleService{
		repo:  repo,
		cache: make(map[model.EventType][]string),
	}
}

// RolesForEvent returns the applicable roles for an event type. An
// empty result means no role qualifies.
func (s *RoleService) RolesForEvent(ctx context.Context, eventType model.EventType) ([]string, error) {
	s.mu.RLock()
	if roles, ok := s.cache[eventType]; ok {
		s.mu.RUnlock()
		return roles, nil
	}
	s.mu.RUnlock()

	opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	roles, err := s.repo.RolesForEvent(opCtx, eventType)
	if err != nil {
		// Storage trouble falls back to the static table so role checks
		// keep working while the mapping store is down.
		util.Warn("Dynamic role lookup failed, using static mapping",
			zap.String("event_type", string(eventType)),
			zap.Error(err))
		return staticRoleMappings[eventType], nil
	}
	if roles == nil {
		roles = staticRoleMappings[eventType]
	}

	s.mu.Lock()
	s.cache[eventType] = roles
	s.mu.Unlock()

	return roles, nil
}

// CheckApplicable validates that the user's role may trigger the event
// type. An empty role is an error distinct from a non-applicable one.
func (s *RoleService) CheckApplicable(ctx context.Context, eventType model.EventType, role string) error {
	if role == "" {
		return model.ErrRoleUndefined
	}

	roles, err := s.RolesForEvent(ctx, eventType)
	if err != nil {
		return fmt.Errorf("failed to load role mapping: %w", err)
	}
	if len(roles) == 0 {
		// No mapping anywhere means nobody qualifies; better to reject
		// than to notify a role the event was never meant for.
		util.Info("No role mapping for event type",
			zap.String("event_type", string(eventType)))
		return model.ErrRoleNotApplicable
	}

	for _, r := range roles {
		if r == role {
			return nil
		}
	}

	util.Info("Role not applicable for event type",
		zap.String("event_type", string(eventType)),
		zap.String("role", role))
	return model.ErrRoleNotApplicable
}

// Invalidate drops the cached mapping for one event type.
func (s *RoleService) Invalidate(eventType model.EventType) {
	s.mu.Lock()
	delete(s.cache, eventType)
	s.mu.Unlock()
}
