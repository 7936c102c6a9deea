package scylla

import (
	"context"
	"fmt"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"otp-notification-service/internal/model"
	"otp-notification-service/internal/util"
)

// UserRepository is the read-only projection of the account platform's
// user table: identity, role, contacts, and notification preferences.
type UserRepository struct {
	client *ScyllaClient
}

func NewUserRepository(client *ScyllaClient, logger *zap.Logger) *UserRepository {
	return &UserRepository{
		client: client,
	}
}

func (r *UserRepository) GetByID(ctx context.Context, userID string) (*model.User, error) {
	user := &model.User{}

	query := r.client.Prepared.GetUserByID.Bind(userID).WithContext(ctx)
	err := r.client.ScanWithRetry(query,
		&user.UserID, &user.Role, &user.Email, &user.Phone,
		&user.NotificationsEnabled, &user.ChannelOptOuts)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, model.ErrUserNotFound
		}
		util.Error("Failed to get user",
			zap.String("user_id", userID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	return user, nil
}

// RoleMappingRepository reads the dynamic event-type to roles table.
// A missing row is not an error; the caller falls back to its static
// mapping.
type RoleMappingRepository struct {
	client *ScyllaClient
}

func NewRoleMappingRepository(client *ScyllaClient, logger *zap.Logger) *RoleMappingRepository {
	return &RoleMappingRepository{
		client: client,
	}
}

func (r *RoleMappingRepository) RolesForEvent(ctx context.Context, eventType model.EventType) ([]string, error) {
	var roles []string

	query := r.client.Prepared.GetRolesForEvent.Bind(string(eventType)).WithContext(ctx)
	if err := query.Scan(&roles); err != nil {
		if err == gocql.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get roles for event type: %w", err)
	}

	return roles, nil
}
