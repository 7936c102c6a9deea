package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"otp-notification-service/internal/client"
	"otp-notification-service/internal/model"
	"otp-notification-service/internal/util"
)

const templatePrefix = "templates:"

// TemplateCache keeps resolved template lists in Redis for a short TTL.
// Template admin operations invalidate the whole event type, so stale
// reads are bounded by the TTL even across instances.
type TemplateCache struct {
	client *client.RedisClient
	ttl    time.Duration
}

func NewTemplateCache(client *client.RedisClient, ttl time.Duration) *TemplateCache {
	return &TemplateCache{client: client, ttl: ttl}
}

func templateKey(eventType model.EventType, channel string) string {
	return fmt.Sprintf("%s%s:%s", templatePrefix, eventType, channel)
}

func (c *TemplateCache) Get(ctx context.Context, eventType model.EventType, channel string) ([]*model.MessageTemplate, bool) {
	opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	key := templateKey(eventType, channel)

	raw, err := c.client.Get(opCtx, key)
	if err != nil {
		return nil, false
	}

	var templates []*model.MessageTemplate
	if err := json.Unmarshal([]byte(raw), &templates); err != nil {
		util.Warn("Corrupt template cache entry, dropping",
			zap.String("key", key),
			zap.Error(err))
		_ = c.client.Del(opCtx, key)
		return nil, false
	}

	util.Debug("Template cache hit",
		zap.String("event_type", string(eventType)),
		zap.String("channel", channel),
		zap.Int("count", len(templates)))

	return templates, true
}

func (c *TemplateCache) Set(ctx context.Context, eventType model.EventType, channel string, tpls []*model.MessageTemplate) {
	opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	raw, err := json.Marshal(tpls)
	if err != nil {
		util.Warn("Failed to marshal templates for cache",
			zap.String("event_type", string(eventType)),
			zap.Error(err))
		return
	}

	if err := c.client.Set(opCtx, templateKey(eventType, channel), string(raw), c.ttl); err != nil {
		util.Warn("Failed to cache templates",
			zap.String("event_type", string(eventType)),
			zap.String("channel", channel),
			zap.Error(err))
	}
}

// Invalidate drops cached template lists for every channel of an event
// type.
func (c *TemplateCache) Invalidate(ctx context.Context, eventType model.EventType) {
	opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	keys := []string{
		templateKey(eventType, "email"),
		templateKey(eventType, "sms"),
	}

	if err := c.client.Del(opCtx, keys...); err != nil {
		util.Warn("Failed to invalidate template cache",
			zap.String("event_type", string(eventType)),
			zap.Error(err))
		return
	}

	util.Debug("Template cache invalidated",
		zap.String("event_type", string(eventType)))
}
