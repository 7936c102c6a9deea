package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"otp-notification-service/internal/client"
	"otp-notification-service/internal/config"
	"otp-notification-service/internal/model"
	"otp-notification-service/internal/queue"
	"otp-notification-service/internal/util"
)

const auditBufferSize = 1024

// AuditEmitter decouples audit recording from the operations being
// audited. Emit never blocks the caller; events flow through a buffered
// channel to the Kafka publisher, and a full buffer drops the event with
// a warning rather than stalling a request.
type AuditEmitter struct {
	publisher model.AuditPublisher
	events    chan *model.AuditEvent
}

func NewAuditEmitter(publisher model.AuditPublisher) *AuditEmitter {
	return &AuditEmitter{
		publisher: publisher,
		events:    make(chan *model.AuditEvent, auditBufferSize),
	}
}

// Emit queues an audit event for asynchronous publication.
func (e *AuditEmitter) Emit(action model.AuditAction, userID, actor string, eventType model.EventType, detail map[string]string) {
	event := &model.AuditEvent{
		EventID:   uuid.New().String(),
		Action:    action,
		UserID:    userID,
		Actor:     actor,
		EventType: eventType,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	}

	select {
	case e.events <- event:
	default:
		util.Warn("Audit buffer full, dropping event",
			zap.String("action", string(action)),
			zap.String("event_id", event.EventID))
	}
}

// Run drains the buffer until ctx is cancelled. Publish failures are
// logged and the event is dropped; audit must never take down the
// pipeline it observes.
func (e *AuditEmitter) Run(ctx context.Context) {
	util.Info("Audit emitter started")
	for {
		select {
		case <-ctx.Done():
			util.Info("Audit emitter stopped")
			return
		case event := <-e.events:
			if err := e.publisher.Publish(ctx, event); err != nil {
				util.Error("Failed to publish audit event",
					zap.String("action", string(event.Action)),
					zap.String("event_id", event.EventID),
					zap.Error(err))
			}
		}
	}
}

const (
	auditFlushInterval = 5 * time.Second
	auditFlushSize     = 200
)

// AuditSink consumes the audit topic and batch-inserts rows into
// ClickHouse. Batches flush on size or on a timer, whichever first.
type AuditSink struct {
	consumer   *client.KafkaConsumer
	clickhouse *client.ClickHouseClient
	cfg        *config.Config
}

func NewAuditSink(consumer *client.KafkaConsumer, clickhouse *client.ClickHouseClient, cfg *config.Config) *AuditSink {
	return &AuditSink{
		consumer:   consumer,
		clickhouse: clickhouse,
		cfg:        cfg,
	}
}

const auditInsertQuery = `
    INSERT INTO audit_events (event_id, action, user_id, actor, event_type, detail, created_at)`

func (s *AuditSink) Run(ctx context.Context) {
	util.Info("Audit sink started")

	batch := make([][]interface{}, 0, auditFlushSize)
	ticker := time.NewTicker(auditFlushInterval)
	defer ticker.Stop()

	events := make(chan *model.AuditEvent)
	go func() {
		defer close(events)
		for {
			msg, err := s.consumer.ConsumeMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				util.Error("Failed to consume audit message", zap.Error(err))
				time.Sleep(time.Second)
				continue
			}
			event, err := queue.DecodeAuditEvent(msg.Value)
			if err != nil {
				util.Warn("Skipping undecodable audit message", zap.Error(err))
				continue
			}
			select {
			case events <- event:
			case <-ctx.Done():
				return
			}
		}
	}()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		flushCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := s.clickhouse.BatchInsert(flushCtx, auditInsertQuery, batch); err != nil {
			util.Error("Failed to flush audit batch",
				zap.Int("batch_size", len(batch)),
				zap.Error(err))
		} else {
			util.Debug("Audit batch flushed", zap.Int("batch_size", len(batch)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			util.Info("Audit sink stopped")
			return
		case <-ticker.C:
			flush()
		case event, ok := <-events:
			if !ok {
				flush()
				util.Info("Audit sink stopped")
				return
			}
			detail := event.Detail
			if detail == nil {
				detail = map[string]string{}
			}
			batch = append(batch, []interface{}{
				event.EventID,
				string(event.Action),
				event.UserID,
				event.Actor,
				string(event.EventType),
				detail,
				event.CreatedAt,
			})
			if len(batch) >= auditFlushSize {
				flush()
			}
		}
	}
}
