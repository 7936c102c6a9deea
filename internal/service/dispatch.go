package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"otp-notification-service/internal/bucketing"
	"otp-notification-service/internal/client"
	"otp-notification-service/internal/config"
	"otp-notification-service/internal/encryption"
	"otp-notification-service/internal/model"
	"otp-notification-service/internal/queue"
	"otp-notification-service/internal/util"
)

// LogIndexer mirrors delivery log entries into a search index. Indexing
// is best-effort; failures never fail the delivery.
type LogIndexer interface {
	IndexLogEntry(ctx context.Context, entry *model.NotificationLogEntry) error
}

// ESLogIndexer adapts the Elasticsearch client to LogIndexer.
type ESLogIndexer struct {
	es *client.ESClient
}

func NewESLogIndexer(es *client.ESClient) *ESLogIndexer {
	return &ESLogIndexer{es: es}
}

func (i *ESLogIndexer) IndexLogEntry(ctx context.Context, entry *model.NotificationLogEntry) error {
	res, err := i.es.IndexDocument(ctx, i.es.LogIndex(), entry.LogID, entry)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("elasticsearch index error: %s", res.String())
	}
	return nil
}

// NotificationRequest is a bulk send on one channel. Recipients come
// either as user IDs, which pass through preference filtering, or as
// raw contact addresses, which do not.
type NotificationRequest struct {
	UserIDs      []string          `json:"user_ids,omitempty"`
	Contacts     []string          `json:"contacts,omitempty"`
	EventType    string            `json:"event_type"`
	TemplateData map[string]string `json:"template_data,omitempty"`
	Actor        string            `json:"actor,omitempty"`
}

// RecipientResult is the per-recipient outcome of a bulk send.
type RecipientResult struct {
	Recipient string `json:"recipient"`
	Status    string `json:"status"`
	Attempts  int    `json:"attempts"`
	Error     string `json:"error,omitempty"`
}

// DispatchResult summarizes a bulk send. A request succeeds overall as
// long as at least one recipient was attempted; individual failures are
// reported per recipient.
type DispatchResult struct {
	EventType model.EventType   `json:"event_type"`
	Channel   string            `json:"channel"`
	Sent      int               `json:"sent"`
	Failed    int               `json:"failed"`
	Results   []RecipientResult `json:"results"`
}

type recipient struct {
	contact string
	userID  string
	role    string
	name    string
}

// DispatchService owns delivery: recipient resolution, preference
// filtering, per-recipient retry with backoff, the durable fallback
// queue, and the terminal delivery log.
type DispatchService struct {
	cfg        *config.Config
	email      model.EmailSender
	sms        model.SMSSender
	users      model.UserRepository
	templates  *TemplateService
	events     *EventTypeService
	rateLimit  model.RateLimitCache
	retryQueue model.RetryQueue
	logs       model.NotificationLogRepository
	indexer    LogIndexer
	crypto     *encryption.Manager
	buckets    *bucketing.Manager
	auditor    *AuditEmitter

	// test seam; defaults to time.Sleep
	sleep func(time.Duration)
}

func NewDispatchService(
	cfg *config.Config,
	email model.EmailSender,
	sms model.SMSSender,
	users model.UserRepository,
	templates *TemplateService,
	events *EventTypeService,
	rateLimit model.RateLimitCache,
	retryQueue model.RetryQueue,
	logs model.NotificationLogRepository,
	indexer LogIndexer,
	crypto *encryption.Manager,
	buckets *bucketing.Manager,
	auditor *AuditEmitter,
) *DispatchService {
	return &DispatchService{
		cfg:        cfg,
		email:      email,
		sms:        sms,
		users:      users,
		templates:  templates,
		events:     events,
		rateLimit:  rateLimit,
		retryQueue: retryQueue,
		logs:       logs,
		indexer:    indexer,
		crypto:     crypto,
		buckets:    buckets,
		auditor:    auditor,
		sleep:      time.Sleep,
	}
}

// SendEmail fans an email notification out to the resolved recipients.
func (s *DispatchService) SendEmail(ctx context.Context, req *NotificationRequest) (*DispatchResult, error) {
	return s.send(ctx, "email", req)
}

// SendSMS fans an SMS notification out to the resolved recipients.
func (s *DispatchService) SendSMS(ctx context.Context, req *NotificationRequest) (*DispatchResult, error) {
	return s.send(ctx, "sms", req)
}

func (s *DispatchService) send(ctx context.Context, channel string, req *NotificationRequest) (*DispatchResult, error) {
	if len(req.UserIDs) == 0 && len(req.Contacts) == 0 {
		return nil, fmt.Errorf("%w: no recipients given", model.ErrValidation)
	}

	eventType := s.events.Resolve(req.EventType)

	actor := req.Actor
	if actor == "" {
		actor = "system"
	}
	bulkKey := fmt.Sprintf("bulk:%s:%s:%d", channel, actor,
		s.buckets.TimeBucket(time.Now(), s.cfg.Dispatch.BulkWindow))
	allowed, err := s.rateLimit.CheckAndIncrement(ctx, bulkKey, s.cfg.Dispatch.BulkWindow, s.cfg.Dispatch.BulkMax)
	if err != nil {
		return nil, fmt.Errorf("bulk rate limit check failed: %w", err)
	}
	if !allowed {
		util.Warn("Bulk dispatch rate limit exceeded",
			zap.String("channel", channel),
			zap.String("actor", actor))
		return nil, model.ErrRateLimitExceeded
	}

	recipients, err := s.resolveRecipients(ctx, channel, req)
	if err != nil {
		return nil, err
	}
	if len(recipients) == 0 {
		return nil, model.ErrNoRecipients
	}

	result := &DispatchResult{
		EventType: eventType,
		Channel:   channel,
		Results:   make([]RecipientResult, len(recipients)),
	}

	// Recipient failures stay isolated: the group collects goroutines
	// but no recipient error propagates to cancel the rest.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Dispatch.BulkConcurrency)

	for i, rcpt := range recipients {
		i, rcpt := i, rcpt
		g.Go(func() error {
			data := mergeData(req.TemplateData, rcpt)
			rendered, rerr := s.templates.ResolveAndRender(gctx, eventType, channel, rcpt.role, data)
			if rerr != nil {
				result.Results[i] = RecipientResult{
					Recipient: rcpt.contact,
					Status:    string(model.DeliveryFailed),
					Error:     rerr.Error(),
				}
				s.recordOutcome(gctx, rcpt, channel, eventType, model.DeliveryFailed, 0, "", "")
				return nil
			}

			attempts, derr := s.deliverWithRetry(gctx, channel, rcpt.contact, rendered.Subject, rendered.Body)
			if derr != nil {
				s.queueFallback(gctx, channel, rcpt, rendered, eventType)
				result.Results[i] = RecipientResult{
					Recipient: rcpt.contact,
					Status:    string(model.DeliveryFailed),
					Attempts:  attempts,
					Error:     derr.Error(),
				}
				s.recordOutcome(gctx, rcpt, channel, eventType, model.DeliveryFailed, attempts, rendered.Subject, rendered.Body)
				return nil
			}

			result.Results[i] = RecipientResult{
				Recipient: rcpt.contact,
				Status:    string(model.DeliverySent),
				Attempts:  attempts,
			}
			s.recordOutcome(gctx, rcpt, channel, eventType, model.DeliverySent, attempts, rendered.Subject, rendered.Body)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range result.Results {
		if r.Status == string(model.DeliverySent) {
			result.Sent++
		} else {
			result.Failed++
		}
	}

	util.Info("Bulk dispatch completed",
		zap.String("channel", channel),
		zap.String("event_type", string(eventType)),
		zap.Int("sent", result.Sent),
		zap.Int("failed", result.Failed))

	return result, nil
}

// resolveRecipients expands user IDs into contact addresses, honoring
// notification preferences. Raw contacts bypass preferences but still
// require a non-empty address.
func (s *DispatchService) resolveRecipients(ctx context.Context, channel string, req *NotificationRequest) ([]recipient, error) {
	seen := make(map[string]bool)
	var recipients []recipient

	for _, userID := range req.UserIDs {
		user, err := s.users.GetByID(ctx, userID)
		if err != nil {
			if err == model.ErrUserNotFound {
				util.Warn("Skipping unknown user in dispatch", zap.String("user_id", userID))
				continue
			}
			return nil, fmt.Errorf("failed to resolve user %s: %w", userID, err)
		}
		if !user.AcceptsChannel(channel) {
			util.Debug("User opted out of channel",
				zap.String("user_id", userID),
				zap.String("channel", channel))
			continue
		}
		contact := user.Email
		if channel == "sms" {
			contact = user.Phone
		}
		if contact == "" || seen[contact] {
			continue
		}
		seen[contact] = true
		recipients = append(recipients, recipient{
			contact: contact,
			userID:  user.UserID,
			role:    user.Role,
			name:    "",
		})
	}

	for _, contact := range req.Contacts {
		if contact == "" || seen[contact] {
			continue
		}
		seen[contact] = true
		recipients = append(recipients, recipient{contact: contact})
	}

	return recipients, nil
}

func mergeData(base map[string]string, rcpt recipient) map[string]string {
	data := make(map[string]string, len(base)+2)
	for k, v := range base {
		data[k] = util.SanitizeInput(v)
	}
	if rcpt.userID != "" {
		data["user_id"] = rcpt.userID
	}
	return data
}

// deliverWithRetry attempts delivery up to MaxRetries times with
// exponential backoff. Returns the attempt count alongside the terminal
// error, if any.
func (s *DispatchService) deliverWithRetry(ctx context.Context, channel, contact, subject, body string) (int, error) {
	var lastErr error

	for attempt := 0; attempt < s.cfg.Dispatch.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := s.cfg.Dispatch.BackoffBase * time.Duration(1<<uint(attempt-1))
			s.sleep(backoff)
		}

		sendCtx, cancel := context.WithTimeout(ctx, s.cfg.Dispatch.SendTimeout)
		switch {
		case channel == "email" && s.email != nil:
			_, lastErr = s.email.SendMail(sendCtx, contact, subject, body)
		case channel != "email" && s.sms != nil:
			lastErr = s.sms.SendSMS(sendCtx, contact, body)
		default:
			lastErr = fmt.Errorf("no sender configured for channel %s", channel)
		}
		cancel()

		if lastErr == nil {
			return attempt + 1, nil
		}

		util.Warn("Delivery attempt failed",
			zap.String("channel", channel),
			zap.String("recipient", contact),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr))

		if ctx.Err() != nil {
			return attempt + 1, ctx.Err()
		}
	}

	return s.cfg.Dispatch.MaxRetries, fmt.Errorf("%w: %v", model.ErrDispatchFailed, lastErr)
}

// queueFallback pushes a job onto the durable retry queue after live
// delivery exhausted its attempts.
func (s *DispatchService) queueFallback(ctx context.Context, channel string, rcpt recipient, rendered *model.RenderedMessage, eventType model.EventType) {
	job := &model.DispatchJob{
		JobID:      uuid.New().String(),
		UserID:     rcpt.userID,
		Channel:    channel,
		Recipients: []string{rcpt.contact},
		Subject:    rendered.Subject,
		Body:       rendered.Body,
		EventType:  eventType,
		EnqueuedAt: time.Now().UTC(),
	}
	_ = s.enqueueFallbackJob(ctx, job)
}

func (s *DispatchService) enqueueFallbackJob(ctx context.Context, job *model.DispatchJob) error {
	if err := s.retryQueue.Enqueue(ctx, job); err != nil {
		util.Error("Failed to queue fallback job",
			zap.String("job_id", job.JobID),
			zap.String("channel", job.Channel),
			zap.Error(err))
		return err
	}

	s.auditor.Emit(model.AuditDispatchQueued, job.UserID, "", job.EventType, map[string]string{
		"job_id":  job.JobID,
		"channel": job.Channel,
	})
	return nil
}

// recordOutcome appends the terminal delivery log entry with an
// envelope-encrypted payload snapshot, then mirrors it to the search
// index. Both writes are best-effort.
func (s *DispatchService) recordOutcome(ctx context.Context, rcpt recipient, channel string, eventType model.EventType, status model.DeliveryStatus, attempts int, subject, body string) {
	snapshot, err := json.Marshal(map[string]string{
		"subject": subject,
		"body":    body,
	})
	if err != nil {
		snapshot = []byte("{}")
	}

	encrypted := ""
	if s.crypto != nil {
		env, eerr := s.crypto.EncryptPayload(ctx, string(snapshot))
		if eerr != nil {
			util.Warn("Failed to encrypt payload snapshot", zap.Error(eerr))
		} else if raw, merr := json.Marshal(env); merr == nil {
			encrypted = string(raw)
		}
	}

	entry := &model.NotificationLogEntry{
		LogID:           uuid.New().String(),
		UserID:          rcpt.userID,
		Channel:         channel,
		Recipient:       rcpt.contact,
		EventType:       eventType,
		Status:          status,
		Attempts:        attempts,
		PayloadSnapshot: encrypted,
		CreatedAt:       time.Now().UTC(),
	}

	if err := s.logs.Append(ctx, entry); err != nil {
		util.Error("Failed to append delivery log",
			zap.String("recipient", rcpt.contact),
			zap.Error(err))
	}

	if s.indexer != nil {
		// The search copy omits the payload entirely.
		indexEntry := *entry
		indexEntry.PayloadSnapshot = ""
		if err := s.indexer.IndexLogEntry(ctx, &indexEntry); err != nil {
			util.Warn("Failed to index delivery log",
				zap.String("log_id", entry.LogID),
				zap.Error(err))
		}
	}
}

// Deliver sends a pre-rendered job to each of its recipients with the
// standard retry policy. The drain worker uses it directly; live
// callers go through DeliverWithFallback.
func (s *DispatchService) Deliver(ctx context.Context, job *model.DispatchJob) error {
	var firstErr error
	for _, contact := range job.Recipients {
		rcpt := recipient{contact: contact, userID: job.UserID}
		attempts, err := s.deliverWithRetry(ctx, job.Channel, contact, job.Subject, job.Body)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			s.recordOutcome(ctx, rcpt, job.Channel, job.EventType, model.DeliveryFailed, attempts, job.Subject, job.Body)
			continue
		}
		s.recordOutcome(ctx, rcpt, job.Channel, job.EventType, model.DeliverySent, attempts, job.Subject, job.Body)
	}
	return firstErr
}

// DeliverWithFallback sends a job live and, when delivery fails, parks
// it on the durable retry queue instead of surfacing the failure. The
// caller only sees an error when live delivery and the fallback enqueue
// both fail.
func (s *DispatchService) DeliverWithFallback(ctx context.Context, job *model.DispatchJob) error {
	derr := s.Deliver(ctx, job)
	if derr == nil {
		return nil
	}

	job.EnqueuedAt = time.Now().UTC()
	if qerr := s.enqueueFallbackJob(ctx, job); qerr != nil {
		return derr
	}

	util.Warn("Delivery failed, job queued for retry",
		zap.String("job_id", job.JobID),
		zap.String("channel", job.Channel),
		zap.Error(derr))
	return nil
}

const maxRequeues = 3

// RunRetryWorker drains the fallback queue. A job that keeps failing is
// re-queued up to maxRequeues times and then dropped with a terminal
// FAILED log entry from Deliver.
func (s *DispatchService) RunRetryWorker(ctx context.Context, consumer *client.KafkaConsumer) {
	util.Info("Retry worker started")
	for {
		if ctx.Err() != nil {
			util.Info("Retry worker stopped")
			return
		}

		msg, err := consumer.ConsumeMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				util.Info("Retry worker stopped")
				return
			}
			util.Error("Failed to consume retry message", zap.Error(err))
			s.sleep(s.cfg.Dispatch.RetryPollWait)
			continue
		}

		job, err := queue.DecodeJob(msg.Value)
		if err != nil {
			util.Warn("Skipping undecodable retry message", zap.Error(err))
			continue
		}

		if err := s.Deliver(ctx, job); err != nil {
			requeues := 0
			if job.Metadata != nil {
				requeues, _ = strconv.Atoi(job.Metadata["requeues"])
			}
			if requeues >= maxRequeues {
				util.Error("Dropping job after repeated retry failures",
					zap.String("job_id", job.JobID),
					zap.Int("requeues", requeues))
				continue
			}
			if job.Metadata == nil {
				job.Metadata = map[string]string{}
			}
			job.Metadata["requeues"] = strconv.Itoa(requeues + 1)
			if qerr := s.retryQueue.Enqueue(ctx, job); qerr != nil {
				util.Error("Failed to requeue job",
					zap.String("job_id", job.JobID),
					zap.Error(qerr))
			}
		}
	}
}
