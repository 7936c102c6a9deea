package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"otp-notification-service/internal/model"
)

// In-memory fakes implementing the model interfaces. They reproduce the
// storage-layer contracts the services rely on, in particular the
// compare-and-swap semantics of the OTP repository.

type fakeOTPRepo struct {
	mu      sync.Mutex
	records map[string]*model.OTPRecord
	active  map[string]string
	failAll error
}

func newFakeOTPRepo() *fakeOTPRepo {
	return &fakeOTPRepo{
		records: make(map[string]*model.OTPRecord),
		active:  make(map[string]string),
	}
}

func activeKey(rec *model.OTPRecord) string {
	return rec.Contact + "|" + rec.UserID + "|" + string(rec.EventType)
}

func (r *fakeOTPRepo) CreateSuperseding(ctx context.Context, rec *model.OTPRecord) (string, error) {
	if r.failAll != nil {
		return "", r.failAll
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	key := activeKey(rec)
	superseded := ""
	if prevRef, ok := r.active[key]; ok {
		if prev, ok := r.records[prevRef]; ok && !prev.Verified && !prev.Superseded {
			prev.Superseded = true
			superseded = prevRef
		}
	}

	cp := *rec
	r.records[rec.TransactionReference] = &cp
	r.active[key] = rec.TransactionReference
	return superseded, nil
}

func (r *fakeOTPRepo) GetByTransactionRef(ctx context.Context, ref string) (*model.OTPRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[ref]
	if !ok {
		return nil, model.ErrOtpNotFound
	}
	cp := *rec
	return &cp, nil
}

func (r *fakeOTPRepo) ListActiveByContact(ctx context.Context, contact string) ([]*model.OTPRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*model.OTPRecord
	for _, rec := range r.records {
		if rec.Contact == contact && !rec.Verified && !rec.Superseded && time.Now().Before(rec.ExpiresAt) {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeOTPRepo) MarkVerified(ctx context.Context, ref string, expectedAttempts int, verifiedAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[ref]
	if !ok {
		return false, model.ErrOtpNotFound
	}
	if rec.Verified || rec.Superseded || rec.Attempts != expectedAttempts {
		return false, nil
	}
	rec.Verified = true
	rec.VerifiedAt = &verifiedAt
	rec.Attempts = expectedAttempts + 1
	return true, nil
}

func (r *fakeOTPRepo) IncrementAttempts(ctx context.Context, ref string, expectedAttempts int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[ref]
	if !ok {
		return false, model.ErrOtpNotFound
	}
	if rec.Verified || rec.Attempts != expectedAttempts {
		return false, nil
	}
	rec.Attempts++
	return true, nil
}

func (r *fakeOTPRepo) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	deleted := 0
	for ref, rec := range r.records {
		if rec.ExpiresAt.Before(before) {
			delete(r.records, ref)
			deleted++
		}
	}
	return deleted, nil
}

type fakeUserRepo struct {
	mu    sync.Mutex
	users map[string]*model.User
}

func newFakeUserRepo(users ...*model.User) *fakeUserRepo {
	r := &fakeUserRepo{users: make(map[string]*model.User)}
	for _, u := range users {
		r.users[u.UserID] = u
	}
	return r
}

func (r *fakeUserRepo) GetByID(ctx context.Context, userID string) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[userID]
	if !ok {
		return nil, model.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

// fakeRateLimit mirrors the fixed-window counter: the increment happens
// before the check, so a denied call still consumes from the window.
type fakeRateLimit struct {
	mu     sync.Mutex
	counts map[string]int
	err    error
}

func newFakeRateLimit() *fakeRateLimit {
	return &fakeRateLimit{counts: make(map[string]int)}
}

func (c *fakeRateLimit) CheckAndIncrement(ctx context.Context, key string, window time.Duration, max int) (bool, error) {
	if c.err != nil {
		return false, c.err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[key]++
	return c.counts[key] <= max, nil
}

type fakeTemplateRepo struct {
	mu        sync.Mutex
	templates []*model.MessageTemplate
	err       error
	calls     int
}

func (r *fakeTemplateRepo) ActiveByEvent(ctx context.Context, eventType model.EventType, channel string) ([]*model.MessageTemplate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	var out []*model.MessageTemplate
	for _, tpl := range r.templates {
		if tpl.EventType == eventType && tpl.Channel == channel && tpl.IsActive {
			out = append(out, tpl)
		}
	}
	// Most recently updated first, as the storage layer guarantees.
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].UpdatedAt.After(out[i].UpdatedAt) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out, nil
}

func (r *fakeTemplateRepo) Upsert(ctx context.Context, tpl *model.MessageTemplate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	if tpl.ID == "" {
		tpl.ID = fmt.Sprintf("tpl-%d", len(r.templates)+1)
	}
	tpl.IsActive = true
	if tpl.UpdatedAt.IsZero() {
		tpl.UpdatedAt = time.Now().UTC()
	}
	r.templates = append(r.templates, tpl)
	return nil
}

func (r *fakeTemplateRepo) Deactivate(ctx context.Context, eventType model.EventType, id string, updatedBy string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, tpl := range r.templates {
		if tpl.EventType == eventType && tpl.ID == id {
			tpl.IsActive = false
			return nil
		}
	}
	return model.ErrValidation
}

type cacheEntry struct {
	templates []*model.MessageTemplate
}

type fakeTemplateCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	hits    int
	sets    int
}

func newFakeTemplateCache() *fakeTemplateCache {
	return &fakeTemplateCache{entries: make(map[string]cacheEntry)}
}

func cacheKey(eventType model.EventType, channel string) string {
	return string(eventType) + ":" + channel
}

func (c *fakeTemplateCache) Get(ctx context.Context, eventType model.EventType, channel string) ([]*model.MessageTemplate, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[cacheKey(eventType, channel)]
	if ok {
		c.hits++
	}
	return entry.templates, ok
}

func (c *fakeTemplateCache) Set(ctx context.Context, eventType model.EventType, channel string, tpls []*model.MessageTemplate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets++
	c.entries[cacheKey(eventType, channel)] = cacheEntry{templates: tpls}
}

func (c *fakeTemplateCache) Invalidate(ctx context.Context, eventType model.EventType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, cacheKey(eventType, "email"))
	delete(c.entries, cacheKey(eventType, "sms"))
}

type fakeRoleRepo struct {
	mu       sync.Mutex
	mappings map[model.EventType][]string
	err      error
}

func newFakeRoleRepo() *fakeRoleRepo {
	return &fakeRoleRepo{mappings: make(map[model.EventType][]string)}
}

func (r *fakeRoleRepo) RolesForEvent(ctx context.Context, eventType model.EventType) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	return r.mappings[eventType], nil
}

type fakeEventTypeRepo struct {
	mu      sync.Mutex
	records map[model.EventType]*model.EventTypeRecord
}

func newFakeEventTypeRepo() *fakeEventTypeRepo {
	return &fakeEventTypeRepo{records: make(map[model.EventType]*model.EventTypeRecord)}
}

func (r *fakeEventTypeRepo) Ensure(ctx context.Context, name model.EventType, description, createdBy string) (*model.EventTypeRecord, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[name]; ok {
		cp := *rec
		return &cp, false, nil
	}
	rec := &model.EventTypeRecord{
		ID:          fmt.Sprintf("et-%d", len(r.records)+1),
		Name:        name,
		Description: description,
		CreatedBy:   createdBy,
		CreatedAt:   time.Now().UTC(),
	}
	r.records[name] = rec
	cp := *rec
	return &cp, true, nil
}

func (r *fakeEventTypeRepo) Get(ctx context.Context, name model.EventType) (*model.EventTypeRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[name]
	if !ok {
		return nil, errors.New("event type not found")
	}
	cp := *rec
	return &cp, nil
}

type fakeLogRepo struct {
	mu      sync.Mutex
	entries []*model.NotificationLogEntry
}

func (r *fakeLogRepo) Append(ctx context.Context, entry *model.NotificationLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *entry
	r.entries = append(r.entries, &cp)
	return nil
}

func (r *fakeLogRepo) byStatus(status model.DeliveryStatus) []*model.NotificationLogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.NotificationLogEntry
	for _, e := range r.entries {
		if e.Status == status {
			out = append(out, e)
		}
	}
	return out
}

type fakeRetryQueue struct {
	mu   sync.Mutex
	jobs []*model.DispatchJob
	err  error
}

func (q *fakeRetryQueue) Enqueue(ctx context.Context, job *model.DispatchJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	cp := *job
	q.jobs = append(q.jobs, &cp)
	return nil
}

func (q *fakeRetryQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

type fakeAuditPublisher struct {
	mu     sync.Mutex
	events []*model.AuditEvent
}

func (p *fakeAuditPublisher) Publish(ctx context.Context, event *model.AuditEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := *event
	p.events = append(p.events, &cp)
	return nil
}

func (p *fakeAuditPublisher) byAction(action model.AuditAction) []*model.AuditEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*model.AuditEvent
	for _, e := range p.events {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

type sentMail struct {
	To      string
	Subject string
	Body    string
}

type fakeEmailSender struct {
	mu       sync.Mutex
	sent     []sentMail
	failures map[string]int // remaining failures per recipient; -1 fails forever
}

func newFakeEmailSender() *fakeEmailSender {
	return &fakeEmailSender{failures: make(map[string]int)}
}

func (s *fakeEmailSender) failFor(to string, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[to] = times
}

func (s *fakeEmailSender) SendMail(ctx context.Context, to, subject, html string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if remaining, ok := s.failures[to]; ok && remaining != 0 {
		if remaining > 0 {
			s.failures[to] = remaining - 1
		}
		return "", errors.New("smtp connection refused")
	}
	s.sent = append(s.sent, sentMail{To: to, Subject: subject, Body: html})
	return fmt.Sprintf("msg-%d", len(s.sent)), nil
}

func (s *fakeEmailSender) lastBody() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sent) == 0 {
		return ""
	}
	return s.sent[len(s.sent)-1].Body
}

func (s *fakeEmailSender) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type fakeSMSSender struct {
	mu       sync.Mutex
	sent     []sentMail
	failures map[string]int
}

func newFakeSMSSender() *fakeSMSSender {
	return &fakeSMSSender{failures: make(map[string]int)}
}

func (s *fakeSMSSender) SendSMS(ctx context.Context, to, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if remaining, ok := s.failures[to]; ok && remaining != 0 {
		if remaining > 0 {
			s.failures[to] = remaining - 1
		}
		return errors.New("twilio unavailable")
	}
	s.sent = append(s.sent, sentMail{To: to, Body: message})
	return nil
}

func (s *fakeSMSSender) lastBody() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sent) == 0 {
		return ""
	}
	return s.sent[len(s.sent)-1].Body
}

type fakeIndexer struct {
	mu      sync.Mutex
	entries []*model.NotificationLogEntry
}

func (i *fakeIndexer) IndexLogEntry(ctx context.Context, entry *model.NotificationLogEntry) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	cp := *entry
	i.entries = append(i.entries, &cp)
	return nil
}
