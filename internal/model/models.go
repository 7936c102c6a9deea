package model

import (
	"context"
	"time"
)

// -------------------- MEDIUM / CHANNEL --------------------

type Medium string

const (
	MediumEmail    Medium = "EMAIL"
	MediumSMS      Medium = "SMS"
	MediumWhatsApp Medium = "WHATSAPP"
)

// Valid reports whether m is one of the supported delivery mediums.
func (m Medium) Valid() bool {
	switch m {
	case MediumEmail, MediumSMS, MediumWhatsApp:
		return true
	}
	return false
}

// Channel returns the transport channel backing the medium. SMS and
// WhatsApp both ride the SMS gateway.
func (m Medium) Channel() string {
	if m == MediumEmail {
		return "email"
	}
	return "sms"
}

// -------------------- OTP RECORD --------------------

type OTPStatus string

const (
	OTPStatusPending    OTPStatus = "PENDING"
	OTPStatusVerified   OTPStatus = "VERIFIED"
	OTPStatusExpired    OTPStatus = "EXPIRED"
	OTPStatusExhausted  OTPStatus = "EXHAUSTED"
	OTPStatusSuperseded OTPStatus = "SUPERSEDED"
)

// OTPRecord is the durable form of an issued one-time passcode. The code
// itself is never stored; only its salted, peppered hash is.
type OTPRecord struct {
	OTPID                string     `json:"otp_id" db:"otp_id"`
	TransactionReference string     `json:"transaction_reference" db:"transaction_reference"`
	UserID               string     `json:"user_id" db:"user_id"`
	Contact              string     `json:"contact" db:"contact"`
	ContactBucket        int        `json:"contact_bucket" db:"contact_bucket"`
	CodeHash             string     `json:"-" db:"code_hash"`
	CodeSalt             string     `json:"-" db:"code_salt"`
	PepperVersion        int        `json:"-" db:"pepper_version"`
	EventType            EventType  `json:"event_type" db:"event_type"`
	Medium               Medium     `json:"medium" db:"medium"`
	ExpiresAt            time.Time  `json:"expires_at" db:"expires_at"`
	Verified             bool       `json:"verified" db:"verified"`
	VerifiedAt           *time.Time `json:"verified_at,omitempty" db:"verified_at"`
	Attempts             int        `json:"attempts" db:"attempts"`
	Superseded           bool       `json:"superseded" db:"superseded"`
	CreatedAt            time.Time  `json:"created_at" db:"created_at"`
}

// Status derives the lifecycle state from the record fields.
func (r *OTPRecord) Status(now time.Time, maxAttempts int) OTPStatus {
	switch {
	case r.Verified:
		return OTPStatusVerified
	case r.Superseded:
		return OTPStatusSuperseded
	case now.After(r.ExpiresAt):
		return OTPStatusExpired
	case r.Attempts >= maxAttempts:
		return OTPStatusExhausted
	}
	return OTPStatusPending
}

// OTPIssueResult is the public projection returned to callers after
// generation. The code is deliberately absent.
type OTPIssueResult struct {
	OTPID                string    `json:"otp_id"`
	TransactionReference string    `json:"transaction_reference"`
	ExpiresAt            time.Time `json:"expires_at"`
}

// OTPVerifyResult is returned on successful verification. Callers use
// EventType and UserID to check the OTP was issued for the workflow
// being completed.
type OTPVerifyResult struct {
	Verified  bool      `json:"verified"`
	UserID    string    `json:"user_id"`
	EventType EventType `json:"event_type"`
}

// -------------------- EVENT TYPE RECORD --------------------

// EventTypeRecord is the durable row behind a canonical event type name.
type EventTypeRecord struct {
	ID          string    `json:"id" db:"id"`
	Name        EventType `json:"name" db:"name"`
	Description string    `json:"description" db:"description"`
	CreatedBy   string    `json:"created_by" db:"created_by"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// -------------------- MESSAGE TEMPLATE --------------------

type MessageTemplate struct {
	ID              string    `json:"id" db:"id"`
	Name            string    `json:"name" db:"name"`
	Channel         string    `json:"channel" db:"channel"`
	Subject         string    `json:"subject" db:"subject"`
	BodyTemplate    string    `json:"body_template" db:"body_template"`
	ApplicableRoles []string  `json:"applicable_roles" db:"applicable_roles"`
	EventType       EventType `json:"event_type" db:"event_type"`
	IsActive        bool      `json:"is_active" db:"is_active"`
	UpdatedBy       string    `json:"updated_by" db:"updated_by"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

// RenderedMessage is the output of template resolution and rendering.
type RenderedMessage struct {
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body"`
}

// -------------------- NOTIFICATION LOG --------------------

type DeliveryStatus string

const (
	DeliverySent   DeliveryStatus = "SENT"
	DeliveryFailed DeliveryStatus = "FAILED"
)

// NotificationLogEntry is the append-only terminal record of one delivery.
// Retries fold into a single entry; PayloadSnapshot is envelope-encrypted
// before it reaches storage.
type NotificationLogEntry struct {
	LogID           string         `json:"log_id" db:"log_id"`
	UserID          string         `json:"user_id,omitempty" db:"user_id"`
	Channel         string         `json:"channel" db:"channel"`
	Recipient       string         `json:"recipient" db:"recipient"`
	EventType       EventType      `json:"event_type" db:"event_type"`
	Status          DeliveryStatus `json:"status" db:"status"`
	Attempts        int            `json:"attempts" db:"attempts"`
	PayloadSnapshot string         `json:"payload_snapshot" db:"payload_snapshot"`
	CreatedAt       time.Time      `json:"created_at" db:"created_at"`
}

// -------------------- USER --------------------

// User is the narrow projection of the account platform's user the core
// needs: identity, role, contact fields, and notification preferences.
type User struct {
	UserID               string   `json:"user_id" db:"user_id"`
	Role                 string   `json:"role" db:"role"`
	Email                string   `json:"email" db:"email"`
	Phone                string   `json:"phone" db:"phone"`
	NotificationsEnabled bool     `json:"notifications_enabled" db:"notifications_enabled"`
	ChannelOptOuts       []string `json:"channel_opt_outs" db:"channel_opt_outs"`
}

// AcceptsChannel reports whether the user may receive messages on the
// given transport channel.
func (u *User) AcceptsChannel(channel string) bool {
	if !u.NotificationsEnabled {
		return false
	}
	for _, c := range u.ChannelOptOuts {
		if c == channel {
			return false
		}
	}
	return true
}

// -------------------- DISPATCH --------------------

// DispatchJob carries everything needed to (re)send one notification. It
// is the payload pushed onto the fallback retry queue when live delivery
// exhausts its retries.
type DispatchJob struct {
	JobID      string            `json:"job_id"`
	UserID     string            `json:"user_id,omitempty"`
	Channel    string            `json:"channel"`
	Recipients []string          `json:"recipients"`
	Subject    string            `json:"subject,omitempty"`
	Body       string            `json:"body"`
	EventType  EventType         `json:"event_type"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	EnqueuedAt time.Time         `json:"enqueued_at"`
}

// -------------------- AUDIT --------------------

type AuditAction string

const (
	AuditOTPIssued       AuditAction = "otp.issued"
	AuditOTPVerified     AuditAction = "otp.verified"
	AuditOTPRejected     AuditAction = "otp.rejected"
	AuditEventTypeCreate AuditAction = "event_type.created"
	AuditTemplateChanged AuditAction = "template.changed"
	AuditDispatchQueued  AuditAction = "dispatch.fallback_queued"
)

type AuditEvent struct {
	EventID   string            `json:"event_id"`
	Action    AuditAction       `json:"action"`
	UserID    string            `json:"user_id,omitempty"`
	Actor     string            `json:"actor,omitempty"`
	EventType EventType         `json:"event_type,omitempty"`
	Detail    map[string]string `json:"detail,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// -------------------- REPOSITORY INTERFACES --------------------

// OTPRepository defines durable OTP record operations. Implementations
// must make CreateSuperseding and the two compare-and-swap mutations
// atomic at the storage layer.
type OTPRepository interface {
	// CreateSuperseding invalidates any live record for the same
	// (userID, contact, eventType) tuple and inserts the new record as a
	// single atomic unit. It returns the superseded transaction
	// reference, if any.
	CreateSuperseding(ctx context.Context, rec *OTPRecord) (superseded string, err error)
	GetByTransactionRef(ctx context.Context, ref string) (*OTPRecord, error)
	// ListActiveByContact returns non-terminal records for a contact
	// address, used to keep candidate codes unique per contact.
	ListActiveByContact(ctx context.Context, contact string) ([]*OTPRecord, error)
	// MarkVerified flips verified=false -> true and sets attempts, as a
	// compare-and-swap on (verified, attempts). Returns false when the
	// swap lost a race or the expected state no longer holds.
	MarkVerified(ctx context.Context, ref string, expectedAttempts int, verifiedAt time.Time) (bool, error)
	// IncrementAttempts bumps attempts from the expected value by one,
	// compare-and-swap like MarkVerified.
	IncrementAttempts(ctx context.Context, ref string, expectedAttempts int) (bool, error)
	DeleteExpired(ctx context.Context, before time.Time) (int, error)
}

// EventTypeRepository persists canonical event types with idempotent
// create-if-missing semantics. Ensure reports whether this call created
// the row.
type EventTypeRepository interface {
	Ensure(ctx context.Context, name EventType, description, createdBy string) (*EventTypeRecord, bool, error)
	Get(ctx context.Context, name EventType) (*EventTypeRecord, error)
}

// TemplateRepository reads and mutates message templates.
type TemplateRepository interface {
	// ActiveByEvent returns active templates for (eventType, channel)
	// ordered most-recently-updated first.
	ActiveByEvent(ctx context.Context, eventType EventType, channel string) ([]*MessageTemplate, error)
	Upsert(ctx context.Context, tpl *MessageTemplate) error
	Deactivate(ctx context.Context, eventType EventType, id string, updatedBy string) error
}

// RoleMappingRepository reads the dynamic event-type -> roles table.
type RoleMappingRepository interface {
	RolesForEvent(ctx context.Context, eventType EventType) ([]string, error)
}

// NotificationLogRepository appends terminal delivery entries.
type NotificationLogRepository interface {
	Append(ctx context.Context, entry *NotificationLogEntry) error
}

// UserRepository is the narrow user/role lookup the core consumes.
type UserRepository interface {
	GetByID(ctx context.Context, userID string) (*User, error)
}

// -------------------- CACHE INTERFACES --------------------

// RateLimitCache is the fixed-window counter primitive. The increment and
// the first-window expiry must be atomic at the storage layer.
type RateLimitCache interface {
	CheckAndIncrement(ctx context.Context, key string, window time.Duration, max int) (bool, error)
}

// TemplateCache holds template rows for a short TTL and supports explicit
// invalidation on template mutation.
type TemplateCache interface {
	Get(ctx context.Context, eventType EventType, channel string) ([]*MessageTemplate, bool)
	Set(ctx context.Context, eventType EventType, channel string, tpls []*MessageTemplate)
	Invalidate(ctx context.Context, eventType EventType)
}

// -------------------- TRANSPORT INTERFACES --------------------

// EmailSender is the outbound email capability. Implementations return an
// error on transient failure; the dispatch pipeline owns retries.
type EmailSender interface {
	SendMail(ctx context.Context, to, subject, html string) (messageID string, err error)
}

// SMSSender is the outbound SMS/WhatsApp capability.
type SMSSender interface {
	SendSMS(ctx context.Context, to, message string) error
}

// -------------------- QUEUE INTERFACES --------------------

// RetryQueue is the durable fallback queue for jobs whose live delivery
// exhausted its retries.
type RetryQueue interface {
	Enqueue(ctx context.Context, job *DispatchJob) error
}

// AuditPublisher carries audit events off the request path.
type AuditPublisher interface {
	Publish(ctx context.Context, event *AuditEvent) error
}
