package service

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"otp-notification-service/internal/bucketing"
	"otp-notification-service/internal/config"
	"otp-notification-service/internal/hashing"
	"otp-notification-service/internal/model"
	"otp-notification-service/internal/util"
)

var (
	emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	phonePattern = regexp.MustCompile(`^\+?[1-9]\d{6,14}$`)
	digitPattern = regexp.MustCompile(`^\d+$`)
)

// GenerateOTPRequest is the input to issuing a new one-time passcode.
type GenerateOTPRequest struct {
	UserID    string       `json:"user_id"`
	Contact   string       `json:"contact"`
	Medium    model.Medium `json:"medium"`
	EventType string       `json:"event_type"`
	Name      string       `json:"name,omitempty"`
}

// OTPService runs the OTP lifecycle: issue, supersede, verify, expire.
type OTPService struct {
	cfg       *config.Config
	repo      model.OTPRepository
	users     model.UserRepository
	roles     *RoleService
	events    *EventTypeService
	templates *TemplateService
	dispatch  *DispatchService
	rateLimit model.RateLimitCache
	hasher    *hashing.Hasher
	buckets   *bucketing.Manager
	auditor   *AuditEmitter

	// test seam; defaults to time.Now
	now func() time.Time
}

func NewOTPService(
	cfg *config.Config,
	repo model.OTPRepository,
	users model.UserRepository,
	roles *RoleService,
	events *EventTypeService,
	templates *TemplateService,
	dispatch *DispatchService,
	rateLimit model.RateLimitCache,
	hasher *hashing.Hasher,
	buckets *bucketing.Manager,
	auditor *AuditEmitter,
) *OTPService {
	return &OTPService{
		cfg:       cfg,
		repo:      repo,
		users:     users,
		roles:     roles,
		events:    events,
		templates: templates,
		dispatch:  dispatch,
		rateLimit: rateLimit,
		hasher:    hasher,
		buckets:   buckets,
		auditor:   auditor,
		now:       time.Now,
	}
}

// GenerateAndSend issues a fresh OTP for (user, contact, event type),
// superseding any live one, and delivers it over the requested medium.
func (s *OTPService) GenerateAndSend(ctx context.Context, req *GenerateOTPRequest) (*model.OTPIssueResult, error) {
	if err := s.validateRequest(req); err != nil {
		return nil, err
	}

	eventType := s.events.Resolve(req.EventType)
	if !eventType.CanCarryOTP() {
		return nil, fmt.Errorf("%w: event type %s cannot carry an OTP", model.ErrValidation, eventType)
	}

	// The window is consumed before the user is even looked up, so a
	// flood of requests for a contact throttles regardless of whether
	// the user exists.
	issueKey := fmt.Sprintf("otp_issue:%s:%d", req.Contact,
		s.buckets.TimeBucket(s.now(), s.cfg.OTP.IssueWindow))
	allowed, err := s.rateLimit.CheckAndIncrement(ctx, issueKey, s.cfg.OTP.IssueWindow, s.cfg.OTP.IssueMax)
	if err != nil {
		return nil, fmt.Errorf("rate limit check failed: %w", err)
	}
	if !allowed {
		util.Warn("OTP issue rate limit exceeded",
			zap.String("contact", req.Contact),
			zap.String("event_type", string(eventType)))
		return nil, model.ErrRateLimitExceeded
	}

	user, err := s.users.GetByID(ctx, req.UserID)
	if err != nil {
		if err == model.ErrUserNotFound {
			return nil, model.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	if err := s.roles.CheckApplicable(ctx, eventType, user.Role); err != nil {
		return nil, err
	}

	code, err := s.generateUniqueCode(ctx, req.Contact, req.Medium)
	if err != nil {
		return nil, err
	}

	hashed, err := s.hasher.HashOTP(code)
	if err != nil {
		return nil, fmt.Errorf("failed to hash otp code: %w", err)
	}

	ttl := s.cfg.OTP.EmailTTL
	if req.Medium != model.MediumEmail {
		ttl = s.cfg.OTP.PhoneTTL
	}

	now := s.now().UTC()
	rec := &model.OTPRecord{
		OTPID:                uuid.New().String(),
		TransactionReference: uuid.New().String(),
		UserID:               req.UserID,
		Contact:              req.Contact,
		ContactBucket:        s.buckets.ContactBucket(req.Contact),
		CodeHash:             hashed.Hash,
		CodeSalt:             hashed.Salt,
		PepperVersion:        hashed.PepperVersion,
		EventType:            eventType,
		Medium:               req.Medium,
		ExpiresAt:            now.Add(ttl),
		CreatedAt:            now,
	}

	supersededRef, err := s.repo.CreateSuperseding(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("failed to persist otp record: %w", err)
	}

	detail := map[string]string{
		"transaction_reference": rec.TransactionReference,
		"medium":                string(req.Medium),
	}
	if supersededRef != "" {
		detail["superseded"] = supersededRef
	}
	s.auditor.Emit(model.AuditOTPIssued, req.UserID, "", eventType, detail)

	if err := s.sendOTP(ctx, req, user, rec, code, ttl); err != nil {
		// Issuance and delivery are decoupled: the record stands and the
		// code stays verifiable even when every send attempt failed.
		util.Warn("OTP issued but delivery degraded",
			zap.String("transaction_reference", rec.TransactionReference),
			zap.Error(err))
	} else {
		util.Info("OTP issued and sent",
			zap.String("transaction_reference", rec.TransactionReference),
			zap.String("event_type", string(eventType)),
			zap.String("medium", string(req.Medium)),
			zap.Bool("superseded_previous", supersededRef != ""))
	}

	return &model.OTPIssueResult{
		OTPID:                rec.OTPID,
		TransactionReference: rec.TransactionReference,
		ExpiresAt:            rec.ExpiresAt,
	}, nil
}

func (s *OTPService) validateRequest(req *GenerateOTPRequest) error {
	if req.UserID == "" {
		return fmt.Errorf("%w: user_id is required", model.ErrValidation)
	}
	if !req.Medium.Valid() {
		return fmt.Errorf("%w: unsupported medium %q", model.ErrValidation, req.Medium)
	}
	req.Contact = strings.TrimSpace(req.Contact)
	if req.Medium == model.MediumEmail {
		if !emailPattern.MatchString(req.Contact) {
			return fmt.Errorf("%w: malformed email address", model.ErrValidation)
		}
		req.Contact = strings.ToLower(req.Contact)
	} else {
		if !phonePattern.MatchString(req.Contact) {
			return fmt.Errorf("%w: malformed phone number", model.ErrValidation)
		}
	}
	return nil
}

// generateUniqueCode draws a random numeric code, re-rolling while the
// candidate collides with a code still live for the same contact.
func (s *OTPService) generateUniqueCode(ctx context.Context, contact string, medium model.Medium) (string, error) {
	length := s.cfg.OTP.EmailCodeLength
	if medium != model.MediumEmail {
		length = s.cfg.OTP.PhoneCodeLength
	}

	active, err := s.repo.ListActiveByContact(ctx, contact)
	if err != nil {
		return "", fmt.Errorf("failed to list active otps: %w", err)
	}

	for attempt := 0; attempt < 10; attempt++ {
		code, err := randomNumericCode(length)
		if err != nil {
			return "", err
		}

		collides := false
		for _, rec := range active {
			match, verr := s.hasher.VerifyOTP(code, &hashing.HashResult{
				Hash:          rec.CodeHash,
				Salt:          rec.CodeSalt,
				PepperVersion: rec.PepperVersion,
			})
			if verr == nil && match {
				collides = true
				break
			}
		}
		if !collides {
			return code, nil
		}
	}

	return "", fmt.Errorf("failed to generate unique otp code for contact")
}

func randomNumericCode(length int) (string, error) {
	max := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(length)), nil)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", fmt.Errorf("failed to generate otp code: %w", err)
	}
	return fmt.Sprintf("%0*d", length, n), nil
}

func (s *OTPService) sendOTP(ctx context.Context, req *GenerateOTPRequest, user *model.User, rec *model.OTPRecord, code string, ttl time.Duration) error {
	channel := req.Medium.Channel()
	data := map[string]string{
		"otp":            code,
		"name":           util.SanitizeInput(req.Name),
		"expiry_minutes": strconv.Itoa(int(ttl.Minutes())),
	}

	rendered, err := s.templates.ResolveAndRender(ctx, rec.EventType, channel, user.Role, data)
	if err != nil {
		return fmt.Errorf("failed to render otp message: %w", err)
	}

	job := &model.DispatchJob{
		JobID:      uuid.New().String(),
		UserID:     req.UserID,
		Channel:    channel,
		Recipients: []string{req.Contact},
		Subject:    rendered.Subject,
		Body:       rendered.Body,
		EventType:  rec.EventType,
	}

	return s.dispatch.DeliverWithFallback(ctx, job)
}

// Verify checks a submitted code against the record for a transaction
// reference and advances the lifecycle accordingly.
func (s *OTPService) Verify(ctx context.Context, transactionRef, code string) (*model.OTPVerifyResult, error) {
	if transactionRef == "" {
		return nil, fmt.Errorf("%w: transaction reference is required", model.ErrValidation)
	}
	code = strings.TrimSpace(code)
	if code == "" || !digitPattern.MatchString(code) {
		return nil, fmt.Errorf("%w: malformed otp code", model.ErrValidation)
	}

	rec, err := s.repo.GetByTransactionRef(ctx, transactionRef)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	switch rec.Status(now, s.cfg.OTP.MaxAttempts) {
	case model.OTPStatusVerified:
		return nil, model.ErrAlreadyVerified
	case model.OTPStatusSuperseded:
		// A superseded record is dead to verification; callers cannot
		// distinguish it from one that never existed.
		return nil, model.ErrOtpNotFound
	case model.OTPStatusExpired:
		s.emitRejected(rec, "expired")
		return nil, model.ErrOtpExpired
	case model.OTPStatusExhausted:
		s.emitRejected(rec, "attempts_exhausted")
		return nil, model.ErrAttemptsExhausted
	}

	match, err := s.hasher.VerifyOTP(code, &hashing.HashResult{
		Hash:          rec.CodeHash,
		Salt:          rec.CodeSalt,
		PepperVersion: rec.PepperVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to verify otp code: %w", err)
	}

	if !match {
		applied, ierr := s.repo.IncrementAttempts(ctx, transactionRef, rec.Attempts)
		if ierr != nil {
			return nil, ierr
		}
		if !applied {
			// Lost a race with another attempt; re-read to report the
			// current state accurately.
			return s.Verify(ctx, transactionRef, code)
		}
		s.emitRejected(rec, "invalid_code")
		util.Info("OTP verification failed",
			zap.String("transaction_reference", transactionRef),
			zap.Int("attempts", rec.Attempts+1))
		// Exhaustion is a precondition of the next call, not a verdict
		// on this one.
		return nil, model.ErrInvalidCode
	}

	applied, err := s.repo.MarkVerified(ctx, transactionRef, rec.Attempts, now)
	if err != nil {
		return nil, err
	}
	if !applied {
		// Concurrent verify or failed attempt won; re-read and
		// re-evaluate so exactly one caller reports success.
		return s.Verify(ctx, transactionRef, code)
	}

	s.auditor.Emit(model.AuditOTPVerified, rec.UserID, "", rec.EventType, map[string]string{
		"transaction_reference": transactionRef,
	})

	util.Info("OTP verified",
		zap.String("transaction_reference", transactionRef),
		zap.String("event_type", string(rec.EventType)))

	return &model.OTPVerifyResult{
		Verified:  true,
		UserID:    rec.UserID,
		EventType: rec.EventType,
	}, nil
}

func (s *OTPService) emitRejected(rec *model.OTPRecord, reason string) {
	s.auditor.Emit(model.AuditOTPRejected, rec.UserID, "", rec.EventType, map[string]string{
		"transaction_reference": rec.TransactionReference,
		"reason":                reason,
	})
}

// RunExpirySweeper prunes long-expired records on an interval. Records
// stay queryable for a grace period after expiry so verification can
// report expiry rather than absence.
func (s *OTPService) RunExpirySweeper(ctx context.Context, interval, grace time.Duration) {
	util.Info("OTP expiry sweeper started",
		zap.Duration("interval", interval),
		zap.Duration("grace", grace))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			util.Info("OTP expiry sweeper stopped")
			return
		case <-ticker.C:
			cutoff := s.now().UTC().Add(-grace)
			if _, err := s.repo.DeleteExpired(ctx, cutoff); err != nil {
				util.Error("Expiry sweep failed", zap.Error(err))
			}
		}
	}
}
