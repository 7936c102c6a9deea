package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"testing"
	"time"

	"otp-notification-service/internal/bucketing"
	"otp-notification-service/internal/config"
	"otp-notification-service/internal/hashing"
	"otp-notification-service/internal/model"
)

func testConfig() *config.Config {
	return &config.Config{
		Environment: "test",
		OTP: config.OTPConfig{
			EmailCodeLength: 6,
			PhoneCodeLength: 7,
			EmailTTL:        10 * time.Minute,
			PhoneTTL:        5 * time.Minute,
			MaxAttempts:     3,
			IssueWindow:     time.Minute,
			IssueMax:        5,
		},
		Dispatch: config.DispatchConfig{
			MaxRetries:      3,
			BackoffBase:     500 * time.Millisecond,
			SendTimeout:     10 * time.Second,
			BulkWindow:      time.Minute,
			BulkMax:         10,
			BulkConcurrency: 4,
			RetryPollWait:   time.Millisecond,
		},
		Bucketing: config.BucketingConfig{
			ContactBuckets: 64,
		},
		Hashing: config.HashingConfig{
			// Cheap parameters keep the test suite fast; production values
			// come from the environment.
			Argon2MemoryCost:   1024,
			Argon2TimeCost:     1,
			Argon2Parallelism:  1,
			PepperRotationDays: 30,
		},
		TemplateCacheTTL: 5 * time.Minute,
	}
}

type otpHarness struct {
	svc       *OTPService
	dispatch  *DispatchService
	repo      *fakeOTPRepo
	users     *fakeUserRepo
	rateLimit *fakeRateLimit
	roleRepo  *fakeRoleRepo
	email     *fakeEmailSender
	sms       *fakeSMSSender
	retry     *fakeRetryQueue
	logs      *fakeLogRepo
	publisher *fakeAuditPublisher
}

func newOTPHarness(t *testing.T) *otpHarness {
	t.Helper()
	cfg := testConfig()

	h := &otpHarness{
		repo:      newFakeOTPRepo(),
		rateLimit: newFakeRateLimit(),
		roleRepo:  newFakeRoleRepo(),
		email:     newFakeEmailSender(),
		sms:       newFakeSMSSender(),
		retry:     &fakeRetryQueue{},
		logs:      &fakeLogRepo{},
		publisher: &fakeAuditPublisher{},
	}
	h.users = newFakeUserRepo(&model.User{
		UserID:               "user-1",
		Role:                 "customer",
		Email:                "rider@example.com",
		Phone:                "+14155550100",
		NotificationsEnabled: true,
	})

	emitter := NewAuditEmitter(h.publisher)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go emitter.Run(ctx)

	events := NewEventTypeService(newFakeEventTypeRepo(), emitter)
	roles := NewRoleService(h.roleRepo)
	templates := NewTemplateService(&fakeTemplateRepo{}, newFakeTemplateCache(), emitter)

	buckets := bucketing.NewManager(cfg)
	h.dispatch = NewDispatchService(cfg, h.email, h.sms, h.users, templates, events,
		h.rateLimit, h.retry, h.logs, nil, nil, buckets, emitter)
	h.dispatch.sleep = func(time.Duration) {}

	hasher := hashing.NewHasher(cfg)
	h.svc = NewOTPService(cfg, h.repo, h.users, roles, events, templates,
		h.dispatch, h.rateLimit, hasher, buckets, emitter)

	return h
}

var emailCodePattern = regexp.MustCompile(`<b>(\d+)</b>`)

func (h *otpHarness) lastEmailCode(t *testing.T) string {
	t.Helper()
	m := emailCodePattern.FindStringSubmatch(h.email.lastBody())
	if m == nil {
		t.Fatalf("no code found in email body %q", h.email.lastBody())
	}
	return m[1]
}

func emailRequest() *GenerateOTPRequest {
	return &GenerateOTPRequest{
		UserID:    "user-1",
		Contact:   "rider@example.com",
		Medium:    model.MediumEmail,
		EventType: "account verification",
		Name:      "Riya",
	}
}

func TestGenerateAndVerifyRoundTrip(t *testing.T) {
	h := newOTPHarness(t)
	ctx := context.Background()

	result, err := h.svc.GenerateAndSend(ctx, emailRequest())
	if err != nil {
		t.Fatalf("GenerateAndSend: %v", err)
	}
	if result.TransactionReference == "" || result.OTPID == "" {
		t.Fatal("expected non-empty identifiers")
	}
	if h.email.sentCount() != 1 {
		t.Fatalf("expected 1 email sent, got %d", h.email.sentCount())
	}

	code := h.lastEmailCode(t)
	if len(code) != 6 {
		t.Fatalf("expected 6-digit email code, got %q", code)
	}

	verified, err := h.svc.Verify(ctx, result.TransactionReference, code)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !verified.Verified || verified.UserID != "user-1" || verified.EventType != model.EventAccountVerification {
		t.Fatalf("unexpected verify result %+v", verified)
	}

	// Verification is terminal; a second attempt cannot succeed again.
	if _, err := h.svc.Verify(ctx, result.TransactionReference, code); !errors.Is(err, model.ErrAlreadyVerified) {
		t.Fatalf("expected ErrAlreadyVerified, got %v", err)
	}

	// The successful verification counts as an attempt.
	rec, err := h.repo.GetByTransactionRef(ctx, result.TransactionReference)
	if err != nil {
		t.Fatalf("GetByTransactionRef: %v", err)
	}
	if rec.Attempts != 1 {
		t.Fatalf("expected 1 attempt recorded after verification, got %d", rec.Attempts)
	}
}

func TestGenerateAndVerifySMS(t *testing.T) {
	h := newOTPHarness(t)
	ctx := context.Background()

	result, err := h.svc.GenerateAndSend(ctx, &GenerateOTPRequest{
		UserID:    "user-1",
		Contact:   "+14155550100",
		Medium:    model.MediumSMS,
		EventType: "phone verification",
	})
	if err != nil {
		t.Fatalf("GenerateAndSend: %v", err)
	}

	m := regexp.MustCompile(`\d{7}`).FindString(h.sms.lastBody())
	if m == "" {
		t.Fatalf("no 7-digit code found in sms body %q", h.sms.lastBody())
	}

	verified, err := h.svc.Verify(ctx, result.TransactionReference, m)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if verified.EventType != model.EventPhoneVerification {
		t.Fatalf("unexpected event type %s", verified.EventType)
	}
}

func TestReissueSupersedesPrevious(t *testing.T) {
	h := newOTPHarness(t)
	ctx := context.Background()

	first, err := h.svc.GenerateAndSend(ctx, emailRequest())
	if err != nil {
		t.Fatalf("first GenerateAndSend: %v", err)
	}
	firstCode := h.lastEmailCode(t)

	second, err := h.svc.GenerateAndSend(ctx, emailRequest())
	if err != nil {
		t.Fatalf("second GenerateAndSend: %v", err)
	}
	secondCode := h.lastEmailCode(t)

	if first.TransactionReference == second.TransactionReference {
		t.Fatal("expected distinct transaction references")
	}

	// The superseded reference is indistinguishable from a missing one.
	if _, err := h.svc.Verify(ctx, first.TransactionReference, firstCode); !errors.Is(err, model.ErrOtpNotFound) {
		t.Fatalf("expected ErrOtpNotFound for superseded otp, got %v", err)
	}

	if _, err := h.svc.Verify(ctx, second.TransactionReference, secondCode); err != nil {
		t.Fatalf("verify of fresh otp: %v", err)
	}
}

func TestCrossEventOTPsStayIndependent(t *testing.T) {
	h := newOTPHarness(t)
	ctx := context.Background()

	verification, err := h.svc.GenerateAndSend(ctx, emailRequest())
	if err != nil {
		t.Fatalf("GenerateAndSend verification: %v", err)
	}
	verificationCode := h.lastEmailCode(t)

	reset, err := h.svc.GenerateAndSend(ctx, &GenerateOTPRequest{
		UserID:    "user-1",
		Contact:   "rider@example.com",
		Medium:    model.MediumEmail,
		EventType: "password reset",
	})
	if err != nil {
		t.Fatalf("GenerateAndSend reset: %v", err)
	}
	resetCode := h.lastEmailCode(t)

	// Issuing for a different event type must not supersede the first.
	if _, err := h.svc.Verify(ctx, verification.TransactionReference, verificationCode); err != nil {
		t.Fatalf("verify account verification otp: %v", err)
	}
	if _, err := h.svc.Verify(ctx, reset.TransactionReference, resetCode); err != nil {
		t.Fatalf("verify password reset otp: %v", err)
	}
}

func TestVerifyAttemptCeiling(t *testing.T) {
	h := newOTPHarness(t)
	ctx := context.Background()

	result, err := h.svc.GenerateAndSend(ctx, emailRequest())
	if err != nil {
		t.Fatalf("GenerateAndSend: %v", err)
	}
	code := h.lastEmailCode(t)

	wrong := "000000"
	if wrong == code {
		wrong = "000001"
	}

	// Every wrong code reports InvalidCode, including the one that uses
	// up the last attempt.
	for i := 0; i < 3; i++ {
		if _, err := h.svc.Verify(ctx, result.TransactionReference, wrong); !errors.Is(err, model.ErrInvalidCode) {
			t.Fatalf("attempt %d: expected ErrInvalidCode, got %v", i+1, err)
		}
	}

	// The fourth call finds the record exhausted, even with the correct
	// code.
	if _, err := h.svc.Verify(ctx, result.TransactionReference, code); !errors.Is(err, model.ErrAttemptsExhausted) {
		t.Fatalf("expected ErrAttemptsExhausted with correct code, got %v", err)
	}
	if _, err := h.svc.Verify(ctx, result.TransactionReference, wrong); !errors.Is(err, model.ErrAttemptsExhausted) {
		t.Fatalf("expected ErrAttemptsExhausted with wrong code, got %v", err)
	}
}

func TestVerifyExpiredOTP(t *testing.T) {
	h := newOTPHarness(t)
	ctx := context.Background()

	result, err := h.svc.GenerateAndSend(ctx, emailRequest())
	if err != nil {
		t.Fatalf("GenerateAndSend: %v", err)
	}
	code := h.lastEmailCode(t)

	h.svc.now = func() time.Time { return time.Now().Add(11 * time.Minute) }

	if _, err := h.svc.Verify(ctx, result.TransactionReference, code); !errors.Is(err, model.ErrOtpExpired) {
		t.Fatalf("expected ErrOtpExpired, got %v", err)
	}
}

func TestGenerateRateLimit(t *testing.T) {
	h := newOTPHarness(t)
	ctx := context.Background()

	// Pin the clock so every issue lands in the same window.
	fixed := time.Now()
	h.svc.now = func() time.Time { return fixed }

	for i := 0; i < 5; i++ {
		if _, err := h.svc.GenerateAndSend(ctx, emailRequest()); err != nil {
			t.Fatalf("issue %d: %v", i+1, err)
		}
	}

	if _, err := h.svc.GenerateAndSend(ctx, emailRequest()); !errors.Is(err, model.ErrRateLimitExceeded) {
		t.Fatalf("expected ErrRateLimitExceeded on sixth issue, got %v", err)
	}
}

func TestIssueRateLimitKeyScopedToWindow(t *testing.T) {
	h := newOTPHarness(t)
	fixed := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	h.svc.now = func() time.Time { return fixed }

	if _, err := h.svc.GenerateAndSend(context.Background(), emailRequest()); err != nil {
		t.Fatalf("GenerateAndSend: %v", err)
	}

	// The key carries the window start so the counter dies with its
	// window.
	want := fmt.Sprintf("otp_issue:rider@example.com:%d", fixed.Unix()/60*60)
	if h.rateLimit.counts[want] != 1 {
		t.Fatalf("expected counter on %q, got %v", want, h.rateLimit.counts)
	}
}

func TestUnknownUserIssuesConsumeWindow(t *testing.T) {
	h := newOTPHarness(t)
	ctx := context.Background()

	fixed := time.Now()
	h.svc.now = func() time.Time { return fixed }

	// Floods for a contact burn the window before the user lookup, so
	// probing with bogus user IDs cannot bypass the limiter.
	ghost := emailRequest()
	ghost.UserID = "no-such-user"
	for i := 0; i < 5; i++ {
		if _, err := h.svc.GenerateAndSend(ctx, ghost); !errors.Is(err, model.ErrUserNotFound) {
			t.Fatalf("issue %d: expected ErrUserNotFound, got %v", i+1, err)
		}
	}

	if _, err := h.svc.GenerateAndSend(ctx, emailRequest()); !errors.Is(err, model.ErrRateLimitExceeded) {
		t.Fatalf("expected ErrRateLimitExceeded for exhausted contact, got %v", err)
	}
}

func TestGenerateSurvivesDeliveryFailure(t *testing.T) {
	h := newOTPHarness(t)
	ctx := context.Background()
	h.email.failFor("rider@example.com", -1)

	result, err := h.svc.GenerateAndSend(ctx, emailRequest())
	if err != nil {
		t.Fatalf("GenerateAndSend despite failing transport: %v", err)
	}
	if result.TransactionReference == "" {
		t.Fatal("expected a transaction reference despite delivery failure")
	}

	failed := h.logs.byStatus(model.DeliveryFailed)
	if len(failed) != 1 || failed[0].Attempts != 3 {
		t.Fatalf("unexpected failure log %+v", failed)
	}
	if h.retry.count() != 1 {
		t.Fatalf("expected 1 fallback job, got %d", h.retry.count())
	}

	// The code stays verifiable when obtained out of band.
	m := emailCodePattern.FindStringSubmatch(h.retry.jobs[0].Body)
	if m == nil {
		t.Fatalf("no code in queued job body %q", h.retry.jobs[0].Body)
	}
	verified, err := h.svc.Verify(ctx, result.TransactionReference, m[1])
	if err != nil || !verified.Verified {
		t.Fatalf("verify after failed delivery: %v %+v", err, verified)
	}

	waitFor(t, func() bool {
		return len(h.publisher.byAction(model.AuditDispatchQueued)) == 1
	})
}

func TestConcurrentReissueKeepsSingleActive(t *testing.T) {
	h := newOTPHarness(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.svc.GenerateAndSend(ctx, emailRequest())
		}()
	}
	wg.Wait()

	active, err := h.repo.ListActiveByContact(ctx, "rider@example.com")
	if err != nil {
		t.Fatalf("ListActiveByContact: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("expected exactly one live record per tuple, got %d", len(active))
	}
}

func TestGenerateValidation(t *testing.T) {
	h := newOTPHarness(t)
	ctx := context.Background()

	cases := []struct {
		name string
		req  *GenerateOTPRequest
	}{
		{"missing user", &GenerateOTPRequest{Contact: "rider@example.com", Medium: model.MediumEmail, EventType: "otp"}},
		{"bad medium", &GenerateOTPRequest{UserID: "user-1", Contact: "rider@example.com", Medium: "PIGEON", EventType: "otp"}},
		{"bad email", &GenerateOTPRequest{UserID: "user-1", Contact: "not-an-email", Medium: model.MediumEmail, EventType: "otp"}},
		{"bad phone", &GenerateOTPRequest{UserID: "user-1", Contact: "0123", Medium: model.MediumSMS, EventType: "otp"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := h.svc.GenerateAndSend(ctx, tc.req); !errors.Is(err, model.ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestGenerateRejectsNonOTPEventType(t *testing.T) {
	h := newOTPHarness(t)

	req := emailRequest()
	req.EventType = "order update"
	if _, err := h.svc.GenerateAndSend(context.Background(), req); !errors.Is(err, model.ErrValidation) {
		t.Fatalf("expected ErrValidation for non-otp event type, got %v", err)
	}
}

func TestGenerateUnknownUser(t *testing.T) {
	h := newOTPHarness(t)

	req := emailRequest()
	req.UserID = "no-such-user"
	if _, err := h.svc.GenerateAndSend(context.Background(), req); !errors.Is(err, model.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestGenerateRoleChecks(t *testing.T) {
	h := newOTPHarness(t)
	ctx := context.Background()

	// Dynamic mapping restricts account verification to admins.
	h.roleRepo.mappings[model.EventAccountVerification] = []string{"admin"}
	if _, err := h.svc.GenerateAndSend(ctx, emailRequest()); !errors.Is(err, model.ErrRoleNotApplicable) {
		t.Fatalf("expected ErrRoleNotApplicable, got %v", err)
	}

	h.users.users["user-2"] = &model.User{
		UserID:               "user-2",
		Email:                "norole@example.com",
		NotificationsEnabled: true,
	}
	req := emailRequest()
	req.UserID = "user-2"
	req.Contact = "norole@example.com"
	if _, err := h.svc.GenerateAndSend(ctx, req); !errors.Is(err, model.ErrRoleUndefined) {
		t.Fatalf("expected ErrRoleUndefined, got %v", err)
	}
}

func TestVerifyInputValidation(t *testing.T) {
	h := newOTPHarness(t)
	ctx := context.Background()

	if _, err := h.svc.Verify(ctx, "", "123456"); !errors.Is(err, model.ErrValidation) {
		t.Fatalf("expected ErrValidation for empty reference, got %v", err)
	}
	if _, err := h.svc.Verify(ctx, "some-ref", "abc123"); !errors.Is(err, model.ErrValidation) {
		t.Fatalf("expected ErrValidation for non-numeric code, got %v", err)
	}
	if _, err := h.svc.Verify(ctx, "unknown-ref", "123456"); !errors.Is(err, model.ErrOtpNotFound) {
		t.Fatalf("expected ErrOtpNotFound for unknown reference, got %v", err)
	}
}

func TestGenerateEmitsAuditTrail(t *testing.T) {
	h := newOTPHarness(t)
	ctx := context.Background()

	result, err := h.svc.GenerateAndSend(ctx, emailRequest())
	if err != nil {
		t.Fatalf("GenerateAndSend: %v", err)
	}
	code := h.lastEmailCode(t)
	if _, err := h.svc.Verify(ctx, result.TransactionReference, code); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	waitFor(t, func() bool {
		return len(h.publisher.byAction(model.AuditOTPIssued)) == 1 &&
			len(h.publisher.byAction(model.AuditOTPVerified)) == 1
	})

	issued := h.publisher.byAction(model.AuditOTPIssued)[0]
	if issued.Detail["transaction_reference"] != result.TransactionReference {
		t.Fatalf("audit detail missing transaction reference: %+v", issued.Detail)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
