package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"otp-notification-service/internal/model"
)

func TestRenderTemplate(t *testing.T) {
	cases := []struct {
		name     string
		template string
		data     map[string]string
		want     string
	}{
		{
			name:     "substitutes placeholders",
			template: "Hi {name}, your code is {otp}.",
			data:     map[string]string{"name": "Riya", "otp": "123456"},
			want:     "Hi Riya, your code is 123456.",
		},
		{
			name:     "missing keys render empty",
			template: "Hi {name}, your code is {otp}.",
			data:     map[string]string{"otp": "123456"},
			want:     "Hi , your code is 123456.",
		},
		{
			name:     "no placeholders untouched",
			template: "plain text { not a placeholder",
			data:     map[string]string{"otp": "123456"},
			want:     "plain text { not a placeholder",
		},
		{
			name:     "nil data renders all empty",
			template: "{a}{b}{c}",
			data:     nil,
			want:     "",
		},
		{
			name:     "repeated placeholder",
			template: "{otp} and again {otp}",
			data:     map[string]string{"otp": "7"},
			want:     "7 and again 7",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := RenderTemplate(tc.template, tc.data); got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestRenderTemplateIsPure(t *testing.T) {
	template := "code {otp} for {name}"
	data := map[string]string{"otp": "9", "name": "x"}
	first := RenderTemplate(template, data)
	for i := 0; i < 10; i++ {
		if got := RenderTemplate(template, data); got != first {
			t.Fatalf("render diverged: %q vs %q", got, first)
		}
	}
}

func newTemplateHarness(t *testing.T) (*TemplateService, *fakeTemplateRepo, *fakeTemplateCache, *fakeAuditPublisher) {
	t.Helper()
	repo := &fakeTemplateRepo{}
	cache := newFakeTemplateCache()
	publisher := &fakeAuditPublisher{}

	emitter := NewAuditEmitter(publisher)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go emitter.Run(ctx)

	return NewTemplateService(repo, cache, emitter), repo, cache, publisher
}

func TestResolveStoredBeatsDefault(t *testing.T) {
	svc, repo, _, _ := newTemplateHarness(t)

	repo.templates = []*model.MessageTemplate{{
		ID:           "tpl-1",
		Channel:      "email",
		EventType:    model.EventAccountVerification,
		Subject:      "Custom subject",
		BodyTemplate: "custom {otp}",
		IsActive:     true,
		UpdatedAt:    time.Now(),
	}}

	tpl, err := svc.Resolve(context.Background(), model.EventAccountVerification, "email", "customer")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if tpl.ID != "tpl-1" {
		t.Fatalf("expected stored template to win, got %+v", tpl)
	}
}

func TestResolveMostRecentWins(t *testing.T) {
	svc, repo, _, _ := newTemplateHarness(t)

	now := time.Now()
	repo.templates = []*model.MessageTemplate{
		{ID: "old", Channel: "email", EventType: model.EventPasswordReset, BodyTemplate: "old", IsActive: true, UpdatedAt: now.Add(-time.Hour)},
		{ID: "new", Channel: "email", EventType: model.EventPasswordReset, BodyTemplate: "new", IsActive: true, UpdatedAt: now},
	}

	tpl, err := svc.Resolve(context.Background(), model.EventPasswordReset, "email", "customer")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if tpl.ID != "new" {
		t.Fatalf("expected most recently updated template, got %q", tpl.ID)
	}
}

func TestResolveRoleFiltering(t *testing.T) {
	svc, repo, _, _ := newTemplateHarness(t)

	now := time.Now()
	repo.templates = []*model.MessageTemplate{
		{ID: "admin-only", Channel: "email", EventType: model.EventPasswordReset, BodyTemplate: "admin", ApplicableRoles: []string{"admin"}, IsActive: true, UpdatedAt: now},
		{ID: "everyone", Channel: "email", EventType: model.EventPasswordReset, BodyTemplate: "all", IsActive: true, UpdatedAt: now.Add(-time.Minute)},
	}

	tpl, err := svc.Resolve(context.Background(), model.EventPasswordReset, "email", "customer")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if tpl.ID != "everyone" {
		t.Fatalf("role filter should skip admin-only template, got %q", tpl.ID)
	}

	tpl, err = svc.Resolve(context.Background(), model.EventPasswordReset, "email", "admin")
	if err != nil {
		t.Fatalf("Resolve admin: %v", err)
	}
	if tpl.ID != "admin-only" {
		t.Fatalf("admin should get the newer admin-only template, got %q", tpl.ID)
	}
}

func TestResolveFallsBackToDefaults(t *testing.T) {
	svc, _, _, _ := newTemplateHarness(t)

	tpl, err := svc.Resolve(context.Background(), model.EventPasswordReset, "sms", "customer")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if tpl.Name != "default-password-reset-sms" {
		t.Fatalf("expected built-in default, got %+v", tpl)
	}

	// Event types without a specific default get the generic one.
	tpl, err = svc.Resolve(context.Background(), model.EventOrderUpdate, "email", "customer")
	if err != nil {
		t.Fatalf("Resolve generic: %v", err)
	}
	if tpl.Name != "default-generic-email" {
		t.Fatalf("expected generic default, got %+v", tpl)
	}
}

func TestResolveUsesDefaultsWhenRepoDown(t *testing.T) {
	svc, repo, _, _ := newTemplateHarness(t)
	repo.err = errors.New("scylla timeout")

	tpl, err := svc.Resolve(context.Background(), model.EventAccountVerification, "email", "customer")
	if err != nil {
		t.Fatalf("Resolve should degrade to defaults, got %v", err)
	}
	if tpl.Name != "default-account-verification-email" {
		t.Fatalf("expected default while repo is down, got %+v", tpl)
	}
}

func TestResolveCachesRepoResults(t *testing.T) {
	svc, repo, cache, _ := newTemplateHarness(t)

	repo.templates = []*model.MessageTemplate{{
		ID: "tpl-1", Channel: "email", EventType: model.EventLogin2FA,
		BodyTemplate: "cached {otp}", IsActive: true, UpdatedAt: time.Now(),
	}}

	ctx := context.Background()
	if _, err := svc.Resolve(ctx, model.EventLogin2FA, "email", "customer"); err != nil {
		t.Fatalf("first Resolve: %v", err)
	}
	if _, err := svc.Resolve(ctx, model.EventLogin2FA, "email", "customer"); err != nil {
		t.Fatalf("second Resolve: %v", err)
	}

	if repo.calls != 1 {
		t.Fatalf("expected a single repository read, got %d", repo.calls)
	}
	if cache.hits == 0 {
		t.Fatal("expected the second resolve to hit the cache")
	}
}

func TestUpsertInvalidatesCacheAndAudits(t *testing.T) {
	svc, _, cache, publisher := newTemplateHarness(t)
	ctx := context.Background()

	cache.Set(ctx, model.EventMarketing, "email", []*model.MessageTemplate{{ID: "stale"}})

	err := svc.Upsert(ctx, &model.MessageTemplate{
		EventType:    model.EventMarketing,
		Channel:      "email",
		Subject:      "August deals",
		BodyTemplate: "{body}",
	}, "marketing-team")
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	if _, hit := cache.Get(ctx, model.EventMarketing, "email"); hit {
		t.Fatal("expected cache invalidation after upsert")
	}

	waitFor(t, func() bool {
		return len(publisher.byAction(model.AuditTemplateChanged)) == 1
	})
	event := publisher.byAction(model.AuditTemplateChanged)[0]
	if event.Actor != "marketing-team" || event.Detail["operation"] != "upsert" {
		t.Fatalf("unexpected audit event %+v", event)
	}
}

func TestUpsertValidation(t *testing.T) {
	svc, _, _, _ := newTemplateHarness(t)
	ctx := context.Background()

	cases := []*model.MessageTemplate{
		{Channel: "email", BodyTemplate: "x"},
		{EventType: model.EventMarketing, BodyTemplate: "x"},
		{EventType: model.EventMarketing, Channel: "email"},
		{EventType: model.EventMarketing, Channel: "carrier-pigeon", BodyTemplate: "x"},
	}
	for i, tpl := range cases {
		if err := svc.Upsert(ctx, tpl, "tester"); !errors.Is(err, model.ErrValidation) {
			t.Fatalf("case %d: expected ErrValidation, got %v", i, err)
		}
	}
}

func TestDeactivateInvalidatesCache(t *testing.T) {
	svc, repo, cache, _ := newTemplateHarness(t)
	ctx := context.Background()

	tpl := &model.MessageTemplate{
		EventType:    model.EventMarketing,
		Channel:      "sms",
		BodyTemplate: "{body}",
	}
	if err := svc.Upsert(ctx, tpl, "tester"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	cache.Set(ctx, model.EventMarketing, "sms", []*model.MessageTemplate{tpl})

	if err := svc.Deactivate(ctx, model.EventMarketing, tpl.ID, "tester"); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	if _, hit := cache.Get(ctx, model.EventMarketing, "sms"); hit {
		t.Fatal("expected cache invalidation after deactivate")
	}

	active, err := repo.ActiveByEvent(ctx, model.EventMarketing, "sms")
	if err != nil {
		t.Fatalf("ActiveByEvent: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("expected no active templates after deactivate, got %d", len(active))
	}
}
