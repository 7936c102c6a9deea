package service

import (
	"context"
	"testing"
	"time"

	"otp-notification-service/internal/model"
)

func newEventTypeHarness(t *testing.T) (*EventTypeService, *fakeEventTypeRepo, *fakeAuditPublisher) {
	t.Helper()
	repo := newFakeEventTypeRepo()
	publisher := &fakeAuditPublisher{}

	emitter := NewAuditEmitter(publisher)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go emitter.Run(ctx)

	return NewEventTypeService(repo, emitter), repo, publisher
}

func TestResolveNormalizesInput(t *testing.T) {
	svc, _, _ := newEventTypeHarness(t)

	cases := map[string]model.EventType{
		"  Password   Reset ": model.EventPasswordReset,
		"forgot password":     model.EventPasswordReset,
		"2FA":                 model.EventLogin2FA,
		"ORDER_UPDATE":        model.EventOrderUpdate,
		"something new":       model.EventOthers,
		"":                    model.EventOthers,
	}
	for raw, want := range cases {
		if got := svc.Resolve(raw); got != want {
			t.Fatalf("Resolve(%q) = %s, want %s", raw, got, want)
		}
	}
}

func TestEnsureExistsIdempotent(t *testing.T) {
	svc, _, publisher := newEventTypeHarness(t)
	ctx := context.Background()

	first, err := svc.EnsureExists(ctx, "wallet transaction", "wallet credit/debit", "platform-team")
	if err != nil {
		t.Fatalf("first EnsureExists: %v", err)
	}
	if first.Name != model.EventWalletTransaction {
		t.Fatalf("unexpected canonical name %s", first.Name)
	}

	second, err := svc.EnsureExists(ctx, "payment", "", "someone-else")
	if err != nil {
		t.Fatalf("second EnsureExists: %v", err)
	}
	if second.ID != first.ID || second.CreatedBy != "platform-team" {
		t.Fatalf("repeat ensure must return the original row, got %+v", second)
	}

	// Only the creation is audited, not the repeat.
	waitFor(t, func() bool {
		return len(publisher.byAction(model.AuditEventTypeCreate)) == 1
	})
	time.Sleep(20 * time.Millisecond)
	if got := len(publisher.byAction(model.AuditEventTypeCreate)); got != 1 {
		t.Fatalf("expected exactly one creation audit, got %d", got)
	}
}

func TestGetResolvesAliasFirst(t *testing.T) {
	svc, repo, _ := newEventTypeHarness(t)
	ctx := context.Background()

	if _, _, err := repo.Ensure(ctx, model.EventLogin2FA, "", "seed"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	rec, err := svc.Get(ctx, "two factor")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Name != model.EventLogin2FA {
		t.Fatalf("unexpected record %+v", rec)
	}
}
