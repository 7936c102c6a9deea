package service

import (
	"context"
	"testing"

	"otp-notification-service/internal/model"
)

func TestAuditEmitterDeliversEvents(t *testing.T) {
	publisher := &fakeAuditPublisher{}
	emitter := NewAuditEmitter(publisher)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go emitter.Run(ctx)

	emitter.Emit(model.AuditOTPIssued, "user-1", "", model.EventPasswordReset, map[string]string{
		"transaction_reference": "ref-1",
	})

	waitFor(t, func() bool {
		return len(publisher.byAction(model.AuditOTPIssued)) == 1
	})

	event := publisher.byAction(model.AuditOTPIssued)[0]
	if event.EventID == "" || event.UserID != "user-1" || event.EventType != model.EventPasswordReset {
		t.Fatalf("unexpected audit event %+v", event)
	}
	if event.CreatedAt.IsZero() {
		t.Fatal("expected a creation timestamp")
	}
}

func TestAuditEmitterNeverBlocks(t *testing.T) {
	// No Run loop draining: the buffer fills and further emits must drop
	// rather than block the caller.
	emitter := NewAuditEmitter(&fakeAuditPublisher{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < auditBufferSize+10; i++ {
			emitter.Emit(model.AuditOTPRejected, "user-1", "", model.EventLogin2FA, nil)
		}
	}()

	waitFor(t, func() bool {
		select {
		case <-done:
			return true
		default:
			return false
		}
	})
}
