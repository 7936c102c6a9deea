package queue

import (
	"encoding/json"
	"testing"
	"time"

	"otp-notification-service/internal/model"
)

func TestDecodeJob(t *testing.T) {
	job := &model.DispatchJob{
		JobID:      "job-1",
		UserID:     "user-1",
		Channel:    "email",
		Recipients: []string{"rider@example.com"},
		Subject:    "Hello",
		Body:       "<p>hi</p>",
		EventType:  model.EventOrderUpdate,
		Metadata:   map[string]string{"requeues": "1"},
		EnqueuedAt: time.Now().UTC().Truncate(time.Second),
	}

	raw, err := json.Marshal(job)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	decoded, err := DecodeJob(raw)
	if err != nil {
		t.Fatalf("DecodeJob: %v", err)
	}
	if decoded.JobID != job.JobID || decoded.Channel != job.Channel ||
		decoded.Metadata["requeues"] != "1" || len(decoded.Recipients) != 1 {
		t.Fatalf("decoded job diverged: %+v", decoded)
	}
}

func TestDecodeJobRejectsGarbage(t *testing.T) {
	if _, err := DecodeJob([]byte("not json")); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestDecodeAuditEvent(t *testing.T) {
	event := &model.AuditEvent{
		EventID:   "evt-1",
		Action:    model.AuditOTPIssued,
		UserID:    "user-1",
		EventType: model.EventPasswordReset,
		Detail:    map[string]string{"transaction_reference": "ref-1"},
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}

	raw, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	decoded, err := DecodeAuditEvent(raw)
	if err != nil {
		t.Fatalf("DecodeAuditEvent: %v", err)
	}
	if decoded.Action != model.AuditOTPIssued || decoded.Detail["transaction_reference"] != "ref-1" {
		t.Fatalf("decoded event diverged: %+v", decoded)
	}
}
