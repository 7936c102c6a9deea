package model

import (
	"testing"
	"time"
)

func TestOTPRecordStatus(t *testing.T) {
	now := time.Now().UTC()
	base := OTPRecord{
		ExpiresAt: now.Add(5 * time.Minute),
	}

	cases := []struct {
		name   string
		mutate func(*OTPRecord)
		want   OTPStatus
	}{
		{"pending", func(r *OTPRecord) {}, OTPStatusPending},
		{"verified", func(r *OTPRecord) { r.Verified = true }, OTPStatusVerified},
		{"superseded", func(r *OTPRecord) { r.Superseded = true }, OTPStatusSuperseded},
		{"expired", func(r *OTPRecord) { r.ExpiresAt = now.Add(-time.Second) }, OTPStatusExpired},
		{"exhausted", func(r *OTPRecord) { r.Attempts = 3 }, OTPStatusExhausted},
		// Verified wins over everything else.
		{"verified beats expired", func(r *OTPRecord) {
			r.Verified = true
			r.ExpiresAt = now.Add(-time.Second)
		}, OTPStatusVerified},
		// Superseded wins over expiry and exhaustion.
		{"superseded beats exhausted", func(r *OTPRecord) {
			r.Superseded = true
			r.Attempts = 3
		}, OTPStatusSuperseded},
		{"expired beats exhausted", func(r *OTPRecord) {
			r.ExpiresAt = now.Add(-time.Second)
			r.Attempts = 3
		}, OTPStatusExpired},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := base
			tc.mutate(&rec)
			if got := rec.Status(now, 3); got != tc.want {
				t.Fatalf("Status = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestMediumChannel(t *testing.T) {
	if MediumEmail.Channel() != "email" {
		t.Fatal("email medium should ride the email channel")
	}
	if MediumSMS.Channel() != "sms" || MediumWhatsApp.Channel() != "sms" {
		t.Fatal("sms and whatsapp both ride the sms channel")
	}

	for _, m := range []Medium{MediumEmail, MediumSMS, MediumWhatsApp} {
		if !m.Valid() {
			t.Fatalf("%s should be valid", m)
		}
	}
	if Medium("FAX").Valid() {
		t.Fatal("unknown medium should be invalid")
	}
}

func TestUserAcceptsChannel(t *testing.T) {
	user := User{
		NotificationsEnabled: true,
		ChannelOptOuts:       []string{"sms"},
	}
	if !user.AcceptsChannel("email") {
		t.Fatal("expected email accepted")
	}
	if user.AcceptsChannel("sms") {
		t.Fatal("expected sms opted out")
	}

	user.NotificationsEnabled = false
	if user.AcceptsChannel("email") {
		t.Fatal("disabled notifications block every channel")
	}
}
