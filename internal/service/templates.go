package service

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap"

	"otp-notification-service/internal/model"
	"otp-notification-service/internal/util"
)

var placeholderPattern = regexp.MustCompile(`\{([a-zA-Z0-9_]+)\}`)

// RenderTemplate substitutes {key} placeholders with values from data.
// Missing keys render as empty strings, so a partially filled data map
// still produces deliverable output. Rendering is pure: same template
// and data always yield the same body.
func RenderTemplate(template string, data map[string]string) string {
	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		key := match[1 : len(match)-1]
		return data[key]
	})
}

// defaultTemplates back template resolution when no stored template
// matches. Every OTP-bearing event type has a usable default so OTP
// delivery never fails on missing template configuration.
var defaultTemplates = map[model.EventType]map[string]*model.MessageTemplate{
	model.EventAccountVerification: {
		"email": {
			Name:         "default-account-verification-email",
			Channel:      "email",
			Subject:      "Verify your account",
			BodyTemplate: "<p>Hi {name},</p><p>Your verification code is <b>{otp}</b>. It expires in {expiry_minutes} minutes.</p>",
		},
		"sms": {
			Name:         "default-account-verification-sms",
			Channel:      "sms",
			BodyTemplate: "Your verification code is {otp}. It expires in {expiry_minutes} minutes.",
		},
	},
	model.EventPasswordReset: {
		"email": {
			Name:         "default-password-reset-email",
			Channel:      "email",
			Subject:      "Reset your password",
			BodyTemplate: "<p>Hi {name},</p><p>Use code <b>{otp}</b> to reset your password. It expires in {expiry_minutes} minutes.</p>",
		},
		"sms": {
			Name:         "default-password-reset-sms",
			Channel:      "sms",
			BodyTemplate: "Your password reset code is {otp}. It expires in {expiry_minutes} minutes.",
		},
	},
	model.EventPhoneVerification: {
		"sms": {
			Name:         "default-phone-verification-sms",
			Channel:      "sms",
			BodyTemplate: "Your phone verification code is {otp}. It expires in {expiry_minutes} minutes.",
		},
	},
	model.EventLogin2FA: {
		"email": {
			Name:         "default-login-2fa-email",
			Channel:      "email",
			Subject:      "Your sign-in code",
			BodyTemplate: "<p>Your sign-in code is <b>{otp}</b>. It expires in {expiry_minutes} minutes.</p>",
		},
		"sms": {
			Name:         "default-login-2fa-sms",
			Channel:      "sms",
			BodyTemplate: "Your sign-in code is {otp}. It expires in {expiry_minutes} minutes.",
		},
	},
	model.EventAccountDeletionRequest: {
		"email": {
			Name:         "default-account-deletion-email",
			Channel:      "email",
			Subject:      "Confirm account deletion",
			BodyTemplate: "<p>Use code <b>{otp}</b> to confirm deleting your account. It expires in {expiry_minutes} minutes.</p>",
		},
		"sms": {
			Name:         "default-account-deletion-sms",
			Channel:      "sms",
			BodyTemplate: "Use code {otp} to confirm deleting your account. It expires in {expiry_minutes} minutes.",
		},
	},
	model.EventOthers: {
		"email": {
			Name:         "default-generic-email",
			Channel:      "email",
			Subject:      "{subject}",
			BodyTemplate: "{body}",
		},
		"sms": {
			Name:         "default-generic-sms",
			Channel:      "sms",
			BodyTemplate: "{body}",
		},
	},
}

// TemplateService resolves the template for an (event type, channel,
// role) triple and renders it. Stored templates win over defaults; among
// stored templates the most recently updated applicable one wins.
type TemplateService struct {
	repo    model.TemplateRepository
	cache   model.TemplateCache
	auditor *AuditEmitter
}

func NewTemplateService(repo model.TemplateRepository, cache model.TemplateCache, auditor *AuditEmitter) *TemplateService {
	return &TemplateService{
		repo:    repo,
		cache:   cache,
		auditor: auditor,
	}
}

// Resolve picks the template for the triple. Role filtering: a template
// with no ApplicableRoles serves every role.
func (s *TemplateService) Resolve(ctx context.Context, eventType model.EventType, channel, role string) (*model.MessageTemplate, error) {
	templates, hit := s.cache.Get(ctx, eventType, channel)
	if !hit {
		opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		var err error
		templates, err = s.repo.ActiveByEvent(opCtx, eventType, channel)
		cancel()
		if err != nil {
			util.Warn("Template lookup failed, falling back to defaults",
				zap.String("event_type", string(eventType)),
				zap.String("channel", channel),
				zap.Error(err))
			templates = nil
		} else {
			s.cache.Set(ctx, eventType, channel, templates)
		}
	}

	for _, tpl := range templates {
		if templateServesRole(tpl, role) {
			return tpl, nil
		}
	}

	if byChannel, ok := defaultTemplates[eventType]; ok {
		if tpl, ok := byChannel[channel]; ok {
			return tpl, nil
		}
	}
	// Generic fallback keeps OTHERS-style traffic deliverable.
	if tpl, ok := defaultTemplates[model.EventOthers][channel]; ok {
		return tpl, nil
	}

	return nil, fmt.Errorf("%w: no template for event type %s on channel %s", model.ErrValidation, eventType, channel)
}

func templateServesRole(tpl *model.MessageTemplate, role string) bool {
	if len(tpl.ApplicableRoles) == 0 {
		return true
	}
	for _, r := range tpl.ApplicableRoles {
		if r == role {
			return true
		}
	}
	return false
}

// ResolveAndRender resolves the template and renders it with data.
func (s *TemplateService) ResolveAndRender(ctx context.Context, eventType model.EventType, channel, role string, data map[string]string) (*model.RenderedMessage, error) {
	tpl, err := s.Resolve(ctx, eventType, channel, role)
	if err != nil {
		return nil, err
	}

	return &model.RenderedMessage{
		Subject: RenderTemplate(tpl.Subject, data),
		Body:    RenderTemplate(tpl.BodyTemplate, data),
	}, nil
}

// Upsert stores a template and invalidates the cache for its event type.
func (s *TemplateService) Upsert(ctx context.Context, tpl *model.MessageTemplate, actor string) error {
	if tpl.EventType == "" || tpl.Channel == "" || tpl.BodyTemplate == "" {
		return fmt.Errorf("%w: event type, channel and body are required", model.ErrValidation)
	}
	if tpl.Channel != "email" && tpl.Channel != "sms" {
		return fmt.Errorf("%w: unsupported channel %q", model.ErrValidation, tpl.Channel)
	}

	opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tpl.UpdatedBy = actor
	if err := s.repo.Upsert(opCtx, tpl); err != nil {
		return err
	}

	s.cache.Invalidate(ctx, tpl.EventType)
	s.auditor.Emit(model.AuditTemplateChanged, "", actor, tpl.EventType, map[string]string{
		"template_id": tpl.ID,
		"channel":     tpl.Channel,
		"operation":   "upsert",
	})

	return nil
}

// Deactivate retires a template and invalidates the cache.
func (s *TemplateService) Deactivate(ctx context.Context, eventType model.EventType, id, actor string) error {
	opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.repo.Deactivate(opCtx, eventType, id, actor); err != nil {
		return err
	}

	s.cache.Invalidate(ctx, eventType)
	s.auditor.Emit(model.AuditTemplateChanged, "", actor, eventType, map[string]string{
		"template_id": id,
		"operation":   "deactivate",
	})

	return nil
}
