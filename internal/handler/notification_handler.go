package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"otp-notification-service/internal/model"
	"otp-notification-service/internal/service"
	"otp-notification-service/internal/util"
)

// NotificationHandler exposes the OTP and dispatch operations over HTTP.
type NotificationHandler struct {
	otpService      *service.OTPService
	dispatchService *service.DispatchService
	eventTypes      *service.EventTypeService
	templates       *service.TemplateService
	logger          *zap.Logger
}

func NewNotificationHandler(
	otpService *service.OTPService,
	dispatchService *service.DispatchService,
	eventTypes *service.EventTypeService,
	templates *service.TemplateService,
	logger *zap.Logger,
) *NotificationHandler {
	return &NotificationHandler{
		otpService:      otpService,
		dispatchService: dispatchService,
		eventTypes:      eventTypes,
		templates:       templates,
		logger:          logger,
	}
}

// Response is the standard API envelope.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

func errorResponse(err error, message string) Response {
	return Response{
		Success: false,
		Error:   err.Error(),
		Message: message,
	}
}

// RegisterRoutes registers all notification routes.
func (h *NotificationHandler) RegisterRoutes(router chi.Router) {
	router.Route("/otp", func(r chi.Router) {
		r.Post("/generate", h.GenerateOTP)
		r.Post("/verify", h.VerifyOTP)
	})

	router.Route("/notifications", func(r chi.Router) {
		r.Post("/email", h.SendEmail)
		r.Post("/sms", h.SendSMS)
	})

	router.Route("/event-types", func(r chi.Router) {
		r.Post("/", h.EnsureEventType)
	})

	router.Route("/templates", func(r chi.Router) {
		r.Put("/", h.UpsertTemplate)
		r.Post("/{eventType}/{templateID}/deactivate", h.DeactivateTemplate)
	})
}

// GenerateOTP issues and delivers a new one-time passcode.
func (h *NotificationHandler) GenerateOTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req service.GenerateOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	result, err := h.otpService.GenerateAndSend(ctx, &req)
	if err != nil {
		h.respondWithError(w, statusCode(err), err, "Failed to generate OTP")
		return
	}

	h.respondWithJSON(w, http.StatusCreated, successResponse(result, "OTP generated and sent"))
	h.logger.Info("OTP generated via HTTP",
		util.String("transaction_reference", result.TransactionReference),
		util.Duration("duration", time.Since(startTime)),
	)
}

type verifyOTPRequest struct {
	TransactionReference string `json:"transaction_reference"`
	Code                 string `json:"code"`
}

// VerifyOTP checks a submitted code against its transaction reference.
func (h *NotificationHandler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req verifyOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	result, err := h.otpService.Verify(ctx, req.TransactionReference, req.Code)
	if err != nil {
		h.respondWithError(w, statusCode(err), err, "OTP verification failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(result, "OTP verified"))
	h.logger.Info("OTP verified via HTTP",
		util.String("transaction_reference", req.TransactionReference),
		util.Duration("duration", time.Since(startTime)),
	)
}

// SendEmail dispatches an email notification to the resolved recipients.
func (h *NotificationHandler) SendEmail(w http.ResponseWriter, r *http.Request) {
	h.sendNotification(w, r, h.dispatchService.SendEmail)
}

// SendSMS dispatches an SMS notification to the resolved recipients.
func (h *NotificationHandler) SendSMS(w http.ResponseWriter, r *http.Request) {
	h.sendNotification(w, r, h.dispatchService.SendSMS)
}

func (h *NotificationHandler) sendNotification(
	w http.ResponseWriter,
	r *http.Request,
	send func(ctx context.Context, req *service.NotificationRequest) (*service.DispatchResult, error),
) {
	ctx := r.Context()
	startTime := time.Now()

	var req service.NotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	result, err := send(ctx, &req)
	if err != nil {
		h.respondWithError(w, statusCode(err), err, "Failed to dispatch notification")
		return
	}

	status := http.StatusOK
	if result.Failed > 0 && result.Sent == 0 {
		status = http.StatusBadGateway
	}
	h.respondWithJSON(w, status, successResponse(result, "Dispatch completed"))
	h.logger.Info("Notification dispatched via HTTP",
		util.String("channel", result.Channel),
		util.Int("sent", result.Sent),
		util.Int("failed", result.Failed),
		util.Duration("duration", time.Since(startTime)),
	)
}

type ensureEventTypeRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Actor       string `json:"actor,omitempty"`
}

// EnsureEventType resolves a name and creates the registry row if
// missing. Safe to call repeatedly.
func (h *NotificationHandler) EnsureEventType(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req ensureEventTypeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	rec, err := h.eventTypes.EnsureExists(ctx, req.Name, req.Description, req.Actor)
	if err != nil {
		h.respondWithError(w, statusCode(err), err, "Failed to ensure event type")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(rec, "Event type ensured"))
}

type upsertTemplateRequest struct {
	Template model.MessageTemplate `json:"template"`
	Actor    string                `json:"actor,omitempty"`
}

// UpsertTemplate creates or updates a message template.
func (h *NotificationHandler) UpsertTemplate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req upsertTemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	if err := h.templates.Upsert(ctx, &req.Template, req.Actor); err != nil {
		h.respondWithError(w, statusCode(err), err, "Failed to upsert template")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(req.Template, "Template upserted"))
}

// DeactivateTemplate retires one template.
func (h *NotificationHandler) DeactivateTemplate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	eventType := model.ResolveEventType(chi.URLParam(r, "eventType"))
	templateID := chi.URLParam(r, "templateID")

	actor := r.URL.Query().Get("actor")
	if err := h.templates.Deactivate(ctx, eventType, templateID, actor); err != nil {
		h.respondWithError(w, statusCode(err), err, "Failed to deactivate template")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Template deactivated"))
}

// statusCode maps service sentinels onto HTTP status codes.
func statusCode(err error) int {
	switch {
	case errors.Is(err, model.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrRateLimitExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, model.ErrUserNotFound), errors.Is(err, model.ErrOtpNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrRoleUndefined), errors.Is(err, model.ErrRoleNotApplicable):
		return http.StatusForbidden
	case errors.Is(err, model.ErrAlreadyVerified):
		return http.StatusConflict
	case errors.Is(err, model.ErrOtpExpired):
		return http.StatusGone
	case errors.Is(err, model.ErrAttemptsExhausted):
		return http.StatusTooManyRequests
	case errors.Is(err, model.ErrInvalidCode):
		return http.StatusUnauthorized
	case errors.Is(err, model.ErrNoRecipients):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrDispatchFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *NotificationHandler) respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		util.Error("Failed to encode response", util.ErrorField(err))
	}
}

func (h *NotificationHandler) respondWithError(w http.ResponseWriter, code int, err error, message string) {
	h.respondWithJSON(w, code, errorResponse(err, message))
}
