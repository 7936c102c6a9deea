package model

import "errors"

// Expected failures are sentinel values so callers can branch with
// errors.Is; layers wrap them with fmt.Errorf("...: %w", err).
var (
	// Caller's fault: malformed contact, medium, or code shape.
	ErrValidation = errors.New("validation failed")

	// Transient; retry after the window resets.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// Precondition failures on generation.
	ErrUserNotFound      = errors.New("user not found")
	ErrRoleUndefined     = errors.New("user has no role")
	ErrRoleNotApplicable = errors.New("role not applicable for event type")

	// OTP verification failures.
	ErrOtpNotFound       = errors.New("otp not found")
	ErrAlreadyVerified   = errors.New("otp already verified")
	ErrOtpExpired        = errors.New("otp expired")
	ErrAttemptsExhausted = errors.New("otp attempts exhausted")
	ErrInvalidCode       = errors.New("invalid otp code")

	// Dispatch failures. ErrNoRecipients means every recipient was
	// filtered out; ErrDispatchFailed surfaces only after retries and
	// the fallback enqueue both failed.
	ErrNoRecipients   = errors.New("no valid recipients")
	ErrDispatchFailed = errors.New("dispatch failed")
)
