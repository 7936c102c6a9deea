package model

import "strings"

// EventType is the canonical tag identifying the business workflow a
// notification or OTP belongs to. The set is closed; free-text input is
// normalized through ResolveEventType.
type EventType string

const (
	EventAccountVerification    EventType = "ACCOUNT_VERIFICATION"
	EventPasswordReset          EventType = "PASSWORD_RESET"
	EventPhoneVerification      EventType = "PHONE_VERIFICATION"
	EventLogin2FA               EventType = "LOGIN_2FA"
	EventAccountDeletionRequest EventType = "ACCOUNT_DELETION_REQUEST"
	EventOrderUpdate            EventType = "ORDER_UPDATE"
	EventWalletTransaction      EventType = "WALLET_TRANSACTION"
	EventMarketing              EventType = "MARKETING"
	EventOthers                 EventType = "OTHERS"
)

// AllEventTypes lists every canonical event type. Tests iterate this to
// keep the alias and fallback tables exhaustive.
var AllEventTypes = []EventType{
	EventAccountVerification,
	EventPasswordReset,
	EventPhoneVerification,
	EventLogin2FA,
	EventAccountDeletionRequest,
	EventOrderUpdate,
	EventWalletTransaction,
	EventMarketing,
	EventOthers,
}

// eventAliases maps normalized free-text names to canonical event types.
// Keys are lower-case with single spaces.
var eventAliases = map[string]EventType{
	"account verification":     EventAccountVerification,
	"account_verification":     EventAccountVerification,
	"verify account":           EventAccountVerification,
	"email verification":       EventAccountVerification,
	"registration":             EventAccountVerification,
	"signup":                   EventAccountVerification,
	"otp":                      EventAccountVerification,
	"password reset":           EventPasswordReset,
	"password_reset":           EventPasswordReset,
	"reset password":           EventPasswordReset,
	"forgot password":          EventPasswordReset,
	"phone verification":       EventPhoneVerification,
	"phone_verification":       EventPhoneVerification,
	"verify phone":             EventPhoneVerification,
	"sms otp":                  EventPhoneVerification,
	"2fa":                      EventLogin2FA,
	"login 2fa":                EventLogin2FA,
	"login_2fa":                EventLogin2FA,
	"two factor":               EventLogin2FA,
	"account deletion":         EventAccountDeletionRequest,
	"account deletion request": EventAccountDeletionRequest,
	"account_deletion_request": EventAccountDeletionRequest,
	"delete account":           EventAccountDeletionRequest,
	"order update":             EventOrderUpdate,
	"order_update":             EventOrderUpdate,
	"order status":             EventOrderUpdate,
	"delivery update":          EventOrderUpdate,
	"wallet transaction":       EventWalletTransaction,
	"wallet_transaction":       EventWalletTransaction,
	"payment":                  EventWalletTransaction,
	"marketing":                EventMarketing,
	"promo":                    EventMarketing,
	"newsletter":               EventMarketing,
	"others":                   EventOthers,
	"other":                    EventOthers,
}

// otpBearing is the strict subset of event types allowed to carry an OTP.
var otpBearing = map[EventType]bool{
	EventAccountVerification:    true,
	EventPasswordReset:          true,
	EventPhoneVerification:      true,
	EventLogin2FA:               true,
	EventAccountDeletionRequest: true,
}

// ResolveEventType normalizes a free-text event name into a canonical
// event type. Unknown input maps to EventOthers; this never fails.
func ResolveEventType(raw string) EventType {
	normalized := strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(raw))), " ")
	if normalized == "" {
		return EventOthers
	}
	if et, ok := eventAliases[normalized]; ok {
		return et
	}
	// Canonical names resolve to themselves.
	upper := EventType(strings.ToUpper(strings.ReplaceAll(normalized, " ", "_")))
	for _, et := range AllEventTypes {
		if et == upper {
			return et
		}
	}
	return EventOthers
}

// CanCarryOTP reports whether the event type belongs to the OTP-bearing
// subset.
func (e EventType) CanCarryOTP() bool {
	return otpBearing[e]
}
