package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError represents an application error with additional context
type AppError struct {
	Code       string      `json:"code"`
	Message    string      `json:"message"`
	StatusCode int         `json:"-"`
	Internal   error       `json:"-"`
	Details    interface{} `json:"details,omitempty"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Internal != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Internal)
	}
	return e.Message
}

// Unwrap returns the internal error for errors.Is and errors.As
func (e *AppError) Unwrap() error {
	return e.Internal
}

// Is reports whether target is an AppError with the same code, so that
// errors.Is(err, ErrAlreadySubscribed) works on freshly constructed values.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

const (
	ErrCodeInternal           = "INTERNAL_ERROR"
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeDatabase           = "DATABASE_ERROR"
	ErrCodeRateLimited        = "RATE_LIMITED"
	ErrCodeInvalidPlan        = "INVALID_PLAN"
	ErrCodeUserNotFound       = "USER_NOT_FOUND"
	ErrCodeBundleNotFound     = "BUNDLE_NOT_FOUND"
	ErrCodeAlreadySubscribed  = "ALREADY_SUBSCRIBED"
	ErrCodeTrialAlreadyUsed   = "TRIAL_ALREADY_USED"
	ErrCodeNoServers          = "NO_SERVERS_AVAILABLE"
	ErrCodeProvisioningFailed = "PROVISIONING_FAILED"
	ErrCodeEmptyBundle        = "EMPTY_BUNDLE"
	ErrCodePromoNotFound      = "PROMO_NOT_FOUND"
	ErrCodePromoExpired       = "PROMO_EXPIRED"
	ErrCodePromoExhausted     = "PROMO_EXHAUSTED"
	ErrCodePromoPlanMismatch  = "PROMO_PLAN_MISMATCH"
	ErrCodeGatewayAuth        = "GATEWAY_AUTH"
	ErrCodeGatewayUnavailable = "GATEWAY_UNAVAILABLE"
	ErrCodeGatewayProvision   = "GATEWAY_PROVISION"
)

// Sentinels for errors.Is comparisons. Never mutate or return these directly,
// use the constructors below.
var (
	ErrAlreadySubscribed  = &AppError{Code: ErrCodeAlreadySubscribed}
	ErrTrialAlreadyUsed   = &AppError{Code: ErrCodeTrialAlreadyUsed}
	ErrNoServers          = &AppError{Code: ErrCodeNoServers}
	ErrProvisioningFailed = &AppError{Code: ErrCodeProvisioningFailed}
	ErrEmptyBundle        = &AppError{Code: ErrCodeEmptyBundle}
	ErrPromoNotFound      = &AppError{Code: ErrCodePromoNotFound}
	ErrPromoExpired       = &AppError{Code: ErrCodePromoExpired}
	ErrPromoExhausted     = &AppError{Code: ErrCodePromoExhausted}
	ErrPromoPlanMismatch  = &AppError{Code: ErrCodePromoPlanMismatch}
	ErrGatewayAuth        = &AppError{Code: ErrCodeGatewayAuth}
	ErrGatewayUnavailable = &AppError{Code: ErrCodeGatewayUnavailable}
	ErrGatewayProvision   = &AppError{Code: ErrCodeGatewayProvision}
	ErrInvalidPlan        = &AppError{Code: ErrCodeInvalidPlan}
	ErrUserNotFound       = &AppError{Code: ErrCodeUserNotFound}
	ErrBundleNotFound     = &AppError{Code: ErrCodeBundleNotFound}
)

// New creates a new AppError
func New(code, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// Wrap wraps an error with an AppError
func Wrap(err error, code, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Internal:   err,
	}
}

// WithDetails adds details to an AppError
func (e *AppError) WithDetails(details interface{}) *AppError {
	e.Details = details
	return e
}

// As extracts an AppError from an error chain.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// HasCode reports whether err carries an AppError with the given code.
func HasCode(err error, code string) bool {
	appErr, ok := As(err)
	return ok && appErr.Code == code
}

// Common error constructors

func Internal(message string, err error) *AppError {
	return Wrap(err, ErrCodeInternal, message, http.StatusInternalServerError)
}

func BadRequest(message string) *AppError {
	return New(ErrCodeBadRequest, message, http.StatusBadRequest)
}

func Unauthorized(message string) *AppError {
	return New(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

func NotFound(resource string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func DatabaseError(message string, err error) *AppError {
	return Wrap(err, ErrCodeDatabase, message, http.StatusInternalServerError)
}

func RateLimited(message string) *AppError {
	return New(ErrCodeRateLimited, message, http.StatusTooManyRequests)
}

// Storefront errors

func InvalidPlan(plan string) *AppError {
	return New(ErrCodeInvalidPlan, fmt.Sprintf("unknown subscription plan %q", plan), http.StatusBadRequest)
}

func UserNotFound() *AppError {
	return New(ErrCodeUserNotFound, "user not found", http.StatusNotFound)
}

func BundleNotFound() *AppError {
	return New(ErrCodeBundleNotFound, "subscription not found or expired", http.StatusNotFound)
}

func AlreadySubscribed() *AppError {
	return New(ErrCodeAlreadySubscribed, "you already have an active subscription", http.StatusConflict)
}

func TrialAlreadyUsed() *AppError {
	return New(ErrCodeTrialAlreadyUsed, "the free trial has already been used", http.StatusConflict)
}

func NoServersAvailable() *AppError {
	return New(ErrCodeNoServers, "no servers are reachable right now, please try again later", http.StatusServiceUnavailable)
}

// ServerFailure is one server's reason for a failed provisioning attempt.
type ServerFailure struct {
	ServerID   int64  `json:"server_id"`
	ServerName string `json:"server_name"`
	Reason     string `json:"reason"`
}

// ProvisioningFailed aggregates every per-server failure of a run.
func ProvisioningFailed(failures []ServerFailure) *AppError {
	return New(ErrCodeProvisioningFailed,
		fmt.Sprintf("failed to create a client on all %d servers", len(failures)),
		http.StatusBadGateway).WithDetails(failures)
}

func EmptyBundle() *AppError {
	return New(ErrCodeEmptyBundle, "cannot build a subscription without connection URIs", http.StatusInternalServerError)
}

func PromoNotFound(code string) *AppError {
	return New(ErrCodePromoNotFound, fmt.Sprintf("promo code %s not found or inactive", code), http.StatusNotFound)
}

func PromoExpired(code string) *AppError {
	return New(ErrCodePromoExpired, fmt.Sprintf("promo code %s has expired", code), http.StatusGone)
}

func PromoExhausted(code string) *AppError {
	return New(ErrCodePromoExhausted, fmt.Sprintf("promo code %s usage limit reached", code), http.StatusConflict)
}

func PromoPlanMismatch(code, plan string) *AppError {
	return New(ErrCodePromoPlanMismatch,
		fmt.Sprintf("promo code %s cannot be applied to plan %s", code, plan),
		http.StatusUnprocessableEntity)
}

// Gateway errors carry the server they happened on.

func GatewayAuth(server string, err error) *AppError {
	return Wrap(err, ErrCodeGatewayAuth, fmt.Sprintf("failed to authenticate with panel %s", server), http.StatusBadGateway)
}

func GatewayUnavailable(server string, err error) *AppError {
	return Wrap(err, ErrCodeGatewayUnavailable, fmt.Sprintf("panel %s is unavailable", server), http.StatusBadGateway)
}

func GatewayProvision(server string, err error) *AppError {
	return Wrap(err, ErrCodeGatewayProvision, fmt.Sprintf("panel %s rejected the client", server), http.StatusBadGateway)
}
