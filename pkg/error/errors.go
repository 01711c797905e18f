package error

import "net/http"

// Every error kind the core surfaces to callers implements AppError so the
// REST layer can map it to a status code without switching on concrete types.
type AppError interface {
	Error() string
	ErrCode() string
	StatusCode() int
}

// ValidationError is malformed input. Never retried.
type ValidationError string

func (err ValidationError) Error() string   { return string(err) }
func (err ValidationError) ErrCode() string { return "VALIDATION_ERROR" }
func (err ValidationError) StatusCode() int { return http.StatusBadRequest }

// NotFoundError covers absent entities and cross-tenant access, which must be
// indistinguishable from absence.
type NotFoundError string

func (err NotFoundError) Error() string   { return string(err) }
func (err NotFoundError) ErrCode() string { return "NOT_FOUND_ERROR" }
func (err NotFoundError) StatusCode() int { return http.StatusNotFound }

// AuthorizationError is a role or scope failure.
type AuthorizationError string

func (err AuthorizationError) Error() string   { return string(err) }
func (err AuthorizationError) ErrCode() string { return "AUTHORIZATION_ERROR" }
func (err AuthorizationError) StatusCode() int { return http.StatusForbidden }

// DetailedError is an AppError carrying a structured payload for the response
// body alongside code and message.
type DetailedError interface {
	AppError
	Details() map[string]any
}

// WindowClosedError means a free-form send was attempted outside the 24-hour
// window. The flow layer translates it into its template/fallback path.
type WindowClosedError string

func (err WindowClosedError) Error() string   { return string(err) }
func (err WindowClosedError) ErrCode() string { return "WINDOW_CLOSED" }
func (err WindowClosedError) StatusCode() int { return http.StatusUnprocessableEntity }

// Details tells API callers a template is the only way to reach the contact.
func (err WindowClosedError) Details() map[string]any {
	return map[string]any{"template_required": true}
}

// RateLimitedError carries no retry hint itself; the limiter's decision does.
type RateLimitedError string

func (err RateLimitedError) Error() string   { return string(err) }
func (err RateLimitedError) ErrCode() string { return "RATE_LIMITED" }
func (err RateLimitedError) StatusCode() int { return http.StatusTooManyRequests }

// ConflictError is an optimistic-lock or idempotency collision. Retried with
// a fresh read, bounded.
type ConflictError string

func (err ConflictError) Error() string   { return string(err) }
func (err ConflictError) ErrCode() string { return "CONFLICT" }
func (err ConflictError) StatusCode() int { return http.StatusConflict }

// ConversationNotDispatchableError rejects sends to blocked contacts or
// closed conversations.
type ConversationNotDispatchableError string

func (err ConversationNotDispatchableError) Error() string   { return string(err) }
func (err ConversationNotDispatchableError) ErrCode() string { return "CONVERSATION_NOT_DISPATCHABLE" }
func (err ConversationNotDispatchableError) StatusCode() int { return http.StatusUnprocessableEntity }

// UpstreamTransientError is a retriable upstream failure (5xx, network).
type UpstreamTransientError string

func (err UpstreamTransientError) Error() string   { return string(err) }
func (err UpstreamTransientError) ErrCode() string { return "UPSTREAM_TRANSIENT" }
func (err UpstreamTransientError) StatusCode() int { return http.StatusBadGateway }

// UpstreamPermanentError is terminal: invalid number, rejected template,
// policy violation. Recorded on the message, never retried.
type UpstreamPermanentError string

func (err UpstreamPermanentError) Error() string   { return string(err) }
func (err UpstreamPermanentError) ErrCode() string { return "UPSTREAM_PERMANENT" }
func (err UpstreamPermanentError) StatusCode() int { return http.StatusBadGateway }

// TransientError is a store read/write failure the caller must retry. Window
// reads fail with this rather than ever answering "within window" on error.
type TransientError string

func (err TransientError) Error() string   { return string(err) }
func (err TransientError) ErrCode() string { return "TRANSIENT_ERROR" }
func (err TransientError) StatusCode() int { return http.StatusServiceUnavailable }

// InternalError is a bug. Alerted, not retried.
type InternalError string

func (err InternalError) Error() string   { return string(err) }
func (err InternalError) ErrCode() string { return "INTERNAL_ERROR" }
func (err InternalError) StatusCode() int { return http.StatusInternalServerError }
