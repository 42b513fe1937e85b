// Package errors defines the error taxonomy of the gateway client.
//
// Two layers exist. *LLMError describes what the upstream provider answered
// (status, provider error type, retry hint). *Error is what the client returns
// to callers: a Kind from a closed set, the operation that failed, and the
// underlying cause. Use KindOf to classify any error returned by the client.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Kind is a stable, machine-readable failure category.
type Kind string

const (
	KindQuotaImpossible   Kind = "quota_impossible"
	KindCapacityTimeout   Kind = "capacity_timeout"
	KindTransientProvider Kind = "transient_provider_error"
	KindTerminalProvider  Kind = "terminal_provider_error"
	KindRetriesExhausted  Kind = "retries_exhausted"
	KindDeadlineExceeded  Kind = "deadline_exceeded"
	KindResponseParse     Kind = "response_parse_error"
	KindInvalidRequest    Kind = "invalid_request"
	KindCanceled          Kind = "canceled"
	KindInternal          Kind = "internal_error"
)

// Sentinels for errors.Is comparisons. Matching is by Kind only.
var (
	ErrQuotaImpossible   = &Error{Kind: KindQuotaImpossible}
	ErrCapacityTimeout   = &Error{Kind: KindCapacityTimeout}
	ErrRetriesExhausted  = &Error{Kind: KindRetriesExhausted}
	ErrDeadlineExceeded  = &Error{Kind: KindDeadlineExceeded}
	ErrResponseParse     = &Error{Kind: KindResponseParse}
	ErrInvalidRequest    = &Error{Kind: KindInvalidRequest}
	ErrCanceled          = &Error{Kind: KindCanceled}
	ErrInternal          = &Error{Kind: KindInternal}
	ErrTransientProvider = &Error{Kind: KindTransientProvider}
	ErrTerminalProvider  = &Error{Kind: KindTerminalProvider}
)

// Error is a classified client failure.
type Error struct {
	Kind     Kind
	Op       string
	Message  string
	Attempts int
	Cause    error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Attempts > 0 {
		msg += fmt.Sprintf(" (attempts=%d)", e.Attempts)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New creates a classified error.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap creates a classified error around cause.
func Wrap(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Cause: cause}
}

// NewQuotaImpossible reports a request whose cost exceeds the window ceiling.
func NewQuotaImpossible(estimated, ceiling int64) *Error {
	return &Error{
		Kind:    KindQuotaImpossible,
		Message: fmt.Sprintf("estimated %d tokens exceeds window ceiling of %d", estimated, ceiling),
	}
}

// NewCapacityTimeout reports a reservation that was not granted in time.
func NewCapacityTimeout(waited time.Duration) *Error {
	return &Error{
		Kind:    KindCapacityTimeout,
		Message: fmt.Sprintf("no capacity granted after %s", waited.Round(time.Millisecond)),
	}
}

// NewRetriesExhausted wraps the last failure of a retry sequence.
func NewRetriesExhausted(attempts int, last error) *Error {
	return &Error{Kind: KindRetriesExhausted, Attempts: attempts, Cause: last}
}

// NewDeadlineExceeded wraps the last failure seen before the deadline passed.
func NewDeadlineExceeded(attempts int, last error) *Error {
	return &Error{Kind: KindDeadlineExceeded, Attempts: attempts, Cause: last}
}

// NewResponseParse reports provider output that does not match the expected schema.
func NewResponseParse(message string, cause error) *Error {
	return &Error{Kind: KindResponseParse, Message: message, Cause: cause}
}

// NewInvalidRequest reports caller input rejected before any work was done.
func NewInvalidRequest(message string) *Error {
	return &Error{Kind: KindInvalidRequest, Message: message}
}

// KindOf classifies err. The outermost *Error wins; provider errors are
// transient or terminal by their Retryable flag.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ce *Error
	if stderrors.As(err, &ce) {
		return ce.Kind
	}
	var le *LLMError
	if stderrors.As(err, &le) {
		return le.Kind()
	}
	switch {
	case stderrors.Is(err, context.DeadlineExceeded):
		return KindDeadlineExceeded
	case stderrors.Is(err, context.Canceled):
		return KindCanceled
	}
	var ne net.Error
	if stderrors.As(err, &ne) {
		return KindTransientProvider
	}
	return KindInternal
}

// IsRetryable reports whether a failed attempt may be repeated.
// Network errors and context expiry of a single attempt count as transient;
// the retry loop decides separately whether the caller's deadline is gone.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ce *Error
	if stderrors.As(err, &ce) {
		return ce.Kind == KindTransientProvider
	}
	var le *LLMError
	if stderrors.As(err, &le) {
		return le.Retryable
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return stderrors.As(err, &ne)
}

// IsTemporary reports whether the caller may reasonably try the same call later.
func IsTemporary(err error) bool {
	switch KindOf(err) {
	case KindCapacityTimeout, KindTransientProvider, KindRetriesExhausted, KindDeadlineExceeded:
		return true
	}
	return false
}

// RetryAfterOf returns the provider's retry hint carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var le *LLMError
	if stderrors.As(err, &le) {
		return le.RetryAfter
	}
	return 0
}

// LLMError represents an error answered by the LLM provider.
type LLMError struct {
	StatusCode int           `json:"status_code"`
	Message    string        `json:"message"`
	Type       string        `json:"type"`
	Code       string        `json:"code,omitempty"`
	Provider   string        `json:"provider"`
	Model      string        `json:"model"`
	Retryable  bool          `json:"-"`
	RetryAfter time.Duration `json:"-"`
}

// Error implements the error interface.
func (e *LLMError) Error() string {
	return fmt.Sprintf("[%s] %s (provider=%s, model=%s, code=%d)",
		e.Type, e.Message, e.Provider, e.Model, e.StatusCode)
}

// Kind reports KindTransientProvider for retryable errors and
// KindTerminalProvider otherwise.
func (e *LLMError) Kind() Kind {
	if e.Retryable {
		return KindTransientProvider
	}
	return KindTerminalProvider
}

// Is matches the kind sentinels, so errors.Is(err, ErrTerminalProvider)
// holds for a bare provider error.
func (e *LLMError) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind()
}

// HTTPStatusCode returns the status code to report for the error.
func (e *LLMError) HTTPStatusCode() int {
	if e.StatusCode > 0 {
		return e.StatusCode
	}
	return http.StatusInternalServerError
}

// Provider error types.
const (
	TypeAuthentication     = "authentication_error"
	TypePermission         = "permission_error"
	TypeRateLimit          = "rate_limit_error"
	TypeInsufficientQuota  = "insufficient_quota"
	TypeInvalidRequest     = "invalid_request_error"
	TypeNotFound           = "not_found_error"
	TypeTimeout            = "timeout_error"
	TypeServiceUnavailable = "service_unavailable_error"
	TypeInternalError      = "internal_error"
	TypeContextLength      = "context_length_exceeded"
	TypeContentPolicy      = "content_policy_violation"
	TypeConnection         = "connection_error"
)

func newLLMError(status int, typ string, retryable bool, provider, model, message string) *LLMError {
	return &LLMError{
		StatusCode: status,
		Message:    message,
		Type:       typ,
		Provider:   provider,
		Model:      model,
		Retryable:  retryable,
	}
}

// NewAuthenticationError creates an authentication error (401).
func NewAuthenticationError(provider, model, message string) *LLMError {
	return newLLMError(http.StatusUnauthorized, TypeAuthentication, false, provider, model, message)
}

// NewPermissionError creates a permission error (403).
func NewPermissionError(provider, model, message string) *LLMError {
	return newLLMError(http.StatusForbidden, TypePermission, false, provider, model, message)
}

// NewRateLimitError creates a rate limit error (429).
func NewRateLimitError(provider, model, message string, retryAfter time.Duration) *LLMError {
	e := newLLMError(http.StatusTooManyRequests, TypeRateLimit, true, provider, model, message)
	e.RetryAfter = retryAfter
	return e
}

// NewInsufficientQuotaError creates a billing quota error (429, not retryable).
func NewInsufficientQuotaError(provider, model, message string) *LLMError {
	return newLLMError(http.StatusTooManyRequests, TypeInsufficientQuota, false, provider, model, message)
}

// NewInvalidRequestError creates an invalid request error (400).
func NewInvalidRequestError(provider, model, message string) *LLMError {
	return newLLMError(http.StatusBadRequest, TypeInvalidRequest, false, provider, model, message)
}

// NewNotFoundError creates a not found error (404).
func NewNotFoundError(provider, model, message string) *LLMError {
	return newLLMError(http.StatusNotFound, TypeNotFound, false, provider, model, message)
}

// NewTimeoutError creates a timeout error (408).
func NewTimeoutError(provider, model, message string) *LLMError {
	return newLLMError(http.StatusRequestTimeout, TypeTimeout, true, provider, model, message)
}

// NewServiceUnavailableError creates a service unavailable error (503).
func NewServiceUnavailableError(provider, model, message string) *LLMError {
	return newLLMError(http.StatusServiceUnavailable, TypeServiceUnavailable, true, provider, model, message)
}

// NewInternalError creates a provider-side internal error (500).
func NewInternalError(provider, model, message string) *LLMError {
	return newLLMError(http.StatusInternalServerError, TypeInternalError, true, provider, model, message)
}

// NewContextLengthError creates a context window overflow error (400).
func NewContextLengthError(provider, model, message string) *LLMError {
	return newLLMError(http.StatusBadRequest, TypeContextLength, false, provider, model, message)
}

// NewContentPolicyError creates a content policy violation error (400).
func NewContentPolicyError(provider, model, message string) *LLMError {
	return newLLMError(http.StatusBadRequest, TypeContentPolicy, false, provider, model, message)
}

// NewConnectionError wraps a transport failure that never produced a response.
func NewConnectionError(provider, model string, cause error) *LLMError {
	return newLLMError(0, TypeConnection, true, provider, model, cause.Error())
}
