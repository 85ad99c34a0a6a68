package dispatch

import (
	"errors"
	"net/http"

	"github.com/mrmushfiq/mediagen-dispatch/internal/gateway/replicate"
)

// Kind is the caller-visible category of a dispatch failure.
type Kind string

const (
	KindValidation          Kind = "validation"
	KindContentPolicy       Kind = "content_policy"
	KindRateLimited         Kind = "rate_limited"
	KindTimeout             Kind = "timeout"
	KindProviderUnavailable Kind = "provider_unavailable"
	// KindAuthConfiguration is for operators. End users only ever see a generic message for it.
	KindAuthConfiguration Kind = "auth_configuration"
	KindGeneric           Kind = "generic"
)

// kindError lets errors.Is match any *Error of a given kind.
type kindError Kind

func (k kindError) Error() string { return string(k) }

// Sentinels for errors.Is(err, dispatch.ErrRateLimited) style checks.
var (
	ErrValidation          error = kindError(KindValidation)
	ErrContentPolicy       error = kindError(KindContentPolicy)
	ErrRateLimited         error = kindError(KindRateLimited)
	ErrTimeout             error = kindError(KindTimeout)
	ErrProviderUnavailable error = kindError(KindProviderUnavailable)
	ErrAuthConfiguration   error = kindError(KindAuthConfiguration)
	ErrGeneric             error = kindError(KindGeneric)
)

// ErrWaitTimeout is the cause of the error WaitForPrediction returns when
// maxWait elapses. A timeout reported by the provider never wraps it.
var ErrWaitTimeout = errors.New("timed out waiting for prediction to finish")

// Error is the single failure a dispatch operation reports. Error() returns
// only the sanitized message; the raw upstream error is kept for logs.
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`

	cause error
}

func (e *Error) Error() string { return e.Message }

// Unwrap exposes the raw cause to errors.Is/As.
func (e *Error) Unwrap() error { return e.cause }

// Cause returns the raw upstream error. Log it, never show it to users.
func (e *Error) Cause() error { return e.cause }

// Is matches the kind sentinels.
func (e *Error) Is(target error) bool {
	k, ok := target.(kindError)
	return ok && Kind(k) == e.Kind
}

// newError sanitizes raw into a caller-facing *Error.
func newError(raw error) *Error {
	if raw == nil {
		return nil
	}
	var already *Error
	if errors.As(raw, &already) {
		return already
	}
	kind, msg := Sanitize(raw.Error())

	var apiErr *replicate.APIError
	if errors.As(raw, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			kind, msg = KindRateLimited, msgRateLimited
		case apiErr.StatusCode >= http.StatusInternalServerError && kind == KindAuthConfiguration:
			// Auth wording in a server error page is not about the credential.
			kind, msg = KindProviderUnavailable, msgServiceDown
		}
	}
	return &Error{Kind: kind, Message: msg, cause: raw}
}
