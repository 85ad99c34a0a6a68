package dispatch

import (
	"errors"
	"net/http"
	"regexp"
	"strings"

	"github.com/mrmushfiq/mediagen-dispatch/internal/gateway/replicate"
)

// Substrings of lower-cased error text that make a failure worth retrying.
var retryablePatterns = []string{
	"socket",
	"fetch failed",
	"timeout",
	"timed out",
	"econnreset",
	"econnrefused",
	"connection reset",
	"connection refused",
	"network",
	"connection",
	"aborted",
	"eof",
	"rate limit",
	"too many requests",
}

// Substrings that abort the dispatch no matter how many attempts remain.
var fatalPatterns = []string{
	"invalid token",
	"invalid api token",
	"token expired",
	"expired token",
	"unauthenticated",
	"unauthorized",
	"forbidden",
	"permission denied",
	"not found",
	"does not exist",
	"is required",
	"invalid type",
}

// Substrings that mean the credential itself is unusable.
var authPatterns = []string{
	"invalid token",
	"invalid api token",
	"token expired",
	"expired token",
	"unauthenticated",
	"unauthorized",
	"authentication",
	"permission denied",
}

// Status codes only count as whole words; response bodies carry arbitrary digit runs.
var (
	fatalStatusPattern = regexp.MustCompile(`\b40[134]\b`)
	authStatusPattern  = regexp.MustCompile(`\b40[13]\b`)
)

type errorClass string

const (
	classTransient errorClass = "transient"
	classFatal     errorClass = "fatal"
	classUnknown   errorClass = "unknown"
)

// classifyError buckets a provider failure. A status code from the provider
// decides first; otherwise the error text is matched.
func classifyError(err error) errorClass {
	var apiErr *replicate.APIError
	if errors.As(err, &apiErr) {
		switch code := apiErr.StatusCode; {
		case code == http.StatusTooManyRequests || code >= http.StatusInternalServerError:
			return classTransient
		case code == http.StatusUnauthorized || code == http.StatusForbidden || code == http.StatusNotFound:
			return classFatal
		}
	}
	return classify(strings.ToLower(err.Error()))
}

// classify buckets lower-cased error text. Fatal patterns win over transient ones.
func classify(msg string) errorClass {
	switch {
	case containsAny(msg, fatalPatterns) || fatalStatusPattern.MatchString(msg):
		return classFatal
	case containsAny(msg, retryablePatterns):
		return classTransient
	default:
		return classUnknown
	}
}

// IsRetryable reports whether a failed provider call should be retried with
// another credential. Failures matching neither pattern set are retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return classifyError(err) != classFatal
}

// isAuthFailure reports whether err blames the credential that was used.
func isAuthFailure(err error) bool {
	var apiErr *replicate.APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden
	}
	msg := strings.ToLower(err.Error())
	return containsAny(msg, authPatterns) || authStatusPattern.MatchString(msg)
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
