package llm

import (
	"net/http"
	"strings"
)

// failoverReason mirrors internal/agent/providers/errors.go's FailoverReason
// catalog, collapsed to the four domain.ErrKind ModelError sub-kinds the
// rest of the core branches on (spec §7). Kept package-private: callers
// never need the intermediate reason, only the classification error it
// wraps (ErrTransient/ErrAuth/ErrPolicy/ErrUnavailable).
type failoverReason string

const (
	reasonBilling         failoverReason = "billing"
	reasonRateLimit       failoverReason = "rate_limit"
	reasonAuth            failoverReason = "auth"
	reasonTimeout         failoverReason = "timeout"
	reasonServerError     failoverReason = "server_error"
	reasonModelUnavail    failoverReason = "model_unavailable"
	reasonContentFilter   failoverReason = "content_filter"
	reasonUnknown         failoverReason = "unknown"
)

func (r failoverReason) wrap(cause error) error {
	switch r {
	case reasonAuth, reasonBilling:
		return wrapErr(ErrAuth, cause)
	case reasonContentFilter:
		return wrapErr(ErrPolicy, cause)
	case reasonModelUnavail:
		return wrapErr(ErrUnavailable, cause)
	default:
		return wrapErr(ErrTransient, cause)
	}
}

type wrappedErr struct {
	sentinel error
	cause    error
	reason   failoverReason
}

func wrapErr(sentinel, cause error) error {
	if cause == nil {
		return sentinel
	}
	return &wrappedErr{sentinel: sentinel, cause: cause}
}

func (e *wrappedErr) Error() string {
	return e.sentinel.Error() + ": " + e.cause.Error()
}

func (e *wrappedErr) Unwrap() []error { return []error{e.sentinel, e.cause} }

// classifyError inspects a raw provider error's message for the same
// substring patterns internal/agent/providers/errors.go's ClassifyError
// uses, since most Go SDKs surface HTTP status only inside Error() text.
func classifyError(err error) failoverReason {
	if err == nil {
		return reasonUnknown
	}
	s := strings.ToLower(err.Error())
	switch {
	case containsAny(s, "timeout", "deadline exceeded", "context deadline", "etimedout"):
		return reasonTimeout
	case containsAny(s, "rate limit", "rate_limit", "too many requests", "429"):
		return reasonRateLimit
	case containsAny(s, "unauthorized", "invalid api key", "invalid_api_key", "authentication", "401", "403"):
		return reasonAuth
	case containsAny(s, "billing", "payment", "quota", "insufficient", "402"):
		return reasonBilling
	case containsAny(s, "content_filter", "content policy", "safety", "blocked"):
		return reasonContentFilter
	case containsAny(s, "model not found", "model_not_found", "does not exist", "unavailable"):
		return reasonModelUnavail
	case containsAny(s, "internal server", "server error", "500", "502", "503", "504"):
		return reasonServerError
	default:
		return reasonUnknown
	}
}

// classifyStatus classifies by HTTP status when an SDK exposes one
// directly, taking priority over message sniffing.
func classifyStatus(status int) failoverReason {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return reasonAuth
	case status == http.StatusPaymentRequired:
		return reasonBilling
	case status == http.StatusTooManyRequests:
		return reasonRateLimit
	case status == http.StatusNotFound:
		return reasonModelUnavail
	case status >= 500:
		return reasonServerError
	default:
		return reasonUnknown
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// isRetryable reports whether the classification a wrapped error carries
// warrants an in-place retry rather than an immediate failover/give-up.
func isRetryable(reason failoverReason) bool {
	switch reason {
	case reasonRateLimit, reasonTimeout, reasonServerError:
		return true
	default:
		return false
	}
}

// Classify wraps a raw SDK error with the matching llm sentinel
// (ErrTransient/ErrAuth/ErrPolicy/ErrUnavailable) so callers can branch
// with errors.Is or hand it to KindForModelError. status is the HTTP
// status code if the SDK exposed one, or 0.
func Classify(err error, status int) error {
	if err == nil {
		return nil
	}
	reason := reasonUnknown
	if status != 0 {
		reason = classifyStatus(status)
	}
	if reason == reasonUnknown {
		reason = classifyError(err)
	}
	wrapped := reason.wrap(err)
	if w, ok := wrapped.(*wrappedErr); ok {
		w.reason = reason
	}
	return wrapped
}

// IsRetryable reports whether a Classify-wrapped error should be retried
// in place before failing over to the next candidate model.
func IsRetryable(err error) bool {
	if w, ok := err.(*wrappedErr); ok {
		return isRetryable(w.reason)
	}
	return isRetryable(classifyError(err))
}
