package backend

import "strings"

// ErrorClass is a coarse classification of a backend error, used to decide
// whether the Router treats an Attempt's failure as transient or fatal.
type ErrorClass string

const (
	ErrorClassLocalUnavailable ErrorClass = "local_unavailable"
	ErrorClassLocalCrashed     ErrorClass = "local_crashed"
	ErrorClassModelNotLoaded   ErrorClass = "model_not_loaded"
	ErrorClassUpstreamUnreachable ErrorClass = "upstream_unreachable"
	ErrorClassUpstream5xx      ErrorClass = "upstream_5xx"
	ErrorClassUpstreamTimeout  ErrorClass = "upstream_timeout"
	ErrorClassHTMLInAPI        ErrorClass = "html_in_api"
	ErrorClassAuthInvalid      ErrorClass = "auth_invalid"
	ErrorClassQuotaExhausted   ErrorClass = "quota_exhausted"
	ErrorClassBadRequest       ErrorClass = "bad_request"
	ErrorClassUnknown          ErrorClass = "unknown"
)

// transientClasses is the set of ErrorClass values the Router treats as
// eligible for a one-shot fallback rather than an immediate fatal surface.
var transientClasses = map[ErrorClass]bool{
	ErrorClassLocalUnavailable:    true,
	ErrorClassLocalCrashed:        true,
	ErrorClassModelNotLoaded:      true,
	ErrorClassUpstreamUnreachable: true,
	ErrorClassUpstream5xx:        true,
	ErrorClassUpstreamTimeout:    true,
	ErrorClassHTMLInAPI:          true,
}

// IsTransient reports whether an ErrorClass should trigger fallback instead
// of surfacing immediately to the user.
func (c ErrorClass) IsTransient() bool { return transientClasses[c] }

// QuotaClassifier maps a raw error to an ErrorClass. It is supplied per
// Backend adapter at construction time, since quota/billing error shapes are
// provider-specific and not something the Router can hard-code (spec open
// question: the quota-class mapping is pluggable per provider).
type QuotaClassifier func(err error) ErrorClass

// ClassifyError is the default classifier, grounded on substring matching
// over the error text the way the teacher's engine package does it. Backend
// adapters may supply their own QuotaClassifier and fall back to this one
// for anything they don't recognize.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "model has crashed"), strings.Contains(msg, "model crashed"):
		return ErrorClassLocalCrashed
	case strings.Contains(msg, "no models loaded"), strings.Contains(msg, "model not loaded"):
		return ErrorClassModelNotLoaded
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "connect: connection refused"):
		return ErrorClassLocalUnavailable

	case strings.Contains(msg, "401"), strings.Contains(msg, "unauthorized"), strings.Contains(msg, "403"), strings.Contains(msg, "forbidden"), strings.Contains(msg, "invalid api key"):
		return ErrorClassAuthInvalid
	case strings.Contains(msg, "429"), strings.Contains(msg, "rate limit"), strings.Contains(msg, "quota"), strings.Contains(msg, "too many requests"), strings.Contains(msg, "insufficient_quota"), strings.Contains(msg, "billing"), strings.Contains(msg, "payment"):
		return ErrorClassQuotaExhausted

	case strings.Contains(msg, "deadline exceeded"), strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"):
		return ErrorClassUpstreamTimeout
	case strings.Contains(msg, "502"), strings.Contains(msg, "503"), strings.Contains(msg, "504"), strings.Contains(msg, "bad gateway"), strings.Contains(msg, "service unavailable"):
		return ErrorClassUpstream5xx
	case strings.Contains(msg, "<html"), strings.Contains(msg, "<!doctype html"):
		return ErrorClassHTMLInAPI
	case strings.Contains(msg, "unreachable"), strings.Contains(msg, "no such host"), strings.Contains(msg, "network is unreachable"):
		return ErrorClassUpstreamUnreachable

	case strings.Contains(msg, "context_length"), strings.Contains(msg, "token limit"), strings.Contains(msg, "max tokens"), strings.Contains(msg, "context window"), strings.Contains(msg, "invalid request"), strings.Contains(msg, "malformed"):
		return ErrorClassBadRequest
	default:
		return ErrorClassUnknown
	}
}

// errorCodeForOutcome maps a terminal Outcome + ErrorClass pair to the
// canonical error_code taxonomy from the error handling design.
func errorCodeForClass(c ErrorClass) string {
	switch c {
	case ErrorClassLocalUnavailable:
		return "local_unavailable"
	case ErrorClassLocalCrashed:
		return "local_crashed"
	case ErrorClassModelNotLoaded:
		return "model_not_loaded"
	case ErrorClassUpstreamUnreachable:
		return "upstream_unreachable"
	case ErrorClassUpstream5xx:
		return "upstream_5xx"
	case ErrorClassUpstreamTimeout:
		return "upstream_timeout"
	case ErrorClassHTMLInAPI:
		return "html_in_api"
	case ErrorClassAuthInvalid:
		return "auth_invalid"
	case ErrorClassQuotaExhausted:
		return "quota_exhausted"
	case ErrorClassBadRequest:
		return "bad_request"
	default:
		return "unknown"
	}
}
