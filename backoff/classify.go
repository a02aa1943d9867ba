package backoff

import (
	"errors"
	"strings"
)

// Classify maps an error onto a retry kind. Typed
// RateLimitedError/NonRetryableError wrappers win; everything else falls back
// to message patterns, the safety net for errors produced outside this module
// (exec output, driver errors).
//
// Non-retryable: auth failures (401/403), not-found (404), malformed requests.
// Rate-limited: 429, throttling language.
// Everything else, including unknown patterns, is treated as transient so the
// caller does not give up too early.
func Classify(err error) Kind {
	if err == nil {
		return KindTransient
	}
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return KindRateLimited
	}
	var nr *NonRetryableError
	if errors.As(err, &nr) {
		return KindNonRetryable
	}

	lower := strings.ToLower(err.Error())

	for _, pattern := range []string{
		"429",
		"too many requests",
		"rate limit",
		"throttled",
	} {
		if strings.Contains(lower, pattern) {
			return KindRateLimited
		}
	}

	for _, pattern := range []string{
		"400",
		"401",
		"403",
		"404",
		"not found",
		"does not exist",
		"unauthorized",
		"forbidden",
		"access denied",
		"invalid match id",
		"malformed",
		"unsupported",
	} {
		if strings.Contains(lower, pattern) {
			return KindNonRetryable
		}
	}

	return KindTransient
}
