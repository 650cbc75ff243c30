package routing

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// FailureReason is the closed set of provider failure classes the fallback
// client distinguishes. Each class drives a different retry/cooldown policy.
type FailureReason string

const (
	ReasonRateLimit FailureReason = "rate_limit"
	ReasonAuth      FailureReason = "auth"
	ReasonBilling   FailureReason = "billing"
	ReasonTimeout   FailureReason = "timeout"
	ReasonFormat    FailureReason = "format"
	ReasonUnknown   FailureReason = "unknown"
)

var statusCodePattern = regexp.MustCompile(`(?i)(?:status(?:\s*code)?|http)[\s:]*(\d{3})`)
var bareCodePattern = regexp.MustCompile(`\b([45]\d{2})\b`)

// Classify maps a provider error to a failure reason plus an HTTP-like
// status code when one can be extracted (0 otherwise). Matching is by
// substring over the error's type name and message, which is the only
// portable signal across vendor SDKs.
func Classify(err error) (FailureReason, int) {
	if err == nil {
		return ReasonUnknown, 0
	}
	code := ExtractStatusCode(err)
	haystack := strings.ToLower(fmt.Sprintf("%T %s", err, err.Error()))

	switch {
	case errors.Is(err, context.DeadlineExceeded),
		containsAny(haystack, "timeout", "timed out", "deadline exceeded"):
		return ReasonTimeout, code
	case code == 429,
		containsAny(haystack, "rate limit", "rate_limit", "ratelimit", "too many requests"):
		return ReasonRateLimit, code
	case code == 402,
		containsAny(haystack, "billing", "payment", "insufficient credit", "insufficient fund", "quota exceeded"):
		return ReasonBilling, code
	case code == 401, code == 403,
		containsAny(haystack, "auth", "unauthorized", "forbidden", "api key", "apikey", "permission"):
		return ReasonAuth, code
	case containsAny(haystack, "json", "unmarshal", "parse", "malformed", "format", "unexpected response"):
		return ReasonFormat, code
	default:
		return ReasonUnknown, code
	}
}

// ExtractStatusCode pulls an HTTP-like status code out of an error message.
// Returns 0 when none is found.
func ExtractStatusCode(err error) int {
	msg := err.Error()
	if m := statusCodePattern.FindStringSubmatch(msg); m != nil {
		if code, convErr := strconv.Atoi(m[1]); convErr == nil {
			return code
		}
	}
	if m := bareCodePattern.FindStringSubmatch(msg); m != nil {
		if code, convErr := strconv.Atoi(m[1]); convErr == nil {
			return code
		}
	}
	return 0
}

func containsAny(s string, needles ...string) bool {
	for _, needle := range needles {
		if strings.Contains(s, needle) {
			return true
		}
	}
	return false
}
