// Package oracle provides the reasoning-oracle client: a reusable CLI
// invoker with layered structured-output extraction, a failure-class
// taxonomy and a shared circuit breaker.
//
// The oracle is treated as a black box that turns a prompt into text or
// structured output. The client distinguishes two very different failure
// modes: the oracle being unreachable or rate limited (transient, worth a
// bounded retry) and the oracle producing output that survives every parse
// fallback but is still malformed (structural, never retried - an
// identical request is assumed to produce identical garbage).
package oracle

import (
	"errors"
	"regexp"
	"strconv"
	"time"
)

// Sentinel errors for the oracle failure taxonomy. Callers classify with
// errors.Is rather than string matching.
var (
	// ErrUnparseable marks output that failed every extraction layer.
	// Structural: never retried.
	ErrUnparseable = errors.New("oracle output unparseable")

	// ErrRateLimited marks a detected rate limit. Transient: retried
	// with bounded backoff.
	ErrRateLimited = errors.New("oracle rate limited")

	// ErrUnreachable marks a failed or timed-out invocation. Transient.
	ErrUnreachable = errors.New("oracle unreachable")

	// ErrCircuitOpen is returned while an operation's circuit breaker is
	// cooling down after repeated consecutive failures.
	ErrCircuitOpen = errors.New("oracle circuit open")
)

// Retryable reports whether err belongs to the transient failure class.
func Retryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUnreachable)
}

// RateLimitInfo carries the parsed details of a rate limit message.
type RateLimitInfo struct {
	DetectedAt time.Time
	ResetAt    time.Time // zero when the output gave no reset time
	RawMessage string
}

// TimeUntilReset returns the wait until the limit resets, or 0 when no
// reset time was parsed.
func (r *RateLimitInfo) TimeUntilReset() time.Duration {
	if r.ResetAt.IsZero() {
		return 0
	}
	return time.Until(r.ResetAt)
}

var (
	// usage limit reached|<unix_timestamp>
	unixResetPattern = regexp.MustCompile(`usage limit reached\|(\d+)`)

	// retry in 300 seconds / retry after 300s
	retrySecondsPattern = regexp.MustCompile(`retry (?:in|after)\s+(\d+)\s*(?:seconds?|s)`)

	// generic rate limit indicators
	rateLimitIndicator = regexp.MustCompile(`(?i)(rate.?limit|usage.?limit|429|too.?many.?requests|quota exceeded)`)
)

// ParseRateLimit inspects CLI output for rate limit markers and returns
// parsed info, or nil when the output does not look rate limited.
func ParseRateLimit(output string) *RateLimitInfo {
	if output == "" || !rateLimitIndicator.MatchString(output) {
		return nil
	}

	info := &RateLimitInfo{
		DetectedAt: time.Now(),
		RawMessage: output,
	}

	if m := unixResetPattern.FindStringSubmatch(output); len(m) > 1 {
		if ts, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			info.ResetAt = time.Unix(ts, 0)
			return info
		}
	}

	if m := retrySecondsPattern.FindStringSubmatch(output); len(m) > 1 {
		if secs, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			info.ResetAt = time.Now().Add(time.Duration(secs) * time.Second)
			return info
		}
	}

	return info
}
