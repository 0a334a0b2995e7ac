// Package recovery classifies delivery failures and decides whether and
// when a queue item is retried.
package recovery

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/lalithlochan/formsync/internal/apperr"
)

// Classification is the retryability of a failure.
type Classification int

const (
	Fatal Classification = iota
	Recoverable
)

func (c Classification) String() string {
	if c == Recoverable {
		return "recoverable"
	}
	return "fatal"
}

// Pattern selects the recovery strategy for a recoverable failure.
type Pattern string

const (
	PatternRateLimit Pattern = "rate_limit"
	PatternTimeout   Pattern = "timeout"
	PatternNetwork   Pattern = "network"
	PatternGeneric   Pattern = "generic"
)

var recoverableStatus = map[int]bool{
	408: true,
	429: true,
	500: true,
	502: true,
	503: true,
	504: true,
}

var recoverableMessages = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
	"rate limit",
	"too many requests",
	"temporary",
	"maintenance",
	"service unavailable",
	"network",
}

// StatusCode extracts an upstream HTTP status from err, or 0.
func StatusCode(err error) int {
	var sc interface{ HTTPStatus() int }
	if errors.As(err, &sc) {
		return sc.HTTPStatus()
	}
	return 0
}

// Classify decides whether err is worth retrying. A recoverable status
// wins; any other 4xx is fatal regardless of the message. Cancellation
// is always recoverable.
func Classify(err error) Classification {
	if err == nil {
		return Fatal
	}

	switch apperr.KindOf(err) {
	case apperr.KindValidation, apperr.KindFatal:
		return Fatal
	}

	// An interrupted attempt says nothing about the payload.
	if errors.Is(err, context.Canceled) {
		return Recoverable
	}

	status := StatusCode(err)
	if recoverableStatus[status] {
		return Recoverable
	}
	if status >= 400 && status < 500 {
		return Fatal
	}

	if isTimeout(err) || isNetwork(err) {
		return Recoverable
	}
	if matchesAny(err.Error(), recoverableMessages) {
		return Recoverable
	}
	if apperr.KindOf(err) == apperr.KindTransient {
		return Recoverable
	}
	return Fatal
}

// PatternOf picks the recovery strategy for err.
func PatternOf(err error) Pattern {
	if err == nil {
		return PatternGeneric
	}

	status := StatusCode(err)
	msg := strings.ToLower(err.Error())

	switch {
	case status == 429 || strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests"):
		return PatternRateLimit
	case status == 408 || status == 504 || isTimeout(err) ||
		strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out") || strings.Contains(msg, "deadline exceeded"):
		return PatternTimeout
	case isNetwork(err) || strings.Contains(msg, "network") ||
		strings.Contains(msg, "connection refused") || strings.Contains(msg, "connection reset"):
		return PatternNetwork
	}
	return PatternGeneric
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isNetwork(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

func matchesAny(msg string, patterns []string) bool {
	msg = strings.ToLower(msg)
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
