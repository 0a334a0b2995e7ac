package recovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/lalithlochan/formsync/internal/apperr"
)

type statusErr struct {
	status int
	msg    string
}

func (e *statusErr) Error() string   { return e.msg }
func (e *statusErr) HTTPStatus() int { return e.status }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Classification
	}{
		{"status 429", &statusErr{429, "slow down"}, Recoverable},
		{"rate limit message", errors.New("API rate limit exceeded"), Recoverable},
		{"status 404", &statusErr{404, "not found"}, Fatal},
		{"invalid api key", errors.New("invalid api key"), Fatal},
		{"status 408", &statusErr{408, "request timeout"}, Recoverable},
		{"status 500", &statusErr{500, "boom"}, Recoverable},
		{"status 502", &statusErr{502, "bad gateway"}, Recoverable},
		{"status 503", &statusErr{503, ""}, Recoverable},
		{"status 504", &statusErr{504, ""}, Recoverable},
		{"4xx beats message", &statusErr{400, "temporary glitch"}, Fatal},
		{"status 401", &statusErr{401, "unauthorized"}, Fatal},
		{"timeout message", errors.New("request timed out"), Recoverable},
		{"deadline", fmt.Errorf("send: %w", context.DeadlineExceeded), Recoverable},
		{"canceled", fmt.Errorf("send: %w", context.Canceled), Recoverable},
		{"maintenance", errors.New("API down for maintenance"), Recoverable},
		{"service unavailable", errors.New("circuit open: service unavailable"), Recoverable},
		{"temporary", errors.New("Temporary failure"), Recoverable},
		{"network", errors.New("network is unreachable"), Recoverable},
		{"dial error", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, Recoverable},
		{"validation", apperr.Validation("enqueue", "timeout field missing"), Fatal},
		{"explicit fatal", apperr.Fatal("deliver", "gave up after timeout", 0, nil), Fatal},
		{"transient kind", apperr.Transient("deliver", 0, errors.New("odd failure")), Recoverable},
		{"unknown", errors.New("member exists"), Fatal},
		{"nil", nil, Fatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestPatternOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Pattern
	}{
		{"429", &statusErr{429, ""}, PatternRateLimit},
		{"rate limit text", errors.New("Rate Limit reached"), PatternRateLimit},
		{"408", &statusErr{408, ""}, PatternTimeout},
		{"504", &statusErr{504, ""}, PatternTimeout},
		{"deadline", context.DeadlineExceeded, PatternTimeout},
		{"timeout text", errors.New("i/o timeout"), PatternTimeout},
		{"op error", &net.OpError{Op: "dial", Err: errors.New("refused")}, PatternNetwork},
		{"dns error", &net.DNSError{Err: "no such host", Name: "api.example.com"}, PatternNetwork},
		{"network text", errors.New("network unreachable"), PatternNetwork},
		{"500", &statusErr{500, "internal"}, PatternGeneric},
		{"maintenance", errors.New("maintenance window"), PatternGeneric},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PatternOf(tt.err); got != tt.want {
				t.Errorf("PatternOf(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestStatusCode(t *testing.T) {
	wrapped := fmt.Errorf("deliver: %w", apperr.Transient("send", 503, errors.New("down")))
	if got := StatusCode(wrapped); got != 503 {
		t.Errorf("expected 503, got %d", got)
	}
	if got := StatusCode(errors.New("plain")); got != 0 {
		t.Errorf("expected 0, got %d", got)
	}
}
