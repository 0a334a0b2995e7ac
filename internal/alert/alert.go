// Package alert notifies operators when a delivery is permanently given up.
package alert

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/formsync/internal/metrics"
)

// Alert describes a permanently failed delivery.
type Alert struct {
	ID            string    `json:"alert_id"`
	IntegrationID string    `json:"integration_id"`
	ItemID        int64     `json:"queue_item_id"`
	FormID        int64     `json:"form_id"`
	SubmissionID  *int64    `json:"submission_id,omitempty"`
	ListID        string    `json:"list_id"`
	Attempts      int       `json:"attempts"`
	Message       string    `json:"message"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Subject is a one-line summary used as the SNS subject and email subject.
func (a Alert) Subject() string {
	return fmt.Sprintf("[formsync] %s delivery failed for queue item %d", a.IntegrationID, a.ItemID)
}

// Body renders a plain-text description.
func (a Alert) Body() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Integration: %s\n", a.IntegrationID)
	fmt.Fprintf(&b, "Queue item: %d\n", a.ItemID)
	fmt.Fprintf(&b, "Form: %d\n", a.FormID)
	if a.SubmissionID != nil {
		fmt.Fprintf(&b, "Submission: %d\n", *a.SubmissionID)
	}
	fmt.Fprintf(&b, "List: %s\n", a.ListID)
	fmt.Fprintf(&b, "Attempts: %d\n", a.Attempts)
	fmt.Fprintf(&b, "Time: %s\n\n", a.OccurredAt.UTC().Format(time.RFC3339))
	b.WriteString(a.Message)
	b.WriteString("\n")
	return b.String()
}

// Notifier delivers an alert to operators.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// Multi fans an alert out to several notifiers. Every notifier is
// tried; their errors are joined.
type Multi struct {
	notifiers []namedNotifier
	logger    *zap.Logger
}

type namedNotifier struct {
	name string
	n    Notifier
}

// NewMulti creates an empty fan-out notifier
func NewMulti(logger *zap.Logger) *Multi {
	return &Multi{logger: logger}
}

// Add registers a notifier under a channel name used in metrics.
func (m *Multi) Add(name string, n Notifier) {
	m.notifiers = append(m.notifiers, namedNotifier{name: name, n: n})
}

// Len reports how many notifiers are registered.
func (m *Multi) Len() int {
	return len(m.notifiers)
}

func (m *Multi) Notify(ctx context.Context, a Alert) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.OccurredAt.IsZero() {
		a.OccurredAt = time.Now()
	}

	var errs []error
	for _, nn := range m.notifiers {
		err := nn.n.Notify(ctx, a)
		metrics.RecordAlert(nn.name, err)
		if err != nil {
			m.logger.Error("operator alert failed",
				zap.String("channel", nn.name),
				zap.String("alert_id", a.ID),
				zap.Int64("queue_item_id", a.ItemID),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("%s: %w", nn.name, err))
		}
	}
	return errors.Join(errs...)
}

// LogNotifier writes alerts to the logger; used when no AWS channel is configured.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, a Alert) error {
	n.logger.Warn("delivery permanently failed",
		zap.String("alert_id", a.ID),
		zap.String("integration_id", a.IntegrationID),
		zap.Int64("queue_item_id", a.ItemID),
		zap.Int64("form_id", a.FormID),
		zap.Int("attempts", a.Attempts),
		zap.String("message", a.Message),
	)
	return nil
}
