package alert

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"
)

type fakeSNS struct {
	input *sns.PublishInput
	err   error
}

func (f *fakeSNS) Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
	f.input = params
	if f.err != nil {
		return nil, f.err
	}
	return &sns.PublishOutput{MessageId: aws.String("msg-1")}, nil
}

type fakeSES struct {
	input *ses.SendEmailInput
	err   error
}

func (f *fakeSES) SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
	f.input = params
	if f.err != nil {
		return nil, f.err
	}
	return &ses.SendEmailOutput{MessageId: aws.String("mail-1")}, nil
}

type recordingNotifier struct {
	got []Alert
	err error
}

func (r *recordingNotifier) Notify(ctx context.Context, a Alert) error {
	r.got = append(r.got, a)
	return r.err
}

func sampleAlert() Alert {
	sub := int64(99)
	return Alert{
		ID:            "alert-1",
		IntegrationID: "mailchimp",
		ItemID:        7,
		FormID:        3,
		SubmissionID:  &sub,
		ListID:        "L1",
		Attempts:      3,
		Message:       "The integration did not respond in time.",
		OccurredAt:    time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestAlert_SubjectAndBody(t *testing.T) {
	a := sampleAlert()

	if !strings.Contains(a.Subject(), "queue item 7") {
		t.Errorf("unexpected subject: %s", a.Subject())
	}

	body := a.Body()
	for _, want := range []string{"Integration: mailchimp", "Submission: 99", "Attempts: 3", "2024-01-02T03:04:05Z", a.Message} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q:\n%s", want, body)
		}
	}
}

func TestSNSNotifier_Notify(t *testing.T) {
	client := &fakeSNS{}
	n := newSNSNotifier(client, "arn:aws:sns:us-east-1:123:alerts", zap.NewNop())

	if err := n.Notify(context.Background(), sampleAlert()); err != nil {
		t.Fatalf("notify failed: %v", err)
	}

	if aws.ToString(client.input.TopicArn) != "arn:aws:sns:us-east-1:123:alerts" {
		t.Errorf("wrong topic: %s", aws.ToString(client.input.TopicArn))
	}
	if got := aws.ToString(client.input.MessageAttributes["integration_id"].StringValue); got != "mailchimp" {
		t.Errorf("expected integration_id attribute, got %s", got)
	}

	var decoded Alert
	if err := json.Unmarshal([]byte(aws.ToString(client.input.Message)), &decoded); err != nil {
		t.Fatalf("message is not JSON: %v", err)
	}
	if decoded.ItemID != 7 {
		t.Errorf("expected item 7, got %d", decoded.ItemID)
	}
}

func TestSNSNotifier_Error(t *testing.T) {
	n := newSNSNotifier(&fakeSNS{err: errors.New("throttled")}, "arn", zap.NewNop())

	if err := n.Notify(context.Background(), sampleAlert()); err == nil {
		t.Fatal("expected error")
	}
}

func TestSESNotifier_Notify(t *testing.T) {
	client := &fakeSES{}
	n := newSESNotifier(client, SESConfig{FromEmail: "ops@example.com", ToEmails: []string{"oncall@example.com"}}, zap.NewNop())

	if err := n.Notify(context.Background(), sampleAlert()); err != nil {
		t.Fatalf("notify failed: %v", err)
	}

	if aws.ToString(client.input.Source) != "ops@example.com" {
		t.Errorf("wrong source: %s", aws.ToString(client.input.Source))
	}
	if got := client.input.Destination.ToAddresses; len(got) != 1 || got[0] != "oncall@example.com" {
		t.Errorf("wrong recipients: %v", got)
	}
	if !strings.Contains(aws.ToString(client.input.Message.Body.Text.Data), "Queue item: 7") {
		t.Error("body should describe the queue item")
	}
}

func TestNewSESNotifier_RequiresAddresses(t *testing.T) {
	if _, err := NewSESNotifier(context.Background(), SESConfig{Region: "us-east-1"}, zap.NewNop()); err == nil {
		t.Fatal("expected error without addresses")
	}
}

func TestMulti_FansOutAndJoinsErrors(t *testing.T) {
	ok := &recordingNotifier{}
	bad := &recordingNotifier{err: errors.New("boom")}

	m := NewMulti(zap.NewNop())
	m.Add("log", ok)
	m.Add("sns", bad)

	err := m.Notify(context.Background(), Alert{IntegrationID: "mailchimp", ItemID: 1})
	if err == nil || !strings.Contains(err.Error(), "sns: boom") {
		t.Fatalf("expected joined error, got %v", err)
	}
	if len(ok.got) != 1 || len(bad.got) != 1 {
		t.Fatal("every notifier must be called")
	}
	if ok.got[0].ID == "" || ok.got[0].OccurredAt.IsZero() {
		t.Error("multi should fill id and timestamp")
	}
	if m.Len() != 2 {
		t.Errorf("expected 2 notifiers, got %d", m.Len())
	}
}

func TestLogNotifier(t *testing.T) {
	if err := NewLogNotifier(zap.NewNop()).Notify(context.Background(), sampleAlert()); err != nil {
		t.Fatalf("log notifier never fails: %v", err)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("abcdef", 3); got != "abc" {
		t.Errorf("expected abc, got %s", got)
	}
	if got := truncate("ab", 3); got != "ab" {
		t.Errorf("expected ab, got %s", got)
	}
}
