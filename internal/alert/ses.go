package alert

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"
)

type sesAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// SESNotifier emails alerts to a fixed operator address
type SESNotifier struct {
	client sesAPI
	from   string
	to     []string
	logger *zap.Logger
}

type SESConfig struct {
	Region    string
	FromEmail string
	ToEmails  []string
}

func NewSESNotifier(ctx context.Context, cfg SESConfig, logger *zap.Logger) (*SESNotifier, error) {
	if cfg.FromEmail == "" || len(cfg.ToEmails) == 0 {
		return nil, fmt.Errorf("ses notifier requires from and to addresses")
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}
	return newSESNotifier(ses.NewFromConfig(awsCfg), cfg, logger), nil
}

func newSESNotifier(client sesAPI, cfg SESConfig, logger *zap.Logger) *SESNotifier {
	return &SESNotifier{
		client: client,
		from:   cfg.FromEmail,
		to:     cfg.ToEmails,
		logger: logger,
	}
}

// Notify sends the alert as a plain-text email
func (n *SESNotifier) Notify(ctx context.Context, a Alert) error {
	input := &ses.SendEmailInput{
		Source: aws.String(n.from),
		Destination: &types.Destination{
			ToAddresses: n.to,
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(a.Subject()),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(a.Body()),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := n.client.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("ses send failed: %w", err)
	}

	n.logger.Info("alert emailed via SES",
		zap.String("alert_id", a.ID),
		zap.Strings("to", n.to),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}
