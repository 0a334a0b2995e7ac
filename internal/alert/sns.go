package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"
)

// snsAPI is the subset of the SNS client used for alerts.
type snsAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSNotifier publishes alerts to an SNS topic
type SNSNotifier struct {
	client   snsAPI
	topicARN string
	logger   *zap.Logger
}

// NewSNSNotifier creates an SNS notifier for the given topic
func NewSNSNotifier(ctx context.Context, region, topicARN string, logger *zap.Logger) (*SNSNotifier, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config for SNS: %w", err)
	}
	return newSNSNotifier(sns.NewFromConfig(awsCfg), topicARN, logger), nil
}

func newSNSNotifier(client snsAPI, topicARN string, logger *zap.Logger) *SNSNotifier {
	return &SNSNotifier{
		client:   client,
		topicARN: topicARN,
		logger:   logger,
	}
}

// Notify publishes the alert as JSON with routing attributes
func (n *SNSNotifier) Notify(ctx context.Context, a Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(n.topicARN),
		Subject:  aws.String(truncate(a.Subject(), 100)),
		Message:  aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"integration_id": {
				DataType:    aws.String("String"),
				StringValue: aws.String(a.IntegrationID),
			},
			"form_id": {
				DataType:    aws.String("Number"),
				StringValue: aws.String(strconv.FormatInt(a.FormID, 10)),
			},
		},
	}

	result, err := n.client.Publish(ctx, input)
	if err != nil {
		return fmt.Errorf("sns publish failed: %w", err)
	}

	n.logger.Info("alert published via SNS",
		zap.String("alert_id", a.ID),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}

// truncate shortens s to at most n bytes.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
