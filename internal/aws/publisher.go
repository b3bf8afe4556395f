package aws

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// maxSQSDelay is the largest DelaySeconds SQS accepts.
const maxSQSDelay = 15 * time.Minute

// NotifyRetryMessage is the payload sent from the notify processor -> SQS -> worker.
type NotifyRetryMessage struct {
	LogID  string `json:"log_id"`
	Reason string `json:"reason,omitempty"`
}

// Publisher wraps an SQS client and a queue URL.
type Publisher struct {
	SQS      SQSAPI
	QueueURL string
}

// NewPublisher returns a Publisher bound to a queue URL.
func NewPublisher(sqsClient SQSAPI, queueURL string) *Publisher {
	return &Publisher{
		SQS:      sqsClient,
		QueueURL: queueURL,
	}
}

// SendMessage sends messageBody to the queue after delay.
// attributes map[string]string -> sent as MessageAttributes.
func (p *Publisher) SendMessage(ctx context.Context, messageBody string, attributes map[string]string, delay time.Duration) error {
	if delay > maxSQSDelay {
		delay = maxSQSDelay
	}
	input := &sqs.SendMessageInput{
		QueueUrl:     &p.QueueURL,
		MessageBody:  &messageBody,
		DelaySeconds: int32(delay / time.Second),
	}
	if len(attributes) > 0 {
		msgAttrs := map[string]sqstypes.MessageAttributeValue{}
		for k, v := range attributes {
			// using string type for all attrs
			msgAttrs[k] = sqstypes.MessageAttributeValue{
				DataType:    awsString("String"),
				StringValue: awsString(v),
			}
		}
		input.MessageAttributes = msgAttrs
	}

	_, err := p.SQS.SendMessage(ctx, input)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// ScheduleNotifyRetry enqueues a delayed replay of a notify log row.
func (p *Publisher) ScheduleNotifyRetry(ctx context.Context, logID, reason string, delay time.Duration) error {
	body, err := json.Marshal(NotifyRetryMessage{LogID: logID, Reason: reason})
	if err != nil {
		return fmt.Errorf("marshal retry message: %w", err)
	}
	return p.SendMessage(ctx, string(body), map[string]string{"log_id": logID}, delay)
}

// awsString helper
func awsString(s string) *string { return &s }
