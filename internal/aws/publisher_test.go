package aws

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

type mockSQS struct {
	inputs []*sqs.SendMessageInput
	err    error
}

func (m *mockSQS) SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.inputs = append(m.inputs, params)
	return &sqs.SendMessageOutput{}, nil
}

type mockCloudWatch struct {
	inputs []*cloudwatch.PutMetricDataInput
}

func (m *mockCloudWatch) PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	m.inputs = append(m.inputs, params)
	return &cloudwatch.PutMetricDataOutput{}, nil
}

func TestScheduleNotifyRetry(t *testing.T) {
	mock := &mockSQS{}
	p := NewPublisher(mock, "https://sqs.local/notify-retry")

	if err := p.ScheduleNotifyRetry(context.Background(), "log-1", "network", 90*time.Second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(mock.inputs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(mock.inputs))
	}
	in := mock.inputs[0]
	if *in.QueueUrl != "https://sqs.local/notify-retry" {
		t.Fatalf("queue url mismatch: %s", *in.QueueUrl)
	}
	if in.DelaySeconds != 90 {
		t.Fatalf("expected delay 90, got %d", in.DelaySeconds)
	}
	var msg NotifyRetryMessage
	if err := json.Unmarshal([]byte(*in.MessageBody), &msg); err != nil {
		t.Fatalf("body not json: %v", err)
	}
	if msg.LogID != "log-1" || msg.Reason != "network" {
		t.Fatalf("unexpected message %+v", msg)
	}
	if *in.MessageAttributes["log_id"].StringValue != "log-1" {
		t.Fatalf("log_id attribute missing")
	}
}

func TestSendMessage_ClampsDelayAndWrapsError(t *testing.T) {
	mock := &mockSQS{}
	p := NewPublisher(mock, "q")
	if err := p.SendMessage(context.Background(), "{}", nil, time.Hour); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mock.inputs[0].DelaySeconds != 900 {
		t.Fatalf("expected delay clamped to 900, got %d", mock.inputs[0].DelaySeconds)
	}

	boom := errors.New("throttled")
	p = NewPublisher(&mockSQS{err: boom}, "q")
	if err := p.SendMessage(context.Background(), "{}", nil, 0); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}

func TestMetricsIncr(t *testing.T) {
	mock := &mockCloudWatch{}
	m := NewMetrics(mock, "PaymentCore")

	if err := m.Incr(context.Background(), "payment_applied", map[string]string{"source": "notify", "method": "WECHAT_PAY"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	in := mock.inputs[0]
	if *in.Namespace != "PaymentCore" {
		t.Fatalf("namespace mismatch")
	}
	d := in.MetricData[0]
	if *d.MetricName != "payment_applied" || *d.Value != 1 {
		t.Fatalf("unexpected datum %+v", d)
	}
	if len(d.Dimensions) != 2 || *d.Dimensions[0].Name != "method" {
		t.Fatalf("dimensions should be sorted by name: %+v", d.Dimensions)
	}
}
