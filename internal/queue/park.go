// Package queue provides the SQS-based producer for parking billing events
// whose reconciliation exhausted its optimistic-lock retry budget.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"subsync/internal/config"
	"subsync/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// ParkedEventProducer sends ParkedEventMessages to the parked-events queue.
// The reconcile worker drains the queue and re-applies each event under the
// normal staleness rules, so queue ordering does not matter.
type ParkedEventProducer struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
}

// NewParkedEventProducer creates a producer bound to the configured queue.
func NewParkedEventProducer(client SQSSender, cfg config.QueueConfig, logger *slog.Logger) *ParkedEventProducer {
	if logger == nil {
		logger = slog.Default()
	}
	return &ParkedEventProducer{
		client:   client,
		queueURL: cfg.ParkedQueueURL,
		logger:   logger,
	}
}

// Park serializes the message and sends it to the parked-events queue.
func (p *ParkedEventProducer) Park(ctx context.Context, msg *types.ParkedEventMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal parked event: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"event_id": {
				DataType:    aws.String("String"),
				StringValue: aws.String(msg.Event.ExternalEventID),
			},
		},
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("queue: failed to send parked event %s: %w", msg.Event.ExternalEventID, err)
	}

	p.logger.InfoContext(ctx, "parked billing event enqueued",
		slog.String("message_id", msg.MessageID),
		slog.String("event_id", msg.Event.ExternalEventID),
		slog.Int("attempts", msg.Attempts),
	)
	return nil
}
