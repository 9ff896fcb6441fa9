// Package deadletter records messages the pipeline abandoned after
// exhausting its retries, so they can be replayed once the index recovers.
package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// Abandoned is the SQS message body for one abandoned message.
type Abandoned struct {
	ID     string    `json:"id"`
	UserID string    `json:"userId"`
	Email  string    `json:"email"`
	Folder string    `json:"folder"`
	UID    uint64    `json:"uid"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Publisher records abandoned messages.
type Publisher interface {
	PublishAbandoned(ctx context.Context, msg Abandoned) error
}

// SQSSender abstracts SQS send operations for dependency inversion.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSPublisher writes abandoned messages to an SQS queue.
type SQSPublisher struct {
	client   SQSSender
	queueURL string
}

// NewSQSPublisher creates a new SQSPublisher.
func NewSQSPublisher(client SQSSender, queueURL string) *SQSPublisher {
	return &SQSPublisher{
		client:   client,
		queueURL: queueURL,
	}
}

// PublishAbandoned sends one abandoned-message record to the queue.
func (p *SQSPublisher) PublishAbandoned(ctx context.Context, msg Abandoned) error {
	if msg.At.IsZero() {
		msg.At = time.Now().UTC()
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal abandoned message: %w", err)
	}

	bodyStr := string(body)
	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    &p.queueURL,
		MessageBody: &bodyStr,
	})
	if err != nil {
		return fmt.Errorf("send abandoned message: %w", err)
	}
	return nil
}
