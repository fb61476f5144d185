package storage

import (
	"context"
	"errors"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"

	"crm-board/domain"
)

type queueClient interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
	DequeueMessages(ctx context.Context, o *azqueue.DequeueMessagesOptions) (azqueue.DequeueMessagesResponse, error)
	DeleteMessage(ctx context.Context, messageID string, popReceipt string, o *azqueue.DeleteMessageOptions) (azqueue.DeleteMessageResponse, error)
}

// ChangeQueue carries stage changes from the API to the change worker.
type ChangeQueue struct {
	queue queueClient
}

// QueuedChange is a dequeued change together with what is needed to
// delete it.
type QueuedChange struct {
	Envelope     domain.ChangeEnvelope
	MessageID    string
	PopReceipt   string
	DequeueCount int64
}

// NewChangeQueue creates a queue client for the named queue.
func NewChangeQueue(connStr, name string) (*ChangeQueue, error) {
	opts := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second,
				MaxRetryDelay: time.Minute,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, name, &opts)
	if err != nil {
		return nil, err
	}
	return &ChangeQueue{queue: q}, nil
}

// Enqueue sends env to the worker.
func (q *ChangeQueue) Enqueue(ctx context.Context, env domain.ChangeEnvelope) error {
	data, err := sonic.Marshal(env)
	if err != nil {
		return err
	}
	_, err = q.queue.EnqueueMessage(ctx, string(data), nil)
	return err
}

// Receive dequeues up to max changes and hides them for visibility.
// Messages that cannot be decoded are deleted and skipped.
func (q *ChangeQueue) Receive(ctx context.Context, max int32, visibility time.Duration) ([]QueuedChange, error) {
	timeout := int32(visibility / time.Second)
	resp, err := q.queue.DequeueMessages(ctx, &azqueue.DequeueMessagesOptions{
		NumberOfMessages:  &max,
		VisibilityTimeout: &timeout,
	})
	if err != nil {
		return nil, err
	}
	out := make([]QueuedChange, 0, len(resp.Messages))
	var errs []error
	for _, msg := range resp.Messages {
		if msg == nil || msg.MessageID == nil || msg.PopReceipt == nil {
			continue
		}
		qc := QueuedChange{MessageID: *msg.MessageID, PopReceipt: *msg.PopReceipt}
		if msg.DequeueCount != nil {
			qc.DequeueCount = *msg.DequeueCount
		}
		var text string
		if msg.MessageText != nil {
			text = *msg.MessageText
		}
		if err := sonic.UnmarshalString(text, &qc.Envelope); err != nil || qc.Envelope.ID == "" {
			if derr := q.Delete(ctx, qc); derr != nil {
				errs = append(errs, derr)
			}
			continue
		}
		out = append(out, qc)
	}
	return out, errors.Join(errs...)
}

// Delete removes a processed change from the queue.
func (q *ChangeQueue) Delete(ctx context.Context, qc QueuedChange) error {
	_, err := q.queue.DeleteMessage(ctx, qc.MessageID, qc.PopReceipt, nil)
	return err
}
