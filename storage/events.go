package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"

	"todo-api/domain"
)

// EventQueue publishes todo change events to an Azure storage queue.
type EventQueue struct {
	queue *azqueue.QueueClient
}

// NewEventQueue connects to the named queue.
func NewEventQueue(connStr, queueName string) (*EventQueue, error) {
	queueClientOptions := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Second * 30,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	cq, err := azqueue.NewQueueClientFromConnectionString(connStr, queueName, &queueClientOptions)
	if err != nil {
		return nil, err
	}
	return &EventQueue{queue: cq}, nil
}

// Publish enqueues a single event as a JSON message.
func (q *EventQueue) Publish(ctx context.Context, ev domain.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := q.queue.EnqueueMessage(ctx, string(data), nil); err != nil {
		return classify("enqueue "+string(ev.Type), err)
	}
	return nil
}
