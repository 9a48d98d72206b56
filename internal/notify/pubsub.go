package notify

import (
	"context"
	"encoding/json"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"

	"github.com/prepstack/exportsrv/internal/export"
)

// PubSub publishes job lifecycle events to a Google Cloud Pub/Sub topic.
type PubSub struct {
	client    *pubsub.Client
	publisher *pubsub.Publisher
}

// NewPubSub creates a Pub/Sub publisher for the given project and topic.
func NewPubSub(ctx context.Context, projectID, topicID string) (*PubSub, error) {
	if projectID == "" || topicID == "" {
		return nil, fmt.Errorf("project id and topic id are required")
	}
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return &PubSub{
		client:    client,
		publisher: client.Publisher(topicID),
	}, nil
}

// Publish marshals the event to JSON and publishes it, blocking until the
// broker acknowledges.
func (p *PubSub) Publish(ctx context.Context, event export.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"type":   event.Type,
			"job_id": event.JobID,
		},
	}
	result := p.publisher.Publish(ctx, msg)
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Close stops the publisher and releases the client.
func (p *PubSub) Close() error {
	p.publisher.Stop()
	return p.client.Close()
}
