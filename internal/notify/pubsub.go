package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"

	"github.com/JakeFAU/atproto-backfill/internal/backfill"
)

// publishResult is the slice of pubsub.PublishResult the notifier waits on.
type publishResult interface {
	Get(ctx context.Context) (string, error)
}

// topic abstracts the Pub/Sub topic for tests.
type topic interface {
	Publish(ctx context.Context, msg *pubsub.Message) publishResult
}

// PubSub publishes each batch report as a JSON message to a topic. The
// client handles batching and retries in the background; BatchDone waits for
// server acknowledgment so a dropped notification surfaces as an error.
type PubSub struct {
	client *pubsub.Client
	topic  topic
}

type realTopic struct {
	t *pubsub.Topic
}

func (rt realTopic) Publish(ctx context.Context, msg *pubsub.Message) publishResult {
	return rt.t.Publish(ctx, msg)
}

// NewPubSub connects to the topic using Application Default Credentials and
// verifies it exists before the run starts.
func NewPubSub(ctx context.Context, projectID, topicName string) (*PubSub, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	t := client.Topic(topicName)
	ok, err := t.Exists(ctx)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("check pubsub topic %q: %w", topicName, err)
	}
	if !ok {
		_ = client.Close()
		return nil, fmt.Errorf("pubsub topic %q does not exist in project %q", topicName, projectID)
	}
	return &PubSub{client: client, topic: realTopic{t: t}}, nil
}

// BatchDone publishes the report and waits for the server to acknowledge it.
func (p *PubSub) BatchDone(ctx context.Context, report backfill.BatchReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal batch report: %w", err)
	}
	msg := &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"session": report.SessionID,
			"batch":   fmt.Sprintf("%d", report.Batch),
		},
	}
	if _, err := p.topic.Publish(ctx, msg).Get(ctx); err != nil {
		return fmt.Errorf("publish batch report: %w", err)
	}
	return nil
}

// Close releases the Pub/Sub client.
func (p *PubSub) Close() error {
	if p.client == nil {
		return nil
	}
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
