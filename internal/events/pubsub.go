package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"
)

// PubSubPublisher wraps the in-memory Bus and mirrors every event to a
// Google Cloud Pub/Sub topic. The org id becomes the ordering key so events
// for one tenant stay ordered; publishes are asynchronous and failures are
// logged, never surfaced to the request that produced the event.
type PubSubPublisher struct {
	*Bus

	client *pubsub.Client
	topic  *pubsub.Topic
	logger *slog.Logger
}

// NewPubSubPublisher connects to the topic, creating it if absent.
func NewPubSubPublisher(bus *Bus, projectID, topicID string, logger *slog.Logger, opts ...option.ClientOption) (*PubSubPublisher, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}
	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("topic.Exists: %w", err)
	}
	if !exists {
		if topic, err = client.CreateTopic(ctx, topicID); err != nil {
			client.Close()
			return nil, fmt.Errorf("CreateTopic: %w", err)
		}
		logger.Info("created pub/sub topic", "topic", topicID)
	}
	topic.EnableMessageOrdering = true

	return &PubSubPublisher{Bus: bus, client: client, topic: topic, logger: logger}, nil
}

// Publish fans out in-process first, then hands the event to Pub/Sub.
func (p *PubSubPublisher) Publish(e Event) {
	p.Bus.Publish(e)

	raw, err := json.Marshal(e)
	if err != nil {
		p.logger.Error("failed to serialize event", "type", e.Type, "error", err)
		return
	}
	res := p.topic.Publish(context.Background(), &pubsub.Message{
		Data:        raw,
		OrderingKey: e.OrgID,
		Attributes: map[string]string{
			"type":  e.Type,
			"orgId": e.OrgID,
		},
	})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := res.Get(ctx); err != nil {
			p.logger.Error("pub/sub publish failed", "type", e.Type, "error", err)
			p.topic.ResumePublish(e.OrgID)
		}
	}()
}

// Close flushes pending publishes and releases the client.
func (p *PubSubPublisher) Close() error {
	p.topic.Stop()
	return p.client.Close()
}
