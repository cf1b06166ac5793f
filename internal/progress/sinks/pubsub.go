package sinks

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"

	"github.com/leadforge/leadcrawler/internal/progress"
)

// PubSubSink publishes progress events to a Cloud Pub/Sub topic for
// downstream consumers (CRM imports, notifications).
type PubSubSink struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

// NewPubSubSink connects to the topic. The topic must already exist.
func NewPubSubSink(ctx context.Context, projectID, topicID string) (*PubSubSink, error) {
	if projectID == "" || topicID == "" {
		return nil, fmt.Errorf("pubsub project and topic are required")
	}
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client: %w", err)
	}
	return &PubSubSink{
		client: client,
		topic:  client.Topic(topicID),
	}, nil
}

// Consume publishes the batch and waits for server acks.
func (s *PubSubSink) Consume(ctx context.Context, batch []progress.Event) error {
	results := make([]*pubsub.PublishResult, 0, len(batch))
	for _, evt := range batch {
		data, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("marshal progress event: %w", err)
		}
		results = append(results, s.topic.Publish(ctx, &pubsub.Message{
			Data: data,
			Attributes: map[string]string{
				"stage":  string(evt.Stage),
				"job_id": evt.JobID,
			},
		}))
	}
	for _, res := range results {
		if _, err := res.Get(ctx); err != nil {
			return fmt.Errorf("publish progress event: %w", err)
		}
	}
	return nil
}

// Close flushes pending publishes and releases the client.
func (s *PubSubSink) Close(context.Context) error {
	s.topic.Stop()
	return s.client.Close()
}
