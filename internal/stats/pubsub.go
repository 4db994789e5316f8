package stats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"

	"github.com/JakeFAU/streamcrawler/internal/crawler"
)

// publisher is the part of *pubsub.Topic the sink needs.
type publisher interface {
	Publish(ctx context.Context, msg *pubsub.Message) *pubsub.PublishResult
}

// PubSub publishes each report as a JSON message.
type PubSub struct {
	topic publisher
	wait  bool
}

// NewPubSub wraps a topic. When wait is set RecordPage blocks until the
// server acknowledges the message.
func NewPubSub(topic publisher, wait bool) (*PubSub, error) {
	if topic == nil {
		return nil, errors.New("pubsub topic is required")
	}
	return &PubSub{topic: topic, wait: wait}, nil
}

// RecordPage implements crawler.StatsSink.
func (p *PubSub) RecordPage(ctx context.Context, report crawler.PageReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal page report: %w", err)
	}
	msg := &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"host":      report.Host,
			"integrity": report.Integrity,
		},
	}
	if report.TaskKey != "" {
		msg.Attributes["task_key"] = report.TaskKey
	}
	result := p.topic.Publish(ctx, msg)
	if !p.wait {
		return nil
	}
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish page report: %w", err)
	}
	return nil
}
