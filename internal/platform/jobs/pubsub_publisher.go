package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"cloud.google.com/go/pubsub"

	"github.com/clawanddecay/storefront/internal/services"
)

// PubSubFailureNotifier publishes fulfillment failures to a Pub/Sub topic for alerting and manual
// replay.
type PubSubFailureNotifier struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

var _ services.FailureNotifier = (*PubSubFailureNotifier)(nil)

// NewPubSubFailureNotifier constructs a Pub/Sub backed failure notifier.
func NewPubSubFailureNotifier(topic *pubsub.Topic) (*PubSubFailureNotifier, error) {
	if topic == nil {
		return nil, errors.New("pubsub failure notifier: topic is required")
	}
	return &PubSubFailureNotifier{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// NotifyFulfillmentFailure publishes the notice and waits for the server id.
func (p *PubSubFailureNotifier) NotifyFulfillmentFailure(ctx context.Context, notice services.FulfillmentFailure) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub failure notifier: not initialised")
	}

	data, err := p.marshal(notice)
	if err != nil {
		return fmt.Errorf("marshal fulfillment failure: %w", err)
	}

	attrs := map[string]string{
		"kind":      "fulfillment_failure",
		"retryable": strconv.FormatBool(notice.Retryable),
	}
	setAttr(attrs, "eventId", notice.EventID)
	setAttr(attrs, "sessionId", notice.SessionID)

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish fulfillment failure: %w", err)
	}
	return nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
