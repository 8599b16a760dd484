package jobs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/clawanddecay/storefront/internal/services"
)

func TestPubSubFailureNotifierPublishesMessage(t *testing.T) {
	ctx := context.Background()
	srv := pstest.NewServer()
	defer srv.Close()

	client, err := pubsub.NewClient(ctx, "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		t.Fatalf("pubsub.NewClient: %v", err)
	}
	defer func() {
		_ = client.Close()
	}()

	topic, err := client.CreateTopic(ctx, "fulfillment-failures")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}

	notifier, err := NewPubSubFailureNotifier(topic)
	if err != nil {
		t.Fatalf("NewPubSubFailureNotifier: %v", err)
	}

	notice := services.FulfillmentFailure{
		EventID:    "evt_1",
		SessionID:  "cs_test_1",
		Reason:     "fulfillment: variant mapping missing: variants 909",
		OccurredAt: time.Date(2026, 10, 14, 9, 30, 0, 0, time.UTC),
	}
	if err := notifier.NotifyFulfillmentFailure(ctx, notice); err != nil {
		t.Fatalf("NotifyFulfillmentFailure: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}

	var payload services.FulfillmentFailure
	if err := json.Unmarshal(messages[0].Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.EventID != notice.EventID || payload.Reason != notice.Reason || !payload.OccurredAt.Equal(notice.OccurredAt) {
		t.Fatalf("unexpected payload %#v", payload)
	}
	attrs := messages[0].Attributes
	if attrs["sessionId"] != "cs_test_1" || attrs["retryable"] != "false" || attrs["kind"] != "fulfillment_failure" {
		t.Fatalf("unexpected attributes %v", attrs)
	}
}

func TestNewPubSubFailureNotifierRequiresTopic(t *testing.T) {
	if _, err := NewPubSubFailureNotifier(nil); err == nil {
		t.Fatal("expected error for nil topic")
	}
}
