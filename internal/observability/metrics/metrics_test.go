package metrics

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("owner_id", "123"),
		attribute.String("wallet_address", "ALGO123"),
		attribute.String("status", "completed"),
		attribute.String("currency", "USDC"),
	)
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}
	for _, attr := range attrs {
		if attr.Key == "owner_id" || attr.Key == "wallet_address" {
			t.Fatalf("unexpected label %q retained", attr.Key)
		}
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.RecordPayment(context.Background(), "completed", "ALGO")
	m.RecordSubscriberTransition(context.Background(), "active", "cancelled")
}

func TestNewWithNoopProvider(t *testing.T) {
	m, err := New(Config{ServiceName: "subchain"}, noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	m.RecordPayment(context.Background(), "failed", "USDC")
	m.RecordEventPublished(context.Background(), "payment.failed")
}
