// Package notify tells customers about their orders. The API side only
// enqueues events; cmd/notifier turns them into e-mails.
package notify

import (
	"context"

	kafkax "github.com/ariefcatur/go-storefront-checkout/internal/kafka"
	"github.com/ariefcatur/go-storefront-checkout/internal/logx"
	"github.com/ariefcatur/go-storefront-checkout/internal/metrics"
	"github.com/ariefcatur/go-storefront-checkout/internal/orders"
	kafkago "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type Publisher interface {
	TryPublish(key, value []byte, headers ...kafkago.Header) bool
}

// KafkaDispatcher publishes order events without waiting on the broker.
// Nothing it does can fail the order it reports on.
type KafkaDispatcher struct {
	pub      Publisher
	producer string
	logger   *zap.Logger
}

func NewKafkaDispatcher(pub Publisher, producer string, logger *zap.Logger) *KafkaDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaDispatcher{pub: pub, producer: producer, logger: logger}
}

func (d *KafkaDispatcher) Notify(ctx context.Context, o *orders.Order) {
	ev, err := d.envelope(ctx, o)
	if err != nil {
		metrics.NotificationsTotal.WithLabelValues("failed").Inc()
		logx.Error(ctx, d.logger, "build order event", zap.String("order_id", o.ID), zap.Error(err))
		return
	}
	value, headers, err := kafkax.EncodeEnvelope(ev)
	if err != nil {
		metrics.NotificationsTotal.WithLabelValues("failed").Inc()
		logx.Error(ctx, d.logger, "encode order event", zap.String("order_id", o.ID), zap.Error(err))
		return
	}

	if !d.pub.TryPublish(orders.PartitionKey(o.ID), value, headers...) {
		metrics.NotificationsTotal.WithLabelValues("dropped").Inc()
		logx.Warn(ctx, d.logger, "order event dropped",
			zap.String("order_id", o.ID), zap.String("event_type", ev.EventType))
		return
	}
	metrics.NotificationsTotal.WithLabelValues("queued").Inc()
}

// envelope picks the event from the order's current status: a cancelled
// order reports its cancellation, anything else its placement.
func (d *KafkaDispatcher) envelope(ctx context.Context, o *orders.Order) (orders.Envelope, error) {
	var traceID string
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		traceID = sc.TraceID().String()
	}

	if o.Status == orders.StatusCancelled {
		reason := ""
		if n := len(o.History); n > 0 {
			reason = o.History[n-1].Note
		}
		return orders.NewEnvelope(orders.EventOrderCancelled, d.producer, traceID, o.ID,
			orders.OrderCancelledPayload{OrderID: o.ID, Reason: reason, Email: o.Customer.Email()})
	}
	return orders.NewEnvelope(orders.EventOrderPlaced, d.producer, traceID, o.ID,
		orders.OrderPlacedPayload{Order: *o, Email: o.Customer.Email()})
}

// Noop is used when notifications are switched off.
type Noop struct{}

func (Noop) Notify(context.Context, *orders.Order) {}
