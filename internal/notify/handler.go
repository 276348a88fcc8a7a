package notify

import (
	"context"
	"fmt"

	kafkax "github.com/ariefcatur/go-storefront-checkout/internal/kafka"
	"github.com/ariefcatur/go-storefront-checkout/internal/logx"
	"github.com/ariefcatur/go-storefront-checkout/internal/metrics"
	"github.com/ariefcatur/go-storefront-checkout/internal/orders"
	"github.com/ariefcatur/go-storefront-checkout/internal/redisx"
	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Handler consumes order events and e-mails the customer. Each event id is
// delivered at most once per consumer name; a failed send clears the mark
// so the redelivered message can try again.
type Handler struct {
	RDB      *redis.Client
	Renderer *Renderer
	Sender   Sender
	Logger   *zap.Logger
	Consumer string
}

func (h *Handler) Handle(ctx context.Context, m kafkago.Message) error {
	ev, err := kafkax.DecodeEnvelope(m.Value)
	if err != nil {
		// not retriable
		logx.Error(ctx, h.Logger, "skip undecodable message", zap.Int64("offset", m.Offset), zap.Error(err))
		return nil
	}

	key := fmt.Sprintf(redisx.KeyDedup, h.Consumer, ev.EventID)
	first, err := redisx.MarkOnce(ctx, h.RDB, key, redisx.TTLDedup)
	if err != nil {
		return fmt.Errorf("dedup %s: %w", ev.EventID, err)
	}
	if !first {
		logx.Debug(ctx, h.Logger, "duplicate event", zap.String("event_id", ev.EventID))
		return nil
	}

	if err := h.deliver(ctx, ev); err != nil {
		metrics.NotificationsTotal.WithLabelValues("failed").Inc()
		if ferr := redisx.Forget(ctx, h.RDB, key); ferr != nil {
			logx.Warn(ctx, h.Logger, "clear dedup mark", zap.String("event_id", ev.EventID), zap.Error(ferr))
		}
		return err
	}
	return nil
}

func (h *Handler) deliver(ctx context.Context, ev orders.Envelope) error {
	var to, subject, body string
	switch ev.EventType {
	case orders.EventOrderPlaced:
		p, err := kafkax.UnwrapPayload[orders.OrderPlacedPayload](ev.Payload)
		if err != nil {
			return nil
		}
		to = p.Email
		if to == "" {
			break
		}
		if subject, body, err = h.Renderer.OrderPlaced(p.Order); err != nil {
			return err
		}
	case orders.EventOrderCancelled:
		p, err := kafkax.UnwrapPayload[orders.OrderCancelledPayload](ev.Payload)
		if err != nil {
			return nil
		}
		to = p.Email
		if to == "" {
			break
		}
		if subject, body, err = h.Renderer.OrderCancelled(p); err != nil {
			return err
		}
	default:
		return nil
	}

	if to == "" {
		logx.Debug(ctx, h.Logger, "no e-mail on order, skipped",
			zap.String("order_id", ev.CorrelationID), zap.String("event_type", ev.EventType))
		return nil
	}
	if err := h.Sender.Send(ctx, to, subject, body); err != nil {
		return err
	}
	metrics.NotificationsTotal.WithLabelValues("sent").Inc()
	return nil
}
