package kafka

import (
	"encoding/json"
	"fmt"

	"github.com/ariefcatur/go-storefront-checkout/internal/orders"
	"github.com/segmentio/kafka-go"
)

const (
	HeaderEventType    = "x-event-type"
	HeaderEventVersion = "x-event-version"
)

// EncodeEnvelope renders an envelope with the headers consumers route on.
func EncodeEnvelope(ev orders.Envelope) ([]byte, []kafka.Header, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, nil, fmt.Errorf("encode envelope: %w", err)
	}
	return b, []kafka.Header{
		{Key: HeaderEventType, Value: []byte(ev.EventType)},
		{Key: HeaderEventVersion, Value: []byte(fmt.Sprint(ev.EventVersion))},
	}, nil
}

func DecodeEnvelope(b []byte) (orders.Envelope, error) {
	var ev orders.Envelope
	if err := json.Unmarshal(b, &ev); err != nil {
		return ev, fmt.Errorf("decode envelope: %w", err)
	}
	return ev, nil
}

func UnwrapPayload[T any](payload json.RawMessage) (T, error) {
	var t T
	if err := json.Unmarshal(payload, &t); err != nil {
		return t, fmt.Errorf("decode payload: %w", err)
	}
	return t, nil
}
