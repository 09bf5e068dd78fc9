package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Handler receives one event. Handlers run on the bus goroutine and must not block for long.
type Handler func(ctx context.Context, env Envelope)

// Bus publishes and subscribes to topics.
type Bus interface {
	Publish(ctx context.Context, topic string, payload any) error
	// Subscribe returns once the subscription is live; delivery stops when ctx ends.
	Subscribe(ctx context.Context, handler Handler, topics ...string) error
	Close() error
}

func newEnvelope(topic string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s: %w", topic, err)
	}
	return Envelope{
		ID:    uuid.NewString(),
		Topic: topic,
		Data:  raw,
		TS:    time.Now().UTC(),
	}, nil
}
