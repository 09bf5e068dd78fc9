package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	goredis "github.com/redis/go-redis/v9"
)

// RedisBus maps each topic to the pub/sub channel "<prefix>:<topic>".
type RedisBus struct {
	log    *slog.Logger
	rdb    *goredis.Client
	prefix string
}

// NewRedisBus shares an existing client; Close does not close it.
func NewRedisBus(rdb *goredis.Client, prefix string, log *slog.Logger) *RedisBus {
	if prefix == "" {
		prefix = "muzz-live"
	}
	return &RedisBus{
		log:    log.With("component", "eventbus"),
		rdb:    rdb,
		prefix: prefix,
	}
}

func (b *RedisBus) channel(topic string) string {
	return b.prefix + ":" + topic
}

func (b *RedisBus) Publish(ctx context.Context, topic string, payload any) error {
	if b == nil || b.rdb == nil {
		return fmt.Errorf("redis bus not initialized")
	}
	env, err := newEnvelope(topic, payload)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel(topic), raw).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, handler Handler, topics ...string) error {
	if b == nil || b.rdb == nil {
		return fmt.Errorf("redis bus not initialized")
	}
	if handler == nil {
		return fmt.Errorf("handler required")
	}
	channels := make([]string, len(topics))
	for i, t := range topics {
		channels[i] = b.channel(t)
	}

	sub := b.rdb.Subscribe(ctx, channels...)

	// ensures subscription actually started
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					_ = sub.Close()
					return
				}
				var env Envelope
				if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
					b.log.Warn("bad bus payload", "channel", m.Channel, "err", err)
					continue
				}
				if env.Topic == "" {
					env.Topic = strings.TrimPrefix(m.Channel, b.prefix+":")
				}
				handler(ctx, env)
			}
		}
	}()
	return nil
}

func (b *RedisBus) Close() error { return nil }
