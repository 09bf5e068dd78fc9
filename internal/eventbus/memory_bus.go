package eventbus

import (
	"context"
	"slices"
	"sync"
)

// MemoryBus delivers synchronously inside Publish and records every event.
// It backs tests and single-process runs.
type MemoryBus struct {
	mu        sync.Mutex
	subs      []memorySub
	published []Envelope
	fail      func(topic string) error
}

type memorySub struct {
	ctx     context.Context
	topics  []string
	handler Handler
}

func NewMemoryBus() *MemoryBus { return &MemoryBus{} }

func (b *MemoryBus) Publish(ctx context.Context, topic string, payload any) error {
	b.mu.Lock()
	fail := b.fail
	b.mu.Unlock()
	if fail != nil {
		if err := fail(topic); err != nil {
			return err
		}
	}

	env, err := newEnvelope(topic, payload)
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.published = append(b.published, env)
	var targets []memorySub
	for _, s := range b.subs {
		if s.ctx.Err() == nil && slices.Contains(s.topics, topic) {
			targets = append(targets, s)
		}
	}
	b.mu.Unlock()

	for _, s := range targets {
		s.handler(s.ctx, env)
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, handler Handler, topics ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, memorySub{ctx: ctx, topics: topics, handler: handler})
	return nil
}

func (b *MemoryBus) Close() error { return nil }

// SetFailPublish installs (or clears, with nil) a hook consulted before each publish.
func (b *MemoryBus) SetFailPublish(fn func(topic string) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fail = fn
}

// Published returns the recorded events for topic (all topics when empty).
func (b *MemoryBus) Published(topic string) []Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Envelope
	for _, e := range b.published {
		if topic == "" || e.Topic == topic {
			out = append(out, e)
		}
	}
	return out
}
