package eventbus_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oggyb/muzz-live/internal/eventbus"
	"github.com/oggyb/muzz-live/internal/testutil"
)

func TestRedisBusRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rc, _ := testutil.NewRedis(t)
	bus := eventbus.NewRedisBus(rc.Client, "test", testutil.Logger())

	got := make(chan eventbus.Envelope, 4)
	require.NoError(t, bus.Subscribe(ctx, func(_ context.Context, env eventbus.Envelope) {
		got <- env
	}, eventbus.TopicPairFormed))

	require.NoError(t, bus.Publish(ctx, eventbus.TopicCallEnded, eventbus.CallEnded{SessionID: "ignored"}))
	require.NoError(t, bus.Publish(ctx, eventbus.TopicPairFormed, eventbus.PairFormed{
		U1: "u1", U2: "u2", SessionID: "s1", RoomID: "r1", Score: 0.6,
	}))

	select {
	case env := <-got:
		assert.Equal(t, eventbus.TopicPairFormed, env.Topic)
		assert.NotEmpty(t, env.ID)
		pf, err := eventbus.Decode[eventbus.PairFormed](env)
		require.NoError(t, err)
		assert.Equal(t, "s1", pf.SessionID)
		assert.Equal(t, "r1", pf.RoomID)
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}

	select {
	case env := <-got:
		t.Fatalf("unexpected event on %s", env.Topic)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryBusDeliversAndRecords(t *testing.T) {
	ctx := context.Background()
	bus := eventbus.NewMemoryBus()

	var seen []string
	require.NoError(t, bus.Subscribe(ctx, func(_ context.Context, env eventbus.Envelope) {
		seen = append(seen, env.Topic)
	}, eventbus.TopicMatchAccepted, eventbus.TopicCallEnded))

	require.NoError(t, bus.Publish(ctx, eventbus.TopicMatchAccepted, eventbus.MatchAccepted{U1: "a", U2: "b"}))
	require.NoError(t, bus.Publish(ctx, eventbus.TopicPairFormed, eventbus.PairFormed{U1: "a", U2: "b"}))

	assert.Equal(t, []string{eventbus.TopicMatchAccepted}, seen)
	assert.Len(t, bus.Published(""), 2)
	assert.Len(t, bus.Published(eventbus.TopicPairFormed), 1)

	boom := errors.New("bus down")
	bus.SetFailPublish(func(string) error { return boom })
	assert.ErrorIs(t, bus.Publish(ctx, eventbus.TopicCallEnded, eventbus.CallEnded{}), boom)
	assert.Len(t, bus.Published(""), 2)
}

func TestMemoryBusStopsAfterContextEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	bus := eventbus.NewMemoryBus()

	calls := 0
	require.NoError(t, bus.Subscribe(ctx, func(context.Context, eventbus.Envelope) { calls++ }, eventbus.TopicCallEnded))
	cancel()

	require.NoError(t, bus.Publish(context.Background(), eventbus.TopicCallEnded, eventbus.CallEnded{}))
	assert.Zero(t, calls)
}
