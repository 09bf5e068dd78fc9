package scheduler_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/oggyb/muzz-live/internal/activecall"
	"github.com/oggyb/muzz-live/internal/app"
	"github.com/oggyb/muzz-live/internal/cache"
	"github.com/oggyb/muzz-live/internal/clients/clientstest"
	"github.com/oggyb/muzz-live/internal/clock"
	"github.com/oggyb/muzz-live/internal/config"
	"github.com/oggyb/muzz-live/internal/db"
	svcErr "github.com/oggyb/muzz-live/internal/errors"
	"github.com/oggyb/muzz-live/internal/eventbus"
	"github.com/oggyb/muzz-live/internal/repository"
	"github.com/oggyb/muzz-live/internal/scheduler"
	"github.com/oggyb/muzz-live/internal/service/preferences"
	"github.com/oggyb/muzz-live/internal/service/queue"
	"github.com/oggyb/muzz-live/internal/testutil"
)

type fixture struct {
	sched    *scheduler.Scheduler
	queue    *queue.Store
	prefs    *preferences.Store
	attempts *repository.AttemptRepository
	active   *activecall.Memory
	sessions *clientstest.Sessions
	bus      *eventbus.MemoryBus
	gdb      *gorm.DB
	rc       *cache.RedisCache
	clk      *clock.FakeClock
}

func setup(t *testing.T, tweak ...func(*config.Config)) *fixture {
	t.Helper()
	gdb := testutil.NewDB(t)
	rc, _ := testutil.NewRedis(t)
	clk := clock.Fake(time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC))

	cfg := config.New()
	for _, fn := range tweak {
		fn(cfg)
	}
	appCtx := app.New(cfg, gdb, rc, testutil.Logger()).WithClock(clk)

	f := &fixture{
		queue:    queue.NewStore(appCtx),
		prefs:    preferences.NewStore(appCtx),
		attempts: repository.NewAttemptRepository(gdb),
		active:   activecall.NewMemory(),
		sessions: clientstest.NewSessions(),
		bus:      eventbus.NewMemoryBus(),
		gdb:      gdb,
		rc:       rc,
		clk:      clk,
	}
	f.sched = scheduler.New(appCtx, scheduler.Deps{
		Queue:          f.queue,
		Preferences:    f.prefs,
		ActiveCalls:    f.active,
		Sessions:       f.sessions,
		Bus:            f.bus,
		Premium:        rc,
		PublishBackoff: time.Millisecond,
	})
	return f
}

func intp(v int) *int { return &v }

func (f *fixture) join(t *testing.T, e db.QueueEntry, prefs map[string]any) {
	t.Helper()
	ctx := context.Background()
	if prefs != nil {
		_, err := f.prefs.Upsert(ctx, e.UserID, prefs)
		require.NoError(t, err)
	}
	_, err := f.queue.Enqueue(ctx, &e)
	require.NoError(t, err)
	f.clk.Advance(time.Millisecond)
}

func (f *fixture) happyPair(t *testing.T) {
	f.join(t, db.QueueEntry{UserID: "u1", Intent: "SERIOUS", Gender: "WOMAN", Age: intp(27), Interests: []string{"hiking", "jazz"}},
		map[string]any{"preferredGenders": []any{"MAN"}, "preferredRelationshipIntents": []any{"SERIOUS"}})
	f.join(t, db.QueueEntry{UserID: "u2", Intent: "SERIOUS", Gender: "MAN", Age: intp(29), Interests: []string{"hiking", "film"}},
		map[string]any{"preferredGenders": []any{"WOMAN"}})
}

// subThresholdPair is two same-intent users with disjoint interests, no
// shared language, no location and no stored preferences.
func (f *fixture) subThresholdPair(t *testing.T) {
	f.join(t, db.QueueEntry{UserID: "a", Intent: "CASUAL", Gender: "WOMAN",
		Interests: []string{"chess"}, Languages: []string{"en"}}, nil)
	f.join(t, db.QueueEntry{UserID: "b", Intent: "CASUAL", Gender: "MAN",
		Interests: []string{"surfing"}, Languages: []string{"fr"}}, nil)
}

func (f *fixture) latest(t *testing.T, userID string) *db.QueueEntry {
	t.Helper()
	e, err := f.queue.Latest(context.Background(), userID)
	require.NoError(t, err)
	return e
}

func (f *fixture) attemptCount(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.gdb.Model(&db.MatchAttempt{}).Count(&n).Error)
	return n
}

func (f *fixture) isActive(t *testing.T, userID string) bool {
	t.Helper()
	in, err := f.active.Contains(context.Background(), userID)
	require.NoError(t, err)
	return in
}

func TestHappyPair(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.happyPair(t)

	formed, err := f.sched.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, formed)

	assert.Equal(t, db.StatusMatched, f.latest(t, "u1").Status)
	assert.Equal(t, db.StatusMatched, f.latest(t, "u2").Status)
	assert.True(t, f.isActive(t, "u1"))
	assert.True(t, f.isActive(t, "u2"))
	assert.Equal(t, 1, f.sessions.Creates())

	require.Equal(t, int64(1), f.attemptCount(t))
	attempt, err := f.attempts.LiveForUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, db.AttemptProposed, attempt.Status)
	assert.GreaterOrEqual(t, attempt.TotalScore, 0.1)
	assert.Equal(t, 1.0, attempt.AgeScore)
	assert.InDelta(t, 0.5, attempt.InterestScore, 1e-9)
	assert.Equal(t, 1.0, attempt.GenderCompatScore)
	require.NotNil(t, attempt.SessionID)
	require.NotNil(t, attempt.RoomID)

	events := f.bus.Published(eventbus.TopicPairFormed)
	require.Len(t, events, 1)
	pf, err := eventbus.Decode[eventbus.PairFormed](events[0])
	require.NoError(t, err)
	assert.Equal(t, *attempt.SessionID, pf.SessionID)
	assert.Equal(t, *attempt.RoomID, pf.RoomID)
	assert.NotEmpty(t, pf.SessionID)
	assert.NotEmpty(t, pf.RoomID)

	card, err := f.rc.WaitingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, card)
}

func TestPairingCoversFormation(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.happyPair(t)

	var during, activeDuring bool
	f.sessions.OnCreate = func(u1, u2 string) {
		during = f.sched.Pairing(u1) && f.sched.Pairing(u2)
		activeDuring, _ = f.active.Contains(ctx, u1)
	}

	formed, err := f.sched.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, formed)
	assert.True(t, during)
	assert.True(t, activeDuring)
	assert.False(t, f.sched.Pairing("u1"))
	assert.False(t, f.sched.Pairing("u2"))
}

func TestSubThresholdCountsAttempts(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.subThresholdPair(t)

	formed, err := f.sched.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, formed)
	assert.Zero(t, f.attemptCount(t))
	assert.Empty(t, f.bus.Published(""))

	for _, id := range []string{"a", "b"} {
		e := f.latest(t, id)
		assert.Equal(t, db.StatusWaiting, e.Status, id)
		assert.Equal(t, 1, e.Attempts, id)
	}

	// immediate matching never touches attempts
	paired, err := f.sched.MatchUser(ctx, "a")
	require.NoError(t, err)
	assert.False(t, paired)
	assert.Equal(t, 1, f.latest(t, "a").Attempts)
}

func TestZeroCandidatesChangesNothing(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.join(t, db.QueueEntry{UserID: "solo", Intent: "FRIENDS", Gender: "MAN"}, nil)
	f.join(t, db.QueueEntry{UserID: "other-intent", Intent: "CASUAL", Gender: "WOMAN"}, nil)

	formed, err := f.sched.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, formed)
	assert.Zero(t, f.latest(t, "solo").Attempts)
	assert.Zero(t, f.latest(t, "other-intent").Attempts)
	assert.Empty(t, f.bus.Published(""))
}

func TestImmediateMatchOnJoin(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.happyPair(t)

	paired, err := f.sched.MatchUser(ctx, "u2")
	require.NoError(t, err)
	assert.True(t, paired)
	assert.Len(t, f.bus.Published(eventbus.TopicPairFormed), 1)

	// the partner is no longer waiting, so a second trigger is a no-op
	paired, err = f.sched.MatchUser(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, paired)
	assert.Equal(t, 1, f.sessions.Creates())
}

func TestUsersInCallAreNeverPaired(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.happyPair(t)
	require.NoError(t, f.active.Mark(ctx, "u2"))

	formed, err := f.sched.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, formed)
	paired, err := f.sched.MatchUser(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, paired)

	assert.Equal(t, db.StatusWaiting, f.latest(t, "u1").Status)
	assert.Zero(t, f.latest(t, "u1").Attempts)
	assert.Zero(t, f.sessions.Creates())
}

func TestWomenFirstOrdering(t *testing.T) {
	for _, womenFirst := range []bool{true, false} {
		t.Run(map[bool]string{true: "women_first", false: "fifo"}[womenFirst], func(t *testing.T) {
			ctx := context.Background()
			f := setup(t, func(c *config.Config) { c.Matching.WomenFirst = womenFirst })
			f.join(t, db.QueueEntry{UserID: "m1", Intent: "FRIENDS", Gender: "MAN", Age: intp(30), Interests: []string{"jazz"}}, nil)
			f.join(t, db.QueueEntry{UserID: "w", Intent: "FRIENDS", Gender: "WOMAN", Age: intp(30),
				Interests: []string{"jazz"}, Languages: []string{"en"}}, nil)
			f.join(t, db.QueueEntry{UserID: "m2", Intent: "FRIENDS", Gender: "MAN", Age: intp(30),
				Interests: []string{"jazz"}, Languages: []string{"en"}}, nil)

			formed, err := f.sched.Tick(ctx)
			require.NoError(t, err)
			require.Equal(t, 1, formed)

			attempt, err := f.attempts.LiveForUser(ctx, "w")
			require.NoError(t, err)
			if womenFirst {
				assert.Equal(t, "m2", attempt.Partner("w"))
				assert.Equal(t, 1, f.latest(t, "m1").Attempts)
			} else {
				assert.Equal(t, "m1", attempt.Partner("w"))
				assert.Equal(t, 1, f.latest(t, "m2").Attempts)
			}
		})
	}
}

func TestTransientSessionFailureReverts(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.happyPair(t)
	f.sessions.CreateErr = svcErr.Transient("session_registry", errors.New("503"))

	formed, err := f.sched.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, formed)

	for _, id := range []string{"u1", "u2"} {
		e := f.latest(t, id)
		assert.Equal(t, db.StatusWaiting, e.Status)
		assert.Equal(t, 1, e.Attempts)
		assert.False(t, f.isActive(t, id))
	}
	assert.Empty(t, f.bus.Published(eventbus.TopicPairFormed))
	assert.Zero(t, f.attemptCount(t))
	card, err := f.rc.WaitingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), card)

	// transient failures are retried on the next cycle
	f.sessions.CreateErr = nil
	formed, err = f.sched.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, formed)
}

func TestFatalSessionFailureCoolsPairDown(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.happyPair(t)
	f.sessions.CreateErr = svcErr.Fatal("session_registry", errors.New("422"))

	_, err := f.sched.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, f.sessions.Creates())
	assert.Equal(t, db.StatusWaiting, f.latest(t, "u1").Status)

	f.sessions.CreateErr = nil
	_, err = f.sched.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, f.sessions.Creates(), "pair retried before cooldown")

	f.clk.Advance(5 * time.Second)
	formed, err := f.sched.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, formed)
	assert.Equal(t, 2, f.sessions.Creates())
}

func TestPublishFailureEndsSession(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.happyPair(t)
	tries := 0
	f.bus.SetFailPublish(func(topic string) error {
		if topic == eventbus.TopicPairFormed {
			tries++
			return errors.New("bus down")
		}
		return nil
	})

	formed, err := f.sched.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, formed)
	assert.Equal(t, 3, tries)

	reason, ended := f.sessions.EndReason("session-1")
	assert.True(t, ended)
	assert.Equal(t, eventbus.ReasonPublishFailed, reason)

	var attempt db.MatchAttempt
	require.NoError(t, f.gdb.Take(&attempt).Error)
	assert.Equal(t, db.AttemptExpired, attempt.Status)
	assert.NotNil(t, attempt.EndedAt)

	for _, id := range []string{"u1", "u2"} {
		assert.Equal(t, db.StatusWaiting, f.latest(t, id).Status)
		assert.False(t, f.isActive(t, id))
	}
}

func TestMatchAcceptedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	require.NoError(t, f.bus.Subscribe(ctx, f.sched.HandleEvent, eventbus.TopicMatchAccepted, eventbus.TopicCallEnded))
	f.happyPair(t)
	_, err := f.sched.Tick(ctx)
	require.NoError(t, err)

	evt := eventbus.MatchAccepted{U1: "u1", U2: "u2", RoomID: "room-1", SessionID: "session-1"}
	require.NoError(t, f.bus.Publish(ctx, eventbus.TopicMatchAccepted, evt))
	require.NoError(t, f.bus.Publish(ctx, eventbus.TopicMatchAccepted, evt))

	attempt, err := f.attempts.BySession(ctx, "session-1")
	require.NoError(t, err)
	assert.Equal(t, db.AttemptAccepted, attempt.Status)
	assert.NotNil(t, attempt.AcceptedAt)
	assert.Nil(t, attempt.EndedAt)

	n, err := f.rc.SumMatchCounters(ctx, f.clk.Now(), 24)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestCallEndedReleasesUsers(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	require.NoError(t, f.bus.Subscribe(ctx, f.sched.HandleEvent, eventbus.TopicMatchAccepted, eventbus.TopicCallEnded))
	f.happyPair(t)
	_, err := f.sched.Tick(ctx)
	require.NoError(t, err)

	evt := eventbus.CallEnded{SessionID: "session-1", Reason: eventbus.ReasonEnded}
	require.NoError(t, f.bus.Publish(ctx, eventbus.TopicCallEnded, evt))
	require.NoError(t, f.bus.Publish(ctx, eventbus.TopicCallEnded, evt))

	assert.False(t, f.isActive(t, "u1"))
	assert.False(t, f.isActive(t, "u2"))
	attempt, err := f.attempts.BySession(ctx, "session-1")
	require.NoError(t, err)
	assert.Equal(t, db.AttemptExpired, attempt.Status)
	assert.NotNil(t, attempt.EndedAt)
}

func TestReconcileReleasesOrphans(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.happyPair(t)
	_, err := f.sched.Tick(ctx)
	require.NoError(t, err)
	require.NoError(t, f.active.Mark(ctx, "ghost"))

	require.NoError(t, f.sched.Reconcile(ctx, false))
	assert.False(t, f.isActive(t, "ghost"))
	assert.True(t, f.isActive(t, "u1"))
	assert.True(t, f.isActive(t, "u2"))

	// one side dropped out of the registry: both are released and the call ends
	require.NoError(t, f.active.Unmark(ctx, "u2"))
	require.NoError(t, f.sched.Reconcile(ctx, false))
	assert.False(t, f.isActive(t, "u1"))
	reason, ended := f.sessions.EndReason("session-1")
	assert.True(t, ended)
	assert.Equal(t, eventbus.ReasonReconciled, reason)
	assert.Len(t, f.bus.Published(eventbus.TopicCallEnded), 1)
}

func TestBootReconcileRebuildsRegistry(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.happyPair(t)
	_, err := f.sched.Tick(ctx)
	require.NoError(t, err)

	// simulate a restart with an empty in-memory registry
	require.NoError(t, f.active.Unmark(ctx, "u1", "u2"))
	require.NoError(t, f.sched.Reconcile(ctx, true))
	assert.True(t, f.isActive(t, "u1"))
	assert.True(t, f.isActive(t, "u2"))

	// the registry ended the session while we were down
	require.NoError(t, f.sessions.End(ctx, "session-1", "ended"))
	require.NoError(t, f.sched.Reconcile(ctx, true))
	assert.False(t, f.isActive(t, "u1"))
	attempt, err := f.attempts.BySession(ctx, "session-1")
	require.NoError(t, err)
	assert.Equal(t, db.AttemptExpired, attempt.Status)
}

func TestSweepExpired(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.join(t, db.QueueEntry{UserID: "late", Intent: "FRIENDS", Gender: "MAN"}, nil)

	f.clk.Advance(10*time.Minute + time.Second)
	expired, err := f.sched.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"late"}, expired)
	assert.Equal(t, db.StatusExpired, f.latest(t, "late").Status)
}

func TestRunServesJoinTriggers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := setup(t)
	f.happyPair(t)

	done := make(chan error, 1)
	go func() { done <- f.sched.Run(ctx) }()

	f.sched.Trigger("u1")
	assert.Eventually(t, func() bool {
		return len(f.bus.Published(eventbus.TopicPairFormed)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestSeparatedUsersStayApart(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.happyPair(t)
	f.sched.Separate("u2", "u1")

	formed, err := f.sched.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, formed)
	paired, err := f.sched.MatchUser(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, paired)

	assert.Zero(t, f.sessions.Creates())
}
