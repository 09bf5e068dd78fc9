package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/oggyb/muzz-live/internal/app"
	"github.com/oggyb/muzz-live/internal/cache"
	"github.com/oggyb/muzz-live/internal/clock"
	"github.com/oggyb/muzz-live/internal/config"
	"github.com/oggyb/muzz-live/internal/db"
	"github.com/oggyb/muzz-live/internal/service/queue"
	"github.com/oggyb/muzz-live/internal/testutil"
)

type fixture struct {
	store *queue.Store
	gdb   *gorm.DB
	rc    *cache.RedisCache
	mr    *miniredis.Miniredis
	clk   *clock.FakeClock
}

func setup(t *testing.T) *fixture {
	t.Helper()
	gdb := testutil.NewDB(t)
	rc, mr := testutil.NewRedis(t)
	clk := clock.Fake(time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC))

	cfg := config.New()
	appCtx := app.New(cfg, gdb, rc, testutil.Logger()).WithClock(clk)
	return &fixture{store: queue.NewStore(appCtx), gdb: gdb, rc: rc, mr: mr, clk: clk}
}

func entry(userID string) *db.QueueEntry {
	return &db.QueueEntry{UserID: userID, Intent: "SERIOUS", Gender: "WOMAN"}
}

func TestEnqueueSetsTimestampsAndPosition(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	_, err := f.store.Enqueue(ctx, entry("u1"))
	require.NoError(t, err)
	f.clk.Advance(time.Second)
	_, err = f.store.Enqueue(ctx, entry("u2"))
	require.NoError(t, err)

	e, err := f.store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, e.EnteredAt.Add(10*time.Minute), e.ExpiresAt)

	pos, found, err := f.store.Position(ctx, "u2")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(2), pos)

	n, err := f.store.WaitingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestDoubleEnqueueKeepsOneWaitingRow(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	_, err := f.store.Enqueue(ctx, entry("u1"))
	require.NoError(t, err)
	f.clk.Advance(50 * time.Millisecond)
	prev, err := f.store.Enqueue(ctx, entry("u1"))
	require.NoError(t, err)
	require.NotNil(t, prev)

	var rows int64
	require.NoError(t, f.gdb.Model(&db.QueueEntry{}).
		Where("user_id = ? AND status = ?", "u1", db.StatusWaiting).Count(&rows).Error)
	assert.Equal(t, int64(1), rows)

	card, err := f.rc.WaitingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), card)
}

func TestEnqueueThenRemoveLeavesQueueUnchanged(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	before, err := f.store.WaitingCount(ctx)
	require.NoError(t, err)

	_, err = f.store.Enqueue(ctx, entry("u1"))
	require.NoError(t, err)
	removed, err := f.store.Remove(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, removed)

	after, err := f.store.WaitingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	_, found, err := f.store.Position(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestPositionRepairsMissingSetMember(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	_, err := f.store.Enqueue(ctx, entry("u1"))
	require.NoError(t, err)
	f.mr.FlushAll()

	pos, found, err := f.store.Position(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(1), pos)
}

func TestSweepExpiresAndRepairs(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	_, err := f.store.Enqueue(ctx, entry("old"))
	require.NoError(t, err)
	f.clk.Advance(9 * time.Minute)
	_, err = f.store.Enqueue(ctx, entry("fresh"))
	require.NoError(t, err)
	require.NoError(t, f.rc.AddWaiting(ctx, "ghost", f.clk.Now()))
	require.NoError(t, f.rc.RemoveWaiting(ctx, "fresh"))

	f.clk.Advance(time.Minute)
	expired, err := f.store.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, expired)

	members, err := f.rc.WaitingMembers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, members)
}

func TestClaimRevertAndRequeue(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	_, err := f.store.Enqueue(ctx, entry("u1"))
	require.NoError(t, err)
	_, err = f.store.Enqueue(ctx, entry("u2"))
	require.NoError(t, err)
	e1, _ := f.store.Get(ctx, "u1")
	e2, _ := f.store.Get(ctx, "u2")

	require.NoError(t, f.store.ClaimPair(ctx, "u1", "u2"))
	assert.ErrorIs(t, f.store.ClaimPair(ctx, "u1", "u2"), queue.ErrClaimLost)
	card, _ := f.rc.WaitingCount(ctx)
	assert.Zero(t, card)

	require.NoError(t, f.store.Revert(ctx, []db.QueueEntry{*e1, *e2}, true))
	card, _ = f.rc.WaitingCount(ctx)
	assert.Equal(t, int64(2), card)
	back, err := f.store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, back.Attempts)

	// claim again, then requeue keeps attempts
	require.NoError(t, f.store.ClaimPair(ctx, "u1", "u2"))
	re, err := f.store.Requeue(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, re.Attempts)
	assert.Equal(t, db.StatusWaiting, re.Status)

	again, err := f.store.Requeue(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, re.ID, again.ID)

	_, err = f.store.Requeue(ctx, "stranger")
	assert.Error(t, err)
}
