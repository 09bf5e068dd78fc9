package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/oggyb/muzz-live/internal/db"
	"github.com/oggyb/muzz-live/internal/repository"
	"github.com/oggyb/muzz-live/internal/testutil"
)

func proposed(u1, u2, session string) *db.MatchAttempt {
	a := &db.MatchAttempt{
		User1ID:          u1,
		User2ID:          u2,
		Status:           db.AttemptProposed,
		Source:           db.SourceQueue,
		AlgorithmVersion: "v1",
		TotalScore:       0.5,
	}
	if session != "" {
		room := "room-" + session
		a.SessionID = &session
		a.RoomID = &room
	}
	return a
}

func TestOnlyOneOpenAttemptPerPair(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewAttemptRepository(testutil.NewDB(t))

	require.NoError(t, repo.Create(ctx, proposed("u1", "u2", "s1")))

	err := repo.Create(ctx, proposed("u2", "u1", "s2"))
	assert.ErrorIs(t, err, gorm.ErrDuplicatedKey)

	n, err := repo.ExpireOpen(ctx, "u2", "u1", t0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// terminal rows may recur
	require.NoError(t, repo.Create(ctx, proposed("u2", "u1", "s2")))
	open, err := repo.FindOpen(ctx, "u1", "u2")
	require.NoError(t, err)
	assert.Equal(t, "s2", *open.SessionID)
}

func TestAcceptIsIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewAttemptRepository(testutil.NewDB(t))

	a := proposed("u1", "u2", "s1")
	require.NoError(t, repo.Create(ctx, a))

	changed, err := repo.Accept(ctx, a.ID, t0)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = repo.Accept(ctx, a.ID, t0)
	require.NoError(t, err)
	assert.False(t, changed)

	got, err := repo.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, db.AttemptAccepted, got.Status)
	assert.Nil(t, got.OpenPairKey)
	assert.True(t, got.Live(), "accepted call keeps running")
}

func TestEndSessionKeepsAccepted(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewAttemptRepository(testutil.NewDB(t))

	accepted := proposed("u1", "u2", "s1")
	require.NoError(t, repo.Create(ctx, accepted))
	_, err := repo.Accept(ctx, accepted.ID, t0)
	require.NoError(t, err)

	plain := proposed("u3", "u4", "s2")
	require.NoError(t, repo.Create(ctx, plain))

	n, err := repo.EndSession(ctx, "s1", db.AttemptExpired, t0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = repo.EndSession(ctx, "s2", db.AttemptRejected, t0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// replay
	n, err = repo.EndSession(ctx, "s2", db.AttemptExpired, t0)
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := repo.BySession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, db.AttemptAccepted, got.Status)
	assert.NotNil(t, got.EndedAt)

	got, err = repo.BySession(ctx, "s2")
	require.NoError(t, err)
	assert.Equal(t, db.AttemptRejected, got.Status)

	live, err := repo.Live(ctx)
	require.NoError(t, err)
	assert.Empty(t, live)
}

func TestLiveForUser(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewAttemptRepository(testutil.NewDB(t))

	require.NoError(t, repo.Create(ctx, proposed("u1", "u2", "s1")))
	require.NoError(t, repo.Create(ctx, proposed("u1", "u9", ""))) // suggestion, no call

	a, err := repo.LiveForUser(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, "u1", a.Partner("u2"))

	_, err = repo.LiveForUser(ctx, "u9")
	assert.True(t, repository.IsNotFound(err))
}

func TestListAcceptedPagination(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewAttemptRepository(testutil.NewDB(t))

	for i, peer := range []string{"p1", "p2", "p3"} {
		a := proposed("me", peer, "")
		require.NoError(t, repo.Create(ctx, a))
		_, err := repo.Accept(ctx, a.ID, t0.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
	}

	page, next, err := repo.ListAccepted(ctx, "me", nil, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.NotNil(t, next)
	assert.Equal(t, "p3", page[0].Partner("me"))
	assert.Equal(t, "p2", page[1].Partner("me"))

	page, next, err = repo.ListAccepted(ctx, "me", next, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Nil(t, next)
	assert.Equal(t, "p1", page[0].Partner("me"))

	n, err := repo.CountAcceptedSince(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}
