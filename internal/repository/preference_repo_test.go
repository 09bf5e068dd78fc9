package repository_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oggyb/muzz-live/internal/db"
	"github.com/oggyb/muzz-live/internal/repository"
	"github.com/oggyb/muzz-live/internal/testutil"
)

func TestPreferenceUpsertLatestWins(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewPreferenceRepository(testutil.NewDB(t))

	_, err := repo.Get(ctx, "u1")
	assert.True(t, repository.IsNotFound(err))

	require.NoError(t, repo.Upsert(ctx, &db.MatchingPreferences{
		UserID: "u1", MinAge: 20, MaxAge: 30, MaxRadiusKm: 10,
		PreferredGenders: []string{"MAN"},
		Religion:         []string{"none"},
	}))
	require.NoError(t, repo.Upsert(ctx, &db.MatchingPreferences{
		UserID: "u1", MinAge: 25, MaxAge: 40, MaxRadiusKm: 50,
	}))

	p, err := repo.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 25, p.MinAge)
	assert.Equal(t, 40, p.MaxAge)
	assert.Empty(t, p.PreferredGenders)
	assert.Empty(t, p.Religion)

	many, err := repo.GetMany(ctx, []string{"u1", "ghost"})
	require.NoError(t, err)
	assert.Len(t, many, 1)
	assert.Contains(t, many, "u1")
}
