package activecall_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oggyb/muzz-live/internal/activecall"
	"github.com/oggyb/muzz-live/internal/testutil"
)

func registries(t *testing.T) map[string]activecall.Registry {
	rc, _ := testutil.NewRedis(t)
	return map[string]activecall.Registry{
		"memory": activecall.New("memory", rc),
		"redis":  activecall.New("redis", rc),
	}
}

func TestRegistryMembership(t *testing.T) {
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			ok, err := reg.Contains(ctx, "u1")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, reg.Mark(ctx, "u2", "u1"))
			require.NoError(t, reg.Mark(ctx, "u1")) // idempotent

			ok, err = reg.Contains(ctx, "u1")
			require.NoError(t, err)
			assert.True(t, ok)

			members, err := reg.Members(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"u1", "u2"}, members)

			require.NoError(t, reg.Unmark(ctx, "u1", "u2", "ghost"))
			members, err = reg.Members(ctx)
			require.NoError(t, err)
			assert.Empty(t, members)
		})
	}
}

func TestNewFallsBackToMemoryWithoutRedis(t *testing.T) {
	_, ok := activecall.New("redis", nil).(*activecall.Memory)
	assert.True(t, ok)
}
