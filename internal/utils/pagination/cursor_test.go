package pagination_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	svcErr "github.com/oggyb/muzz-live/internal/errors"
	"github.com/oggyb/muzz-live/internal/utils/pagination"
)

func TestDecodeEmptyIsFirstPage(t *testing.T) {
	c, err := pagination.Decode("")
	require.NoError(t, err)
	assert.True(t, c.IsZero())
}

func TestDecodeRejectsGarbage(t *testing.T) {
	for _, token := range []string{"%%%not-base64", "bm90LWpzb24=", "e30="} { // "not-json", "{}"
		_, err := pagination.Decode(token)
		require.Error(t, err, token)
		assert.True(t, svcErr.IsKind(err, svcErr.KindValidation), token)
	}
}

func TestEncodeDecode(t *testing.T) {
	token, err := pagination.Encode(pagination.Cursor{ID: "a1", SortUnix: 1700000000000})
	require.NoError(t, err)

	c, err := pagination.Decode(token)
	require.NoError(t, err)
	assert.Equal(t, "a1", c.ID)
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), c.SortTime())
}

func TestPage(t *testing.T) {
	cursorOf := func(n int) pagination.Cursor { return pagination.Cursor{ID: string(rune('a' + n)), SortUnix: int64(n)} }

	rows, next := pagination.Page([]int{0, 1, 2}, 3, cursorOf)
	assert.Len(t, rows, 3)
	assert.Nil(t, next)

	rows, next = pagination.Page([]int{0, 1, 2, 3}, 3, cursorOf)
	assert.Equal(t, []int{0, 1, 2}, rows)
	require.NotNil(t, next)
	c, err := pagination.Decode(*next)
	require.NoError(t, err)
	assert.Equal(t, "c", c.ID)
}
