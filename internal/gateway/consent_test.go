package gateway

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oggyb/muzz-live/internal/clock"
	svcErr "github.com/oggyb/muzz-live/internal/errors"
)

type expiries struct {
	mu  sync.Mutex
	got []Pending
}

func (e *expiries) record(p Pending) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.got = append(e.got, p)
}

func (e *expiries) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.got)
}

func TestHeartMachineExpiresAtDeadline(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC))
	var exp expiries
	m := NewHeartMachine(clk, 15*time.Second, exp.record)

	p, replaced := m.Request("room-1", "u1", "u2")
	assert.Nil(t, replaced)
	assert.Equal(t, clk.Now().Add(15*time.Second), p.Deadline)

	clk.Advance(15*time.Second - time.Nanosecond)
	assert.Zero(t, exp.count())
	clk.Advance(time.Nanosecond)
	require.Equal(t, 1, exp.count())
	assert.Equal(t, "u1", exp.got[0].From)

	_, err := m.Accept("room-1", "u2", "u1")
	assert.True(t, svcErr.IsKind(err, svcErr.KindNotFound))
	clk.Advance(time.Minute)
	assert.Equal(t, 1, exp.count())
}

func TestHeartMachineAcceptStopsTimer(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC))
	var exp expiries
	m := NewHeartMachine(clk, 15*time.Second, exp.record)

	m.Request("room-1", "u1", "u2")
	_, err := m.Accept("room-1", "u2", "u3")
	assert.True(t, svcErr.IsKind(err, svcErr.KindNotFound))

	p, err := m.Accept("room-1", "u2", "")
	require.NoError(t, err)
	assert.Equal(t, "u1", p.From)

	_, err = m.Accept("room-1", "u2", "")
	assert.True(t, svcErr.IsKind(err, svcErr.KindNotFound))
	clk.Advance(time.Minute)
	assert.Zero(t, exp.count())
}

func TestHeartMachineClearUser(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC))
	var exp expiries
	m := NewHeartMachine(clk, 15*time.Second, exp.record)

	m.Request("room-1", "u1", "u2")
	m.Request("room-2", "u3", "u1")
	m.Request("room-3", "u4", "u5")

	assert.Len(t, m.ClearUser("u1"), 2)
	assert.NotNil(t, m.ClearRoom("room-3"))
	assert.Nil(t, m.ClearRoom("room-3"))
	clk.Advance(time.Minute)
	assert.Zero(t, exp.count())
}

func TestVideoMachine(t *testing.T) {
	m := NewVideoMachine(clock.Fake(time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)))

	m.Request("room-1", "u1", "u2")
	_, err := m.Cancel("room-1", "u2")
	assert.True(t, svcErr.IsKind(err, svcErr.KindNotFound))
	p, err := m.Answer("room-1", "u2")
	require.NoError(t, err)
	assert.True(t, p.Deadline.IsZero())

	m.Request("room-1", "u1", "u2")
	m.Request("room-2", "u3", "u1")
	assert.Len(t, m.ClearUser("u1"), 2)
	_, err = m.Answer("room-1", "u2")
	assert.Error(t, err)
}
