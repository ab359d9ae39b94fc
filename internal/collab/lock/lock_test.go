package lock

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestTable() (*Table, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	return NewTable(clock.now), clock
}

func TestAcquireMutualExclusion(t *testing.T) {
	table, _ := newTestTable()

	l, err := table.Acquire("a1", "u1", 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "u1", l.Holder)

	_, err = table.Acquire("a1", "u2", 30*time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLockConflict))
	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "u1", conflict.HeldBy)

	_, err = table.Acquire("a2", "u2", 30*time.Second)
	assert.NoError(t, err, "different annotations do not conflict")
}

func TestReacquireExtendsTTL(t *testing.T) {
	table, clock := newTestTable()
	first, err := table.Acquire("a1", "u1", 10*time.Second)
	require.NoError(t, err)

	clock.advance(5 * time.Second)
	second, err := table.Acquire("a1", "u1", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, second.ExpiresAt.After(first.ExpiresAt))
}

func TestExpiredLockIsReacquirable(t *testing.T) {
	table, clock := newTestTable()
	_, err := table.Acquire("a1", "u1", 10*time.Second)
	require.NoError(t, err)

	clock.advance(9 * time.Second)
	_, err = table.Acquire("a1", "u2", 10*time.Second)
	require.Error(t, err)

	clock.advance(2 * time.Second)
	l, err := table.Acquire("a1", "u2", 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "u2", l.Holder)
}

func TestRelease(t *testing.T) {
	table, _ := newTestTable()
	_, err := table.Acquire("a1", "u1", time.Minute)
	require.NoError(t, err)

	assert.False(t, table.Release("a1", "u2"), "non-holder cannot release")
	_, held := table.Holder("a1")
	assert.True(t, held)

	assert.True(t, table.Release("a1", "u1"))
	assert.False(t, table.Release("a1", "u1"))
	_, held = table.Holder("a1")
	assert.False(t, held)
}

func TestReleaseAll(t *testing.T) {
	table, clock := newTestTable()
	for _, id := range []string{"b", "a", "c"} {
		_, err := table.Acquire(id, "u1", time.Minute)
		require.NoError(t, err)
	}
	_, err := table.Acquire("d", "u2", time.Minute)
	require.NoError(t, err)
	_, err = table.Acquire("e", "u1", time.Second)
	require.NoError(t, err)
	clock.advance(2 * time.Second)

	assert.Equal(t, []string{"a", "b", "c"}, table.ReleaseAll("u1"))
	active := table.Active()
	require.Len(t, active, 1)
	assert.Equal(t, "d", active[0].AnnotationID)
}

func TestSweepAndRestore(t *testing.T) {
	table, clock := newTestTable()
	_, _ = table.Acquire("short", "u1", time.Second)
	_, _ = table.Acquire("long", "u2", time.Hour)
	clock.advance(time.Minute)

	expired := table.Sweep()
	require.Len(t, expired, 1)
	assert.Equal(t, "short", expired[0].AnnotationID)
	assert.Empty(t, table.Sweep())

	restored, _ := newTestTable()
	restored.Restore([]AnnotationLock{
		{AnnotationID: "live", Holder: "u1", ExpiresAt: time.Unix(2000, 0)},
		{AnnotationID: "dead", Holder: "u1", ExpiresAt: time.Unix(10, 0)},
	})
	active := restored.Active()
	require.Len(t, active, 1)
	assert.Equal(t, "live", active[0].AnnotationID)
}
