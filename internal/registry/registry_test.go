package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	brokererr "framebroker/internal/errors"
	"framebroker/internal/ring"
	"framebroker/internal/shm"
)

type fixture struct {
	table *ring.Table
	reg   *Registry
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	seg, err := shm.Create(t.TempDir(), "reg", shm.Geometry{SlotCount: 4, SlotCapacity: 64, MaxConsumers: 3})
	require.NoError(t, err)
	t.Cleanup(func() { seg.Detach() })
	table := ring.New(seg)
	return fixture{table: table, reg: New(seg, table)}
}

func (f fixture) publish(n int) {
	for i := 0; i < n; i++ {
		id, slot := f.table.AcquireWriteSlot()
		f.table.BeginWrite(slot, ring.OverlapOverwrite, 0)
		f.table.Publish(slot, id, ring.Meta{Size: 1})
	}
}

func (f fixture) open(t *testing.T, c *Cursor) Position {
	t.Helper()
	pos, ok := c.Poll()
	require.True(t, ok)
	_, ok = f.table.OpenReadSlot(pos.Slot, pos.FrameID)
	require.True(t, ok)
	require.NoError(t, c.Hold(pos.Slot))
	return pos
}

func TestRegister_OutOfRange(t *testing.T) {
	f := newFixture(t)
	for _, id := range []int{-1, 3, 100} {
		_, err := f.reg.Register(id, 1, time.Second, time.Now())
		assert.ErrorIs(t, err, brokererr.ErrConsumerIDOutOfRange, "id %d", id)
	}
}

func TestRegister_InUseUntilStale(t *testing.T) {
	f := newFixture(t)
	now := time.Now()

	_, err := f.reg.Register(0, 1, time.Second, now)
	require.NoError(t, err)

	_, err = f.reg.Register(0, 2, time.Second, now.Add(500*time.Millisecond))
	assert.ErrorIs(t, err, brokererr.ErrConsumerInUse)

	c, err := f.reg.Register(0, 2, time.Second, now.Add(2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 0, c.ID())
}

func TestTakeoverSupersedesPreviousOwner(t *testing.T) {
	f := newFixture(t)
	f.publish(1)
	now := time.Now()

	old, err := f.reg.Register(0, 1, time.Second, now)
	require.NoError(t, err)

	taken, err := f.reg.Register(0, 2, time.Second, now.Add(2*time.Second))
	require.NoError(t, err)
	assert.NoError(t, taken.Err())
	assert.ErrorIs(t, old.Err(), brokererr.ErrConsumerKicked)

	pos := f.open(t, taken)
	require.Equal(t, 1, f.table.Readers(pos.Slot))

	assert.False(t, old.Release(pos.Slot), "a superseded cursor cannot release the new owner's slot")
	slot, ok := taken.ActiveSlot()
	assert.True(t, ok)
	assert.Equal(t, pos.Slot, slot)
	assert.Equal(t, 1, f.table.Readers(pos.Slot))

	_, held := old.ActiveSlot()
	assert.False(t, held)

	_, ok = f.table.OpenReadSlot(pos.Slot, pos.FrameID)
	require.True(t, ok)
	assert.ErrorIs(t, old.Hold(pos.Slot), brokererr.ErrConsumerKicked)
	assert.Equal(t, 1, f.table.Readers(pos.Slot), "the rejected hold drops its own reference only")

	hb := f.reg.Snapshot()[0].Heartbeat
	old.Touch(now.Add(time.Hour))
	assert.True(t, hb.Equal(f.reg.Snapshot()[0].Heartbeat), "a superseded cursor does not refresh the heartbeat")

	old.Detach()
	assert.NoError(t, taken.Err(), "detaching a superseded cursor leaves the entry alone")
	assert.Equal(t, 1, f.table.Readers(pos.Slot))

	assert.True(t, taken.Release(pos.Slot))
	assert.Zero(t, f.table.Readers(pos.Slot))
}

func TestTakeoverReleasesSlotOfPreviousOwner(t *testing.T) {
	f := newFixture(t)
	f.publish(1)
	now := time.Now()

	old, err := f.reg.Register(0, 1, time.Second, now)
	require.NoError(t, err)
	pos := f.open(t, old)

	_, err = f.reg.Register(0, 2, time.Second, now.Add(2*time.Second))
	require.NoError(t, err)
	assert.Zero(t, f.table.Readers(pos.Slot))
	assert.False(t, old.Release(pos.Slot))
	assert.Zero(t, f.table.Readers(pos.Slot))
}

func TestPoll_LatestWins(t *testing.T) {
	f := newFixture(t)
	c, err := f.reg.Register(1, 1, time.Second, time.Now())
	require.NoError(t, err)

	_, ok := c.Poll()
	assert.False(t, ok, "nothing published yet")

	f.publish(10)
	pos, ok := c.Poll()
	require.True(t, ok)
	assert.EqualValues(t, 9, pos.FrameID)
	assert.Equal(t, 1, pos.Slot)

	_, ok = c.Poll()
	assert.False(t, ok, "no newer frame")

	f.publish(3)
	pos, ok = c.Poll()
	require.True(t, ok)
	assert.EqualValues(t, 12, pos.FrameID)

	entries := f.reg.Snapshot()
	require.Len(t, entries, 1)
	assert.EqualValues(t, 2, entries[0].Polls)
	assert.EqualValues(t, 2, entries[0].Skipped)
	require.NotNil(t, entries[0].LastSeen)
	assert.EqualValues(t, 12, *entries[0].LastSeen)
}

func TestResumeKeepsCursor(t *testing.T) {
	f := newFixture(t)
	f.publish(5)

	c, err := f.reg.Register(2, 1, time.Second, time.Now())
	require.NoError(t, err)
	_, ok := c.Poll()
	require.True(t, ok)
	c.Detach()
	assert.ErrorIs(t, c.Err(), brokererr.ErrDetached)

	again, err := f.reg.Register(2, 1, time.Second, time.Now())
	require.NoError(t, err)
	last, ok := again.LastSeen()
	require.True(t, ok)
	assert.EqualValues(t, 4, last)
	_, ok = again.Poll()
	assert.False(t, ok)
}

func TestHoldAndReleaseOnce(t *testing.T) {
	f := newFixture(t)
	f.publish(1)
	c, err := f.reg.Register(0, 1, time.Second, time.Now())
	require.NoError(t, err)

	pos := f.open(t, c)
	slot, ok := c.ActiveSlot()
	require.True(t, ok)
	assert.Equal(t, pos.Slot, slot)
	assert.Equal(t, 1, f.table.Readers(pos.Slot))

	assert.True(t, c.Release(pos.Slot))
	assert.False(t, c.Release(pos.Slot), "double release")
	assert.Zero(t, f.table.Readers(pos.Slot))
}

func TestHoldTwiceRejected(t *testing.T) {
	f := newFixture(t)
	f.publish(1)
	c, err := f.reg.Register(0, 1, time.Second, time.Now())
	require.NoError(t, err)
	pos := f.open(t, c)

	_, ok := f.table.OpenReadSlot(pos.Slot, pos.FrameID)
	require.True(t, ok)
	assert.ErrorIs(t, c.Hold(pos.Slot), brokererr.ErrInvalidSequence)
	assert.Equal(t, 1, f.table.Readers(pos.Slot))
}

func TestKickReleasesHeldSlot(t *testing.T) {
	f := newFixture(t)
	f.publish(1)
	c, err := f.reg.Register(0, 1, time.Second, time.Now())
	require.NoError(t, err)
	pos := f.open(t, c)

	kicked, err := f.reg.Kick(0)
	require.NoError(t, err)
	assert.True(t, kicked)
	assert.Zero(t, f.table.Readers(pos.Slot))
	assert.ErrorIs(t, c.Err(), brokererr.ErrConsumerKicked)

	assert.False(t, c.Release(pos.Slot), "kick already dropped the reference")
	assert.Zero(t, f.table.Readers(pos.Slot))

	kicked, err = f.reg.Kick(0)
	require.NoError(t, err)
	assert.False(t, kicked)

	_, err = f.reg.Kick(9)
	assert.ErrorIs(t, err, brokererr.ErrConsumerIDOutOfRange)

	_, err = f.reg.Register(0, 1, time.Second, time.Now())
	assert.NoError(t, err, "a kicked id can be registered again")
}

func TestHoldAfterKickDropsReference(t *testing.T) {
	f := newFixture(t)
	f.publish(1)
	c, err := f.reg.Register(0, 1, time.Second, time.Now())
	require.NoError(t, err)

	pos, ok := c.Poll()
	require.True(t, ok)
	_, ok = f.table.OpenReadSlot(pos.Slot, pos.FrameID)
	require.True(t, ok)

	_, err = f.reg.Kick(0)
	require.NoError(t, err)

	assert.ErrorIs(t, c.Hold(pos.Slot), brokererr.ErrConsumerKicked)
	assert.Zero(t, f.table.Readers(pos.Slot))
}

func TestReapStale(t *testing.T) {
	f := newFixture(t)
	f.publish(1)
	now := time.Now()

	stale, err := f.reg.Register(0, 1, time.Second, now.Add(-5*time.Second))
	require.NoError(t, err)
	pos := f.open(t, stale)

	fresh, err := f.reg.Register(1, 2, time.Second, now)
	require.NoError(t, err)

	reaped := f.reg.ReapStale(now, time.Second)
	assert.Equal(t, []int{0}, reaped)
	assert.ErrorIs(t, stale.Err(), brokererr.ErrConsumerKicked)
	assert.NoError(t, fresh.Err())
	assert.Zero(t, f.table.Readers(pos.Slot))

	assert.Empty(t, f.reg.ReapStale(now, 0))
}

func TestSnapshotStates(t *testing.T) {
	f := newFixture(t)
	assert.Empty(t, f.reg.Snapshot())

	a, err := f.reg.Register(0, 10, time.Second, time.Now())
	require.NoError(t, err)
	_, err = f.reg.Register(2, 20, time.Second, time.Now())
	require.NoError(t, err)
	a.Detach()

	entries := f.reg.Snapshot()
	require.Len(t, entries, 2)
	assert.Equal(t, "detached", entries[0].State)
	assert.Equal(t, 0, entries[0].PID)
	assert.Equal(t, "active", entries[1].State)
	assert.Equal(t, 20, entries[1].PID)
	assert.Equal(t, -1, entries[1].ActiveSlot)
	assert.Nil(t, entries[1].LastSeen)
	assert.Equal(t, "unknown", StateName(99))
}
