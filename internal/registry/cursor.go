package registry

import (
	"fmt"
	"sync/atomic"
	"time"

	brokererr "framebroker/internal/errors"
	"framebroker/internal/shm"
)

// Position identifies the latest frame found by Poll.
type Position struct {
	ProducerID int
	FrameID    uint64
	Slot       int
}

// Cursor is this process's binding to one registry entry. It stays valid
// until the entry is registered again by another owner.
type Cursor struct {
	id    int
	owner uint32
	e     *shm.ConsumerEntry
	reg   *Registry
}

// ID returns the consumer id.
func (c *Cursor) ID() int { return c.id }

// Err returns ErrConsumerKicked after a kick, a reap or a takeover of the id
// by another owner, and ErrDetached once the entry is no longer active.
func (c *Cursor) Err() error {
	if !c.owns() {
		return fmt.Errorf("consumer %d taken over by pid %d: %w", c.id, atomic.LoadUint32(&c.e.PID), brokererr.ErrConsumerKicked)
	}
	switch atomic.LoadUint32(&c.e.State) {
	case shm.ConsumerActive:
		return nil
	case shm.ConsumerKicked:
		return fmt.Errorf("consumer %d: %w", c.id, brokererr.ErrConsumerKicked)
	default:
		return fmt.Errorf("consumer %d: %w", c.id, brokererr.ErrDetached)
	}
}

func (c *Cursor) owns() bool {
	return ownerOf(atomic.LoadUint64(&c.e.ActiveSlot)) == c.owner
}

// Touch refreshes the heartbeat while the cursor still owns the entry.
func (c *Cursor) Touch(now time.Time) {
	if c.owns() {
		atomic.StoreInt64(&c.e.Heartbeat, now.UnixNano())
	}
}

// LastSeen returns the last frame id returned by Poll.
func (c *Cursor) LastSeen() (uint64, bool) {
	v := atomic.LoadUint64(&c.e.LastSeen)
	if v == 0 {
		return 0, false
	}
	return v - 1, true
}

// Poll returns the latest published frame if it is newer than the last one
// returned, and advances the cursor to it. Intermediate frames are skipped.
// The caller must still open the slot before trusting the position.
func (c *Cursor) Poll() (Position, bool) {
	head := atomic.LoadUint64(&c.reg.hdr.Head)
	if head == 0 {
		return Position{}, false
	}
	latest := head - 1

	last := atomic.LoadUint64(&c.e.LastSeen)
	if last != 0 && latest <= last-1 {
		return Position{}, false
	}
	if last != 0 {
		atomic.AddUint64(&c.e.Skipped, latest-last)
	}
	atomic.StoreUint64(&c.e.LastSeen, latest+1)
	atomic.AddUint64(&c.e.Polls, 1)

	return Position{
		ProducerID: int(atomic.LoadInt64(&c.reg.hdr.ProducerID)),
		FrameID:    latest,
		Slot:       c.reg.table.SlotIndex(latest),
	}, true
}

// Missed records a polled frame that was overwritten before it could be
// opened.
func (c *Cursor) Missed() {
	atomic.AddUint64(&c.e.Missed, 1)
}

// Hold records slot, already opened in the slot table, as this cursor's
// active slot. If the entry was kicked or taken over meanwhile, or a slot is
// already held, the reference is dropped and an error returned.
//
// A process that dies between opening the slot and Hold leaks that reader
// reference: nothing records it, so kick and reap cannot drop it.
func (c *Cursor) Hold(slot int) error {
	if !atomic.CompareAndSwapUint64(&c.e.ActiveSlot, pack(c.owner, 0), pack(c.owner, uint64(slot)+1)) {
		c.reg.table.ReleaseReadSlot(slot)
		if err := c.Err(); err != nil {
			return err
		}
		return fmt.Errorf("consumer %d already holds a slot: %w", c.id, brokererr.ErrInvalidSequence)
	}
	if err := c.Err(); err != nil {
		c.Release(slot)
		return err
	}
	atomic.AddUint64(&c.e.Opened, 1)
	return nil
}

// Release drops the reference on slot if this cursor still holds it. A
// second release, or a release after a kick or takeover already dropped the
// reference, returns false and leaves the reader count alone.
func (c *Cursor) Release(slot int) bool {
	if !atomic.CompareAndSwapUint64(&c.e.ActiveSlot, pack(c.owner, uint64(slot)+1), pack(c.owner, 0)) {
		return false
	}
	c.reg.table.ReleaseReadSlot(slot)
	return true
}

// ActiveSlot returns the slot this cursor currently holds, if any.
func (c *Cursor) ActiveSlot() (int, bool) {
	v := atomic.LoadUint64(&c.e.ActiveSlot)
	if ownerOf(v) != c.owner || heldOf(v) == 0 {
		return 0, false
	}
	return int(heldOf(v) - 1), true
}

// Detach releases any held slot and marks the entry detached. The cursor
// position is kept for a later Register with the same id. A cursor that was
// taken over leaves the entry to its new owner.
func (c *Cursor) Detach() {
	if slot, ok := c.ActiveSlot(); ok {
		c.Release(slot)
	}
	if !c.owns() {
		return
	}
	if atomic.CompareAndSwapUint32(&c.e.State, shm.ConsumerActive, shm.ConsumerDetached) {
		atomic.StoreUint32(&c.e.PID, 0)
	}
}
