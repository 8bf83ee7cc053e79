// Package registry implements the consumer registry: a fixed table of
// cursors in shared memory, one per consumer id, each tracking the last frame
// the consumer saw and the slot it currently holds open.
package registry

import (
	"fmt"
	"sync/atomic"
	"time"

	brokererr "framebroker/internal/errors"
	"framebroker/internal/ring"
	"framebroker/internal/shm"
)

// Registry is a process-local handle on the consumer table of a segment.
type Registry struct {
	seg   *shm.Segment
	table *ring.Table
	hdr   *shm.Header
	size  int
}

// New returns the registry of seg. Slot references held by cursors are
// released through table.
func New(seg *shm.Segment, table *ring.Table) *Registry {
	return &Registry{
		seg:   seg,
		table: table,
		hdr:   seg.Header(),
		size:  seg.Geometry().MaxConsumers,
	}
}

// Capacity returns the number of consumer ids the registry can hold.
func (r *Registry) Capacity() int { return r.size }

func (r *Registry) entry(id int) (*shm.ConsumerEntry, error) {
	if id < 0 || id >= r.size {
		return nil, fmt.Errorf("consumer id %d not in [0, %d): %w", id, r.size, brokererr.ErrConsumerIDOutOfRange)
	}
	return r.seg.Consumer(id), nil
}

// Register binds consumer id to this process. An entry that is free,
// detached or kicked is claimed directly; an active entry is only taken over
// once its heartbeat is older than staleAfter. The cursor position of a
// previous owner is kept so a consumer can resume under the same id.
func (r *Registry) Register(id, pid int, staleAfter time.Duration, now time.Time) (*Cursor, error) {
	e, err := r.entry(id)
	if err != nil {
		return nil, err
	}

	nowNs := now.UnixNano()
	for {
		st := atomic.LoadUint32(&e.State)
		if st != shm.ConsumerActive {
			if !atomic.CompareAndSwapUint32(&e.State, st, shm.ConsumerActive) {
				continue
			}
			break
		}

		hb := atomic.LoadInt64(&e.Heartbeat)
		if staleAfter <= 0 || nowNs-hb < staleAfter.Nanoseconds() {
			return nil, fmt.Errorf("consumer %d held by pid %d: %w", id, atomic.LoadUint32(&e.PID), brokererr.ErrConsumerInUse)
		}
		if atomic.CompareAndSwapInt64(&e.Heartbeat, hb, nowNs) {
			break
		}
	}

	// A new owner token supersedes every cursor of the previous owner. The
	// slot it still held is released here, exactly once.
	var owner uint32
	for {
		v := atomic.LoadUint64(&e.ActiveSlot)
		owner = ownerOf(v) + 1
		if atomic.CompareAndSwapUint64(&e.ActiveSlot, v, pack(owner, 0)) {
			if held := heldOf(v); held != 0 {
				r.table.ReleaseReadSlot(int(held - 1))
			}
			break
		}
	}

	atomic.StoreUint32(&e.PID, uint32(pid))
	atomic.StoreInt64(&e.Heartbeat, nowNs)
	return &Cursor{id: id, owner: owner, e: e, reg: r}, nil
}

// Kick marks consumer id as kicked and releases the slot it holds. It
// reports whether the entry was active.
func (r *Registry) Kick(id int) (bool, error) {
	e, err := r.entry(id)
	if err != nil {
		return false, err
	}
	kicked := atomic.CompareAndSwapUint32(&e.State, shm.ConsumerActive, shm.ConsumerKicked)
	r.releaseEntry(e)
	return kicked, nil
}

// ReapStale kicks every active consumer whose heartbeat is older than
// staleAfter and returns their ids.
func (r *Registry) ReapStale(now time.Time, staleAfter time.Duration) []int {
	if staleAfter <= 0 {
		return nil
	}
	cutoff := now.Add(-staleAfter).UnixNano()

	var reaped []int
	for id := 0; id < r.size; id++ {
		e := r.seg.Consumer(id)
		if atomic.LoadUint32(&e.State) != shm.ConsumerActive {
			continue
		}
		if atomic.LoadInt64(&e.Heartbeat) >= cutoff {
			continue
		}
		if atomic.CompareAndSwapUint32(&e.State, shm.ConsumerActive, shm.ConsumerKicked) {
			r.releaseEntry(e)
			reaped = append(reaped, id)
		}
	}
	return reaped
}

// releaseEntry drops the slot reference recorded in e, if any, and keeps
// the owner token. Only the caller that swaps the slot away decrements its
// reader count.
func (r *Registry) releaseEntry(e *shm.ConsumerEntry) {
	for {
		v := atomic.LoadUint64(&e.ActiveSlot)
		held := heldOf(v)
		if held == 0 {
			return
		}
		if atomic.CompareAndSwapUint64(&e.ActiveSlot, v, pack(ownerOf(v), 0)) {
			r.table.ReleaseReadSlot(int(held - 1))
			return
		}
	}
}

// ActiveSlot packs the owner token of the current registration in its high
// 32 bits and the held slot, biased by one, in its low 32 bits.
func pack(owner uint32, held uint64) uint64 { return uint64(owner)<<32 | held }

func ownerOf(v uint64) uint32 { return uint32(v >> 32) }

func heldOf(v uint64) uint64 { return v & 0xffffffff }

// Entry is a snapshot of one registry entry.
type Entry struct {
	ID         int       `json:"id" yaml:"id"`
	State      string    `json:"state" yaml:"state"`
	PID        int       `json:"pid" yaml:"pid"`
	LastSeen   *uint64   `json:"last_seen,omitempty" yaml:"last_seen,omitempty"`
	ActiveSlot int       `json:"active_slot" yaml:"active_slot"`
	Heartbeat  time.Time `json:"heartbeat" yaml:"heartbeat"`
	Polls      uint64    `json:"polls" yaml:"polls"`
	Opened     uint64    `json:"opened" yaml:"opened"`
	Skipped    uint64    `json:"skipped" yaml:"skipped"`
	Missed     uint64    `json:"missed" yaml:"missed"`
}

// Snapshot returns every entry that has ever been registered. ActiveSlot is
// -1 when no slot is held.
func (r *Registry) Snapshot() []Entry {
	var out []Entry
	for id := 0; id < r.size; id++ {
		e := r.seg.Consumer(id)
		st := atomic.LoadUint32(&e.State)
		if st == shm.ConsumerFree {
			continue
		}
		ent := Entry{
			ID:         id,
			State:      StateName(st),
			PID:        int(atomic.LoadUint32(&e.PID)),
			ActiveSlot: int(heldOf(atomic.LoadUint64(&e.ActiveSlot))) - 1,
			Heartbeat:  time.Unix(0, atomic.LoadInt64(&e.Heartbeat)),
			Polls:      atomic.LoadUint64(&e.Polls),
			Opened:     atomic.LoadUint64(&e.Opened),
			Skipped:    atomic.LoadUint64(&e.Skipped),
			Missed:     atomic.LoadUint64(&e.Missed),
		}
		if ls := atomic.LoadUint64(&e.LastSeen); ls != 0 {
			v := ls - 1
			ent.LastSeen = &v
		}
		out = append(out, ent)
	}
	return out
}

// StateName returns the display name of an entry state.
func StateName(st uint32) string {
	switch st {
	case shm.ConsumerFree:
		return "free"
	case shm.ConsumerActive:
		return "active"
	case shm.ConsumerDetached:
		return "detached"
	case shm.ConsumerKicked:
		return "kicked"
	default:
		return "unknown"
	}
}
