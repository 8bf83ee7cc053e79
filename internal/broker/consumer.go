package broker

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	brokererr "framebroker/internal/errors"
)

// pollAttempts bounds how often PollNext retries when the frame it found is
// overwritten before it can be opened.
const pollAttempts = 3

// Backoff used by WaitNext once spinning is exhausted.
const (
	waitMinSleep = 50 * time.Microsecond
	waitMaxSleep = time.Millisecond
)

// FrameView is a zero-copy view of a published frame. Pixels aliases shared
// memory and stays valid until Release or Detach. Under the drop-on-overlap
// policy the producer may overwrite a held frame; Intact and CopyPixels
// detect that.
type FrameView struct {
	ProducerID int
	FrameID    uint64
	Width      int
	Height     int
	Channels   int
	Stride     int
	Format     string
	Timestamp  time.Time
	Pixels     []byte

	b       *Broker
	slot    int
	seq     uint64
	invalid atomic.Bool
}

// Intact reports whether the producer has not touched the frame's slot
// since the view was opened.
func (v *FrameView) Intact() bool {
	if v.invalid.Load() {
		return false
	}
	return v.b.table.Intact(v.slot, v.seq)
}

// CopyPixels copies the frame into dst and returns the number of bytes
// copied. A copy that raced with an overwrite fails with ErrFrameOverwritten
// and must not be used.
func (v *FrameView) CopyPixels(dst []byte) (int, error) {
	if v.invalid.Load() {
		return 0, brokererr.Wrap(brokererr.ErrInvalidSequence, "FrameView", "CopyPixels", "copy released view")
	}
	n := copy(dst, v.Pixels)
	if !v.b.table.Intact(v.slot, v.seq) {
		return 0, brokererr.Wrap(brokererr.ErrFrameOverwritten, "FrameView", "CopyPixels", "validate copy")
	}
	return n, nil
}

// Slot returns the ring slot backing the view.
func (v *FrameView) Slot() int { return v.slot }

func (v *FrameView) invalidate() {
	v.invalid.Store(true)
	v.Pixels = nil
}

// PollNext returns the latest frame newer than the last one this consumer
// saw, or nil when there is none. It never blocks. The view must be released
// before the next call.
func (b *Broker) PollNext() (*FrameView, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkRole("PollNext", RoleConsumer); err != nil {
		return nil, err
	}
	if b.view != nil {
		return nil, brokererr.Wrap(brokererr.ErrInvalidSequence, "Broker", "PollNext", "poll with outstanding frame")
	}
	if err := b.cursor.Err(); err != nil {
		return nil, brokererr.Wrap(err, "Broker", "PollNext", "check consumer")
	}
	b.cursor.Touch(time.Now())
	b.checkGeneration()

	for attempt := 0; attempt < pollAttempts; attempt++ {
		pos, ok := b.cursor.Poll()
		if !ok {
			return nil, nil
		}
		// The reference is taken before Hold records it. A crash in between
		// leaks it; the producer then counts every write of the slot as an
		// overlap and, under OverlapWait, waits OverlapTimeout each time.
		snap, ok := b.table.OpenReadSlot(pos.Slot, pos.FrameID)
		if !ok {
			b.cursor.Missed()
			continue
		}
		if err := b.cursor.Hold(pos.Slot); err != nil {
			return nil, brokererr.Wrap(err, "Broker", "PollNext", "hold slot")
		}

		v := &FrameView{
			ProducerID: snap.ProducerID,
			FrameID:    snap.FrameID,
			Width:      snap.Width,
			Height:     snap.Height,
			Channels:   snap.Channels,
			Stride:     snap.Stride,
			Format:     snap.Format,
			Timestamp:  time.Unix(0, snap.Timestamp),
			Pixels:     b.table.Pixels(pos.Slot, snap.Size),
			b:          b,
			slot:       pos.Slot,
			seq:        snap.Seq,
		}
		b.view = v
		return v, nil
	}
	return nil, nil
}

// WaitNext polls until a frame arrives or ctx is done. There is no
// cross-process wake-up: it yields SpinIterations times, then sleeps 50µs,
// doubling up to 1ms between polls.
func (b *Broker) WaitNext(ctx context.Context) (*FrameView, error) {
	spins := b.opts.SpinIterations
	sleep := waitMinSleep

	for {
		v, err := b.PollNext()
		if v != nil || err != nil {
			return v, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if spins > 0 {
			spins--
			runtime.Gosched()
			continue
		}

		t := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
		if sleep < waitMaxSleep {
			sleep *= 2
			if sleep > waitMaxSleep {
				sleep = waitMaxSleep
			}
		}
	}
}

// Release drops the reference taken by PollNext. Releasing a view that is
// not the outstanding one fails with ErrInvalidSequence.
func (b *Broker) Release(v *FrameView) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkRole("Release", RoleConsumer); err != nil {
		return err
	}
	if v == nil || b.view != v {
		return brokererr.Wrap(brokererr.ErrInvalidSequence, "Broker", "Release", "release without outstanding frame")
	}
	b.view = nil
	v.invalidate()

	if !b.cursor.Release(v.slot) {
		// A kick already dropped the reference.
		if err := b.cursor.Err(); err != nil {
			return brokererr.Wrap(err, "Broker", "Release", "release slot")
		}
	}
	return nil
}

func (b *Broker) checkGeneration() {
	gen := atomic.LoadUint64(&b.hdr.Generation)
	if gen == b.generation {
		return
	}
	b.generation = gen
	b.log.Info("Consumer %d: producer %d on topic %q restarted (generation %d, pid %d)",
		b.opts.ID, atomic.LoadInt64(&b.hdr.ProducerID), b.opts.Topic, gen, atomic.LoadInt64(&b.hdr.ProducerPID))
}
