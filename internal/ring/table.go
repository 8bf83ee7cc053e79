// Package ring implements the slot table of a topic and the seqlock
// publication protocol over it.
//
// Frame ids are assigned from the header write cursor; frame f lives in slot
// f mod N. The producer makes a slot's sequence odd before touching it and
// even again after the frame id and metadata are stored, so a reader that
// sees the same even sequence before and after copying metadata has a
// coherent view. Each slot also carries a reader count. The producer never
// waits for it under the default policy: overwriting a slot that still has
// readers is counted as dropped_for_overlap and the readers' views stop
// validating.
package ring

import (
	"encoding/binary"
	"runtime"
	"sync/atomic"
	"time"

	"framebroker/internal/shm"
)

// OverlapPolicy decides what the producer does when the slot it is about to
// overwrite still has readers.
type OverlapPolicy int

const (
	// OverlapOverwrite overwrites immediately (drop-on-overlap).
	OverlapOverwrite OverlapPolicy = iota
	// OverlapWait waits up to a bounded timeout for readers to drain, then
	// overwrites anyway.
	OverlapWait
)

// String returns the configuration name of the policy.
func (p OverlapPolicy) String() string {
	switch p {
	case OverlapOverwrite:
		return "overwrite"
	case OverlapWait:
		return "wait"
	default:
		return "unknown"
	}
}

// ParseOverlapPolicy parses "overwrite" or "wait".
func ParseOverlapPolicy(s string) (OverlapPolicy, bool) {
	switch s {
	case "overwrite", "":
		return OverlapOverwrite, true
	case "wait":
		return OverlapWait, true
	default:
		return OverlapOverwrite, false
	}
}

// FormatLen is the maximum pixel format tag length stored per slot.
const FormatLen = 16

// Meta is the per-frame metadata stored next to the pixels.
type Meta struct {
	ProducerID int
	Width      int
	Height     int
	Channels   int
	Stride     int
	Size       int
	Timestamp  int64
	Format     string
}

// Snapshot is a validated read of a slot's metadata.
type Snapshot struct {
	Meta
	Slot    int
	FrameID uint64
	Seq     uint64
}

// SlotState is a diagnostic view of one slot.
type SlotState struct {
	Index    int    `json:"index" yaml:"index"`
	FrameID  uint64 `json:"frame_id" yaml:"frame_id"`
	HasFrame bool   `json:"has_frame" yaml:"has_frame"`
	Readers  int    `json:"readers" yaml:"readers"`
	Writing  bool   `json:"writing" yaml:"writing"`
	Seq      uint64 `json:"seq" yaml:"seq"`
}

// Table is a process-local handle on the slots of a mapped segment.
type Table struct {
	seg   *shm.Segment
	hdr   *shm.Header
	count uint64
}

// New returns the slot table of seg.
func New(seg *shm.Segment) *Table {
	return &Table{
		seg:   seg,
		hdr:   seg.Header(),
		count: uint64(seg.Geometry().SlotCount),
	}
}

// Len returns the number of slots.
func (t *Table) Len() int { return int(t.count) }

// Capacity returns the pixel capacity of each slot in bytes.
func (t *Table) Capacity() int { return t.seg.Geometry().SlotCapacity }

// SlotIndex maps a frame id onto its slot.
func (t *Table) SlotIndex(frameID uint64) int {
	return int(frameID % t.count)
}

// Head returns the write cursor: the id the next published frame will get.
func (t *Table) Head() uint64 {
	return atomic.LoadUint64(&t.hdr.Head)
}

// AcquireWriteSlot returns the id of the next frame and the slot it goes to.
// Only the producer may call it.
func (t *Table) AcquireWriteSlot() (frameID uint64, slot int) {
	frameID = t.Head()
	return frameID, t.SlotIndex(frameID)
}

// BeginWrite opens slot for writing and returns its full pixel area. It
// reports whether readers still held the slot when it was taken over.
//
// The sequence is made odd before the reader count is sampled; readers
// increment the count before sampling the sequence. With sequentially
// consistent atomics at least one side observes the other, so a reader can
// never validate a slot the producer has started to overwrite without the
// overlap being counted.
func (t *Table) BeginWrite(slot int, policy OverlapPolicy, timeout time.Duration) (pixels []byte, overlapped bool) {
	m := t.seg.Slot(slot)

	seq := atomic.LoadUint64(&m.Seq)
	atomic.StoreUint64(&m.Seq, seq|1)
	atomic.StoreUint64(&m.FrameID, 0)

	if atomic.LoadInt32(&m.Readers) > 0 {
		if policy == OverlapWait && timeout > 0 {
			deadline := time.Now().Add(timeout)
			for atomic.LoadInt32(&m.Readers) > 0 && time.Now().Before(deadline) {
				runtime.Gosched()
			}
		}
		if atomic.LoadInt32(&m.Readers) > 0 {
			overlapped = true
			atomic.AddUint64(&t.hdr.DroppedOverlap, 1)
		}
	}

	return t.seg.Pixels(slot), overlapped
}

// Publish stores the metadata and frame id of a slot opened by BeginWrite,
// closes the seqlock and advances the write cursor to frameID+1.
func (t *Table) Publish(slot int, frameID uint64, meta Meta) {
	m := t.seg.Slot(slot)

	atomic.StoreInt32(&m.ProducerID, int32(meta.ProducerID))
	atomic.StoreUint32(&m.Width, uint32(meta.Width))
	atomic.StoreUint32(&m.Height, uint32(meta.Height))
	atomic.StoreUint32(&m.Channels, uint32(meta.Channels))
	atomic.StoreUint32(&m.Stride, uint32(meta.Stride))
	atomic.StoreUint64(&m.Size, uint64(meta.Size))
	atomic.StoreInt64(&m.Timestamp, meta.Timestamp)
	lo, hi := packFormat(meta.Format)
	atomic.StoreUint64(&m.Format[0], lo)
	atomic.StoreUint64(&m.Format[1], hi)

	atomic.StoreUint64(&m.FrameID, frameID+1)
	seq := atomic.LoadUint64(&m.Seq)
	atomic.StoreUint64(&m.Seq, (seq|1)+1)

	atomic.StoreUint64(&t.hdr.Head, frameID+1)
	atomic.AddUint64(&t.hdr.Published, 1)
}

// Abort closes a slot opened by BeginWrite without publishing. The slot is
// left empty.
func (t *Table) Abort(slot int) {
	m := t.seg.Slot(slot)
	atomic.StoreUint64(&m.FrameID, 0)
	seq := atomic.LoadUint64(&m.Seq)
	atomic.StoreUint64(&m.Seq, (seq|1)+1)
}

// OpenReadSlot takes a reference on slot and validates that it still holds
// frame expected. On failure the reference is dropped again.
func (t *Table) OpenReadSlot(slot int, expected uint64) (Snapshot, bool) {
	m := t.seg.Slot(slot)
	atomic.AddInt32(&m.Readers, 1)

	seq := atomic.LoadUint64(&m.Seq)
	if seq&1 == 1 || atomic.LoadUint64(&m.FrameID) != expected+1 {
		t.ReleaseReadSlot(slot)
		return Snapshot{}, false
	}

	lo := atomic.LoadUint64(&m.Format[0])
	hi := atomic.LoadUint64(&m.Format[1])
	snap := Snapshot{
		Slot:    slot,
		FrameID: expected,
		Seq:     seq,
		Meta: Meta{
			ProducerID: int(atomic.LoadInt32(&m.ProducerID)),
			Width:      int(atomic.LoadUint32(&m.Width)),
			Height:     int(atomic.LoadUint32(&m.Height)),
			Channels:   int(atomic.LoadUint32(&m.Channels)),
			Stride:     int(atomic.LoadUint32(&m.Stride)),
			Size:       int(atomic.LoadUint64(&m.Size)),
			Timestamp:  atomic.LoadInt64(&m.Timestamp),
			Format:     unpackFormat(lo, hi),
		},
	}

	if atomic.LoadUint64(&m.Seq) != seq || snap.Size > t.Capacity() {
		t.ReleaseReadSlot(slot)
		return Snapshot{}, false
	}
	return snap, true
}

// ReleaseReadSlot drops one reference on slot. It never takes the count
// below zero and reports whether a reference was dropped.
func (t *Table) ReleaseReadSlot(slot int) bool {
	m := t.seg.Slot(slot)
	for {
		r := atomic.LoadInt32(&m.Readers)
		if r <= 0 {
			return false
		}
		if atomic.CompareAndSwapInt32(&m.Readers, r, r-1) {
			return true
		}
	}
}

// Intact reports whether slot is unchanged since a read validated at seq.
func (t *Table) Intact(slot int, seq uint64) bool {
	return atomic.LoadUint64(&t.seg.Slot(slot).Seq) == seq
}

// Pixels returns the first size bytes of slot's pixel area.
func (t *Table) Pixels(slot, size int) []byte {
	return t.seg.Pixels(slot)[:size:size]
}

// Readers returns the current reader count of slot.
func (t *Table) Readers(slot int) int {
	return int(atomic.LoadInt32(&t.seg.Slot(slot).Readers))
}

// State returns a diagnostic snapshot of slot.
func (t *Table) State(slot int) SlotState {
	m := t.seg.Slot(slot)
	seq := atomic.LoadUint64(&m.Seq)
	fid := atomic.LoadUint64(&m.FrameID)
	st := SlotState{
		Index:    slot,
		HasFrame: fid != 0,
		Readers:  int(atomic.LoadInt32(&m.Readers)),
		Writing:  seq&1 == 1,
		Seq:      seq,
	}
	if fid != 0 {
		st.FrameID = fid - 1
	}
	return st
}

// Recover closes slots left mid-write by a producer that died, and returns
// how many it found. Only a newly attached producer may call it.
func (t *Table) Recover() int {
	n := 0
	for i := 0; i < int(t.count); i++ {
		m := t.seg.Slot(i)
		seq := atomic.LoadUint64(&m.Seq)
		if seq&1 == 0 {
			continue
		}
		atomic.StoreUint64(&m.FrameID, 0)
		atomic.StoreUint64(&m.Seq, seq+1)
		n++
	}
	if n > 0 {
		atomic.AddUint64(&t.hdr.RecoveredSlots, uint64(n))
	}
	return n
}

func packFormat(s string) (lo, hi uint64) {
	var b [FormatLen]byte
	copy(b[:], s)
	return binary.LittleEndian.Uint64(b[:8]), binary.LittleEndian.Uint64(b[8:])
}

func unpackFormat(lo, hi uint64) string {
	var b [FormatLen]byte
	binary.LittleEndian.PutUint64(b[:8], lo)
	binary.LittleEndian.PutUint64(b[8:], hi)
	n := 0
	for n < FormatLen && b[n] != 0 {
		n++
	}
	return string(b[:n])
}
