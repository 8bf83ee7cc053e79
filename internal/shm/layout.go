package shm

import (
	"fmt"
	"unsafe"

	brokererr "framebroker/internal/errors"
)

const (
	// Magic marks an initialised segment ("FRAMEBRK").
	Magic uint64 = 0x4652414D4542524B
	// Version is bumped whenever the layout below changes.
	Version uint32 = 4

	cacheLine = 64

	headerSize        = 256
	consumerEntrySize = 64
	slotMetaSize      = 128

	MaxSlotCount    = 4096
	MaxConsumers    = 256
	MaxSlotCapacity = 1<<31 - 1
)

// Header is the fixed-layout header at offset 0 of every segment. The first
// cache line is immutable after creation. Every other field is shared and
// must only be accessed with sync/atomic.
type Header struct {
	Magic        uint64
	Version      uint32
	SlotCount    uint32
	MaxConsumers uint32
	_            uint32
	SlotCapacity uint64
	SlotStride   uint64
	TotalSize    uint64
	CreatedAt    int64
	_            [8]byte

	// Head is the producer write cursor: the id of the next frame to be
	// published. The latest published frame is Head-1.
	Head uint64
	_    [56]byte

	Generation  uint64
	ProducerID  int64
	ProducerPID int64
	Heartbeat   int64
	SessionHi   uint64
	SessionLo   uint64
	Alive       uint32
	_           [12]byte

	Published       uint64
	DroppedOverlap  uint64
	DroppedOversize uint64
	RecoveredSlots  uint64
	_               [32]byte
}

// Consumer entry states.
const (
	ConsumerFree uint32 = iota
	ConsumerActive
	ConsumerDetached
	ConsumerKicked
)

// ConsumerEntry is one cursor of the consumer registry. LastSeen is stored
// biased by one so that zero means "none". ActiveSlot holds the owner token
// of the current registration in its high half and the held slot, biased by
// one, in its low half.
type ConsumerEntry struct {
	State      uint32
	PID        uint32
	LastSeen   uint64
	ActiveSlot uint64
	Heartbeat  int64
	Polls      uint64
	Opened     uint64
	Skipped    uint64
	Missed     uint64
}

// SlotMeta precedes the pixel area of every slot. Seq is the seqlock
// sequence (odd while the producer writes). FrameID is biased by one.
type SlotMeta struct {
	Seq        uint64
	FrameID    uint64
	Readers    int32
	Channels   uint32
	Width      uint32
	Height     uint32
	Stride     uint32
	ProducerID int32
	Size       uint64
	Timestamp  int64
	Format     [2]uint64
	_          [56]byte
}

var (
	_ [headerSize - unsafe.Sizeof(Header{})]struct{}
	_ [unsafe.Sizeof(Header{}) - headerSize]struct{}
	_ [consumerEntrySize - unsafe.Sizeof(ConsumerEntry{})]struct{}
	_ [unsafe.Sizeof(ConsumerEntry{}) - consumerEntrySize]struct{}
	_ [slotMetaSize - unsafe.Sizeof(SlotMeta{})]struct{}
	_ [unsafe.Sizeof(SlotMeta{}) - slotMetaSize]struct{}
)

// Geometry describes the immutable shape of a segment.
type Geometry struct {
	SlotCount    int
	SlotCapacity int
	MaxConsumers int
}

// Validate checks the geometry against the supported limits.
func (g Geometry) Validate() error {
	if g.SlotCount < 1 || g.SlotCount > MaxSlotCount {
		return fmt.Errorf("slot count %d not in [1, %d]: %w", g.SlotCount, MaxSlotCount, brokererr.ErrInvalidGeometry)
	}
	if g.SlotCapacity < 1 || g.SlotCapacity > MaxSlotCapacity {
		return fmt.Errorf("slot capacity %d not in [1, %d]: %w", g.SlotCapacity, MaxSlotCapacity, brokererr.ErrInvalidGeometry)
	}
	if g.MaxConsumers < 1 || g.MaxConsumers > MaxConsumers {
		return fmt.Errorf("max consumers %d not in [1, %d]: %w", g.MaxConsumers, MaxConsumers, brokererr.ErrInvalidGeometry)
	}
	return nil
}

// SlotStride is the distance in bytes between consecutive slots.
func (g Geometry) SlotStride() int {
	return slotMetaSize + alignUp(g.SlotCapacity, cacheLine)
}

func (g Geometry) consumersOffset() int {
	return headerSize
}

func (g Geometry) slotsOffset() int {
	return alignUp(headerSize+g.MaxConsumers*consumerEntrySize, cacheLine)
}

// Size is the total size in bytes of a segment with this geometry.
func (g Geometry) Size() int {
	return g.slotsOffset() + g.SlotCount*g.SlotStride()
}

// matches reports whether an existing segment satisfies the expectation.
// Zero fields in want are wildcards.
func (g Geometry) matches(want Geometry) bool {
	if want.SlotCount != 0 && want.SlotCount != g.SlotCount {
		return false
	}
	if want.SlotCapacity != 0 && want.SlotCapacity != g.SlotCapacity {
		return false
	}
	if want.MaxConsumers != 0 && want.MaxConsumers != g.MaxConsumers {
		return false
	}
	return true
}

func alignUp(n, a int) int {
	return (n + a - 1) &^ (a - 1)
}
