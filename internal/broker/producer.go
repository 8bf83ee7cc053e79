package broker

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"

	brokererr "framebroker/internal/errors"
	"framebroker/internal/ring"
)

// PublishStatus is the outcome of a publish that did not fail.
type PublishStatus int

const (
	// StatusPublished means the frame is visible to consumers.
	StatusPublished PublishStatus = iota
	// StatusDropped means the frame did not fit a slot and was discarded.
	StatusDropped
)

func (s PublishStatus) String() string {
	if s == StatusDropped {
		return "dropped"
	}
	return "published"
}

// Frame is a raw pixel buffer to publish.
type Frame struct {
	Pixels   []byte
	Width    int
	Height   int
	Channels int
	// Stride is the row size in bytes; zero means Width*Channels.
	Stride int
	// Format is a short pixel format tag such as "BGR8". At most 16 bytes
	// are stored.
	Format string
	// Timestamp defaults to the publish time.
	Timestamp time.Time
}

func (f Frame) stride() int {
	if f.Stride == 0 {
		return f.Width * f.Channels
	}
	return f.Stride
}

// validate checks the geometry. Every dimension, the row size and the stride
// must fit the uint32 fields of the slot metadata.
func (f Frame) validate() error {
	if f.Width <= 0 || f.Height <= 0 || f.Channels <= 0 || f.Stride < 0 {
		return fmt.Errorf("dimensions %dx%dx%d stride %d: %w", f.Width, f.Height, f.Channels, f.Stride, brokererr.ErrInvalidFrame)
	}
	if uint64(f.Width) > math.MaxUint32 || uint64(f.Height) > math.MaxUint32 ||
		uint64(f.Channels) > math.MaxUint32 || uint64(f.Stride) > math.MaxUint32 {
		return fmt.Errorf("dimensions %dx%dx%d stride %d exceed 32 bits: %w", f.Width, f.Height, f.Channels, f.Stride, brokererr.ErrInvalidFrame)
	}
	row := uint64(f.Width) * uint64(f.Channels)
	if row > math.MaxUint32 {
		return fmt.Errorf("row of %d bytes exceeds 32 bits: %w", row, brokererr.ErrInvalidFrame)
	}
	if uint64(f.stride()) < row {
		return fmt.Errorf("stride %d shorter than a row of %d bytes: %w", f.stride(), row, brokererr.ErrInvalidFrame)
	}
	if len(f.Format) > ring.FormatLen {
		return fmt.Errorf("format %q longer than %d bytes: %w", f.Format, ring.FormatLen, brokererr.ErrInvalidFrame)
	}
	return nil
}

// size returns stride*height. Both factors are below 2^32 once validate
// passed, so the product cannot overflow.
func (f Frame) size() uint64 {
	return uint64(f.stride()) * uint64(f.Height)
}

// Publish copies a tightly packed frame into the ring. It returns
// StatusDropped, not an error, when the frame does not fit a slot.
func (b *Broker) Publish(pixels []byte, width, height, channels int) (PublishStatus, error) {
	return b.PublishFrame(Frame{Pixels: pixels, Width: width, Height: height, Channels: channels})
}

// PublishFrame copies f into the next slot and publishes it. The producer
// never waits for consumers beyond the configured overlap timeout.
func (b *Broker) PublishFrame(f Frame) (PublishStatus, error) {
	if err := f.validate(); err != nil {
		return StatusDropped, brokererr.Wrap(err, "Broker", "Publish", "validate frame")
	}
	size := f.size()

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkRole("Publish", RoleProducer); err != nil {
		return StatusDropped, err
	}
	if b.reservation != nil {
		return StatusDropped, brokererr.Wrap(brokererr.ErrInvalidSequence, "Broker", "Publish", "publish with open reservation")
	}

	now := time.Now()
	if size > uint64(b.table.Capacity()) {
		b.dropOversize(now)
		return StatusDropped, nil
	}
	if uint64(len(f.Pixels)) < size {
		err := fmt.Errorf("%d pixel bytes for a %d byte frame: %w", len(f.Pixels), size, brokererr.ErrInvalidFrame)
		return StatusDropped, brokererr.Wrap(err, "Broker", "Publish", "validate frame")
	}

	ws := b.reserve(f, int(size))
	copy(ws.Pixels, f.Pixels[:size])
	b.commit(ws, now)
	return StatusPublished, nil
}

// WriteSlot is a reserved slot the producer fills in place. Pixels aliases
// shared memory and is only valid until Commit or Abort.
type WriteSlot struct {
	Pixels  []byte
	FrameID uint64

	b    *Broker
	slot int
	meta ring.Meta
	done bool
}

// Reserve opens the next slot for an in-place write of a frame with the
// given geometry. The frame is invisible to consumers until Commit. A frame
// larger than a slot is counted as dropped and rejected with ErrInvalidFrame.
func (b *Broker) Reserve(width, height, channels int, format string) (*WriteSlot, error) {
	f := Frame{Width: width, Height: height, Channels: channels, Format: format}
	if err := f.validate(); err != nil {
		return nil, brokererr.Wrap(err, "Broker", "Reserve", "validate frame")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkRole("Reserve", RoleProducer); err != nil {
		return nil, err
	}
	if b.reservation != nil {
		return nil, brokererr.Wrap(brokererr.ErrInvalidSequence, "Broker", "Reserve", "reserve twice")
	}
	size := f.size()
	if size > uint64(b.table.Capacity()) {
		b.dropOversize(time.Now())
		err := fmt.Errorf("%d bytes exceed slot capacity %d: %w", size, b.table.Capacity(), brokererr.ErrInvalidFrame)
		return nil, brokererr.Wrap(err, "Broker", "Reserve", "reserve slot")
	}
	return b.reserve(f, int(size)), nil
}

// Commit publishes the reserved frame and returns its frame id.
func (ws *WriteSlot) Commit() (uint64, error) {
	b := ws.b
	b.mu.Lock()
	defer b.mu.Unlock()

	if ws.done || b.reservation != ws {
		return 0, brokererr.Wrap(brokererr.ErrInvalidSequence, "Broker", "Commit", "commit without reservation")
	}
	b.commit(ws, time.Now())
	return ws.FrameID, nil
}

// Abort discards the reservation. The slot is left empty.
func (ws *WriteSlot) Abort() error {
	b := ws.b
	b.mu.Lock()
	defer b.mu.Unlock()

	if ws.done || b.reservation != ws {
		return brokererr.Wrap(brokererr.ErrInvalidSequence, "Broker", "Abort", "abort without reservation")
	}
	b.table.Abort(ws.slot)
	ws.done = true
	ws.Pixels = nil
	b.reservation = nil
	return nil
}

func (b *Broker) reserve(f Frame, size int) *WriteSlot {
	id, slot := b.table.AcquireWriteSlot()
	px, overlapped := b.table.BeginWrite(slot, b.opts.OverlapPolicy, b.opts.OverlapTimeout)
	if overlapped {
		b.overlaps++
	}

	var ts int64
	if !f.Timestamp.IsZero() {
		ts = f.Timestamp.UnixNano()
	}
	ws := &WriteSlot{
		Pixels:  px[:size:size],
		FrameID: id,
		b:       b,
		slot:    slot,
		meta: ring.Meta{
			ProducerID: b.opts.ID,
			Width:      f.Width,
			Height:     f.Height,
			Channels:   f.Channels,
			Stride:     f.stride(),
			Size:       size,
			Timestamp:  ts,
			Format:     f.Format,
		},
	}
	b.reservation = ws
	return ws
}

func (b *Broker) commit(ws *WriteSlot, now time.Time) {
	if ws.meta.Timestamp == 0 {
		ws.meta.Timestamp = now.UnixNano()
	}
	b.table.Publish(ws.slot, ws.FrameID, ws.meta)
	ws.done = true
	ws.Pixels = nil
	b.reservation = nil

	atomic.StoreInt64(&b.hdr.Heartbeat, now.UnixNano())
	b.housekeep(now)
}

func (b *Broker) dropOversize(now time.Time) {
	atomic.AddUint64(&b.hdr.DroppedOversize, 1)
	b.oversized++
	b.housekeep(now)
}

// housekeep reaps stale consumers and reports drops, each at most once per
// interval. It only does a bounded number of atomic loads otherwise.
func (b *Broker) housekeep(now time.Time) {
	if b.opts.ReapInterval > 0 && now.Sub(b.lastReap) >= b.opts.ReapInterval {
		b.lastReap = now
		for _, id := range b.reg.ReapStale(now, b.opts.StaleAfter) {
			b.log.Warning("Consumer %d on topic %q missed heartbeats for %s and was disconnected",
				id, b.opts.Topic, b.opts.StaleAfter)
		}
	}

	if (b.overlaps > 0 || b.oversized > 0) && now.Sub(b.lastNotice) >= noticeInterval {
		b.log.Warning("Topic %q: %d frame(s) overwrote slots still being read, %d frame(s) exceeded slot capacity in the last %s",
			b.opts.Topic, b.overlaps, b.oversized, now.Sub(b.lastNotice).Round(time.Second))
		b.overlaps, b.oversized = 0, 0
		b.lastNotice = now
	}
}
