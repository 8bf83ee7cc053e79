package broker

import (
	"encoding/binary"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"framebroker/internal/registry"
	"framebroker/internal/ring"
	"framebroker/internal/shm"
)

// ProducerStats describes the producer recorded in the segment header.
type ProducerStats struct {
	ID         int       `json:"id" yaml:"id"`
	PID        int       `json:"pid" yaml:"pid"`
	Generation uint64    `json:"generation" yaml:"generation"`
	Session    string    `json:"session" yaml:"session"`
	Alive      bool      `json:"alive" yaml:"alive"`
	Heartbeat  time.Time `json:"heartbeat" yaml:"heartbeat"`
}

// Counters are the diagnostic counters kept in the segment header.
type Counters struct {
	Published       uint64 `json:"published" yaml:"published"`
	DroppedOverlap  uint64 `json:"dropped_for_overlap" yaml:"dropped_for_overlap"`
	DroppedOversize uint64 `json:"dropped_oversize" yaml:"dropped_oversize"`
	RecoveredSlots  uint64 `json:"recovered_slots" yaml:"recovered_slots"`
}

// Stats is a point-in-time view of a topic. Fields are loaded one by one and
// are not a consistent snapshot.
type Stats struct {
	Topic        string           `json:"topic" yaml:"topic"`
	Path         string           `json:"path" yaml:"path"`
	Version      uint32           `json:"version" yaml:"version"`
	CreatedAt    time.Time        `json:"created_at" yaml:"created_at"`
	SlotCount    int              `json:"slot_count" yaml:"slot_count"`
	SlotCapacity int              `json:"slot_capacity" yaml:"slot_capacity"`
	MaxConsumers int              `json:"max_consumers" yaml:"max_consumers"`
	Head         uint64           `json:"head" yaml:"head"`
	LatestFrame  *uint64          `json:"latest_frame,omitempty" yaml:"latest_frame,omitempty"`
	Producer     ProducerStats    `json:"producer" yaml:"producer"`
	Counters     Counters         `json:"counters" yaml:"counters"`
	Consumers    []registry.Entry `json:"consumers" yaml:"consumers"`
	Slots        []ring.SlotState `json:"slots" yaml:"slots"`
}

// Stats reads the topic's header, registry and slot states.
func (b *Broker) Stats() (Stats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkAttached("Stats"); err != nil {
		return Stats{}, err
	}

	h := b.hdr
	geo := b.seg.Geometry()
	var session uuid.UUID
	binary.BigEndian.PutUint64(session[:8], atomic.LoadUint64(&h.SessionHi))
	binary.BigEndian.PutUint64(session[8:], atomic.LoadUint64(&h.SessionLo))

	st := Stats{
		Topic:        b.opts.Topic,
		Path:         b.seg.Path(),
		Version:      shm.Version,
		CreatedAt:    time.Unix(0, h.CreatedAt),
		SlotCount:    geo.SlotCount,
		SlotCapacity: geo.SlotCapacity,
		MaxConsumers: geo.MaxConsumers,
		Head:         b.table.Head(),
		Producer: ProducerStats{
			ID:         int(atomic.LoadInt64(&h.ProducerID)),
			PID:        int(atomic.LoadInt64(&h.ProducerPID)),
			Generation: atomic.LoadUint64(&h.Generation),
			Session:    session.String(),
			Alive:      atomic.LoadUint32(&h.Alive) == 1,
			Heartbeat:  time.Unix(0, atomic.LoadInt64(&h.Heartbeat)),
		},
		Counters: Counters{
			Published:       atomic.LoadUint64(&h.Published),
			DroppedOverlap:  atomic.LoadUint64(&h.DroppedOverlap),
			DroppedOversize: atomic.LoadUint64(&h.DroppedOversize),
			RecoveredSlots:  atomic.LoadUint64(&h.RecoveredSlots),
		},
		Consumers: b.reg.Snapshot(),
	}
	if st.Head > 0 {
		latest := st.Head - 1
		st.LatestFrame = &latest
	}
	for i := 0; i < b.table.Len(); i++ {
		st.Slots = append(st.Slots, b.table.State(i))
	}
	return st, nil
}
