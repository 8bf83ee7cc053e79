// Package broker is the public handle a process holds on a topic. A handle
// binds a role to a shared segment and exposes the frame exchange
// operations: Publish for the producer, PollNext/WaitNext/Release for
// consumers, and Stats/Kick for anyone attached.
//
// A handle moves Unattached -> Attached -> Detached; Detached is terminal.
// Handles are safe for use by multiple goroutines, but a consumer handle
// still has at most one outstanding FrameView.
package broker

import (
	"context"
	"encoding/binary"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	brokererr "framebroker/internal/errors"
	"framebroker/internal/logger"
	"framebroker/internal/registry"
	"framebroker/internal/ring"
	"framebroker/internal/shm"
)

// State is the lifecycle state of a handle.
type State int

const (
	StateUnattached State = iota
	StateAttached
	StateDetached
)

func (s State) String() string {
	switch s {
	case StateUnattached:
		return "unattached"
	case StateAttached:
		return "attached"
	case StateDetached:
		return "detached"
	default:
		return "unknown"
	}
}

const noticeInterval = 5 * time.Second

// Broker is a process-local handle on one topic.
type Broker struct {
	opts Options
	log  *logger.Logger
	pid  int

	mu    sync.Mutex
	state State

	seg   *shm.Segment
	hdr   *shm.Header
	table *ring.Table
	reg   *registry.Registry

	// producer
	session     uuid.UUID
	reservation *WriteSlot
	lastReap    time.Time
	lastNotice  time.Time
	overlaps    uint64
	oversized   uint64

	// consumer
	cursor     *registry.Cursor
	view       *FrameView
	generation uint64
}

// New validates opts and returns an unattached handle.
func New(opts Options) (*Broker, error) {
	if err := opts.validate(); err != nil {
		return nil, brokererr.Wrap(err, "Broker", "New", "validate options")
	}
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	return &Broker{opts: opts, log: log, pid: os.Getpid()}, nil
}

// Attach validates opts and returns an attached handle.
func Attach(opts Options) (*Broker, error) {
	b, err := New(opts)
	if err != nil {
		return nil, err
	}
	if err := b.Attach(); err != nil {
		return nil, err
	}
	return b, nil
}

// AttachWait keeps trying to attach while the failure is transient (no
// segment yet, producer or consumer id still held) until ctx is done.
func AttachWait(ctx context.Context, opts Options, retry time.Duration) (*Broker, error) {
	b, err := New(opts)
	if err != nil {
		return nil, err
	}
	for {
		err := b.Attach()
		if err == nil {
			return b, nil
		}
		if !brokererr.IsTransient(err) {
			return nil, err
		}
		b.log.Warning("Attach to topic %q failed, retrying in %s: %v", opts.Topic, retry, err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retry):
		}
	}
}

// Attach maps the topic's segment and binds the handle's role.
func (b *Broker) Attach() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateAttached:
		return brokererr.Wrap(brokererr.ErrInvalidSequence, "Broker", "Attach", "attach twice")
	case StateDetached:
		return brokererr.Wrap(brokererr.ErrDetached, "Broker", "Attach", "attach detached handle")
	}

	var err error
	switch b.opts.Role {
	case RoleProducer:
		err = b.attachProducer()
	case RoleConsumer:
		err = b.attachConsumer()
	default:
		err = b.attachObserver()
	}
	if err != nil {
		return err
	}
	b.state = StateAttached
	return nil
}

func (b *Broker) bind(seg *shm.Segment) {
	b.seg = seg
	b.hdr = seg.Header()
	b.table = ring.New(seg)
	b.reg = registry.New(seg, b.table)
}

func (b *Broker) attachProducer() error {
	seg, err := shm.Create(b.opts.Dir, b.opts.Topic, b.opts.geometry())
	if err != nil {
		return brokererr.Wrap(err, "Broker", "Attach", "create segment")
	}
	b.bind(seg)

	if !seg.Created() {
		if n := b.table.Recover(); n > 0 {
			b.log.Warning("Recovered %d slot(s) left mid-write on topic %q", n, b.opts.Topic)
		}
	}

	b.session = uuid.New()
	now := time.Now()
	gen := atomic.AddUint64(&b.hdr.Generation, 1)
	atomic.StoreInt64(&b.hdr.ProducerID, int64(b.opts.ID))
	atomic.StoreInt64(&b.hdr.ProducerPID, int64(b.pid))
	atomic.StoreUint64(&b.hdr.SessionHi, binary.BigEndian.Uint64(b.session[:8]))
	atomic.StoreUint64(&b.hdr.SessionLo, binary.BigEndian.Uint64(b.session[8:]))
	atomic.StoreInt64(&b.hdr.Heartbeat, now.UnixNano())
	atomic.StoreUint32(&b.hdr.Alive, 1)
	b.lastReap = now
	b.lastNotice = now

	if seg.Created() {
		b.log.Info("Producer %d created topic %q (%d slots x %d bytes, %d consumers)",
			b.opts.ID, b.opts.Topic, b.opts.SlotCount, b.opts.SlotCapacity, b.opts.MaxConsumers)
	} else {
		b.log.Info("Producer %d re-attached to topic %q at frame %d (generation %d, session %s)",
			b.opts.ID, b.opts.Topic, b.table.Head(), gen, b.session)
	}
	return nil
}

func (b *Broker) attachConsumer() error {
	seg, err := shm.Open(b.opts.Dir, b.opts.Topic, b.opts.geometry())
	if err != nil {
		return brokererr.Wrap(err, "Broker", "Attach", "open segment")
	}
	b.bind(seg)

	cur, err := b.reg.Register(b.opts.ID, b.pid, b.opts.StaleAfter, time.Now())
	if err != nil {
		seg.Detach()
		return brokererr.Wrap(err, "Broker", "Attach", "register consumer")
	}
	b.cursor = cur
	b.generation = atomic.LoadUint64(&b.hdr.Generation)

	b.log.Info("Consumer %d attached to topic %q", b.opts.ID, b.opts.Topic)
	return nil
}

func (b *Broker) attachObserver() error {
	seg, err := shm.Open(b.opts.Dir, b.opts.Topic, b.opts.geometry())
	if err != nil {
		return brokererr.Wrap(err, "Broker", "Attach", "open segment")
	}
	b.bind(seg)
	return nil
}

// Detach releases any held slot, drops the producer lock and unmaps the
// segment from this process. Other processes are unaffected. Detaching a
// detached handle is a no-op.
func (b *Broker) Detach() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateDetached:
		return nil
	case StateUnattached:
		b.state = StateDetached
		return nil
	}
	b.state = StateDetached

	switch b.opts.Role {
	case RoleProducer:
		if b.reservation != nil {
			b.table.Abort(b.reservation.slot)
			b.reservation.done = true
			b.reservation = nil
		}
		atomic.StoreUint32(&b.hdr.Alive, 0)
		atomic.StoreInt64(&b.hdr.Heartbeat, time.Now().UnixNano())
		b.log.Info("Producer %d detached from topic %q at frame %d", b.opts.ID, b.opts.Topic, b.table.Head())
	case RoleConsumer:
		if b.view != nil {
			b.view.invalidate()
			b.view = nil
		}
		b.cursor.Detach()
		b.log.Info("Consumer %d detached from topic %q", b.opts.ID, b.opts.Topic)
	}

	if err := b.seg.Detach(); err != nil {
		return brokererr.Wrap(err, "Broker", "Detach", "unmap segment")
	}
	return nil
}

// State returns the lifecycle state.
func (b *Broker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Role returns the handle's role.
func (b *Broker) Role() Role { return b.opts.Role }

// Topic returns the topic name.
func (b *Broker) Topic() string { return b.opts.Topic }

// SlotCapacity returns the maximum frame size in bytes, or zero before
// attach.
func (b *Broker) SlotCapacity() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.table == nil {
		return 0
	}
	return b.table.Capacity()
}

// Kick disconnects consumer id and releases the slot it holds.
func (b *Broker) Kick(id int) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkAttached("Kick"); err != nil {
		return false, err
	}
	kicked, err := b.reg.Kick(id)
	if err != nil {
		return false, brokererr.Wrap(err, "Broker", "Kick", "kick consumer")
	}
	if kicked {
		b.log.Warning("Consumer %d on topic %q was kicked", id, b.opts.Topic)
	}
	return kicked, nil
}

// Teardown destroys the topic's shared segment. Attached processes keep
// their mappings until they detach.
func Teardown(dir, topic string) error {
	if err := shm.Teardown(dir, topic); err != nil {
		return brokererr.Wrap(err, "Broker", "Teardown", "unlink segment")
	}
	return nil
}

// Topics lists the topics with a segment under dir.
func Topics(dir string) ([]string, error) {
	return shm.List(dir)
}

func (b *Broker) checkAttached(op string) error {
	switch b.state {
	case StateAttached:
		return nil
	case StateUnattached:
		return brokererr.Wrap(brokererr.ErrInvalidSequence, "Broker", op, "use unattached handle")
	default:
		return brokererr.Wrap(brokererr.ErrDetached, "Broker", op, "use detached handle")
	}
}

func (b *Broker) checkRole(op string, want Role) error {
	if err := b.checkAttached(op); err != nil {
		return err
	}
	if b.opts.Role != want {
		return brokererr.Wrap(brokererr.ErrWrongRole, "Broker", op, "call as "+b.opts.Role.String())
	}
	return nil
}
