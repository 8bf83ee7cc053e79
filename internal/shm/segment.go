// Package shm owns the named shared-memory segment behind a topic: creating
// or attaching the backing object, validating its schema, mapping it, and
// exposing typed views of the header, the consumer registry and the slots.
//
// The backing object is a file under a tmpfs directory (/dev/shm by default),
// which is how POSIX shm_open names are realised on Linux. Detach only unmaps
// the current process; the object lives until Teardown unlinks it.
package shm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	brokererr "framebroker/internal/errors"
)

const (
	// DefaultDir is the tmpfs directory that backs POSIX shared memory.
	DefaultDir = "/dev/shm"
	// NamePrefix is prepended to the topic to form the object name.
	NamePrefix = "framebroker."

	maxTopicLen = 200
)

// Segment is one process's mapping of a topic's shared memory.
type Segment struct {
	topic   string
	path    string
	geo     Geometry
	data    []byte
	fd      int
	created bool

	mu       sync.Mutex
	detached bool
}

// ValidateTopic checks that topic can name a shared-memory object.
func ValidateTopic(topic string) error {
	switch {
	case topic == "", topic == ".", topic == "..":
		return fmt.Errorf("%q: %w", topic, brokererr.ErrInvalidTopic)
	case len(topic) > maxTopicLen:
		return fmt.Errorf("topic longer than %d bytes: %w", maxTopicLen, brokererr.ErrInvalidTopic)
	case strings.ContainsAny(topic, "/\x00"):
		return fmt.Errorf("%q contains '/' or NUL: %w", topic, brokererr.ErrInvalidTopic)
	}
	return nil
}

// Path returns the backing object path of topic under dir.
func Path(dir, topic string) string {
	if dir == "" {
		dir = DefaultDir
	}
	return filepath.Join(dir, NamePrefix+topic)
}

// CreateOrOpen creates the topic's segment or maps an existing one. With
// create set the caller becomes the producer: the segment is created if
// absent and an exclusive lock is held until Detach. Without it the segment
// must already exist; zero fields of g accept whatever the segment declares.
func CreateOrOpen(dir, topic string, g Geometry, create bool) (*Segment, error) {
	if create {
		return Create(dir, topic, g)
	}
	return Open(dir, topic, g)
}

// Create creates the segment for topic, or attaches to an existing one whose
// geometry and version equal g. It fails with ErrProducerBusy if another
// process holds the producer lock.
func Create(dir, topic string, g Geometry) (*Segment, error) {
	if err := ValidateTopic(topic); err != nil {
		return nil, err
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}

	path := Path(dir, topic)
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_CLOEXEC, 0666)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}

	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		unix.Close(fd)
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%s: %w", topic, brokererr.ErrProducerBusy)
		}
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	s := &Segment{topic: topic, path: path, geo: g, fd: fd}

	if st.Size >= headerSize {
		existing, err := s.mapExisting(fd, int(st.Size))
		if err != nil {
			unix.Close(fd)
			return nil, err
		}
		if existing {
			if s.geo != g {
				s.unmap()
				unix.Close(fd)
				return nil, fmt.Errorf("%s has %+v, want %+v: %w", topic, s.geo, g, brokererr.ErrSchemaMismatch)
			}
			return s, nil
		}
		// A previous creator died before publishing the magic. We hold the
		// producer lock, so nobody else can be initialising it.
		s.unmap()
	}

	if err := s.initialise(g); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return s, nil
}

// Open maps an existing segment for a consumer or observer.
func Open(dir, topic string, want Geometry) (*Segment, error) {
	if err := ValidateTopic(topic); err != nil {
		return nil, err
	}

	path := Path(dir, topic)
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		if errors.Is(err, unix.ENOENT) {
			return nil, fmt.Errorf("%s: %w", topic, brokererr.ErrSegmentNotFound)
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// The mapping outlives the descriptor; only producers keep theirs for
	// the lock.
	defer unix.Close(fd)

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if st.Size < headerSize {
		return nil, fmt.Errorf("%s is still being initialised: %w", topic, brokererr.ErrSegmentNotFound)
	}

	s := &Segment{topic: topic, path: path, fd: -1}
	existing, err := s.mapExisting(fd, int(st.Size))
	if err != nil {
		return nil, err
	}
	if !existing {
		s.unmap()
		return nil, fmt.Errorf("%s is still being initialised: %w", topic, brokererr.ErrSegmentNotFound)
	}
	if !s.geo.matches(want) {
		got := s.geo
		s.unmap()
		return nil, fmt.Errorf("%s has %+v, want %+v: %w", topic, got, want, brokererr.ErrSchemaMismatch)
	}
	return s, nil
}

// mapExisting maps size bytes and validates the header. It returns false
// without error when the magic has not been published yet.
func (s *Segment) mapExisting(fd, size int) (bool, error) {
	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return false, fmt.Errorf("mmap %s: %w", s.path, err)
	}
	s.data = data

	h := s.Header()
	magic := atomic.LoadUint64(&h.Magic)
	if magic == 0 {
		return false, nil
	}
	if magic != Magic {
		s.unmap()
		return false, fmt.Errorf("%s: bad magic %#x: %w", s.topic, magic, brokererr.ErrSchemaMismatch)
	}
	if h.Version != Version {
		v := h.Version
		s.unmap()
		return false, fmt.Errorf("%s: layout version %d, want %d: %w", s.topic, v, Version, brokererr.ErrSchemaMismatch)
	}

	geo := Geometry{
		SlotCount:    int(h.SlotCount),
		SlotCapacity: int(h.SlotCapacity),
		MaxConsumers: int(h.MaxConsumers),
	}
	if geo.Validate() != nil || uint64(geo.Size()) != h.TotalSize || geo.Size() != size ||
		uint64(geo.SlotStride()) != h.SlotStride {
		s.unmap()
		return false, fmt.Errorf("%s: inconsistent header: %w", s.topic, brokererr.ErrSchemaMismatch)
	}
	s.geo = geo
	return true, nil
}

// initialise sizes a fresh object, writes the header and publishes the magic
// last so that openers never see a half-written header.
func (s *Segment) initialise(g Geometry) error {
	size := g.Size()
	if err := unix.Ftruncate(s.fd, 0); err != nil {
		return fmt.Errorf("truncate %s: %w", s.path, err)
	}
	if err := unix.Ftruncate(s.fd, int64(size)); err != nil {
		return fmt.Errorf("resize %s: %w", s.path, err)
	}

	data, err := unix.Mmap(s.fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mmap %s: %w", s.path, err)
	}
	s.data = data
	s.geo = g
	s.created = true

	h := s.Header()
	h.Version = Version
	h.SlotCount = uint32(g.SlotCount)
	h.MaxConsumers = uint32(g.MaxConsumers)
	h.SlotCapacity = uint64(g.SlotCapacity)
	h.SlotStride = uint64(g.SlotStride())
	h.TotalSize = uint64(size)
	h.CreatedAt = time.Now().UnixNano()
	atomic.StoreUint64(&h.Magic, Magic)
	return nil
}

// Detach unmaps the segment from this process and releases the producer
// lock. Other processes are unaffected. Detach is idempotent.
func (s *Segment) Detach() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.detached {
		return nil
	}
	s.detached = true

	err := s.unmap()
	if s.fd >= 0 {
		if cerr := unix.Close(s.fd); cerr != nil && err == nil {
			err = cerr
		}
		s.fd = -1
	}
	return err
}

func (s *Segment) unmap() error {
	if s.data == nil {
		return nil
	}
	err := unix.Munmap(s.data)
	s.data = nil
	return err
}

// Teardown unlinks the topic's backing object. Processes still attached keep
// their mappings until they detach; new opens fail with ErrSegmentNotFound.
func Teardown(dir, topic string) error {
	if err := ValidateTopic(topic); err != nil {
		return err
	}
	if err := unix.Unlink(Path(dir, topic)); err != nil {
		if errors.Is(err, unix.ENOENT) {
			return fmt.Errorf("%s: %w", topic, brokererr.ErrSegmentNotFound)
		}
		return fmt.Errorf("unlink %s: %w", topic, err)
	}
	return nil
}

// List returns the topics that have a backing object under dir.
func List(dir string) ([]string, error) {
	if dir == "" {
		dir = DefaultDir
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var topics []string
	for _, e := range entries {
		if name, ok := strings.CutPrefix(e.Name(), NamePrefix); ok && !e.IsDir() && name != "" {
			topics = append(topics, name)
		}
	}
	return topics, nil
}

// Topic returns the topic name.
func (s *Segment) Topic() string { return s.topic }

// Path returns the backing object path.
func (s *Segment) Path() string { return s.path }

// Geometry returns the segment geometry.
func (s *Segment) Geometry() Geometry { return s.geo }

// Created reports whether this attach initialised the segment.
func (s *Segment) Created() bool { return s.created }

// Header returns the mapped header.
func (s *Segment) Header() *Header {
	return (*Header)(unsafe.Pointer(&s.data[0]))
}

// Consumer returns registry entry i. The caller checks bounds.
func (s *Segment) Consumer(i int) *ConsumerEntry {
	off := s.geo.consumersOffset() + i*consumerEntrySize
	return (*ConsumerEntry)(unsafe.Pointer(&s.data[off]))
}

// Slot returns the metadata of slot i. The caller checks bounds.
func (s *Segment) Slot(i int) *SlotMeta {
	off := s.geo.slotsOffset() + i*s.geo.SlotStride()
	return (*SlotMeta)(unsafe.Pointer(&s.data[off]))
}

// Pixels returns the full-capacity pixel area of slot i.
func (s *Segment) Pixels(i int) []byte {
	off := s.geo.slotsOffset() + i*s.geo.SlotStride() + slotMetaSize
	end := off + s.geo.SlotCapacity
	return s.data[off:end:end]
}
