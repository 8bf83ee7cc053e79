package broker

import (
	"errors"
	"fmt"
	"time"

	brokererr "framebroker/internal/errors"
	"framebroker/internal/logger"
	"framebroker/internal/ring"
	"framebroker/internal/shm"
)

// Role is the part a handle plays on its topic.
type Role int

const (
	// RoleProducer creates the topic if needed and is its only writer.
	RoleProducer Role = iota
	// RoleConsumer reads frames through a registered consumer cursor.
	RoleConsumer
	// RoleObserver attaches read-only for statistics and administration.
	RoleObserver
)

func (r Role) String() string {
	switch r {
	case RoleProducer:
		return "producer"
	case RoleConsumer:
		return "consumer"
	case RoleObserver:
		return "observer"
	default:
		return "unknown"
	}
}

// ParseRole parses "producer", "consumer" or "observer".
func ParseRole(s string) (Role, error) {
	switch s {
	case "producer":
		return RoleProducer, nil
	case "consumer":
		return RoleConsumer, nil
	case "observer":
		return RoleObserver, nil
	}
	return 0, fmt.Errorf("unknown role %q", s)
}

// Default option values.
const (
	DefaultSlotCount      = 30
	DefaultSlotCapacity   = 1920 * 1080 * 3
	DefaultMaxConsumers   = 16
	DefaultOverlapTimeout = 5 * time.Millisecond
	DefaultStaleAfter     = 10 * time.Second
	DefaultReapInterval   = time.Second
	DefaultSpinIterations = 64
)

// Options configures a broker handle.
type Options struct {
	// Dir is the shared-memory directory; empty means /dev/shm.
	Dir   string
	Topic string
	Role  Role
	// ID is the producer id for producers and the consumer id for consumers.
	ID int

	// SlotCount, SlotCapacity and MaxConsumers shape a segment the producer
	// creates. Consumers may set them to insist on a geometry; zero accepts
	// whatever the segment declares.
	SlotCount    int
	SlotCapacity int
	MaxConsumers int

	OverlapPolicy  ring.OverlapPolicy
	OverlapTimeout time.Duration

	// StaleAfter is how long a consumer may go without polling before its
	// id can be taken over or reaped. Zero disables both.
	StaleAfter time.Duration
	// ReapInterval bounds how often the producer scans for stale consumers.
	// Zero disables reaping.
	ReapInterval time.Duration

	// SpinIterations is how many yield rounds WaitNext makes before it
	// starts sleeping.
	SpinIterations int

	Logger *logger.Logger
}

// DefaultOptions returns options for topic and role with default values.
func DefaultOptions(topic string, role Role, id int) Options {
	return Options{
		Dir:            shm.DefaultDir,
		Topic:          topic,
		Role:           role,
		ID:             id,
		SlotCount:      DefaultSlotCount,
		SlotCapacity:   DefaultSlotCapacity,
		MaxConsumers:   DefaultMaxConsumers,
		OverlapPolicy:  ring.OverlapOverwrite,
		OverlapTimeout: DefaultOverlapTimeout,
		StaleAfter:     DefaultStaleAfter,
		ReapInterval:   DefaultReapInterval,
		SpinIterations: DefaultSpinIterations,
	}
}

func (o Options) geometry() shm.Geometry {
	return shm.Geometry{
		SlotCount:    o.SlotCount,
		SlotCapacity: o.SlotCapacity,
		MaxConsumers: o.MaxConsumers,
	}
}

func (o Options) validate() error {
	if err := shm.ValidateTopic(o.Topic); err != nil {
		return err
	}
	switch o.Role {
	case RoleProducer:
		if err := o.geometry().Validate(); err != nil {
			return err
		}
	case RoleConsumer:
		if o.ID < 0 {
			return fmt.Errorf("consumer id %d: %w", o.ID, brokererr.ErrConsumerIDOutOfRange)
		}
	case RoleObserver:
	default:
		return fmt.Errorf("role %d: %w", o.Role, brokererr.ErrWrongRole)
	}
	if o.OverlapTimeout < 0 || o.StaleAfter < 0 || o.ReapInterval < 0 {
		return errors.New("durations in options must not be negative")
	}
	return nil
}
