package config

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"framebroker/internal/broker"
	"framebroker/internal/ring"
)

var dotenvLoaded sync.Once

type Config struct {
	Topic          string        `env:"BROKER_TOPIC" envDefault:"video_stream"`
	ShmDirectory   string        `env:"BROKER_SHM_DIR" envDefault:"/dev/shm"`
	SlotCount      int           `env:"BROKER_SLOT_COUNT" envDefault:"30"`
	SlotCapacity   int           `env:"BROKER_SLOT_CAPACITY" envDefault:"6220800"` // 1920x1080x3
	MaxConsumers   int           `env:"BROKER_MAX_CONSUMERS" envDefault:"16"`
	ProducerID     int           `env:"BROKER_PRODUCER_ID" envDefault:"0"`
	ConsumerID     int           `env:"BROKER_CONSUMER_ID" envDefault:"0"`
	OverlapPolicy  string        `env:"BROKER_OVERLAP_POLICY" envDefault:"overwrite"`
	OverlapTimeout time.Duration `env:"BROKER_OVERLAP_TIMEOUT" envDefault:"5ms"`
	StaleAfter     time.Duration `env:"BROKER_STALE_AFTER" envDefault:"10s"`
	ReapInterval   time.Duration `env:"BROKER_REAP_INTERVAL" envDefault:"1s"`

	Port         int    `env:"PORT" envDefault:"8080"`
	Password     string `env:"PASSWORD"`
	LogDirectory string `env:"LOG_DIR"`

	ImageDirectory           string        `env:"SNAPSHOT_DIR" envDefault:"./snapshots"`
	SnapshotEvery            int           `env:"SNAPSHOT_EVERY" envDefault:"30"` // check every Nth frame for motion
	ImageBufferLimit         int           `env:"SNAPSHOT_BUFFER_LIMIT" envDefault:"10"`
	ImageBufferFlushInterval time.Duration `env:"SNAPSHOT_FLUSH_INTERVAL" envDefault:"30s"`
	DatabasePath             string        `env:"DB_PATH" envDefault:"./data/snapshots.db"`
	JPEGQuality              int           `env:"JPEG_QUALITY" envDefault:"80"`
	MotionThreshold          int           `env:"MOTION_THRESHOLD" envDefault:"500"`

	CaptureSource string `env:"CAPTURE_SOURCE" envDefault:"synthetic"`
	CaptureWidth  int    `env:"CAPTURE_WIDTH" envDefault:"640"`
	CaptureHeight int    `env:"CAPTURE_HEIGHT" envDefault:"480"`
	CaptureFPS    int    `env:"CAPTURE_FPS" envDefault:"30"`
}

// Load reads an optional .env file, then the environment.
func Load() (*Config, error) {
	dotenvLoaded.Do(func() {
		// A missing .env file is fine.
		_ = godotenv.Load()
	})

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values the broker and the services cannot work with.
func (c *Config) Validate() error {
	var errs []error
	if _, ok := ring.ParseOverlapPolicy(c.OverlapPolicy); !ok {
		errs = append(errs, fmt.Errorf("BROKER_OVERLAP_POLICY must be overwrite or wait, got %q", c.OverlapPolicy))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT %d out of range", c.Port))
	}
	if c.SnapshotEvery <= 0 {
		errs = append(errs, fmt.Errorf("SNAPSHOT_EVERY must be positive, got %d", c.SnapshotEvery))
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		errs = append(errs, fmt.Errorf("JPEG_QUALITY must be in [1, 100], got %d", c.JPEGQuality))
	}
	if c.CaptureWidth <= 0 || c.CaptureHeight <= 0 || c.CaptureFPS <= 0 {
		errs = append(errs, fmt.Errorf("capture size %dx%d at %d fps is invalid", c.CaptureWidth, c.CaptureHeight, c.CaptureFPS))
	}
	return errors.Join(errs...)
}

// BrokerOptions maps the configuration onto broker options for role. The
// producer id or consumer id is taken from the matching key. Consumers and
// observers accept whatever geometry the producer created.
func (c *Config) BrokerOptions(role broker.Role) broker.Options {
	id := c.ConsumerID
	if role == broker.RoleProducer {
		id = c.ProducerID
	}
	opts := broker.DefaultOptions(c.Topic, role, id)
	opts.Dir = c.ShmDirectory
	opts.OverlapPolicy, _ = ring.ParseOverlapPolicy(c.OverlapPolicy)
	opts.OverlapTimeout = c.OverlapTimeout
	opts.StaleAfter = c.StaleAfter
	opts.ReapInterval = c.ReapInterval

	if role == broker.RoleProducer {
		opts.SlotCount = c.SlotCount
		opts.SlotCapacity = c.SlotCapacity
		opts.MaxConsumers = c.MaxConsumers
	} else {
		opts.SlotCount, opts.SlotCapacity, opts.MaxConsumers = 0, 0, 0
	}
	return opts
}
