package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"framebroker/internal/broker"
	"framebroker/internal/config"
	"framebroker/internal/dto"
	"framebroker/internal/logger"
	"framebroker/internal/service/capture"
)

const (
	logEvery       = 30
	dropNoticeRate = 5 * time.Second
)

type frameReader interface {
	Read() (dto.RawFrame, error)
}

type framePublisher interface {
	PublishFrame(f broker.Frame) (broker.PublishStatus, error)
}

// Producer is the demo producer process: it captures frames and publishes
// them on the topic at the configured rate.
type Producer struct {
	config  *config.Config
	logger  *logger.Logger
	limiter *rate.Limiter
	notice  rate.Sometimes

	published uint64
	dropped   uint64
}

// NewProducer creates a producer that publishes CAPTURE_FPS frames per second.
func NewProducer(cfg *config.Config) (*Producer, error) {
	log, err := logger.NewLogger(cfg.LogDirectory)
	if err != nil {
		return nil, fmt.Errorf("open logs: %w", err)
	}
	return newProducer(cfg, log), nil
}

func newProducer(cfg *config.Config, log *logger.Logger) *Producer {
	return &Producer{
		config:  cfg,
		logger:  log,
		limiter: rate.NewLimiter(rate.Limit(cfg.CaptureFPS), 1),
		notice:  rate.Sometimes{Interval: dropNoticeRate},
	}
}

// Run attaches as producer and publishes until ctx is done or the source
// ends. The topic is detached, not removed, so consumers survive a restart.
func (p *Producer) Run(ctx context.Context) error {
	defer p.logger.Close()

	source, err := capture.Open(p.config, p.logger)
	if err != nil {
		return err
	}
	defer source.Close()

	opts := p.config.BrokerOptions(broker.RoleProducer)
	opts.Logger = p.logger
	b, err := broker.Attach(opts)
	if err != nil {
		return fmt.Errorf("attach producer %d: %w", opts.ID, err)
	}
	defer b.Detach()

	p.logger.Info("Publishing %s at %d fps", p.config.Topic, p.config.CaptureFPS)
	return p.pump(ctx, source, b)
}

func (p *Producer) pump(ctx context.Context, source frameReader, pub framePublisher) error {
	for {
		if err := p.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		frame, err := source.Read()
		if errors.Is(err, capture.ErrEndOfStream) {
			p.logger.Info("Source ended after %d frames", p.published)
			return nil
		}
		if err != nil {
			return fmt.Errorf("read frame: %w", err)
		}

		status, err := pub.PublishFrame(broker.Frame{
			Pixels:   frame.Pixels,
			Width:    frame.Width,
			Height:   frame.Height,
			Channels: frame.Channels,
			Stride:   frame.Stride,
			Format:   formatFor(frame.Channels),
		})
		if err != nil {
			return fmt.Errorf("publish frame: %w", err)
		}

		if status == broker.StatusDropped {
			p.dropped++
			p.notice.Do(func() {
				p.logger.Warning("Frame %dx%dx%d does not fit a slot; %d dropped so far",
					frame.Width, frame.Height, frame.Channels, p.dropped)
			})
			continue
		}

		p.published++
		if p.published%logEvery == 0 {
			p.logger.Info("Published %d frames (%d dropped)", p.published, p.dropped)
		}
	}
}

func formatFor(channels int) string {
	switch channels {
	case 1:
		return "GRAY8"
	case 4:
		return "BGRA8"
	}
	return "BGR8"
}
