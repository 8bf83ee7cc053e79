package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"framebroker/internal/broker"
	"framebroker/internal/config"
	"framebroker/internal/dto"
	brokererr "framebroker/internal/errors"
	"framebroker/internal/logger"
	"framebroker/internal/metric"
)

// FrameSource is a consumer handle.
type FrameSource interface {
	WaitNext(ctx context.Context) (*broker.FrameView, error)
	Release(v *broker.FrameView) error
}

// Encoder compresses a raw frame into an independent buffer.
type Encoder interface {
	Encode(frame dto.RawFrame) ([]byte, error)
}

// MotionDetector scores a frame against the previous sample of source.
type MotionDetector interface {
	DetectMotion(frame dto.RawFrame, source string) (int, bool, error)
}

// Broadcaster delivers encoded frames to live viewers.
type Broadcaster interface {
	Broadcast(message []byte)
	HasClients() bool
}

// SnapshotSink stores frames with motion.
type SnapshotSink interface {
	AddSnapshot(snapshot dto.BufferedSnapshot) bool
}

// Manager drives one consumer handle: every frame goes to the live viewers,
// every SnapshotEvery-th frame is checked for motion and buffered as a
// snapshot when something moved.
type Manager struct {
	source  FrameSource
	encoder Encoder
	motion  MotionDetector
	viewers Broadcaster
	sink    SnapshotSink
	metrics *metric.Metrics
	logger  *logger.Logger

	topic         string
	snapshotEvery int
	frameCount    int
}

// NewManager wires the consumer pipeline. metrics may be nil.
func NewManager(source FrameSource, encoder Encoder, motion MotionDetector, viewers Broadcaster, sink SnapshotSink,
	cfg *config.Config, metrics *metric.Metrics, logger *logger.Logger) *Manager {
	return &Manager{
		source:        source,
		encoder:       encoder,
		motion:        motion,
		viewers:       viewers,
		sink:          sink,
		metrics:       metrics,
		logger:        logger,
		topic:         cfg.Topic,
		snapshotEvery: cfg.SnapshotEvery,
	}
}

// Run consumes frames until ctx is done or the handle fails for good, for
// example after the consumer was kicked.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info("Manager started on topic %s - checking motion every %d frame(s)", m.topic, m.snapshotEvery)
	defer m.logger.Info("Manager stopped")

	for {
		view, err := m.source.WaitNext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("wait for frame: %w", err)
		}

		m.handleFrame(view)

		if err := m.source.Release(view); err != nil {
			if brokererr.IsFatal(err) {
				return fmt.Errorf("release frame: %w", err)
			}
			m.logger.Warning("Release frame %d: %v", view.FrameID, err)
		}
	}
}

// handleFrame reads the shared pixels while the view is held. Results are
// only used if the producer did not overwrite the slot meanwhile.
func (m *Manager) handleFrame(view *broker.FrameView) {
	m.count(func(mt *metric.Metrics) { mt.FramesReceived.Inc() })

	m.frameCount++
	snapshotDue := m.snapshotEvery > 0 && m.frameCount%m.snapshotEvery == 0
	live := m.viewers.HasClients()
	if !live && !snapshotDue {
		return
	}

	raw := dto.RawFrame{
		Pixels:   view.Pixels,
		Width:    view.Width,
		Height:   view.Height,
		Channels: view.Channels,
		Stride:   view.Stride,
	}

	score, moved := 0, false
	if snapshotDue {
		var err error
		score, moved, err = m.motion.DetectMotion(raw, fmt.Sprintf("%s/%d", m.topic, view.ProducerID))
		if err != nil {
			m.logger.Error("Error detecting motion: %v", err)
		}
	}

	if !live && !moved {
		return
	}

	start := time.Now()
	image, err := m.encoder.Encode(raw)
	if err != nil {
		m.logger.Error("Error encoding frame %d: %v", view.FrameID, err)
		return
	}
	m.count(func(mt *metric.Metrics) { mt.EncodeDuration.Observe(time.Since(start).Seconds()) })

	if !view.Intact() {
		m.count(func(mt *metric.Metrics) { mt.FramesStale.Inc() })
		return
	}
	m.count(func(mt *metric.Metrics) { mt.FramesEncoded.Inc() })

	if live {
		m.SendToViewers(view, image)
	}

	if moved {
		m.count(func(mt *metric.Metrics) { mt.MotionDetected.Inc() })
		added := m.sink.AddSnapshot(dto.BufferedSnapshot{
			Timestamp:   view.Timestamp,
			Topic:       m.topic,
			ProducerID:  view.ProducerID,
			FrameID:     view.FrameID,
			Width:       view.Width,
			Height:      view.Height,
			MotionScore: score,
			Data:        image,
		})
		if added {
			m.logger.Info("Motion on %s producer %d frame %d: %d pixels changed", m.topic, view.ProducerID, view.FrameID, score)
		}
	}
}

// SendToViewers broadcasts an encoded frame as JSON.
func (m *Manager) SendToViewers(view *broker.FrameView, image []byte) {
	msg, err := json.Marshal(dto.FrameMessage{
		Topic:      m.topic,
		ProducerID: view.ProducerID,
		FrameID:    view.FrameID,
		Width:      view.Width,
		Height:     view.Height,
		Image:      image,
	})
	if err != nil {
		m.logger.Error("Error encoding frame message: %v", err)
		return
	}
	m.viewers.Broadcast(msg)
}

func (m *Manager) count(f func(*metric.Metrics)) {
	if m.metrics != nil {
		f(m.metrics)
	}
}

// IsStopped reports whether err returned by Run means the consumer can no
// longer be used and must re-attach.
func IsStopped(err error) bool {
	return errors.Is(err, brokererr.ErrConsumerKicked) || errors.Is(err, brokererr.ErrDetached)
}
