package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"framebroker/internal/config"
	"framebroker/internal/dto"
	"framebroker/internal/logger"
	"framebroker/internal/metric"
	"framebroker/internal/model"
	"framebroker/internal/repository"
)

const timestampLayout = "2006-01-02_15-04-05.000"

// BufferService buffers snapshots in memory and periodically flushes them to disk.
type BufferService struct {
	snapshotsDir  string
	limit         int
	flushInterval time.Duration

	snapshots   []dto.BufferedSnapshot
	bufferCount map[string]int
	mu          sync.Mutex

	logger  *logger.Logger
	repo    repository.SnapshotRepository
	metrics *metric.Metrics
}

// NewBufferService creates a new BufferService. repo and metrics may be nil.
func NewBufferService(cfg *config.Config, logger *logger.Logger, repo repository.SnapshotRepository, metrics *metric.Metrics) *BufferService {
	return &BufferService{
		snapshotsDir:  cfg.ImageDirectory,
		limit:         cfg.ImageBufferLimit,
		flushInterval: cfg.ImageBufferFlushInterval,
		snapshots:     make([]dto.BufferedSnapshot, 0),
		bufferCount:   make(map[string]int),
		logger:        logger,
		repo:          repo,
		metrics:       metrics,
	}
}

// Run flushes buffered snapshots on a ticker until ctx is done, then flushes
// once more.
func (s *BufferService) Run(ctx context.Context) {
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.FlushSnapshots()
			return
		case <-ticker.C:
			s.FlushSnapshots()
		}
	}
}

// AddSnapshot appends a snapshot to the buffer. Snapshots beyond the
// per-producer limit are discarded until the next flush.
func (s *BufferService) AddSnapshot(snapshot dto.BufferedSnapshot) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := producerKey(snapshot.Topic, snapshot.ProducerID)
	if s.bufferCount[key] >= s.limit {
		return false
	}

	s.snapshots = append(s.snapshots, snapshot)
	s.bufferCount[key]++
	s.logger.Info("Buffer size for %s: %d/%d", key, s.bufferCount[key], s.limit)
	return true
}

// Pending returns the number of buffered snapshots.
func (s *BufferService) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snapshots)
}

// FlushSnapshots writes buffered snapshots to disk, indexes them and resets
// the buffer and the per-producer counters. It returns the number saved.
func (s *BufferService) FlushSnapshots() int {
	s.mu.Lock()
	pending := s.snapshots
	s.snapshots = make([]dto.BufferedSnapshot, 0)
	s.bufferCount = make(map[string]int)
	s.mu.Unlock()

	if len(pending) == 0 {
		return 0
	}

	if err := os.MkdirAll(s.snapshotsDir, 0755); err != nil {
		s.logger.Error("Error creating directory: %v", err)
		s.countErrors(len(pending))
		return 0
	}

	savedCount := 0
	for _, snapshot := range pending {
		filename := Filename(snapshot)
		fullpath := filepath.Join(s.snapshotsDir, filename)

		if err := os.WriteFile(fullpath, snapshot.Data, 0644); err != nil {
			s.logger.Error("Error saving snapshot %s: %v", filename, err)
			s.countErrors(1)
			continue
		}

		if s.repo != nil {
			_, err := s.repo.Insert(&model.Snapshot{
				Filename:    filename,
				Topic:       snapshot.Topic,
				ProducerID:  snapshot.ProducerID,
				FrameID:     snapshot.FrameID,
				Width:       snapshot.Width,
				Height:      snapshot.Height,
				MotionScore: snapshot.MotionScore,
				Timestamp:   snapshot.Timestamp,
				FilePath:    fullpath,
				FileSize:    int64(len(snapshot.Data)),
			})
			if err != nil {
				s.logger.Error("Error saving snapshot to database %s: %v", filename, err)
				s.countErrors(1)
				continue
			}
		}

		savedCount++
		if s.metrics != nil {
			s.metrics.SnapshotsSaved.Inc()
		}
	}

	s.logger.Info("Flushed %d snapshots to disk", savedCount)
	return savedCount
}

func (s *BufferService) countErrors(n int) {
	if s.metrics != nil {
		s.metrics.SnapshotErrors.Add(float64(n))
	}
}

// Filename names a snapshot file after its capture time, topic, producer and frame.
func Filename(snapshot dto.BufferedSnapshot) string {
	return fmt.Sprintf("%s_%s_p%d_f%d.jpg",
		snapshot.Timestamp.Format(timestampLayout), snapshot.Topic, snapshot.ProducerID, snapshot.FrameID)
}

// ParseFilename recovers the origin of a snapshot from a name made by Filename.
func ParseFilename(name string) (dto.BufferedSnapshot, error) {
	var snapshot dto.BufferedSnapshot

	base, ok := strings.CutSuffix(name, ".jpg")
	if !ok || len(base) <= len(timestampLayout)+1 {
		return snapshot, fmt.Errorf("unexpected snapshot name %q", name)
	}
	ts, err := time.ParseInLocation(timestampLayout, base[:len(timestampLayout)], time.Local)
	if err != nil {
		return snapshot, fmt.Errorf("invalid timestamp in %q: %w", name, err)
	}

	rest := base[len(timestampLayout)+1:]
	i := strings.LastIndex(rest, "_f")
	if i < 0 {
		return snapshot, fmt.Errorf("missing frame id in %q", name)
	}
	frameID, err := strconv.ParseUint(rest[i+2:], 10, 64)
	if err != nil {
		return snapshot, fmt.Errorf("invalid frame id in %q: %w", name, err)
	}
	rest = rest[:i]

	j := strings.LastIndex(rest, "_p")
	if j <= 0 {
		return snapshot, fmt.Errorf("missing producer id in %q", name)
	}
	producerID, err := strconv.Atoi(rest[j+2:])
	if err != nil {
		return snapshot, fmt.Errorf("invalid producer id in %q: %w", name, err)
	}

	snapshot.Timestamp = ts
	snapshot.Topic = rest[:j]
	snapshot.ProducerID = producerID
	snapshot.FrameID = frameID
	return snapshot, nil
}

func producerKey(topic string, producerID int) string {
	return fmt.Sprintf("%s/%d", topic, producerID)
}
