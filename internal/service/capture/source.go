// Package capture produces raw frames for the demo producer.
package capture

import (
	"fmt"
	"strconv"

	"framebroker/internal/config"
	"framebroker/internal/dto"
	"framebroker/internal/logger"
)

// Source yields frames. The returned pixels stay valid until the next Read
// or Close.
type Source interface {
	Read() (dto.RawFrame, error)
	Close() error
}

// Open returns the source named by CAPTURE_SOURCE: "synthetic", a device
// index or a file/stream URL.
func Open(cfg *config.Config, logger *logger.Logger) (Source, error) {
	if cfg.CaptureSource == "" || cfg.CaptureSource == "synthetic" {
		logger.Info("Using synthetic source %dx%d", cfg.CaptureWidth, cfg.CaptureHeight)
		return NewSynthetic(cfg.CaptureWidth, cfg.CaptureHeight), nil
	}

	var device any = cfg.CaptureSource
	if index, err := strconv.Atoi(cfg.CaptureSource); err == nil {
		device = index
	}
	src, err := NewDevice(device, cfg.CaptureWidth, cfg.CaptureHeight, cfg.CaptureFPS)
	if err != nil {
		return nil, fmt.Errorf("open capture %q: %w", cfg.CaptureSource, err)
	}
	logger.Info("Opened capture %s", cfg.CaptureSource)
	return src, nil
}
