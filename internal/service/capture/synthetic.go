package capture

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"time"

	"gocv.io/x/gocv"

	"framebroker/internal/dto"
)

// Synthetic renders a moving circle and a caption, so the pipeline can be
// exercised without a camera.
type Synthetic struct {
	mat   gocv.Mat
	frame int
}

// NewSynthetic returns a BGR source of the given size.
func NewSynthetic(width, height int) *Synthetic {
	return &Synthetic{mat: gocv.NewMatWithSize(height, width, gocv.MatTypeCV8UC3)}
}

// Read draws the next frame.
func (s *Synthetic) Read() (dto.RawFrame, error) {
	s.frame++
	w, h := s.mat.Cols(), s.mat.Rows()

	background := color.RGBA{R: 24, G: 24, B: 32}
	if err := gocv.Rectangle(&s.mat, image.Rect(0, 0, w, h), background, -1); err != nil {
		return dto.RawFrame{}, fmt.Errorf("failed to draw background: %w", err)
	}

	angle := float64(s.frame) / 30
	center := image.Pt(w/2+int(float64(w/3)*math.Cos(angle)), h/2+int(float64(h/3)*math.Sin(angle)))
	if err := gocv.Circle(&s.mat, center, h/10+1, color.RGBA{R: 255, G: 180, B: 0}, -1); err != nil {
		return dto.RawFrame{}, fmt.Errorf("failed to draw circle: %w", err)
	}

	caption := fmt.Sprintf("#%d %s", s.frame, time.Now().Format("15:04:05.000"))
	if err := gocv.PutText(&s.mat, caption, image.Pt(10, 30), gocv.FontHersheySimplex, 0.8, color.RGBA{R: 255, G: 255, B: 255}, 2); err != nil {
		return dto.RawFrame{}, fmt.Errorf("failed to draw text: %w", err)
	}

	return rawFrame(s.mat)
}

// Close releases the frame buffer.
func (s *Synthetic) Close() error {
	return s.mat.Close()
}

// rawFrame exposes mat's pixels without copying.
func rawFrame(mat gocv.Mat) (dto.RawFrame, error) {
	pixels, err := mat.DataPtrUint8()
	if err != nil {
		return dto.RawFrame{}, err
	}
	channels := mat.Channels()
	return dto.RawFrame{
		Pixels:   pixels,
		Width:    mat.Cols(),
		Height:   mat.Rows(),
		Channels: channels,
		Stride:   mat.Cols() * channels,
	}, nil
}
