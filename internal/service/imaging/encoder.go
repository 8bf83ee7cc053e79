package imaging

import (
	"fmt"

	"gocv.io/x/gocv"

	"framebroker/internal/dto"
)

// JPEGEncoder compresses raw frames to JPEG.
type JPEGEncoder struct {
	quality int
}

// NewJPEGEncoder returns an encoder with quality in [1, 100].
func NewJPEGEncoder(quality int) *JPEGEncoder {
	return &JPEGEncoder{quality: quality}
}

// Encode reads frame.Pixels once and returns an independent JPEG buffer.
func (e *JPEGEncoder) Encode(frame dto.RawFrame) ([]byte, error) {
	mat, err := toMat(frame)
	if err != nil {
		return nil, err
	}
	defer mat.Close()

	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, mat, []int{gocv.IMWriteJpegQuality, e.quality})
	if err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}
	defer buf.Close()

	encoded := make([]byte, buf.Len())
	copy(encoded, buf.GetBytes())
	return encoded, nil
}
