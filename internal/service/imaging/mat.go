// Package imaging turns raw broker frames into JPEG images and motion scores.
package imaging

import (
	"fmt"

	"gocv.io/x/gocv"

	"framebroker/internal/dto"
)

func matType(channels int) (gocv.MatType, error) {
	switch channels {
	case 1:
		return gocv.MatTypeCV8UC1, nil
	case 3:
		return gocv.MatTypeCV8UC3, nil
	case 4:
		return gocv.MatTypeCV8UC4, nil
	}
	return 0, fmt.Errorf("unsupported channel count %d", channels)
}

// toMat wraps frame pixels in a Mat. Padded rows are compacted into a
// private buffer first.
func toMat(frame dto.RawFrame) (gocv.Mat, error) {
	mt, err := matType(frame.Channels)
	if err != nil {
		return gocv.Mat{}, err
	}
	if frame.Width <= 0 || frame.Height <= 0 {
		return gocv.Mat{}, fmt.Errorf("invalid frame size %dx%d", frame.Width, frame.Height)
	}

	row := frame.RowBytes()
	pixels := frame.Pixels
	if !frame.Contiguous() {
		packed := make([]byte, row*frame.Height)
		for y := 0; y < frame.Height; y++ {
			copy(packed[y*row:(y+1)*row], frame.Pixels[y*frame.Stride:])
		}
		pixels = packed
	}
	if len(pixels) < row*frame.Height {
		return gocv.Mat{}, fmt.Errorf("frame has %d bytes, need %d", len(pixels), row*frame.Height)
	}

	return gocv.NewMatFromBytes(frame.Height, frame.Width, mt, pixels[:row*frame.Height])
}

// toGray converts mat to a new single channel Mat.
func toGray(mat gocv.Mat, channels int) (gocv.Mat, error) {
	if channels == 1 {
		return mat.Clone(), nil
	}
	gray := gocv.NewMat()
	var err error
	switch channels {
	case 4:
		err = gocv.CvtColor(mat, &gray, gocv.ColorBGRAToGray)
	default:
		err = gocv.CvtColor(mat, &gray, gocv.ColorBGRToGray)
	}
	if err != nil {
		gray.Close()
		return gocv.Mat{}, fmt.Errorf("failed to convert image to grayscale: %w", err)
	}
	return gray, nil
}
