package capture

import (
	"errors"
	"fmt"

	"gocv.io/x/gocv"

	"framebroker/internal/dto"
)

// ErrEndOfStream is returned when a file or stream has no more frames.
var ErrEndOfStream = errors.New("end of stream")

// Device reads frames from a camera, file or stream URL.
type Device struct {
	capture *gocv.VideoCapture
	mat     gocv.Mat
}

// NewDevice opens device, an int index or a string path/URL, and requests
// the given size and rate. The device may ignore the request.
func NewDevice(device any, width, height, fps int) (*Device, error) {
	vc, err := gocv.OpenVideoCapture(device)
	if err != nil {
		return nil, err
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("capture %v not opened", device)
	}
	vc.Set(gocv.VideoCaptureFrameWidth, float64(width))
	vc.Set(gocv.VideoCaptureFrameHeight, float64(height))
	vc.Set(gocv.VideoCaptureFPS, float64(fps))

	return &Device{capture: vc, mat: gocv.NewMat()}, nil
}

// Read grabs the next frame.
func (d *Device) Read() (dto.RawFrame, error) {
	if ok := d.capture.Read(&d.mat); !ok {
		return dto.RawFrame{}, ErrEndOfStream
	}
	if d.mat.Empty() {
		return dto.RawFrame{}, errors.New("captured frame is empty")
	}
	if !d.mat.IsContinuous() {
		cont := d.mat.Clone()
		d.mat.Close()
		d.mat = cont
	}
	return rawFrame(d.mat)
}

// Close releases the device.
func (d *Device) Close() error {
	return errors.Join(d.mat.Close(), d.capture.Close())
}
