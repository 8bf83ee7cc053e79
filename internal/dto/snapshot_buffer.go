package dto

import "time"

// BufferedSnapshot holds an encoded frame and its origin before flushing to disk.
type BufferedSnapshot struct {
	Timestamp   time.Time
	Topic       string
	ProducerID  int
	FrameID     uint64
	Width       int
	Height      int
	MotionScore int
	Data        []byte
}
