package model

import "time"

// Snapshot represents a saved frame record.
type Snapshot struct {
	ID          int64     `json:"id"`
	Filename    string    `json:"filename"`
	Topic       string    `json:"topic"`
	ProducerID  int       `json:"producerId"`
	FrameID     uint64    `json:"frameId"`
	Width       int       `json:"width"`
	Height      int       `json:"height"`
	MotionScore int       `json:"motionScore"`
	Timestamp   time.Time `json:"timestamp"`
	FilePath    string    `json:"filepath"`
	FileSize    int64     `json:"filesize"`
}
