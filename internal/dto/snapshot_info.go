package dto

import (
	"encoding/json"
	"time"
)

// SnapshotInfo is the public view of a stored snapshot.
type SnapshotInfo struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Date        time.Time `json:"date"`
	TimeOfDay   time.Time `json:"timeOfDay"`
	Topic       string    `json:"topic"`
	ProducerID  int       `json:"producerId"`
	FrameID     uint64    `json:"frameId"`
	MotionScore int       `json:"motionScore"`
}

// MarshalJSON customizes JSON output for SnapshotInfo to format date and time-of-day.
func (s SnapshotInfo) MarshalJSON() ([]byte, error) {
	type Alias SnapshotInfo
	return json.Marshal(&struct {
		Alias
		Date      string `json:"date"`
		TimeOfDay string `json:"timeOfDay"`
	}{
		Alias:     (Alias)(s),
		Date:      s.Date.Format("02-01-2006"),
		TimeOfDay: s.TimeOfDay.Format("15:04:05"),
	})
}
