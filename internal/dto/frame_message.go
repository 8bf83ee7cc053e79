package dto

// FrameMessage is the payload broadcast to live viewers for every frame.
type FrameMessage struct {
	Topic      string `json:"topic"`
	ProducerID int    `json:"producer_id"`
	FrameID    uint64 `json:"frame_id"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	Image      []byte `json:"image"` // JPEG, base64 in JSON
}
