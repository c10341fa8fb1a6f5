package domain

import "time"

// Placeholder dimensions of the blank frame handed out while a stream is stalled.
const (
	PlaceholderWidth    = 64
	PlaceholderHeight   = 64
	PlaceholderChannels = 3
)

// Frame is one unit of video handed to the consumer. Payload is opaque to
// this module: encoded access units by default, pixels when a Decoder
// produces them.
type Frame struct {
	Payload   []byte
	Codec     string
	Keyframe  bool
	Width     int
	Height    int
	Timestamp time.Time
}

// Clone returns a deep copy whose payload can be mutated freely.
func (f *Frame) Clone() *Frame {
	if f == nil {
		return nil
	}
	c := *f
	if f.Payload != nil {
		c.Payload = make([]byte, len(f.Payload))
		copy(c.Payload, f.Payload)
	}
	return &c
}

// Placeholder returns a fresh blank 64x64 BGR image.
func Placeholder() *Frame {
	return &Frame{
		Payload:   make([]byte, PlaceholderWidth*PlaceholderHeight*PlaceholderChannels),
		Codec:     "bgr24",
		Width:     PlaceholderWidth,
		Height:    PlaceholderHeight,
		Timestamp: time.Now(),
	}
}
