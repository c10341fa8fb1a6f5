package domain

import "context"

// TokenSource hands out per-stream play tokens.
type TokenSource interface {
	PlayToken(ctx context.Context, streamID string) (string, error)
}

// Channel is an open control channel carrying JSON text messages.
type Channel interface {
	Send(data []byte) error
	// Receive blocks until a message arrives or the channel is closed.
	Receive() ([]byte, error)
	Close() error
}

// Dialer opens a control channel to endpoint.
type Dialer func(ctx context.Context, endpoint string) (Channel, error)

// Peer is the media transport negotiated over the control channel.
type Peer interface {
	SetOnICECandidate(send func(c Candidate))
	SetOnTrack(onActive func(codec string), onFrame func(f *Frame))
	SetOnClosed(fn func(reason string))
	// Answer applies the remote offer and returns the local answer SDP.
	Answer(offerSDP string) (string, error)
	AddRemoteICECandidate(c Candidate) error
	Close() error
}

// PeerFactory builds a fresh peer for one connection attempt.
type PeerFactory func() (Peer, error)

// Decoder turns an assembled access unit into the frame handed to consumers.
type Decoder interface {
	Decode(f *Frame) (*Frame, error)
}

// Capture is the consumer view of a frame source.
type Capture interface {
	Pull() (bool, *Frame)
	Release()
}
