package domain

import (
	"fmt"
	"strings"
)

// AppName is the Ant Media application that serves WebRTC playback.
const AppName = "WebRTCAppEE"

// StreamIdentity names one logical stream and the signaling endpoint serving it.
type StreamIdentity struct {
	StreamID string
	Endpoint string
}

// NewStreamIdentity derives the websocket endpoint from serverURL. Only the
// host (and port) of serverURL is kept; scheme and path are replaced by
// wss://<host>/WebRTCAppEE/websocket.
func NewStreamIdentity(serverURL, streamID string) StreamIdentity {
	return StreamIdentity{
		StreamID: streamID,
		Endpoint: WebsocketEndpoint(serverURL),
	}
}

// WebsocketEndpoint builds the signaling URL for the host in serverURL.
func WebsocketEndpoint(serverURL string) string {
	host := serverURL
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	if i := strings.Index(host, "/"); i >= 0 {
		host = host[:i]
	}
	return fmt.Sprintf("wss://%s/%s/websocket", host, AppName)
}

// State is the lifecycle of one stream connection attempt.
type State int32

const (
	StateIdle State = iota
	StateControlChannelConnecting
	StateNegotiating
	StateMediaFlowing
	StateClosing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateControlChannelConnecting:
		return "control-channel-connecting"
	case StateNegotiating:
		return "negotiating"
	case StateMediaFlowing:
		return "media-flowing"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}
