package signal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Control channel commands.
const (
	CommandPlay              = "play"
	CommandTakeCandidate     = "takeCandidate"
	CommandTakeConfiguration = "takeConfiguration"
	CommandPing              = "ping"
	CommandPong              = "pong"
	CommandStart             = "start"
	CommandNotification      = "notification"
	CommandError             = "error"
)

// Message is the JSON envelope exchanged on the control channel.
type Message struct {
	Command    string          `json:"command"`
	StreamID   string          `json:"streamId,omitempty"`
	Token      string          `json:"token,omitempty"`
	Type       string          `json:"type,omitempty"`
	SDP        string          `json:"sdp,omitempty"`
	Candidate  string          `json:"candidate,omitempty"`
	Label      *Index          `json:"label,omitempty"`
	ID         json.RawMessage `json:"id,omitempty"`
	Definition string          `json:"definition,omitempty"`
}

// Index is an m-line index that servers send either as a number or as a
// numeric string.
type Index int

// UnmarshalJSON accepts 0 and "0" alike.
func (i *Index) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*i = 0
			return nil
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("index %q: %w", s, err)
		}
		*i = Index(n)
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*i = Index(n)
	return nil
}

// LabelOr returns the label, or fallback when absent.
func (m Message) LabelOr(fallback int) int {
	if m.Label == nil {
		return fallback
	}
	return int(*m.Label)
}

// Play asks the server to start playing streamID. The token is omitted when empty.
func Play(streamID, token string) Message {
	return Message{Command: CommandPlay, StreamID: streamID, Token: token}
}

// TakeCandidate carries one locally gathered candidate.
func TakeCandidate(streamID, candidate string, mlineIndex int) Message {
	label := Index(mlineIndex)
	return Message{
		Command:   CommandTakeCandidate,
		StreamID:  streamID,
		Candidate: candidate,
		Label:     &label,
		ID:        json.RawMessage(strconv.Itoa(mlineIndex)),
	}
}

// Answer carries the local answer SDP.
func Answer(streamID, sdp string) Message {
	return Message{Command: CommandTakeConfiguration, StreamID: streamID, Type: "answer", SDP: sdp}
}

// Ping is the keepalive message.
func Ping() Message {
	return Message{Command: CommandPing}
}

// Encode marshals m for the wire.
func Encode(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", m.Command, err)
	}
	return data, nil
}

// Decode parses one inbound message. A payload without a command is malformed.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("unmarshal message: %w", err)
	}
	if m.Command == "" {
		return Message{}, fmt.Errorf("message without command")
	}
	return m, nil
}
