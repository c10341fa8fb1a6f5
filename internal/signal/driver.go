package signal

import (
	"log/slog"

	"amscam/native/internal/domain"
)

// Event is something the scheduler observed.
type Event interface{ isEvent() }

type (
	// ChannelOpened: the control channel is connected.
	ChannelOpened struct{ Token string }
	// ConnectFailed: the control channel or peer could not be set up.
	ConnectFailed struct{ Err error }
	// Inbound carries one raw control channel message.
	Inbound struct{ Data []byte }
	// AnswerReady: the peer produced a local answer.
	AnswerReady struct{ SDP string }
	// AnswerFailed: the peer rejected the offer.
	AnswerFailed struct{ Err error }
	// LocalCandidate: the peer gathered a candidate.
	LocalCandidate struct{ Candidate domain.Candidate }
	// TrackActive: the video track is delivering media.
	TrackActive struct{ Codec string }
	// KeepaliveDue: the ping interval elapsed.
	KeepaliveDue struct{}
	// ChannelLost: the control channel closed or failed to send.
	ChannelLost struct{ Err error }
	// MediaLost: the media transport closed.
	MediaLost struct{ Reason string }
	// StopRequested: the owner released the stream.
	StopRequested struct{}
	// TornDown: resources are released.
	TornDown struct{}
)

func (ChannelOpened) isEvent()  {}
func (ConnectFailed) isEvent()  {}
func (Inbound) isEvent()        {}
func (AnswerReady) isEvent()    {}
func (AnswerFailed) isEvent()   {}
func (LocalCandidate) isEvent() {}
func (TrackActive) isEvent()    {}
func (KeepaliveDue) isEvent()   {}
func (ChannelLost) isEvent()    {}
func (MediaLost) isEvent()      {}
func (StopRequested) isEvent()  {}
func (TornDown) isEvent()       {}

// Effect is work the scheduler must carry out after a step.
type Effect interface{ isEffect() }

type (
	// Send writes a message on the control channel.
	Send struct{ Msg Message }
	// ApplyOffer sets the remote offer and asks the peer for an answer.
	ApplyOffer struct{ SDP string }
	// ApplyCandidate hands a remote candidate to the negotiation.
	ApplyCandidate struct{ Candidate domain.Candidate }
	// Teardown closes the peer and the channel.
	Teardown struct{}
	// Log records an observation.
	Log struct {
		Level slog.Level
		Msg   string
		Attrs []any
	}
)

func (Send) isEffect()           {}
func (ApplyOffer) isEffect()     {}
func (ApplyCandidate) isEffect() {}
func (Teardown) isEffect()       {}
func (Log) isEffect()            {}

// Driver is the signaling state machine of one stream. Step is pure: it
// never touches the network.
type Driver struct {
	StreamID string
}

// Step returns the state after ev and the effects to run.
func (d Driver) Step(st domain.State, ev Event) (domain.State, []Effect) {
	if st.Terminal() {
		return st, nil
	}

	switch ev := ev.(type) {
	case ChannelOpened:
		if st != domain.StateControlChannelConnecting {
			return st, nil
		}
		return domain.StateNegotiating, []Effect{
			logf(slog.LevelInfo, "control channel open, sending play request"),
			Send{Msg: Play(d.StreamID, ev.Token)},
		}

	case ConnectFailed:
		if st != domain.StateControlChannelConnecting && st != domain.StateNegotiating {
			return st, nil
		}
		return domain.StateFailed, []Effect{
			logf(slog.LevelError, "control channel unavailable", "error", ev.Err),
		}

	case Inbound:
		if st != domain.StateNegotiating && st != domain.StateMediaFlowing {
			return st, nil
		}
		return st, d.inbound(ev.Data)

	case AnswerReady:
		if st != domain.StateNegotiating && st != domain.StateMediaFlowing {
			return st, nil
		}
		return st, []Effect{
			logf(slog.LevelInfo, "sending answer"),
			Send{Msg: Answer(d.StreamID, ev.SDP)},
		}

	case AnswerFailed:
		return st, []Effect{logf(slog.LevelError, "negotiation failed", "error", ev.Err)}

	case LocalCandidate:
		if st != domain.StateNegotiating && st != domain.StateMediaFlowing {
			return st, nil
		}
		return st, []Effect{
			Send{Msg: TakeCandidate(d.StreamID, ev.Candidate.Raw, ev.Candidate.Label)},
		}

	case TrackActive:
		if st != domain.StateNegotiating {
			return st, nil
		}
		return domain.StateMediaFlowing, []Effect{
			logf(slog.LevelInfo, "video track established", "codec", ev.Codec),
		}

	case KeepaliveDue:
		if st != domain.StateMediaFlowing {
			return st, nil
		}
		return st, []Effect{Send{Msg: Ping()}}

	case ChannelLost:
		if st == domain.StateClosing {
			return st, nil
		}
		return domain.StateClosing, []Effect{
			logf(slog.LevelError, "control channel lost", "error", ev.Err),
			Teardown{},
		}

	case MediaLost:
		if st == domain.StateClosing {
			return st, nil
		}
		return domain.StateClosing, []Effect{
			logf(slog.LevelError, "media transport closed", "reason", ev.Reason),
			Teardown{},
		}

	case StopRequested:
		if st == domain.StateClosing {
			return st, nil
		}
		return domain.StateClosing, []Effect{Teardown{}}

	case TornDown:
		return domain.StateClosed, nil
	}

	return st, nil
}

func (d Driver) inbound(data []byte) []Effect {
	msg, err := Decode(data)
	if err != nil {
		return []Effect{logf(slog.LevelWarn, "dropping malformed message", "error", err)}
	}

	switch msg.Command {
	case CommandStart:
		return []Effect{logf(slog.LevelInfo, "stream started", "stream", msg.StreamID)}

	case CommandTakeConfiguration:
		if msg.StreamID != d.StreamID {
			return nil
		}
		if msg.Type != "offer" {
			return []Effect{logf(slog.LevelDebug, "ignoring configuration", "type", msg.Type)}
		}
		return []Effect{
			logf(slog.LevelInfo, "setting remote description (offer)"),
			ApplyOffer{SDP: msg.SDP},
		}

	case CommandTakeCandidate:
		if msg.StreamID == "" || msg.Candidate == "" {
			return []Effect{logf(slog.LevelError, "candidate without streamId or candidate")}
		}
		if msg.StreamID != d.StreamID {
			return []Effect{logf(slog.LevelWarn, "no peer connection for stream", "stream", msg.StreamID)}
		}
		c, err := ParseCandidate(msg.Candidate, msg.LabelOr(0))
		if err != nil {
			return []Effect{logf(slog.LevelWarn, "dropping candidate", "error", err)}
		}
		return []Effect{ApplyCandidate{Candidate: c}}

	case CommandNotification:
		return []Effect{logf(slog.LevelInfo, "notification", "definition", msg.Definition)}

	case CommandError:
		return []Effect{logf(slog.LevelError, "server error", "definition", msg.Definition)}

	case CommandPong:
		return nil
	}

	return []Effect{logf(slog.LevelDebug, "unhandled command", "command", msg.Command)}
}

func logf(level slog.Level, msg string, attrs ...any) Log {
	return Log{Level: level, Msg: msg, Attrs: attrs}
}
