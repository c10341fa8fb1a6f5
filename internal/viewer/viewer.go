// Package viewer plays one stream: it drives signaling and the media peer
// on a background scheduler and hands frames to a synchronous consumer.
package viewer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"amscam/native/internal/buffer"
	"amscam/native/internal/domain"
	"amscam/native/internal/metrics"
	"amscam/native/internal/signal"

	"github.com/google/uuid"
)

const (
	DefaultConnectTimeout    = 15 * time.Second
	DefaultStaleAfter        = 20 * time.Second
	DefaultKeepaliveInterval = 30 * time.Second
	DefaultReleaseTimeout    = 5 * time.Second

	eventQueueSize = 64
)

// Options configures a Viewer. Dial and NewPeer are required.
type Options struct {
	BufferSize int
	Tokens     domain.TokenSource
	Dial       domain.Dialer
	NewPeer    domain.PeerFactory
	Logger     *slog.Logger
	Metrics    *metrics.Metrics

	ConnectTimeout    time.Duration
	StaleAfter        time.Duration
	KeepaliveInterval time.Duration
	ReleaseTimeout    time.Duration
	Now               func() time.Time
}

func (o *Options) defaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = DefaultStaleAfter
	}
	if o.KeepaliveInterval <= 0 {
		o.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if o.ReleaseTimeout <= 0 {
		o.ReleaseTimeout = DefaultReleaseTimeout
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Viewer is the connection to one stream. Pull and Release may be called
// from any goroutine.
type Viewer struct {
	id      domain.StreamIdentity
	opts    Options
	driver  signal.Driver
	logger  *slog.Logger
	metrics *metrics.Metrics
	frames  *buffer.Ring

	state   atomic.Int32
	lastPop atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	events chan signal.Event
	quit   chan struct{}
	done   chan struct{}

	flowing      chan struct{}
	flowOnce     sync.Once
	teardownOnce sync.Once
	releaseOnce  sync.Once

	// Owned by the scheduler goroutine.
	channel domain.Channel
	peer    domain.Peer
	neg     *negotiation
	readers sync.WaitGroup
}

// New starts playing id and waits up to ConnectTimeout for media to flow.
// On timeout the viewer is still returned; Pull reports not-ok until media
// arrives.
func New(id domain.StreamIdentity, opts Options) *Viewer {
	opts.defaults()
	ctx, cancel := context.WithCancel(context.Background())

	v := &Viewer{
		id:     id,
		opts:   opts,
		driver: signal.Driver{StreamID: id.StreamID},
		logger: opts.Logger.With(
			"component", "viewer",
			"stream", id.StreamID,
			"session", uuid.NewString(),
		),
		metrics: opts.Metrics,
		frames:  buffer.New(opts.BufferSize),
		ctx:     ctx,
		cancel:  cancel,
		events:  make(chan signal.Event, eventQueueSize),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		flowing: make(chan struct{}),
	}
	v.setState(domain.StateControlChannelConnecting)

	go v.run()

	timer := time.NewTimer(opts.ConnectTimeout)
	defer timer.Stop()
	select {
	case <-v.flowing:
	case <-timer.C:
		v.logger.Warn("connection to media server timed out", "timeout", opts.ConnectTimeout)
	}

	v.lastPop.Store(opts.Now().UnixNano())
	return v
}

// Identity returns the stream this viewer plays.
func (v *Viewer) Identity() domain.StreamIdentity {
	return v.id
}

// State returns the current connection state.
func (v *Viewer) State() domain.State {
	return domain.State(v.state.Load())
}

// Pull returns the oldest buffered frame. When media is flowing but the
// buffer is empty it returns a blank placeholder with ok=false, until no
// frame has been pulled for StaleAfter; after that, and whenever media is
// not flowing, it returns (false, nil).
func (v *Viewer) Pull() (bool, *domain.Frame) {
	if v.State() != domain.StateMediaFlowing {
		v.metrics.IncPull("none")
		return false, nil
	}

	now := v.opts.Now()
	if f, ok := v.frames.Pop(); ok {
		v.lastPop.Store(now.UnixNano())
		v.metrics.IncPull("frame")
		return true, f
	}

	if now.Sub(time.Unix(0, v.lastPop.Load())) < v.opts.StaleAfter {
		v.metrics.IncPull("placeholder")
		return false, domain.Placeholder()
	}
	v.metrics.IncPull("none")
	return false, nil
}

// Latest returns a copy of the most recently received frame, or nil.
func (v *Viewer) Latest() *domain.Frame {
	return v.frames.Latest()
}

// Buffered reports how many frames wait in the buffer and its capacity.
func (v *Viewer) Buffered() (n, capacity int) {
	return v.frames.Len(), v.frames.Cap()
}

// Release stops the scheduler and frees buffered frames. It is idempotent
// and never blocks longer than ReleaseTimeout.
func (v *Viewer) Release() {
	v.releaseOnce.Do(func() {
		v.logger.Info("releasing viewer")
		v.cancel()

		timer := time.NewTimer(v.opts.ReleaseTimeout)
		defer timer.Stop()
		select {
		case <-v.done:
		case <-timer.C:
			v.logger.Warn("scheduler did not stop in time, resources may leak", "timeout", v.opts.ReleaseTimeout)
		}

		v.frames.Clear()
		v.setState(domain.StateClosed)
		v.logger.Info("viewer released")
	})
}

// Stop is Release, for callers written against capture devices.
func (v *Viewer) Stop() {
	v.Release()
}

func (v *Viewer) setState(next domain.State) {
	prev := domain.State(v.state.Swap(int32(next)))
	v.changed(prev, next)
}

// transition moves prev to next unless the state was changed behind the
// scheduler's back, which only Release does.
func (v *Viewer) transition(prev, next domain.State) {
	if v.state.CompareAndSwap(int32(prev), int32(next)) {
		v.changed(prev, next)
	}
}

func (v *Viewer) changed(prev, next domain.State) {
	if prev != next {
		v.logger.Debug("state transition", "from", prev.String(), "to", next.String())
		v.metrics.SetState(int(next))
	}
	if next == domain.StateMediaFlowing || next.Terminal() {
		v.flowOnce.Do(func() { close(v.flowing) })
	}
}

// post queues ev for the scheduler. Events arriving after teardown are dropped.
func (v *Viewer) post(ev signal.Event) {
	select {
	case v.events <- ev:
	case <-v.quit:
	}
}

func (v *Viewer) pushFrame(f *domain.Frame) {
	evicted := v.frames.Push(f)
	v.metrics.IncFramesReceived(evicted)
	if v.State() == domain.StateNegotiating {
		v.post(signal.TrackActive{Codec: f.Codec})
	}
}

func (v *Viewer) run() {
	defer close(v.done)
	defer v.readers.Wait()
	// A step that outlived Release finds the state already Closed and
	// would otherwise leave the channel and peer open.
	defer v.teardown()

	if !v.connect() {
		return
	}

	ticker := time.NewTicker(v.opts.KeepaliveInterval)
	defer ticker.Stop()

	for !v.State().Terminal() {
		select {
		case <-v.ctx.Done():
			v.handle(signal.StopRequested{})
		case ev := <-v.events:
			v.handle(ev)
		case <-ticker.C:
			v.handle(signal.KeepaliveDue{})
		}
	}
}

// connect fetches the play token, builds the peer and opens the channel.
// It reports whether the scheduler should enter its event loop.
func (v *Viewer) connect() bool {
	var token string
	if v.opts.Tokens != nil {
		tok, err := v.opts.Tokens.PlayToken(v.ctx, v.id.StreamID)
		if err != nil {
			v.handle(signal.StopRequested{})
			return false
		}
		if tok == "" {
			v.logger.Warn("no play token for stream, playing without one")
		}
		token = tok
	}

	peer, err := v.opts.NewPeer()
	if err != nil {
		v.handle(signal.ConnectFailed{Err: err})
		return false
	}
	v.peer = peer
	v.neg = &negotiation{}
	peer.SetOnICECandidate(func(c domain.Candidate) {
		v.post(signal.LocalCandidate{Candidate: c})
	})
	peer.SetOnTrack(func(codec string) {
		v.post(signal.TrackActive{Codec: codec})
	}, v.pushFrame)
	peer.SetOnClosed(func(reason string) {
		v.post(signal.MediaLost{Reason: reason})
	})

	ch, err := v.opts.Dial(v.ctx, v.id.Endpoint)
	if err != nil {
		if errors.Is(err, context.Canceled) || v.ctx.Err() != nil {
			v.handle(signal.StopRequested{})
		} else {
			v.handle(signal.ConnectFailed{Err: err})
			v.teardown()
		}
		return false
	}
	v.channel = ch

	v.readers.Add(1)
	go v.readLoop(ch)

	v.handle(signal.ChannelOpened{Token: token})
	return true
}

func (v *Viewer) readLoop(ch domain.Channel) {
	defer v.readers.Done()
	for {
		data, err := ch.Receive()
		if err != nil {
			v.post(signal.ChannelLost{Err: err})
			return
		}
		v.post(signal.Inbound{Data: data})
	}
}

// handle runs ev and any events its effects produce, in order.
func (v *Viewer) handle(ev signal.Event) {
	queue := []signal.Event{ev}
	for len(queue) > 0 {
		ev, queue = queue[0], queue[1:]

		prev := v.State()
		next, effects := v.driver.Step(prev, ev)
		v.transition(prev, next)
		for _, eff := range effects {
			queue = append(queue, v.apply(eff)...)
		}
	}
}

func (v *Viewer) apply(eff signal.Effect) []signal.Event {
	switch eff := eff.(type) {
	case signal.Log:
		v.logger.Log(context.Background(), eff.Level, eff.Msg, eff.Attrs...)

	case signal.Send:
		if v.channel == nil {
			return []signal.Event{signal.ChannelLost{Err: signal.ErrChannelClosed}}
		}
		data, err := signal.Encode(eff.Msg)
		if err != nil {
			v.logger.Error("encode message", "error", err)
			return nil
		}
		if err := v.channel.Send(data); err != nil {
			return []signal.Event{signal.ChannelLost{Err: err}}
		}

	case signal.ApplyOffer:
		if v.peer == nil {
			return []signal.Event{signal.AnswerFailed{Err: signal.ErrChannelClosed}}
		}
		answer, err := v.peer.Answer(eff.SDP)
		if err != nil {
			return []signal.Event{signal.AnswerFailed{Err: err}}
		}
		v.neg.setDescriptions(eff.SDP, answer)
		for _, c := range v.neg.drain() {
			v.addCandidate(c)
		}
		return []signal.Event{signal.AnswerReady{SDP: answer}}

	case signal.ApplyCandidate:
		if v.neg == nil {
			return nil
		}
		if !v.neg.remoteSet() {
			v.neg.queue(eff.Candidate)
			v.logger.Debug("queued remote candidate until the offer arrives", "pending", len(v.neg.pending))
			return nil
		}
		v.addCandidate(eff.Candidate)

	case signal.Teardown:
		v.teardown()
		return []signal.Event{signal.TornDown{}}
	}
	return nil
}

func (v *Viewer) addCandidate(c domain.Candidate) {
	if err := v.peer.AddRemoteICECandidate(c); err != nil {
		v.logger.Warn("add remote candidate", "error", err)
		return
	}
	v.logger.Debug("added remote candidate", "address", c.Address, "port", c.Port, "type", c.Type)
}

// teardown closes the channel and the peer and clears buffered frames.
// Only the first call has any effect.
func (v *Viewer) teardown() {
	v.teardownOnce.Do(func() {
		close(v.quit)

		if v.channel != nil {
			if err := v.channel.Close(); err != nil {
				v.logger.Debug("close control channel", "error", err)
			}
		}
		if v.peer != nil {
			if err := v.peer.Close(); err != nil {
				v.logger.Debug("close peer", "error", err)
			}
		}
		v.neg = nil
		v.frames.Clear()
		v.logger.Info("connection closed")
	})
}
