package webrtc

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"amscam/native/internal/domain"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/nack"
	"github.com/pion/interceptor/pkg/report"
	"github.com/pion/rtcp"
	"github.com/pion/rtp/codecs"
	pion "github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/samplebuilder"
)

const (
	vp8MaxLate   = 128
	videoClock   = 90000
	readBufBytes = 1500
)

// Config configures a Peer.
type Config struct {
	STUNURL string
	Logger  *slog.Logger
	// Decoder is applied to every assembled access unit. Nil passes
	// encoded frames through.
	Decoder domain.Decoder
}

// Peer wraps a receive-only Pion PeerConnection.
type Peer struct {
	pc      *pion.PeerConnection
	logger  *slog.Logger
	decoder domain.Decoder

	mu       sync.Mutex
	onActive func(codec string)
	onFrame  func(f *domain.Frame)
	onClosed func(reason string)

	closing atomic.Bool
	wg      sync.WaitGroup
}

// NewFactory returns a domain.PeerFactory building peers from cfg.
func NewFactory(cfg Config) domain.PeerFactory {
	return func() (domain.Peer, error) {
		return NewPeer(cfg)
	}
}

// NewPeer creates a PeerConnection that answers a remote offer and receives video.
func NewPeer(cfg Config) (*Peer, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	m := &pion.MediaEngine{}
	if err := registerCodecs(m); err != nil {
		return nil, err
	}

	i := &interceptor.Registry{}
	generator, err := nack.NewGeneratorInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack generator: %w", err)
	}
	i.Add(generator)
	receiver, err := report.NewReceiverInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create receiver reports: %w", err)
	}
	i.Add(receiver)

	api := pion.NewAPI(
		pion.WithMediaEngine(m),
		pion.WithInterceptorRegistry(i),
	)

	var servers []pion.ICEServer
	if cfg.STUNURL != "" {
		servers = append(servers, pion.ICEServer{URLs: []string{cfg.STUNURL}})
	}

	pc, err := api.NewPeerConnection(pion.Configuration{
		ICEServers:   servers,
		BundlePolicy: pion.BundlePolicyMaxBundle,
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	p := &Peer{
		pc:      pc,
		logger:  cfg.Logger.With("component", "webrtc"),
		decoder: cfg.Decoder,
	}

	if err := p.addTransceivers(); err != nil {
		pc.Close()
		return nil, err
	}

	pc.OnTrack(p.handleTrack)
	pc.OnICEConnectionStateChange(func(state pion.ICEConnectionState) {
		p.logger.Info("ICE connection state", "state", state.String())
	})
	pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		p.logger.Info("peer connection state", "state", state.String())
		switch state {
		case pion.PeerConnectionStateFailed, pion.PeerConnectionStateClosed:
			p.notifyClosed(state.String())
		}
	})

	return p, nil
}

func registerCodecs(m *pion.MediaEngine) error {
	feedback := []pion.RTCPFeedback{
		{Type: "goog-remb"},
		{Type: "nack"},
		{Type: "nack", Parameter: "pli"},
	}

	video := []pion.RTPCodecParameters{
		{
			RTPCodecCapability: pion.RTPCodecCapability{
				MimeType:     pion.MimeTypeH264,
				ClockRate:    videoClock,
				SDPFmtpLine:  "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
				RTCPFeedback: feedback,
			},
			PayloadType: 102,
		},
		{
			RTPCodecCapability: pion.RTPCodecCapability{
				MimeType:     pion.MimeTypeH264,
				ClockRate:    videoClock,
				SDPFmtpLine:  "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42001f",
				RTCPFeedback: feedback,
			},
			PayloadType: 108,
		},
		{
			RTPCodecCapability: pion.RTPCodecCapability{
				MimeType:     pion.MimeTypeVP8,
				ClockRate:    videoClock,
				RTCPFeedback: feedback,
			},
			PayloadType: 96,
		},
	}
	for _, c := range video {
		if err := m.RegisterCodec(c, pion.RTPCodecTypeVideo); err != nil {
			return fmt.Errorf("register %s: %w", c.MimeType, err)
		}
	}

	opus := pion.RTPCodecParameters{
		RTPCodecCapability: pion.RTPCodecCapability{
			MimeType:    pion.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	}
	if err := m.RegisterCodec(opus, pion.RTPCodecTypeAudio); err != nil {
		return fmt.Errorf("register opus: %w", err)
	}
	return nil
}

// addTransceivers adds receive-only video and audio transceivers.
func (p *Peer) addTransceivers() error {
	_, err := p.pc.AddTransceiverFromKind(pion.RTPCodecTypeVideo, pion.RTPTransceiverInit{
		Direction: pion.RTPTransceiverDirectionRecvonly,
	})
	if err != nil {
		return fmt.Errorf("add video transceiver: %w", err)
	}

	_, err = p.pc.AddTransceiverFromKind(pion.RTPCodecTypeAudio, pion.RTPTransceiverInit{
		Direction: pion.RTPTransceiverDirectionRecvonly,
	})
	if err != nil {
		return fmt.Errorf("add audio transceiver: %w", err)
	}

	return nil
}

// SetOnTrack registers the video callbacks. onActive fires once the video
// track starts; onFrame receives every assembled frame.
func (p *Peer) SetOnTrack(onActive func(codec string), onFrame func(f *domain.Frame)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onActive = onActive
	p.onFrame = onFrame
}

// SetOnClosed registers the callback for transport failure or closure.
func (p *Peer) SetOnClosed(fn func(reason string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onClosed = fn
}

func (p *Peer) notifyClosed(reason string) {
	if p.closing.Load() {
		return
	}
	p.mu.Lock()
	fn := p.onClosed
	p.mu.Unlock()
	if fn != nil {
		fn(reason)
	}
}

func (p *Peer) handleTrack(track *pion.TrackRemote, _ *pion.RTPReceiver) {
	if p.closing.Load() {
		return
	}
	codec := track.Codec()
	p.logger.Info("got track", "kind", track.Kind().String(), "codec", codec.MimeType, "pt", codec.PayloadType)

	if track.Kind() != pion.RTPCodecTypeVideo {
		p.wg.Add(1)
		go p.drain(track)
		return
	}

	p.mu.Lock()
	onActive, onFrame := p.onActive, p.onFrame
	p.mu.Unlock()

	if onActive != nil {
		onActive(codec.MimeType)
	}
	p.requestKeyframe(track)

	p.wg.Add(1)
	go p.readVideoTrack(track, codec.MimeType, onFrame)
}

func (p *Peer) requestKeyframe(track *pion.TrackRemote) {
	err := p.pc.WriteRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
	})
	if err != nil {
		p.logger.Warn("keyframe request failed", "error", err)
	}
}

func (p *Peer) drain(track *pion.TrackRemote) {
	defer p.wg.Done()
	buf := make([]byte, readBufBytes)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}

func (p *Peer) readVideoTrack(track *pion.TrackRemote, mime string, onFrame func(f *domain.Frame)) {
	defer p.wg.Done()
	p.logger.Info("reading video track", "codec", mime)

	isVP8 := strings.EqualFold(mime, pion.MimeTypeVP8)
	h264 := newH264Assembler()
	vp8 := samplebuilder.New(vp8MaxLate, &codecs.VP8Packet{}, videoClock)

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !p.closing.Load() {
				p.logger.Warn("video track read error", "error", err)
			}
			return
		}

		if isVP8 {
			vp8.Push(pkt)
			for s := vp8.Pop(); s != nil; s = vp8.Pop() {
				keyframe := len(s.Data) > 0 && s.Data[0]&0x01 == 0
				p.emit(onFrame, s.Data, "vp8", keyframe)
			}
			continue
		}

		for _, au := range h264.Push(pkt) {
			p.emit(onFrame, au.data, "h264", au.keyframe)
		}
	}
}

func (p *Peer) emit(onFrame func(f *domain.Frame), data []byte, codec string, keyframe bool) {
	if onFrame == nil || len(data) == 0 {
		return
	}
	f := &domain.Frame{
		Payload:   data,
		Codec:     codec,
		Keyframe:  keyframe,
		Timestamp: time.Now(),
	}
	if p.decoder != nil {
		decoded, err := p.decoder.Decode(f)
		if err != nil {
			p.logger.Debug("frame decode failed", "error", err)
			return
		}
		if decoded == nil {
			return
		}
		f = decoded
	}
	onFrame(f)
}

// SetOnICECandidate registers the callback for locally discovered ICE candidates.
func (p *Peer) SetOnICECandidate(send func(c domain.Candidate)) {
	p.pc.OnICECandidate(func(c *pion.ICECandidate) {
		if c == nil {
			p.logger.Info("ICE gathering complete")
			return
		}

		init := c.ToJSON()
		if isLoopback(init.Candidate) {
			p.logger.Debug("filtering loopback ICE candidate")
			return
		}

		label := 0
		if init.SDPMLineIndex != nil {
			label = int(*init.SDPMLineIndex)
		}

		p.logger.Debug("local ICE candidate", "candidate", init.Candidate)
		send(domain.Candidate{Raw: init.Candidate, Label: label})
	})
}

// Answer sets the remote offer, creates an answer and sets it as the local description.
func (p *Peer) Answer(offerSDP string) (string, error) {
	offer := pion.SessionDescription{
		Type: pion.SDPTypeOffer,
		SDP:  offerSDP,
	}
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return "", fmt.Errorf("set remote description: %w", err)
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}

	p.logger.Info("local SDP answer set")
	if local := p.pc.LocalDescription(); local != nil {
		return local.SDP, nil
	}
	return answer.SDP, nil
}

// AddRemoteICECandidate adds a candidate received over signaling. The
// remote description must already be set.
func (p *Peer) AddRemoteICECandidate(c domain.Candidate) error {
	if p.pc.RemoteDescription() == nil {
		return errors.New("add ice candidate: remote description not set")
	}

	index := uint16(c.Label)
	init := pion.ICECandidateInit{
		Candidate:     c.Raw,
		SDPMLineIndex: &index,
	}
	if err := p.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}

	p.logger.Debug("added remote ICE candidate", "address", c.Address, "type", c.Type)
	return nil
}

// Close shuts down the PeerConnection and waits for track readers to exit.
func (p *Peer) Close() error {
	if !p.closing.CompareAndSwap(false, true) {
		return nil
	}
	err := p.pc.Close()
	p.wg.Wait()
	return err
}

func isLoopback(candidate string) bool {
	return strings.Contains(candidate, "127.0.0.1") || strings.Contains(candidate, "::1 ")
}
