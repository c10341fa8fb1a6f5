package webrtc

import (
	"github.com/pion/rtp"
)

var annexBStartCode = []byte{0x00, 0x00, 0x00, 0x01}

const (
	naluIDR = 5
	naluSPS = 7
)

type accessUnit struct {
	data     []byte
	keyframe bool
}

// h264Assembler groups NAL units sharing an RTP timestamp into Annex-B
// access units.
type h264Assembler struct {
	depack   *H264Depacketizer
	buf      []byte
	ts       uint32
	keyframe bool
}

func newH264Assembler() *h264Assembler {
	return &h264Assembler{depack: NewH264Depacketizer()}
}

// Push feeds one packet. A unit completes on its marker bit, or when a
// new timestamp starts before the previous unit saw its marker.
func (a *h264Assembler) Push(pkt *rtp.Packet) []accessUnit {
	var out []accessUnit
	if len(a.buf) > 0 && pkt.Timestamp != a.ts {
		out = append(out, a.flush())
	}
	a.ts = pkt.Timestamp

	for _, nalu := range a.depack.Depacketize(pkt.SequenceNumber, pkt.Payload) {
		if len(nalu) == 0 {
			continue
		}
		switch nalu[0] & 0x1f {
		case naluIDR, naluSPS:
			a.keyframe = true
		}
		a.buf = append(a.buf, annexBStartCode...)
		a.buf = append(a.buf, nalu...)
	}

	if pkt.Marker && len(a.buf) > 0 {
		out = append(out, a.flush())
	}
	return out
}

func (a *h264Assembler) flush() accessUnit {
	au := accessUnit{data: a.buf, keyframe: a.keyframe}
	a.buf, a.keyframe = nil, false
	return au
}
