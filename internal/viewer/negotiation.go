package viewer

import "amscam/native/internal/domain"

// negotiation is the offer/answer record of one connection attempt.
// Remote candidates that arrive before the offer wait in pending.
type negotiation struct {
	localDescription  string
	remoteDescription string
	pending           []domain.Candidate
}

func (n *negotiation) remoteSet() bool {
	return n.remoteDescription != ""
}

func (n *negotiation) setDescriptions(remote, local string) {
	n.remoteDescription = remote
	n.localDescription = local
}

func (n *negotiation) queue(c domain.Candidate) {
	n.pending = append(n.pending, c)
}

// drain returns the queued candidates in arrival order and empties the queue.
func (n *negotiation) drain() []domain.Candidate {
	out := n.pending
	n.pending = nil
	return out
}
