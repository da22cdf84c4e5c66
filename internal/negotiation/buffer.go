package negotiation

import "github.com/pion/webrtc/v4"

// PendingCandidate is a remote candidate waiting for a remote description.
type PendingCandidate struct {
	Candidate   webrtc.ICECandidateInit
	TransportID string // remote transport that gathered it
}

// CandidateBuffer keeps remote candidates in arrival order until they can
// be applied. It is not safe for concurrent use.
type CandidateBuffer struct {
	items []PendingCandidate
}

// Push appends c.
func (b *CandidateBuffer) Push(c PendingCandidate) {
	b.items = append(b.items, c)
}

// Drain returns every buffered candidate in FIFO order and empties the buffer.
func (b *CandidateBuffer) Drain() []PendingCandidate {
	items := b.items
	b.items = nil
	return items
}

// Clear discards every buffered candidate.
func (b *CandidateBuffer) Clear() {
	b.items = nil
}

// Len returns the number of buffered candidates.
func (b *CandidateBuffer) Len() int {
	return len(b.items)
}
