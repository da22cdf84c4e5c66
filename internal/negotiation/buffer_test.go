package negotiation

import (
	"testing"

	"github.com/pion/webrtc/v4"
)

func TestCandidateBufferFIFO(t *testing.T) {
	var b CandidateBuffer
	for _, c := range []string{"c1", "c2", "c3"} {
		b.Push(PendingCandidate{Candidate: webrtc.ICECandidateInit{Candidate: c}, TransportID: "t1"})
	}
	if b.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", b.Len())
	}

	got := b.Drain()
	for i, want := range []string{"c1", "c2", "c3"} {
		if got[i].Candidate.Candidate != want {
			t.Errorf("Drain()[%d] = %s, want %s", i, got[i].Candidate.Candidate, want)
		}
	}
	if b.Len() != 0 {
		t.Errorf("Len() after Drain = %d, want 0", b.Len())
	}
	if again := b.Drain(); len(again) != 0 {
		t.Errorf("second Drain() returned %d items", len(again))
	}
}

func TestCandidateBufferClear(t *testing.T) {
	var b CandidateBuffer
	b.Push(PendingCandidate{TransportID: "t1"})
	b.Clear()
	if b.Len() != 0 {
		t.Fatalf("Len() after Clear = %d", b.Len())
	}
	b.Push(PendingCandidate{TransportID: "t2"})
	if got := b.Drain(); len(got) != 1 || got[0].TransportID != "t2" {
		t.Fatalf("Drain() = %+v", got)
	}
}
