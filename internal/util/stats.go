package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Per-session negotiation counters
// ──────────────────────────────────────────────────────────────────────────────

// Stats counts negotiation events for one session. Each session owns its
// own instance; nothing here is process-wide.
type Stats struct {
	OffersSent      atomic.Int64 // offers emitted (initial, renegotiation and ICE restart)
	AnswersSent     atomic.Int64 // answers emitted
	OffersIgnored   atomic.Int64 // colliding offers dropped by the impolite side
	Rollbacks       atomic.Int64 // local offers rolled back by the polite side
	StaleAnswers    atomic.Int64 // answers discarded outside have-local-offer
	CandidatesQueue atomic.Int64 // remote candidates that had to wait in the buffer
	ICERestarts     atomic.Int64 // transports replaced after a connectivity failure
	RTTMicros       atomic.Int64 // last control-channel round trip, in microseconds
}

func (s *Stats) AddOffer()              { s.OffersSent.Add(1) }
func (s *Stats) AddAnswer()             { s.AnswersSent.Add(1) }
func (s *Stats) AddIgnoredOffer()       { s.OffersIgnored.Add(1) }
func (s *Stats) AddRollback()           { s.Rollbacks.Add(1) }
func (s *Stats) AddStaleAnswer()        { s.StaleAnswers.Add(1) }
func (s *Stats) AddQueued()             { s.CandidatesQueue.Add(1) }
func (s *Stats) AddRestart()            { s.ICERestarts.Add(1) }
func (s *Stats) SetRTT(d time.Duration) { s.RTTMicros.Store(d.Microseconds()) }

// RTT returns the last measured control-channel round trip.
func (s *Stats) RTT() time.Duration {
	return time.Duration(s.RTTMicros.Load()) * time.Microsecond
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs the session counters
// every interval, but only when something changed since the last report.
// It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, s *Stats, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var prev string
		for {
			select {
			case <-ticker.C:
				line := formatStats(s)
				if line != prev {
					pterm.DefaultLogger.Info(line)
					prev = line
				}

			case <-ctx.Done():
				return
			}
		}
	}()
}

// formatStats returns a one-line summary of the counters for the logger.
func formatStats(s *Stats) string {
	return fmt.Sprintf("Offer: %d↑ | Answer: %d↑ | Ignored: %d | Rollback: %d | Stale: %d | Restart: %d | RTT: %s",
		s.OffersSent.Load(),
		s.AnswersSent.Load(),
		s.OffersIgnored.Load(),
		s.Rollbacks.Load(),
		s.StaleAnswers.Load(),
		s.ICERestarts.Load(),
		formatRTT(s.RTT()),
	)
}

// formatRTT renders an RTT with millisecond precision, or "-" before the
// first measurement.
func formatRTT(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return fmt.Sprintf("%.1fms", float64(d.Microseconds())/1000)
}
