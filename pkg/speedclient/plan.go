package speedclient

import (
	"errors"
	"fmt"
	"time"

	"github.com/jgoldverg/bitrate/pkg/discovery"
	"github.com/jgoldverg/bitrate/pkg/session"
)

var ErrInvalidPlan = errors.New("invalid round plan")

// Plan is what one round asks of the discovered server.
type Plan struct {
	Size             uint64
	StreamSessions   int
	DatagramSessions int
}

func (p Plan) Validate() error {
	if p.Size == 0 {
		return fmt.Errorf("%w: %w", ErrInvalidPlan, session.ErrInvalidSize)
	}
	if p.StreamSessions < 0 || p.DatagramSessions < 0 {
		return fmt.Errorf("%w: session counts must not be negative", ErrInvalidPlan)
	}
	if p.Total() == 0 {
		return fmt.Errorf("%w: at least one session is required", ErrInvalidPlan)
	}
	return nil
}

func (p Plan) Total() int { return p.StreamSessions + p.DatagramSessions }

// KindSummary aggregates the sessions of one transport in a round.
type KindSummary struct {
	Sessions int
	Bytes    uint64
	Segments uint64
	// AggregateBitsPerSecond is the sum of the per-session rates.
	AggregateBitsPerSecond float64
	Outcomes               map[session.Outcome]int
}

type RoundSummary struct {
	Round    int
	Plan     Plan
	Endpoint discovery.Endpoint
	// Results holds one entry per session: streams first, then datagrams.
	Results []session.Result
	Elapsed time.Duration
	Kinds   map[session.Kind]KindSummary
}

// Failed counts sessions that never got to transfer.
func (s RoundSummary) Failed() int {
	n := 0
	for _, r := range s.Results {
		if r.Outcome == session.OutcomeFailed {
			n++
		}
	}
	return n
}

func summarize(round int, plan Plan, ep discovery.Endpoint, results []session.Result, elapsed time.Duration) RoundSummary {
	kinds := make(map[session.Kind]KindSummary, 2)
	for _, r := range results {
		ks := kinds[r.Kind]
		if ks.Outcomes == nil {
			ks.Outcomes = make(map[session.Outcome]int)
		}
		ks.Sessions++
		ks.Bytes += r.Bytes
		ks.Segments += r.Segments
		ks.AggregateBitsPerSecond += r.BitsPerSecond
		ks.Outcomes[r.Outcome]++
		kinds[r.Kind] = ks
	}
	return RoundSummary{
		Round:    round,
		Plan:     plan,
		Endpoint: ep,
		Results:  results,
		Elapsed:  elapsed,
		Kinds:    kinds,
	}
}
