// Package session implements both halves of a single throughput transfer over
// a stream (TCP) or datagram (UDP) transport.
package session

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindStream   Kind = "stream"
	KindDatagram Kind = "datagram"
)

type Outcome string

const (
	// OutcomeComplete: every requested byte arrived (stream only).
	OutcomeComplete Outcome = "complete"
	// OutcomeShort: the peer closed early or the transport failed mid-transfer.
	OutcomeShort Outcome = "short"
	// OutcomeIdleTimeout is the normal end of a datagram session.
	OutcomeIdleTimeout Outcome = "idle_timeout"
	// OutcomeFailed: nothing was transferred because setup failed.
	OutcomeFailed Outcome = "failed"
)

var (
	ErrInvalidSize    = errors.New("requested size must be a positive integer")
	ErrInvalidRequest = errors.New("invalid transfer request")
)

// Result is the client-side measurement of one session.
type Result struct {
	ID        uuid.UUID
	Kind      Kind
	Requested uint64
	// Bytes is exact for stream sessions and Segments*MaxSegmentData for
	// datagram sessions.
	Bytes    uint64
	Segments uint64
	Elapsed  time.Duration
	// LastArrival is the offset from the start of the transfer to the last
	// received data.
	LastArrival   time.Duration
	BitsPerSecond float64
	Outcome       Outcome
	Err           error
}

// Terminal reports whether the session produced a measurement, as opposed to
// failing before any transfer started.
func (r Result) Terminal() bool {
	return r.Outcome != ""
}

// ServedStats is the server-side account of one session.
type ServedStats struct {
	ID        uuid.UUID
	Kind      Kind
	Peer      string
	Requested uint64
	Bytes     uint64
	Segments  uint64
	Elapsed   time.Duration
	Err       error
}

// BitsPerSecond returns bytes*8/elapsed, or 0 for a non-positive elapsed time.
func BitsPerSecond(bytes uint64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return float64(bytes) * 8 / elapsed.Seconds()
}
