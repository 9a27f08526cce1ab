package speedclient

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/jgoldverg/bitrate/pkg/discovery"
	"github.com/jgoldverg/bitrate/pkg/pool"
	"github.com/jgoldverg/bitrate/pkg/session"
	"github.com/jgoldverg/bitrate/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingReporter struct {
	mu       sync.Mutex
	sessions []session.Result
	rounds   []RoundSummary
}

func (r *recordingReporter) SessionCompleted(_ int, res session.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = append(r.sessions, res)
}

func (r *recordingReporter) RoundCompleted(s RoundSummary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rounds = append(r.rounds, s)
}

func TestPlanValidate(t *testing.T) {
	cases := []struct {
		name string
		plan Plan
		ok   bool
	}{
		{"valid", Plan{Size: 1, StreamSessions: 1}, true},
		{"datagram only", Plan{Size: 10, DatagramSessions: 3}, true},
		{"zero size", Plan{StreamSessions: 1}, false},
		{"no sessions", Plan{Size: 10}, false},
		{"negative", Plan{Size: 10, StreamSessions: -1, DatagramSessions: 2}, false},
	}
	for _, tc := range cases {
		err := tc.plan.Validate()
		if tc.ok && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok && !errors.Is(err, ErrInvalidPlan) {
			t.Fatalf("%s: expected ErrInvalidPlan, got %v", tc.name, err)
		}
	}
}

// fakeServer serves both transports on loopback without advertising them.
func fakeServer(t *testing.T, stallStreams bool) discovery.Endpoint {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = ln.Close()
		_ = pc.Close()
	})

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			if stallStreams {
				go func() {
					defer conn.Close()
					_, _ = io.Copy(io.Discard, conn)
				}()
				continue
			}
			go session.ServeStream(context.Background(), conn, session.StreamServerOptions{})
		}
	}()
	go func() {
		buffers := pool.NewBufferPool(wire.MaxPayloadLen)
		buf := make([]byte, 2048)
		for {
			n, peer, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			var req wire.Request
			if req.Decode(buf[:n]) != nil {
				continue
			}
			go session.ServeDatagram(context.Background(), pc, peer, req.RequestedSize, buffers)
		}
	}()

	return discovery.Endpoint{
		Address:      "127.0.0.1",
		DatagramPort: uint16(pc.LocalAddr().(*net.UDPAddr).Port),
		StreamPort:   uint16(ln.Addr().(*net.TCPAddr).Port),
	}
}

func TestRoundFansOutEverySession(t *testing.T) {
	ep := fakeServer(t, false)
	rep := &recordingReporter{}
	c := NewClient(Options{IdleTimeout: 150 * time.Millisecond, Reporter: rep})

	plan := Plan{Size: 10_000, StreamSessions: 3, DatagramSessions: 2}
	summary := c.runAgainst(testContext(t), 1, plan, ep)

	require.Len(t, summary.Results, 5)
	for i, r := range summary.Results {
		if i < 3 {
			assert.Equal(t, session.KindStream, r.Kind)
			assert.Equal(t, session.OutcomeComplete, r.Outcome)
			assert.Equal(t, uint64(10_000), r.Bytes)
		} else {
			assert.Equal(t, session.KindDatagram, r.Kind)
			assert.Equal(t, session.OutcomeIdleTimeout, r.Outcome)
		}
	}
	assert.Len(t, rep.sessions, 5)
	require.Len(t, rep.rounds, 1)

	streams := summary.Kinds[session.KindStream]
	assert.Equal(t, 3, streams.Sessions)
	assert.Equal(t, uint64(30_000), streams.Bytes)
	assert.Equal(t, 3, streams.Outcomes[session.OutcomeComplete])
	assert.Zero(t, summary.Failed())

	snap := c.Collector().Snapshot()
	assert.Equal(t, uint64(3), snap.Kinds["stream"].Completed)
	assert.Equal(t, uint64(2), snap.Kinds["datagram"].Completed)
}

func TestStalledStreamDoesNotDelayDatagrams(t *testing.T) {
	ep := fakeServer(t, true)

	var (
		mu    sync.Mutex
		order []session.Kind
	)
	rep := reporterFunc(func(res session.Result) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, res.Kind)
	})
	c := NewClient(Options{
		IdleTimeout:       100 * time.Millisecond,
		StreamReadTimeout: time.Second,
		Reporter:          rep,
	})

	plan := Plan{Size: 4096, StreamSessions: 1, DatagramSessions: 2}
	summary := c.runAgainst(testContext(t), 1, plan, ep)

	require.Len(t, order, 3)
	assert.Equal(t, []session.Kind{session.KindDatagram, session.KindDatagram, session.KindStream}, order)
	assert.Equal(t, session.OutcomeShort, summary.Results[0].Outcome)
	assert.Equal(t, uint64(4), summary.Results[1].Segments)
	assert.Equal(t, uint64(4), summary.Results[2].Segments)
}

func TestRunRoundRejectsInvalidPlan(t *testing.T) {
	c := NewClient(Options{})
	_, err := c.RunRound(testContext(t), Plan{})
	assert.ErrorIs(t, err, ErrInvalidPlan)
}

func TestRunStopsOnCancelDuringDiscovery(t *testing.T) {
	c := NewClient(Options{DiscoveryAddr: "127.0.0.1:0"})
	ctx, cancel := context.WithTimeout(testContext(t), 100*time.Millisecond)
	defer cancel()

	err := c.Run(ctx, []Plan{{Size: 1, StreamSessions: 1}}, 0)
	assert.NoError(t, err)
}

type reporterFunc func(session.Result)

func (f reporterFunc) SessionCompleted(_ int, res session.Result) { f(res) }
func (f reporterFunc) RoundCompleted(RoundSummary)                {}
