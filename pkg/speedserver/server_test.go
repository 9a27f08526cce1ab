package speedserver

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/jgoldverg/bitrate/pkg/session"
	"github.com/jgoldverg/bitrate/pkg/speedclient"
	"github.com/jgoldverg/bitrate/pkg/wire"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// freeUDPPort reserves and releases a loopback port for the client's
// discovery listener so the server can be told where to send Offers.
func freeUDPPort(t *testing.T) string {
	t.Helper()
	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	addr := pc.LocalAddr().String()
	require.NoError(t, pc.Close())
	return addr
}

func startServer(t *testing.T, opts Options) *Server {
	t.Helper()
	if opts.DatagramAddr == "" {
		opts.DatagramAddr = "127.0.0.1:0"
	}
	if opts.StreamAddr == "" {
		opts.StreamAddr = "127.0.0.1:0"
	}
	if opts.OfferInterval == 0 {
		opts.OfferInterval = 50 * time.Millisecond
	}
	srv := New(opts)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, srv.Listen(ctx))

	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("serve: %v", err)
		}
		_ = srv.Close()
	})
	return srv
}

func TestServerAnswersDiscoveredClient(t *testing.T) {
	discoveryAddr := freeUDPPort(t)
	srv := startServer(t, Options{BroadcastAddr: discoveryAddr})

	client := speedclient.NewClient(speedclient.Options{
		DiscoveryAddr: discoveryAddr,
		IdleTimeout:   200 * time.Millisecond,
	})
	ctx, cancel := context.WithTimeout(testContext(t), 10*time.Second)
	defer cancel()

	summary, err := client.RunRound(ctx, speedclient.Plan{Size: 2500, StreamSessions: 2, DatagramSessions: 2})
	require.NoError(t, err)

	offer := srv.Offer()
	assert.Equal(t, offer.StreamPort, summary.Endpoint.StreamPort)
	assert.Equal(t, offer.DatagramPort, summary.Endpoint.DatagramPort)

	require.Len(t, summary.Results, 4)
	for _, r := range summary.Results[:2] {
		assert.Equal(t, session.OutcomeComplete, r.Outcome)
		assert.Equal(t, uint64(2500), r.Bytes)
	}
	for _, r := range summary.Results[2:] {
		assert.Equal(t, session.OutcomeIdleTimeout, r.Outcome)
		assert.Equal(t, uint64(3), r.Segments)
	}

	require.Eventually(t, func() bool {
		snap := srv.Collector().Snapshot()
		return snap.Kinds["datagram"].Completed == 2 && snap.Kinds["stream"].Completed == 2
	}, 2*time.Second, 10*time.Millisecond)
	series, err := testutil.GatherAndCount(srv.Collector().Registry(), "bitrate_sessions_completed_total")
	require.NoError(t, err)
	assert.Equal(t, 2, series)
}

func TestServerRejectsBadStreamRequest(t *testing.T) {
	srv := startServer(t, Options{BroadcastAddr: freeUDPPort(t)})
	_, streamAddr := srv.Addrs()

	conn, err := net.Dial("tcp4", streamAddr.String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("not-a-number\n"))
	require.NoError(t, err)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := io.Copy(io.Discard, conn)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.Eventually(t, func() bool {
		return srv.Collector().Snapshot().Kinds["stream"].Outcomes[string(session.OutcomeFailed)] == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServerIgnoresNonRequestDatagrams(t *testing.T) {
	srv := startServer(t, Options{BroadcastAddr: freeUDPPort(t)})
	dgAddr, _ := srv.Addrs()

	conn, err := net.Dial("udp4", dgAddr.String())
	require.NoError(t, err)
	defer conn.Close()

	for _, msg := range [][]byte{
		[]byte("garbage"),
		(&wire.Offer{DatagramPort: 1, StreamPort: 2}).Marshal(),
		(&wire.Request{RequestedSize: 0}).Marshal(),
	} {
		_, err := conn.Write(msg)
		require.NoError(t, err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, err = conn.Read(make([]byte, 2048))
	var ne net.Error
	require.ErrorAs(t, err, &ne)
	assert.True(t, ne.Timeout())
	assert.Empty(t, srv.Collector().Snapshot().Kinds)
}

func TestListenFailsWhenPortTaken(t *testing.T) {
	taken, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	srv := New(Options{DatagramAddr: "127.0.0.1:0", StreamAddr: taken.Addr().String()})
	err = srv.Listen(testContext(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bind stream port")
}

func TestMetricsEndpoint(t *testing.T) {
	metricsAddr := freeTCPPort(t)
	srv := startServer(t, Options{BroadcastAddr: freeUDPPort(t), MetricsAddr: metricsAddr})
	srv.Collector().ObserveStart("stream")

	resp, err := http.Get("http://" + metricsAddr + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "bitrate_sessions_started_total"))
}

func TestBroadcastTarget(t *testing.T) {
	assert.Equal(t, "255.255.255.255:15000", broadcastTarget("255.255.255.255", 15000))
	assert.Equal(t, "127.0.0.1:9999", broadcastTarget("127.0.0.1:9999", 15000))
}

func freeTCPPort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}
