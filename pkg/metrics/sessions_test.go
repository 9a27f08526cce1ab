package metrics

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSessionCollectorCounts(t *testing.T) {
	c := NewSessionCollector("")

	c.ObserveStart("stream")
	c.ObserveStart("stream")
	c.ObserveStart("datagram")
	c.ObserveResult("stream", "complete", 1000, 0, 8000)
	c.ObserveResult("stream", "short", 400, 0, 2000)
	c.ObserveResult("datagram", "idle_timeout", 3072, 3, 4000)

	snap := c.Snapshot()
	stream := snap.Kinds["stream"]
	if stream.Started != 2 || stream.Completed != 2 || stream.Active != 0 {
		t.Fatalf("unexpected stream counts: %+v", stream)
	}
	if stream.Bytes != 1400 {
		t.Fatalf("expected 1400 stream bytes, got %d", stream.Bytes)
	}
	if stream.AggregateBps != 10000 || stream.MeanBps != 5000 {
		t.Fatalf("unexpected stream bitrate: aggregate=%f mean=%f", stream.AggregateBps, stream.MeanBps)
	}
	dgram := snap.Kinds["datagram"]
	if dgram.Segments != 3 || dgram.Outcomes["idle_timeout"] != 1 {
		t.Fatalf("unexpected datagram snapshot: %+v", dgram)
	}

	if got := testutil.ToFloat64(c.completed.WithLabelValues("stream", "complete")); got != 1 {
		t.Fatalf("expected completed{stream,complete}=1, got %f", got)
	}
	if got := testutil.ToFloat64(c.bytes.WithLabelValues("datagram")); got != 3072 {
		t.Fatalf("expected bytes{datagram}=3072, got %f", got)
	}
	if got := testutil.ToFloat64(c.started.WithLabelValues("stream")); got != 2 {
		t.Fatalf("expected started{stream}=2, got %f", got)
	}
}

func TestSessionCollectorRegistryGathers(t *testing.T) {
	c := NewSessionCollector("bitrate_test")
	c.ObserveStart("datagram")
	c.ObserveResult("datagram", "idle_timeout", 0, 0, 0)

	families, err := c.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	names := make(map[string]bool)
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	for _, want := range []string{
		"bitrate_test_sessions_started_total",
		"bitrate_test_sessions_completed_total",
		"bitrate_test_sessions_bitrate_bits_per_second",
		"bitrate_test_sessions_active",
	} {
		if !names[want] {
			t.Fatalf("metric %q missing from registry: %v", want, names)
		}
	}
}

func TestSessionCollectorConcurrentUse(t *testing.T) {
	c := NewSessionCollector("")
	const n = 64
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			c.ObserveStart("stream")
			c.ObserveResult("stream", "complete", 10, 0, 80)
		}()
	}
	wg.Wait()
	snap := c.Snapshot().Kinds["stream"]
	if snap.Completed != n || snap.Bytes != 10*n {
		t.Fatalf("unexpected snapshot after concurrent use: %+v", snap)
	}
}
