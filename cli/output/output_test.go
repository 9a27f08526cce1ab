package output

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jgoldverg/bitrate/pkg/discovery"
	"github.com/jgoldverg/bitrate/pkg/metrics"
	"github.com/jgoldverg/bitrate/pkg/session"
	"github.com/jgoldverg/bitrate/pkg/speedclient"
	"github.com/pterm/pterm"
)

func init() {
	pterm.DisableStyling()
}

func TestFormatBits(t *testing.T) {
	cases := map[float64]string{
		0:             "--",
		512:           "512 b/s",
		1_500:         "1.50 Kb/s",
		93_410_000:    "93.41 Mb/s",
		2_500_000_000: "2.50 Gb/s",
	}
	for in, want := range cases {
		if got := FormatBits(in); got != want {
			t.Fatalf("FormatBits(%v) = %q, want %q", in, got, want)
		}
	}
}

func TestFormatBytesAndDuration(t *testing.T) {
	if got := FormatBytes(1 << 20); got != "1.00 MiB" {
		t.Fatalf("unexpected bytes format %q", got)
	}
	if got := FormatBytes(0); got != "0 B" {
		t.Fatalf("unexpected zero format %q", got)
	}
	if got := FormatDuration(250 * time.Millisecond); got != "250 ms" {
		t.Fatalf("unexpected duration format %q", got)
	}
	if got := FormatDuration(5*time.Second + 123*time.Millisecond); got != "5.12s" {
		t.Fatalf("unexpected duration format %q", got)
	}
}

func TestSessionReporterPrintsLinesAndTable(t *testing.T) {
	var buf bytes.Buffer
	r := NewSessionReporter().WithWriter(&buf)

	stream := session.Result{
		ID:            uuid.New(),
		Kind:          session.KindStream,
		Bytes:         1 << 20,
		Elapsed:       time.Second,
		BitsPerSecond: 8 << 20,
		Outcome:       session.OutcomeComplete,
	}
	datagram := session.Result{
		ID:            uuid.New(),
		Kind:          session.KindDatagram,
		Segments:      1024,
		Bytes:         1 << 20,
		Elapsed:       6 * time.Second,
		BitsPerSecond: 1_398_101,
		Outcome:       session.OutcomeIdleTimeout,
	}
	failed := session.Result{
		ID:      uuid.New(),
		Kind:    session.KindStream,
		Outcome: session.OutcomeFailed,
		Err:     errors.New("connection refused"),
	}
	for _, res := range []session.Result{stream, datagram, failed} {
		r.SessionCompleted(3, res)
	}

	summary := speedclient.RoundSummary{
		Round:    3,
		Endpoint: discovery.Endpoint{Address: "10.0.0.7", DatagramPort: 15000, StreamPort: 54321},
		Results:  []session.Result{stream, failed, datagram},
		Elapsed:  6 * time.Second,
		Kinds: map[session.Kind]speedclient.KindSummary{
			session.KindStream: {
				Sessions: 2, Bytes: 1 << 20, AggregateBitsPerSecond: 8 << 20,
				Outcomes: map[session.Outcome]int{session.OutcomeComplete: 1, session.OutcomeFailed: 1},
			},
			session.KindDatagram: {
				Sessions: 1, Segments: 1024, AggregateBitsPerSecond: 1_398_101,
				Outcomes: map[session.Outcome]int{session.OutcomeIdleTimeout: 1},
			},
		},
	}
	r.RoundCompleted(summary)

	out := buf.String()
	for _, want := range []string{
		"1.00 MiB",
		"1024 segments",
		"connection refused",
		"Round 3",
		"10.0.0.7",
		"complete=1 failed=1",
		"idle_timeout=1",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestMetricsDisplayWritesFinalSnapshot(t *testing.T) {
	c := metrics.NewSessionCollector("")
	c.ObserveStart("datagram")
	c.ObserveResult("datagram", "complete", 2500, 3, 1e6)

	var buf bytes.Buffer
	d := NewMetricsDisplay("", c).WithWriter(&buf)
	if err := d.Start(testContext(t)); err != nil {
		t.Fatalf("start: %v", err)
	}
	d.Stop()
	d.Stop()

	out := buf.String()
	if !strings.Contains(out, "datagram") || !strings.Contains(out, "2.44 KiB") {
		t.Fatalf("unexpected display output:\n%s", out)
	}
}
