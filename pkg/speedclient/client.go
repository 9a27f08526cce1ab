// Package speedclient runs measurement rounds: discover a server, fan out the
// planned stream and datagram sessions against it and report the results.
package speedclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/jgoldverg/bitrate/internal"
	"github.com/jgoldverg/bitrate/pkg/discovery"
	"github.com/jgoldverg/bitrate/pkg/metrics"
	"github.com/jgoldverg/bitrate/pkg/session"
)

// Reporter receives results as sessions and rounds finish. Calls for
// sessions of the same round may arrive concurrently.
type Reporter interface {
	SessionCompleted(round int, res session.Result)
	RoundCompleted(summary RoundSummary)
}

type NopReporter struct{}

func (NopReporter) SessionCompleted(int, session.Result) {}
func (NopReporter) RoundCompleted(RoundSummary)          {}

type Options struct {
	// DiscoveryAddr is where Offers are awaited, e.g. ":15000".
	DiscoveryAddr     string
	IdleTimeout       time.Duration
	ReadBufferSize    int
	StreamReadTimeout time.Duration
	DialTimeout       time.Duration
	Reporter          Reporter
	Collector         *metrics.SessionCollector
}

type Client struct {
	opts      Options
	reporter  Reporter
	collector *metrics.SessionCollector

	reportMu sync.Mutex
	round    int
}

func NewClient(opts Options) *Client {
	if opts.DiscoveryAddr == "" {
		opts.DiscoveryAddr = net.JoinHostPort("", strconv.Itoa(internal.DefaultDatagramPort))
	}
	reporter := opts.Reporter
	if reporter == nil {
		reporter = NopReporter{}
	}
	collector := opts.Collector
	if collector == nil {
		collector = metrics.NewSessionCollector("")
	}
	return &Client{opts: opts, reporter: reporter, collector: collector}
}

func (c *Client) Collector() *metrics.SessionCollector { return c.collector }

// RunRound discovers a server with a fresh listener and runs every planned
// session against it concurrently. It returns once all of them have finished.
func (c *Client) RunRound(ctx context.Context, plan Plan) (RoundSummary, error) {
	if err := plan.Validate(); err != nil {
		return RoundSummary{}, err
	}
	c.round++
	round := c.round

	internal.Info("looking for a server", internal.Fields{
		internal.FieldRound: round,
		internal.FieldPort:  c.opts.DiscoveryAddr,
	})
	ep, err := discovery.Discover(ctx, discovery.ListenerOptions{
		ListenAddr:     c.opts.DiscoveryAddr,
		ReadBufferSize: c.opts.ReadBufferSize,
	})
	if err != nil {
		return RoundSummary{}, fmt.Errorf("discover server: %w", err)
	}
	return c.runAgainst(ctx, round, plan, ep), nil
}

func (c *Client) runAgainst(ctx context.Context, round int, plan Plan, ep discovery.Endpoint) RoundSummary {
	internal.Info("starting round", internal.Fields{
		internal.FieldRound:           round,
		internal.FieldServer:          ep.String(),
		internal.FieldKey("streams"):  plan.StreamSessions,
		internal.FieldKey("datagram"): plan.DatagramSessions,
		internal.FieldBytes:           plan.Size,
	})

	stream := session.StreamClient{
		DialTimeout:    c.opts.DialTimeout,
		ReadBufferSize: c.opts.ReadBufferSize,
		ReadTimeout:    c.opts.StreamReadTimeout,
	}
	datagram := session.DatagramClient{
		IdleTimeout:    c.opts.IdleTimeout,
		ReadBufferSize: c.opts.ReadBufferSize,
	}

	results := make([]session.Result, plan.Total())
	var wg sync.WaitGroup
	start := time.Now()
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var res session.Result
			if i < plan.StreamSessions {
				c.collector.ObserveStart(string(session.KindStream))
				res = stream.Run(ctx, ep.StreamAddr(), plan.Size)
			} else {
				c.collector.ObserveStart(string(session.KindDatagram))
				res = datagram.Run(ctx, ep.DatagramAddr(), plan.Size)
			}
			results[i] = res
			c.finish(round, res)
		}(i)
	}
	wg.Wait()

	summary := summarize(round, plan, ep, results, time.Since(start))
	c.reporter.RoundCompleted(summary)
	return summary
}

func (c *Client) finish(round int, res session.Result) {
	c.collector.ObserveResult(string(res.Kind), string(res.Outcome), res.Bytes, res.Segments, res.BitsPerSecond)

	fields := internal.Fields{
		internal.FieldRound:     round,
		internal.FieldSessionID: res.ID.String(),
		internal.FieldKind:      string(res.Kind),
		internal.FieldBytes:     res.Bytes,
		internal.FieldSegments:  res.Segments,
		internal.FieldElapsed:   res.Elapsed.String(),
		internal.FieldBitrate:   res.BitsPerSecond,
	}
	if res.Err != nil {
		fields[internal.FieldError] = res.Err.Error()
		internal.Warn("session ended with error", fields)
	} else {
		internal.Debug("session finished", fields)
	}

	c.reportMu.Lock()
	defer c.reportMu.Unlock()
	c.reporter.SessionCompleted(round, res)
}

// Run repeats rounds, cycling through plans, until rounds have completed or
// ctx is cancelled. rounds <= 0 runs until cancellation. Each round starts
// with a fresh discovery.
func (c *Client) Run(ctx context.Context, plans []Plan, rounds int) error {
	if len(plans) == 0 {
		return fmt.Errorf("%w: no plans to run", ErrInvalidPlan)
	}
	for _, p := range plans {
		if err := p.Validate(); err != nil {
			return err
		}
	}

	for i := 0; rounds <= 0 || i < rounds; i++ {
		if _, err := c.RunRound(ctx, plans[i%len(plans)]); err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
	return nil
}
