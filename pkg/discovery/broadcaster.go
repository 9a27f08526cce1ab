package discovery

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jgoldverg/bitrate/internal"
	"github.com/jgoldverg/bitrate/pkg/sockopt"
	"github.com/jgoldverg/bitrate/pkg/wire"
	"golang.org/x/net/ipv4"
)

const DefaultOfferInterval = time.Second

type BroadcasterOptions struct {
	// Target is host:port the Offer is sent to, normally the limited
	// broadcast address and the advertised datagram port.
	Target   string
	Interval time.Duration
	Offer    wire.Offer
	// TTL is applied to outgoing Offers when > 0.
	TTL int
}

// Broadcaster announces a server's ports on a fixed cadence. Nothing is
// expected back.
type Broadcaster struct {
	opts    BroadcasterOptions
	conn    net.PacketConn
	target  *net.UDPAddr
	message []byte

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	sent       atomic.Uint64
	sendErrors atomic.Uint64
}

func NewBroadcaster(ctx context.Context, opts BroadcasterOptions) (*Broadcaster, error) {
	if strings.TrimSpace(opts.Target) == "" {
		return nil, fmt.Errorf("broadcast target is required")
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultOfferInterval
	}
	target, err := net.ResolveUDPAddr("udp4", opts.Target)
	if err != nil {
		return nil, fmt.Errorf("resolve broadcast target %q: %w", opts.Target, err)
	}

	lc := sockopt.ListenConfig(sockopt.Options{Broadcast: true})
	conn, err := lc.ListenPacket(ctx, "udp4", ":0")
	if err != nil {
		return nil, fmt.Errorf("open broadcast socket: %w", err)
	}
	if opts.TTL > 0 {
		if err := ipv4.NewPacketConn(conn).SetTTL(opts.TTL); err != nil {
			internal.Debug("broadcast ttl not applied", internal.Fields{
				internal.FieldError: err.Error(),
			})
		}
	}

	return &Broadcaster{
		opts:    opts,
		conn:    conn,
		target:  target,
		message: opts.Offer.Marshal(),
		done:    make(chan struct{}),
	}, nil
}

// Start launches exactly one goroutine that sends an Offer immediately and then
// once per interval until ctx is cancelled or Stop is called.
func (b *Broadcaster) Start(ctx context.Context) {
	internal.Info("broadcasting offers", internal.Fields{
		internal.FieldKey("target"):   b.target.String(),
		internal.FieldKey("interval"): b.opts.Interval,
		internal.FieldKey("datagram"): b.opts.Offer.DatagramPort,
		internal.FieldKey("stream"):   b.opts.Offer.StreamPort,
	})

	ticker := time.NewTicker(b.opts.Interval)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer ticker.Stop()
		b.send()
		for {
			select {
			case <-ctx.Done():
				internal.Debug("broadcaster context cancelled", nil)
				return
			case <-b.done:
				internal.Debug("broadcaster stop requested", nil)
				return
			case <-ticker.C:
				b.send()
			}
		}
	}()
}

func (b *Broadcaster) send() {
	if _, err := b.conn.WriteTo(b.message, b.target); err != nil {
		b.sendErrors.Add(1)
		internal.Warn("offer broadcast failed", internal.Fields{
			internal.FieldKey("target"): b.target.String(),
			internal.FieldError:         err.Error(),
		})
		return
	}
	b.sent.Add(1)
	internal.Trace("offer sent", internal.Fields{
		internal.FieldKey("target"): b.target.String(),
	})
}

// Stop ends the broadcast loop and releases the socket. It is idempotent.
func (b *Broadcaster) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
		b.wg.Wait()
		_ = b.conn.Close()
	})
}

func (b *Broadcaster) Sent() uint64       { return b.sent.Load() }
func (b *Broadcaster) SendErrors() uint64 { return b.sendErrors.Load() }
