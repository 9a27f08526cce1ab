package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/jgoldverg/bitrate/internal"
	"github.com/jgoldverg/bitrate/pkg/sockopt"
	"github.com/jgoldverg/bitrate/pkg/wire"
	"golang.org/x/net/ipv4"
)

const defaultListenerBuffer = 2048

type ListenerOptions struct {
	// ListenAddr is the host:port Offers arrive on, e.g. ":15000".
	ListenAddr     string
	ReadBufferSize int
}

// Listener waits for the first valid Offer and publishes the advertised
// Endpoint exactly once.
type Listener struct {
	conn  net.PacketConn
	pconn *ipv4.PacketConn
	opts  ListenerOptions

	ready    chan struct{}
	once     sync.Once
	endpoint Endpoint

	closeOnce sync.Once
}

func NewListener(ctx context.Context, opts ListenerOptions) (*Listener, error) {
	if opts.ReadBufferSize < wire.OfferLen {
		opts.ReadBufferSize = defaultListenerBuffer
	}
	lc := sockopt.ListenConfig(sockopt.Options{ReuseAddr: true})
	conn, err := lc.ListenPacket(ctx, "udp4", opts.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("bind discovery listener %q: %w", opts.ListenAddr, err)
	}

	pconn := ipv4.NewPacketConn(conn)
	if err := pconn.SetControlMessage(ipv4.FlagDst|ipv4.FlagInterface, true); err != nil {
		internal.Debug("discovery control messages unavailable", internal.Fields{
			internal.FieldError: err.Error(),
		})
	}

	return &Listener{
		conn:  conn,
		pconn: pconn,
		opts:  opts,
		ready: make(chan struct{}),
	}, nil
}

func (l *Listener) LocalAddr() net.Addr { return l.conn.LocalAddr() }

// Ready is closed once an Endpoint has been published.
func (l *Listener) Ready() <-chan struct{} { return l.ready }

// Endpoint returns the published endpoint; ok is false until Ready fires.
func (l *Listener) Endpoint() (Endpoint, bool) {
	select {
	case <-l.ready:
		return l.endpoint, true
	default:
		return Endpoint{}, false
	}
}

// Run reads datagrams until a valid Offer arrives, ctx is cancelled or the
// listener is closed. Anything that is not an Offer is ignored.
func (l *Listener) Run(ctx context.Context) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			l.Close()
		case <-stop:
		}
	}()

	internal.Info("listening for offers", internal.Fields{
		internal.FieldPort: l.conn.LocalAddr().String(),
	})

	buf := make([]byte, l.opts.ReadBufferSize)
	for {
		n, cm, src, err := l.pconn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			internal.Warn("offer read failed", internal.Fields{
				internal.FieldError: err.Error(),
			})
			continue
		}

		var offer wire.Offer
		if err := offer.Decode(buf[:n]); err != nil {
			internal.Trace("ignoring datagram", internal.Fields{
				internal.FieldPeer:  addrString(src),
				internal.FieldError: err.Error(),
			})
			continue
		}

		udpSrc, ok := src.(*net.UDPAddr)
		if !ok {
			continue
		}
		ep := Endpoint{
			Address:      udpSrc.IP.String(),
			DatagramPort: offer.DatagramPort,
			StreamPort:   offer.StreamPort,
		}
		fields := internal.Fields{
			internal.FieldServer:          ep.Address,
			internal.FieldKey("stream"):   ep.StreamPort,
			internal.FieldKey("datagram"): ep.DatagramPort,
		}
		if cm != nil {
			fields[internal.FieldInterface] = cm.IfIndex
		}
		internal.Info("received offer", fields)
		l.publish(ep)
		return nil
	}
}

func (l *Listener) publish(ep Endpoint) {
	l.once.Do(func() {
		l.endpoint = ep
		close(l.ready)
	})
}

// Close releases the socket. It is idempotent.
func (l *Listener) Close() {
	l.closeOnce.Do(func() {
		_ = l.conn.Close()
	})
}

// Discover runs a fresh listener until the first Offer and tears it down.
func Discover(ctx context.Context, opts ListenerOptions) (Endpoint, error) {
	l, err := NewListener(ctx, opts)
	if err != nil {
		return Endpoint{}, err
	}
	defer l.Close()

	if err := l.Run(ctx); err != nil {
		return Endpoint{}, err
	}
	ep, _ := l.Endpoint()
	return ep, nil
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
