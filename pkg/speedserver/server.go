// Package speedserver binds the datagram and stream ports, advertises them
// with periodic Offers and serves every incoming transfer in its own goroutine.
package speedserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/jgoldverg/bitrate/internal"
	"github.com/jgoldverg/bitrate/pkg/discovery"
	"github.com/jgoldverg/bitrate/pkg/metrics"
	"github.com/jgoldverg/bitrate/pkg/pool"
	"github.com/jgoldverg/bitrate/pkg/session"
	"github.com/jgoldverg/bitrate/pkg/sockopt"
	"github.com/jgoldverg/bitrate/pkg/wire"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	defaultDatagramReadBuffer = 2048
	shutdownGrace             = 5 * time.Second
)

type Options struct {
	// DatagramAddr and StreamAddr are host:port bind addresses. Port 0 picks
	// an ephemeral port; the bound ports are what gets advertised.
	DatagramAddr string
	StreamAddr   string
	// BroadcastAddr is where Offers are sent. A bare host gets the bound
	// datagram port appended.
	BroadcastAddr  string
	OfferInterval  time.Duration
	OfferTTL       int
	ChunkSize      int
	RequestTimeout time.Duration
	// MetricsAddr serves the collector registry over HTTP when set.
	MetricsAddr string
	Collector   *metrics.SessionCollector
}

type Server struct {
	opts      Options
	collector *metrics.SessionCollector
	buffers   *pool.BufferPool

	packetConn net.PacketConn
	streamLn   net.Listener
	metricsSrv *http.Server

	sessions  sync.WaitGroup
	closeOnce sync.Once
}

func New(opts Options) *Server {
	if opts.OfferInterval <= 0 {
		opts.OfferInterval = discovery.DefaultOfferInterval
	}
	if opts.BroadcastAddr == "" {
		opts.BroadcastAddr = internal.DefaultBroadcastAddr
	}
	collector := opts.Collector
	if collector == nil {
		collector = metrics.NewSessionCollector("")
	}
	return &Server{
		opts:      opts,
		collector: collector,
		buffers:   pool.NewBufferPool(wire.MaxPayloadLen),
	}
}

func (s *Server) Collector() *metrics.SessionCollector { return s.collector }

// Listen binds both transports. Failing to bind either one is fatal.
func (s *Server) Listen(ctx context.Context) error {
	lc := sockopt.ListenConfig(sockopt.Options{ReuseAddr: true})
	pc, err := lc.ListenPacket(ctx, "udp4", s.opts.DatagramAddr)
	if err != nil {
		return fmt.Errorf("bind datagram port %q: %w", s.opts.DatagramAddr, err)
	}
	ln, err := lc.Listen(ctx, "tcp4", s.opts.StreamAddr)
	if err != nil {
		_ = pc.Close()
		return fmt.Errorf("bind stream port %q: %w", s.opts.StreamAddr, err)
	}
	s.packetConn = pc
	s.streamLn = ln

	if s.opts.MetricsAddr != "" {
		mln, err := net.Listen("tcp", s.opts.MetricsAddr)
		if err != nil {
			_ = pc.Close()
			_ = ln.Close()
			return fmt.Errorf("bind metrics endpoint %q: %w", s.opts.MetricsAddr, err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(s.collector.Registry(), promhttp.HandlerOpts{}))
		s.metricsSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := s.metricsSrv.Serve(mln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				internal.Error("metrics endpoint exited", internal.Fields{
					internal.FieldError: err.Error(),
				})
			}
		}()
		internal.Info("metrics endpoint listening", internal.Fields{
			internal.FieldMetricAddr: mln.Addr().String(),
		})
	}

	internal.Info("server bound", internal.Fields{
		internal.FieldKey("datagram"): pc.LocalAddr().String(),
		internal.FieldKey("stream"):   ln.Addr().String(),
	})
	return nil
}

// Addrs returns the bound datagram and stream addresses. Both are nil
// before Listen succeeds.
func (s *Server) Addrs() (datagram, stream net.Addr) {
	if s.packetConn != nil {
		datagram = s.packetConn.LocalAddr()
	}
	if s.streamLn != nil {
		stream = s.streamLn.Addr()
	}
	return datagram, stream
}

// Offer is the announcement for the currently bound ports.
func (s *Server) Offer() wire.Offer {
	dg, st := s.Addrs()
	return wire.Offer{
		DatagramPort: portOf(dg),
		StreamPort:   portOf(st),
	}
}

// Serve advertises the bound ports and serves sessions until ctx is done.
// Listen must have been called first.
func (s *Server) Serve(ctx context.Context) error {
	if s.packetConn == nil || s.streamLn == nil {
		return errors.New("server is not listening")
	}

	offer := s.Offer()
	b, err := discovery.NewBroadcaster(ctx, discovery.BroadcasterOptions{
		Target:   broadcastTarget(s.opts.BroadcastAddr, offer.DatagramPort),
		Interval: s.opts.OfferInterval,
		Offer:    offer,
		TTL:      s.opts.OfferTTL,
	})
	if err != nil {
		return fmt.Errorf("start broadcaster: %w", err)
	}
	b.Start(ctx)
	defer b.Stop()

	internal.Info("server started", internal.Fields{
		internal.FieldKey("datagram_port"): offer.DatagramPort,
		internal.FieldKey("stream_port"):   offer.StreamPort,
		internal.FieldKey("broadcast"):     s.opts.BroadcastAddr,
	})

	var loops sync.WaitGroup
	loops.Add(2)
	go func() {
		defer loops.Done()
		s.acceptLoop(ctx)
	}()
	go func() {
		defer loops.Done()
		s.datagramLoop(ctx)
	}()

	<-ctx.Done()
	// Unblock both loops.
	_ = s.streamLn.Close()
	_ = s.packetConn.SetReadDeadline(time.Now())
	loops.Wait()

	internal.Info("server stopped accepting", internal.Fields{
		internal.FieldKey("offers_sent"): b.Sent(),
	})
	return nil
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.streamLn.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			internal.Warn("stream accept failed", internal.Fields{
				internal.FieldError: err.Error(),
			})
			continue
		}
		s.sessions.Add(1)
		go func() {
			defer s.sessions.Done()
			s.serveStream(ctx, conn)
		}()
	}
}

func (s *Server) datagramLoop(ctx context.Context) {
	buf := make([]byte, defaultDatagramReadBuffer)
	for {
		n, peer, err := s.packetConn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			internal.Warn("datagram read failed", internal.Fields{
				internal.FieldError: err.Error(),
			})
			continue
		}

		// Own Offers loop back through the broadcast address; skip them
		// together with anything else that is not a Request.
		var req wire.Request
		if err := req.Decode(buf[:n]); err != nil {
			internal.Trace("ignoring datagram", internal.Fields{
				internal.FieldPeer:  peer.String(),
				internal.FieldError: err.Error(),
			})
			continue
		}
		if req.RequestedSize == 0 {
			internal.Warn("rejecting datagram request", internal.Fields{
				internal.FieldPeer:  peer.String(),
				internal.FieldError: session.ErrInvalidSize.Error(),
			})
			continue
		}

		s.sessions.Add(1)
		go func(peer net.Addr, size uint64) {
			defer s.sessions.Done()
			s.serveDatagram(ctx, peer, size)
		}(peer, req.RequestedSize)
	}
}

func (s *Server) serveStream(ctx context.Context, conn net.Conn) {
	s.collector.ObserveStart(string(session.KindStream))
	st := session.ServeStream(ctx, conn, session.StreamServerOptions{
		ChunkSize:      s.opts.ChunkSize,
		RequestTimeout: s.opts.RequestTimeout,
	})
	s.record(st)
}

func (s *Server) serveDatagram(ctx context.Context, peer net.Addr, size uint64) {
	s.collector.ObserveStart(string(session.KindDatagram))
	st := session.ServeDatagram(ctx, s.packetConn, peer, size, s.buffers)
	s.record(st)
}

func (s *Server) record(st session.ServedStats) {
	outcome := string(session.OutcomeComplete)
	switch {
	case errors.Is(st.Err, session.ErrInvalidRequest):
		outcome = string(session.OutcomeFailed)
	case st.Err != nil:
		outcome = string(session.OutcomeShort)
	}
	bps := session.BitsPerSecond(st.Bytes, st.Elapsed)
	s.collector.ObserveResult(string(st.Kind), outcome, st.Bytes, st.Segments, bps)

	fields := internal.Fields{
		internal.FieldSessionID: st.ID.String(),
		internal.FieldKind:      string(st.Kind),
		internal.FieldPeer:      st.Peer,
		internal.FieldBytes:     st.Bytes,
		internal.FieldSegments:  st.Segments,
		internal.FieldElapsed:   st.Elapsed.String(),
		internal.FieldBitrate:   bps,
	}
	switch {
	case errors.Is(st.Err, session.ErrInvalidRequest):
		fields[internal.FieldError] = st.Err.Error()
		internal.Warn("rejected session request", fields)
	case st.Err != nil:
		fields[internal.FieldError] = st.Err.Error()
		internal.Warn("session ended early", fields)
	default:
		internal.Debug("session served", fields)
	}
}

// Close releases the sockets and waits for in-flight sessions, bounded by
// a short grace period.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.streamLn != nil {
			_ = s.streamLn.Close()
		}
		if s.metricsSrv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			err = s.metricsSrv.Shutdown(ctx)
			cancel()
		}

		drained := make(chan struct{})
		go func() {
			s.sessions.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-time.After(shutdownGrace):
			internal.Warn("sessions still running at shutdown", nil)
		}
		if s.packetConn != nil {
			_ = s.packetConn.Close()
		}
	})
	return err
}

func broadcastTarget(addr string, port uint16) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, strconv.Itoa(int(port)))
}

func portOf(a net.Addr) uint16 {
	switch v := a.(type) {
	case *net.UDPAddr:
		return uint16(v.Port)
	case *net.TCPAddr:
		return uint16(v.Port)
	}
	return 0
}
