package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/jgoldverg/bitrate/pkg/pool"
	"github.com/jgoldverg/bitrate/pkg/sockopt"
	"github.com/jgoldverg/bitrate/pkg/wire"
)

const (
	DefaultIdleTimeout        = 5 * time.Second
	defaultDatagramReadBuffer = 2048
)

// DatagramClient requests a segmented UDP transfer and counts the Payload
// segments that arrive until the socket has been idle for IdleTimeout.
type DatagramClient struct {
	IdleTimeout    time.Duration
	ReadBufferSize int
	// SocketBuffer is an SO_RCVBUF hint for the ephemeral socket; 0 keeps the
	// kernel default.
	SocketBuffer int
}

func (c DatagramClient) Run(ctx context.Context, addr string, size uint64) Result {
	res := Result{ID: uuid.New(), Kind: KindDatagram, Requested: size}
	if size == 0 {
		res.Outcome = OutcomeFailed
		res.Err = ErrInvalidSize
		return res
	}

	idle := c.IdleTimeout
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	bufSize := c.ReadBufferSize
	if bufSize < wire.MaxPayloadLen {
		bufSize = defaultDatagramReadBuffer
	}

	raddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		res.Outcome = OutcomeFailed
		res.Err = fmt.Errorf("resolve %s: %w", addr, err)
		return res
	}
	lc := sockopt.ListenConfig(sockopt.Options{ReadBuffer: c.SocketBuffer})
	conn, err := lc.ListenPacket(ctx, "udp4", ":0")
	if err != nil {
		res.Outcome = OutcomeFailed
		res.Err = fmt.Errorf("open datagram socket: %w", err)
		return res
	}
	defer conn.Close()

	stop := closeOnDone(ctx, conn)
	defer stop()

	req := wire.Request{RequestedSize: size}
	if _, err := conn.WriteTo(req.Marshal(), raddr); err != nil {
		res.Outcome = OutcomeFailed
		res.Err = fmt.Errorf("send request: %w", err)
		return res
	}

	buf := make([]byte, bufSize)
	start := time.Now()
	for {
		_ = conn.SetReadDeadline(time.Now().Add(idle))
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			var ne net.Error
			switch {
			case errors.As(err, &ne) && ne.Timeout():
				res.Outcome = OutcomeIdleTimeout
			case ctx.Err() != nil:
				res.Outcome = OutcomeShort
				res.Err = ctx.Err()
			default:
				res.Outcome = OutcomeShort
				res.Err = fmt.Errorf("read: %w", err)
			}
			break
		}

		var p wire.Payload
		if p.Decode(buf[:n]) != nil {
			continue
		}
		res.Segments++
		res.LastArrival = time.Since(start)
	}

	res.Elapsed = time.Since(start)
	res.Bytes = res.Segments * wire.MaxSegmentData
	res.BitsPerSecond = BitsPerSecond(res.Bytes, res.Elapsed)
	return res
}

// ServeDatagram answers one Request by sending ceil(size/1024) Payload
// segments to peer back to back over the shared conn. A send failure ends
// this session only.
func ServeDatagram(ctx context.Context, conn net.PacketConn, peer net.Addr, size uint64, buffers *pool.BufferPool) ServedStats {
	stats := ServedStats{ID: uuid.New(), Kind: KindDatagram, Peer: peer.String(), Requested: size}
	if size == 0 {
		stats.Err = fmt.Errorf("%w: %w", ErrInvalidRequest, ErrInvalidSize)
		return stats
	}
	if buffers == nil || buffers.Size() < wire.MaxPayloadLen {
		buffers = pool.NewBufferPool(wire.MaxPayloadLen)
	}
	buf := buffers.GetBuffer()
	defer buffers.PutBuffer(buf)

	filler := pool.Filler(wire.MaxSegmentData)
	total := wire.SegmentCount(size)

	start := time.Now()
	for i := uint64(0); i < total; i++ {
		if err := ctx.Err(); err != nil {
			stats.Err = err
			break
		}
		p := wire.Payload{
			TotalSegments: total,
			SegmentIndex:  i,
			Data:          filler[:wire.SegmentLen(size, i)],
		}
		n, err := p.Encode(buf)
		if err != nil {
			stats.Err = fmt.Errorf("encode segment %d: %w", i, err)
			break
		}
		if _, err := conn.WriteTo(buf[:n], peer); err != nil {
			stats.Err = fmt.Errorf("send segment %d: %w", i, err)
			break
		}
		stats.Segments++
		stats.Bytes += uint64(len(p.Data))
	}
	stats.Elapsed = time.Since(start)
	return stats
}
