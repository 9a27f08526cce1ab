package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jgoldverg/bitrate/pkg/pool"
)

const (
	defaultStreamReadBuffer = 2048
	defaultStreamChunk      = 1024
	// maxRequestLine bounds the decimal size line, including the terminator.
	maxRequestLine = 32
)

// StreamClient requests size bytes over TCP and measures how fast they arrive.
type StreamClient struct {
	DialTimeout    time.Duration
	ReadBufferSize int
	// ReadTimeout bounds each read when > 0. Zero waits for the peer forever.
	ReadTimeout time.Duration
}

func (c StreamClient) Run(ctx context.Context, addr string, size uint64) Result {
	res := Result{ID: uuid.New(), Kind: KindStream, Requested: size}
	if size == 0 {
		res.Outcome = OutcomeFailed
		res.Err = ErrInvalidSize
		return res
	}

	d := net.Dialer{Timeout: c.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		res.Outcome = OutcomeFailed
		res.Err = fmt.Errorf("dial %s: %w", addr, err)
		return res
	}
	defer conn.Close()

	stop := closeOnDone(ctx, conn)
	defer stop()

	if _, err := io.WriteString(conn, strconv.FormatUint(size, 10)+"\n"); err != nil {
		res.Outcome = OutcomeFailed
		res.Err = fmt.Errorf("send request: %w", err)
		return res
	}

	bufSize := c.ReadBufferSize
	if bufSize <= 0 {
		bufSize = defaultStreamReadBuffer
	}
	buf := make([]byte, bufSize)

	start := time.Now()
	var readErr error
	for res.Bytes < size {
		if c.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(c.ReadTimeout))
		}
		want := uint64(len(buf))
		if remaining := size - res.Bytes; remaining < want {
			want = remaining
		}
		n, err := conn.Read(buf[:want])
		if n > 0 {
			res.Bytes += uint64(n)
			res.LastArrival = time.Since(start)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				readErr = err
			}
			break
		}
	}
	res.Elapsed = time.Since(start)
	res.BitsPerSecond = BitsPerSecond(res.Bytes, res.Elapsed)

	switch {
	case res.Bytes >= size:
		res.Outcome = OutcomeComplete
	default:
		res.Outcome = OutcomeShort
		if ctx.Err() != nil {
			res.Err = ctx.Err()
		} else if readErr != nil {
			res.Err = fmt.Errorf("read: %w", readErr)
		}
	}
	return res
}

type StreamServerOptions struct {
	// ChunkSize is the write size used for the filler stream.
	ChunkSize int
	// RequestTimeout bounds the wait for the request line when > 0.
	RequestTimeout time.Duration
}

// ServeStream reads one decimal size line from conn, writes exactly that many
// filler bytes back and closes conn.
func ServeStream(ctx context.Context, conn net.Conn, opts StreamServerOptions) ServedStats {
	defer conn.Close()

	stats := ServedStats{ID: uuid.New(), Kind: KindStream, Peer: conn.RemoteAddr().String()}

	stop := closeOnDone(ctx, conn)
	defer stop()

	if opts.RequestTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(opts.RequestTimeout))
	}
	size, err := readSizeLine(bufio.NewReaderSize(conn, maxRequestLine))
	if err != nil {
		stats.Err = err
		return stats
	}
	_ = conn.SetReadDeadline(time.Time{})
	stats.Requested = size

	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = defaultStreamChunk
	}
	chunk := pool.Filler(chunkSize)

	start := time.Now()
	for stats.Bytes < size {
		n := uint64(len(chunk))
		if remaining := size - stats.Bytes; remaining < n {
			n = remaining
		}
		w, err := conn.Write(chunk[:n])
		stats.Bytes += uint64(w)
		if err != nil {
			stats.Err = fmt.Errorf("write: %w", err)
			break
		}
	}
	stats.Elapsed = time.Since(start)
	return stats
}

// readSizeLine parses the request line. A line ended by EOF instead of '\n'
// is accepted; anything longer than maxRequestLine is not.
func readSizeLine(r *bufio.Reader) (uint64, error) {
	line, err := r.ReadSlice('\n')
	switch {
	case err == nil:
	case errors.Is(err, io.EOF) && len(line) > 0:
	case errors.Is(err, bufio.ErrBufferFull):
		return 0, fmt.Errorf("%w: request line longer than %d bytes", ErrInvalidRequest, maxRequestLine)
	default:
		return 0, fmt.Errorf("%w: read request line: %v", ErrInvalidRequest, err)
	}
	text := strings.TrimSpace(string(line))
	size, err := strconv.ParseUint(text, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not an unsigned integer", ErrInvalidRequest, text)
	}
	if size == 0 {
		return 0, fmt.Errorf("%w: %w", ErrInvalidRequest, ErrInvalidSize)
	}
	return size, nil
}

// closeOnDone closes c when ctx is cancelled before the returned stop func runs.
func closeOnDone(ctx context.Context, c io.Closer) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = c.Close()
		case <-done:
		}
	}()
	return func() { close(done) }
}
