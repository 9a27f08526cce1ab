// Package sockopt builds net.ListenConfig values with the socket options the
// discovery and transfer sockets need.
package sockopt

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

type Options struct {
	// ReuseAddr sets SO_REUSEADDR and SO_REUSEPORT so a client discovery
	// listener can share the well-known port with a server on the same host.
	ReuseAddr bool
	// Broadcast sets SO_BROADCAST so the socket may send to a broadcast address.
	Broadcast bool
	// ReadBuffer and WriteBuffer are SO_RCVBUF / SO_SNDBUF hints; 0 keeps the
	// kernel default.
	ReadBuffer  int
	WriteBuffer int
}

func ListenConfig(opts Options) net.ListenConfig {
	return net.ListenConfig{
		Control: func(network, _ string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				if opts.ReuseAddr {
					_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
					_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
				}
				if opts.Broadcast {
					sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
				}
				if opts.ReadBuffer > 0 {
					_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, opts.ReadBuffer)
				}
				if opts.WriteBuffer > 0 {
					_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, opts.WriteBuffer)
				}
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
}
