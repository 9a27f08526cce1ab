package discovery

import (
	"fmt"
	"net"
	"strconv"
)

// Endpoint is what a client learns from an Offer. It is a value: once
// published it is copied to every session and never mutated.
type Endpoint struct {
	Address      string
	DatagramPort uint16
	StreamPort   uint16
}

func (e Endpoint) StreamAddr() string {
	return net.JoinHostPort(e.Address, strconv.Itoa(int(e.StreamPort)))
}

func (e Endpoint) DatagramAddr() string {
	return net.JoinHostPort(e.Address, strconv.Itoa(int(e.DatagramPort)))
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s (stream %d, datagram %d)", e.Address, e.StreamPort, e.DatagramPort)
}
