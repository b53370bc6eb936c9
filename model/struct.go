package model

import (
	"io"
	"net/netip"
)

// Handle is the transport end a response travels back through.  Respond must
// not retain b after returning.
type Handle interface {
	Respond(b []byte, to, from netip.AddrPort, ifIndex int) error
}

// Packet is one DNS message handed over by a transport.
type Packet struct {
	// SN serial number assigned by the transport, only used in logs
	SN uint64

	Payload []byte

	Src     netip.AddrPort // requester
	Dst     netip.AddrPort // local address the request arrived on
	IfIndex int            // arrival interface, 0 when unknown

	TCP    bool
	Handle Handle

	// Context is released once the request is finished with, nil for UDP.
	// For TCP it is the connection itself.
	Context io.Closer
}

// Key identifies a client request for duplicate detection.
type Key struct {
	Addr   netip.Addr
	Port   uint16
	ID     uint16
	Qtype  uint16
	Qclass uint16
	Qname  string // canonical form
}

// Sink accepts the packets read by a transport.
type Sink interface {
	Submit(p *Packet)
}
