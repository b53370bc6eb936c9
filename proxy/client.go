package proxy

import (
	"io"
	"net/netip"

	"github.com/treemana/dnsproxy/model"
	"github.com/treemana/dnsproxy/resolver"
	"github.com/treemana/dnsproxy/util"
)

// State is the DNS64 synthesis state of a client.
type State uint8

const (
	Initial          State = iota
	AAAASynthesizing       // asking A to synthesize AAAA answers
	PTRTrying              // asking the in-addr.arpa name mapped from ip6.arpa
	PTRSuccess             // the in-addr.arpa name has a PTR answer
	PTRNXDomain            // the in-addr.arpa name has no usable answer
)

var stateNames = [...]string{"initial", "aaaa-synthesizing", "ptr-trying", "ptr-success", "ptr-nxdomain"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// client is one proxied request waiting for its answer.
type client struct {
	sn  uint64
	key model.Key

	src     netip.AddrPort
	dst     netip.AddrPort
	id      uint16
	ifIndex int
	tcp     bool
	handle  model.Handle
	context io.Closer

	flags   uint16 // request header flags
	opt     []byte // OPT record of the request
	bufSize uint16 // advertised payload size, zero without EDNS0
	do      bool

	// question as the client asked it, question below may be rewritten
	qname  string
	qtype  uint16
	qclass uint16

	state    State
	question resolver.Question
	query    *resolver.Query
}

// responseFlags takes RD and CD from the request and every other bit from
// flags.
func (c *client) responseFlags(flags uint16) uint16 {
	const request = util.FlagRD | util.FlagCD
	return flags&^request | c.flags&request
}

// limit returns the largest response c accepts.
func (c *client) limit() int {
	switch {
	case c.tcp:
		return MaxMessageSize
	case c.bufSize == 0:
		return MinMessageSize
	default:
		return min(max(int(c.bufSize), MinMessageSize), MaxMessageSize)
	}
}
