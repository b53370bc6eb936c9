package udp

import (
	"net/netip"
	"time"

	"github.com/treemana/dnsproxy/util"
)

// Respond sends b to the requester from the address the query arrived on.
func (s *Server) Respond(b []byte, to, from netip.AddrPort, ifIndex int) error {

	if err := s.conn.SetWriteDeadline(time.Now().Add(defaultTimeout)); err != nil {
		return err
	}

	_, _, err := s.conn.WriteMsgUDPAddrPort(b, s.oob(from.Addr(), ifIndex), to)
	return err
}

// oob pins the source address of a response when listening on a wildcard
// address, so that it leaves from the address the query was sent to.
func (s *Server) oob(from netip.Addr, ifIndex int) []byte {
	if !s.address.Addr().IsUnspecified() {
		return nil
	}

	// a v6 socket takes v6 control messages only
	if s.v6 != from.Unmap().Is6() {
		return nil
	}

	return util.GetOOBWithSrc(from, ifIndex)
}
