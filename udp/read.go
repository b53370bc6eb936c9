package udp

import (
	"errors"
	"net"
	"net/netip"

	"github.com/miekg/dns"

	"github.com/treemana/dnsproxy/log"
	"github.com/treemana/dnsproxy/model"
	"github.com/treemana/dnsproxy/util"
)

func (s *Server) produce(packet []byte, oob []byte, remote netip.AddrPort, sn uint64) {

	dst, ifIndex := util.ParseOOB(oob, s.v6)
	if !dst.IsValid() {
		dst = s.address.Addr()
	}

	p := &model.Packet{
		SN:      sn,
		Payload: packet,
		Src:     netip.AddrPortFrom(remote.Addr().Unmap(), remote.Port()),
		Dst:     netip.AddrPortFrom(dst, s.address.Port()),
		IfIndex: ifIndex,
		Handle:  s,
	}

	log.Sugar.Debugf("sn=%d, %d bytes from %s to %s on interface %d", sn, len(packet), p.Src, p.Dst, ifIndex)

	s.sink.Submit(p)
}

func (s *Server) read() {
	defer s.readWG.Done()

	bytes := make([]byte, dns.MaxMsgSize)
	oob := make([]byte, util.OOBSize)
	for {
		n, oobn, _, remoteAddr, err := s.conn.ReadMsgUDPAddrPort(bytes, oob)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				log.Sugar.Warn("server read connection closed")
				break
			}
			log.Sugar.Error("server read error : ", err)
			continue
		}

		if n <= 0 {
			log.Sugar.Warn("server read 0 byte")
			continue
		}

		if !s.status.Load() {
			log.Sugar.Info("server read after stopped")
			break
		}

		// make a copy of all bytes because ReadMsgUDPAddrPort() will overwrite contents of b on next call
		// the packet is handled on the engine goroutine
		packet := make([]byte, n)
		copy(packet, bytes)
		control := make([]byte, oobn)
		copy(control, oob)

		s.produce(packet, control, remoteAddr, s.serial.Add(1))
	}
}
