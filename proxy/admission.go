package proxy

import (
	"encoding/binary"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/treemana/dnsproxy/log"
	"github.com/treemana/dnsproxy/model"
	"github.com/treemana/dnsproxy/resolver"
	"github.com/treemana/dnsproxy/util"
)

// HandleUDP admits a query read from a UDP socket.
func (e *Engine) HandleUDP(p *model.Packet) {
	p.TCP = false
	e.admit(p)
}

// HandleTCP admits a query read from a TCP connection.  An empty payload, or
// one arriving on an interface no longer accepted, tears the connection down.
func (e *Engine) HandleTCP(p *model.Packet) {
	p.TCP = true

	if len(p.Payload) == 0 {
		e.teardown(p)
		return
	}

	if !e.allowed(p.IfIndex) {
		log.Sugar.Warnf("sn=%d, rejecting tcp query from %s on interface %d", p.SN, p.Src, p.IfIndex)
		e.stats.rejected.Add(1)
		e.teardown(p)
		return
	}

	e.admit(p)
}

func (e *Engine) admit(p *model.Packet) {
	e.stats.received.Add(1)

	if e.closed {
		dispose(p.Context)
		return
	}

	if !e.allowed(p.IfIndex) {
		log.Sugar.Warnf("sn=%d, rejecting query from %s on interface %d", p.SN, p.Src, p.IfIndex)
		e.stats.rejected.Add(1)
		return
	}

	var msg = p.Payload
	if len(msg) < HeaderSize {
		log.Sugar.Debugf("sn=%d, message from %s to %s length %d too short", p.SN, p.Src, p.Dst, len(msg))
		e.stats.dropped.Add(1)
		return
	}

	var (
		id      = binary.BigEndian.Uint16(msg[0:])
		flags   = binary.BigEndian.Uint16(msg[2:])
		qdCount = binary.BigEndian.Uint16(msg[4:])
		anCount = binary.BigEndian.Uint16(msg[6:])
		nsCount = binary.BigEndian.Uint16(msg[8:])
		arCount = binary.BigEndian.Uint16(msg[10:])
	)

	if flags&(util.FlagQR|util.OpcodeMask) != 0 {
		log.Sugar.Infof("sn=%d, id=%d, not a query (0x%04x) from %s", p.SN, id, flags, p.Src)
		e.echo(p, dns.RcodeNotImplemented)
		return
	}

	if qdCount != 1 || anCount != 0 || nsCount != 0 {
		log.Sugar.Infof("sn=%d, id=%d, malformed query from %s, qd=%d, an=%d, ns=%d", p.SN, id, p.Src, qdCount, anCount, nsCount)
		e.echo(p, dns.RcodeFormatError)
		return
	}

	name, off, err := dns.UnpackDomainName(msg, HeaderSize)
	if err != nil || off+4 > len(msg) {
		log.Sugar.Infof("sn=%d, id=%d, question from %s cannot be parsed error=[%+v]", p.SN, id, p.Src, err)
		e.echo(p, dns.RcodeFormatError)
		return
	}

	var (
		qtype  = binary.BigEndian.Uint16(msg[off:])
		qclass = binary.BigEndian.Uint16(msg[off+2:])
		key    = model.Key{
			Addr:   p.Src.Addr(),
			Port:   p.Src.Port(),
			ID:     id,
			Qtype:  qtype,
			Qclass: qclass,
			Qname:  util.DNSCanonical(name),
		}
	)

	if e.clients.find(key) != nil {
		log.Sugar.Debugf("sn=%d, id=%d, duplicate [%s %s] from %s", p.SN, id, name, dns.TypeToString[qtype], p.Src)
		e.stats.duplicates.Add(1)
		return
	}

	if e.clients.len() >= e.config.MaxClients {
		log.Sugar.Errorf("sn=%d, id=%d, %d clients outstanding, dropping query from %s", p.SN, id, e.clients.len(), p.Src)
		e.stats.dropped.Add(1)
		dispose(p.Context)
		return
	}

	c := &client{
		sn:       p.SN,
		key:      key,
		src:      p.Src,
		dst:      p.Dst,
		id:       id,
		ifIndex:  p.IfIndex,
		tcp:      p.TCP,
		handle:   p.Handle,
		context:  p.Context,
		flags:    flags,
		qname:    name,
		qtype:    qtype,
		qclass:   qclass,
		question: resolver.Question{Name: name, Type: qtype, Class: qclass},
	}

	if raw, opt := locateOPT(msg, off+4, arCount); opt != nil {
		c.opt = raw
		c.bufSize = opt.UDPSize()
		c.do = opt.Do()
	}

	e.setup(c)
	e.clients.add(c)

	log.Logger.Debug("query",
		append(log.Query(c.src, c.id, c.qname, c.qtype), log.SN(c.sn), zap.Stringer("dns64", c.state))...)

	e.start(c)
}
