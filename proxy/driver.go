package proxy

import (
	"encoding/binary"
	"errors"
	"net/netip"

	"github.com/miekg/dns"

	"github.com/treemana/dnsproxy/cache"
	"github.com/treemana/dnsproxy/log"
	"github.com/treemana/dnsproxy/model"
	"github.com/treemana/dnsproxy/resolver"
)

var proxyOptions = resolver.Options{
	Timeout:            true,
	ReturnIntermediate: true,
	Proxy:              true,
}

func (e *Engine) start(c *client) {
	var options = proxyOptions
	options.DNSSECOK = c.do

	c.query = e.resolver.Start(c.question, options, func(q *resolver.Query, r *cache.Record, add bool) {
		e.callback(c, q, r, add)
	})
}

func (e *Engine) callback(c *client, q *resolver.Query, r *cache.Record, add bool) {
	if !add {
		return
	}

	if q != c.query {
		log.Sugar.Debugf("sn=%d, id=%d, record %s for a stopped query", c.sn, c.id, r)
		return
	}

	switch c.advance(r, e.dns64()) {
	case actDefer:
		log.Sugar.Debugf("sn=%d, id=%d, received %s, not answering yet", c.sn, c.id, r)
		return
	case actRestart:
		log.Sugar.Debugf("sn=%d, id=%d, no AAAA for %s, asking A", c.sn, c.id, c.question.Name)
		e.resolver.Stop(c.query)
		c.question.Type = dns.TypeA
		e.start(c)
		return
	case actBypass:
		e.nxDomain(c)
	case actAssemble:
		e.answer(c)
	}

	e.finish(c)
}

// answer sends what the cache holds for c, or SERVFAIL.
func (e *Engine) answer(c *client) {
	err := e.assemble(c)
	switch {
	case err == nil:
		e.stats.answered.Add(1)
	case errors.Is(err, ErrTruncated):
		e.stats.truncated.Add(1)
		if c.tcp {
			log.Sugar.Errorf("sn=%d, id=%d, [%s %s] does not fit a tcp message error=[%+v]", c.sn, c.id, c.qname, dns.TypeToString[c.qtype], err)
		} else {
			log.Sugar.Infof("sn=%d, id=%d, [%s %s] truncated to %d bytes", c.sn, c.id, c.qname, dns.TypeToString[c.qtype], c.limit())
			e.message.truncate()
		}
	default:
		log.Sugar.Infof("sn=%d, id=%d, no answer for [%s %s] error=[%+v]", c.sn, c.id, c.qname, dns.TypeToString[c.qtype], err)
		if err = e.servFail(c); err != nil {
			log.Sugar.Errorf("sn=%d, id=%d, servfail error=[%+v]", c.sn, c.id, err)
			return
		}
	}

	e.send(c.sn, c.handle, e.message.bytes(), c.src, c.dst, c.ifIndex)
}

// finish stops the query of c and forgets c.
func (e *Engine) finish(c *client) {
	e.resolver.Stop(c.query)

	if !e.clients.remove(c) {
		log.Sugar.Errorf("sn=%d, id=%d, client [%s %s] not found", c.sn, c.id, c.question.Name, dns.TypeToString[c.question.Type])
		return
	}

	e.release(c)
}

func (e *Engine) release(c *client) {
	c.opt = nil
	dispose(c.context)
	c.context = nil
}

// teardown forgets every client waiting on the connection of p.
func (e *Engine) teardown(p *model.Packet) {
	clients := e.clients.bound(p.Handle)
	log.Sugar.Debugf("sn=%d, connection from %s closed, clients %d", p.SN, p.Src, len(clients))

	for _, c := range clients {
		e.resolver.Stop(c.query)
		e.clients.remove(c)
		e.release(c)
	}

	dispose(p.Context)
	e.stats.teardowns.Add(1)
}

func (e *Engine) send(sn uint64, h model.Handle, b []byte, to, from netip.AddrPort, ifIndex int) {
	if err := h.Respond(b, to, from, ifIndex); err != nil {
		log.Sugar.Errorf("sn=%d, respond to %s error=[%+v]", sn, to, err)
		return
	}

	log.Sugar.Infof("sn=%d, id=%d, %s answer %d, %d bytes to %s",
		sn, binary.BigEndian.Uint16(b), dns.RcodeToString[int(b[3]&0xF)], binary.BigEndian.Uint16(b[6:]), len(b), to)
}
