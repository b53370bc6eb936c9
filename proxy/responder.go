package proxy

import (
	"github.com/miekg/dns"

	"github.com/treemana/dnsproxy/log"
	"github.com/treemana/dnsproxy/model"
	"github.com/treemana/dnsproxy/util"
)

// echo answers p with its own header and body, as a response carrying
// rcode.  CD is kept, the rest of the low flag byte becomes rcode.
func (e *Engine) echo(p *model.Packet, rcode int) {
	e.stats.errors.Add(1)

	n := min(len(p.Payload), len(e.message.buf))
	b := e.message.buf[:n]
	copy(b, p.Payload)

	b[2] |= byte(util.FlagQR >> 8)
	b[3] = b[3]&byte(util.FlagCD) | byte(rcode)&byte(util.RcodeMask)

	e.send(p.SN, p.Handle, b, p.Src, p.Dst, p.IfIndex)
	dispose(p.Context)
}

// servFail restates the question of c with the flags of the last upstream
// response, SERVFAIL when there was none.
func (e *Engine) servFail(c *client) error {
	e.stats.servFail.Add(1)

	var flags = util.FlagQR | uint16(dns.RcodeServerFailure)
	if c.query != nil && c.query.ResponseFlags != 0 {
		flags = c.query.ResponseFlags
	}

	return e.restate(c, flags)
}

// nxDomain answers a PTR whose mapped in-addr.arpa name had no answer.
func (e *Engine) nxDomain(c *client) {
	e.stats.nxDomain.Add(1)

	if err := e.restate(c, util.FlagQR|uint16(dns.RcodeNameError)); err != nil {
		log.Sugar.Errorf("sn=%d, id=%d, nxdomain error=[%+v]", c.sn, c.id, err)
		return
	}

	e.send(c.sn, c.handle, e.message.bytes(), c.src, c.dst, c.ifIndex)
}

// restate builds a response holding only the question of c.
func (e *Engine) restate(c *client, flags uint16) error {
	e.message.reset(c.id, c.responseFlags(flags), MaxMessageSize)
	return e.message.question(c.qname, c.qtype, c.qclass)
}
