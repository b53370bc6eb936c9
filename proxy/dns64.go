package proxy

import (
	"net"
	"net/netip"
	"time"

	"github.com/miekg/dns"

	"github.com/treemana/dnsproxy/cache"
	"github.com/treemana/dnsproxy/log"
)

// action is what the engine does with a record delivered to a client.
type action uint8

const (
	actAssemble action = iota // answer from the cache
	actDefer                  // wait for the next record
	actRestart                // query again as A
	actBypass                 // answer NXDOMAIN
)

// setup rewrites the question of a new client for DNS64 (RFC 6147).
func (e *Engine) setup(c *client) {
	if !e.dns64() {
		return
	}

	switch c.qtype {
	case dns.TypePTR:
		if name, ok := e.config.Prefix.MapReverseName(c.qname); ok {
			log.Sugar.Debugf("sn=%d, id=%d, ptr %s mapped to %s", c.sn, c.id, c.qname, name)
			c.question.Name = name
			c.state = PTRTrying
		}
	case dns.TypeAAAA:
		if e.config.ForceAAAA {
			c.question.Type = dns.TypeA
			c.state = AAAASynthesizing
		}
	}
}

// advance moves c on for an added record r.
func (c *client) advance(r *cache.Record, dns64 bool) action {
	if dns64 {
		switch c.state {
		case Initial:
			// RFC 6147 section 5.1.6
			if r.Negative && c.question.Type == dns.TypeAAAA && r.Type == dns.TypeAAAA && r.Class == dns.ClassINET {
				c.state = AAAASynthesizing
				return actRestart
			}
		case PTRTrying:
			// RFC 6147 section 5.3.1
			if !r.Negative && c.question.Type == dns.TypePTR && r.Type == dns.TypePTR && r.Class == dns.ClassINET {
				c.state = PTRSuccess
			} else {
				c.state = PTRNXDomain
			}
		}

		if c.state == PTRNXDomain {
			return actBypass
		}
	}

	if !r.Negative && r.Type != c.question.Type && c.question.Type != dns.TypeANY {
		return actDefer
	}

	return actAssemble
}

// answerRR returns the record appended for r, a synthesized AAAA for an A
// record while synthesizing.  False when no AAAA can be synthesized.
func (e *Engine) answerRR(c *client, r *cache.Record, now time.Time) (dns.RR, bool) {
	var rr dns.RR

	if a, ok := r.RR.(*dns.A); ok && c.state == AAAASynthesizing {
		v4, ok := netip.AddrFromSlice(a.A.To4())
		if !ok {
			return nil, false
		}

		v6, ok := e.config.Prefix.Synthesize(v4)
		if !ok {
			log.Sugar.Debugf("sn=%d, id=%d, no AAAA for %s under %s", c.sn, c.id, v4, e.config.Prefix)
			return nil, false
		}

		rr = &dns.AAAA{
			Hdr:  dns.RR_Header{Name: a.Hdr.Name, Rrtype: dns.TypeAAAA, Class: a.Hdr.Class},
			AAAA: net.IP(v6.AsSlice()),
		}
	} else {
		rr = dns.Copy(r.RR)
	}

	rr.Header().Ttl = r.Remaining(now)
	return rr, true
}

// ptrCNAME maps the asked ip6.arpa name to the in-addr.arpa name answered.
func ptrCNAME(c *client) dns.RR {
	return &dns.CNAME{
		Hdr:    dns.RR_Header{Name: c.qname, Rrtype: dns.TypeCNAME, Class: dns.ClassINET},
		Target: c.question.Name,
	}
}
