package proxy

import (
	"errors"
	"fmt"

	"github.com/miekg/dns"

	"github.com/treemana/dnsproxy/cache"
	"github.com/treemana/dnsproxy/log"
)

var (
	ErrNoSuchRecord = errors.New("no such record")
	ErrTruncated    = errors.New("answer truncated")
)

// assemble builds the answer of c into e.message from the cached records,
// following CNAMEs.  On ErrTruncated the message holds every record that
// fit.
func (e *Engine) assemble(c *client) error {
	var (
		m     = e.message
		now   = e.resolver.Now()
		q     = c.question
		owner = c.qname
		first = true
		soa   *cache.Record
	)

	if c.state == PTRSuccess {
		owner = q.Name
	}

	for {
		var cname *cache.Record

		records := e.resolver.Lookup(owner)
		if len(records) == 0 {
			if first {
				return fmt.Errorf("%w for %s", ErrNoSuchRecord, owner)
			}
			log.Sugar.Debugf("sn=%d, id=%d, nothing cached for %s, chase ends", c.sn, c.id, owner)
			break
		}

		for _, r := range records {
			if !r.Answers(q.Type, q.Class) {
				continue
			}

			if first {
				first = false
				m.reset(c.id, c.responseFlags(r.Flags), c.limit())
				if err := m.question(c.qname, c.qtype, c.qclass); err != nil {
					return fmt.Errorf("question %s error=[%w]", c.qname, err)
				}
				if c.state == PTRSuccess {
					if err := m.append(sectionAnswer, ptrCNAME(c)); err != nil {
						return truncated(err)
					}
				}
			}

			if !r.Negative {
				rr, ok := e.answerRR(c, r, now)
				if !ok {
					continue
				}
				if err := m.append(sectionAnswer, rr); err != nil {
					return truncated(err)
				}
			}

			if r.SOA != nil {
				soa = r.SOA
			}

			if r.Type == dns.TypeCNAME && q.Type != dns.TypeCNAME {
				cname = r
			}
		}

		if cname == nil {
			break
		}
		owner = cname.Target()
	}

	if first {
		return fmt.Errorf("%w for %s", ErrNoSuchRecord, owner)
	}

	// authority follows every answer of the chase
	if soa != nil {
		rr := dns.Copy(soa.RR)
		rr.Header().Ttl = soa.TTL
		if err := m.append(sectionAuthority, rr); err != nil {
			return truncated(err)
		}
	}

	if c.bufSize > 0 {
		if err := m.append(sectionAdditional, optRR()); err != nil {
			return truncated(err)
		}
	}

	return nil
}

func truncated(err error) error {
	return fmt.Errorf("%w: %v", ErrTruncated, err)
}
