package cache

/*

Readers never lock: the owner map is replaced as a whole on every write and
published through an atomic pointer.  Record slices inside a published map
are never modified, writers build new slices for the owners they touch.

*/

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"

	"github.com/treemana/dnsproxy/log"
	"github.com/treemana/dnsproxy/util"
)

const (
	DefaultMaxTTL      = 6 * time.Hour
	DefaultNegativeTTL = time.Hour

	// longest CNAME chain Chain follows
	maxChain = 16
)

type Config struct {
	MinTTL      time.Duration `json:"min_ttl" mapstructure:"min_ttl"`           // never cache for less
	MaxTTL      time.Duration `json:"max_ttl" mapstructure:"max_ttl"`           // never cache for longer
	NegativeTTL time.Duration `json:"negative_ttl" mapstructure:"negative_ttl"` // cap for negative markers
}

type owners map[string][]*Record

type Cache struct {
	Config

	// Clock is read for every time stamp, tests replace it.
	Clock func() time.Time

	mu sync.Mutex // serializes writers
	rm atomic.Pointer[owners]
}

func New(config Config) *Cache {
	if config.MaxTTL <= 0 {
		config.MaxTTL = DefaultMaxTTL
	}
	if config.NegativeTTL <= 0 {
		config.NegativeTTL = DefaultNegativeTTL
	}

	c := &Cache{Config: config, Clock: time.Now}
	c.rm.Store(&owners{})
	return c
}

func (c *Cache) Now() time.Time {
	return c.Clock()
}

// Lookup returns the live records of an owner name in insertion order.
func (c *Cache) Lookup(name string) []*Record {
	var m = *c.rm.Load()
	var records = m[canonical(name)]
	if len(records) == 0 {
		return nil
	}

	now := c.Now()
	var live = make([]*Record, 0, len(records))
	for _, r := range records {
		if !r.Expired(now) {
			live = append(live, r)
		}
	}

	return live
}

// Chain collects the records answering name/qtype/qclass, following CNAMEs.
// The second result is false unless the chain ends in a record of qtype or a
// negative marker.
func (c *Cache) Chain(name string, qtype, qclass uint16) ([]*Record, bool) {
	var chain []*Record
	var owner = canonical(name)

	for depth := 0; depth < maxChain; depth++ {
		var next string
		var terminal bool

		for _, r := range c.Lookup(owner) {
			if !r.Answers(qtype, qclass) {
				continue
			}
			chain = append(chain, r)
			if r.Type == qtype || qtype == dns.TypeANY {
				terminal = true
			} else if r.Type == dns.TypeCNAME {
				next = r.Target()
			}
		}

		if terminal {
			return chain, true
		}
		if len(next) == 0 {
			return nil, false
		}
		owner = next
	}

	return nil, false
}

// Update caches the records of a NOERROR or NXDOMAIN response.  A negative
// marker is added for the final name of the CNAME chain when the response
// holds no data of the asked type.
func (c *Cache) Update(resp *dns.Msg) {
	if resp == nil || len(resp.Question) != 1 {
		return
	}

	if resp.Rcode != dns.RcodeSuccess && resp.Rcode != dns.RcodeNameError {
		return
	}

	var (
		now   = c.Now()
		flags = util.DNSFlags(&resp.MsgHdr)
		q     = resp.Question[0]
		fresh = make([]*Record, 0, len(resp.Answer)+1)
	)

	for _, rr := range resp.Answer {
		h := rr.Header()
		if h.Rrtype == dns.TypeOPT {
			continue
		}
		fresh = append(fresh, &Record{
			Name:     canonical(h.Name),
			Type:     h.Rrtype,
			Class:    h.Class,
			TTL:      c.clamp(time.Duration(h.Ttl)*time.Second, c.MaxTTL),
			RR:       rr,
			Received: now,
			Flags:    flags,
		})
	}

	if target, found := terminal(resp); !found {
		fresh = append(fresh, c.negative(resp, target, q, now, flags))
	}

	c.store(fresh, now)
}

func (c *Cache) negative(resp *dns.Msg, target string, q dns.Question, now time.Time, flags uint16) *Record {
	neg := &Record{
		Name:     target,
		Type:     q.Qtype,
		Class:    q.Qclass,
		TTL:      c.clamp(c.MinTTL, c.NegativeTTL),
		Negative: true,
		Received: now,
		Flags:    flags,
	}

	for _, rr := range resp.Ns {
		soa, ok := rr.(*dns.SOA)
		if !ok {
			continue
		}
		// RFC 2308 section 5
		ttl := min(soa.Hdr.Ttl, soa.Minttl)
		neg.TTL = c.clamp(time.Duration(ttl)*time.Second, c.NegativeTTL)
		neg.SOA = &Record{
			Name:     canonical(soa.Hdr.Name),
			Type:     dns.TypeSOA,
			Class:    soa.Hdr.Class,
			TTL:      soa.Hdr.Ttl,
			RR:       soa,
			Received: now,
			Flags:    flags,
		}
		break
	}

	return neg
}

type rrKey struct {
	name  string
	rtype uint16
	class uint16
}

// store replaces every cached RRset that fresh carries a member of.
func (c *Cache) store(fresh []*Record, now time.Time) {
	if len(fresh) == 0 {
		return
	}

	var replaced = make(map[rrKey]struct{}, len(fresh))
	for _, r := range fresh {
		replaced[rrKey{r.Name, r.Type, r.Class}] = struct{}{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var source = *c.rm.Load()
	var target = make(owners, len(source)+1)
	for name, records := range source {
		target[name] = records
	}

	var touched = make(map[string]struct{})
	for _, r := range fresh {
		if _, ok := touched[r.Name]; !ok {
			touched[r.Name] = struct{}{}
			kept := make([]*Record, 0, len(source[r.Name])+1)
			for _, old := range source[r.Name] {
				if _, ok := replaced[rrKey{old.Name, old.Type, old.Class}]; ok || old.Expired(now) {
					continue
				}
				kept = append(kept, old)
			}
			target[r.Name] = kept
		}
		target[r.Name] = append(target[r.Name], r)
	}

	c.rm.Store(&target)
}

// Clean drops expired records.
func (c *Cache) Clean() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var now = c.Now()
	var source = *c.rm.Load()
	var target = make(owners, len(source))
	var dropped int
	for name, records := range source {
		kept := make([]*Record, 0, len(records))
		for _, r := range records {
			if r.Expired(now) {
				dropped++
				continue
			}
			kept = append(kept, r)
		}
		if len(kept) > 0 {
			target[name] = kept
		}
	}

	c.rm.Store(&target)
	return dropped
}

// Entries returns the number of cached records, expired ones included.
func (c *Cache) Entries() (n int) {
	for _, records := range *c.rm.Load() {
		n += len(records)
	}
	return
}

// Start cleans the cache every interval until ctx is done.
func (c *Cache) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	go func() {
		var ticker = time.NewTicker(interval)
		defer ticker.Stop()

		var i uint32
		for {
			select {
			case <-ticker.C:
				i++
				dropped := c.Clean()
				log.Sugar.Debugf("cache clean %d dropped %d, entries %d", i, dropped, c.Entries())
			case <-ctx.Done():
				log.Sugar.Info("cache clean stop")
				return
			}
		}
	}()
}

func (c *Cache) clamp(ttl, ceiling time.Duration) uint32 {
	ttl = max(ttl, c.MinTTL)
	if ceiling > 0 {
		ttl = min(ttl, ceiling)
	}
	return uint32(ttl / time.Second)
}

// terminal follows the CNAME chain of resp from the question name and reports
// the last name and whether data of the question type was found for it.
func terminal(resp *dns.Msg) (string, bool) {
	var q = resp.Question[0]
	var name = canonical(q.Name)

	for range len(resp.Answer) + 1 {
		var next string
		for _, rr := range resp.Answer {
			h := rr.Header()
			if canonical(h.Name) != name {
				continue
			}
			if h.Rrtype == q.Qtype || (q.Qtype == dns.TypeANY && h.Rrtype != dns.TypeOPT) {
				return name, true
			}
			if cname, ok := rr.(*dns.CNAME); ok {
				next = canonical(cname.Target)
			}
		}
		if len(next) == 0 || next == name {
			break
		}
		name = next
	}

	return name, false
}

func canonical(name string) string {
	return util.DNSCanonical(name)
}
