package cache

import (
	"time"

	"github.com/miekg/dns"
)

// Record is one cached resource record, or a negative marker saying the owner
// has no data of Type.
type Record struct {
	Name  string // canonical owner name
	Type  uint16
	Class uint16
	TTL   uint32 // ttl at the time of caching, after clamping

	RR       dns.RR // nil for negative markers
	Negative bool

	Received time.Time
	Flags    uint16  // header flags of the response this record came from
	SOA      *Record // authority SOA linked to a negative marker
}

// Remaining returns the ttl left at now, zero once expired.
func (r *Record) Remaining(now time.Time) uint32 {
	elapsed := now.Sub(r.Received)
	if elapsed < 0 {
		return r.TTL
	}

	seconds := uint64(elapsed / time.Second)
	if seconds >= uint64(r.TTL) {
		return 0
	}

	return r.TTL - uint32(seconds)
}

// Expired reports whether r outlived its ttl, a record stays visible during
// its last second so that zero ttl answers can still be handed out once.
func (r *Record) Expired(now time.Time) bool {
	return now.Sub(r.Received) >= time.Duration(r.TTL)*time.Second+time.Second
}

// Answers reports whether r answers a question of qtype/qclass asked for its
// owner name.  A CNAME answers every question type.
func (r *Record) Answers(qtype, qclass uint16) bool {
	if qclass != dns.ClassANY && r.Class != qclass {
		return false
	}

	if r.Type == qtype || qtype == dns.TypeANY {
		return true
	}

	return r.Type == dns.TypeCNAME && !r.Negative
}

// Target returns the canonical name a CNAME record points to.
func (r *Record) Target() string {
	if cname, ok := r.RR.(*dns.CNAME); ok {
		return canonical(cname.Target)
	}
	return ""
}

func (r *Record) String() string {
	if r.Negative {
		return r.Name + " " + dns.ClassToString[r.Class] + " " + dns.TypeToString[r.Type] + " negative"
	}
	return r.RR.String()
}
