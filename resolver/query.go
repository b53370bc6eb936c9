package resolver

import (
	"context"
	"fmt"

	"github.com/miekg/dns"

	"github.com/treemana/dnsproxy/cache"
	"github.com/treemana/dnsproxy/util"
)

// Question is the name/type/class a query resolves.
type Question struct {
	Name  string
	Type  uint16
	Class uint16
}

func (q Question) String() string {
	return q.Name + " " + dns.ClassToString[q.Class] + " " + dns.TypeToString[q.Type]
}

type Options struct {
	// Timeout delivers a negative answer once the upstream exchange failed
	// or timed out, without it a failed query stays silent.
	Timeout bool

	// ReturnIntermediate delivers negative answers as well.
	ReturnIntermediate bool

	// Proxy records the header flags of the upstream response on the query.
	Proxy bool

	// DNSSECOK sets the DO bit on the upstream request.
	DNSSECOK bool
}

// Callback receives the records answering a query.  It always runs on the
// goroutine executing the posted closures.
type Callback func(q *Query, r *cache.Record, add bool)

// Query is one live resolver query.
type Query struct {
	Question
	Options

	// ResponseFlags header flags of the last upstream response, only for
	// Proxy queries.  Zero until a response arrived.
	ResponseFlags uint16

	cb      Callback
	stopped bool
	cancel  context.CancelFunc
}

// NewQuery returns a query not driven by any resolver, deliveries go through
// Deliver.
func NewQuery(q Question, opt Options, cb Callback) *Query {
	return &Query{Question: q, Options: opt, cb: cb}
}

// Deliver hands r to the callback unless the query was stopped.
func (q *Query) Deliver(r *cache.Record, add bool) {
	if q.stopped || q.cb == nil {
		return
	}
	if r.Negative && !q.ReturnIntermediate {
		return
	}
	q.cb(q, r, add)
}

func (q *Query) Stopped() bool {
	return q.stopped
}

func (q *Query) stop() {
	q.stopped = true
	if q.cancel != nil {
		q.cancel()
	}
}

// key identifies identical upstream exchanges.
func (q *Query) key() string {
	return fmt.Sprintf("%s/%d/%d/%t", util.DNSCanonical(q.Name), q.Type, q.Class, q.DNSSECOK)
}

func (q *Query) request() *dns.Msg {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(q.Name), q.Type)
	m.Question[0].Qclass = q.Class
	m.SetEdns0(dns.DefaultMsgSize, q.DNSSECOK)
	return m
}

// negative is the uncached marker delivered when resolution failed.
func (q *Query) negative(flags uint16) *cache.Record {
	return &cache.Record{
		Name:     util.DNSCanonical(q.Name),
		Type:     q.Type,
		Class:    q.Class,
		Negative: true,
		Flags:    flags,
	}
}
