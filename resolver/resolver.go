package resolver

import (
	"context"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sync/singleflight"

	"github.com/treemana/dnsproxy/cache"
	"github.com/treemana/dnsproxy/log"
	"github.com/treemana/dnsproxy/util"
)

const DefaultTimeout = 5 * time.Second

// Exchanger sends a request upstream.
type Exchanger interface {
	Exchange(ctx context.Context, req *dns.Msg) (*dns.Msg, error)
}

// Resolver answers queries from the cache, forwarding misses upstream.
// Start, Stop and every callback run on the goroutine draining post.
type Resolver struct {
	cache    *cache.Cache
	upstream Exchanger
	post     func(func())
	timeout  time.Duration

	group singleflight.Group
}

// New returns a Resolver delivering callbacks through post.
func New(c *cache.Cache, up Exchanger, post func(func()), timeout time.Duration) *Resolver {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Resolver{
		cache:    c,
		upstream: up,
		post:     post,
		timeout:  timeout,
	}
}

func (r *Resolver) Start(q Question, opt Options, cb Callback) *Query {
	q.Name = dns.Fqdn(q.Name)
	var query = NewQuery(q, opt, cb)

	if chain, ok := r.cache.Chain(q.Name, q.Type, q.Class); ok {
		log.Sugar.Debugf("resolver cache hit [%s], records %d", q, len(chain))
		r.post(func() { deliver(query, chain) })
		return query
	}

	var ctx context.Context
	ctx, query.cancel = context.WithCancel(context.Background())
	go r.resolve(ctx, query)

	return query
}

// Stop ends q, no callback runs for it afterwards.
func (r *Resolver) Stop(q *Query) {
	if q != nil {
		q.stop()
	}
}

func (r *Resolver) Lookup(name string) []*cache.Record {
	return r.cache.Lookup(name)
}

func (r *Resolver) Now() time.Time {
	return r.cache.Now()
}

func (r *Resolver) resolve(ctx context.Context, query *Query) {
	var req = query.request()

	ch := r.group.DoChan(query.key(), func() (any, error) {
		xctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()

		start := time.Now()
		resp, err := r.upstream.Exchange(xctx, req)
		if err != nil {
			return nil, err
		}

		log.Sugar.Debugf("resolver [%s] %s answer %d, cost %s", query.Question, dns.RcodeToString[resp.Rcode], len(resp.Answer), time.Since(start))
		r.cache.Update(resp)
		return resp, nil
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return
	}

	resp, _ := res.Val.(*dns.Msg)
	r.post(func() { r.complete(query, resp, res.Err) })
}

func (r *Resolver) complete(query *Query, resp *dns.Msg, err error) {
	if query.stopped {
		return
	}

	if err != nil {
		log.Sugar.Warnf("resolver [%s] error=[%+v]", query.Question, err)
		if query.Timeout {
			query.Deliver(query.negative(0), true)
		}
		return
	}

	var flags = util.DNSFlags(&resp.MsgHdr)
	if query.Proxy {
		query.ResponseFlags = flags
	}

	if resp.Rcode == dns.RcodeSuccess || resp.Rcode == dns.RcodeNameError {
		if chain, ok := r.cache.Chain(query.Name, query.Type, query.Class); ok {
			deliver(query, chain)
			return
		}
	}

	query.Deliver(query.negative(flags), true)
}

func deliver(query *Query, chain []*cache.Record) {
	for _, record := range chain {
		if query.stopped {
			return
		}
		query.Deliver(record, true)
	}
}
