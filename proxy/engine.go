package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/treemana/dnsproxy/cache"
	"github.com/treemana/dnsproxy/log"
	"github.com/treemana/dnsproxy/model"
	"github.com/treemana/dnsproxy/nat64"
	"github.com/treemana/dnsproxy/resolver"
)

const (
	HeaderSize      = 12
	MinMessageSize  = 512
	MaxMessageSize  = 8940 // largest message built, TCP included
	EDNSPayloadSize = 4096 // advertised in every response OPT
	MaxInputs       = 5

	DefaultMaxClients = 4096

	eventQueue = 1024
)

type Config struct {
	// Inputs indexes of the interfaces queries are accepted on
	Inputs []int

	// Prefix NAT64 prefix, DNS64 is off when it is the zero Prefix
	Prefix nat64.Prefix

	// ForceAAAA synthesizes AAAA answers without asking for AAAA first
	ForceAAAA bool

	// MaxClients bounds the outstanding requests, DefaultMaxClients if zero
	MaxClients int
}

// Resolver starts and stops the query of each client and serves the cached
// records answers are built from.  Callbacks must run on the engine
// goroutine.
type Resolver interface {
	Start(q resolver.Question, opt resolver.Options, cb resolver.Callback) *resolver.Query
	Stop(q *resolver.Query)
	Lookup(name string) []*cache.Record
	Now() time.Time
}

type Stats struct {
	Received   uint64
	Rejected   uint64
	Dropped    uint64
	Duplicates uint64
	Errors     uint64 // FormErr and NotImp answers
	Answered   uint64
	Truncated  uint64
	ServFail   uint64
	NXDomain   uint64
	Teardowns  uint64
}

type counters struct {
	received, rejected, dropped, duplicates, errors     atomic.Uint64
	answered, truncated, servFail, nxDomain, teardowns atomic.Uint64
}

// Engine proxies client queries to a Resolver.  Every exported method but
// Post, Submit, Run and Stats must be called on the goroutine executing Run,
// or on a single goroutine when Run is not used.
type Engine struct {
	config   Config
	resolver Resolver
	clients  *registry
	message  *message
	closed   bool

	events    chan func()
	done      chan struct{}
	closeOnce sync.Once

	// backlog holds what Post could not queue without blocking, events
	// posted while it is non-empty go there too
	mu      sync.Mutex
	backlog []func()
	wake    chan struct{}

	stats counters
}

func New(config Config, r Resolver) (*Engine, error) {
	if r == nil {
		return nil, errors.New("nil resolver")
	}

	if len(config.Inputs) > MaxInputs {
		return nil, fmt.Errorf("input interfaces %d, at most %d", len(config.Inputs), MaxInputs)
	}

	if config.ForceAAAA && !config.Prefix.IsValid() {
		return nil, errors.New("forced AAAA synthesis without NAT64 prefix")
	}

	if config.MaxClients <= 0 {
		config.MaxClients = DefaultMaxClients
	}

	e := &Engine{
		config:   config,
		resolver: r,
		clients:  newRegistry(),
		message:  newMessage(MaxMessageSize),
		events:   make(chan func(), eventQueue),
		done:     make(chan struct{}),
		wake:     make(chan struct{}, 1),
	}

	if config.Prefix.IsValid() {
		log.Sugar.Infof("engine dns64 prefix %s, force aaaa %t", config.Prefix, config.ForceAAAA)
	}
	log.Sugar.Infof("engine input interfaces %v", config.Inputs)

	return e, nil
}

// Post queues fn to run on the engine goroutine.  It never blocks, so the
// resolver may call it from within a callback.  It reports false once the
// engine stopped.
func (e *Engine) Post(fn func()) bool {
	select {
	case <-e.done:
		return false
	default:
	}

	e.mu.Lock()
	if len(e.backlog) == 0 {
		select {
		case e.events <- fn:
			e.mu.Unlock()
			return true
		default:
		}
	}
	e.backlog = append(e.backlog, fn)
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
	return true
}

// Submit queues a packet read by a transport.
func (e *Engine) Submit(p *model.Packet) {
	ok := e.Post(func() {
		if p.TCP {
			e.HandleTCP(p)
		} else {
			e.HandleUDP(p)
		}
	})
	if !ok {
		dispose(p.Context)
	}
}

// Run executes posted events in order until ctx is done, then closes the
// engine.
func (e *Engine) Run(ctx context.Context) error {
	log.Sugar.Info("engine running ...")

	for ctx.Err() == nil {
		select {
		case fn := <-e.events:
			fn()
			continue
		default:
		}

		// the queue is empty, everything in the backlog came after it
		if batch := e.takeBacklog(); len(batch) > 0 {
			for _, fn := range batch {
				fn()
			}
			continue
		}

		select {
		case fn := <-e.events:
			fn()
		case <-e.wake:
		case <-ctx.Done():
		}
	}

	e.Close()
	log.Sugar.Info("engine stopped")
	return nil
}

func (e *Engine) takeBacklog() []func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	batch := e.backlog
	e.backlog = nil
	return batch
}

// Close tears every client down without answering it.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.done)
		e.closed = true

		clients := e.clients.drain()
		for _, c := range clients {
			e.resolver.Stop(c.query)
			e.release(c)
		}

		s := e.Stats()
		log.Sugar.Infof("engine closed, pending %d, received %d, answered %d, truncated %d, servfail %d, nxdomain %d, errors %d, duplicates %d, rejected %d, dropped %d",
			len(clients), s.Received, s.Answered, s.Truncated, s.ServFail, s.NXDomain, s.Errors, s.Duplicates, s.Rejected, s.Dropped)
	})
}

func (e *Engine) Stats() Stats {
	return Stats{
		Received:   e.stats.received.Load(),
		Rejected:   e.stats.rejected.Load(),
		Dropped:    e.stats.dropped.Load(),
		Duplicates: e.stats.duplicates.Load(),
		Errors:     e.stats.errors.Load(),
		Answered:   e.stats.answered.Load(),
		Truncated:  e.stats.truncated.Load(),
		ServFail:   e.stats.servFail.Load(),
		NXDomain:   e.stats.nxDomain.Load(),
		Teardowns:  e.stats.teardowns.Load(),
	}
}

// Pending returns the number of clients waiting for an answer.
func (e *Engine) Pending() int {
	return e.clients.len()
}

func (e *Engine) allowed(ifIndex int) bool {
	return ifIndex > 0 && slices.Contains(e.config.Inputs, ifIndex)
}

func (e *Engine) dns64() bool {
	return e.config.Prefix.IsValid()
}

func dispose(ctx io.Closer) {
	if ctx == nil {
		return
	}
	if err := ctx.Close(); err != nil {
		log.Sugar.Debugf("dispose context error=[%+v]", err)
	}
}
