package proxy

import (
	"bytes"
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treemana/dnsproxy/cache"
	"github.com/treemana/dnsproxy/model"
	"github.com/treemana/dnsproxy/resolver"
)

func TestRunSubmit(t *testing.T) {
	e, r := newTestEngine(t, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	h := &conn{}
	e.Submit(udp(query(t, "loop.example.", dns.TypeA, nil), h))

	pending := make(chan int, 1)
	require.True(t, e.Post(func() { pending <- len(r.queries) }))
	select {
	case n := <-pending:
		assert.Equal(t, 1, n)
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not run the posted event")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop")
	}

	assert.False(t, e.Post(func() {}))
	e.Submit(tcp(query(t, "late.example.", dns.TypeA, nil), h))
	assert.Equal(t, 1, h.closed)
	assert.Equal(t, uint64(1), e.Stats().Received)
}

// silentUpstream never answers.
type silentUpstream struct{}

func (silentUpstream) Exchange(ctx context.Context, _ *dns.Msg) (*dns.Msg, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// notify hands every response to a channel.
type notify chan []byte

func (n notify) Respond(b []byte, _, _ netip.AddrPort, _ int) error {
	n <- bytes.Clone(b)
	return nil
}

func TestRunFullQueue(t *testing.T) {
	c := cache.New(cache.Config{})
	resp := new(dns.Msg)
	resp.SetQuestion("hit.example.", dns.TypeA)
	resp.Response = true
	resp.Answer = append(resp.Answer, mustRR(t, "hit.example. 300 IN A 192.0.2.80"))
	c.Update(resp)

	// cache hits are posted from within the engine goroutine
	var e *Engine
	r := resolver.New(c, silentUpstream{}, func(fn func()) { e.Post(fn) }, time.Second)
	var err error
	e, err = New(Config{Inputs: []int{lan}}, r)
	require.NoError(t, err)

	release := make(chan struct{})
	require.True(t, e.Post(func() { <-release }))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	for range eventQueue + 1 {
		require.True(t, e.Post(func() {}))
	}

	h := make(notify, 1)
	e.Submit(&model.Packet{Payload: query(t, "hit.example.", dns.TypeA, nil), Src: requester, Dst: local, IfIndex: lan, Handle: h})
	close(release)

	select {
	case b := <-h:
		m := new(dns.Msg)
		require.NoError(t, m.Unpack(b))
		require.Len(t, m.Answer, 1)
		assert.Equal(t, "192.0.2.80", m.Answer[0].(*dns.A).A.String())
	case <-time.After(2 * time.Second):
		t.Fatal("cached query never answered")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop")
	}
}

func TestRunOrder(t *testing.T) {
	e, _ := newTestEngine(t, Config{})

	release := make(chan struct{})
	require.True(t, e.Post(func() { <-release }))

	var got []int
	for i := range eventQueue + 10 {
		require.True(t, e.Post(func() { got = append(got, i) }))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	close(release)

	finished := make(chan struct{})
	require.True(t, e.Post(func() { close(finished) }))
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not drain its events")
	}

	cancel()
	<-done

	require.Len(t, got, eventQueue+10)
	for i, v := range got {
		require.Equal(t, i, v)
	}
}
