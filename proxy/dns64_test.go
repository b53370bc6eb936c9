package proxy

import (
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treemana/dnsproxy/cache"
	"github.com/treemana/dnsproxy/nat64"
)

func dns64Config(t *testing.T, force bool) Config {
	t.Helper()
	prefix, err := nat64.NewPrefix(nat64.WellKnown)
	require.NoError(t, err)
	return Config{Prefix: prefix, ForceAAAA: force}
}

func TestAAAASynthesis(t *testing.T) {
	e, r := newTestEngine(t, dns64Config(t, false))
	r.store(t, "host.example.", dns.TypeA, dns.RcodeSuccess, []string{"host.example. 600 IN A 203.0.113.5"}, nil)

	h := &conn{}
	e.HandleUDP(udp(query(t, "host.example.", dns.TypeAAAA, nil), h))

	first := r.last(t)
	assert.Equal(t, dns.TypeAAAA, first.Type)

	r.deliver(first, &cache.Record{Name: "host.example.", Type: dns.TypeAAAA, Class: dns.ClassINET, Negative: true})
	assert.Empty(t, h.sent)
	require.Len(t, r.queries, 2)
	assert.True(t, r.stopped[first])

	second := r.last(t)
	assert.Equal(t, dns.TypeA, second.Type)
	assert.Equal(t, "host.example.", second.Name)
	assert.Equal(t, 1, e.Pending())

	r.deliver(second, r.record(t, "host.example.", dns.TypeA))

	reply := h.reply(t)
	assert.Equal(t, []dns.Question{{Name: "host.example.", Qtype: dns.TypeAAAA, Qclass: dns.ClassINET}}, reply.Question)
	require.Len(t, reply.Answer, 1)
	aaaa, ok := reply.Answer[0].(*dns.AAAA)
	require.True(t, ok)
	assert.Equal(t, "64:ff9b::cb00:7105", aaaa.AAAA.String())
	assert.Equal(t, "host.example.", aaaa.Hdr.Name)
	assert.Equal(t, uint32(600), aaaa.Hdr.Ttl)
	assert.Zero(t, e.Pending())
}

func TestAAAAPositiveNotSynthesized(t *testing.T) {
	e, r := newTestEngine(t, dns64Config(t, false))
	r.store(t, "dual.example.", dns.TypeAAAA, dns.RcodeSuccess, []string{"dual.example. 60 IN AAAA 2001:db8::5"}, nil)

	h := &conn{}
	e.HandleUDP(udp(query(t, "dual.example.", dns.TypeAAAA, nil), h))
	r.deliver(r.last(t), r.record(t, "dual.example.", dns.TypeAAAA))

	reply := h.reply(t)
	require.Len(t, reply.Answer, 1)
	assert.Equal(t, "2001:db8::5", reply.Answer[0].(*dns.AAAA).AAAA.String())
	assert.Len(t, r.queries, 1)
}

func TestForcedAAAASynthesis(t *testing.T) {
	tests := []struct {
		name    string
		answer  []string
		wantIPs []string
	}{
		{
			name:    "public",
			answer:  []string{"forced.example. 60 IN A 203.0.113.5", "forced.example. 60 IN A 198.51.100.1"},
			wantIPs: []string{"64:ff9b::cb00:7105", "64:ff9b::c633:6401"},
		},
		{
			name:    "private skipped",
			answer:  []string{"forced.example. 60 IN A 10.1.2.3", "forced.example. 60 IN A 203.0.113.5"},
			wantIPs: []string{"64:ff9b::cb00:7105"},
		},
		{
			name:   "nothing representable",
			answer: []string{"forced.example. 60 IN A 192.168.1.1"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, r := newTestEngine(t, dns64Config(t, true))
			r.store(t, "forced.example.", dns.TypeA, dns.RcodeSuccess, tt.answer, nil)

			h := &conn{}
			e.HandleUDP(udp(query(t, "forced.example.", dns.TypeAAAA, nil), h))

			q := r.last(t)
			assert.Equal(t, dns.TypeA, q.Type)
			r.deliver(q, r.record(t, "forced.example.", dns.TypeA))

			reply := h.reply(t)
			assert.Equal(t, dns.RcodeSuccess, reply.Rcode)
			assert.Equal(t, dns.TypeAAAA, reply.Question[0].Qtype)

			var ips []string
			for _, rr := range reply.Answer {
				ips = append(ips, rr.(*dns.AAAA).AAAA.String())
			}
			assert.Equal(t, tt.wantIPs, ips)
		})
	}
}

func TestPTRSynthesis(t *testing.T) {
	reverse, err := dns.ReverseAddr("64:ff9b::cb00:7105")
	require.NoError(t, err)
	const mapped = "5.113.0.203.in-addr.arpa."

	t.Run("nxdomain", func(t *testing.T) {
		e, r := newTestEngine(t, dns64Config(t, false))
		h := &conn{}
		e.HandleUDP(udp(query(t, reverse, dns.TypePTR, nil), h))

		q := r.last(t)
		assert.Equal(t, mapped, q.Name)
		assert.Equal(t, dns.TypePTR, q.Type)

		r.deliver(q, &cache.Record{Name: mapped, Type: dns.TypePTR, Class: dns.ClassINET, Negative: true})

		reply := h.reply(t)
		assert.Equal(t, dns.RcodeNameError, reply.Rcode)
		assert.True(t, reply.Response)
		assert.True(t, reply.RecursionDesired)
		assert.Empty(t, reply.Answer)
		assert.Equal(t, []dns.Question{{Name: reverse, Qtype: dns.TypePTR, Qclass: dns.ClassINET}}, reply.Question)
		assert.Equal(t, uint64(1), e.Stats().NXDomain)
		assert.Zero(t, e.Pending())
	})

	t.Run("cname", func(t *testing.T) {
		e, r := newTestEngine(t, dns64Config(t, false))
		r.store(t, mapped, dns.TypePTR, dns.RcodeSuccess, []string{
			mapped + " 60 IN CNAME 5.0-25.113.0.203.in-addr.arpa.",
			"5.0-25.113.0.203.in-addr.arpa. 60 IN PTR host.example.",
		}, nil)

		h := &conn{}
		e.HandleUDP(udp(query(t, reverse, dns.TypePTR, nil), h))
		r.deliver(r.last(t), r.record(t, mapped, dns.TypeCNAME))

		reply := h.reply(t)
		assert.Equal(t, dns.RcodeNameError, reply.Rcode)
		assert.Empty(t, reply.Answer)
	})

	t.Run("success", func(t *testing.T) {
		e, r := newTestEngine(t, dns64Config(t, false))
		r.store(t, mapped, dns.TypePTR, dns.RcodeSuccess, []string{mapped + " 60 IN PTR host.example."}, nil)

		h := &conn{}
		e.HandleUDP(udp(query(t, reverse, dns.TypePTR, nil), h))
		r.deliver(r.last(t), r.record(t, mapped, dns.TypePTR))

		reply := h.reply(t)
		assert.Equal(t, dns.RcodeSuccess, reply.Rcode)
		assert.Equal(t, []dns.Question{{Name: reverse, Qtype: dns.TypePTR, Qclass: dns.ClassINET}}, reply.Question)
		require.Len(t, reply.Answer, 2)

		cname, ok := reply.Answer[0].(*dns.CNAME)
		require.True(t, ok)
		assert.Equal(t, reverse, cname.Hdr.Name)
		assert.Equal(t, mapped, cname.Target)
		assert.Zero(t, cname.Hdr.Ttl)

		ptr, ok := reply.Answer[1].(*dns.PTR)
		require.True(t, ok)
		assert.Equal(t, "host.example.", ptr.Ptr)
	})

	t.Run("outside prefix", func(t *testing.T) {
		other, err := dns.ReverseAddr("2001:db8::cb00:7105")
		require.NoError(t, err)

		e, r := newTestEngine(t, dns64Config(t, false))
		e.HandleUDP(udp(query(t, other, dns.TypePTR, nil), &conn{}))

		q := r.last(t)
		assert.Equal(t, other, q.Name)
	})
}

func TestAdvance(t *testing.T) {
	negAAAA := &cache.Record{Type: dns.TypeAAAA, Class: dns.ClassINET, Negative: true}
	a := &cache.Record{Type: dns.TypeA, Class: dns.ClassINET}
	cname := &cache.Record{Type: dns.TypeCNAME, Class: dns.ClassINET}
	ptr := &cache.Record{Type: dns.TypePTR, Class: dns.ClassINET}

	tests := []struct {
		name      string
		state     State
		qtype     uint16
		record    *cache.Record
		dns64     bool
		want      action
		wantState State
	}{
		{name: "negative aaaa restarts", state: Initial, qtype: dns.TypeAAAA, record: negAAAA, dns64: true, want: actRestart, wantState: AAAASynthesizing},
		{name: "negative aaaa without dns64", state: Initial, qtype: dns.TypeAAAA, record: negAAAA, want: actAssemble, wantState: Initial},
		{name: "cname defers", state: Initial, qtype: dns.TypeA, record: cname, dns64: true, want: actDefer, wantState: Initial},
		{name: "cname answers any", state: Initial, qtype: dns.TypeANY, record: cname, want: actAssemble, wantState: Initial},
		{name: "synthesizing a", state: AAAASynthesizing, qtype: dns.TypeA, record: a, dns64: true, want: actAssemble, wantState: AAAASynthesizing},
		{name: "ptr found", state: PTRTrying, qtype: dns.TypePTR, record: ptr, dns64: true, want: actAssemble, wantState: PTRSuccess},
		{name: "ptr cname", state: PTRTrying, qtype: dns.TypePTR, record: cname, dns64: true, want: actBypass, wantState: PTRNXDomain},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &client{state: tt.state}
			c.question.Type = tt.qtype

			assert.Equal(t, tt.want, c.advance(tt.record, tt.dns64))
			assert.Equal(t, tt.wantState, c.state)
		})
	}
}
