package nat64

import (
	"net/netip"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPrefix(t *testing.T) {
	tests := []struct {
		name    string
		prefix  string
		wantErr error
	}{
		{name: "well known", prefix: "64:ff9b::/96"},
		{name: "32", prefix: "2001:db8::/32"},
		{name: "40", prefix: "2001:db8:100::/40"},
		{name: "48", prefix: "2001:db8:122::/48"},
		{name: "56", prefix: "2001:db8:122:300::/56"},
		{name: "64", prefix: "2001:db8:122:344::/64"},
		{name: "bad length", prefix: "2001:db8::/80", wantErr: ErrPrefixLength},
		{name: "ipv4", prefix: "192.0.2.0/24", wantErr: ErrPrefixFamily},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := ParsePrefix(tt.prefix)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.False(t, p.IsValid())
				return
			}
			require.NoError(t, err)
			assert.True(t, p.IsValid())
		})
	}
}

// RFC 6052 section 2.4 examples for 192.0.2.33
func TestSynthesizeExtract(t *testing.T) {
	v4 := netip.MustParseAddr("192.0.2.33")
	tests := []struct {
		prefix string
		want   string
	}{
		{prefix: "2001:db8::/32", want: "2001:db8:c000:221::"},
		{prefix: "2001:db8:100::/40", want: "2001:db8:1c0:2:21::"},
		{prefix: "2001:db8:122::/48", want: "2001:db8:122:c000:2:2100::"},
		{prefix: "2001:db8:122:300::/56", want: "2001:db8:122:3c0:0:221::"},
		{prefix: "2001:db8:122:344::/64", want: "2001:db8:122:344:c0:2:2100:0"},
		{prefix: "2001:db8:122:344::/96", want: "2001:db8:122:344::192.0.2.33"},
		{prefix: "64:ff9b::/96", want: "64:ff9b::192.0.2.33"},
	}
	for _, tt := range tests {
		t.Run(tt.prefix, func(t *testing.T) {
			p, err := ParsePrefix(tt.prefix)
			require.NoError(t, err)

			got, ok := p.Synthesize(v4)
			require.True(t, ok)
			assert.Equal(t, netip.MustParseAddr(tt.want), got)

			back, ok := p.Extract(got)
			require.True(t, ok)
			assert.Equal(t, v4, back)
		})
	}
}

func TestSynthesizeUnrepresentable(t *testing.T) {
	wkp, err := NewPrefix(WellKnown)
	require.NoError(t, err)

	_, ok := wkp.Synthesize(netip.MustParseAddr("10.1.2.3"))
	assert.False(t, ok)

	_, ok = wkp.Synthesize(netip.MustParseAddr("2001:db8::1"))
	assert.False(t, ok)

	_, ok = Prefix{}.Synthesize(netip.MustParseAddr("203.0.113.5"))
	assert.False(t, ok)

	got, ok := wkp.Synthesize(netip.MustParseAddr("203.0.113.5"))
	require.True(t, ok)
	assert.Equal(t, "64:ff9b::cb00:7105", got.String())
}

func TestExtractOutside(t *testing.T) {
	p, err := ParsePrefix("2001:db8:122::/48")
	require.NoError(t, err)

	_, ok := p.Extract(netip.MustParseAddr("2001:db9::1"))
	assert.False(t, ok)

	// u octet set
	_, ok = p.Extract(netip.MustParseAddr("2001:db8:122:c000:ff02:2100::"))
	assert.False(t, ok)
}

func TestMapReverseName(t *testing.T) {
	p, err := NewPrefix(WellKnown)
	require.NoError(t, err)

	v6 := netip.MustParseAddr("64:ff9b::cb00:7105")
	name, err := dns.ReverseAddr(v6.String())
	require.NoError(t, err)

	parsed, ok := ParseReverseIPv6(name)
	require.True(t, ok)
	assert.Equal(t, v6, parsed)

	mapped, ok := p.MapReverseName(name)
	require.True(t, ok)
	assert.Equal(t, "5.113.0.203.in-addr.arpa.", mapped)

	outside, err := dns.ReverseAddr("2001:db8::1")
	require.NoError(t, err)
	_, ok = p.MapReverseName(outside)
	assert.False(t, ok)

	for _, bad := range []string{"example.com.", "1.0.ip6.arpa.", "5.113.0.203.in-addr.arpa."} {
		_, ok = ParseReverseIPv6(bad)
		assert.False(t, ok, bad)
	}
}
