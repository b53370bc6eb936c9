package nat64

import (
	"net/netip"
	"strings"

	"github.com/miekg/dns"
)

const (
	ip6Arpa = "ip6.arpa."
	nibbles = 32
)

// ParseReverseIPv6 decodes an ip6.arpa name made of exactly 32 nibble labels.
func ParseReverseIPv6(name string) (netip.Addr, bool) {
	name = strings.ToLower(dns.Fqdn(name))
	if !strings.HasSuffix(name, "."+ip6Arpa) {
		return netip.Addr{}, false
	}

	labels := dns.SplitDomainName(strings.TrimSuffix(name, "."+ip6Arpa))
	if len(labels) != nibbles {
		return netip.Addr{}, false
	}

	var b [16]byte
	for i, label := range labels {
		if len(label) != 1 {
			return netip.Addr{}, false
		}
		v, ok := hexNibble(label[0])
		if !ok {
			return netip.Addr{}, false
		}
		// the first label is the least significant nibble
		at := nibbles - 1 - i
		if at%2 == 0 {
			b[at/2] |= v << 4
		} else {
			b[at/2] |= v
		}
	}

	return netip.AddrFrom16(b), true
}

// ReverseIPv4Name returns the in-addr.arpa name of v4.
func ReverseIPv4Name(v4 netip.Addr) (string, error) {
	return dns.ReverseAddr(v4.Unmap().String())
}

// MapReverseName rewrites an ip6.arpa name under p to the in-addr.arpa name of
// the embedded IPv4 address.
func (p Prefix) MapReverseName(name string) (string, bool) {
	v6, ok := ParseReverseIPv6(name)
	if !ok {
		return "", false
	}

	v4, ok := p.Extract(v6)
	if !ok {
		return "", false
	}

	reverse, err := ReverseIPv4Name(v4)
	if err != nil {
		return "", false
	}

	return reverse, true
}

func hexNibble(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	default:
		return 0, false
	}
}
