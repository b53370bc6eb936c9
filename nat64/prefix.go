// Package nat64 maps IPv4 addresses into NAT64 IPv6 prefixes and back,
// following the address layout of RFC 6052 section 2.2.
package nat64

import (
	"errors"
	"fmt"
	"net/netip"
)

// ipv4 bytes never occupy bits 64-71 of the IPv6 address
const uOctet = 8

var (
	ErrPrefixLength = errors.New("nat64: prefix length must be one of 32, 40, 48, 56, 64, 96")
	ErrPrefixFamily = errors.New("nat64: prefix must be IPv6")

	// WellKnown is 64:ff9b::/96, which must not carry non-global IPv4 addresses.
	WellKnown = netip.MustParsePrefix("64:ff9b::/96")
)

type Prefix struct {
	p netip.Prefix
}

func ParsePrefix(s string) (Prefix, error) {
	p, err := netip.ParsePrefix(s)
	if err != nil {
		return Prefix{}, fmt.Errorf("nat64: parse prefix %q error=[%w]", s, err)
	}
	return NewPrefix(p)
}

func NewPrefix(p netip.Prefix) (Prefix, error) {
	if !p.Addr().Is6() || p.Addr().Is4In6() {
		return Prefix{}, ErrPrefixFamily
	}

	switch p.Bits() {
	case 32, 40, 48, 56, 64, 96:
	default:
		return Prefix{}, ErrPrefixLength
	}

	return Prefix{p: p.Masked()}, nil
}

// IsValid reports whether p was built by NewPrefix, the zero Prefix disables DNS64.
func (p Prefix) IsValid() bool { return p.p.IsValid() }

func (p Prefix) Bits() int { return p.p.Bits() }

func (p Prefix) String() string { return p.p.String() }

// positions returns the IPv6 byte offsets receiving the four IPv4 bytes.
func (p Prefix) positions() [4]int {
	var pos [4]int
	i := p.p.Bits() / 8
	for n := 0; n < 4; i++ {
		if i == uOctet {
			continue
		}
		pos[n] = i
		n++
	}
	return pos
}

// Synthesize embeds v4 into the prefix.  The second result is false when the
// address cannot be represented: an invalid prefix, a non IPv4 input, or a
// private IPv4 address under the well-known prefix.
func (p Prefix) Synthesize(v4 netip.Addr) (netip.Addr, bool) {
	if !p.IsValid() {
		return netip.Addr{}, false
	}

	v4 = v4.Unmap()
	if !v4.Is4() {
		return netip.Addr{}, false
	}

	if p.p == WellKnown && (v4.IsPrivate() || v4.IsLoopback() || v4.IsLinkLocalUnicast() || v4.IsUnspecified()) {
		return netip.Addr{}, false
	}

	b6 := p.p.Addr().As16()
	b4 := v4.As4()
	for i, at := range p.positions() {
		b6[at] = b4[i]
	}

	return netip.AddrFrom16(b6), true
}

// Extract recovers the IPv4 address embedded in v6.  It fails when v6 lies
// outside the prefix or when the reserved u octet is not zero.
func (p Prefix) Extract(v6 netip.Addr) (netip.Addr, bool) {
	if !p.IsValid() || !v6.Is6() || !p.p.Contains(v6) {
		return netip.Addr{}, false
	}

	b6 := v6.As16()
	if p.p.Bits() < 96 && b6[uOctet] != 0 {
		return netip.Addr{}, false
	}

	var b4 [4]byte
	for i, at := range p.positions() {
		b4[i] = b6[at]
	}

	return netip.AddrFrom4(b4), true
}
