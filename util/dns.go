package util

import (
	"net"
	"strings"

	"github.com/miekg/dns"
)

const (
	IPV4MaskBitsMax     = net.IPv4len * 8
	IPV4MaskBitsDefault = 24 // RFC 7871 Section 11.1
	IPV6MaskBitsMax     = net.IPv6len * 8
	IPV6MaskBitsDefault = 56 // RFC 7871 Section 11.1
)

// bits of the second 16 bit word of a DNS header
const (
	FlagQR     uint16 = 1 << 15
	FlagAA     uint16 = 1 << 10
	FlagTC     uint16 = 1 << 9
	FlagRD     uint16 = 1 << 8
	FlagRA     uint16 = 1 << 7
	FlagZ      uint16 = 1 << 6
	FlagAD     uint16 = 1 << 5
	FlagCD     uint16 = 1 << 4
	OpcodeMask uint16 = 0xF << 11
	RcodeMask  uint16 = 0xF
)

// DNSFlags packs the flag word of h, the extended rcode bits are dropped.
func DNSFlags(h *dns.MsgHdr) uint16 {
	var f = uint16(h.Opcode&0xF)<<11 | uint16(h.Rcode&0xF)
	for _, b := range []struct {
		set  bool
		flag uint16
	}{
		{h.Response, FlagQR},
		{h.Authoritative, FlagAA},
		{h.Truncated, FlagTC},
		{h.RecursionDesired, FlagRD},
		{h.RecursionAvailable, FlagRA},
		{h.Zero, FlagZ},
		{h.AuthenticatedData, FlagAD},
		{h.CheckingDisabled, FlagCD},
	} {
		if b.set {
			f |= b.flag
		}
	}
	return f
}

// DNSCanonical returns the lower cased fully qualified form used as cache and
// registry key.
func DNSCanonical(name string) string {
	return strings.ToLower(dns.Fqdn(name))
}

func DNSNewSubnetFromIP(ip net.IP, maskBits uint8) *dns.EDNS0_SUBNET {

	if len(ip) == 0 {
		return nil
	}
	// A Stub Resolver MUST set SCOPE PREFIX-LENGTH to 0. See RFC 7871 Section 6.

	var subnet = &dns.EDNS0_SUBNET{
		Code: dns.EDNS0SUBNET,
	}

	if ip4 := ip.To4(); ip4 != nil {
		if maskBits > IPV4MaskBitsMax {
			subnet.SourceNetmask = IPV4MaskBitsMax
		} else if maskBits == 0 {
			subnet.SourceNetmask = IPV4MaskBitsDefault
		} else {
			subnet.SourceNetmask = maskBits
		}
		subnet.Family = 1
		subnet.Address = ip4.Mask(net.CIDRMask(int(subnet.SourceNetmask), IPV4MaskBitsMax))
		return subnet
	}

	// ipv6
	if maskBits > IPV6MaskBitsMax {
		subnet.SourceNetmask = IPV6MaskBitsMax
	} else if maskBits == 0 {
		subnet.SourceNetmask = IPV6MaskBitsDefault
	} else {
		subnet.SourceNetmask = maskBits
	}
	subnet.Family = 2
	subnet.Address = ip.To16().Mask(net.CIDRMask(int(subnet.SourceNetmask), IPV6MaskBitsMax))

	return subnet
}

// DNSSetSUBNET adds the EDNS client subnet option to m, an existing subnet
// option is left untouched.
func DNSSetSUBNET(m *dns.Msg, subnet *dns.EDNS0_SUBNET) {

	if m == nil || subnet == nil {
		return
	}

	var opt = m.IsEdns0()

	if opt == nil {
		opt = &dns.OPT{
			Hdr:    dns.RR_Header{Name: ".", Rrtype: dns.TypeOPT},
			Option: []dns.EDNS0{subnet},
		}
		opt.SetUDPSize(dns.DefaultMsgSize)
		m.Extra = append(m.Extra, opt)
		return
	}

	if DNSSubnetExist(m) {
		return
	}

	opt.Option = append(opt.Option, subnet)
}

// DNSSubnetRemove drops the EDNS client subnet option from m.
func DNSSubnetRemove(m *dns.Msg) {

	if m == nil {
		return
	}

	var opt = m.IsEdns0()
	if opt == nil || len(opt.Option) == 0 {
		return
	}

	var options = make([]dns.EDNS0, 0, len(opt.Option))
	for _, edns0 := range opt.Option {
		if edns0.Option() != dns.EDNS0SUBNET {
			options = append(options, edns0)
		}
	}
	opt.Option = options
}

func DNSSubnetExist(m *dns.Msg) bool {

	if m == nil {
		return false
	}

	var opt = m.IsEdns0()
	if opt == nil || len(opt.Option) == 0 {
		return false
	}

	for _, edns0 := range opt.Option {
		if edns0.Option() == dns.EDNS0SUBNET {
			return true
		}
	}

	return false
}
