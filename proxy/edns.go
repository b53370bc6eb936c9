package proxy

import (
	"github.com/miekg/dns"
)

// locateOPT returns the OPT record found among the count records starting
// at off, with a copy of its wire form.  An unparsable record ends the
// search and no OPT is reported.
func locateOPT(msg []byte, off int, count uint16) ([]byte, *dns.OPT) {
	for range count {
		rr, next, err := dns.UnpackRR(msg, off)
		if err != nil || rr == nil {
			return nil, nil
		}

		if opt, ok := rr.(*dns.OPT); ok {
			raw := make([]byte, next-off)
			copy(raw, msg[off:next])
			return raw, opt
		}

		off = next
	}

	return nil, nil
}

// optRR is the OPT record appended to responses of EDNS0 clients.
func optRR() *dns.OPT {
	opt := &dns.OPT{Hdr: dns.RR_Header{Name: ".", Rrtype: dns.TypeOPT}}
	opt.SetUDPSize(EDNSPayloadSize)
	return opt
}
