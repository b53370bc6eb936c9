package log

import (
	"net/netip"

	"github.com/miekg/dns"
	"go.uber.org/zap"
)

// Query returns the fields identifying a client query in structured entries.
func Query(src netip.AddrPort, id uint16, name string, qtype uint16) []zap.Field {
	return []zap.Field{
		zap.Stringer("src", src),
		zap.Uint16("id", id),
		zap.String("name", name),
		zap.String("type", dns.TypeToString[qtype]),
	}
}

// SN is the serial number every received packet is tagged with.
func SN(sn uint64) zap.Field {
	return zap.Uint64("sn", sn)
}
