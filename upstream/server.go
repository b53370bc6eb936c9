package upstream

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"time"

	"github.com/miekg/dns"

	"github.com/treemana/dnsproxy/tls"
)

const timeoutDial = 2 * time.Second

// Bind holds the local addresses outgoing queries are sent from, the zero
// Addr lets the kernel choose.
type Bind struct {
	V4 netip.Addr
	V6 netip.Addr
}

// local returns the address to bind for a connection to host.
func (b Bind) local(host string) netip.Addr {
	ip, err := netip.ParseAddr(host)
	if err == nil && ip.Unmap().Is6() {
		return b.V6
	}
	return b.V4
}

func (b Bind) dialer(host string, tcp bool) *net.Dialer {
	var dialer = &net.Dialer{Timeout: timeoutDial}
	local := b.local(host)
	if !local.IsValid() {
		return dialer
	}

	if tcp {
		dialer.LocalAddr = net.TCPAddrFromAddrPort(netip.AddrPortFrom(local, 0))
	} else {
		dialer.LocalAddr = net.UDPAddrFromAddrPort(netip.AddrPortFrom(local, 0))
	}
	return dialer
}

// Server is one upstream resolver reached over udp, tcp or tls.
type Server struct {
	u   *url.URL
	dot *tls.Client
	udp *dns.Client
	tcp *dns.Client
}

func NewServer(u *url.URL, bind Bind) (*Server, error) {
	var s = &Server{u: u}
	host := u.Hostname()

	switch u.Scheme {
	case tls.SchemeTLS:
		s.dot = tls.NewClient(u, bind.dialer(host, true), nil)
	case tls.SchemeUDP:
		s.udp = &dns.Client{Net: "udp", UDPSize: dns.DefaultMsgSize, Dialer: bind.dialer(host, false)}
		s.tcp = &dns.Client{Net: "tcp", Dialer: bind.dialer(host, true)}
	case tls.SchemeTCP:
		s.tcp = &dns.Client{Net: "tcp", Dialer: bind.dialer(host, true)}
	default:
		return nil, fmt.Errorf("%s unsupported scheme", u.String())
	}

	return s, nil
}

func (s *Server) String() string {
	return s.u.String()
}

// Exchange sends req and waits for the response, a truncated udp response is
// retried over tcp.
func (s *Server) Exchange(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {
	if s.dot != nil {
		return s.dot.Exchange(ctx, req)
	}

	if s.udp != nil {
		resp, _, err := s.udp.ExchangeContext(ctx, req, s.u.Host)
		if err != nil || !resp.Truncated {
			return resp, err
		}
	}

	resp, _, err := s.tcp.ExchangeContext(ctx, req, s.u.Host)
	return resp, err
}
