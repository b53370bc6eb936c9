package tls

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/miekg/dns"

	"github.com/treemana/dnsproxy/log"
)

const timeoutExchange = 5 * time.Second

// Client exchanges DNS messages over TLS (RFC 7858), one connection per
// exchange.
type Client struct {
	u      *url.URL
	config *tls.Config
	dialer *net.Dialer
}

// NewClient returns a client of u, config nil means NewConfig(u).
func NewClient(u *url.URL, dialer *net.Dialer, config *tls.Config) *Client {
	if config == nil {
		config = NewConfig(u)
	}
	return &Client{u: u, config: config, dialer: dialer}
}

func (c *Client) String() string {
	return c.u.String()
}

func (c *Client) Exchange(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {
	conn, _, err := NewConn(ctx, c.dialer, c.u, c.config)
	if err != nil {
		return nil, fmt.Errorf("%s connection error=[%w]", c.u.Host, err)
	}
	defer func() { _ = conn.Close() }()

	var deadline = time.Now().Add(timeoutExchange)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	if err = conn.SetDeadline(deadline); err != nil {
		return nil, err
	}

	var dnsConn = dns.Conn{Conn: conn}
	start := time.Now()
	if err = dnsConn.WriteMsg(req); err != nil {
		return nil, fmt.Errorf("sending request to %s error=[%w]", c.u.String(), err)
	}

	var resp *dns.Msg
	if resp, err = dnsConn.ReadMsg(); err != nil {
		return nil, fmt.Errorf("%s [%s] error=[%w]", c.u.String(), req.Question[0].String(), err)
	}
	elapsed := time.Since(start)

	if req.Id != resp.Id {
		return nil, dns.ErrId
	}

	log.Sugar.Debugf("%s response success, resumed %t, cost %s", c.u.String(), conn.ConnectionState().DidResume, elapsed)

	return resp, nil
}
