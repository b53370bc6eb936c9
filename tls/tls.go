package tls

import (
	"context"
	"crypto/tls"
	"fmt"
	"math"
	"net"
	"net/url"
	"time"
)

const (
	timeoutDial      = time.Second
	timeoutHandshake = time.Second
)

// NewConfig returns the client config for u.  Sessions are resumed across
// connections made with the same config.
func NewConfig(u *url.URL) *tls.Config {
	return &tls.Config{
		ServerName:         u.Hostname(),
		MinVersion:         tls.VersionTLS13,
		ClientSessionCache: tls.NewLRUClientSessionCache(0),
	}
}

// NewConn dials u and completes the TLS handshake.
// return conn, elapse, error
func NewConn(ctx context.Context, dialer *net.Dialer, u *url.URL, config *tls.Config) (*tls.Conn, time.Duration, error) {

	ept := time.Now() // entry point time

	// dial
	if dialer == nil {
		dialer = &net.Dialer{Timeout: timeoutDial}
	}
	start := time.Now()
	rawConn, err := dialer.DialContext(ctx, "tcp", u.Host)
	elapse := time.Since(start)
	if err != nil {
		return nil, math.MaxInt64, fmt.Errorf("dial [%+v], elapse %s", err, elapse)
	}

	// set deadline
	var deadline = time.Now().Add(timeoutHandshake)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn := tls.Client(rawConn, config)
	if err = conn.SetDeadline(deadline); err != nil {
		_ = conn.Close()
		return nil, math.MaxInt64, fmt.Errorf("set deadline [%+v]", err)
	}

	// handshake
	start = time.Now()
	err = conn.HandshakeContext(ctx)
	elapse = time.Since(start)
	if err != nil {
		_ = conn.Close()
		return nil, math.MaxInt64, fmt.Errorf("handshake [%+v], elapse %s", err, elapse)
	}

	return conn, time.Since(ept), nil
}
