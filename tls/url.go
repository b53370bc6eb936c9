package tls

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/treemana/dnsproxy/log"
)

const (
	SchemeTLS = "tls"
	SchemeTCP = "tcp"
	SchemeUDP = "udp"
)

// ParseURL parses an upstream url, the port defaults to 853 for tls and 53
// otherwise.
func ParseURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}

	var port string
	switch u.Scheme {
	case SchemeTLS:
		port = "853"
	case SchemeTCP, SchemeUDP:
		port = "53"
	default:
		return nil, fmt.Errorf("%s unsupported scheme %q", rawURL, u.Scheme)
	}

	if len(u.Hostname()) == 0 {
		return nil, fmt.Errorf("%s without host", rawURL)
	}

	if len(u.Port()) == 0 {
		u.Host = net.JoinHostPort(u.Hostname(), port)
	}

	return u, nil
}

// Latency returns how long establishing a connection to u takes.  UDP urls
// cost nothing.
func Latency(ctx context.Context, dialer *net.Dialer, u *url.URL) (time.Duration, error) {
	if dialer == nil {
		dialer = &net.Dialer{Timeout: timeoutDial}
	}

	switch u.Scheme {
	case SchemeTLS:
		conn, elapse, err := NewConn(ctx, dialer, u, NewConfig(u))
		if err != nil {
			return elapse, err
		}
		_ = conn.Close()
		return elapse, nil
	case SchemeTCP:
		start := time.Now()
		conn, err := dialer.DialContext(ctx, "tcp", u.Host)
		if err != nil {
			return 0, err
		}
		_ = conn.Close()
		return time.Since(start), nil
	default:
		return 0, nil
	}
}

// GetFastURL return the fastest(establish connection) *url.URL from raw url string when the fastest exist
// or return nil
func GetFastURL(dialer *net.Dialer, rawURLs []string) *url.URL {
	var fast *url.URL
	var min time.Duration
	var hostMap = make(map[string]struct{}, len(rawURLs))

	for _, rawURL := range rawURLs {
		u, err := ParseURL(rawURL)
		if err != nil {
			log.Sugar.Warnf("%s parse error=[%+v]", rawURL, err)
			continue
		}

		if _, ok := hostMap[u.Host]; ok {
			continue
		}
		hostMap[u.Host] = struct{}{}

		elapse, err := Latency(context.TODO(), dialer, u)
		if err != nil {
			log.Sugar.Warnf("%s %s connection [%+v]", u.Scheme, u.Host, err)
			continue
		}

		if fast != nil && elapse >= min {
			continue
		}

		fast = u
		min = elapse
	}

	return fast
}

// GetFastURLs picks the fastest url of every group, dropping hosts picked
// already.
func GetFastURLs(dialer *net.Dialer, groups [][]string) []*url.URL {

	var urls = make([]*url.URL, 0, len(groups))
	var hostMap = make(map[string]struct{}, len(groups))
	for _, group := range groups {
		u := GetFastURL(dialer, group)
		if u == nil {
			continue
		}

		if _, ok := hostMap[u.Host]; ok {
			continue
		}

		hostMap[u.Host] = struct{}{}
		urls = append(urls, u)
	}

	return urls
}
