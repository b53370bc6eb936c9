package tls

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTLSServer starts a local TLS listener and returns its url with a client
// config trusting its certificate.
func newTLSServer(t *testing.T) (*httptest.Server, *url.URL, *tls.Config) {
	t.Helper()
	srv := httptest.NewTLSServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	config := srv.Client().Transport.(*http.Transport).TLSClientConfig.Clone()
	config.ServerName = "127.0.0.1"
	config.MinVersion = tls.VersionTLS13
	config.ClientSessionCache = tls.NewLRUClientSessionCache(0)

	return srv, &url.URL{Scheme: SchemeTLS, Host: srv.Listener.Addr().String()}, config
}

func TestNewConn(t *testing.T) {
	_, u, config := newTLSServer(t)

	closed, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	refused := &url.URL{Scheme: SchemeTLS, Host: closed.Addr().String()}
	require.NoError(t, closed.Close())

	tests := []struct {
		name    string
		u       *url.URL
		wantErr bool
	}{
		{
			name: "local",
			u:    u,
		},
		{
			name:    "refused",
			u:       refused,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, elapse, err := NewConn(context.TODO(), nil, tt.u, config)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, got)
				return
			}

			require.NoError(t, err)
			t.Logf("NewConn() of %s elapse %s", tt.u.Host, elapse)
			assert.True(t, got.ConnectionState().HandshakeComplete)
			assert.NoError(t, got.Close())
		})
	}
}

func TestClientExchange(t *testing.T) {
	srv, u, config := newTLSServer(t)

	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: srv.TLS.Certificates})
	require.NoError(t, err)

	started := make(chan struct{})
	dot := &dns.Server{
		Listener:          ln,
		NotifyStartedFunc: func() { close(started) },
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
			resp := new(dns.Msg)
			resp.SetReply(req)
			rr, _ := dns.NewRR(req.Question[0].Name + " 60 IN A 192.0.2.53")
			resp.Answer = append(resp.Answer, rr)
			_ = w.WriteMsg(resp)
		}),
	}
	go func() { _ = dot.ActivateAndServe() }()
	t.Cleanup(func() { _ = dot.Shutdown() })
	<-started

	u.Host = ln.Addr().String()
	client := NewClient(u, nil, config)

	req := new(dns.Msg)
	req.SetQuestion("dot.example.", dns.TypeA)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := client.Exchange(ctx, req)
	require.NoError(t, err)
	require.Len(t, resp.Answer, 1)
	assert.Equal(t, "192.0.2.53", resp.Answer[0].(*dns.A).A.String())
	assert.Equal(t, req.Id, resp.Id)
}

func TestParseURL(t *testing.T) {
	tests := []struct {
		raw      string
		wantHost string
		wantErr  bool
	}{
		{raw: "tls://1.1.1.1", wantHost: "1.1.1.1:853"},
		{raw: "tls://dns.example:8853", wantHost: "dns.example:8853"},
		{raw: "udp://[2001:db8::53]", wantHost: "[2001:db8::53]:53"},
		{raw: "tcp://9.9.9.9", wantHost: "9.9.9.9:53"},
		{raw: "https://dns.example/dns-query", wantErr: true},
		{raw: "udp://", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			u, err := ParseURL(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantHost, u.Host)
		})
	}
}

func TestGetFastURL(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()

	closed, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	refused := "tcp://" + closed.Addr().String()
	require.NoError(t, closed.Close())

	good := "tcp://" + ln.Addr().String()

	u := GetFastURL(nil, []string{"ftp://127.0.0.1", refused, good})
	require.NotNil(t, u)
	assert.Equal(t, ln.Addr().String(), u.Host)

	assert.Nil(t, GetFastURL(nil, []string{refused}))

	urls := GetFastURLs(nil, [][]string{{good}, {refused, good}, {refused}, {"udp://192.0.2.1"}})
	require.Len(t, urls, 2)
	assert.Equal(t, ln.Addr().String(), urls[0].Host)
	assert.Equal(t, "192.0.2.1:53", urls[1].Host)
}
