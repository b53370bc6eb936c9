package tcp

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/treemana/dnsproxy/log"
	"github.com/treemana/dnsproxy/model"
	"github.com/treemana/dnsproxy/util"
)

const (
	maxTCPMessageSize      = 65535            // RFC 1035 section 4.2.2
	tcpReadTimeout         = 10 * time.Second // default wait for the next query
	tcpWriteTimeout        = 10 * time.Second
	maxTCPConnectionsPerIP = 10
)

// Server accepts DNS over TCP connections.  Each connection is handed to the
// sink together with its queries and is closed by whoever disposes of it.
type Server struct {
	address  netip.AddrPort
	listener *net.TCPListener
	status   atomic.Bool // running status

	sink model.Sink
	wg   sync.WaitGroup

	// connLimit bounds the connections of one remote address
	connLimit int
	// readTimeout is how long a connection may stay silent
	readTimeout time.Duration

	mu        sync.Mutex
	connPerIP map[netip.Addr]int
	conns     map[*conn]struct{}

	serial atomic.Uint64
}

// New listens on address.  A connection silent for readTimeout is torn
// down, zero means tcpReadTimeout.
func New(address netip.AddrPort, sink model.Sink, readTimeout time.Duration) (*Server, error) {

	if !address.Addr().IsValid() {
		return nil, errors.New("invalid ip")
	}

	if sink == nil {
		return nil, errors.New("nil sink")
	}

	if readTimeout <= 0 {
		readTimeout = tcpReadTimeout
	}

	s := &Server{
		address:     address,
		sink:        sink,
		connLimit:   maxTCPConnectionsPerIP,
		readTimeout: readTimeout,
		connPerIP:   make(map[netip.Addr]int),
		conns:       make(map[*conn]struct{}),
	}

	var err error
	if s.listener, err = net.ListenTCP("tcp", net.TCPAddrFromAddrPort(address)); err != nil {
		log.Sugar.Errorf("server tcp [%s] listen error=[%+v]", address, err)
		return nil, fmt.Errorf("listen error=[%+v]", err)
	}

	local := s.listener.Addr().(*net.TCPAddr).AddrPort()
	s.address = netip.AddrPortFrom(local.Addr().Unmap(), local.Port())

	return s, nil
}

// Addr returns the bound address, the real port when listening on port 0.
func (s *Server) Addr() netip.AddrPort {
	return s.address
}

func (s *Server) Start() {
	s.status.Store(true)

	s.wg.Add(1)
	go s.acceptLoop()

	log.Sugar.Infof("server tcp %s running ...", s.address)
}

// Stop closes the listener and every open connection.
func (s *Server) Stop() {
	log.Sugar.Infof("server tcp %s stopping", s.address)
	s.status.Store(false)

	if err := s.listener.Close(); err != nil {
		log.Sugar.Errorf("server tcp listener close error=[%+v]", err)
	}

	s.mu.Lock()
	var open = make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		open = append(open, c)
	}
	s.mu.Unlock()

	for _, c := range open {
		_ = c.Close()
	}

	s.wg.Wait()
	log.Sugar.Infof("server tcp stopped, serial=%d", s.serial.Load())
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		nc, err := s.listener.AcceptTCP()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || !s.status.Load() {
				log.Sugar.Warn("server tcp listener closed")
				return
			}
			log.Sugar.Error("server tcp accept error : ", err)
			continue
		}

		c := s.newConn(nc)
		if !s.tryAcquireConn(c) {
			log.Sugar.Warnf("tcp connection limit exceeded, %s", c.src)
			_ = nc.Close()
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(c)
	}
}

func (s *Server) newConn(nc *net.TCPConn) *conn {
	remote := nc.RemoteAddr().(*net.TCPAddr).AddrPort()
	local := nc.LocalAddr().(*net.TCPAddr).AddrPort()

	c := &conn{
		server: s,
		nc:     nc,
		src:    netip.AddrPortFrom(remote.Addr().Unmap(), remote.Port()),
		dst:    netip.AddrPortFrom(local.Addr().Unmap(), local.Port()),
	}
	c.ifIndex = util.InterfaceByAddr(c.dst.Addr())

	return c
}

// tryAcquireConn registers c unless its remote address is over the limit.
func (s *Server) tryAcquireConn(c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ip := c.src.Addr()
	cur := s.connPerIP[ip]
	if cur >= s.connLimit {
		return false
	}
	s.connPerIP[ip] = cur + 1
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) releaseConn(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conns[c]; !ok {
		return
	}
	delete(s.conns, c)

	ip := c.src.Addr()
	cur := s.connPerIP[ip]
	if cur <= 1 {
		delete(s.connPerIP, ip)
		return
	}
	s.connPerIP[ip] = cur - 1
}
