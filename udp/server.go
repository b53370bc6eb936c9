package udp

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
	defaultTimeout = 10 * time.Second
)

type Server struct {
	address netip.AddrPort
	conn    *net.UDPConn
	v6      bool
	status  atomic.Bool // running status

	sink   model.Sink
	readWG sync.WaitGroup

	serial atomic.Uint64
}

// New listens on address, queries read are handed to sink.
func New(address netip.AddrPort, sink model.Sink) (*Server, error) {

	if !address.Addr().IsValid() {
		return nil, errors.New("invalid ip")
	}

	if sink == nil {
		return nil, errors.New("nil sink")
	}

	s := Server{
		address: address,
		v6:      address.Addr().Is6() && !address.Addr().Is4In6(),
		sink:    sink,
	}

	if err := s.setConn(); err != nil {
		return nil, fmt.Errorf("set conn error=[%+v]", err)
	}

	return &s, nil
}

// Addr returns the bound address, the real port when listening on port 0.
func (s *Server) Addr() netip.AddrPort {
	return s.address
}

func (s *Server) Start() {

	s.status.Store(true)

	s.readWG.Add(1)
	go s.read()

	log.Sugar.Infof("server udp %s running ...", s.address)

}

func (s *Server) Stop() {
	log.Sugar.Infof("server udp %s stopping", s.address)
	s.status.Store(false)

	if err := s.conn.Close(); err != nil {
		log.Sugar.Errorf("server udp connection close error=[%+v]", err)
	}

	s.readWG.Wait()
	log.Sugar.Infof("server udp stopped, serial=%d", s.serial.Load())
}

func (s *Server) setConn() error {
	var err error
	if s.conn, err = net.ListenUDP("udp", net.UDPAddrFromAddrPort(s.address)); err != nil {
		log.Sugar.Errorf("server udp [%s] listen error=[%+v]", s.address, err)
		return err
	}

	if err = util.SetControlMessage(s.conn, s.v6); err != nil {
		defer func() { _ = s.conn.Close() }()
		log.Sugar.Errorf("server udp [%s] connection set control error=[%+v]", s.address, err)
		return err
	}

	local := s.conn.LocalAddr().(*net.UDPAddr).AddrPort()
	s.address = netip.AddrPortFrom(local.Addr().Unmap(), local.Port())

	return nil
}
