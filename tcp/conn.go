package tcp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/treemana/dnsproxy/log"
	"github.com/treemana/dnsproxy/model"
)

// conn is one accepted connection, it is both the response handle and the
// context of the queries read from it.
type conn struct {
	server *Server
	nc     net.Conn

	src     netip.AddrPort
	dst     netip.AddrPort
	ifIndex int

	writeMu sync.Mutex
	once    sync.Once
	closed  atomic.Bool
}

// Respond writes b with its length prefix.
func (c *conn) Respond(b []byte, _, _ netip.AddrPort, _ int) error {
	if len(b) > maxTCPMessageSize {
		return fmt.Errorf("response of %d bytes too large", len(b))
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.nc.SetWriteDeadline(time.Now().Add(tcpWriteTimeout)); err != nil {
		return err
	}

	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(b)))

	bufs := net.Buffers{lenBuf[:], b}
	_, err := bufs.WriteTo(c.nc)
	return err
}

func (c *conn) Close() error {
	var err error
	c.once.Do(func() {
		c.closed.Store(true)
		err = c.nc.Close()
		c.server.releaseConn(c)
	})
	return err
}

func (c *conn) packet(payload []byte) *model.Packet {
	return &model.Packet{
		SN:      c.server.serial.Add(1),
		Payload: payload,
		Src:     c.src,
		Dst:     c.dst,
		IfIndex: c.ifIndex,
		TCP:     true,
		Handle:  c,
		Context: c,
	}
}

// handleConnection reads queries until the connection fails.  A connection
// the peer gave up on is reported to the sink with an empty payload, one
// closed locally is not.
func (s *Server) handleConnection(c *conn) {
	defer s.wg.Done()

	for {
		msg, err := readMessage(c.nc, s.readTimeout)
		if err != nil {
			if c.closed.Load() {
				return
			}
			if !errors.Is(err, io.EOF) {
				log.Sugar.Debugf("tcp connection from %s read error=[%+v]", c.src, err)
			}
			s.sink.Submit(c.packet(nil))
			return
		}

		if len(msg) == 0 {
			continue // empty message, try next
		}

		s.sink.Submit(c.packet(msg))
	}
}

// readMessage reads a length-prefixed DNS message from the connection.
//
// Wire format:
//
//	+--+--+
//	|Length| 2 bytes, big-endian
//	+--+--+
//	| DNS  | Length bytes
//	+------+
func readMessage(nc net.Conn, timeout time.Duration) ([]byte, error) {
	_ = nc.SetReadDeadline(time.Now().Add(timeout))

	var lenBuf [2]byte
	if _, err := io.ReadFull(nc, lenBuf[:]); err != nil {
		return nil, err
	}

	msgLen := int(binary.BigEndian.Uint16(lenBuf[:]))
	if msgLen == 0 {
		return nil, nil
	}

	msg := make([]byte, msgLen)
	if _, err := io.ReadFull(nc, msg); err != nil {
		return nil, err
	}
	return msg, nil
}
