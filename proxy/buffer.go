package proxy

import (
	"encoding/binary"

	"github.com/miekg/dns"

	"github.com/treemana/dnsproxy/util"
)

const (
	sectionQuestion = iota
	sectionAnswer
	sectionAuthority
	sectionAdditional
)

// message is a response under construction.  Records are packed straight
// into buf and never past limit, a failed append leaves the message ending
// at the last complete record.
type message struct {
	buf   []byte
	limit int
	off   int

	id     uint16
	flags  uint16
	counts [4]uint16

	compression map[string]int
}

func newMessage(size int) *message {
	return &message{
		buf:         make([]byte, size),
		compression: make(map[string]int),
	}
}

// reset starts a new message with an empty body.
func (m *message) reset(id, flags uint16, limit int) {
	m.limit = min(limit, len(m.buf))
	m.off = HeaderSize
	m.id = id
	m.flags = flags
	m.counts = [4]uint16{}
	clear(m.compression)
}

// question writes the question section.  Only the buffer size bounds it.
func (m *message) question(name string, qtype, qclass uint16) error {
	off, err := dns.PackDomainName(dns.Fqdn(name), m.buf, m.off, m.compression, true)
	if err != nil {
		m.rollback()
		return err
	}

	if off+4 > len(m.buf) {
		m.rollback()
		return dns.ErrBuf
	}

	binary.BigEndian.PutUint16(m.buf[off:], qtype)
	binary.BigEndian.PutUint16(m.buf[off+2:], qclass)
	m.off = off + 4
	m.counts[sectionQuestion]++

	return nil
}

// append packs rr at the end of section.
func (m *message) append(section int, rr dns.RR) error {
	off, err := dns.PackRR(rr, m.buf[:m.limit], m.off, m.compression, true)
	if err != nil {
		m.rollback()
		return err
	}

	m.off = off
	m.counts[section]++

	return nil
}

// rollback forgets compression targets written past the last complete record.
func (m *message) rollback() {
	for name, off := range m.compression {
		if off >= m.off {
			delete(m.compression, name)
		}
	}
}

func (m *message) truncate() {
	m.flags |= util.FlagTC
}

// bytes returns the wire form, valid until the next reset.
func (m *message) bytes() []byte {
	binary.BigEndian.PutUint16(m.buf[0:], m.id)
	binary.BigEndian.PutUint16(m.buf[2:], m.flags)
	for i, count := range m.counts {
		binary.BigEndian.PutUint16(m.buf[4+2*i:], count)
	}
	return m.buf[:m.off]
}
