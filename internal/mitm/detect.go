package mitm

import (
	"bufio"
	"io"
	"net"
)

const (
	tlsRecordTypeHandshake  = 0x16
	tlsHandshakeClientHello = 0x01
	tlsVersionSSL30         = 0x0300
	tlsVersion13            = 0x0304
	maxHelloPeek            = 16384
)

// PeekableConn wraps a net.Conn with peek capability.
type PeekableConn struct {
	net.Conn
	reader *bufio.Reader
}

// NewPeekableConn creates a new PeekableConn.
func NewPeekableConn(conn net.Conn) *PeekableConn {
	if pc, ok := conn.(*PeekableConn); ok {
		return pc
	}
	return &PeekableConn{
		Conn:   conn,
		reader: bufio.NewReaderSize(conn, maxHelloPeek+5),
	}
}

// Peek returns the next n bytes without advancing the reader.
func (c *PeekableConn) Peek(n int) ([]byte, error) {
	return c.reader.Peek(n)
}

// Read reads data from the connection.
func (c *PeekableConn) Read(p []byte) (int, error) {
	return c.reader.Read(p)
}

// CloseWrite half-closes the underlying connection when it supports it.
func (c *PeekableConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

// Protocol represents detected application protocol.
type Protocol int

const (
	ProtocolUnknown Protocol = iota
	ProtocolTLS
	ProtocolPlain
)

func (p Protocol) String() string {
	switch p {
	case ProtocolTLS:
		return "TLS"
	case ProtocolPlain:
		return "Plain"
	default:
		return "Unknown"
	}
}

// Detection is what the first bytes of a client connection reveal.
type Detection struct {
	Protocol Protocol
	SNI      string
}

// IsTLSClientHello checks if the data starts with a TLS ClientHello record.
func IsTLSClientHello(data []byte) bool {
	if len(data) < 6 || data[0] != tlsRecordTypeHandshake {
		return false
	}
	version := uint16(data[1])<<8 | uint16(data[2])
	if version < tlsVersionSSL30 || version > tlsVersion13 {
		return false
	}
	return data[5] == tlsHandshakeClientHello
}

// Detect peeks at the connection without consuming it. A connection closed
// before sending anything is reported as plain.
func Detect(conn *PeekableConn) (Detection, error) {
	head, err := conn.Peek(6)
	if err != nil {
		if err == io.EOF {
			return Detection{Protocol: ProtocolPlain}, nil
		}
		return Detection{}, err
	}
	if !IsTLSClientHello(head) {
		return Detection{Protocol: ProtocolPlain}, nil
	}

	total := 5 + (int(head[3])<<8 | int(head[4]))
	if total > maxHelloPeek {
		total = maxHelloPeek
	}
	hello, err := conn.Peek(total)
	if err != nil {
		hello, _ = conn.Peek(conn.reader.Buffered())
	}
	return Detection{Protocol: ProtocolTLS, SNI: extractSNI(hello)}, nil
}

// cursor walks a byte slice; any read past the end poisons it.
type cursor struct {
	b   []byte
	bad bool
}

func (c *cursor) skip(n int) {
	if c.bad || n < 0 || n > len(c.b) {
		c.bad = true
		return
	}
	c.b = c.b[n:]
}

func (c *cursor) u8() int {
	if c.bad || len(c.b) < 1 {
		c.bad = true
		return 0
	}
	v := int(c.b[0])
	c.b = c.b[1:]
	return v
}

func (c *cursor) u16() int {
	if c.bad || len(c.b) < 2 {
		c.bad = true
		return 0
	}
	v := int(c.b[0])<<8 | int(c.b[1])
	c.b = c.b[2:]
	return v
}

// take returns the next n bytes, truncated to what is left.
func (c *cursor) take(n int) []byte {
	if c.bad {
		return nil
	}
	if n > len(c.b) {
		n = len(c.b)
	}
	v := c.b[:n]
	c.b = c.b[n:]
	return v
}

// extractSNI extracts the server_name extension from a ClientHello record.
func extractSNI(record []byte) string {
	c := &cursor{b: record}
	c.skip(5)       // record header
	c.skip(4)       // handshake header
	c.skip(2 + 32)  // client version, random
	c.skip(c.u8())  // session id
	c.skip(c.u16()) // cipher suites
	c.skip(c.u8())  // compression methods
	exts := &cursor{b: c.take(c.u16())}
	if c.bad {
		return ""
	}

	for len(exts.b) >= 4 {
		typ, n := exts.u16(), exts.u16()
		if n > len(exts.b) {
			return ""
		}
		body := exts.take(n)
		if typ == 0 {
			if sni := parseServerNameList(body); sni != "" {
				return sni
			}
		}
	}
	return ""
}

func parseServerNameList(data []byte) string {
	c := &cursor{b: data}
	list := &cursor{b: c.take(c.u16())}
	for !list.bad && len(list.b) >= 3 {
		nameType, n := list.u8(), list.u16()
		if n <= 0 || n > len(list.b) {
			return ""
		}
		name := string(list.take(n))
		if nameType == 0 && isValidHostname(name) {
			return name
		}
	}
	return ""
}

// isValidHostname performs basic validation on extracted hostname.
func isValidHostname(s string) bool {
	if len(s) == 0 || len(s) > 255 {
		return false
	}
	for _, c := range s {
		if !((c >= 'a' && c <= 'z') ||
			(c >= 'A' && c <= 'Z') ||
			(c >= '0' && c <= '9') ||
			c == '-' || c == '.' || c == '_') {
			return false
		}
	}
	return true
}
