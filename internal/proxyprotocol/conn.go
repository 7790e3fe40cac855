package proxyprotocol

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"time"

	proxyproto "github.com/pires/go-proxyproto"
)

// Conn is a net.Conn whose addresses come from the PROXY header when one was
// present.
type Conn struct {
	net.Conn
	rd     *bufio.Reader
	local  net.Addr
	remote net.Addr
	header *proxyproto.Header
}

// NewConn reads a PROXY header from the start of nc. Connections without one
// are passed through unchanged. A non-zero timeout bounds the header read, and
// a client that sends nothing before it expires is an error.
func NewConn(nc net.Conn, timeout time.Duration) (*Conn, error) {
	c := &Conn{
		Conn: nc,
		rd:   bufio.NewReader(nc),
	}

	if timeout > 0 {
		if err := nc.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, err
		}
		defer nc.SetReadDeadline(time.Time{})
	}

	// Read reports a failed first read as ErrNoProxyProtocol.
	if _, err := c.rd.Peek(1); err != nil {
		return nil, fmt.Errorf("proxyprotocol: read header: %w", err)
	}

	header, err := proxyproto.Read(c.rd)
	switch {
	case err == nil:
		c.header = header
		c.local = NewProxyAddr(header.TransportProtocol, header.DestinationAddress, header.DestinationPort)
		c.remote = NewProxyAddr(header.TransportProtocol, header.SourceAddress, header.SourcePort)
	case errors.Is(err, proxyproto.ErrNoProxyProtocol), errors.Is(err, proxyproto.ErrInvalidLength):
		// Not a PROXY protocol connection, keep going with the plain stream.
	default:
		return nil, fmt.Errorf("proxyprotocol: read header: %w", err)
	}
	return c, nil
}

// Header returns the decoded PROXY header, or nil when there was none.
func (c *Conn) Header() *proxyproto.Header {
	return c.header
}

func (c *Conn) Read(b []byte) (int, error) {
	return c.rd.Read(b)
}

func (c *Conn) LocalAddr() net.Addr {
	if c.local == nil {
		return c.Conn.LocalAddr()
	}
	return c.local
}

func (c *Conn) RemoteAddr() net.Addr {
	if c.remote == nil {
		return c.Conn.RemoteAddr()
	}
	return c.remote
}
