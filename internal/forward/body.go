package forward

import (
	"io"
	"net"
	"strings"
)

// netConnCloser is the minimal surface forward needs from whichever
// connection type bridge hands back (plain net.Conn or *tls.Conn).
type netConnCloser interface {
	net.Conn
}

// closeConnOnClose closes the underlying connection once the response
// body is closed, since every forwarded call gets its own connection.
type closeConnOnClose struct {
	io.ReadCloser
	conn netConnCloser
}

func (c closeConnOnClose) Close() error {
	bodyErr := c.ReadCloser.Close()
	connErr := c.conn.Close()
	if bodyErr != nil {
		return bodyErr
	}
	return connErr
}

func newStringBody(s string) io.ReadCloser {
	return io.NopCloser(strings.NewReader(s))
}
