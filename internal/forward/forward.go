// Package forward implements the HTTP forwarding client: given a
// ClientContext and a parsed request, it dials the origin (plain or TLS,
// per ClientContext.Secure), performs a single HTTP/1.1 handshake over the
// resulting stream, and relays exactly one request/response, deliberately
// per-call rather than through a pooled net/http.Transport.
package forward

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httputil"

	"mitmproxy/internal/bridge"
	"mitmproxy/internal/state"
)

// DialFailedStatus and DialFailedBody are returned, never raised, when the
// origin cannot be reached — the proxy's control connection is never torn
// down by an upstream dial failure.
const (
	DialFailedStatus = http.StatusNotAcceptable
	DialFailedBody   = "connect http failed"
)

// Client performs one-shot HTTP/1.1 round trips to whatever origin a
// ClientContext names.
type Client struct{}

// NewClient returns a ready-to-use forwarding client.
func NewClient() *Client {
	return &Client{}
}

// RoundTrip sends req to cc.Addr and returns the origin's response. Dial
// failures are converted into a synthesized 406 response rather than an
// error, so a single failed upstream connection never tears down the
// intercepted session.
func (c *Client) RoundTrip(ctx context.Context, cc state.ClientContext, req *http.Request) (*http.Response, error) {
	conn, err := c.dial(ctx, cc)
	if err != nil {
		return dialFailedResponse(req), nil
	}

	clientConn := httputil.NewClientConn(conn, nil)
	resp, err := clientConn.Do(req)
	if err != nil {
		conn.Close()
		return dialFailedResponse(req), nil
	}

	// The underlying connection is closed when the response body is closed; a
	// real connection pool is unnecessary for a single intercepted call.
	resp.Body = closeConnOnClose{ReadCloser: resp.Body, conn: conn}
	return resp, nil
}

func (c *Client) dial(ctx context.Context, cc state.ClientContext) (netConnCloser, error) {
	if cc.Secure {
		tlsConn, err := bridge.DialUpstreamTLS(ctx, cc.Addr, cc.SNI)
		if err != nil {
			return nil, fmt.Errorf("dial https %s: %w", cc.Addr, err)
		}
		return tlsConn, nil
	}
	plainConn, err := bridge.DialUpstreamPlain(ctx, cc.Addr)
	if err != nil {
		return nil, fmt.Errorf("dial http %s: %w", cc.Addr, err)
	}
	return plainConn, nil
}

func dialFailedResponse(req *http.Request) *http.Response {
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", DialFailedStatus, http.StatusText(DialFailedStatus)),
		StatusCode:    DialFailedStatus,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        make(http.Header),
		Request:       req,
		Body:          newStringBody(DialFailedBody),
		ContentLength: int64(len(DialFailedBody)),
	}
}
