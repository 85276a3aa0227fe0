package forward

import (
	"context"
	"log"
	"net/http"

	"mitmproxy/internal/state"
)

// LoggingClient wraps a Client, optionally tracing request/response lines
// when the ClientContext's parse flag is set, so only parsed sessions
// generate trace output.
type LoggingClient struct {
	inner *Client
}

// NewLoggingClient wraps inner with parse-mode-gated tracing.
func NewLoggingClient(inner *Client) *LoggingClient {
	return &LoggingClient{inner: inner}
}

// RoundTrip delegates to the wrapped Client, logging the request and
// response only when cc.Parse is true.
func (l *LoggingClient) RoundTrip(ctx context.Context, cc state.ClientContext, req *http.Request) (*http.Response, error) {
	if cc.Parse {
		log.Printf("request: %s %s", req.Method, req.URL)
	}
	resp, err := l.inner.RoundTrip(ctx, cc, req)
	if cc.Parse && err == nil {
		log.Printf("response: %s %s -> %d", req.Method, req.URL, resp.StatusCode)
	}
	return resp, err
}
