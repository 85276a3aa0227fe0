// Package bridge implements the double-TLS bridge between a client-facing
// TLS session the proxy terminates and an origin-facing TLS session it
// initiates, including the deliberate upstream certificate verification
// bypass this proxy intentionally carries.
package bridge

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
)

// DialUpstreamTLS dials addr and performs a TLS handshake presenting sni
// as the ClientHello server_name. Upstream certificate and hostname
// verification are intentionally disabled here: this proxy trusts
// whatever certificate the origin presents. This is the single seam
// where a future "verify upstream" config bit would hook in, without
// touching the JSON config schema.
func DialUpstreamTLS(ctx context.Context, addr, sni string) (*tls.Conn, error) {
	dialer := &net.Dialer{}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial upstream %s: %w", addr, err)
	}

	tlsConn := tls.Client(raw, &tls.Config{
		ServerName:         sni,
		InsecureSkipVerify: true,
	})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, fmt.Errorf("tls handshake with %s (sni=%s): %w", addr, sni, err)
	}
	return tlsConn, nil
}

// DialUpstreamPlain dials a plain TCP connection to addr, for non-proxied
// or non-secure forwarding.
func DialUpstreamPlain(ctx context.Context, addr string) (net.Conn, error) {
	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial upstream %s: %w", addr, err)
	}
	return conn, nil
}

// AcceptClientTLS performs the server-side TLS handshake over conn using
// cfg (which must already carry the leaf certificate for the intercepted
// host; see internal/state.WrapSSLStream).
func AcceptClientTLS(ctx context.Context, conn net.Conn, cfg *tls.Config) (*tls.Conn, error) {
	tlsConn := tls.Server(conn, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, fmt.Errorf("tls accept: %w", err)
	}
	return tlsConn, nil
}
