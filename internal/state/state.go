// Package state bundles the config, root CA, and leaf cache a running
// proxy needs, and derives per-connection ClientContext values from it,
// kept as one small, cheaply shared handle.
package state

import (
	"context"
	"crypto/tls"
	"fmt"

	"mitmproxy/internal/ca"
	"mitmproxy/internal/cache"
	"mitmproxy/internal/config"
	"mitmproxy/internal/workpool"
)

// ClientContext carries the per-request decisions the forwarding client
// and logging middleware need.
type ClientContext struct {
	Addr   string // origin host:port
	SNI    string
	Secure bool
	Parse  bool
}

// State is the composite handle shared across every connection task.
type State struct {
	Config Config
	root   *ca.RootCA
	leaves *cache.LeafCache
}

// Config is a thin alias kept local so callers need only import state.
type Config = config.Config

// New constructs State, loading or creating the root CA through pool.
func New(ctx context.Context, cfg config.Config, pool *workpool.Pool) (*State, error) {
	root, err := ca.LoadOrCreate(ctx, cfg.RootCACert, cfg.RootCAKey, pool)
	if err != nil {
		return nil, fmt.Errorf("load root ca: %w", err)
	}
	leaves, err := cache.New(root)
	if err != nil {
		return nil, fmt.Errorf("create leaf cache: %w", err)
	}
	return &State{Config: cfg, root: root, leaves: leaves}, nil
}

// IsProxy reports whether host should be intercepted.
func (s *State) IsProxy(host string) bool {
	return s.Config.IsProxy(host)
}

// IsParse reports whether intercepted TLS traffic should be HTTP-parsed.
func (s *State) IsParse() bool {
	return s.Config.Parse
}

// SNIFor resolves the SNI the forwarding client should present upstream.
func (s *State) SNIFor(host string) string {
	if s.Config.SNI != "" {
		return s.Config.SNI
	}
	return host
}

// GetSignedCert mints or fetches a cached leaf certificate for host.
func (s *State) GetSignedCert(ctx context.Context, host string) (*ca.LeafCA, error) {
	return s.leaves.Get(ctx, host)
}

// WrapSSLStream builds a server-side tls.Config that presents a leaf
// certificate for host, composing leaf issuance with the server half of
// the TLS bridge.
func (s *State) WrapSSLStream(ctx context.Context, host string) (*tls.Config, error) {
	leaf, err := s.GetSignedCert(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("get signed cert for %s: %w", host, err)
	}
	cert := tls.Certificate{
		Certificate: [][]byte{leaf.DER},
		PrivateKey:  leaf.Key,
		Leaf:        leaf.Cert,
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// NewClientContext derives the ClientContext for a proxied request to addr.
func (s *State) NewClientContext(addr, host string, secure bool) ClientContext {
	return ClientContext{
		Addr:   addr,
		SNI:    s.SNIFor(host),
		Secure: secure,
		Parse:  s.IsParse(),
	}
}

// CacheLen exposes the leaf cache's current size, mainly for diagnostics
// and tests verifying the bounded-cache invariant.
func (s *State) CacheLen() int {
	return s.leaves.Len()
}
