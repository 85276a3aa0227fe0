package state

import (
	"context"
	"path/filepath"
	"testing"

	"mitmproxy/internal/config"
	"mitmproxy/internal/workpool"
)

func newTestState(t *testing.T, cfg config.Config) *State {
	t.Helper()
	dir := t.TempDir()
	if cfg.RootCACert == "" {
		cfg.RootCACert = filepath.Join(dir, "root.pem")
	}
	if cfg.RootCAKey == "" {
		cfg.RootCAKey = filepath.Join(dir, "root.key")
	}
	s, err := New(context.Background(), cfg, workpool.New(2))
	if err != nil {
		t.Fatalf("new state: %v", err)
	}
	return s
}

func TestSNIForUsesOverrideWhenSet(t *testing.T) {
	s := newTestState(t, config.Config{SNI: "front.test"})
	if got := s.SNIFor("inspect.test"); got != "front.test" {
		t.Fatalf("expected override SNI, got %q", got)
	}
}

func TestSNIForFallsBackToHost(t *testing.T) {
	s := newTestState(t, config.Config{})
	if got := s.SNIFor("inspect.test"); got != "inspect.test" {
		t.Fatalf("expected host as SNI, got %q", got)
	}
}

func TestIsProxyDelegatesToConfig(t *testing.T) {
	s := newTestState(t, config.Config{ProxyHosts: []string{"mydomain"}})
	if s.IsProxy("other.test") {
		t.Fatalf("expected other.test to not be proxied")
	}
	if !s.IsProxy("api.mydomain") {
		t.Fatalf("expected api.mydomain to be proxied")
	}
}

func TestWrapSSLStreamMintsCertForHost(t *testing.T) {
	s := newTestState(t, config.Config{})
	tlsCfg, err := s.WrapSSLStream(context.Background(), "example.com")
	if err != nil {
		t.Fatalf("wrap ssl stream: %v", err)
	}
	if len(tlsCfg.Certificates) != 1 {
		t.Fatalf("expected exactly one certificate")
	}
	if tlsCfg.Certificates[0].Leaf.DNSNames[0] != "example.com" {
		t.Fatalf("unexpected leaf SAN: %v", tlsCfg.Certificates[0].Leaf.DNSNames)
	}
	if s.CacheLen() != 1 {
		t.Fatalf("expected cache to record the minted leaf, got %d", s.CacheLen())
	}
}

func TestNewClientContextCarriesParseFlag(t *testing.T) {
	s := newTestState(t, config.Config{Parse: true})
	cc := s.NewClientContext("example.com:443", "example.com", true)
	if !cc.Parse || !cc.Secure || cc.Addr != "example.com:443" {
		t.Fatalf("unexpected client context: %#v", cc)
	}
}
