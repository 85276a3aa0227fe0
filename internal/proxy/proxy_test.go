package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"mitmproxy/internal/audit"
	"mitmproxy/internal/config"
	"mitmproxy/internal/forward"
	"mitmproxy/internal/profiles"
	"mitmproxy/internal/state"
	"mitmproxy/internal/workpool"
)

type memoryLogger struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (m *memoryLogger) Record(_ context.Context, e audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *memoryLogger) Close() error { return nil }

func (m *memoryLogger) last() audit.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[len(m.entries)-1]
}

func newTestHandler(t *testing.T, cfg config.Config) (*handler, *memoryLogger) {
	t.Helper()
	dir := t.TempDir()
	cfg.RootCACert = filepath.Join(dir, "root.crt")
	cfg.RootCAKey = filepath.Join(dir, "root.key")
	if len(cfg.Profiles) == 0 {
		cfg.Profiles = []string{"generic"}
	}

	st, err := state.New(context.Background(), cfg, workpool.New(2))
	if err != nil {
		t.Fatalf("new state: %v", err)
	}
	reg, err := profiles.FromNames(cfg.Profiles, cfg.ProfilesConfig)
	if err != nil {
		t.Fatalf("profiles: %v", err)
	}
	logger := &memoryLogger{}
	h := &handler{
		state:    st,
		client:   forward.NewLoggingClient(forward.NewClient()),
		logger:   logger,
		filters:  buildFilterChain(cfg),
		profiles: reg,
	}
	return h, logger
}

func TestHandleHTTPForwardsPlainRequestOnce(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("hello"))
	}))
	defer upstream.Close()

	h, logger := newTestHandler(t, config.Config{BindIP: "127.0.0.1", BindPort: 1})
	proxySrv := httptest.NewServer(h)
	defer proxySrv.Close()

	proxyURL, _ := url.Parse(proxySrv.URL)
	client := &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}}

	resp, err := client.Get(upstream.URL)
	if err != nil {
		t.Fatalf("request through proxy: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "hello" {
		t.Fatalf("unexpected body: %q", body)
	}
	if resp.Header.Get("X-Upstream") != "yes" {
		t.Fatalf("expected upstream header to be relayed")
	}

	entry := logger.last()
	if entry.Conn.Protocol != "http" {
		t.Fatalf("expected http protocol in audit entry, got %q", entry.Conn.Protocol)
	}
}

func TestHandleHTTPMalformedURISynthesizes406(t *testing.T) {
	h, _ := newTestHandler(t, config.Config{BindIP: "127.0.0.1", BindPort: 1})
	proxySrv := httptest.NewServer(h)
	defer proxySrv.Close()

	// Sent directly rather than through a proxy, the request line is the
	// origin-form "/no-authority", so the handler sees a URI with no authority.
	req, _ := http.NewRequest(http.MethodGet, proxySrv.URL+"/no-authority", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotAcceptable {
		t.Fatalf("expected 406, got %d", resp.StatusCode)
	}
}

func TestHandleConnectToNonProxiedHostBlindTunnels(t *testing.T) {
	echoLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer echoLn.Close()
	go func() {
		conn, err := echoLn.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(conn, conn)
	}()

	h, logger := newTestHandler(t, config.Config{
		BindIP:     "127.0.0.1",
		BindPort:   1,
		ProxyHosts: []string{"only-this-host.invalid"},
	})
	proxySrv := httptest.NewServer(h)
	defer proxySrv.Close()

	proxyAddr := proxySrv.Listener.Addr().String()
	conn, err := net.DialTimeout("tcp", proxyAddr, 5*time.Second)
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer conn.Close()

	target := echoLn.Addr().String()
	if _, err := io.WriteString(conn, "CONNECT "+target+" HTTP/1.1\r\nHost: "+target+"\r\n\r\n"); err != nil {
		t.Fatalf("write connect: %v", err)
	}

	br := bufio.NewReader(conn)
	statusLine, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("read status: %v", err)
	}
	if statusLine != "HTTP/1.1 200 Connection Established\r\n" {
		t.Fatalf("unexpected status line: %q", statusLine)
	}
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("read headers: %v", err)
		}
		if line == "\r\n" {
			break
		}
	}

	if _, err := io.WriteString(conn, "ping"); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(br, buf); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(buf) != "ping" {
		t.Fatalf("unexpected echo: %q", buf)
	}

	time.Sleep(50 * time.Millisecond)
	_ = logger
}

func TestHandleConnectMissingAuthorityReturns400(t *testing.T) {
	h, _ := newTestHandler(t, config.Config{BindIP: "127.0.0.1", BindPort: 1})

	req := httptest.NewRequest(http.MethodConnect, "/", nil)
	req.Host = ""
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleConnectInterceptsAndParsesInnerHTTP(t *testing.T) {
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Secure", "yes")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("secure-body"))
	}))
	defer upstream.Close()

	upstreamURL, err := url.Parse(upstream.URL)
	if err != nil {
		t.Fatalf("parse upstream url: %v", err)
	}

	h, logger := newTestHandler(t, config.Config{
		BindIP:   "127.0.0.1",
		BindPort: 1,
		Parse:    true,
	})
	proxySrv := httptest.NewServer(h)
	defer proxySrv.Close()

	conn, err := net.DialTimeout("tcp", proxySrv.Listener.Addr().String(), 5*time.Second)
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer conn.Close()

	if _, err := io.WriteString(conn, "CONNECT "+upstreamURL.Host+" HTTP/1.1\r\nHost: "+upstreamURL.Host+"\r\n\r\n"); err != nil {
		t.Fatalf("write connect: %v", err)
	}

	br := bufio.NewReader(conn)
	statusLine, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("read status: %v", err)
	}
	if statusLine != "HTTP/1.1 200 Connection Established\r\n" {
		t.Fatalf("unexpected status line: %q", statusLine)
	}
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("read headers: %v", err)
		}
		if line == "\r\n" {
			break
		}
	}

	tlsConn := tls.Client(conn, &tls.Config{
		ServerName:         upstreamURL.Hostname(),
		InsecureSkipVerify: true,
	})
	if err := tlsConn.Handshake(); err != nil {
		t.Fatalf("client tls handshake: %v", err)
	}

	req, err := http.NewRequest(http.MethodGet, "https://"+upstreamURL.Host+"/", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if err := req.Write(tlsConn); err != nil {
		t.Fatalf("write inner request: %v", err)
	}

	innerReader := bufio.NewReader(tlsConn)
	resp, err := http.ReadResponse(innerReader, req)
	if err != nil {
		t.Fatalf("read inner response: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "secure-body" {
		t.Fatalf("unexpected body: %q", body)
	}
	if resp.Header.Get("X-Secure") != "yes" {
		t.Fatalf("expected secure header to be relayed")
	}

	time.Sleep(50 * time.Millisecond)
	entry := logger.last()
	if entry.Conn.Protocol != "https" {
		t.Fatalf("expected https protocol in audit entry, got %q", entry.Conn.Protocol)
	}
}
