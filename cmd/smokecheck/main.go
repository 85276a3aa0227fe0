package main

import (
	"context"
	"crypto/tls"
	"flag"
	"log"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strconv"
	"time"

	"mitmproxy/internal/audit"
	"mitmproxy/internal/config"
	"mitmproxy/internal/proxy"
	"mitmproxy/internal/state"
	"mitmproxy/internal/workpool"
)

func main() {
	logFile := flag.String("log-file", "logs/smoke.jsonl", "path to write JSONL audit output")
	caDir := flag.String("ca-dir", "logs/smoke-ca", "directory to persist the probe's root CA")
	addr := flag.String("addr", "127.0.0.1:18080", "listen address for the probe proxy")
	flag.Parse()

	if err := os.MkdirAll("logs", 0o755); err != nil {
		log.Fatalf("failed creating logs dir: %v", err)
	}
	if err := os.RemoveAll(*logFile); err != nil && !os.IsNotExist(err) {
		log.Fatalf("failed to clean log file: %v", err)
	}
	if err := os.MkdirAll(*caDir, 0o755); err != nil {
		log.Fatalf("failed creating ca dir: %v", err)
	}

	upstreamHTTP := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Smoke", "http")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer upstreamHTTP.Close()

	upstreamHTTPS := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Smoke", "https")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("secure"))
	}))
	defer upstreamHTTPS.Close()

	host, port, err := splitAddr(*addr)
	if err != nil {
		log.Fatalf("invalid -addr: %v", err)
	}

	cfg := config.Default()
	cfg.BindIP = host
	cfg.BindPort = port
	cfg.LogFile = *logFile
	cfg.RootCACert = *caDir + "/smoke.ca.cert.crt"
	cfg.RootCAKey = *caDir + "/smoke.ca.key.pem"
	// The probe never intercepts TLS; upstreamHTTPS is reached as a blind
	// tunnel, so the smoke run doesn't depend on trusting a self-signed leaf.
	cfg.ProxyHosts = []string{"example-never-matches.invalid"}

	logger, err := audit.NewFileLogger(cfg.LogFile)
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer logger.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := workpool.New(2)
	st, err := state.New(ctx, cfg, pool)
	if err != nil {
		log.Fatalf("failed to initialise proxy state: %v", err)
	}

	server, err := proxy.NewServer(cfg, st, logger)
	if err != nil {
		log.Fatalf("failed to create server: %v", err)
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	time.Sleep(150 * time.Millisecond)

	proxyURL, _ := url.Parse("http://" + *addr)
	client := &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}}
	resp, err := client.Get(upstreamHTTP.URL)
	if err != nil {
		log.Fatalf("http request via proxy failed: %v", err)
	}
	_ = resp.Body.Close()

	httpsClient := &http.Client{Transport: &http.Transport{
		Proxy:           http.ProxyURL(proxyURL),
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	}}
	resp, err = httpsClient.Get(upstreamHTTPS.URL)
	if err != nil {
		log.Fatalf("https request via proxy failed: %v", err)
	}
	_ = resp.Body.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("shutdown failed: %v", err)
	}

	select {
	case err := <-serverErr:
		if err != nil {
			log.Fatalf("server error: %v", err)
		}
	case <-time.After(2 * time.Second):
		log.Fatalf("server did not confirm shutdown")
	}
}

func splitAddr(addr string) (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, err
	}
	return host, uint16(port), nil
}
