// Package proxy implements the connection state machine: dispatch on
// method (plain HTTP forwards once per request; CONNECT spawns a tunnel
// task), double-TLS interception for proxied hosts, and blind byte
// copying for everything else, built around internal/state,
// internal/forward, and internal/bridge.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"sync/atomic"

	"mitmproxy/internal/audit"
	"mitmproxy/internal/config"
	"mitmproxy/internal/forward"
	"mitmproxy/internal/profiles"
	"mitmproxy/internal/state"
)

// Server owns the proxy listener and its dependencies.
type Server struct {
	httpServer *http.Server
	handler    *handler
}

// NewServer wires dependencies and returns a ready-to-run proxy server.
func NewServer(cfg config.Config, st *state.State, logger audit.Logger) (*Server, error) {
	if logger == nil {
		return nil, errors.New("logger must not be nil")
	}
	if st == nil {
		return nil, errors.New("state must not be nil")
	}

	profileRegistry, err := profiles.FromNames(cfg.Profiles, cfg.ProfilesConfig)
	if err != nil {
		return nil, err
	}

	h := &handler{
		state:        st,
		client:       forward.NewLoggingClient(forward.NewClient()),
		logger:       logger,
		filters:      buildFilterChain(cfg),
		profiles:     profileRegistry,
		excerptLimit: cfg.ExcerptLimit,
	}
	if cfg.ExcerptLimit > 0 {
		h.bufPool = sync.Pool{New: func() any { return audit.NewLimitedBuffer(cfg.ExcerptLimit) }}
	}

	addr, err := cfg.LocalAddr()
	if err != nil {
		return nil, err
	}

	httpSrv := &http.Server{
		Addr:     addr,
		Handler:  h,
		ErrorLog: log.New(io.Discard, "", 0),
	}

	return &Server{httpServer: httpSrv, handler: h}, nil
}

// ListenAndServe starts the proxy and blocks until it exits.
func (s *Server) ListenAndServe() error {
	if s == nil || s.httpServer == nil {
		return errors.New("server not initialised")
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the proxy server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil || s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

type handler struct {
	state        *state.State
	client       *forward.LoggingClient
	logger       audit.Logger
	requestSeq   uint64
	filters      FilterChain
	profiles     profiles.Registry
	excerptLimit int
	bufPool      sync.Pool
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		h.handleConnect(w, r)
		return
	}
	h.handleHTTP(w, r)
}

func (h *handler) nextID() string {
	seq := atomic.AddUint64(&h.requestSeq, 1)
	return fmt.Sprintf("req-%d", seq)
}
