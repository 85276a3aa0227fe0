package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"mitmproxy/internal/audit"
	"mitmproxy/internal/bridge"
)

// handleConnect implements ACCEPTED → AUTHORITY_PARSED: the synthetic 200
// is written immediately so the client begins its TLS handshake, and the
// rest of the tunnel runs on a spawned goroutine whose errors never
// propagate back to that reply.
func (h *handler) handleConnect(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	reqID := h.nextID()
	targetHost := r.Host

	if targetHost == "" {
		http.Error(w, "CONNECT must be to socket address", http.StatusBadRequest)
		h.logError(reqID, start, r, targetHost, "connect", errors.New("missing authority"))
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		h.logError(reqID, start, r, targetHost, "connect", errors.New("response writer does not implement hijacker"))
		return
	}

	clientConn, clientBuf, err := hijacker.Hijack()
	if err != nil {
		h.logError(reqID, start, r, targetHost, "connect", fmt.Errorf("hijack failed: %w", err))
		return
	}

	if _, err := clientBuf.WriteString("HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		clientConn.Close()
		h.logError(reqID, start, r, targetHost, "connect", fmt.Errorf("write 200: %w", err))
		return
	}
	if err := clientBuf.Flush(); err != nil {
		clientConn.Close()
		h.logError(reqID, start, r, targetHost, "connect", fmt.Errorf("flush: %w", err))
		return
	}

	go func() {
		defer clientConn.Close()
		if err := h.runTunnel(clientConn, clientBuf, targetHost); err != nil {
			log.Printf("tunnel %s: %v", targetHost, err)
		}
	}()
}

// runTunnel dispatches AUTHORITY_PARSED into RAW_COPY for non-proxied
// hosts, or TLS_ACCEPT (and then BRIDGE_COPY / INNER_HTTP_LOOP) for
// intercepted ones.
func (h *handler) runTunnel(clientConn net.Conn, clientBuf *bufio.ReadWriter, targetHost string) error {
	host, _, err := net.SplitHostPort(targetHost)
	if err != nil {
		host = targetHost
	}

	if !h.state.IsProxy(host) {
		return h.rawCopy(clientConn, clientBuf, targetHost)
	}

	ctx := context.Background()
	tlsCfg, err := h.state.WrapSSLStream(ctx, host)
	if err != nil {
		return fmt.Errorf("mint leaf for %s: %w", host, err)
	}

	serverTLS, err := bridge.AcceptClientTLS(ctx, clientConn, tlsCfg)
	if err != nil {
		return fmt.Errorf("client tls accept: %w", err)
	}
	defer serverTLS.Close()

	sni := h.state.SNIFor(host)

	if !h.state.IsParse() {
		return h.bridgeCopy(ctx, serverTLS, targetHost, sni)
	}
	return h.innerHTTPLoop(serverTLS, targetHost, host, sni)
}

// rawCopy implements AUTHORITY_PARSED → RAW_COPY: blind bidirectional
// byte copying between the client and a freshly dialed origin.
func (h *handler) rawCopy(clientConn net.Conn, clientBuf *bufio.ReadWriter, targetHost string) error {
	start := time.Now()
	upstream, err := net.DialTimeout("tcp", targetHost, 10*time.Second)
	if err != nil {
		return fmt.Errorf("dial %s: %w", targetHost, err)
	}
	defer upstream.Close()

	transferErr := tunnelConnections(clientBuf, clientConn, upstream)

	entry := audit.Entry{
		Time:      start.UTC(),
		Conn:      audit.ConnMetadata{Target: targetHost, Protocol: "connect"},
		LatencyMS: time.Since(start).Milliseconds(),
	}
	if transferErr != nil && !errorsIsBenign(transferErr) {
		entry.Error = transferErr.Error()
	}
	if err := h.logger.Record(context.Background(), entry); err != nil {
		log.Printf("audit log write failed: %v", err)
	}
	return transferErr
}

// bridgeCopy implements TLS_ACCEPT → BRIDGE_COPY: dial the origin over
// TLS with the chosen SNI and blind-copy between the two TLS streams.
func (h *handler) bridgeCopy(ctx context.Context, clientTLS *tls.Conn, targetHost, sni string) error {
	start := time.Now()
	upstream, err := bridge.DialUpstreamTLS(ctx, targetHost, sni)
	if err != nil {
		return writeSynthesizedStatus(clientTLS, http.StatusNotAcceptable, "connect http failed")
	}
	defer upstream.Close()

	errCh := make(chan error, 2)
	go func() {
		_, err := io.Copy(upstream, clientTLS)
		errCh <- err
	}()
	go func() {
		_, err := io.Copy(clientTLS, upstream)
		errCh <- err
	}()

	var firstErr error
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil && !errorsIsBenign(err) && firstErr == nil {
			firstErr = err
		}
	}

	entry := audit.Entry{
		Time:      start.UTC(),
		Conn:      audit.ConnMetadata{Target: targetHost, Protocol: "https", ClientAddr: sni},
		LatencyMS: time.Since(start).Milliseconds(),
		Attributes: map[string]any{
			"mitm": "enabled",
		},
	}
	if firstErr != nil {
		entry.Error = firstErr.Error()
	}
	if err := h.logger.Record(context.Background(), entry); err != nil {
		log.Printf("audit log write failed: %v", err)
	}
	return firstErr
}

// innerHTTPLoop implements TLS_ACCEPT → INNER_HTTP_LOOP: HTTP/1.1 is
// parsed over the intercepted TLS session, one request at a time, and
// each one is forwarded and logged individually.
func (h *handler) innerHTTPLoop(clientTLS *tls.Conn, addr, host, sni string) error {
	reader := bufio.NewReader(clientTLS)
	for {
		inbound, err := http.ReadRequest(reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read inner request: %w", err)
		}
		if err := h.processInnerRequest(clientTLS, inbound, addr, host, sni); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

func (h *handler) processInnerRequest(clientConn net.Conn, inbound *http.Request, addr, host, sni string) error {
	start := time.Now()
	reqID := h.nextID()

	var (
		requestBuf  *audit.LimitedBuffer
		responseBuf *audit.LimitedBuffer
	)
	defer func() {
		h.releaseBuffer(requestBuf)
		h.releaseBuffer(responseBuf)
	}()

	if inbound.Body == nil {
		inbound.Body = http.NoBody
	}
	inbound.URL.Scheme = "https"
	inbound.URL.Host = host
	inbound.Host = host
	inbound.RequestURI = ""

	outbound, err := cloneRequest(inbound)
	if err != nil {
		return writeSynthesizedStatus(clientConn, http.StatusBadGateway, fmt.Sprintf("clone request: %v", err))
	}

	if h.excerptLimit > 0 && outbound.Body != nil && outbound.Body != http.NoBody {
		requestBuf = h.acquireBuffer()
		outbound.Body = audit.NewTeeReadCloser(outbound.Body, requestBuf)
	}

	if err := h.filters.ApplyRequest(outbound); err != nil {
		return writeSynthesizedStatus(clientConn, http.StatusForbidden, fmt.Sprintf("request blocked: %v", err))
	}

	cc := h.state.NewClientContext(addr, sni, true)
	resp, err := h.client.RoundTrip(context.Background(), cc, outbound)
	if err != nil {
		return writeSynthesizedStatus(clientConn, http.StatusBadGateway, fmt.Sprintf("upstream error: %v", err))
	}
	defer resp.Body.Close()

	if err := h.filters.ApplyResponse(resp); err != nil {
		return writeSynthesizedStatus(clientConn, http.StatusBadGateway, fmt.Sprintf("response blocked: %v", err))
	}

	if h.excerptLimit > 0 && resp.Body != nil {
		responseBuf = h.acquireBuffer()
		resp.Body = audit.NewTeeReadCloser(resp.Body, responseBuf)
	}

	if err := resp.Write(clientConn); err != nil {
		return fmt.Errorf("write inner response: %w", err)
	}

	entry := audit.Entry{
		Time:      start.UTC(),
		ID:        reqID,
		Conn:      newConnMetadata(inbound, host, "https"),
		Request:   newHTTPRequest(inbound),
		Response:  newHTTPResponse(resp, resp.ContentLength),
		LatencyMS: time.Since(start).Milliseconds(),
		Attributes: map[string]any{
			"mitm": "enabled",
		},
	}
	if requestBuf != nil && requestBuf.Len() > 0 {
		entry.Attributes["request_excerpt"] = string(requestBuf.Bytes())
	}
	if responseBuf != nil && responseBuf.Len() > 0 {
		entry.Attributes["response_excerpt"] = string(responseBuf.Bytes())
	}
	if matched := h.profiles.Match(outbound); matched != nil {
		entry.Profile = matched.Name()
		if attrs := matched.Annotate(outbound, resp); len(attrs) > 0 {
			entry.Attributes = mergeAttrs(entry.Attributes, attrs)
		}
	}
	if err := h.logger.Record(context.Background(), entry); err != nil {
		log.Printf("audit log write failed: %v", err)
	}
	return nil
}

// writeSynthesizedStatus writes a terminal response inside the
// intercepted session itself, never on the original control connection.
func writeSynthesizedStatus(conn net.Conn, status int, message string) error {
	resp := &http.Response{
		StatusCode:    status,
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        make(http.Header),
		Body:          io.NopCloser(strings.NewReader(message + "\n")),
		ContentLength: int64(len(message) + 1),
	}
	resp.Header.Set("Content-Type", "text/plain; charset=utf-8")
	return resp.Write(conn)
}
