package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"

	"mitmproxy/internal/audit"
)

// handleHTTP implements ACCEPTED → FORWARD_ONCE: a plain absolute-form
// HTTP request is forwarded once and the response relayed on the same
// connection.
func (h *handler) handleHTTP(w http.ResponseWriter, r *http.Request) {
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

	addr, host, err := hostAddr(r.URL)
	if err != nil {
		http.Error(w, "HTTP must be to socket address", http.StatusNotAcceptable)
		h.logError(reqID, start, r, host, "http", err)
		return
	}

	outbound, err := cloneRequest(r)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		h.logError(reqID, start, r, host, "http", err)
		return
	}

	if h.excerptLimit > 0 && outbound.Body != nil && outbound.Body != http.NoBody {
		requestBuf = h.acquireBuffer()
		outbound.Body = audit.NewTeeReadCloser(outbound.Body, requestBuf)
	}

	if err := h.filters.ApplyRequest(outbound); err != nil {
		http.Error(w, "request blocked", http.StatusForbidden)
		h.logError(reqID, start, r, host, "http", fmt.Errorf("request filter rejected: %w", err))
		return
	}

	cc := h.state.NewClientContext(addr, host, false)
	resp, err := h.client.RoundTrip(r.Context(), cc, outbound)
	if err != nil {
		http.Error(w, "upstream error", http.StatusBadGateway)
		h.logError(reqID, start, r, host, "http", err)
		return
	}
	if h.excerptLimit > 0 && resp.Body != nil {
		responseBuf = h.acquireBuffer()
		resp.Body = audit.NewTeeReadCloser(resp.Body, responseBuf)
	}
	defer resp.Body.Close()

	if err := h.filters.ApplyResponse(resp); err != nil {
		http.Error(w, "response blocked", http.StatusBadGateway)
		h.logError(reqID, start, r, host, "http", fmt.Errorf("response filter rejected: %w", err))
		return
	}

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	bytesCopied, copyErr := copyStream(w, resp.Body)
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
	if copyErr != nil && !errors.Is(copyErr, context.Canceled) {
		log.Printf("stream copy failed: %v", copyErr)
	}

	entry := audit.Entry{
		Time:      start.UTC(),
		ID:        reqID,
		Conn:      newConnMetadata(r, addr, "http"),
		Request:   newHTTPRequest(r),
		Response:  newHTTPResponse(resp, bytesCopied),
		LatencyMS: time.Since(start).Milliseconds(),
	}
	if requestBuf != nil && requestBuf.Len() > 0 {
		entry.Attributes = ensureAttrs(entry.Attributes)
		entry.Attributes["request_excerpt"] = string(requestBuf.Bytes())
	}
	if responseBuf != nil && responseBuf.Len() > 0 {
		entry.Attributes = ensureAttrs(entry.Attributes)
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
}

// hostAddr parses an absolute-form request URI into a dialable "host:port"
// address plus the bare host, defaulting to port 80 for unscoped http URIs.
func hostAddr(u *url.URL) (addr string, host string, err error) {
	if u == nil || u.Host == "" {
		return "", "", errors.New("request URI has no authority")
	}
	host = u.Hostname()
	port := u.Port()
	if port == "" {
		if u.Scheme == "http" || u.Scheme == "" {
			port = "80"
		} else {
			port = "443"
		}
	}
	return host + ":" + port, host, nil
}

func (h *handler) logError(id string, start time.Time, r *http.Request, target string, protocol string, err error) {
	entry := audit.Entry{
		Time: start.UTC(),
		ID:   id,
		Conn: audit.ConnMetadata{
			ClientAddr: audit.ClientAddrFromRequest(r),
			Target:     target,
			Protocol:   protocol,
		},
		Request:   newHTTPRequest(r),
		LatencyMS: time.Since(start).Milliseconds(),
	}
	if err != nil {
		entry.Error = err.Error()
	}
	if logErr := h.logger.Record(context.Background(), entry); logErr != nil {
		log.Printf("audit log write failed: %v", logErr)
	}
}
