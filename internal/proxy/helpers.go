package proxy

import (
	"errors"
	"io"
	"net/http"
	"net/url"

	"mitmproxy/internal/audit"
	"mitmproxy/internal/config"
)

func cloneRequest(r *http.Request) (*http.Request, error) {
	if r.URL == nil {
		return nil, errors.New("missing url")
	}
	outbound := r.Clone(r.Context())
	if outbound.URL.Scheme == "" {
		outbound.URL = cloneURL(outbound.URL)
		outbound.URL.Scheme = "http"
	}
	if outbound.URL.Host == "" {
		outbound.URL.Host = r.Host
	}
	outbound.RequestURI = ""
	outbound.Header = cloneHeader(r.Header)
	outbound.Header.Del("Proxy-Connection")
	outbound.Header.Del("Proxy-Authenticate")
	outbound.Header.Del("Proxy-Authorization")
	return outbound, nil
}

func cloneURL(in *url.URL) *url.URL {
	if in == nil {
		return &url.URL{}
	}
	out := *in
	return &out
}

func cloneHeader(h http.Header) http.Header {
	if h == nil {
		return make(http.Header)
	}
	out := make(http.Header, len(h))
	for k, vv := range h {
		dup := make([]string, len(vv))
		copy(dup, vv)
		out[k] = dup
	}
	return out
}

func newConnMetadata(r *http.Request, target, protocol string) audit.ConnMetadata {
	return audit.ConnMetadata{
		ClientAddr: audit.ClientAddrFromRequest(r),
		Target:     target,
		Protocol:   protocol,
	}
}

func newHTTPRequest(r *http.Request) *audit.HTTPRequest {
	if r == nil {
		return nil
	}
	return &audit.HTTPRequest{
		Method:        r.Method,
		URL:           r.URL.String(),
		Header:        audit.SanitiseHeaders(r.Header),
		ContentLength: r.ContentLength,
	}
}

func newHTTPResponse(resp *http.Response, bodyBytes int64) *audit.HTTPResponse {
	if resp == nil {
		return nil
	}
	contentLen := resp.ContentLength
	if contentLen < 0 {
		contentLen = bodyBytes
	}
	return &audit.HTTPResponse{
		Status:        resp.StatusCode,
		Header:        audit.SanitiseHeaders(resp.Header),
		ContentLength: contentLen,
	}
}

func copyStream(dst io.Writer, src io.Reader) (int64, error) {
	if dst == nil || src == nil {
		return 0, errors.New("invalid stream copy parameters")
	}
	return io.Copy(dst, src)
}

func copyHeaders(dst, src http.Header) {
	for k := range dst {
		dst.Del(k)
	}
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func buildFilterChain(cfg config.Config) FilterChain {
	if len(cfg.Filters) == 0 {
		return NewFilterChain(NoopFilter{})
	}
	return NewFilterChainFromSpecs(cfg.Filters)
}

func ensureAttrs(attrs map[string]any) map[string]any {
	if attrs == nil {
		return make(map[string]any)
	}
	return attrs
}

func mergeAttrs(base map[string]any, add map[string]any) map[string]any {
	if len(add) == 0 {
		return base
	}
	result := ensureAttrs(base)
	for k, v := range add {
		result[k] = v
	}
	return result
}

func (h *handler) acquireBuffer() *audit.LimitedBuffer {
	if h.excerptLimit <= 0 {
		return nil
	}
	if buf, ok := h.bufPool.Get().(*audit.LimitedBuffer); ok {
		buf.Reset(h.excerptLimit)
		return buf
	}
	return audit.NewLimitedBuffer(h.excerptLimit)
}

func (h *handler) releaseBuffer(buf *audit.LimitedBuffer) {
	if buf == nil || h.excerptLimit <= 0 {
		return
	}
	buf.Reset(h.excerptLimit)
	h.bufPool.Put(buf)
}
