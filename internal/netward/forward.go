package netward

import (
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	msgUnreachable   = "The upstream server is unreachable"
	msgNoResponse    = "Failed to get response: "
	msgForwardFailed = "Failed to forward request: "
)

// Hop-by-hop headers, dropped in both directions.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Connection",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

var copyBufPool = sync.Pool{
	New: func() any {
		b := make([]byte, 32<<10)
		return &b
	},
}

// newTransport builds the pooled origin client. Redirects are relayed to
// the client rather than followed, and bodies are passed through without
// transparent decompression.
func newTransport(cfg Config) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   cfg.Upstream.connectTimeoutDur,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 nil,
		DialContext:           dialer.DialContext,
		MaxConnsPerHost:       cfg.Upstream.PoolSize,
		MaxIdleConnsPerHost:   cfg.Upstream.PoolSize,
		IdleConnTimeout:       cfg.Upstream.idleTimeoutDur,
		DisableCompression:    true,
		ExpectContinueTimeout: time.Second,
	}
}

// bodyReader remembers the first error from the inbound body so a failed
// round trip can be blamed on the client side.
type bodyReader struct {
	io.ReadCloser
	mu  sync.Mutex
	err error
}

func (b *bodyReader) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if err != nil && err != io.EOF {
		b.mu.Lock()
		if b.err == nil {
			b.err = err
		}
		b.mu.Unlock()
	}
	return n, err
}

func (b *bodyReader) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// forward relays the request to the resolved origin. The inbound body is
// first read here, by the transport, once the outbound request exists.
// A non-empty key makes a cacheable GET response eligible for storing.
func (s *Service) forward(x *exchange, key string) string {
	r := x.req
	out, body := s.outboundRequest(x)

	start := time.Now()
	resp, err := s.transport.RoundTrip(out)
	took := time.Since(start)
	if err != nil {
		msg := originErrorMessage(err, body)
		x.log.Error().
			Err(err).
			Str("origin", x.origin.Addr()).
			Dur("took", took).
			Msg("Origin request failed")
		s.badGateway(x, msg)
		return resultBadGateway
	}
	defer resp.Body.Close()
	s.metrics.originDuration.Observe(took.Seconds())

	x.log.Debug().
		Str("origin", x.origin.Addr()).
		Int("status", resp.StatusCode).
		Dur("took", took).
		Msg("Origin responded")

	result := resultBypass
	if key != "" {
		result = resultMiss
	}

	// HEAD responses carry no body and would poison the GET entry sharing
	// their key, so they are looked up but never stored.
	if key != "" && r.Method == http.MethodGet && s.policy.IsCacheable(r, resp) {
		return s.bufferAndStore(x, resp, key)
	}

	h := x.w.Header()
	copyHeader(h, resp.Header)
	h.Set(headerCache, "MISS")
	h.Set(headerRequestID, x.id)
	x.w.WriteHeader(resp.StatusCode)
	s.stream(x, resp)
	return result
}

func (s *Service) outboundRequest(x *exchange) (*http.Request, *bodyReader) {
	r := x.req

	var body *bodyReader
	out := &http.Request{
		Method:        r.Method,
		URL:           originURL(x.origin.Addr(), x.target, r.URL),
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        make(http.Header, len(r.Header)+4),
		Host:          x.host,
		ContentLength: r.ContentLength,
	}
	if r.Body != nil && r.Body != http.NoBody && r.ContentLength != 0 {
		body = &bodyReader{ReadCloser: r.Body}
		out.Body = body
	}
	out = out.WithContext(r.Context())

	copyHeader(out.Header, r.Header)
	ip := clientIP(r)
	out.Header.Set("X-Real-IP", ip)
	out.Header.Set("X-Forwarded-For", ip)
	if r.TLS != nil {
		out.Header.Set("X-Forwarded-Proto", "https")
	} else {
		out.Header.Set("X-Forwarded-Proto", "http")
	}
	return out, body
}

// originURL addresses target on the origin without re-encoding it. A path
// starting with "//" would read as an authority in opaque form, so those keep
// the parsed path instead.
func originURL(addr, target string, parsed *url.URL) *url.URL {
	u := &url.URL{Scheme: "http", Host: addr}
	path, query, hasQuery := strings.Cut(target, "?")
	u.RawQuery = query
	u.ForceQuery = hasQuery && query == ""
	if strings.HasPrefix(path, "//") {
		u.Path = parsed.Path
		u.RawPath = parsed.RawPath
		return u
	}
	u.Opaque = path
	return u
}

// bufferAndStore reads up to the cacheable limit before committing the
// status line, so a failed read can still become a 502. Bodies that turn out
// larger than the limit are sent through uncached.
func (s *Service) bufferAndStore(x *exchange, resp *http.Response, key string) string {
	limit := s.policy.MaxCacheableSize()
	buf, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		x.log.Error().Err(err).Str("origin", x.origin.Addr()).Msg("Failed to read origin response")
		s.badGateway(x, msgNoResponse+err.Error())
		return resultBadGateway
	}

	stored := make(http.Header, len(resp.Header))
	copyHeader(stored, resp.Header)

	h := x.w.Header()
	copyHeader(h, stored)
	h.Set(headerCache, "MISS")
	h.Set(headerRequestID, x.id)

	if int64(len(buf)) > limit {
		x.log.Debug().Int64("limit", limit).Msg("Response exceeds cacheable size, streaming")
		x.w.WriteHeader(resp.StatusCode)
		_, _ = x.w.Write(buf)
		s.stream(x, resp)
		return resultMiss
	}

	entry := NewCacheEntry(resp.StatusCode, stored, buf, s.policy.CalculateTTL(resp), s.now())
	s.cache.Put(key, entry)

	x.w.WriteHeader(resp.StatusCode)
	_, _ = x.w.Write(buf)
	return resultMiss
}

// stream copies the rest of the origin body to the client. Once the status
// line is out a failure can only be signalled by dropping the connection.
func (s *Service) stream(x *exchange, resp *http.Response) {
	bp := copyBufPool.Get().(*[]byte)
	defer copyBufPool.Put(bp)

	var dst io.Writer = x.w
	if resp.ContentLength < 0 {
		dst = flushWriter{x.w}
	}
	if _, err := io.CopyBuffer(dst, resp.Body, *bp); err != nil {
		x.log.Warn().
			Err(err).
			Str("origin", x.origin.Addr()).
			Int64("sent", x.w.bytes).
			Msg("Response aborted after headers were sent")
		panic(http.ErrAbortHandler)
	}
}

// flushWriter pushes each chunk to the client as it arrives, for responses
// of unknown length such as event streams.
type flushWriter struct {
	w *trackingWriter
}

func (f flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if err == nil {
		f.w.Flush()
	}
	return n, err
}

func originErrorMessage(err error, body *bodyReader) string {
	if body != nil {
		if berr := body.Err(); berr != nil {
			return msgForwardFailed + berr.Error()
		}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return msgUnreachable
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return msgUnreachable
	}
	return msgNoResponse + err.Error()
}

// copyHeader appends src into dst without hop-by-hop headers, including any
// named by src's Connection header.
func copyHeader(dst, src http.Header) {
	var connTokens []string
	for _, v := range src.Values("Connection") {
		for _, tok := range strings.Split(v, ",") {
			if tok = strings.TrimSpace(tok); tok != "" {
				connTokens = append(connTokens, http.CanonicalHeaderKey(tok))
			}
		}
	}
	for k, vs := range src {
		if isHopHeader(k, connTokens) {
			continue
		}
		dst[k] = append(dst[k], vs...)
	}
}

func isHopHeader(k string, extra []string) bool {
	for _, h := range hopHeaders {
		if strings.EqualFold(k, h) {
			return true
		}
	}
	for _, h := range extra {
		if strings.EqualFold(k, h) {
			return true
		}
	}
	return false
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
