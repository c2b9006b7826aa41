package netward

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	msgDirectAccess = "Direct IP access is not allowed."
	msgUnknownHost  = "This host is not part of netward network."
)

type Service struct {
	cfg Config
	log zerolog.Logger

	policy   CachePolicy
	cache    *ResponseCache
	hosts    *HostResolver
	renderer StatusRenderer

	transport http.RoundTripper
	idle      interface{ CloseIdleConnections() }

	metrics *metrics
	sizes   *sizeCollector

	stopCh chan struct{}
	wg     sync.WaitGroup

	now func() time.Time
}

// NewService wires the dispatcher around dir. The caller keeps ownership of
// dir and closes it after Close.
func NewService(cfg Config, dir Directory, log zerolog.Logger) (*Service, error) {
	cache, err := NewResponseCache(cfg.Cache.maxBytes, cfg.Cache.maxAgeDur, log.With().Str("component", "cache").Logger())
	if err != nil {
		return nil, err
	}
	hosts, err := NewHostResolver(dir, cfg.Hosts.ttlDur, cfg.Hosts.Max, log.With().Str("component", "hosts").Logger())
	if err != nil {
		cache.Close()
		return nil, err
	}
	renderer, err := NewHTMLStatusRenderer()
	if err != nil {
		cache.Close()
		hosts.Close()
		return nil, err
	}

	tr := newTransport(cfg)
	s := &Service{
		cfg:       cfg,
		log:       log,
		policy:    NewCachePolicy(cfg.Cache.maxAgeDur, cfg.Cache.maxItemBytes),
		cache:     cache,
		hosts:     hosts,
		renderer:  renderer,
		transport: tr,
		idle:      tr,
		sizes:     newSizeCollector(),
		stopCh:    make(chan struct{}),
		now:       time.Now,
	}
	s.metrics = newMetrics(cache, hosts)

	if every := cfg.Logging.logStatsEveryDur; every > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(every)
		}()
	}
	return s, nil
}

func (s *Service) Close() {
	close(s.stopCh)
	s.wg.Wait()
	s.idle.CloseIdleConnections()
	s.hosts.Close()
	s.cache.Close()
}

func (s *Service) Handler() http.Handler {
	return http.HandlerFunc(s.handle)
}

// exchange is the per-request state threaded through dispatch.
type exchange struct {
	req    *http.Request
	w      *trackingWriter
	id     string
	host   string
	target string
	origin OriginRecord
	log    zerolog.Logger
}

func (s *Service) handle(w http.ResponseWriter, r *http.Request) {
	start := s.now()
	id := newRequestID(start, s.cfg.Server.Site)
	x := &exchange{
		req:    r,
		w:      &trackingWriter{ResponseWriter: w},
		id:     id,
		host:   r.Host,
		target: requestTarget(r),
		log: s.log.With().
			Str("requestId", id).
			Str("host", r.Host).
			Str("method", r.Method).
			Str("uri", r.RequestURI).
			Logger(),
	}

	result := resultBadGateway
	defer func() {
		s.metrics.observe(result, start)
		if result == resultHit || result == resultMiss {
			s.sizes.Observe(x.w.bytes)
		}
		x.log.Debug().
			Int("status", x.w.status).
			Str("result", result).
			Dur("took", time.Since(start)).
			Msg("Request handled")
	}()
	result = s.dispatch(x)
}

// dispatch runs admission, routing and cache lookup before anything reads
// the request body, then hands over to forward.
func (s *Service) dispatch(x *exchange) string {
	r := x.req
	if s.isDirectAccess(x.host) {
		s.refuse(x, msgDirectAccess)
		return resultForbidden
	}

	origin, ok := s.hosts.Resolve(r.Context(), x.host).OriginRecord()
	if !ok {
		s.refuse(x, msgUnknownHost)
		return resultForbidden
	}
	x.origin = origin

	if s.policy.HasCacheBustingHeaders(r) {
		x.log.Debug().Msg("Client sent no-store, bypassing cache")
		return s.forward(x, "")
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return s.forward(x, "")
	}

	key := s.policy.BuildCacheKey(x.host, x.target)
	if entry, ok := s.cache.Get(key); ok {
		return s.serveCached(x, entry)
	}
	return s.forward(x, key)
}

// requestTarget returns the path and query as the client sent them, without
// any fragment. The parsed URL keeps a raw '#' inside Path and would escape
// it on the way back out, so the raw request line is used when it is there.
func requestTarget(r *http.Request) string {
	t := r.RequestURI
	if !strings.HasPrefix(t, "/") {
		if i := strings.Index(t, "://"); i >= 0 {
			t = t[i+3:]
			if j := strings.IndexAny(t, "/?#"); j >= 0 {
				t = t[j:]
			} else {
				t = ""
			}
			if !strings.HasPrefix(t, "/") {
				t = "/" + t
			}
		}
	}
	if !strings.HasPrefix(t, "/") {
		t = r.URL.RequestURI()
	}
	if i := strings.IndexByte(t, '#'); i >= 0 {
		t = t[:i]
	}
	return t
}

// isDirectAccess reports requests without a Host or addressed to the
// edge's own public IP.
func (s *Service) isDirectAccess(host string) bool {
	if host == "" {
		return true
	}
	ip := s.cfg.Server.PublicIP
	if ip == "" {
		return false
	}
	if host == ip {
		return true
	}
	h, _, err := net.SplitHostPort(host)
	return err == nil && h == ip
}

func (s *Service) serveCached(x *exchange, e *CacheEntry) string {
	age := strconv.FormatInt(e.AgeSeconds(s.now()), 10)
	h := x.w.Header()

	if e.ETag != "" && x.req.Header.Get("If-None-Match") == e.ETag {
		h.Set(headerRequestID, x.id)
		h.Set(headerCache, "HIT")
		h.Set("Age", age)
		h.Set("ETag", e.ETag)
		x.w.WriteHeader(http.StatusNotModified)
		return resultNotModified
	}

	for k, vs := range e.Header {
		h[k] = append([]string(nil), vs...)
	}
	h.Set(headerRequestID, x.id)
	h.Set(headerCache, "HIT")
	h.Set("Age", age)
	h.Set("Cache-Control", "public, max-age="+strconv.FormatInt(e.TTLSeconds(), 10))
	x.w.WriteHeader(e.Status)
	if x.req.Method != http.MethodHead {
		_, _ = x.w.Write(e.Body)
	}
	return resultHit
}

func (s *Service) refuse(x *exchange, msg string) {
	x.log.Info().Str("remote", x.req.RemoteAddr).Msg(msg)
	s.writeStatus(x.w, s.statusPage(x, http.StatusForbidden, msg))
}

func (s *Service) badGateway(x *exchange, msg string) {
	s.writeStatus(x.w, s.statusPage(x, http.StatusBadGateway, msg))
}

func (s *Service) statusPage(x *exchange, code int, msg string) StatusPage {
	return StatusPage{
		Code:       code,
		Message:    msg,
		RequestID:  x.id,
		Host:       x.host,
		RemoteAddr: clientIP(x.req),
	}
}

// trackingWriter records what was sent so failures after the status line
// can be told apart from failures before it.
type trackingWriter struct {
	http.ResponseWriter
	wroteHeader bool
	status      int
	bytes       int64
}

func (w *trackingWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.wroteHeader = true
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *trackingWriter) Write(p []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytes += int64(n)
	return n, err
}

func (w *trackingWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *trackingWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
