package netward

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var maxAgeRe = regexp.MustCompile(`max-age=(\d+)`)

// Matched as case-insensitive prefixes of Content-Type.
var cacheableContentTypes = []string{
	"text/css",
	"text/javascript",
	"application/javascript",
	"application/x-javascript",
	"image/jpeg",
	"image/jpg",
	"image/png",
	"image/gif",
	"image/webp",
	"image/svg+xml",
	"image/x-icon",
	"image/vnd.microsoft.icon",
	"font/woff",
	"font/woff2",
	"font/ttf",
	"font/otf",
	"font/eot",
	"application/font-woff",
	"application/font-woff2",
	"application/x-font-ttf",
	"application/x-font-opentype",
	"application/vnd.ms-fontobject",
	"video/mp4",
	"video/webm",
	"audio/mpeg",
	"audio/ogg",
	"application/pdf",
}

// Matched as case-insensitive suffixes of the request path.
var cacheableExtensions = []string{
	".css", ".js", ".mjs",
	".jpg", ".jpeg", ".png", ".gif", ".webp", ".svg", ".ico",
	".woff", ".woff2", ".ttf", ".otf", ".eot",
	".mp4", ".webm", ".mp3", ".ogg", ".pdf",
}

const (
	mediaTTL   = 2 * time.Hour
	assetTTL   = 1 * time.Hour
	defaultTTL = 30 * time.Minute
)

// CachePolicy decides what may be stored and for how long. It holds no
// mutable state and is safe for concurrent use.
type CachePolicy struct {
	maxTTL     time.Duration
	maxItemLen int64
}

func NewCachePolicy(maxTTL time.Duration, maxItemLen int64) CachePolicy {
	return CachePolicy{maxTTL: maxTTL, maxItemLen: maxItemLen}
}

func (p CachePolicy) MaxCacheableSize() int64 { return p.maxItemLen }

// IsCacheable reports whether the origin response to r may be stored in the
// shared cache.
func (p CachePolicy) IsCacheable(r *http.Request, resp *http.Response) bool {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return false
	}
	if resp.StatusCode != http.StatusOK {
		return false
	}

	cc := strings.ToLower(resp.Header.Get("Cache-Control"))
	if strings.Contains(cc, "no-cache") ||
		strings.Contains(cc, "no-store") ||
		strings.Contains(cc, "private") {
		return false
	}

	if n, ok := responseLength(resp); ok && n > p.maxItemLen {
		return false
	}

	if ct := strings.ToLower(resp.Header.Get("Content-Type")); ct != "" {
		for _, t := range cacheableContentTypes {
			if strings.HasPrefix(ct, t) {
				return true
			}
		}
	}

	path := strings.ToLower(r.URL.Path)
	for _, ext := range cacheableExtensions {
		if strings.HasSuffix(path, ext) {
			return true
		}
	}
	return false
}

// HasCacheBustingHeaders reports whether the client asked to bypass the
// shared cache. Only no-store counts; no-cache is ignored for shared assets.
func (p CachePolicy) HasCacheBustingHeaders(r *http.Request) bool {
	return strings.Contains(strings.ToLower(r.Header.Get("Cache-Control")), "no-store")
}

// CalculateTTL returns how long a stored response stays fresh, in whole
// seconds, within [1s, maxTTL].
func (p CachePolicy) CalculateTTL(resp *http.Response) time.Duration {
	cc := strings.ToLower(resp.Header.Get("Cache-Control"))
	if m := maxAgeRe.FindStringSubmatch(cc); m != nil {
		if secs, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			return p.clampTTL(time.Duration(secs) * time.Second)
		}
		// overflowing max-age falls through to the content-type defaults
	}

	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	switch {
	case strings.HasPrefix(ct, "image/"), strings.HasPrefix(ct, "font/"), strings.HasPrefix(ct, "video/"):
		return p.clampTTL(mediaTTL)
	case strings.Contains(ct, "javascript"), strings.Contains(ct, "css"):
		return p.clampTTL(assetTTL)
	}
	return p.clampTTL(defaultTTL)
}

func (p CachePolicy) clampTTL(ttl time.Duration) time.Duration {
	if p.maxTTL > 0 && ttl > p.maxTTL {
		ttl = p.maxTTL.Truncate(time.Second)
	}
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

// BuildCacheKey derives the cache key from the Host header and request URI.
// The fragment is dropped; the query string is kept verbatim.
func (p CachePolicy) BuildCacheKey(host, uri string) string {
	if i := strings.IndexByte(uri, '#'); i >= 0 {
		uri = uri[:i]
	}
	return host + ":" + uri
}

func responseLength(resp *http.Response) (int64, bool) {
	if v := resp.Header.Get("Content-Length"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n, true
		}
	}
	if resp.ContentLength > 0 {
		return resp.ContentLength, true
	}
	return 0, false
}
