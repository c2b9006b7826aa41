package netward

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testPolicy() CachePolicy {
	return NewCachePolicy(4*time.Hour, 10<<20)
}

func originResponse(status int, header map[string]string) *http.Response {
	resp := &http.Response{StatusCode: status, Header: http.Header{}, ContentLength: -1}
	for k, v := range header {
		resp.Header.Set(k, v)
	}
	return resp
}

func TestIsCacheable(t *testing.T) {
	p := testPolicy()
	tests := []struct {
		name   string
		method string
		target string
		status int
		header map[string]string
		want   bool
	}{
		{"css by content type", http.MethodGet, "/style", 200, map[string]string{"Content-Type": "text/css; charset=utf-8"}, true},
		{"content type is case insensitive", http.MethodGet, "/x", 200, map[string]string{"Content-Type": "IMAGE/PNG"}, true},
		{"head is eligible", http.MethodHead, "/x", 200, map[string]string{"Content-Type": "image/webp"}, true},
		{"extension fallback", http.MethodGet, "/app.JS?v=3", 200, map[string]string{"Content-Type": "application/octet-stream"}, true},
		{"html is not cached", http.MethodGet, "/index.html", 200, map[string]string{"Content-Type": "text/html"}, false},
		{"post", http.MethodPost, "/a.css", 200, map[string]string{"Content-Type": "text/css"}, false},
		{"non 200", http.MethodGet, "/a.css", 404, map[string]string{"Content-Type": "text/css"}, false},
		{"partial content", http.MethodGet, "/a.mp4", 206, map[string]string{"Content-Type": "video/mp4"}, false},
		{"no-store", http.MethodGet, "/a.css", 200, map[string]string{"Cache-Control": "no-store"}, false},
		{"no-cache", http.MethodGet, "/a.css", 200, map[string]string{"Cache-Control": "max-age=60, No-Cache"}, false},
		{"private", http.MethodGet, "/a.css", 200, map[string]string{"Cache-Control": "private, max-age=60"}, false},
		{"at size limit", http.MethodGet, "/a.css", 200, map[string]string{"Content-Length": strconv.Itoa(10 << 20)}, true},
		{"over size limit", http.MethodGet, "/a.css", 200, map[string]string{"Content-Length": strconv.Itoa(10<<20 + 1)}, false},
		{"extension needs to be a suffix", http.MethodGet, "/a.css/page", 200, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(tt.method, "http://example.com"+tt.target, nil)
			resp := originResponse(tt.status, tt.header)
			assert.Equal(t, tt.want, p.IsCacheable(r, resp))
			// pure: same answer twice
			assert.Equal(t, tt.want, p.IsCacheable(r, resp))
		})
	}
}

func TestHasCacheBustingHeaders(t *testing.T) {
	p := testPolicy()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.False(t, p.HasCacheBustingHeaders(r))

	r.Header.Set("Cache-Control", "no-cache")
	assert.False(t, p.HasCacheBustingHeaders(r), "no-cache must not bypass the shared cache")

	r.Header.Set("Cache-Control", "max-age=0, No-Store")
	assert.True(t, p.HasCacheBustingHeaders(r))
}

func TestCalculateTTL(t *testing.T) {
	p := testPolicy()
	tests := []struct {
		name   string
		header map[string]string
		want   time.Duration
	}{
		{"max-age wins", map[string]string{"Cache-Control": "public, max-age=120", "Content-Type": "image/png"}, 120 * time.Second},
		{"max-age capped", map[string]string{"Cache-Control": "max-age=999999"}, 4 * time.Hour},
		{"max-age zero stays positive", map[string]string{"Cache-Control": "max-age=0"}, time.Second},
		{"image", map[string]string{"Content-Type": "image/jpeg"}, 2 * time.Hour},
		{"font", map[string]string{"Content-Type": "font/woff2"}, 2 * time.Hour},
		{"video", map[string]string{"Content-Type": "video/webm"}, 2 * time.Hour},
		{"script", map[string]string{"Content-Type": "application/javascript"}, time.Hour},
		{"stylesheet", map[string]string{"Content-Type": "text/css"}, time.Hour},
		{"other", map[string]string{"Content-Type": "application/pdf"}, 30 * time.Minute},
		{"no content type", nil, 30 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.CalculateTTL(originResponse(200, tt.header)))
		})
	}
}

func TestCalculateTTLRespectsSmallMaxTTL(t *testing.T) {
	p := NewCachePolicy(10*time.Minute, 1<<20)
	for _, ct := range []string{"image/png", "text/css", "text/plain"} {
		ttl := p.CalculateTTL(originResponse(200, map[string]string{"Content-Type": ct}))
		assert.Greater(t, ttl, time.Duration(0))
		assert.LessOrEqual(t, ttl, 10*time.Minute)
	}
}

func TestBuildCacheKey(t *testing.T) {
	p := testPolicy()
	assert.Equal(t, "example.com:/a?x=1", p.BuildCacheKey("example.com", "/a?x=1"))
	assert.NotEqual(t, p.BuildCacheKey("example.com", "/a?x=1"), p.BuildCacheKey("example.com", "/a?x=2"))
	assert.NotEqual(t, p.BuildCacheKey("a.example.com", "/"), p.BuildCacheKey("b.example.com", "/"))
	assert.Equal(t, "example.com:/a", p.BuildCacheKey("example.com", "/a#top"))
}
