package netward

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTMLStatusRenderer(t *testing.T) {
	r, err := NewHTMLStatusRenderer()
	require.NoError(t, err)

	body, err := r.RenderStatus(StatusPage{
		Code:       http.StatusForbidden,
		Reason:     "Forbidden",
		Message:    msgUnknownHost,
		RequestID:  "0190abcd-AMS",
		Host:       `<script>alert(1)</script>.example.com`,
		RemoteAddr: "192.0.2.1",
	})
	require.NoError(t, err)

	html := string(body)
	assert.Contains(t, html, "403 Forbidden")
	assert.Contains(t, html, msgUnknownHost)
	assert.Contains(t, html, "0190abcd-AMS")
	assert.Contains(t, html, "192.0.2.1")
	assert.NotContains(t, html, "<script>alert(1)</script>")
	assert.Contains(t, html, "&lt;script&gt;")
}

type failingRenderer struct{}

func (failingRenderer) RenderStatus(StatusPage) ([]byte, error) { return nil, errors.New("boom") }
func (failingRenderer) ContentType() string                     { return "text/html" }

func TestWriteStatusFallsBackToText(t *testing.T) {
	s := &Service{renderer: failingRenderer{}, log: zerolog.Nop()}
	rec := httptest.NewRecorder()
	s.writeStatus(rec, StatusPage{Code: http.StatusBadGateway, Message: msgUnreachable, RequestID: "id-1"})

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "id-1", rec.Header().Get(headerRequestID))
	assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "502 Bad Gateway: "+msgUnreachable+"\n", rec.Body.String())
}

func TestWriteStatusUnknownHost(t *testing.T) {
	r, err := NewHTMLStatusRenderer()
	require.NoError(t, err)
	s := &Service{renderer: r, log: zerolog.Nop()}

	rec := httptest.NewRecorder()
	s.writeStatus(rec, StatusPage{Code: http.StatusForbidden, Message: msgDirectAccess})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "unknown")
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
}
