package netward

import (
	"bytes"
	_ "embed"
	"fmt"
	"html/template"
	"net/http"
)

//go:embed status.html
var statusHTML string

// StatusPage carries what a client sees when the proxy answers on its own
// behalf instead of relaying an origin response.
type StatusPage struct {
	Code       int
	Reason     string
	Message    string
	RequestID  string
	Host       string
	RemoteAddr string
}

// StatusRenderer turns a StatusPage into a response body.
type StatusRenderer interface {
	RenderStatus(p StatusPage) ([]byte, error)
	ContentType() string
}

type htmlStatusRenderer struct {
	tmpl *template.Template
}

func NewHTMLStatusRenderer() (StatusRenderer, error) {
	tmpl, err := template.New("status").Parse(statusHTML)
	if err != nil {
		return nil, fmt.Errorf("parse status template: %w", err)
	}
	return &htmlStatusRenderer{tmpl: tmpl}, nil
}

func (r *htmlStatusRenderer) RenderStatus(p StatusPage) ([]byte, error) {
	var buf bytes.Buffer
	if err := r.tmpl.Execute(&buf, p); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (r *htmlStatusRenderer) ContentType() string { return "text/html; charset=utf-8" }

// writeStatus renders p and writes it with the correlation id. Rendering
// failures fall back to a plain text body with the same status.
func (s *Service) writeStatus(w http.ResponseWriter, p StatusPage) {
	if p.Reason == "" {
		p.Reason = http.StatusText(p.Code)
	}
	if p.Host == "" {
		p.Host = "unknown"
	}

	h := w.Header()
	h.Set(headerRequestID, p.RequestID)
	h.Set("Cache-Control", "no-store")

	body, err := s.renderer.RenderStatus(p)
	if err != nil {
		s.log.Error().Err(err).Str("requestId", p.RequestID).Msg("Failed to render status page")
		h.Set("Content-Type", "text/plain; charset=utf-8")
		h.Set("X-Content-Type-Options", "nosniff")
		w.WriteHeader(p.Code)
		_, _ = fmt.Fprintf(w, "%d %s: %s\n", p.Code, p.Reason, p.Message)
		return
	}
	h.Set("Content-Type", s.renderer.ContentType())
	w.WriteHeader(p.Code)
	_, _ = w.Write(body)
}
