package netward

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// AdminHandler serves operational endpoints. It is meant for a private
// listener and carries no authentication.
func (s *Service) AdminHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.NoCache)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.Snapshot())
	})
	r.Method(http.MethodGet, "/metrics", s.metrics.handler())

	r.Delete("/cache", s.adminClearCache)
	r.Delete("/cache/entry", s.adminDeleteEntry)
	r.Post("/cache/purge", s.adminPurge)
	return r
}

func (s *Service) adminClearCache(w http.ResponseWriter, _ *http.Request) {
	before := s.cache.Stats().Entries
	s.cache.InvalidateAll()
	writeJSON(w, http.StatusOK, map[string]int64{"removed": before})
}

func (s *Service) adminDeleteEntry(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing key"})
		return
	}
	s.cache.Invalidate(key)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) adminPurge(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("pattern")
	if pattern == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing pattern"})
		return
	}
	n, err := s.cache.InvalidatePattern(pattern)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
