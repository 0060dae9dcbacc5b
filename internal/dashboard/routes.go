package dashboard

import (
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/signalsfoundry/dispatch-monitor/internal/audit"
)

//go:embed web
var webFS embed.FS

// Handler returns the HTTP surface. /metrics is mounted only when withMetrics
// is set; otherwise metrics are served on their own listener.
func (s *Server) Handler(withMetrics bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestID(s.log))
	r.Use(tracing)
	r.Use(s.metrics.HTTPMiddleware(routePattern))

	static, err := fs.Sub(webFS, "web")
	if err != nil {
		panic(fmt.Sprintf("embedded web assets: %v", err))
	}
	r.Handle("/", http.FileServer(http.FS(static)))
	r.Handle("/ws", s.hub)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/counts", s.handleCounts)
		r.Get("/overlays", s.handleOverlays)
		r.Get("/view", s.handleView)
		r.Get("/cancellations", s.handleCancellations)
		r.Post("/confirmations/{token}", s.handleConfirmation)
		r.Post("/{collection}/{key}/cancel", s.handleCancel)
	})

	if withMetrics && s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	phases := make(map[string]string, len(s.collections))
	for _, c := range s.Counts() {
		phases[c.Collection] = c.Phase
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"clients":     s.hub.Clients(),
		"collections": phases,
	})
}

func (s *Server) handleCounts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Counts())
}

func (s *Server) handleOverlays(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.scene.Snapshot())
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Map)
}

func (s *Server) handleCancellations(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, r, fmt.Errorf("%w: limit must be between 1 and 1000", errBadRequest))
			return
		}
		limit = n
	}
	if s.audit == nil {
		writeJSON(w, http.StatusOK, []audit.Entry{})
		return
	}
	entries, err := s.audit.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

type confirmationBody struct {
	Confirm *bool `json:"confirm"`
}

func (s *Server) handleConfirmation(w http.ResponseWriter, r *http.Request) {
	var body confirmationBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1024)).Decode(&body); err != nil || body.Confirm == nil {
		writeError(w, r, fmt.Errorf(`%w: body must be {"confirm": true|false}`, errBadRequest))
		return
	}
	if err := s.broker.Answer(chi.URLParam(r, "token"), *body.Confirm); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")
	key := chi.URLParam(r, "key")
	if err := s.StartCancel(r.Context(), collection, key); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":     "pending",
		"collection": collection,
		"key":        key,
	})
}
