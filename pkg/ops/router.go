package ops

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func newRouter(cfg Config, deps Deps, stream *streamHandler) chi.Router {
	r := chi.NewRouter()

	r.Use(requestID)
	r.Use(accessLog(deps.Logger))
	r.Use(recovery(deps.Logger))
	r.Use(tracing)
	if deps.Recorder != nil {
		r.Use(requestMetrics(deps.Recorder, cfg.MetricsPath))
	}

	h := &handlers{orch: deps.Orchestrator, events: deps.Events, log: deps.Logger}

	r.Get("/healthz", h.healthz)
	r.Get("/readyz", h.readyz)
	r.Get("/version", h.version)

	if deps.Metrics != nil {
		path := cfg.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, deps.Metrics)
	}

	r.Route("/admin", func(r chi.Router) {
		r.Post("/refresh", h.refresh)
		r.Get("/deployments", h.deployments)
		if stream != nil {
			r.Get("/events/{listener}", stream.ServeHTTP)
		}
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, codeNotFound, "no route for "+r.URL.Path)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, codeMethodNotAllowed, r.Method+" not allowed on "+r.URL.Path)
	})

	return r
}
