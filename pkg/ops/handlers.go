package ops

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/rexsync/rexsync/pkg/directory"
	"github.com/rexsync/rexsync/pkg/events"
	"github.com/rexsync/rexsync/pkg/logger"
	"github.com/rexsync/rexsync/pkg/version"
)

const readinessTimeout = 2 * time.Second

type handlers struct {
	orch   Orchestrator
	events events.Manager
	log    logger.Logger
}

func (h *handlers) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type readiness struct {
	Ready  bool              `json:"ready"`
	Checks map[string]string `json:"checks"`
}

// readyz reports the store and event manager via the orchestrator.
func (h *handlers) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	body := readiness{Ready: true, Checks: map[string]string{"orchestration": "ok"}}
	if err := h.orch.Healthy(ctx); err != nil {
		body.Ready = false
		body.Checks["orchestration"] = err.Error()
	}
	if h.events != nil {
		body.Checks["events"] = "ok"
		if !h.events.Healthy(ctx) {
			body.Ready = false
			body.Checks["events"] = "unhealthy"
		}
	}

	status := http.StatusOK
	if !body.Ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, body)
}

func (h *handlers) version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, version.Get())
}

// refresh runs one sweep synchronously and returns its report.
func (h *handlers) refresh(w http.ResponseWriter, r *http.Request) {
	report, err := h.orch.RefreshAll(r.Context())
	if err != nil {
		h.log.WarnContext(r.Context(), "manual refresh failed", "error", err)
		if directory.IsUnreachable(err) {
			writeError(w, r, http.StatusServiceUnavailable, codeServiceUnavailable, err.Error())
			return
		}
		writeError(w, r, http.StatusInternalServerError, codeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *handlers) deployments(w http.ResponseWriter, r *http.Request) {
	force := false
	if raw := r.URL.Query().Get("refresh"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, codeBadRequest, "refresh must be a boolean")
			return
		}
		force = v
	}

	deps, err := h.orch.ListDeployments(r.Context(), force)
	if err != nil {
		if directory.IsUnreachable(err) {
			writeError(w, r, http.StatusServiceUnavailable, codeServiceUnavailable, err.Error())
			return
		}
		writeError(w, r, http.StatusInternalServerError, codeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deployments": deps})
}
