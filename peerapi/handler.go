// Package peerapi exposes the peer RPC endpoints named in section 6 of
// the spec over HTTP+JSON, adapted from status/handler.go: a thin Handler
// wrapping the collaborators it dispatches to, a SetupRoutes method
// wiring a *http.ServeMux, and a rate-limiting middleware layered over
// every peer RPC endpoint.
package peerapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"clusterconf/applier"
	"clusterconf/clusterconfig"
	"clusterconf/clustererr"
	"clusterconf/clustervalidate"
	"clusterconf/metrics"
)

const requestTimeout = 30 * time.Second

// Handler serves the peer RPC endpoints of one clusterapplyd instance.
type Handler struct {
	app         *applier.Applier
	logger      *zap.Logger
	rateLimiter *RateLimiter
}

// NewHandler builds a Handler. requestsPerSecond <= 0 disables rate
// limiting entirely.
func NewHandler(app *applier.Applier, logger *zap.Logger, requestsPerSecond float64, burst int) *Handler {
	h := &Handler{app: app, logger: logger}
	if requestsPerSecond > 0 {
		h.rateLimiter = NewRateLimiter(requestsPerSecond, burst)
	}
	return h
}

// SetupRoutes registers every peer RPC path on mux.
func (h *Handler) SetupRoutes(mux *http.ServeMux) {
	routes := map[string]http.HandlerFunc{
		"/rpc/load_from_file":  h.handleLoadFromFile,
		"/rpc/prepare_2pc":     h.handlePrepare2PC,
		"/rpc/commit_2pc":      h.handleCommit2PC,
		"/rpc/abort_2pc":       h.handleAbort2PC,
		"/rpc/validate_config": h.handleValidateConfig,
		"/rpc/apply_config":    h.handleApplyConfig,
	}
	for path, fn := range routes {
		mux.Handle(path, h.instrument(path, h.rateLimit(fn)))
	}
}

// Shutdown stops the rate limiter's background cleanup.
func (h *Handler) Shutdown() {
	if h.rateLimiter != nil {
		h.rateLimiter.Stop()
	}
}

func (h *Handler) rateLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.rateLimiter != nil && !h.rateLimiter.Allow(r) {
			metrics.PeerRPCRateLimited.WithLabelValues(r.URL.Path).Inc()
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

func (h *Handler) instrument(path string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		metrics.PeerRPCRequestsTotal.WithLabelValues(path, http.StatusText(rec.status)).Inc()
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

type configBody struct {
	Config map[string]any `json:"config"`
}

type okBody struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a returned error to the HTTP status code fixed in
// section 7: 400 for validation failures, 409 for a contended
// clusterwide lock, 423 for an existing prepare lock, 500 otherwise.
func writeError(w http.ResponseWriter, logger *zap.Logger, path string, err error) {
	status := http.StatusInternalServerError
	if kind, ok := clustererr.KindOf(err); ok {
		switch kind {
		case clustererr.ConfigValidate:
			status = http.StatusBadRequest
		case clustererr.Atomic:
			status = http.StatusConflict
		case clustererr.ConfigApply:
			if errors.Is(err, os.ErrExist) {
				status = http.StatusLocked
			}
		}
	}
	logger.Warn("peer RPC request failed", zap.String("path", path), zap.Int("status", status), zap.Error(err))
	writeJSON(w, status, okBody{OK: false, Error: err.Error()})
}

func decodeBody(r *http.Request) (clusterconfig.Doc, error) {
	var body configBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return nil, clustererr.Wrapf(clustererr.ConfigValidate, err, "decode request body")
	}
	return clusterconfig.Doc(body.Config), nil
}

func (h *Handler) handleLoadFromFile(w http.ResponseWriter, r *http.Request) {
	doc, err := h.app.LoadFromFile()
	if err != nil {
		writeError(w, h.logger, r.URL.Path, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any(doc))
}

func (h *Handler) handlePrepare2PC(w http.ResponseWriter, r *http.Request) {
	doc, err := decodeBody(r)
	if err != nil {
		writeError(w, h.logger, r.URL.Path, err)
		return
	}

	old := h.app.ActiveDeepcopy()
	if err := clustervalidate.Validate(doc, old, h.app.Registry()); err != nil {
		writeError(w, h.logger, r.URL.Path, clustererr.Wrapf(clustererr.ConfigValidate, err, "prepare rejected"))
		return
	}

	if err := h.app.PrepareLocal(doc); err != nil {
		writeError(w, h.logger, r.URL.Path, err)
		return
	}
	writeJSON(w, http.StatusOK, okBody{OK: true})
}

// handleCommit2PC deliberately runs without a deadline: once any
// participant has committed there is no rolling back, so the commit must
// run to completion even if it is slow — only the prepare phase carries a
// client-side timeout. The apply pipeline is also decoupled from this
// request's context (the coordinator imposes none on commit calls either).
func (h *Handler) handleCommit2PC(w http.ResponseWriter, r *http.Request) {
	if err := h.app.CommitLocal(context.WithoutCancel(r.Context())); err != nil {
		writeError(w, h.logger, r.URL.Path, err)
		return
	}
	writeJSON(w, http.StatusOK, okBody{OK: true})
}

func (h *Handler) handleAbort2PC(w http.ResponseWriter, r *http.Request) {
	if err := h.app.AbortLocal(); err != nil {
		writeError(w, h.logger, r.URL.Path, err)
		return
	}
	writeJSON(w, http.StatusOK, okBody{OK: true})
}

func (h *Handler) handleValidateConfig(w http.ResponseWriter, r *http.Request) {
	doc, err := decodeBody(r)
	if err != nil {
		writeError(w, h.logger, r.URL.Path, err)
		return
	}
	old := h.app.ActiveDeepcopy()
	if err := clustervalidate.Validate(doc, old, h.app.Registry()); err != nil {
		writeError(w, h.logger, r.URL.Path, clustererr.Wrapf(clustererr.ConfigValidate, err, "validation failed"))
		return
	}
	writeJSON(w, http.StatusOK, okBody{OK: true})
}

func (h *Handler) handleApplyConfig(w http.ResponseWriter, r *http.Request) {
	doc, err := decodeBody(r)
	if err != nil {
		writeError(w, h.logger, r.URL.Path, err)
		return
	}

	old := h.app.ActiveDeepcopy()
	if err := clustervalidate.Validate(doc, old, h.app.Registry()); err != nil {
		writeError(w, h.logger, r.URL.Path, clustererr.Wrapf(clustererr.ConfigValidate, err, "apply rejected"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	if err := h.app.Apply(ctx, doc); err != nil {
		writeError(w, h.logger, r.URL.Path, err)
		return
	}
	writeJSON(w, http.StatusOK, okBody{OK: true})
}
