// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/soothill/froggy/monitoring"
	apperrors "github.com/soothill/froggy/pkg/errors"
	"github.com/soothill/froggy/pkg/logger"
	"github.com/soothill/froggy/settings"
)

const (
	maxRequestBody     = 4 << 10
	exportQueryTimeout = 5 * time.Second
)

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	monitoring.Snapshot
	Network  *monitoring.NetworkStats `json:"network,omitempty"`
	Theme    settings.Theme           `json:"theme"`
	TextSize settings.TextSize        `json:"text_size"`
	UIScale  float64                  `json:"ui_scale"`
	// ExportDegraded is set while readings are spooled instead of exported.
	ExportDegraded bool `json:"export_degraded,omitempty"`
}

type renameRequest struct {
	Name string `json:"name"`
}

type renameResponse struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Custom      bool   `json:"custom"`
}

type themeRequest struct {
	Theme string `json:"theme"`
}

type themeResponse struct {
	Theme  settings.Theme   `json:"theme"`
	Themes []settings.Theme `json:"themes"`
}

type textSizeResponse struct {
	TextSize settings.TextSize `json:"text_size"`
	UIScale  float64           `json:"ui_scale"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// routes builds the status server mux.
func (a *App) routes() http.Handler {
	// Separate limiters keep API traffic from starving the probes.
	healthLimiter := rate.NewLimiter(10, 20)
	readyLimiter := rate.NewLimiter(10, 20)
	apiLimiter := rate.NewLimiter(10, 20)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", rateLimitMiddleware(healthLimiter, healthCheckHandler))
	mux.HandleFunc("/ready", rateLimitMiddleware(readyLimiter, a.readinessCheckHandler))

	mux.HandleFunc("GET /api/status", rateLimitMiddleware(apiLimiter, a.statusHandler))
	mux.HandleFunc("POST /api/refresh", rateLimitMiddleware(apiLimiter, a.refreshHandler))
	mux.HandleFunc("PUT /api/devices/{id}/name", rateLimitMiddleware(apiLimiter, a.renameHandler))
	mux.HandleFunc("GET /api/devices/{id}/exported", rateLimitMiddleware(apiLimiter, a.exportedHandler))
	mux.HandleFunc("GET /api/theme", rateLimitMiddleware(apiLimiter, a.getThemeHandler))
	mux.HandleFunc("PUT /api/theme", rateLimitMiddleware(apiLimiter, a.setThemeHandler))
	mux.HandleFunc("POST /api/theme/next", rateLimitMiddleware(apiLimiter, a.nextThemeHandler))
	mux.HandleFunc("POST /api/text-size/next", rateLimitMiddleware(apiLimiter, a.nextTextSizeHandler))
	return mux
}

// rateLimitMiddleware wraps an HTTP handler with rate limiting
func rateLimitMiddleware(limiter *rate.Limiter, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			logger.Warn().
				Str("path", r.URL.Path).
				Str("remote_addr", r.RemoteAddr).
				Msg("Rate limit exceeded")
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

// healthCheckHandler handles health check requests
func healthCheckHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, writeErr := w.Write([]byte("OK")); writeErr != nil {
		logger.Error().Err(writeErr).Msg("Failed to write health check response")
	}
}

// readinessCheckHandler reports ready once the first polling cycle finished
func (a *App) readinessCheckHandler(w http.ResponseWriter, _ *http.Request) {
	if !a.monitor.Ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		if _, writeErr := w.Write([]byte("NOT READY: first polling cycle pending")); writeErr != nil {
			logger.Error().Err(writeErr).Msg("Failed to write readiness check response")
		}
		return
	}

	w.WriteHeader(http.StatusOK)
	if _, writeErr := w.Write([]byte("READY")); writeErr != nil {
		logger.Error().Err(writeErr).Msg("Failed to write readiness check response")
	}
}

// Status assembles the latest snapshot with the display settings.
func (a *App) Status() (StatusResponse, bool) {
	snap, ok := a.monitor.Latest()
	resp := StatusResponse{
		Snapshot: snap,
		Theme:    a.themes.Current(),
		TextSize: a.deviceNames.TextSize(),
		UIScale:  a.deviceNames.UIScale(),
	}
	if a.network != nil {
		stats := a.network.Latest()
		resp.Network = &stats
	}
	if a.exporter != nil {
		resp.ExportDegraded = a.exporter.Degraded()
	}
	return resp, ok
}

func (a *App) statusHandler(w http.ResponseWriter, _ *http.Request) {
	resp, ok := a.Status()
	if !ok {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "first polling cycle pending"})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *App) refreshHandler(w http.ResponseWriter, _ *http.Request) {
	a.Refresh()
	w.WriteHeader(http.StatusAccepted)
}

func (a *App) renameHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req renameRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := a.deviceNames.SetCustomName(id, req.Name); err != nil {
		writeError(w, err)
		return
	}
	logger.Info().Str("device_id", id).Str("name", req.Name).Msg("Device renamed")
	a.Refresh()

	writeJSON(w, http.StatusOK, renameResponse{
		ID:          id,
		DisplayName: a.deviceNames.DisplayName(id, ""),
		Custom:      a.deviceNames.HasCustomName(id),
	})
}

// exportedHandler returns the newest reading of a device in long-term storage,
// which outlives the local history retention.
func (a *App) exportedHandler(w http.ResponseWriter, r *http.Request) {
	if a.exported == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "long-term export is disabled"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), exportQueryTimeout)
	defer cancel()

	id := r.PathValue("id")
	point, err := a.exported.QueryLatestLevel(ctx, id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, point)
	case errors.Is(err, apperrors.ErrDeviceNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case apperrors.IsValidationError(err):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	default:
		logger.Warn().Err(err).Str("device_id", id).Msg("Long-term storage query failed")
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
	}
}

func (a *App) getThemeHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, themeResponse{Theme: a.themes.Current(), Themes: settings.Themes()})
}

func (a *App) setThemeHandler(w http.ResponseWriter, r *http.Request) {
	var req themeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	th, err := settings.ParseTheme(req.Theme)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := a.themes.Set(th); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, themeResponse{Theme: a.themes.Current(), Themes: settings.Themes()})
}

func (a *App) nextThemeHandler(w http.ResponseWriter, _ *http.Request) {
	if _, err := a.themes.Toggle(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, themeResponse{Theme: a.themes.Current(), Themes: settings.Themes()})
}

func (a *App) nextTextSizeHandler(w http.ResponseWriter, _ *http.Request) {
	ts, err := a.deviceNames.CycleTextSize()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, textSizeResponse{TextSize: ts, UIScale: ts.Scale()})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

// writeError maps validation failures to 400. Anything else is a failed
// save: the change is live in memory but was not persisted.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if apperrors.IsValidationError(err) {
		status = http.StatusBadRequest
	} else {
		logger.Error().Err(err).Msg("Failed to persist settings")
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error().Err(err).Msg("Failed to write JSON response")
	}
}
