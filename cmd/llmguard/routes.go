package main

import (
	"log/slog"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"

	"github.com/aicsynergy/llmguard"
	"github.com/aicsynergy/llmguard/internal/config"
	"github.com/aicsynergy/llmguard/internal/healthcheck"
	"github.com/aicsynergy/llmguard/internal/observability"
)

// diagnostics serves read-only views of the running client.
type diagnostics struct {
	swap   *clientSwap[*generation]
	prober *healthcheck.Prober
	config *config.Manager
	// base holds process collectors that survive reloads.
	base   prometheus.Gatherer
	logger *slog.Logger
}

type budgetResponse struct {
	llmguard.BudgetState
	Pending int `json:"pending_reservations"`
}

func (d *diagnostics) routes(metricsCfg config.MetricsConfig) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", d.live)
	mux.HandleFunc("GET /readyz", d.ready)
	mux.HandleFunc("GET /v1/metrics", d.metrics)
	mux.HandleFunc("GET /v1/budget", d.budget)
	mux.HandleFunc("GET /v1/config", d.configStatus)
	if metricsCfg.Enabled {
		mux.Handle("GET "+metricsCfg.Path, promhttp.HandlerFor(prometheus.GathererFunc(d.gather), promhttp.HandlerOpts{}))
	}
	return observability.RequestIDMiddleware(mux)
}

func (d *diagnostics) gather() ([]*dto.MetricFamily, error) {
	gatherers := prometheus.Gatherers{}
	if d.base != nil {
		gatherers = append(gatherers, d.base)
	}
	g, release := d.swap.acquire()
	defer release()
	if g != nil && g.registry != nil {
		gatherers = append(gatherers, g.registry)
	}
	return gatherers.Gather()
}

func (d *diagnostics) live(w http.ResponseWriter, _ *http.Request) {
	d.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": llmguard.Version})
}

func (d *diagnostics) ready(w http.ResponseWriter, _ *http.Request) {
	status := d.prober.Status()
	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
	}
	d.writeJSON(w, code, status)
}

func (d *diagnostics) metrics(w http.ResponseWriter, _ *http.Request) {
	g, release := d.swap.acquire()
	defer release()
	if g == nil {
		d.writeError(w, http.StatusServiceUnavailable, "client not ready")
		return
	}
	d.writeJSON(w, http.StatusOK, g.client.GetMetrics())
}

func (d *diagnostics) budget(w http.ResponseWriter, r *http.Request) {
	g, release := d.swap.acquire()
	defer release()
	if g == nil {
		d.writeError(w, http.StatusServiceUnavailable, "client not ready")
		return
	}
	state, err := g.client.BudgetState(r.Context())
	if err != nil {
		observability.WithRequestID(r.Context(), d.logger).Warn("budget state unavailable", "error", err)
		d.writeError(w, http.StatusBadGateway, "budget store unavailable")
		return
	}
	d.writeJSON(w, http.StatusOK, budgetResponse{BudgetState: state, Pending: g.client.PendingReservations()})
}

func (d *diagnostics) configStatus(w http.ResponseWriter, _ *http.Request) {
	if d.config == nil {
		d.writeError(w, http.StatusNotFound, "no configuration file")
		return
	}
	d.writeJSON(w, http.StatusOK, d.config.Status())
}

func (d *diagnostics) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		d.logger.Error("failed to encode response", "error", err)
	}
}

func (d *diagnostics) writeError(w http.ResponseWriter, status int, message string) {
	d.writeJSON(w, status, map[string]string{"error": message})
}
