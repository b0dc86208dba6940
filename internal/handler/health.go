// Package handler provides HTTP handlers for the Kiro gateway.
package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/kiro-gateway/kiro-gateway/internal/pool"
)

// HealthHandler handles GET /health requests.
type HealthHandler struct {
	poolManager *pool.Manager
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status    string         `json:"status"`
	Timestamp string         `json:"timestamp"`
	Provider  string         `json:"provider"`
	Accounts  AccountsStatus `json:"accounts"`
}

// AccountsStatus represents account pool status.
type AccountsStatus struct {
	Total   int `json:"total"`
	Healthy int `json:"healthy"`
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(poolManager *pool.Manager) *HealthHandler {
	return &HealthHandler{poolManager: poolManager}
}

// ServeHTTP handles GET /health.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	total, healthy := h.poolManager.Counts()

	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Provider:  "kiro",
		Accounts: AccountsStatus{
			Total:   total,
			Healthy: healthy,
		},
	}
	if healthy == 0 && total > 0 {
		response.Status = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	if response.Status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(response)
}

// ProviderHealthHandler handles GET /provider_health requests, reporting a
// single summaryHealth boolean: whether the ratio of unhealthy accounts is
// at or below the caller-supplied threshold.
type ProviderHealthHandler struct {
	poolManager *pool.Manager
}

// NewProviderHealthHandler creates a new provider health handler.
func NewProviderHealthHandler(poolManager *pool.Manager) *ProviderHealthHandler {
	return &ProviderHealthHandler{poolManager: poolManager}
}

// ProviderHealthResponse is the /provider_health response body.
type ProviderHealthResponse struct {
	SummaryHealth bool    `json:"summaryHealth"`
	Total         int     `json:"total"`
	Healthy       int     `json:"healthy"`
	UnhealthRatio float64 `json:"unhealthRatio"`
	Threshold     float64 `json:"threshold"`
}

// ServeHTTP handles GET /provider_health?unhealthRatioThreshold=<float>. The
// default threshold is 0.5: the pool is reported healthy as long as at most
// half its accounts are unhealthy.
func (h *ProviderHealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	threshold := 0.5
	if raw := r.URL.Query().Get("unhealthRatioThreshold"); raw != "" {
		if parsed, err := strconv.ParseFloat(raw, 64); err == nil {
			threshold = parsed
		}
	}

	total, healthy := h.poolManager.Counts()
	var unhealthRatio float64
	if total > 0 {
		unhealthRatio = float64(total-healthy) / float64(total)
	}

	response := ProviderHealthResponse{
		SummaryHealth: unhealthRatio <= threshold,
		Total:         total,
		Healthy:       healthy,
		UnhealthRatio: unhealthRatio,
		Threshold:     threshold,
	}

	w.Header().Set("Content-Type", "application/json")
	if !response.SummaryHealth {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(response)
}
