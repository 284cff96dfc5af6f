package handlers

import (
	"net/http"
	"time"

	applog "mise/internal/log"
)

type healthResponse struct {
	Status      string    `json:"status"`
	Time        time.Time `json:"time"`
	AIDetection string    `json:"ai_detection,omitempty"`
}

// Health is a readiness handler for infrastructure probes. It answers 503
// until an engine has been configured.
func Health(w http.ResponseWriter, r *http.Request) {
	applog.Debug(r.Context(), "health check requested", "method", r.Method)
	resp := healthResponse{
		Status: "ok",
		Time:   time.Now().UTC(),
	}

	if attributeEngine == nil {
		resp.Status = "unavailable"
		writeJSON(w, r, http.StatusServiceUnavailable, resp)
		return
	}

	resp.AIDetection = "disabled"
	if attributeEngine.AIEnabled() {
		resp.AIDetection = "enabled"
	}
	writeJSON(w, r, http.StatusOK, resp)
}
