package handler

import (
	"net/http"
	"time"

	"github.com/fleetview/fleetview/internal/api/models"
	"github.com/fleetview/fleetview/internal/api/response"
	"github.com/fleetview/fleetview/internal/feed"
)

// OpsHandler handles operational endpoints.
type OpsHandler struct {
	version   string
	buildTime string
	provider  StateProvider
}

// NewOpsHandler creates a new OpsHandler.
func NewOpsHandler(version, buildTime string, provider StateProvider) *OpsHandler {
	return &OpsHandler{
		version:   version,
		buildTime: buildTime,
		provider:  provider,
	}
}

// HealthCheck handles GET /api/ops/health - liveness check.
func (h *OpsHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	health := models.Health{
		Status: models.HealthStatusOK,
		Time:   models.Timestamp(time.Now()),
		Details: map[string]interface{}{
			"version":   h.version,
			"buildTime": h.buildTime,
		},
	}
	response.JSON(w, r, http.StatusOK, health)
}

// ReadinessCheck handles GET /api/ops/ready. Ready once the bootstrap
// snapshot has been applied.
func (h *OpsHandler) ReadinessCheck(w http.ResponseWriter, r *http.Request) {
	if !h.provider.Ready() {
		response.ServiceUnavailable(w, r, "snapshot not loaded yet")
		return
	}
	response.JSON(w, r, http.StatusOK, models.Health{
		Status: models.HealthStatusOK,
		Time:   models.Timestamp(time.Now()),
	})
}

// FeedStatus handles GET /api/ops/status - live feed condition.
func (h *OpsHandler) FeedStatus(w http.ResponseWriter, r *http.Request) {
	state := h.provider.ConnState()

	status := models.HealthStatusOK
	switch state {
	case feed.StateOpen:
		status = models.HealthStatusOK
	case feed.StateError, feed.StateClosed:
		status = models.HealthStatusFail
	default:
		status = models.HealthStatusDegraded
	}

	response.JSON(w, r, http.StatusOK, models.FeedStatus{
		ConnState:      state.String(),
		SnapshotLoaded: h.provider.Ready(),
		Status:         status,
		Time:           models.Timestamp(time.Now()),
	})
}
