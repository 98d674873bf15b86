// Package handler provides HTTP handlers for the FleetView API.
package handler

import (
	"net/http"

	"github.com/fleetview/fleetview/internal/api/response"
	"github.com/fleetview/fleetview/internal/feed"
)

// StateProvider exposes the reconciled view state.
type StateProvider interface {
	View() feed.View
	ConnState() feed.ConnState
	Ready() bool
}

// StateHandler serves the read-only state slices to the rendering layer.
type StateHandler struct {
	provider StateProvider
}

// NewStateHandler creates a new StateHandler.
func NewStateHandler(provider StateProvider) *StateHandler {
	return &StateHandler{provider: provider}
}

// GetState handles GET /api/state - the full view.
func (h *StateHandler) GetState(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, r, http.StatusOK, h.provider.View())
}

// GetSnapshot handles GET /api/snapshot - the static network sets.
func (h *StateHandler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	v := h.provider.View()
	response.JSON(w, r, http.StatusOK, feed.Snapshot{
		Stops:    v.Stops,
		Routes:   v.Routes,
		Schedule: v.Schedule,
	})
}

// GetBuses handles GET /api/buses - the live fleet.
func (h *StateHandler) GetBuses(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, r, http.StatusOK, h.provider.View().Buses)
}

// GetRidership handles GET /api/ridership - the bounded sample series.
func (h *StateHandler) GetRidership(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, r, http.StatusOK, h.provider.View().Ridership)
}

// GetAlerts handles GET /api/alerts - the capped alert log,
// most-recent-first.
func (h *StateHandler) GetAlerts(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, r, http.StatusOK, h.provider.View().Alerts)
}
