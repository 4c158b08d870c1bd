// Package admin exposes a small HTTP surface for inspecting a lagless node:
// routing configuration, observed replication position, and waiter counts.
package admin

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/maxpert/lagless/replication"
	"github.com/maxpert/lagless/router"
	"github.com/rs/zerolog/log"
)

// Handlers serves the admin API endpoints
type Handlers struct {
	nodeID        uint64
	currentRegion string
	primaryRegion string
	tracker       *replication.Tracker
	writeRouter   *router.Router
	startedAt     time.Time
}

// NewHandlers creates admin handlers over the node's live components
func NewHandlers(nodeID uint64, currentRegion, primaryRegion string, tracker *replication.Tracker, writeRouter *router.Router) *Handlers {
	return &Handlers{
		nodeID:        nodeID,
		currentRegion: currentRegion,
		primaryRegion: primaryRegion,
		tracker:       tracker,
		writeRouter:   writeRouter,
		startedAt:     time.Now(),
	}
}

func (h *Handlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, map[string]any{
		"node_id":        h.nodeID,
		"region":         h.currentRegion,
		"primary_region": h.primaryRegion,
		"is_primary":     h.currentRegion == h.primaryRegion,
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
	})
}

func (h *Handlers) handlePosition(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, map[string]any{
		"observed_position": uint64(h.tracker.LastObserved()),
		"poller_running":    h.tracker.PollerRunning(),
	})
}

func (h *Handlers) handleWaiters(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, map[string]any{
		"active_waiters": h.tracker.ActiveWaiters(),
	})
}

func (h *Handlers) handleSession(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	pos, ok := h.writeRouter.LastWritten(key)
	if !ok {
		writeErrorResponse(w, http.StatusNotFound, "unknown session")
		return
	}
	writeJSONResponse(w, map[string]any{
		"session":       key,
		"last_position": uint64(pos),
	})
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{"data": data}); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]any{"error": message}); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}
