package healthcheck

import (
	"encoding/json"
	"net/http"

	"github.com/nholik/stackpilot/internal/service"
)

// StatusLister returns the current state of every service.
type StatusLister interface {
	Status() []service.State
}

// HealthHandler serves /healthz responses.
func HealthHandler(tracker *Tracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusServiceUnavailable
		if tracker.Healthy() {
			status = http.StatusOK
		}
		writeJSON(w, status, tracker.Snapshot())
	}
}

// ReadyHandler serves /readyz responses.
func ReadyHandler(tracker *Tracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusServiceUnavailable
		if tracker.Ready() {
			status = http.StatusOK
		}
		writeJSON(w, status, tracker.Snapshot())
	}
}

// ServicesHandler serves /services with the state of every service.
func ServicesHandler(lister StatusLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if lister == nil {
			writeJSON(w, http.StatusServiceUnavailable, []service.State{})
			return
		}
		writeJSON(w, http.StatusOK, lister.Status())
	}
}

// ServiceHandler serves /services/{name} with the state of one service.
func ServiceHandler(lister StatusLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		if lister != nil {
			for _, state := range lister.Status() {
				if state.Name == name {
					writeJSON(w, http.StatusOK, state)
					return
				}
			}
		}
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown service " + name})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
