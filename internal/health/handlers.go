package health

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

// Handler serves the three probes. Dependencies may be nil when a
// service does not carry them; nil checks are simply skipped.
type Handler struct {
	Broker  BrokerChecker // log producer, required to serve traffic
	Bus     Pinger        // update channel
	Store   Pinger        // state store, full probe only
	Timeout time.Duration
}

// NewHandler builds a probe handler with a 5s per-check timeout.
func NewHandler(b BrokerChecker, bus, store Pinger) *Handler {
	return &Handler{Broker: b, Bus: bus, Store: store, Timeout: 5 * time.Second}
}

// Register mounts /health, /health/ready, and /health/live.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/health", h.HandleFull).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", h.HandleReady).Methods(http.MethodGet)
	r.HandleFunc("/health/live", h.HandleLive).Methods(http.MethodGet)
}

// HandleLive always reports ok; it proves only that the process serves.
func (h *Handler) HandleLive(w http.ResponseWriter, r *http.Request) {
	writeReport(w, http.StatusOK, Report{Status: StatusHealthy, Timestamp: time.Now().UTC()})
}

// HandleReady checks the dependencies required to admit traffic: the
// log producer and the update channel.
func (h *Handler) HandleReady(w http.ResponseWriter, r *http.Request) {
	checks := map[string]Result{}
	if h.Broker != nil {
		checks["kafka"] = CheckBroker(r.Context(), h.Broker, h.Timeout)
	}
	if h.Bus != nil {
		checks["redis"] = CheckPing(r.Context(), h.Bus, h.Timeout)
	}
	h.respond(w, checks)
}

// HandleFull adds the state store to the readiness set.
func (h *Handler) HandleFull(w http.ResponseWriter, r *http.Request) {
	checks := map[string]Result{}
	if h.Broker != nil {
		checks["kafka"] = CheckBroker(r.Context(), h.Broker, h.Timeout)
	}
	if h.Bus != nil {
		checks["redis"] = CheckPing(r.Context(), h.Bus, h.Timeout)
	}
	if h.Store != nil {
		checks["database"] = CheckPing(r.Context(), h.Store, h.Timeout)
	}
	h.respond(w, checks)
}

func (h *Handler) respond(w http.ResponseWriter, checks map[string]Result) {
	report := NewReport(checks)
	status := http.StatusOK
	if report.Status != StatusHealthy {
		status = http.StatusServiceUnavailable
	}
	writeReport(w, status, report)
}

func writeReport(w http.ResponseWriter, status int, report Report) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(report)
}
