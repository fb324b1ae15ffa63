// Package ingress is the HTTP admission path: challenge issuance and
// press submission, gated by the rate limiter and the PoW oracle, plus
// the read-side state endpoints.
package ingress

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/thebutton/backend/internal/broker"
	"github.com/thebutton/backend/internal/contracts"
	"github.com/thebutton/backend/internal/metrics"
	"github.com/thebutton/backend/internal/pow"
	"github.com/thebutton/backend/internal/store"
)

// PressResponse acknowledges an accepted press. The request_id is
// uncertain until the client observes its effect in the stream: a 503
// may still have landed on the log.
type PressResponse struct {
	RequestID   string `json:"request_id"`
	TimestampMS int64  `json:"timestamp_ms"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Server carries the ingress dependencies.
type Server struct {
	oracle   *pow.Oracle
	producer broker.Producer
	repo     store.StateRepository
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewServer wires the ingress handlers. metrics may be nil in tests.
func NewServer(oracle *pow.Oracle, producer broker.Producer, repo store.StateRepository, m *metrics.Metrics) *Server {
	return &Server{
		oracle:   oracle,
		producer: producer,
		repo:     repo,
		metrics:  m,
		now:      time.Now,
	}
}

// WithClock injects a clock for tests.
func (s *Server) WithClock(now func() time.Time) *Server {
	s.now = now
	return s
}

// Register mounts the ingress routes. Rate limiting is applied by the
// caller as per-route middleware so the press tier differs from the
// general tier.
func (s *Server) Register(r *mux.Router) {
	r.HandleFunc("/v1/challenge", s.HandleChallenge).Methods(http.MethodPost)
	r.HandleFunc("/v1/events/press", s.HandlePress).Methods(http.MethodPost)
	r.HandleFunc("/v1/states/current", s.HandleCurrentState).Methods(http.MethodGet)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// HandleChallenge issues a fresh PoW challenge.
func (s *Server) HandleChallenge(w http.ResponseWriter, r *http.Request) {
	challenge, err := s.oracle.Issue()
	if err != nil {
		slog.Error("challenge issuance failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "failed to issue challenge"})
		return
	}
	writeJSON(w, http.StatusOK, challenge)
}

// HandlePress validates the PoW solution, stamps the event, and appends
// it to the log. 202 only after the broker acknowledges durability.
func (s *Server) HandlePress(w http.ResponseWriter, r *http.Request) {
	var sol pow.Solution
	if err := json.NewDecoder(r.Body).Decode(&sol); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	if err := s.oracle.Verify(r.Context(), sol); err != nil {
		var ve *pow.VerifyError
		if errors.As(err, &ve) {
			s.countPow("invalid")
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: ve.Reason})
			return
		}
		slog.Error("pow verification error", "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "verification failed"})
		return
	}
	s.countPow("valid")

	// uuid as bare hex, no dashes, matching the log contract examples
	requestID := uuid.New()
	reqIDHex := hex.EncodeToString(requestID[:])
	timestampMS := s.now().UnixMilli()

	payload, err := contracts.PressEventMessage{
		TimestampMS: timestampMS,
		RequestID:   reqIDHex,
	}.Encode()
	if err != nil {
		slog.Error("encode press event failed", "request_id", reqIDHex, "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
		return
	}

	start := time.Now()
	_, err = s.producer.Produce(r.Context(), contracts.PressTopic, contracts.PressPartitionKey, payload)
	if s.metrics != nil {
		s.metrics.ProduceDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		// Flush timeout, buffer overflow, and broker rejection all map
		// to the same retryable 503. The message may still land; the
		// client must treat its request_id as uncertain.
		s.countPress("unavailable")
		slog.Warn("press produce failed", "request_id", reqIDHex, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "message delivery timed out"})
		return
	}

	s.countPress("accepted")
	writeJSON(w, http.StatusAccepted, PressResponse{RequestID: reqIDHex, TimestampMS: timestampMS})
}

// HandleCurrentState returns the latest persisted state.
func (s *Server) HandleCurrentState(w http.ResponseWriter, r *http.Request) {
	gs, err := s.repo.Latest(r.Context())
	if err != nil {
		if errors.Is(err, store.ErrNoState) {
			writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "no global state found"})
			return
		}
		slog.Error("latest state lookup failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, gs)
}

func (s *Server) countPow(verdict string) {
	if s.metrics != nil {
		if s.oracle.Bypassed() {
			verdict = "bypassed"
		}
		s.metrics.PowVerdicts.WithLabelValues(verdict).Inc()
	}
}

func (s *Server) countPress(result string) {
	if s.metrics != nil {
		s.metrics.PressesProduced.WithLabelValues(result).Inc()
	}
}
