package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/Mindburn-Labs/accord/pkg/audit"
	"github.com/Mindburn-Labs/accord/pkg/broker"
	"github.com/Mindburn-Labs/accord/pkg/delivery"
	"github.com/Mindburn-Labs/accord/pkg/identity"
	"github.com/Mindburn-Labs/accord/pkg/observability"
)

// HeaderParticipant identifies the calling participant on read and
// subscribe endpoints. Mutating verbs carry the sender inside the signed
// body instead, so the broker verifies it against the signature.
const HeaderParticipant = "X-Accord-Participant"

// DefaultSessionTTL bounds resume token lifetime when none is configured.
const DefaultSessionTTL = time.Hour

// Server exposes the broker verbs over HTTP.
type Server struct {
	broker     *broker.Broker
	tokens     *identity.TokenManager
	log        *slog.Logger
	obs        *observability.Provider
	slo        *observability.SLOTracker
	timeline   *audit.Timeline
	sessionTTL time.Duration

	mu       sync.Mutex
	sessions map[string]*delivery.Session
}

// ServerOption customizes a Server.
type ServerOption func(*Server)

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) ServerOption {
	return func(s *Server) { s.log = log }
}

// WithResumeTokens enables signed resume tokens for subscription streams.
// Without a token manager, subscribers resume with the raw stream token.
func WithResumeTokens(tm *identity.TokenManager, ttl time.Duration) ServerOption {
	return func(s *Server) {
		s.tokens = tm
		if ttl > 0 {
			s.sessionTTL = ttl
		}
	}
}

// WithObservability wires request tracing and service level recording.
// Either argument may be nil.
func WithObservability(p *observability.Provider, slo *observability.SLOTracker) ServerOption {
	return func(s *Server) {
		s.obs = p
		s.slo = slo
	}
}

// WithTimeline exposes the in-memory audit timeline on the audit endpoint.
func WithTimeline(tl *audit.Timeline) ServerOption {
	return func(s *Server) { s.timeline = tl }
}

// NewServer creates a Server for the given broker.
func NewServer(bk *broker.Broker, opts ...ServerOption) *Server {
	s := &Server{
		broker:     bk,
		log:        slog.Default(),
		sessionTTL: DefaultSessionTTL,
		sessions:   make(map[string]*delivery.Session),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes mounts every endpoint on a fresh mux. Relationship ids travel in
// request bodies and query parameters, never in the path.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/relationships", s.handleRelationships)
	mux.HandleFunc("/api/v1/relationships/close", s.instrument("close", s.handleClose))
	mux.HandleFunc("/api/v1/relationships/continue", s.instrument("establish", s.handleContinue))
	mux.HandleFunc("/api/v1/intents", s.instrument("send_intent", s.handleIntent))
	mux.HandleFunc("/api/v1/responses", s.instrument("respond", s.handleRespond))
	mux.HandleFunc("/api/v1/events", s.handleEvents)
	mux.HandleFunc("/api/v1/verify", s.instrument("verify", s.handleVerify))
	mux.HandleFunc("/api/v1/subscribe", s.handleSubscribe)
	mux.HandleFunc("/api/v1/ack", s.handleAck)
	mux.HandleFunc("/api/v1/slo", s.handleSLO)
	mux.HandleFunc("/api/v1/audit", s.handleAudit)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// statusRecorder captures the response status for instrumentation.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// instrument wraps a verb handler with span, RED metrics, and service level
// recording. Success means the broker processed the request without an
// internal failure; rejections are correct outcomes and count as successes.
func (s *Server) instrument(operation string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		var finish func(error)
		if s.obs != nil {
			ctx, done := s.obs.TrackOperation(r.Context(), operation,
				observability.AttrOperation.String(operation))
			r = r.WithContext(ctx)
			finish = done
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)

		success := rec.status < http.StatusInternalServerError
		if finish != nil {
			var opErr error
			if !success {
				opErr = fmt.Errorf("http %d", rec.status)
			}
			finish(opErr)
		}
		if s.slo != nil {
			s.slo.Record(observability.SLOObservation{
				Operation: operation,
				Latency:   time.Since(start),
				Success:   success,
			})
		}
	}
}

// caller resolves the calling participant for read endpoints.
func caller(r *http.Request) string {
	if id := r.Header.Get(HeaderParticipant); id != "" {
		return id
	}
	return r.URL.Query().Get("caller")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "accord-broker",
	})
}

// handleSLO reports current compliance for every operation with a target.
func (s *Server) handleSLO(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	if s.slo == nil {
		WriteNotFound(w, "Service level tracking is not enabled")
		return
	}

	statuses := make([]*observability.SLOStatus, 0)
	for _, op := range s.slo.Operations() {
		st, err := s.slo.Status(op)
		if err != nil {
			continue
		}
		statuses = append(statuses, st)
	}
	writeJSON(w, http.StatusOK, map[string]any{"slos": statuses})
}

// handleAudit queries the in-memory oversight timeline.
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	if s.timeline == nil {
		WriteNotFound(w, "Audit timeline is not enabled")
		return
	}

	q := audit.TimelineQuery{
		RelationshipID: r.URL.Query().Get("relationship_id"),
		ActorID:        r.URL.Query().Get("actor_id"),
	}
	if raw := r.URL.Query().Get("kind"); raw != "" {
		kind := audit.Kind(raw)
		switch kind {
		case audit.KindOversightCopy, audit.KindBreachAttempt, audit.KindRejection, audit.KindLifecycle:
			q.Kind = &kind
		default:
			WriteBadRequest(w, "Unknown audit kind")
			return
		}
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			WriteBadRequest(w, "limit must be a non-negative integer")
			return
		}
		q.Limit = limit
	}

	entries := s.timeline.Query(q)
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}
