package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/Mindburn-Labs/accord/pkg/broker"
	"github.com/Mindburn-Labs/accord/pkg/relation"
)

// maxBodyBytes caps request bodies. Intents carry context snapshots, not
// payloads, so 1MB is generous.
const maxBodyBytes = 1 << 20

func (s *Server) handleRelationships(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.instrument("establish", s.handleEstablish)(w, r)
	case http.MethodGet:
		s.handleGetRelationship(w, r)
	default:
		WriteMethodNotAllowed(w)
	}
}

func (s *Server) handleEstablish(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req broker.EstablishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.Initiator == "" || req.Responder == "" {
		WriteBadRequest(w, "Missing required fields: initiator, responder")
		return
	}

	rel, rej, err := s.broker.Establish(r.Context(), &req)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if rej != nil {
		WriteRejection(w, rej)
		return
	}
	writeJSON(w, http.StatusCreated, rel)
}

// continueRequest proposes a successor for a closed relationship. The
// proposal fields are inlined next to the predecessor id.
type continueRequest struct {
	PredecessorID string `json:"predecessor_id"`
	broker.EstablishRequest
}

func (s *Server) handleContinue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req continueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.PredecessorID == "" || req.Initiator == "" || req.Responder == "" {
		WriteBadRequest(w, "Missing required fields: predecessor_id, initiator, responder")
		return
	}

	rel, rej, err := s.broker.ContinueFrom(r.Context(), req.PredecessorID, &req.EstablishRequest)
	if err != nil {
		writeBrokerError(w, err)
		return
	}
	if rej != nil {
		WriteRejection(w, rej)
		return
	}
	writeJSON(w, http.StatusCreated, rel)
}

func (s *Server) handleIntent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var in relation.Intent
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if in.RelationshipID == "" || in.Type == "" || in.Sender == "" {
		WriteBadRequest(w, "Missing required fields: relationship_id, type, sender")
		return
	}

	res, err := s.broker.SendIntent(r.Context(), &in)
	if err != nil {
		writeBrokerError(w, err)
		return
	}
	if res.Rejection != nil {
		WriteRejection(w, res.Rejection)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var resp relation.Response
	if err := json.NewDecoder(r.Body).Decode(&resp); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if resp.RelationshipID == "" || resp.Sender == "" || resp.Outcome == "" {
		WriteBadRequest(w, "Missing required fields: relationship_id, sender, outcome")
		return
	}
	if resp.IntentSequence == 0 {
		WriteBadRequest(w, "intent_sequence must reference an admitted intent")
		return
	}

	res, err := s.broker.Respond(r.Context(), &resp)
	if err != nil {
		writeBrokerError(w, err)
		return
	}
	if res.Rejection != nil {
		WriteRejection(w, res.Rejection)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// closeRequest ends a relationship. Only caller-initiated reasons are
// accepted here; expiry, depth, and breach closes are the broker's own.
type closeRequest struct {
	RelationshipID string `json:"relationship_id"`
	ClosedBy       string `json:"closed_by"`
	Reason         string `json:"reason,omitempty"`
}

func callerCloseReason(raw string) (relation.CloseReason, bool) {
	switch reason := relation.CloseReason(raw); reason {
	case "":
		return relation.CloseReasonCompleted, true
	case relation.CloseReasonCompleted, relation.CloseReasonUser,
		relation.CloseReasonError, relation.CloseReasonIncomplete:
		return reason, true
	default:
		return "", false
	}
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req closeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.RelationshipID == "" || req.ClosedBy == "" {
		WriteBadRequest(w, "Missing required fields: relationship_id, closed_by")
		return
	}
	reason, ok := callerCloseReason(req.Reason)
	if !ok {
		WriteBadRequest(w, "reason must be one of: completed, user, error, incomplete")
		return
	}

	summary, rej, err := s.broker.Close(r.Context(), req.RelationshipID, req.ClosedBy, reason)
	if err != nil {
		writeBrokerError(w, err)
		return
	}
	if rej != nil {
		WriteRejection(w, rej)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleGetRelationship(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		WriteBadRequest(w, "Missing required query parameter: id")
		return
	}
	who := caller(r)
	if who == "" {
		WriteUnauthorized(w, "Set the "+HeaderParticipant+" header to identify the caller")
		return
	}

	rel, err := s.broker.GetRelationship(r.Context(), id, who)
	if err != nil {
		writeBrokerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rel)
}

type eventsResponse struct {
	RelationshipID string           `json:"relationship_id"`
	From           uint64           `json:"from"`
	Events         []relation.Event `json:"events"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	id := r.URL.Query().Get("relationship_id")
	if id == "" {
		WriteBadRequest(w, "Missing required query parameter: relationship_id")
		return
	}
	who := caller(r)
	if who == "" {
		WriteUnauthorized(w, "Set the "+HeaderParticipant+" header to identify the caller")
		return
	}
	var from uint64
	if raw := r.URL.Query().Get("from"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			WriteBadRequest(w, "from must be a sequence number")
			return
		}
		from = parsed
	}

	events, err := s.broker.GetEvents(r.Context(), id, who, from)
	if err != nil {
		writeBrokerError(w, err)
		return
	}
	if events == nil {
		events = []relation.Event{}
	}
	writeJSON(w, http.StatusOK, eventsResponse{RelationshipID: id, From: from, Events: events})
}

// handleVerify replays a relationship's chain and reports continuity.
// Verification is an operator surface and does not require participation.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	id := r.URL.Query().Get("relationship_id")
	if id == "" {
		WriteBadRequest(w, "Missing required query parameter: relationship_id")
		return
	}

	report, err := s.broker.VerifyChain(r.Context(), id)
	if err != nil {
		writeBrokerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
