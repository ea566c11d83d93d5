package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/Mindburn-Labs/accord/pkg/delivery"
)

// attachedEvent is the first event on a subscription stream. It carries the
// session id acks must reference and the resume token that reclaims the
// stream's queue position after a disconnect.
type attachedEvent struct {
	SessionID   string `json:"session_id"`
	Participant string `json:"participant"`
	Role        string `json:"role"`
	ResumeToken string `json:"resume_token,omitempty"`
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// handleSubscribe streams delivery frames as server-sent events. Frames use
// the frame kind as the event name and the frame id as the event id; every
// frame, heartbeats included, expects an ack on the ack endpoint within the
// broker's ack timeout.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteInternal(w, errors.New("response writer does not support streaming"))
		return
	}
	participant := caller(r)
	if participant == "" {
		WriteUnauthorized(w, "Set the "+HeaderParticipant+" header to identify the subscriber")
		return
	}

	role := delivery.RoleResponder
	switch r.URL.Query().Get("role") {
	case "", "responder":
	case "initiator":
		role = delivery.RoleInitiator
	default:
		WriteBadRequest(w, "role must be responder or initiator")
		return
	}

	resume := bearerToken(r)
	if resume != "" && s.tokens != nil {
		claims, err := s.tokens.Validate(resume)
		if err != nil {
			WriteUnauthorized(w, "Invalid or expired resume token")
			return
		}
		if claims.Subject != participant {
			WriteForbidden(w, "Resume token belongs to another participant")
			return
		}
		resume = claims.SessionID
	}

	var sess *delivery.Session
	var err error
	if role == delivery.RoleResponder {
		sess, err = s.broker.SubscribeAsResponder(r.Context(), participant, resume)
	} else {
		sess, err = s.broker.SubscribeAsInitiator(r.Context(), participant, resume)
	}
	switch {
	case errors.Is(err, delivery.ErrResumeMismatch):
		WriteConflict(w, "Resume token does not match the live stream")
		return
	case errors.Is(err, delivery.ErrHubClosed):
		WriteError(w, http.StatusServiceUnavailable, "Service Unavailable", "The broker is shutting down")
		return
	case err != nil:
		WriteInternal(w, err)
		return
	}

	s.registerSession(sess)
	defer func() {
		s.unregisterSession(sess.ID())
		sess.Close()
	}()

	token := sess.ResumeToken()
	if s.tokens != nil {
		token, err = s.tokens.Issue(r.Context(), participant, sess.ResumeToken(), s.sessionTTL)
		if err != nil {
			WriteInternal(w, err)
			return
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "retry: 5000\n\n")

	attached := attachedEvent{
		SessionID:   sess.ID(),
		Participant: participant,
		Role:        string(role),
		ResumeToken: token,
	}
	if writeSSE(w, sess.ID(), "attached", attached) != nil {
		return
	}
	flusher.Flush()

	s.log.Debug("subscriber attached",
		"participant", participant,
		"role", string(role),
		"session_id", sess.ID(),
	)

	for {
		select {
		case <-r.Context().Done():
			return
		case frame, open := <-sess.Frames():
			if !open {
				return
			}
			if writeSSE(w, frame.ID, string(frame.Kind), frame) != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeSSE emits one event block. Marshaled JSON never contains raw
// newlines, so a single data field is always enough.
func writeSSE(w io.Writer, id, event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", id, event, payload)
	return err
}

func (s *Server) registerSession(sess *delivery.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID()] = sess
}

func (s *Server) unregisterSession(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

func (s *Server) session(id string) (*delivery.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// ackRequest acknowledges one delivered frame. Acks arrive on their own
// request because the event stream is one-way.
type ackRequest struct {
	SessionID string `json:"session_id"`
	FrameID   string `json:"frame_id"`
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req ackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.SessionID == "" || req.FrameID == "" {
		WriteBadRequest(w, "Missing required fields: session_id, frame_id")
		return
	}

	sess, ok := s.session(req.SessionID)
	if !ok {
		WriteNotFound(w, "Unknown or detached session")
		return
	}
	sess.Ack(req.FrameID)
	w.WriteHeader(http.StatusNoContent)
}
