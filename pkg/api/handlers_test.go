package api_test

import (
	"bufio"
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/accord/pkg/api"
	"github.com/Mindburn-Labs/accord/pkg/audit"
	"github.com/Mindburn-Labs/accord/pkg/broker"
	"github.com/Mindburn-Labs/accord/pkg/canonicalize"
	"github.com/Mindburn-Labs/accord/pkg/chain"
	"github.com/Mindburn-Labs/accord/pkg/delivery"
	"github.com/Mindburn-Labs/accord/pkg/identity"
	"github.com/Mindburn-Labs/accord/pkg/observability"
	"github.com/Mindburn-Labs/accord/pkg/policy"
	"github.com/Mindburn-Labs/accord/pkg/relation"
	"github.com/Mindburn-Labs/accord/pkg/store"
)

const apiPolicy = `
version: "1.0.0"

trust_rules:
  - initiator: "scheduler-agent"
    responder: "records-agent"
    trust_level: 3
  - initiator: "*"
    responder: "*"
    trust_level: 1

risk:
  min_context_bytes: 8

intents:
  - type: ping
    levels:
      - trust_level: 1
  - type: fetch_record
    levels:
      - trust_level: 2
`

type signer struct {
	id   string
	priv ed25519.PrivateKey
}

func newSigner(t *testing.T, dir *identity.Directory, id, humanID string) *signer {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	require.NoError(t, dir.Register(identity.Participant{ID: id, PublicKey: pub, HumanID: humanID}))
	return &signer{id: id, priv: priv}
}

func (s *signer) sign(t *testing.T, view map[string]any) []byte {
	t.Helper()
	canonical, err := canonicalize.JCS(view)
	require.NoError(t, err)
	return ed25519.Sign(s.priv, canonical)
}

type apiHarness struct {
	t         *testing.T
	ts        *httptest.Server
	client    *http.Client
	initiator *signer
	responder *signer
	timeline  *audit.Timeline
	slo       *observability.SLOTracker
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	reg, err := policy.Parse(context.Background(), []byte(apiPolicy))
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.ClosePlugins() })

	keys, err := chain.NewKeyring(bytes.Repeat([]byte{0x2a}, chain.MasterKeySize))
	require.NoError(t, err)

	dir := identity.NewDirectory()
	timeline := audit.NewTimeline(0)
	bk, err := broker.New(dir, store.NewMemStore(), keys, reg,
		broker.WithOversight(timeline),
	)
	require.NoError(t, err)
	t.Cleanup(bk.Shutdown)

	ks, err := identity.NewInMemoryKeySet()
	require.NoError(t, err)
	slo := observability.NewSLOTrackerWithDefaults()
	srv := api.NewServer(bk,
		api.WithResumeTokens(identity.NewTokenManager(ks), time.Hour),
		api.WithObservability(nil, slo),
		api.WithTimeline(timeline),
	)

	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)

	h := &apiHarness{t: t, ts: ts, client: ts.Client(), timeline: timeline, slo: slo}
	h.initiator = newSigner(t, dir, "scheduler-agent", "dr-hale")
	h.responder = newSigner(t, dir, "records-agent", "")
	return h
}

func (h *apiHarness) postJSON(path string, body any) *http.Response {
	h.t.Helper()
	data, err := json.Marshal(body)
	require.NoError(h.t, err)
	resp, err := h.client.Post(h.ts.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(h.t, err)
	return resp
}

func (h *apiHarness) get(path, participant string) *http.Response {
	h.t.Helper()
	req, err := http.NewRequest(http.MethodGet, h.ts.URL+path, nil)
	require.NoError(h.t, err)
	if participant != "" {
		req.Header.Set(api.HeaderParticipant, participant)
	}
	resp, err := h.client.Do(req)
	require.NoError(h.t, err)
	return resp
}

func decodeInto(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func (h *apiHarness) establishBody() *broker.EstablishRequest {
	req := &broker.EstablishRequest{
		Initiator:       h.initiator.id,
		Responder:       h.responder.id,
		Timebox:         relation.Timebox{},
		ContextSnapshot: map[string]any{"purpose": "records sync"},
	}
	req.Signature = h.initiator.sign(h.t, req.SigningView())
	return req
}

func (h *apiHarness) establish() *relation.Relationship {
	h.t.Helper()
	resp := h.postJSON("/api/v1/relationships", h.establishBody())
	require.Equal(h.t, http.StatusCreated, resp.StatusCode)
	rel := &relation.Relationship{}
	decodeInto(h.t, resp, rel)
	require.NotEmpty(h.t, rel.ID)
	return rel
}

func (h *apiHarness) signedIntent(relID, typ string, ctxData map[string]any) *relation.Intent {
	in := &relation.Intent{
		RelationshipID: relID,
		Type:           typ,
		Context:        ctxData,
		Sender:         h.initiator.id,
	}
	in.Signature = h.initiator.sign(h.t, in.SigningView())
	return in
}

func (h *apiHarness) signedResponse(relID string, seq uint64, outcome relation.ResponseOutcome) *relation.Response {
	r := &relation.Response{
		RelationshipID: relID,
		IntentSequence: seq,
		Outcome:        outcome,
		Data:           map[string]any{"status": "done"},
		Sender:         h.responder.id,
	}
	r.Signature = h.responder.sign(h.t, r.SigningView())
	return r
}

// sseEvent is one parsed server-sent event block.
type sseEvent struct {
	id    string
	event string
	data  []byte
}

// readEvents pumps parsed events into a channel until the stream ends.
func readEvents(body io.Reader) <-chan sseEvent {
	ch := make(chan sseEvent, 16)
	go func() {
		defer close(ch)
		scanner := bufio.NewScanner(body)
		var ev sseEvent
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case line == "":
				if ev.event != "" || len(ev.data) > 0 {
					ch <- ev
				}
				ev = sseEvent{}
			case strings.HasPrefix(line, "id: "):
				ev.id = strings.TrimPrefix(line, "id: ")
			case strings.HasPrefix(line, "event: "):
				ev.event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				ev.data = []byte(strings.TrimPrefix(line, "data: "))
			}
		}
	}()
	return ch
}

func waitEvent(t *testing.T, ch <-chan sseEvent, name string) sseEvent {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			require.True(t, ok, "stream ended while waiting for %s", name)
			if ev.event == name {
				return ev
			}
			// Heartbeats and unrelated frames are fine to skip here.
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", name)
		}
	}
}

func (h *apiHarness) subscribe(participant, role, token string) (*http.Response, <-chan sseEvent) {
	h.t.Helper()
	req, err := http.NewRequest(http.MethodGet, h.ts.URL+"/api/v1/subscribe?role="+role, nil)
	require.NoError(h.t, err)
	req.Header.Set(api.HeaderParticipant, participant)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := h.client.Do(req)
	require.NoError(h.t, err)
	return resp, readEvents(resp.Body)
}

func (h *apiHarness) ack(sessionID, frameID string) {
	h.t.Helper()
	resp := h.postJSON("/api/v1/ack", map[string]string{
		"session_id": sessionID,
		"frame_id":   frameID,
	})
	require.Equal(h.t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()
}

func TestEstablishOverHTTP(t *testing.T) {
	h := newAPIHarness(t)
	rel := h.establish()
	assert.Equal(t, h.initiator.id, rel.Initiator)
	assert.Equal(t, h.responder.id, rel.Responder)

	// Participants can read the record back
	resp := h.get("/api/v1/relationships?id="+rel.ID, h.responder.id)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := &relation.Relationship{}
	decodeInto(t, resp, got)
	assert.Equal(t, rel.ID, got.ID)

	// Strangers cannot
	resp = h.get("/api/v1/relationships?id="+rel.ID, "vault-agent")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	// Unknown ids are 404
	resp = h.get("/api/v1/relationships?id=rel-missing", h.initiator.id)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	// Anonymous reads are 401
	resp = h.get("/api/v1/relationships?id="+rel.ID, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestEstablishRejectsBadSignature(t *testing.T) {
	h := newAPIHarness(t)
	req := h.establishBody()
	req.Signature = []byte("forged")

	resp := h.postJSON("/api/v1/relationships", req)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	var problem api.ProblemDetail
	decodeInto(t, resp, &problem)
	assert.Equal(t, string(relation.KindBadSignature), problem.Kind)
}

func TestIntentDeliveryOverHTTP(t *testing.T) {
	h := newAPIHarness(t)
	rel := h.establish()

	stream, events := h.subscribe(h.responder.id, "responder", "")
	defer stream.Body.Close()
	require.Equal(t, http.StatusOK, stream.StatusCode)
	require.Equal(t, "text/event-stream", stream.Header.Get("Content-Type"))

	var attached struct {
		SessionID   string `json:"session_id"`
		ResumeToken string `json:"resume_token"`
		Role        string `json:"role"`
	}
	ev := waitEvent(t, events, "attached")
	require.NoError(t, json.Unmarshal(ev.data, &attached))
	require.NotEmpty(t, attached.SessionID)
	require.NotEmpty(t, attached.ResumeToken)
	assert.Equal(t, "responder", attached.Role)

	// Admit an intent; it must arrive on the responder's stream
	resp := h.postJSON("/api/v1/intents", h.signedIntent(rel.ID, "fetch_record", map[string]any{"record": "patient-442"}))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var admitted struct {
		Admitted bool   `json:"admitted"`
		Sequence uint64 `json:"sequence"`
	}
	decodeInto(t, resp, &admitted)
	require.True(t, admitted.Admitted)
	require.Equal(t, uint64(1), admitted.Sequence)

	frameEv := waitEvent(t, events, "intent")
	var frame delivery.Frame
	require.NoError(t, json.Unmarshal(frameEv.data, &frame))
	assert.Equal(t, rel.ID, frame.RelationshipID)
	assert.Equal(t, admitted.Sequence, frame.Sequence)
	assert.Equal(t, "fetch_record", frame.Payload["type"])
	h.ack(attached.SessionID, frame.ID)

	// The response is routed to the initiator's stream
	istream, ievents := h.subscribe(h.initiator.id, "initiator", "")
	defer istream.Body.Close()
	iattached := waitEvent(t, ievents, "attached")
	var isession struct {
		SessionID string `json:"session_id"`
	}
	require.NoError(t, json.Unmarshal(iattached.data, &isession))

	resp = h.postJSON("/api/v1/responses", h.signedResponse(rel.ID, admitted.Sequence, relation.ResponseCompleted))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var recorded struct {
		Admitted bool   `json:"admitted"`
		Sequence uint64 `json:"sequence"`
	}
	decodeInto(t, resp, &recorded)
	require.True(t, recorded.Admitted)

	respEv := waitEvent(t, ievents, "response")
	var respFrame delivery.Frame
	require.NoError(t, json.Unmarshal(respEv.data, &respFrame))
	assert.Equal(t, rel.ID, respFrame.RelationshipID)
	h.ack(isession.SessionID, respFrame.ID)

	// The chain now holds established, admitted, response events
	eventsResp := h.get("/api/v1/events?relationship_id="+rel.ID, h.initiator.id)
	require.Equal(t, http.StatusOK, eventsResp.StatusCode)
	var listed struct {
		Events []relation.Event `json:"events"`
	}
	decodeInto(t, eventsResp, &listed)
	require.Len(t, listed.Events, 3)
	assert.Equal(t, relation.EventIntentAdmitted, listed.Events[1].Type)
}

func TestIntentRejectionOverHTTP(t *testing.T) {
	h := newAPIHarness(t)

	// Signed intent against an unknown relationship
	in := h.signedIntent("rel-missing", "ping", map[string]any{"note": "hello there"})
	resp := h.postJSON("/api/v1/intents", in)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	var problem api.ProblemDetail
	decodeInto(t, resp, &problem)
	assert.Equal(t, string(relation.KindUnknownRelationship), problem.Kind)
	assert.Contains(t, problem.Type, "rejections/unknown_relationship")
}

func TestCloseAndVerifyOverHTTP(t *testing.T) {
	h := newAPIHarness(t)
	rel := h.establish()

	resp := h.postJSON("/api/v1/relationships/close", map[string]string{
		"relationship_id": rel.ID,
		"closed_by":       h.initiator.id,
		"reason":          "completed",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var summary struct {
		RelationshipID string `json:"relationship_id"`
		Reason         string `json:"reason"`
		TotalEvents    int    `json:"total_events"`
		FinalHash      string `json:"final_hash"`
	}
	decodeInto(t, resp, &summary)
	assert.Equal(t, rel.ID, summary.RelationshipID)
	assert.Equal(t, "completed", summary.Reason)
	assert.Equal(t, 2, summary.TotalEvents)
	assert.NotEmpty(t, summary.FinalHash)

	// Closing again is a conflict
	resp = h.postJSON("/api/v1/relationships/close", map[string]string{
		"relationship_id": rel.ID,
		"closed_by":       h.initiator.id,
	})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	var problem api.ProblemDetail
	decodeInto(t, resp, &problem)
	assert.Equal(t, string(relation.KindAlreadyClosed), problem.Kind)

	// The sealed chain verifies intact
	vresp := h.get("/api/v1/verify?relationship_id="+rel.ID, "")
	require.Equal(t, http.StatusOK, vresp.StatusCode)
	var report broker.ChainReport
	decodeInto(t, vresp, &report)
	assert.True(t, report.Intact)
	assert.Equal(t, 2, report.Events)

	// The lifecycle close landed on the audit timeline
	aresp := h.get("/api/v1/audit?relationship_id="+rel.ID+"&kind=LIFECYCLE", "")
	require.Equal(t, http.StatusOK, aresp.StatusCode)
	var audits struct {
		Entries []audit.Entry `json:"entries"`
		Count   int           `json:"count"`
	}
	decodeInto(t, aresp, &audits)
	require.NotEmpty(t, audits.Entries)
	assert.Equal(t, "relationship_closed", audits.Entries[0].Action)
}

func TestBadCloseReasonOverHTTP(t *testing.T) {
	h := newAPIHarness(t)
	rel := h.establish()

	resp := h.postJSON("/api/v1/relationships/close", map[string]string{
		"relationship_id": rel.ID,
		"closed_by":       h.initiator.id,
		"reason":          "breach",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestContinueOverHTTP(t *testing.T) {
	h := newAPIHarness(t)
	rel := h.establish()

	// A successor needs a closed predecessor
	body := map[string]any{"predecessor_id": rel.ID}
	for k, v := range toMap(t, h.establishBody()) {
		body[k] = v
	}
	resp := h.postJSON("/api/v1/relationships/continue", body)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	var problem api.ProblemDetail
	decodeInto(t, resp, &problem)
	assert.Equal(t, string(relation.KindPredecessorActive), problem.Kind)

	closeResp := h.postJSON("/api/v1/relationships/close", map[string]string{
		"relationship_id": rel.ID,
		"closed_by":       h.initiator.id,
	})
	require.Equal(t, http.StatusOK, closeResp.StatusCode)
	closeResp.Body.Close()

	resp = h.postJSON("/api/v1/relationships/continue", body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	succ := &relation.Relationship{}
	decodeInto(t, resp, succ)
	assert.NotEqual(t, rel.ID, succ.ID)
}

func toMap(t *testing.T, v any) map[string]any {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func TestSubscribeResume(t *testing.T) {
	h := newAPIHarness(t)

	stream, events := h.subscribe(h.responder.id, "responder", "")
	require.Equal(t, http.StatusOK, stream.StatusCode)
	var attached struct {
		ResumeToken string `json:"resume_token"`
	}
	ev := waitEvent(t, events, "attached")
	require.NoError(t, json.Unmarshal(ev.data, &attached))
	stream.Body.Close()

	// Reconnecting with the issued token reclaims the stream
	stream2, events2 := h.subscribe(h.responder.id, "responder", attached.ResumeToken)
	defer stream2.Body.Close()
	require.Equal(t, http.StatusOK, stream2.StatusCode)
	waitEvent(t, events2, "attached")

	// A garbage token is rejected outright
	bad, _ := h.subscribe(h.responder.id, "responder", "not-a-token")
	assert.Equal(t, http.StatusUnauthorized, bad.StatusCode)
	bad.Body.Close()

	// Another participant cannot present the responder's token
	stolen, _ := h.subscribe(h.initiator.id, "responder", attached.ResumeToken)
	assert.Equal(t, http.StatusForbidden, stolen.StatusCode)
	stolen.Body.Close()
}

func TestHealthAndSLOEndpoints(t *testing.T) {
	h := newAPIHarness(t)
	h.establish()

	resp := h.get("/health", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	health := map[string]string{}
	decodeInto(t, resp, &health)
	assert.Equal(t, "ok", health["status"])

	resp = h.get("/api/v1/slo", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var slos struct {
		SLOs []observability.SLOStatus `json:"slos"`
	}
	decodeInto(t, resp, &slos)
	require.NotEmpty(t, slos.SLOs)
	var found bool
	for _, st := range slos.SLOs {
		if st.Operation == "establish" {
			found = true
			assert.Equal(t, 1, st.ObservationCount)
			assert.True(t, st.InCompliance)
		}
	}
	assert.True(t, found, "establish must be among the reported operations")
}

func TestMethodAndBodyValidation(t *testing.T) {
	h := newAPIHarness(t)

	resp := h.get("/api/v1/intents", "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	resp.Body.Close()

	raw, err := h.client.Post(h.ts.URL+"/api/v1/relationships", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, raw.StatusCode)
	raw.Body.Close()

	resp = h.postJSON("/api/v1/intents", map[string]string{"type": "ping"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}
