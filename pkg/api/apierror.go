// Package api is the broker's HTTP surface: JSON endpoints for every verb,
// SSE subscription streams, and RFC 7807 Problem Detail error responses.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/Mindburn-Labs/accord/pkg/broker"
	"github.com/Mindburn-Labs/accord/pkg/relation"
	"github.com/Mindburn-Labs/accord/pkg/store"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
// All API error responses must use this format. Broker rejections carry two
// extension members: the machine-readable rejection kind and its metadata.
type ProblemDetail struct {
	// Type is a URI reference that identifies the problem type.
	Type string `json:"type"`
	// Title is a short, human-readable summary of the problem type.
	Title string `json:"title"`
	// Status is the HTTP status code.
	Status int `json:"status"`
	// Detail is a human-readable explanation specific to this occurrence.
	Detail string `json:"detail,omitempty"`
	// Instance is a URI reference identifying the specific occurrence.
	Instance string `json:"instance,omitempty"`
	// TraceID links to the distributed trace for this request.
	TraceID string `json:"trace_id,omitempty"`
	// Kind is the broker rejection kind, when the problem is a rejection.
	Kind string `json:"kind,omitempty"`
	// Meta carries the rejection's structured metadata.
	Meta map[string]any `json:"meta,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	problem := &ProblemDetail{
		Type:   fmt.Sprintf("https://accord.mindburn.dev/errors/%d", status),
		Title:  title,
		Status: status,
		Detail: detail,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteErrorR writes an RFC 7807 response enriched with request context
// (trace_id from X-Request-ID, instance from request URI).
func WriteErrorR(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	problem := &ProblemDetail{
		Type:     fmt.Sprintf("https://accord.mindburn.dev/errors/%d", status),
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
		TraceID:  w.Header().Get("X-Request-ID"),
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, "Bad Request", detail)
}

// WriteUnauthorized writes a 401 error response.
func WriteUnauthorized(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	WriteError(w, http.StatusUnauthorized, "Unauthorized", detail)
}

// WriteForbidden writes a 403 error response.
func WriteForbidden(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Insufficient permissions"
	}
	WriteError(w, http.StatusForbidden, "Forbidden", detail)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusNotFound, "Not Found", detail)
}

// WriteMethodNotAllowed writes a 405 error response.
func WriteMethodNotAllowed(w http.ResponseWriter) {
	WriteError(w, http.StatusMethodNotAllowed, "Method Not Allowed", "The HTTP method is not supported for this endpoint")
}

// WriteConflict writes a 409 error response.
func WriteConflict(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusConflict, "Conflict", detail)
}

// WriteTooManyRequests writes a 429 error response with Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500 error response.
// The err parameter is logged but NEVER exposed to the client.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	WriteError(w, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
}

// WriteRejection writes a broker rejection as a Problem Detail. The type URI
// names the rejection kind so clients can dispatch on it without parsing the
// detail text.
func WriteRejection(w http.ResponseWriter, rej *relation.Rejection) {
	status := StatusForKind(rej.Kind)
	problem := &ProblemDetail{
		Type:   fmt.Sprintf("https://accord.mindburn.dev/rejections/%s", rej.Kind),
		Title:  titleForStatus(status),
		Status: status,
		Detail: rej.Detail,
		Kind:   string(rej.Kind),
		Meta:   rej.Meta,
	}
	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "5")
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// StatusForKind maps a rejection kind to an HTTP status. The mapping keeps
// authentication failures (401) apart from authorization and policy denials
// (403) and from state conflicts (409), so dashboards grouping by status
// stay meaningful.
func StatusForKind(kind relation.RejectKind) int {
	switch kind {
	case relation.KindBadSignature, relation.KindUnknownSender,
		relation.KindBindingMismatch, relation.KindExpiredKey:
		return http.StatusUnauthorized
	case relation.KindUnauthorized, relation.KindParticipantMismatch,
		relation.KindTrustLevelInsufficient, relation.KindConsentMissing,
		relation.KindFilterRejected, relation.KindRiskTooLow,
		relation.KindPolicyDenies:
		return http.StatusForbidden
	case relation.KindUnknownRelationship, relation.KindNotFound:
		return http.StatusNotFound
	case relation.KindClosedRelationship, relation.KindAlreadyClosed,
		relation.KindAlreadyFinalized, relation.KindPredecessorActive,
		relation.KindDuplicate, relation.KindDepthExceeded,
		relation.KindExpired, relation.KindOutsideWindow,
		relation.KindWrongDirection, relation.KindNotAdmitted:
		return http.StatusConflict
	case relation.KindResponderOverloaded:
		return http.StatusTooManyRequests
	case relation.KindTimeout, relation.KindDeliveryTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func titleForStatus(status int) string {
	if text := http.StatusText(status); text != "" {
		return text
	}
	return "Error"
}

// writeBrokerError maps the broker's read-path error values. Anything not
// recognized is an internal failure and stays opaque to the client.
func writeBrokerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		WriteNotFound(w, "No such relationship")
	case errors.Is(err, broker.ErrUnauthorized):
		WriteForbidden(w, "Caller is not a participant in this relationship")
	default:
		WriteInternal(w, err)
	}
}
