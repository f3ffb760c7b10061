package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/petervdpas/kyccall/internal/kyc"
	"github.com/petervdpas/kyccall/internal/outcome"
	"github.com/petervdpas/kyccall/internal/registry"
)

const maxBodyBytes = 64 << 10

// Stable error codes carried in error bodies so clients can map them back
// to the sentinel errors.
const (
	codeBadRequest        = "bad_request"
	codeNotFound          = "not_found"
	codeRequestConflict   = "request_conflict"
	codeStatusMismatch    = "status_mismatch"
	codeInvalidTransition = "invalid_transition"
	codeOutcomeConflict   = "outcome_conflict"
	codeInternal          = "internal"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	// Request is the current record when a status check failed.
	Request *registry.CallRequest `json:"request,omitempty"`
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSONStatus(w, http.StatusBadRequest, errorBody{Error: codeBadRequest, Message: msg})
}

// writeError maps domain errors to HTTP statuses. cur, when non-nil, is
// returned to the client alongside status conflicts.
func writeError(w http.ResponseWriter, err error, cur *registry.CallRequest) {
	body := errorBody{Message: err.Error()}
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, registry.ErrNotFound):
		status, body.Error = http.StatusNotFound, codeNotFound
	case errors.Is(err, registry.ErrRequestConflict):
		status, body.Error = http.StatusConflict, codeRequestConflict
	case errors.Is(err, registry.ErrStatusMismatch):
		status, body.Error, body.Request = http.StatusConflict, codeStatusMismatch, cur
	case errors.Is(err, registry.ErrInvalidTransition):
		status, body.Error, body.Request = http.StatusUnprocessableEntity, codeInvalidTransition, cur
	case errors.Is(err, kyc.ErrWrongKind):
		status, body.Error = http.StatusBadRequest, codeBadRequest
	case errors.Is(err, outcome.ErrOutcomeConflict), errors.Is(err, kyc.ErrAlreadyDecided):
		status, body.Error = http.StatusConflict, codeOutcomeConflict
	default:
		body.Error = codeInternal
		log.Warnf("API: %v", err)
	}
	writeJSONStatus(w, status, body)
}

// errorFromBody turns an error response back into a sentinel error.
func errorFromBody(status int, b errorBody) error {
	var base error
	switch b.Error {
	case codeNotFound:
		base = registry.ErrNotFound
	case codeRequestConflict:
		base = registry.ErrRequestConflict
	case codeStatusMismatch:
		base = registry.ErrStatusMismatch
	case codeInvalidTransition:
		base = registry.ErrInvalidTransition
	case codeOutcomeConflict:
		base = outcome.ErrOutcomeConflict
	default:
		if b.Message == "" {
			return fmt.Errorf("server returned %d", status)
		}
		return fmt.Errorf("server returned %d: %s", status, b.Message)
	}
	return fmt.Errorf("%w: %s", base, b.Message)
}

// decodeBody reads a JSON request body into v. It writes the error response
// itself and returns false on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		badRequest(w, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func sseHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// parseFilter reads status (repeatable or comma separated), applicant_id,
// reviewer_id and updated_since (RFC 3339).
func parseFilter(q url.Values) (registry.Filter, error) {
	f := registry.Filter{
		ApplicantID: strings.TrimSpace(q.Get("applicant_id")),
		ReviewerID:  strings.TrimSpace(q.Get("reviewer_id")),
	}
	for _, v := range q["status"] {
		for _, s := range strings.Split(v, ",") {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			st := registry.Status(s)
			if !st.Valid() {
				return registry.Filter{}, fmt.Errorf("unknown status %q", s)
			}
			f.Statuses = append(f.Statuses, st)
		}
	}
	if v := strings.TrimSpace(q.Get("updated_since")); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return registry.Filter{}, fmt.Errorf("updated_since: %w", err)
		}
		f.UpdatedSince = t
	}
	return f, nil
}

func filterQuery(f registry.Filter) url.Values {
	q := url.Values{}
	for _, s := range f.Statuses {
		q.Add("status", string(s))
	}
	if f.ApplicantID != "" {
		q.Set("applicant_id", f.ApplicantID)
	}
	if f.ReviewerID != "" {
		q.Set("reviewer_id", f.ReviewerID)
	}
	if !f.UpdatedSince.IsZero() {
		q.Set("updated_since", f.UpdatedSince.UTC().Format(time.RFC3339Nano))
	}
	return q
}
