package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/petervdpas/kyccall/internal/outcome"
	"github.com/petervdpas/kyccall/internal/registry"
	"github.com/petervdpas/kyccall/internal/util"
)

const ssePingPeriod = 25 * time.Second

func registerCalls(mux *http.ServeMux, d Deps) {
	reg := d.Registry

	mux.HandleFunc("POST /api/calls", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ApplicantID string            `json:"applicant_id"`
			Kind        registry.CallKind `json:"kind"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Kind == "" {
			req.Kind = registry.KindVideo
		}
		if _, err := util.ValidateID("applicant", req.ApplicantID); err != nil {
			badRequest(w, err.Error())
			return
		}
		if !req.Kind.Valid() {
			badRequest(w, fmt.Sprintf("unknown call kind %q", req.Kind))
			return
		}
		out, err := reg.Create(r.Context(), req.ApplicantID, req.Kind)
		if err != nil {
			writeError(w, err, nil)
			return
		}
		writeJSONStatus(w, http.StatusCreated, out)
	})

	mux.HandleFunc("GET /api/calls", func(w http.ResponseWriter, r *http.Request) {
		f, err := parseFilter(r.URL.Query())
		if err != nil {
			badRequest(w, err.Error())
			return
		}
		list, err := reg.List(r.Context(), f)
		if err != nil {
			writeError(w, err, nil)
			return
		}
		if list == nil {
			list = []registry.CallRequest{}
		}
		writeJSON(w, list)
	})

	mux.HandleFunc("GET /api/calls/events", func(w http.ResponseWriter, r *http.Request) {
		f, err := parseFilter(r.URL.Query())
		if err != nil {
			badRequest(w, err.Error())
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		ch, cancel := reg.Watch(f)
		defer cancel()

		sseHeaders(w)
		fmt.Fprintf(w, "event: connected\ndata: {\"status\":\"ok\"}\n\n")
		flusher.Flush()

		ping := time.NewTicker(ssePingPeriod)
		defer ping.Stop()
		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ping.C:
				fmt.Fprint(w, ": ping\n\n")
				flusher.Flush()
			case c, ok := <-ch:
				if !ok {
					return
				}
				data, err := json.Marshal(c)
				if err != nil {
					log.Warnf("API: SSE marshal error: %v", err)
					continue
				}
				fmt.Fprintf(w, "event: change\ndata: %s\n\n", data)
				flusher.Flush()
			}
		}
	})

	mux.HandleFunc("GET /api/calls/{id}", func(w http.ResponseWriter, r *http.Request) {
		out, err := reg.Get(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, err, nil)
			return
		}
		writeJSON(w, out)
	})

	mux.HandleFunc("POST /api/calls/{id}/accept", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ReviewerID string `json:"reviewer_id"`
			External   bool   `json:"external"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if _, err := util.ValidateID("reviewer", req.ReviewerID); err != nil {
			badRequest(w, err.Error())
			return
		}
		id := r.PathValue("id")
		var (
			out registry.CallRequest
			err error
		)
		if req.External {
			if d.External == nil {
				badRequest(w, "external calls are not configured")
				return
			}
			out, err = d.External.Start(r.Context(), id, req.ReviewerID)
		} else {
			out, err = reg.Accept(r.Context(), id, req.ReviewerID, "")
		}
		if err != nil {
			writeError(w, err, currentOf(out))
			return
		}
		writeJSON(w, out)
	})

	mux.HandleFunc("POST /api/calls/{id}/advance", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Status registry.Status `json:"status"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if !req.Status.Valid() {
			badRequest(w, fmt.Sprintf("unknown status %q", req.Status))
			return
		}
		out, err := reg.Advance(r.Context(), r.PathValue("id"), req.Status)
		if err != nil {
			writeError(w, err, currentOf(out))
			return
		}
		writeJSON(w, out)
	})

	mux.HandleFunc("POST /api/calls/{id}/end", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Reason string `json:"reason"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		out, err := reg.End(r.Context(), r.PathValue("id"), req.Reason)
		if err != nil {
			writeError(w, err, nil)
			return
		}
		writeJSON(w, out)
	})

	mux.HandleFunc("POST /api/calls/{id}/conclude", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Outcome registry.Outcome `json:"outcome"`
			Notes   string           `json:"notes"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if !req.Outcome.Valid() {
			badRequest(w, fmt.Sprintf("unknown outcome %q", req.Outcome))
			return
		}
		out, err := reg.Conclude(r.Context(), r.PathValue("id"), req.Outcome, req.Notes)
		if err != nil {
			writeError(w, err, currentOf(out))
			return
		}
		writeJSON(w, out)
	})

	mux.HandleFunc("POST /api/calls/{id}/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		out, err := reg.Heartbeat(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, err, nil)
			return
		}
		writeJSON(w, out)
	})

	mux.HandleFunc("GET /api/queue", func(w http.ResponseWriter, r *http.Request) {
		list, err := reg.List(r.Context(), registry.Filter{Statuses: []registry.Status{registry.StatusWaiting}})
		if err != nil {
			writeError(w, err, nil)
			return
		}
		out := d.Queue.Order(list)
		if out == nil {
			out = []registry.CallRequest{}
		}
		writeJSON(w, out)
	})
}

func registerVerification(mux *http.ServeMux, d Deps) {
	if d.Outcomes == nil {
		return
	}

	mux.HandleFunc("POST /api/verification/apply", func(w http.ResponseWriter, r *http.Request) {
		var dec outcome.Decision
		if !decodeBody(w, r, &dec) {
			return
		}
		if _, err := util.ValidateID("applicant", dec.ApplicantID); err != nil {
			badRequest(w, err.Error())
			return
		}
		if dec.CallID == "" || !dec.Outcome.Valid() {
			badRequest(w, "decision needs a call_id and an outcome of approved or rejected")
			return
		}
		if dec.CallCreatedAt.IsZero() {
			if req, err := d.Registry.Get(r.Context(), dec.CallID); err == nil {
				dec.CallCreatedAt = req.CreatedAt
			}
		}
		rec, err := d.Outcomes.Apply(r.Context(), dec)
		if err != nil {
			writeError(w, err, nil)
			return
		}
		writeJSON(w, rec)
	})

	mux.HandleFunc("GET /api/verification/{applicant}", func(w http.ResponseWriter, r *http.Request) {
		id, err := util.ValidateID("applicant", r.PathValue("applicant"))
		if err != nil {
			badRequest(w, err.Error())
			return
		}
		rec, err := d.Outcomes.Verification(r.Context(), id)
		if err != nil {
			writeError(w, err, nil)
			return
		}
		writeJSON(w, rec)
	})
}

func currentOf(r registry.CallRequest) *registry.CallRequest {
	if r.ID == "" {
		return nil
	}
	return &r
}
