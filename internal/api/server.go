// Package api exposes the call registry, the verification outcome writer and
// the signaling relay over HTTP, and provides a Client that lets applicant
// and reviewer processes drive their calls against a remote server.
package api

import (
	"net/http"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/kyccall/internal/kyc"
	"github.com/petervdpas/kyccall/internal/outcome"
	"github.com/petervdpas/kyccall/internal/registry"
	"github.com/petervdpas/kyccall/internal/signal"
)

var log = logging.Logger("api")

type Deps struct {
	Registry *registry.Registry
	Outcomes *outcome.Writer
	// Queue orders GET /api/queue. Defaults to oldest first.
	Queue    kyc.Prioritizer
	External *kyc.ExternalReview
	Relay    *signal.Relay
	Events   *EventLog
}

// NewHandler builds the HTTP surface.
//
//	POST /api/calls                      create a waiting request
//	GET  /api/calls                      list, filtered by status/applicant_id/reviewer_id
//	GET  /api/calls/events               SSE change feed, same filters
//	GET  /api/calls/{id}
//	POST /api/calls/{id}/accept          claim; 409 when someone else won
//	POST /api/calls/{id}/advance
//	POST /api/calls/{id}/end
//	POST /api/calls/{id}/conclude
//	POST /api/calls/{id}/heartbeat
//	GET  /api/queue                      waiting requests in review order
//	POST /api/verification/apply
//	GET  /api/verification/{applicant}
//	GET  /api/debug/events               recent registry changes
//	GET  /ws/signal/{callID}?role=       signaling relay
func NewHandler(d Deps) http.Handler {
	if d.Queue == nil {
		d.Queue = kyc.FIFO{}
	}
	mux := http.NewServeMux()
	registerCalls(mux, d)
	registerVerification(mux, d)
	if d.Events != nil {
		mux.HandleFunc("GET /api/debug/events", d.Events.ServeJSON)
	}
	if d.Relay != nil {
		mux.Handle(signal.RelayPath, d.Relay)
	}
	return logRequests(noCache(mux))
}

// noCache disables caching; every response reflects live registry state.
func noCache(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Expires", "0")
		next.ServeHTTP(w, r)
	})
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debugf("API: %s %s (%s)", r.Method, r.URL.Path, time.Since(start).Round(time.Microsecond))
	})
}
