package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/petervdpas/kyccall/internal/registry"
	"github.com/petervdpas/kyccall/internal/util"
)

// Event is one registry change as kept in the debug log.
type Event struct {
	TS          time.Time       `json:"ts"`
	CallID      string          `json:"call_id"`
	ApplicantID string          `json:"applicant_id"`
	From        registry.Status `json:"from,omitempty"`
	To          registry.Status `json:"to"`
	Reason      string          `json:"reason,omitempty"`
	Outcome     string          `json:"outcome,omitempty"`
}

// EventLog keeps the most recent registry changes in memory.
type EventLog struct {
	entries *util.RingBuffer[Event]
	now     func() time.Time
}

func NewEventLog(max int) *EventLog {
	if max <= 0 {
		max = 500
	}
	return &EventLog{entries: util.NewRingBuffer[Event](max), now: time.Now}
}

func (l *EventLog) Record(c registry.Change) {
	e := Event{
		TS:          l.now().UTC(),
		CallID:      c.Request.ID,
		ApplicantID: c.Request.ApplicantID,
		To:          c.Request.Status,
		Reason:      c.Request.EndReason,
		Outcome:     string(c.Request.Outcome),
	}
	if c.Previous != nil {
		e.From = c.Previous.Status
	}
	l.entries.Push(e)
}

// Follow records every change of reg until ctx is done. The subscription
// is in place when Follow returns.
func (l *EventLog) Follow(ctx context.Context, reg *registry.Registry) {
	ch, cancel := reg.Watch(registry.Filter{})
	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case c, ok := <-ch:
				if !ok {
					return
				}
				l.Record(c)
			}
		}
	}()
}

// Recent returns the newest n events, oldest first. n < 0 returns all.
func (l *EventLog) Recent(n int) []Event {
	return l.entries.Tail(n)
}

// GET /api/debug/events?n=
func (l *EventLog) ServeJSON(w http.ResponseWriter, r *http.Request) {
	n := -1
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			badRequest(w, "n must be a non-negative integer")
			return
		}
		n = parsed
	}
	writeJSON(w, l.Recent(n))
}
