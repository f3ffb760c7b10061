package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/petervdpas/kyccall/internal/kyc"
	"github.com/petervdpas/kyccall/internal/meetlink"
	"github.com/petervdpas/kyccall/internal/notify"
	"github.com/petervdpas/kyccall/internal/outcome"
	"github.com/petervdpas/kyccall/internal/registry"
	"github.com/petervdpas/kyccall/internal/signal"
)

type testServer struct {
	srv    *httptest.Server
	reg    *registry.Registry
	store  *outcome.MemoryStore
	events *EventLog
}

func newTestServer(t *testing.T, wrap ...func(http.Handler) http.Handler) *testServer {
	t.Helper()
	reg := registry.New(registry.NewMemoryBackend())
	store := outcome.NewMemoryStore()
	writer := outcome.NewWriter(store, &notify.Recorder{}, time.Second)
	links, err := meetlink.New("https://meet.example.org", "test-secret")
	if err != nil {
		t.Fatal(err)
	}
	events := NewEventLog(16)
	ctx, cancel := context.WithCancel(context.Background())
	events.Follow(ctx, reg)

	var h http.Handler = NewHandler(Deps{
		Registry: reg,
		Outcomes: writer,
		External: &kyc.ExternalReview{Registry: reg, Writer: writer, Links: links},
		Relay:    signal.NewRelay(signal.NewHub()),
		Events:   events,
	})
	for _, w := range wrap {
		h = w(h)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		cancel()
		srv.CloseClientConnections()
		srv.Close()
	})
	return &testServer{srv: srv, reg: reg, store: store, events: events}
}

func TestClientDrivesRegistry(t *testing.T) {
	ts := newTestServer(t)
	c := NewClient(ts.srv.URL)
	ctx := context.Background()

	req, err := c.Create(ctx, "alice", registry.KindVideo)
	if err != nil {
		t.Fatal(err)
	}
	if req.Status != registry.StatusWaiting || req.ApplicantID != "alice" {
		t.Fatalf("created %+v", req)
	}
	if _, err := c.Create(ctx, "alice", registry.KindVideo); !errors.Is(err, registry.ErrRequestConflict) {
		t.Fatalf("second create: %v", err)
	}

	waiting, err := c.List(ctx, registry.Filter{Statuses: []registry.Status{registry.StatusWaiting}})
	if err != nil || len(waiting) != 1 || waiting[0].ID != req.ID {
		t.Fatalf("list: %+v, %v", waiting, err)
	}

	if _, err := c.Accept(ctx, req.ID, "rita", ""); err != nil {
		t.Fatal(err)
	}
	cur, err := c.Accept(ctx, req.ID, "ravi", "")
	if !errors.Is(err, registry.ErrStatusMismatch) {
		t.Fatalf("losing accept: %v", err)
	}
	if cur.ReviewerID != "rita" {
		t.Fatalf("conflict should report the winner, got %+v", cur)
	}

	if _, err := c.Advance(ctx, req.ID, registry.StatusConnected); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Heartbeat(ctx, req.ID); err != nil {
		t.Fatal(err)
	}
	done, err := c.Conclude(ctx, req.ID, registry.OutcomeApproved, "fine")
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != registry.StatusCompleted {
		t.Fatalf("concluded %+v", done)
	}
	if _, err := c.Conclude(ctx, req.ID, registry.OutcomeRejected, ""); !errors.Is(err, registry.ErrInvalidTransition) {
		t.Fatalf("second verdict: %v", err)
	}

	rec, err := c.Apply(ctx, outcome.Decision{ApplicantID: "alice", CallID: req.ID, Outcome: registry.OutcomeApproved})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != outcome.StatusVerified {
		t.Fatalf("record %+v", rec)
	}
	if _, err := c.Apply(ctx, outcome.Decision{ApplicantID: "alice", CallID: req.ID, Outcome: registry.OutcomeRejected}); !errors.Is(err, outcome.ErrOutcomeConflict) {
		t.Fatalf("conflicting apply: %v", err)
	}
	v, err := c.Verification(ctx, "alice")
	if err != nil || v.Status != outcome.StatusVerified {
		t.Fatalf("verification %+v, %v", v, err)
	}

	if _, err := c.Get(ctx, "nope"); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("unknown id: %v", err)
	}
}

func TestClientWatchFollowsChanges(t *testing.T) {
	ts := newTestServer(t)
	c := NewClient(ts.srv.URL)
	ctx := context.Background()

	ch, cancel := c.Watch(registry.Filter{ApplicantID: "bob"})
	req, err := c.Create(ctx, "bob", registry.KindVideo)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Create(ctx, "carol", registry.KindVideo); err != nil {
		t.Fatal(err)
	}
	if _, err := c.End(ctx, req.ID, registry.ReasonApplicantCancelled); err != nil {
		t.Fatal(err)
	}

	next := func() registry.Change {
		t.Helper()
		select {
		case c := <-ch:
			return c
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for change")
			return registry.Change{}
		}
	}
	first := next()
	if first.Request.ID != req.ID || first.Previous != nil {
		t.Fatalf("first change %+v", first)
	}
	second := next()
	if second.Request.Status != registry.StatusCancelled || second.Previous == nil || second.Previous.Status != registry.StatusWaiting {
		t.Fatalf("second change %+v", second)
	}

	cancel()
	for range ch {
	}
}

// feedGate lets a test cut the first change feed and hold back the
// client's reconnect.
type feedGate struct {
	mu      sync.Mutex
	streams int
	drop    context.CancelFunc
	hold    chan struct{}
}

func (g *feedGate) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/calls/events" {
			next.ServeHTTP(w, r)
			return
		}
		g.mu.Lock()
		g.streams++
		n := g.streams
		ctx, cancel := context.WithCancel(r.Context())
		if n == 1 {
			g.drop = cancel
		}
		g.mu.Unlock()
		defer cancel()
		if n > 1 {
			select {
			case <-g.hold:
			case <-r.Context().Done():
				return
			}
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (g *feedGate) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.streams
}

func TestClientWatchResyncsAfterReconnect(t *testing.T) {
	gate := &feedGate{hold: make(chan struct{})}
	ts := newTestServer(t, gate.wrap)
	c := NewClient(ts.srv.URL)
	ctx := context.Background()

	ch, cancel := c.Watch(registry.Filter{ApplicantID: "nina"})
	defer func() {
		cancel()
		for range ch {
		}
	}()
	next := func() registry.Change {
		t.Helper()
		select {
		case c := <-ch:
			return c
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for change")
			return registry.Change{}
		}
	}

	req, err := c.Create(ctx, "nina", registry.KindVideo)
	if err != nil {
		t.Fatal(err)
	}
	if got := next(); got.Request.ID != req.ID {
		t.Fatalf("live change %+v", got)
	}

	gate.mu.Lock()
	gate.drop()
	gate.mu.Unlock()
	deadline := time.Now().Add(5 * time.Second)
	for gate.count() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("client never reconnected")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Committed while no feed is attached.
	if _, err := ts.reg.End(ctx, req.ID, registry.ReasonApplicantCancelled); err != nil {
		t.Fatal(err)
	}
	close(gate.hold)

	got := next()
	if got.Request.ID != req.ID || got.Request.Status != registry.StatusCancelled || got.Previous != nil {
		t.Fatalf("change after reconnect %+v", got)
	}
}

func TestExternalAcceptCarriesLink(t *testing.T) {
	ts := newTestServer(t)
	c := NewClient(ts.srv.URL)
	ctx := context.Background()

	req, err := c.Create(ctx, "dora", registry.KindExternal)
	if err != nil {
		t.Fatal(err)
	}
	got, err := c.AcceptExternal(ctx, req.ID, "rita")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(got.ExternalJoinLink, "https://meet.example.org/room/") {
		t.Fatalf("link %q", got.ExternalJoinLink)
	}

	video, err := c.Create(ctx, "ed", registry.KindVideo)
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.AcceptExternal(ctx, video.ID, "rita")
	var ae *apiError
	if !errors.As(err, &ae) || ae.status != http.StatusBadRequest {
		t.Fatalf("external accept of a video call: %v", err)
	}
}

func TestBadRequests(t *testing.T) {
	ts := newTestServer(t)
	for _, tc := range []struct {
		name, method, path, body string
		want                     int
	}{
		{"empty applicant", http.MethodPost, "/api/calls", `{"applicant_id":" "}`, http.StatusBadRequest},
		{"unknown kind", http.MethodPost, "/api/calls", `{"applicant_id":"a","kind":"carrier-pigeon"}`, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/api/calls", `{"applicant_id":"a","vip":true}`, http.StatusBadRequest},
		{"bad status filter", http.MethodGet, "/api/calls?status=lost", "", http.StatusBadRequest},
		{"bad updated_since", http.MethodGet, "/api/calls?updated_since=yesterday", "", http.StatusBadRequest},
		{"bad outcome", http.MethodPost, "/api/calls/x/conclude", `{"outcome":"maybe"}`, http.StatusBadRequest},
		{"unknown call", http.MethodPost, "/api/calls/x/heartbeat", "", http.StatusNotFound},
		{"wrong method", http.MethodDelete, "/api/calls", "", http.StatusMethodNotAllowed},
	} {
		t.Run(tc.name, func(t *testing.T) {
			req, err := http.NewRequest(tc.method, ts.srv.URL+tc.path, strings.NewReader(tc.body))
			if err != nil {
				t.Fatal(err)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tc.want {
				t.Fatalf("status %d, want %d", resp.StatusCode, tc.want)
			}
		})
	}
}

func TestDebugEventsAndQueue(t *testing.T) {
	ts := newTestServer(t)
	c := NewClient(ts.srv.URL)
	ctx := context.Background()

	a, err := c.Create(ctx, "fay", registry.KindVideo)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Create(ctx, "gus", registry.KindVideo); err != nil {
		t.Fatal(err)
	}
	if _, err := c.End(ctx, a.ID, registry.ReasonApplicantCancelled); err != nil {
		t.Fatal(err)
	}

	q, err := c.Queue(ctx)
	if err != nil || len(q) != 1 || q[0].ApplicantID != "gus" {
		t.Fatalf("queue %+v, %v", q, err)
	}

	deadline := time.Now().Add(5 * time.Second)
	var events []Event
	for len(events) < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("debug log has %d events, want 3", len(events))
		}
		resp, err := http.Get(ts.srv.URL + "/api/debug/events")
		if err != nil {
			t.Fatal(err)
		}
		events = nil
		err = json.NewDecoder(resp.Body).Decode(&events)
		resp.Body.Close()
		if err != nil {
			t.Fatal(err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	last := events[len(events)-1]
	if last.CallID != a.ID || last.From != registry.StatusWaiting || last.To != registry.StatusCancelled {
		t.Fatalf("last event %+v", last)
	}
}
