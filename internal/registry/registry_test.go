package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func newTestRegistry() *Registry {
	return New(NewMemoryBackend())
}

func TestCreateRejectsSecondOpenRequest(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()

	first, err := r.Create(ctx, "alice", KindVideo)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if first.Status != StatusWaiting {
		t.Fatalf("status = %s, want waiting", first.Status)
	}
	if _, err := r.Create(ctx, "alice", KindVideo); !errors.Is(err, ErrRequestConflict) {
		t.Fatalf("second Create err = %v, want ErrRequestConflict", err)
	}

	// Once terminal, a retry creates a new record.
	if _, err := r.End(ctx, first.ID, ReasonApplicantCancelled); err != nil {
		t.Fatal(err)
	}
	second, err := r.Create(ctx, "alice", KindVideo)
	if err != nil {
		t.Fatalf("retry Create: %v", err)
	}
	if second.ID == first.ID {
		t.Fatal("retry reused the terminal record")
	}
}

func TestConcurrentAcceptHasOneWinner(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()
	req, err := r.Create(ctx, "alice", KindVideo)
	if err != nil {
		t.Fatal(err)
	}

	const reviewers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < reviewers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := r.Accept(ctx, req.ID, fmt.Sprintf("rev-%d", i), "")
			if err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
				return
			}
			if !errors.Is(err, ErrStatusMismatch) {
				t.Errorf("loser err = %v, want ErrStatusMismatch", err)
			}
		}(i)
	}
	wg.Wait()
	if winners != 1 {
		t.Fatalf("winners = %d, want 1", winners)
	}
}

func TestStatusGraph(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()
	req, _ := r.Create(ctx, "alice", KindVideo)

	if _, err := r.Advance(ctx, req.ID, StatusConnected); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("waiting -> connected err = %v", err)
	}
	if _, err := r.Conclude(ctx, req.ID, OutcomeApproved, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("conclude on waiting err = %v", err)
	}
	if _, err := r.Accept(ctx, req.ID, "rev", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Advance(ctx, req.ID, StatusConnected); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Advance(ctx, req.ID, StatusConnected); err != nil {
		t.Fatalf("repeat advance should be a no-op: %v", err)
	}

	done, err := r.Conclude(ctx, req.ID, OutcomeRejected, "blurry document")
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != StatusRejected || done.Outcome != OutcomeRejected {
		t.Fatalf("concluded = %+v", done)
	}
	again, err := r.Conclude(ctx, req.ID, OutcomeRejected, "blurry document")
	if err != nil || again.Status != StatusRejected {
		t.Fatalf("idempotent conclude = %+v, %v", again, err)
	}
	if _, err := r.Conclude(ctx, req.ID, OutcomeApproved, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("flip outcome err = %v", err)
	}

	// Ending a terminal request leaves it unchanged.
	ended, err := r.End(ctx, req.ID, ReasonReviewerEnded)
	if err != nil {
		t.Fatal(err)
	}
	if ended.Status != StatusRejected || ended.EndReason != "" {
		t.Fatalf("terminal request was modified: %+v", ended)
	}
}

func TestWatchSeesQueueDepartures(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()
	ch, cancel := r.Watch(Filter{Statuses: []Status{StatusWaiting}})
	defer cancel()

	a, _ := r.Create(ctx, "alice", KindVideo)
	b, _ := r.Create(ctx, "bob", KindVideo)
	if _, err := r.Accept(ctx, a.ID, "rev", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := r.End(ctx, b.ID, ReasonApplicantCancelled); err != nil {
		t.Fatal(err)
	}

	want := []struct {
		id     string
		status Status
	}{
		{a.ID, StatusWaiting},
		{b.ID, StatusWaiting},
		{a.ID, StatusAccepted},
		{b.ID, StatusCancelled},
	}
	for i, w := range want {
		select {
		case c := <-ch:
			if c.Request.ID != w.id || c.Request.Status != w.status {
				t.Fatalf("change %d = %s/%s, want %s/%s", i, c.Request.ID, c.Request.Status, w.id, w.status)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for change %d", i)
		}
	}
}

func TestWatchIsLosslessForSlowReaders(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()
	ch, cancel := r.Watch(Filter{})

	const n = 200
	for i := 0; i < n; i++ {
		if _, err := r.Create(ctx, fmt.Sprintf("user-%d", i), KindVideo); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < n; i++ {
		select {
		case c := <-ch:
			if c.Request.ApplicantID != fmt.Sprintf("user-%d", i) {
				t.Fatalf("change %d out of order: %s", i, c.Request.ApplicantID)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("lost change %d", i)
		}
	}
	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("channel still open after cancel")
	}
}

func TestStatusSequenceIsMonotonic(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()
	ch, cancel := r.Watch(Filter{})
	defer cancel()

	req, _ := r.Create(ctx, "alice", KindVideo)
	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); r.Accept(ctx, req.ID, "rev", "") }()
	go func() { defer wg.Done(); r.End(ctx, req.ID, ReasonApplicantCancelled) }()
	go func() { defer wg.Done(); r.Advance(ctx, req.ID, StatusConnected) }()
	wg.Wait()

	final, _ := r.Get(ctx, req.ID)
	prev := StatusWaiting
	for {
		c := <-ch
		if c.Previous != nil && !CanTransition(c.Previous.Status, c.Request.Status) {
			t.Fatalf("illegal transition %s -> %s", c.Previous.Status, c.Request.Status)
		}
		if c.Previous != nil && c.Previous.Status != prev {
			t.Fatalf("gap: previous %s, last seen %s", c.Previous.Status, prev)
		}
		prev = c.Request.Status
		if c.Request.Status == final.Status && c.Request.UpdatedAt.Equal(final.UpdatedAt) {
			break
		}
	}
	if !prev.Terminal() && prev != StatusConnected && prev != StatusAccepted {
		t.Fatalf("unexpected final status %s", prev)
	}
}

func TestSwapKeepsNewerHeartbeat(t *testing.T) {
	b := NewMemoryBackend()
	now := time.Now()
	r := CallRequest{ID: "c1", ApplicantID: "a", Status: StatusWaiting, CreatedAt: now, UpdatedAt: now, HeartbeatAt: now}
	if err := b.InsertCallRequest(r); err != nil {
		t.Fatal(err)
	}
	stale, _ := b.GetCallRequest("c1")
	beat := now.Add(5 * time.Second)
	if err := b.TouchCallRequest("c1", beat); err != nil {
		t.Fatal(err)
	}
	next := stale
	next.Status = StatusAccepted
	if err := b.SwapCallRequest(StatusWaiting, next); err != nil {
		t.Fatal(err)
	}
	got, _ := b.GetCallRequest("c1")
	if got.Status != StatusAccepted || !got.HeartbeatAt.Equal(beat) {
		t.Fatalf("after swap = %+v", got)
	}
}

func TestFilterUpdatedSince(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	tick := 0
	r := New(NewMemoryBackend(), WithClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}))
	old, _ := r.Create(ctx, "alice", KindVideo)
	fresh, _ := r.Create(ctx, "bob", KindVideo)

	got, err := r.List(ctx, Filter{UpdatedSince: fresh.UpdatedAt})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != fresh.ID {
		t.Fatalf("updated since = %+v", got)
	}
	if _, err := r.End(ctx, old.ID, ReasonApplicantCancelled); err != nil {
		t.Fatal(err)
	}
	got, _ = r.List(ctx, Filter{UpdatedSince: fresh.UpdatedAt})
	if len(got) != 2 {
		t.Fatalf("ended request not listed as updated: %+v", got)
	}
}
