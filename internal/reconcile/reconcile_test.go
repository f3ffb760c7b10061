package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/petervdpas/kyccall/internal/notify"
	"github.com/petervdpas/kyccall/internal/outcome"
	"github.com/petervdpas/kyccall/internal/registry"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestSweepExpiresSilentRequests(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	reg := registry.New(registry.NewMemoryBackend(), registry.WithClock(clock.now))

	silent, err := reg.Create(ctx, "alice", registry.KindVideo)
	if err != nil {
		t.Fatal(err)
	}
	alive, err := reg.Create(ctx, "bob", registry.KindVideo)
	if err != nil {
		t.Fatal(err)
	}
	clock.advance(30 * time.Second)
	if _, err := reg.Heartbeat(ctx, alive.ID); err != nil {
		t.Fatal(err)
	}
	clock.advance(40 * time.Second)

	rc := New(reg, nil, time.Minute, WithClock(clock.now))
	res, err := rc.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Expired != 1 {
		t.Fatalf("expired %d, want 1", res.Expired)
	}
	got, _ := reg.Get(ctx, silent.ID)
	if got.Status != registry.StatusCancelled || got.EndReason != registry.ReasonHeartbeatTimeout {
		t.Fatalf("silent request = %+v", got)
	}
	got, _ = reg.Get(ctx, alive.ID)
	if got.Status != registry.StatusWaiting {
		t.Fatalf("live request = %+v", got)
	}

	res, err = rc.Sweep(ctx)
	if err != nil || res.Expired != 0 {
		t.Fatalf("second sweep: %+v, %v", res, err)
	}
}

func TestSweepReappliesLostVerdicts(t *testing.T) {
	ctx := context.Background()
	reg := registry.New(registry.NewMemoryBackend())
	store := outcome.NewMemoryStore()
	sent := &notify.Recorder{}
	w := outcome.NewWriter(store, sent, time.Second)

	req, err := reg.Create(ctx, "carol", registry.KindVideo)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Accept(ctx, req.ID, "rita", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Conclude(ctx, req.ID, registry.OutcomeApproved, "ok"); err != nil {
		t.Fatal(err)
	}

	rc := New(reg, w, time.Hour)
	res, err := rc.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Reapplied != 1 {
		t.Fatalf("reapplied %d, want 1", res.Reapplied)
	}
	v, _ := store.Verification(ctx, "carol")
	if v.Status != outcome.StatusVerified || v.CallID != req.ID {
		t.Fatalf("verification = %+v", v)
	}

	res, err = rc.Sweep(ctx)
	if err != nil || res.Reapplied != 0 {
		t.Fatalf("second sweep: %+v, %v", res, err)
	}
	if len(sent.Sent()) != 1 {
		t.Fatalf("notifications = %d", len(sent.Sent()))
	}
}

func decide(t *testing.T, reg *registry.Registry, applicant string, o registry.Outcome) registry.CallRequest {
	t.Helper()
	ctx := context.Background()
	req, err := reg.Create(ctx, applicant, registry.KindVideo)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Accept(ctx, req.ID, "rita", ""); err != nil {
		t.Fatal(err)
	}
	req, err = reg.Conclude(ctx, req.ID, o, "")
	if err != nil {
		t.Fatal(err)
	}
	return req
}

func TestSweepSkipsVerdictOfOlderCall(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	reg := registry.New(registry.NewMemoryBackend(), registry.WithClock(clock.now))
	store := outcome.NewMemoryStore()
	w := outcome.NewWriter(store, &notify.Recorder{}, time.Second)

	// The approval of the first call never reached the store.
	first := decide(t, reg, "dora", registry.OutcomeApproved)
	clock.advance(5 * time.Minute)
	retry := decide(t, reg, "dora", registry.OutcomeRejected)
	if _, err := w.Apply(ctx, outcome.Decision{
		ApplicantID:   "dora",
		CallID:        retry.ID,
		Outcome:       registry.OutcomeRejected,
		CallCreatedAt: retry.CreatedAt,
	}); err != nil {
		t.Fatal(err)
	}

	rc := New(reg, w, time.Hour, WithClock(clock.now))
	res, err := rc.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Reapplied != 0 || res.Superseded != 1 {
		t.Fatalf("sweep = %+v", res)
	}
	v, _ := store.Verification(ctx, "dora")
	if v.Status != outcome.StatusRejected || v.CallID != retry.ID {
		t.Fatalf("verification = %+v, want rejected by %s (not %s)", v, retry.ID, first.ID)
	}
}

type countingRegistry struct {
	*registry.Registry
	filters []registry.Filter
	listed  []int
}

func (c *countingRegistry) List(ctx context.Context, f registry.Filter) ([]registry.CallRequest, error) {
	out, err := c.Registry.List(ctx, f)
	c.filters = append(c.filters, f)
	c.listed = append(c.listed, len(out))
	return out, err
}

// last returns the filter and result size of the latest decided-call scan.
func (c *countingRegistry) last() (registry.Filter, int) {
	i := len(c.filters) - 1
	return c.filters[i], c.listed[i]
}

func TestSweepScansOnlyRecentDecisions(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{t: t0}
	reg := &countingRegistry{Registry: registry.New(registry.NewMemoryBackend(), registry.WithClock(clock.now))}
	w := outcome.NewWriter(outcome.NewMemoryStore(), &notify.Recorder{}, time.Second)
	decide(t, reg.Registry, "erin", registry.OutcomeApproved)

	rc := New(reg, w, time.Minute, WithClock(clock.now))
	res, err := rc.Sweep(ctx)
	if err != nil || res.Reapplied != 1 {
		t.Fatalf("first sweep: %+v, %v", res, err)
	}
	if f, n := reg.last(); !f.UpdatedSince.IsZero() || n != 1 {
		t.Fatalf("first scan since %s listed %d", f.UpdatedSince, n)
	}

	clock.advance(10 * time.Minute)
	if _, err := rc.Sweep(ctx); err != nil {
		t.Fatal(err)
	}
	if f, _ := reg.last(); !f.UpdatedSince.Equal(t0.Add(-time.Minute)) {
		t.Fatalf("second scan since %s", f.UpdatedSince)
	}

	clock.advance(10 * time.Minute)
	if _, err := rc.Sweep(ctx); err != nil {
		t.Fatal(err)
	}
	if f, n := reg.last(); n != 0 {
		t.Fatalf("third scan since %s listed %d, want 0", f.UpdatedSince, n)
	}
}

type flakyOutcomes struct {
	Outcomes
	failures int
}

func (f *flakyOutcomes) Apply(ctx context.Context, d outcome.Decision) (outcome.VerificationRecord, error) {
	if f.failures > 0 {
		f.failures--
		return outcome.VerificationRecord{}, errors.New("store offline")
	}
	return f.Outcomes.Apply(ctx, d)
}

func TestSweepRetriesFailedReapplyPastWatermark(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	reg := registry.New(registry.NewMemoryBackend(), registry.WithClock(clock.now))
	store := outcome.NewMemoryStore()
	out := &flakyOutcomes{Outcomes: outcome.NewWriter(store, &notify.Recorder{}, time.Second), failures: 2}
	req := decide(t, reg, "finn", registry.OutcomeApproved)

	rc := New(reg, out, time.Minute, WithClock(clock.now))
	for i := 0; i < 2; i++ {
		res, err := rc.Sweep(ctx)
		if err != nil || res.Reapplied != 0 {
			t.Fatalf("sweep %d: %+v, %v", i, res, err)
		}
		clock.advance(10 * time.Minute)
	}
	res, err := rc.Sweep(ctx)
	if err != nil || res.Reapplied != 1 {
		t.Fatalf("final sweep: %+v, %v", res, err)
	}
	v, _ := store.Verification(ctx, "finn")
	if v.Status != outcome.StatusVerified || v.CallID != req.ID {
		t.Fatalf("verification = %+v", v)
	}
}
