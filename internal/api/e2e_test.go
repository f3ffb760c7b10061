package api

import (
	"context"
	"testing"
	"time"

	"github.com/petervdpas/kyccall/internal/call"
	"github.com/petervdpas/kyccall/internal/kyc"
	"github.com/petervdpas/kyccall/internal/outcome"
	"github.com/petervdpas/kyccall/internal/registry"
	"github.com/petervdpas/kyccall/internal/signal"
)

func loopbackICE() call.ICEConfig {
	ice := call.DefaultICEConfig()
	ice.IncludeLoopback = true
	return ice
}

func runInBackground(t *testing.T, run func(context.Context) error) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

// TestCallOverHTTP runs both controllers as remote clients: registry and
// outcome calls go through Client, signaling through the websocket relay.
func TestCallOverHTTP(t *testing.T) {
	if testing.Short() {
		t.Skip("opens real peer connections")
	}
	ts := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	appClient := NewClient(ts.srv.URL)
	app, err := kyc.NewApplicant(kyc.ApplicantConfig{
		ApplicantID:       "hana",
		Registry:          appClient,
		Signal:            signal.NewWSChannel(ts.srv.URL),
		Device:            call.NewDevice(call.SyntheticSource{Label: "hana"}),
		ICE:               loopbackICE,
		HeartbeatInterval: time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	runInBackground(t, app.Run)

	revClient := NewClient(ts.srv.URL)
	rev, err := kyc.NewReviewer(kyc.ReviewerConfig{
		ReviewerID: "rita",
		Registry:   revClient,
		Signal:     signal.NewWSChannel(ts.srv.URL),
		Device:     call.NewDevice(call.SyntheticSource{Label: "rita"}),
		Writer:     revClient,
		ICE:        loopbackICE,
	})
	if err != nil {
		t.Fatal(err)
	}
	runInBackground(t, rev.Run)

	req, err := app.RequestCall(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for len(rev.Queue()) == 0 {
		if ctx.Err() != nil {
			t.Fatal("request never reached the reviewer queue")
		}
		time.Sleep(20 * time.Millisecond)
	}
	if won, err := rev.Accept(ctx, req.ID); err != nil || !won {
		t.Fatalf("accept: won=%v err=%v", won, err)
	}
	if err := app.WaitState(ctx, kyc.ApplicantConnected); err != nil {
		t.Fatalf("applicant stuck in %s", app.State())
	}
	if err := rev.WaitState(ctx, kyc.ReviewerConnected); err != nil {
		t.Fatalf("reviewer stuck in %s", rev.State())
	}

	rec, err := rev.Decide(ctx, registry.OutcomeRejected, "face not visible")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != outcome.StatusRejected {
		t.Fatalf("record %+v", rec)
	}
	if err := app.WaitState(ctx, kyc.ApplicantEnded); err != nil {
		t.Fatal(err)
	}
	cur, err := ts.reg.Get(ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if cur.Status != registry.StatusRejected || cur.ReviewerNotes != "face not visible" {
		t.Fatalf("registry entry %+v", cur)
	}
}
