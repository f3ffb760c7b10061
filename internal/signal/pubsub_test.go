package signal

import (
	"context"
	"testing"
	"time"
)

func TestPubSubChannelBetweenTwoNodes(t *testing.T) {
	if testing.Short() {
		t.Skip("starts two libp2p hosts")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	a, err := NewPubSubNode(ctx, "/ip4/127.0.0.1/tcp/0", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := NewPubSubNode(ctx, "/ip4/127.0.0.1/tcp/0", a.Addrs())
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	rev := NewPubSubChannel(a)
	app := NewPubSubChannel(b)
	revFn, revIn := sink()
	appFn, appIn := sink()
	if _, err := rev.Join(ctx, "call-p2p", RoleReviewer, revFn); err != nil {
		t.Fatal(err)
	}
	if _, err := app.Join(ctx, "call-p2p", RoleApplicant, appFn); err != nil {
		t.Fatal(err)
	}

	for len(rev.Peers("call-p2p")) == 0 || len(app.Peers("call-p2p")) == 0 {
		select {
		case <-ctx.Done():
			t.Fatal("peers never saw each other's subscription")
		case <-time.After(50 * time.Millisecond):
		}
	}

	if err := rev.Send(ctx, "call-p2p", Control{Action: ActionReviewerJoined}); err != nil {
		t.Fatal(err)
	}
	select {
	case m := <-appIn:
		if c, ok := m.Payload.(Control); !ok || c.Action != ActionReviewerJoined {
			t.Fatalf("got %+v", m)
		}
	case <-ctx.Done():
		t.Fatal("applicant never received the announcement")
	}
	expectNone(t, revIn)

	rev.Leave("call-p2p")
	app.Leave("call-p2p")
	if len(rev.Joined())+len(app.Joined()) != 0 {
		t.Fatal("handles left joined")
	}
}
