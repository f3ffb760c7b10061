package signal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestRelayBridgesWebsocketClients(t *testing.T) {
	hub := NewHub()
	mux := http.NewServeMux()
	mux.Handle(RelayPath, NewRelay(hub))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rev := NewWSChannel(srv.URL)
	app := NewWSChannel(srv.URL)
	revFn, revIn := sink()
	appFn, appIn := sink()

	if _, err := rev.Join(ctx, "call-9", RoleReviewer, revFn); err != nil {
		t.Fatalf("reviewer join: %v", err)
	}
	if _, err := app.Join(ctx, "call-9", RoleApplicant, appFn); err != nil {
		t.Fatalf("applicant join: %v", err)
	}
	if hub.Subscribers("call-9") != 2 {
		t.Fatalf("hub subscribers = %d", hub.Subscribers("call-9"))
	}

	if err := rev.Send(ctx, "call-9", Offer{SDP: "v=0"}); err != nil {
		t.Fatal(err)
	}
	m := recv(t, appIn)
	if o, ok := m.Payload.(Offer); !ok || o.SDP != "v=0" || m.SenderRole != RoleReviewer {
		t.Fatalf("applicant got %+v", m)
	}

	if err := app.Send(ctx, "call-9", Answer{SDP: "v=0 a"}); err != nil {
		t.Fatal(err)
	}
	if _, ok := recv(t, revIn).Payload.(Answer); !ok {
		t.Fatal("reviewer did not get the answer")
	}

	app.Leave("call-9")
	rev.Leave("call-9")
	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers("call-9") != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("relay kept %d subscribers", hub.Subscribers("call-9"))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRelayRejectsBadRole(t *testing.T) {
	srv := httptest.NewServer(NewRelay(NewHub()))
	defer srv.Close()
	resp, err := http.Get(srv.URL + RelayPath + "call?role=observer")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestRelayAdmitsOneApplicantAndOneReviewer(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(NewRelay(hub))
	defer srv.Close()
	base := "ws" + strings.TrimPrefix(srv.URL, "http") + RelayPath + "call-3?role="

	dial := func(role Role) (*websocket.Conn, int) {
		t.Helper()
		conn, resp, err := websocket.DefaultDialer.Dial(base+string(role), nil)
		if err != nil {
			if resp == nil {
				t.Fatalf("dial %s: %v", role, err)
			}
			return nil, resp.StatusCode
		}
		return conn, resp.StatusCode
	}

	app, _ := dial(RoleApplicant)
	defer app.Close()
	if _, code := dial(RoleApplicant); code != http.StatusConflict {
		t.Fatalf("second applicant status = %d", code)
	}
	rev, _ := dial(RoleReviewer)
	defer rev.Close()
	if _, code := dial(RoleReviewer); code != http.StatusConflict {
		t.Fatalf("third participant status = %d", code)
	}
	if n := hub.Subscribers("call-3"); n != 2 {
		t.Fatalf("hub subscribers = %d", n)
	}
}
