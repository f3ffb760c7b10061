package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestEmailNotifierPostsRenderedHTML(t *testing.T) {
	var got emailRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/email/send" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := NewEmailNotifier(srv.URL+"/", "kyc@example.org")
	err := n.Notify(context.Background(), "alice", Message{
		Subject:  "Verification approved",
		Markdown: "# You're verified\n\nYour **identity** check passed.",
	})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if got.ToUser != "alice" || got.From != "kyc@example.org" {
		t.Fatalf("request = %+v", got)
	}
	if !strings.Contains(got.HTML, "<strong>identity</strong>") || strings.Contains(got.HTML, "\n\n") {
		t.Fatalf("html not rendered/minified: %q", got.HTML)
	}
}

func TestEmailNotifierSurfacesServiceErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "mailbox unavailable", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewEmailNotifier(srv.URL, "").Notify(context.Background(), "bob", Message{Subject: "x"})
	if err == nil || !strings.Contains(err.Error(), "mailbox unavailable") {
		t.Fatalf("err = %v", err)
	}
}
