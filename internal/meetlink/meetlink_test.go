package meetlink

import (
	"errors"
	"strings"
	"testing"
)

func TestLinkIsStableAndVerifiable(t *testing.T) {
	g, err := New("https://meet.example.org/kyc/", "s3cret")
	if err != nil {
		t.Fatal(err)
	}
	a := g.Link("call-1")
	if a != g.Link("call-1") {
		t.Fatal("link not stable for the same call")
	}
	if a == g.Link("call-2") {
		t.Fatal("different calls share a link")
	}
	if !strings.HasPrefix(a, "https://meet.example.org/kyc/room/") {
		t.Fatalf("link = %s", a)
	}
	room, err := g.Verify(a)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if room != g.Room("call-1") {
		t.Fatalf("room = %s", room)
	}
}

func TestVerifyRejectsForgery(t *testing.T) {
	g, _ := New("https://meet.example.org", "s3cret")
	other, _ := New("https://meet.example.org", "different")

	link := g.Link("call-1")
	if _, err := other.Verify(link); !errors.Is(err, ErrInvalidLink) {
		t.Fatalf("foreign signature accepted: %v", err)
	}
	tampered := strings.Replace(link, "sig=", "sig=00", 1)
	if _, err := g.Verify(tampered); !errors.Is(err, ErrInvalidLink) {
		t.Fatalf("tampered link accepted: %v", err)
	}
	if _, err := g.Verify("https://evil.example.org/room/x?sig=y"); !errors.Is(err, ErrInvalidLink) {
		t.Fatalf("foreign host accepted: %v", err)
	}
}

func TestNewValidates(t *testing.T) {
	if _, err := New("meet.example.org", "s"); err == nil {
		t.Fatal("relative base accepted")
	}
	if _, err := New("https://meet.example.org", ""); err == nil {
		t.Fatal("empty secret accepted")
	}
}
