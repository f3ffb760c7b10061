package lua

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/petervdpas/kyccall/internal/registry"
)

func queue() []registry.CallRequest {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var out []registry.CallRequest
	for i, id := range []string{"anna", "vip", "ben"} {
		out = append(out, registry.CallRequest{
			ID:          "call-" + id,
			ApplicantID: id,
			Kind:        registry.KindVideo,
			Status:      registry.StatusWaiting,
			CreatedAt:   base.Add(time.Duration(i) * time.Minute),
		})
	}
	return out
}

func ids(reqs []registry.CallRequest) []string {
	var out []string
	for _, r := range reqs {
		out = append(out, r.ApplicantID)
	}
	return out
}

func same(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func newPrioritizer(t *testing.T, script string, timeout time.Duration) (*Prioritizer, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "priority.lua")
	if script != "" {
		if err := os.WriteFile(path, []byte(script), 0644); err != nil {
			t.Fatal(err)
		}
	}
	p, err := NewPrioritizer(path, timeout)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { p.Close() })
	return p, path
}

func TestScriptOrdersQueue(t *testing.T) {
	p, _ := newPrioritizer(t, `
function priority(req)
  if req.applicant_id == "vip" then return 10 end
  return 0
end`, time.Second)

	got := ids(p.Order(queue()))
	if want := []string{"vip", "anna", "ben"}; !same(got, want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
}

func TestNoScriptKeepsAge(t *testing.T) {
	p, _ := newPrioritizer(t, "", time.Second)
	if p.Loaded() {
		t.Fatal("no script on disk but one is loaded")
	}
	if got := ids(p.Order(queue())); !same(got, []string{"anna", "vip", "ben"}) {
		t.Fatalf("order = %v", got)
	}
}

func TestRunawayScriptFallsBack(t *testing.T) {
	p, _ := newPrioritizer(t, `function priority(req) while true do end end`, 20*time.Millisecond)
	start := time.Now()
	got := ids(p.Order(queue()))
	if !same(got, []string{"anna", "vip", "ben"}) {
		t.Fatalf("order = %v", got)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("script was not stopped at its timeout")
	}
}

func TestErrorsScoreZero(t *testing.T) {
	p, _ := newPrioritizer(t, `
function priority(req)
  if req.applicant_id == "anna" then error("boom") end
  if req.applicant_id == "ben" then return 5 end
  return "not a number"
end`, time.Second)
	if got := ids(p.Order(queue())); !same(got, []string{"ben", "anna", "vip"}) {
		t.Fatalf("order = %v", got)
	}
}

func TestSandboxHasNoOSAccess(t *testing.T) {
	p, _ := newPrioritizer(t, `
function priority(req)
  if os == nil and io == nil and require == nil and req.applicant_id == "ben" then
    return 1
  end
  return 0
end`, time.Second)
	if got := ids(p.Order(queue())); !same(got, []string{"ben", "anna", "vip"}) {
		t.Fatalf("order = %v", got)
	}
}

func TestScriptHotReload(t *testing.T) {
	p, path := newPrioritizer(t, "", time.Second)
	// Written aside and renamed in so the watcher never sees a half-written file.
	tmp := filepath.Join(filepath.Dir(path), "priority.tmp")
	if err := os.WriteFile(tmp, []byte(`function priority(req) return req.created_at end`), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for !p.Loaded() {
		if time.Now().After(deadline) {
			t.Fatal("script was not picked up")
		}
		time.Sleep(20 * time.Millisecond)
	}
	if got := ids(p.Order(queue())); !same(got, []string{"ben", "vip", "anna"}) {
		t.Fatalf("order = %v", got)
	}

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	for p.Loaded() {
		if time.Now().After(deadline) {
			t.Fatal("removed script still loaded")
		}
		time.Sleep(20 * time.Millisecond)
	}
}
