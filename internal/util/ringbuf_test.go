package util

import "testing"

func TestRingBufferOverwritesOldest(t *testing.T) {
	r := NewRingBuffer[int](3)
	for i := 1; i <= 5; i++ {
		r.Push(i)
	}
	got := r.Snapshot()
	want := []int{3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("snapshot[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestRingBufferTail(t *testing.T) {
	r := NewRingBuffer[string](4)
	r.Push("a")
	r.Push("b")
	r.Push("c")

	tail := r.Tail(2)
	if len(tail) != 2 || tail[0] != "b" || tail[1] != "c" {
		t.Fatalf("tail = %v, want [b c]", tail)
	}
	if all := r.Tail(10); len(all) != 3 {
		t.Fatalf("tail(10) len = %d, want 3", len(all))
	}
	if r.Len() != 3 {
		t.Fatalf("len = %d, want 3", r.Len())
	}
}

func TestValidateID(t *testing.T) {
	if id, err := ValidateID("applicant", "  user-42 "); err != nil || id != "user-42" {
		t.Fatalf("ValidateID = %q, %v", id, err)
	}
	for _, bad := range []string{"", "a b", "a/b", "x?y"} {
		if _, err := ValidateID("applicant", bad); err == nil {
			t.Fatalf("ValidateID(%q) accepted", bad)
		}
	}
}
