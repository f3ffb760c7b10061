package registry

import (
	"sort"
	"sync"
	"time"
)

// Backend is the durable store behind a Registry.
//
// InsertCallRequest must fail with ErrRequestConflict when the applicant
// already has a request in one of OpenStatuses. SwapCallRequest replaces the
// stored record only if its current status equals expect, returning
// ErrStatusMismatch otherwise. It keeps the stored HeartbeatAt; only
// TouchCallRequest moves it.
type Backend interface {
	InsertCallRequest(r CallRequest) error
	GetCallRequest(id string) (CallRequest, error)
	ListCallRequests(f Filter) ([]CallRequest, error)
	SwapCallRequest(expect Status, next CallRequest) error
	TouchCallRequest(id string, at time.Time) error
}

// MemoryBackend keeps call requests in process memory.
type MemoryBackend struct {
	mu   sync.RWMutex
	rows map[string]CallRequest
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{rows: make(map[string]CallRequest)}
}

func (m *MemoryBackend) InsertCallRequest(r CallRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		if row.ApplicantID == r.ApplicantID && !row.Status.Terminal() {
			return ErrRequestConflict
		}
	}
	m.rows[r.ID] = r
	return nil
}

func (m *MemoryBackend) GetCallRequest(id string) (CallRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rows[id]
	if !ok {
		return CallRequest{}, ErrNotFound
	}
	return r, nil
}

func (m *MemoryBackend) ListCallRequests(f Filter) ([]CallRequest, error) {
	m.mu.RLock()
	out := make([]CallRequest, 0, len(m.rows))
	for _, r := range m.rows {
		if f.Match(r) {
			out = append(out, r)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryBackend) SwapCallRequest(expect Status, next CallRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rows[next.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != expect {
		return ErrStatusMismatch
	}
	next.HeartbeatAt = cur.HeartbeatAt
	m.rows[next.ID] = next
	return nil
}

func (m *MemoryBackend) TouchCallRequest(id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok {
		return ErrNotFound
	}
	r.HeartbeatAt = at
	m.rows[id] = r
	return nil
}
