package outcome

import (
	"context"
	"sync"
	"time"

	"github.com/petervdpas/kyccall/internal/registry"
)

// MemoryStore is an in-process ProfileStore.
type MemoryStore struct {
	mu        sync.Mutex
	records   map[string]VerificationRecord
	decisions map[string]Decision
	documents map[string]map[string]string // applicant -> document id -> status
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:   make(map[string]VerificationRecord),
		decisions: make(map[string]Decision),
		documents: make(map[string]map[string]string),
	}
}

// AddDocument registers a pending document.
func (m *MemoryStore) AddDocument(applicantID, docID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	docs := m.documents[applicantID]
	if docs == nil {
		docs = make(map[string]string)
		m.documents[applicantID] = docs
	}
	docs[docID] = DocumentPending
}

// DocumentStatus returns a document's review state, or "".
func (m *MemoryStore) DocumentStatus(applicantID, docID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.documents[applicantID][docID]
}

func (m *MemoryStore) RecordDecision(_ context.Context, d Decision, at time.Time) (VerificationRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.decisions[d.CallID]; ok {
		if prev.Outcome != d.Outcome {
			return VerificationRecord{}, false, ErrOutcomeConflict
		}
		return m.recordLocked(d.ApplicantID), false, nil
	}
	at = at.UTC().Truncate(time.Millisecond)
	if d.CallCreatedAt.IsZero() {
		d.CallCreatedAt = at
	}
	d.CallCreatedAt = d.CallCreatedAt.UTC().Truncate(time.Millisecond)
	m.decisions[d.CallID] = d

	if cur, ok := m.records[d.ApplicantID]; ok && cur.CallCreatedAt.After(d.CallCreatedAt) {
		return cur, false, nil
	}

	docStatus := DocumentRejected
	if d.Outcome == registry.OutcomeApproved {
		docStatus = DocumentApproved
	}
	resolved := 0
	for id, st := range m.documents[d.ApplicantID] {
		if st == DocumentPending {
			m.documents[d.ApplicantID][id] = docStatus
			resolved++
		}
	}
	rec := VerificationRecord{
		ApplicantID:       d.ApplicantID,
		Status:            StatusFor(d.Outcome),
		Outcome:           d.Outcome,
		CallID:            d.CallID,
		CallCreatedAt:     d.CallCreatedAt,
		Notes:             d.Notes,
		DecidedAt:         at,
		DocumentsResolved: resolved,
	}
	m.records[d.ApplicantID] = rec
	return rec, true, nil
}

func (m *MemoryStore) Verification(_ context.Context, applicantID string) (VerificationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recordLocked(applicantID), nil
}

func (m *MemoryStore) HasDecision(_ context.Context, callID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.decisions[callID]
	return ok, nil
}

func (m *MemoryStore) recordLocked(applicantID string) VerificationRecord {
	if rec, ok := m.records[applicantID]; ok {
		return rec
	}
	return VerificationRecord{ApplicantID: applicantID, Status: StatusUnverified}
}
