package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/petervdpas/kyccall/internal/outcome"
	"github.com/petervdpas/kyccall/internal/registry"
)

// Document is an applicant document awaiting or past review.
type Document struct {
	ID          string
	ApplicantID string
	Kind        string
	Status      string
	CallID      string
	UpdatedAt   time.Time
}

// AddDocument registers a pending document for an applicant.
func (d *DB) AddDocument(doc Document) error {
	if doc.Status == "" {
		doc.Status = outcome.DocumentPending
	}
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = time.Now()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`INSERT INTO documents (id, applicant_id, kind, status, call_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind       = excluded.kind,
			status     = excluded.status,
			updated_at = excluded.updated_at`,
		doc.ID, doc.ApplicantID, doc.Kind, doc.Status, doc.CallID, toMillis(doc.UpdatedAt))
	return err
}

// ListDocuments returns an applicant's documents in id order.
func (d *DB) ListDocuments(applicantID string) ([]Document, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`SELECT id, applicant_id, kind, status, call_id, updated_at
		FROM documents WHERE applicant_id = ? ORDER BY id`, applicantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var docs []Document
	for rows.Next() {
		var doc Document
		var updated int64
		if err := rows.Scan(&doc.ID, &doc.ApplicantID, &doc.Kind, &doc.Status, &doc.CallID, &updated); err != nil {
			return nil, err
		}
		doc.UpdatedAt = fromMillis(updated)
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// RecordDecision applies a verdict in one transaction: the decision log,
// the applicant's verification row and every pending document. A verdict
// for a call older than the recorded one is only logged.
func (d *DB) RecordDecision(ctx context.Context, dec outcome.Decision, at time.Time) (outcome.VerificationRecord, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return outcome.VerificationRecord{}, false, err
	}
	defer tx.Rollback()

	var prev string
	err = tx.QueryRowContext(ctx, `SELECT outcome FROM verification_decisions WHERE call_id = ?`, dec.CallID).Scan(&prev)
	switch {
	case err == nil:
		if registry.Outcome(prev) != dec.Outcome {
			return outcome.VerificationRecord{}, false, outcome.ErrOutcomeConflict
		}
		rec, err := getVerification(ctx, tx, dec.ApplicantID)
		return rec, false, err
	case !errors.Is(err, sql.ErrNoRows):
		return outcome.VerificationRecord{}, false, err
	}

	ms := toMillis(at)
	if _, err := tx.ExecContext(ctx, `INSERT INTO verification_decisions
		(call_id, applicant_id, outcome, notes, decided_at) VALUES (?, ?, ?, ?, ?)`,
		dec.CallID, dec.ApplicantID, string(dec.Outcome), dec.Notes, ms); err != nil {
		return outcome.VerificationRecord{}, false, err
	}

	created := toMillis(dec.CallCreatedAt)
	if dec.CallCreatedAt.IsZero() {
		err := tx.QueryRowContext(ctx, `SELECT created_at FROM call_requests WHERE id = ?`, dec.CallID).Scan(&created)
		if errors.Is(err, sql.ErrNoRows) {
			created = ms
		} else if err != nil {
			return outcome.VerificationRecord{}, false, err
		}
	}

	// Only a call at least as new as the recorded one may change the verdict.
	var current int64
	err = tx.QueryRowContext(ctx, `SELECT call_created_at FROM verification WHERE applicant_id = ?`, dec.ApplicantID).Scan(&current)
	switch {
	case err == nil && current > created:
		rec, err := getVerification(ctx, tx, dec.ApplicantID)
		if err != nil {
			return outcome.VerificationRecord{}, false, err
		}
		if err := tx.Commit(); err != nil {
			return outcome.VerificationRecord{}, false, err
		}
		return rec, false, nil
	case err != nil && !errors.Is(err, sql.ErrNoRows):
		return outcome.VerificationRecord{}, false, err
	}

	docStatus := outcome.DocumentRejected
	if dec.Outcome == registry.OutcomeApproved {
		docStatus = outcome.DocumentApproved
	}
	res, err := tx.ExecContext(ctx, `UPDATE documents SET status = ?, call_id = ?, updated_at = ?
		WHERE applicant_id = ? AND status = ?`,
		docStatus, dec.CallID, ms, dec.ApplicantID, outcome.DocumentPending)
	if err != nil {
		return outcome.VerificationRecord{}, false, err
	}
	resolved, _ := res.RowsAffected()

	if _, err := tx.ExecContext(ctx, `INSERT INTO verification
			(applicant_id, status, outcome, call_id, call_created_at, notes, decided_at, documents_resolved)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(applicant_id) DO UPDATE SET
			status             = excluded.status,
			outcome            = excluded.outcome,
			call_id            = excluded.call_id,
			call_created_at    = excluded.call_created_at,
			notes              = excluded.notes,
			decided_at         = excluded.decided_at,
			documents_resolved = excluded.documents_resolved`,
		dec.ApplicantID, string(outcome.StatusFor(dec.Outcome)), string(dec.Outcome),
		dec.CallID, created, dec.Notes, ms, resolved); err != nil {
		return outcome.VerificationRecord{}, false, err
	}

	rec, err := getVerification(ctx, tx, dec.ApplicantID)
	if err != nil {
		return outcome.VerificationRecord{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return outcome.VerificationRecord{}, false, err
	}
	return rec, true, nil
}

// Verification returns the applicant's verification state; applicants
// without a decision are unverified.
func (d *DB) Verification(ctx context.Context, applicantID string) (outcome.VerificationRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return getVerification(ctx, d.db, applicantID)
}

// HasDecision reports whether callID's verdict is in the decision log.
func (d *DB) HasDecision(ctx context.Context, callID string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var n int
	err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM verification_decisions WHERE call_id = ?`, callID).Scan(&n)
	return n > 0, err
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getVerification(ctx context.Context, q queryRower, applicantID string) (outcome.VerificationRecord, error) {
	rec := outcome.VerificationRecord{ApplicantID: applicantID}
	var status, out string
	var created, decided int64
	err := q.QueryRowContext(ctx, `SELECT status, outcome, call_id, call_created_at, notes, decided_at, documents_resolved
		FROM verification WHERE applicant_id = ?`, applicantID).
		Scan(&status, &out, &rec.CallID, &created, &rec.Notes, &decided, &rec.DocumentsResolved)
	if errors.Is(err, sql.ErrNoRows) {
		rec.Status = outcome.StatusUnverified
		return rec, nil
	}
	if err != nil {
		return outcome.VerificationRecord{}, err
	}
	rec.Status = outcome.VerificationStatus(status)
	rec.Outcome = registry.Outcome(out)
	rec.DecidedAt = fromMillis(decided)
	rec.CallCreatedAt = fromMillis(created)
	return rec, nil
}
