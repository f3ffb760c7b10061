package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/petervdpas/kyccall/internal/registry"
)

const callColumns = `id, applicant_id, reviewer_id, status, kind, created_at, updated_at,
	heartbeat_at, external_join_link, outcome, reviewer_notes, end_reason`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCallRequest(s rowScanner) (registry.CallRequest, error) {
	var r registry.CallRequest
	var status, kind, outcome string
	var created, updated, heartbeat int64
	if err := s.Scan(&r.ID, &r.ApplicantID, &r.ReviewerID, &status, &kind,
		&created, &updated, &heartbeat, &r.ExternalJoinLink, &outcome,
		&r.ReviewerNotes, &r.EndReason); err != nil {
		return registry.CallRequest{}, err
	}
	r.Status = registry.Status(status)
	r.Kind = registry.CallKind(kind)
	r.Outcome = registry.Outcome(outcome)
	r.CreatedAt = fromMillis(created)
	r.UpdatedAt = fromMillis(updated)
	r.HeartbeatAt = fromMillis(heartbeat)
	return r, nil
}

// InsertCallRequest stores a new request. A second open request for the
// same applicant is ErrRequestConflict.
func (d *DB) InsertCallRequest(r registry.CallRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var open int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM call_requests
		WHERE applicant_id = ? AND status IN ('waiting', 'accepted', 'connected')`,
		r.ApplicantID).Scan(&open); err != nil {
		return err
	}
	if open > 0 {
		return registry.ErrRequestConflict
	}

	_, err = tx.Exec(`INSERT INTO call_requests (`+callColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ApplicantID, r.ReviewerID, string(r.Status), string(r.Kind),
		toMillis(r.CreatedAt), toMillis(r.UpdatedAt), toMillis(r.HeartbeatAt),
		r.ExternalJoinLink, string(r.Outcome), r.ReviewerNotes, r.EndReason)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return registry.ErrRequestConflict
		}
		return err
	}
	return tx.Commit()
}

func (d *DB) GetCallRequest(id string) (registry.CallRequest, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, err := scanCallRequest(d.db.QueryRow(`SELECT `+callColumns+` FROM call_requests WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return registry.CallRequest{}, registry.ErrNotFound
	}
	return r, err
}

// ListCallRequests returns matching requests ordered oldest first.
func (d *DB) ListCallRequests(f registry.Filter) ([]registry.CallRequest, error) {
	var where []string
	var args []any
	if f.ApplicantID != "" {
		where = append(where, "applicant_id = ?")
		args = append(args, f.ApplicantID)
	}
	if f.ReviewerID != "" {
		where = append(where, "reviewer_id = ?")
		args = append(args, f.ReviewerID)
	}
	if !f.UpdatedSince.IsZero() {
		where = append(where, "updated_at >= ?")
		args = append(args, toMillis(f.UpdatedSince))
	}
	if len(f.Statuses) > 0 {
		ph := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			ph[i] = "?"
			args = append(args, string(s))
		}
		where = append(where, "status IN ("+strings.Join(ph, ", ")+")")
	}
	q := `SELECT ` + callColumns + ` FROM call_requests`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at ASC, id ASC"

	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []registry.CallRequest
	for rows.Next() {
		r, err := scanCallRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SwapCallRequest replaces a request only if its stored status is expect.
// This conditional update is what arbitrates racing reviewers. heartbeat_at
// is owned by TouchCallRequest and left as stored.
func (d *DB) SwapCallRequest(expect registry.Status, next registry.CallRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	res, err := d.db.Exec(`UPDATE call_requests SET
			reviewer_id = ?, status = ?, updated_at = ?,
			external_join_link = ?, outcome = ?, reviewer_notes = ?, end_reason = ?
		WHERE id = ? AND status = ?`,
		next.ReviewerID, string(next.Status), toMillis(next.UpdatedAt),
		next.ExternalJoinLink, string(next.Outcome), next.ReviewerNotes, next.EndReason,
		next.ID, string(expect))
	if err != nil {
		return fmt.Errorf("update call request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var exists int
	if err := d.db.QueryRow(`SELECT COUNT(*) FROM call_requests WHERE id = ?`, next.ID).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return registry.ErrNotFound
	}
	return registry.ErrStatusMismatch
}

func (d *DB) TouchCallRequest(id string, at time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	res, err := d.db.Exec(`UPDATE call_requests SET heartbeat_at = ? WHERE id = ?`, toMillis(at), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return registry.ErrNotFound
	}
	return nil
}
