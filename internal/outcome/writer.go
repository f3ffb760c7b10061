package outcome

import (
	"context"
	"fmt"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/kyccall/internal/notify"
	"github.com/petervdpas/kyccall/internal/registry"
	"github.com/petervdpas/kyccall/internal/util"
)

var log = logging.Logger("outcome")

// Writer persists reviewer verdicts to the profile/document store.
type Writer struct {
	store         ProfileStore
	notifier      notify.Notifier
	notifyTimeout time.Duration
	now           func() time.Time
}

func NewWriter(store ProfileStore, n notify.Notifier, notifyTimeout time.Duration) *Writer {
	if n == nil {
		n = notify.LogNotifier{}
	}
	if notifyTimeout <= 0 {
		notifyTimeout = util.DefaultFetchTimeout
	}
	return &Writer{store: store, notifier: n, notifyTimeout: notifyTimeout, now: time.Now}
}

// Apply records d. Re-applying the same decision is a no-op and does not
// notify again; a different outcome for the same call is ErrOutcomeConflict.
// A decision for a call older than the applicant's latest decided call is
// logged but leaves the verification record alone.
// The applicant notification is best effort and never undoes the write.
func (w *Writer) Apply(ctx context.Context, d Decision) (VerificationRecord, error) {
	applicantID, err := util.ValidateID("applicant", d.ApplicantID)
	if err != nil {
		return VerificationRecord{}, err
	}
	d.ApplicantID = applicantID
	if d.CallID == "" {
		return VerificationRecord{}, fmt.Errorf("decision needs a call id")
	}
	if !d.Outcome.Valid() {
		return VerificationRecord{}, fmt.Errorf("unknown outcome %q", d.Outcome)
	}

	rec, applied, err := w.store.RecordDecision(ctx, d, w.now().UTC())
	if err != nil {
		return VerificationRecord{}, err
	}
	if !applied {
		if rec.CallID != "" && rec.CallID != d.CallID {
			log.Infof("OUTCOME [%s]: %s for %s logged only, call %s is newer",
				d.CallID, d.Outcome, d.ApplicantID, rec.CallID)
		} else {
			log.Infof("OUTCOME [%s]: %s for %s already recorded", d.CallID, d.Outcome, d.ApplicantID)
		}
		return rec, nil
	}
	log.Infof("OUTCOME [%s]: applicant %s is %s (%d documents resolved)",
		d.CallID, d.ApplicantID, rec.Status, rec.DocumentsResolved)

	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.notifyTimeout)
	defer cancel()
	if err := w.notifier.Notify(nctx, d.ApplicantID, messageFor(d)); err != nil {
		log.Warnf("OUTCOME [%s]: notifying %s failed: %v", d.CallID, d.ApplicantID, err)
	}
	return rec, nil
}

// Verification returns an applicant's current verification state.
func (w *Writer) Verification(ctx context.Context, applicantID string) (VerificationRecord, error) {
	return w.store.Verification(ctx, applicantID)
}

// Applied reports whether a decision for callID is already recorded.
func (w *Writer) Applied(ctx context.Context, callID string) (bool, error) {
	return w.store.HasDecision(ctx, callID)
}

func messageFor(d Decision) notify.Message {
	if d.Outcome == registry.OutcomeApproved {
		return notify.Message{
			Subject:  "Your identity has been verified",
			Markdown: "Your video verification call is complete and your profile is now **verified**.\n\nYou can list and buy tickets straight away.",
		}
	}
	msg := "Your video verification call is complete, but we could **not** verify your identity."
	if d.Notes != "" {
		msg += "\n\nReviewer notes:\n\n> " + d.Notes
	}
	msg += "\n\nYou can request a new call from your profile page."
	return notify.Message{Subject: "Your identity verification was not approved", Markdown: msg}
}
