// Package notify sends applicant-facing notifications. Delivery is fire and
// forget from the caller's point of view: errors are returned for logging
// but never change call or verification state.
package notify

import (
	"context"
	"sync"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("notify")

// Message is a notification with a markdown body.
type Message struct {
	Subject  string `json:"subject"`
	Markdown string `json:"markdown"`
}

type Notifier interface {
	Notify(ctx context.Context, applicantID string, msg Message) error
}

// LogNotifier only logs. Used when no email service is configured.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, applicantID string, msg Message) error {
	log.Infof("NOTIFY [%s]: %s", applicantID, msg.Subject)
	return nil
}

// Sent is one notification captured by a Recorder.
type Sent struct {
	ApplicantID string
	Message     Message
}

// Recorder captures notifications in memory. Err, when set, is returned
// from every Notify after recording.
type Recorder struct {
	mu   sync.Mutex
	sent []Sent
	Err  error
}

func (r *Recorder) Notify(_ context.Context, applicantID string, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, Sent{ApplicantID: applicantID, Message: msg})
	return r.Err
}

func (r *Recorder) Sent() []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Sent, len(r.sent))
	copy(out, r.sent)
	return out
}
