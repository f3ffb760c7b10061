package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/tdewolff/minify/v2"
	"github.com/tdewolff/minify/v2/html"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/petervdpas/kyccall/internal/util"
)

// EmailNotifier posts notifications to the standalone email service, which
// owns address lookup and delivery.
type EmailNotifier struct {
	baseURL string
	sender  string
	client  *http.Client
	md      goldmark.Markdown
	min     *minify.M
}

func NewEmailNotifier(baseURL, sender string) *EmailNotifier {
	m := minify.New()
	m.AddFunc("text/html", html.Minify)
	return &EmailNotifier{
		baseURL: util.NormalizeURL(baseURL),
		sender:  sender,
		client:  &http.Client{Timeout: util.DefaultFetchTimeout},
		md:      goldmark.New(goldmark.WithExtensions(extension.Table, extension.Linkify)),
		min:     m,
	}
}

type emailRequest struct {
	ToUser  string `json:"to_user"`
	From    string `json:"from,omitempty"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
	Text    string `json:"text"`
}

// Render converts the markdown body to minified HTML.
func (e *EmailNotifier) Render(markdown string) (string, error) {
	var buf bytes.Buffer
	if err := e.md.Convert([]byte(markdown), &buf); err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	out, err := e.min.Bytes("text/html", buf.Bytes())
	if err != nil {
		log.Debugf("NOTIFY: minify warning: %v (using original)", err)
		return buf.String(), nil
	}
	return string(out), nil
}

func (e *EmailNotifier) Notify(ctx context.Context, applicantID string, msg Message) error {
	body, err := e.Render(msg.Markdown)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(emailRequest{
		ToUser:  applicantID,
		From:    e.sender,
		Subject: msg.Subject,
		HTML:    body,
		Text:    msg.Markdown,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/email/send", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("email service: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("email service: %s: %s", resp.Status, bytes.TrimSpace(b))
	}
	log.Infof("NOTIFY [%s]: emailed %q", applicantID, msg.Subject)
	return nil
}
