package app

import (
	"github.com/petervdpas/kyccall/internal/config"
	"github.com/petervdpas/kyccall/internal/notify"
	"github.com/petervdpas/kyccall/internal/storage"
)

const metaMeetLinkSecret = "meetlink_secret"

// setupMicroService configures an external micro-service provider.
// If url is empty the service is skipped.
func setupMicroService(name, url string, configure func()) {
	if url == "" {
		return
	}
	log.Infof("APP: %s service: %s", name, url)
	configure()
}

// newNotifier returns the email service notifier when one is configured and
// a log-only notifier otherwise.
func newNotifier(c config.Notify) notify.Notifier {
	var n notify.Notifier = notify.LogNotifier{}
	setupMicroService("Email", c.EmailURL, func() {
		n = notify.NewEmailNotifier(c.EmailURL, c.Sender)
	})
	return n
}

// meetLinkSecret returns the configured signing secret, or one generated on
// first start and kept in the database so links survive restarts.
func meetLinkSecret(db *storage.DB, c config.MeetLink) (string, error) {
	if c.Secret != "" {
		return c.Secret, nil
	}
	if s := db.Meta(metaMeetLinkSecret); s != "" {
		return s, nil
	}
	s := newToken(32)
	if err := db.SetMeta(metaMeetLinkSecret, s); err != nil {
		return "", err
	}
	log.Infof("APP: generated a meeting link secret")
	return s, nil
}
