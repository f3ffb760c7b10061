// Package meetlink generates stable external meeting links for calls that
// bypass the peer connection path.
package meetlink

import (
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"github.com/petervdpas/kyccall/internal/util"
)

// roomNamespace scopes uuid v5 room slugs to this service.
var roomNamespace = uuid.MustParse("6f1c2d0e-5b8a-4c7e-9a51-3e0d8b7f2c44")

var ErrInvalidLink = errors.New("invalid meeting link")

type Generator struct {
	base string
	key  [32]byte
}

// New returns a generator for links under baseURL signed with secret.
func New(baseURL, secret string) (*Generator, error) {
	base := util.NormalizeURL(baseURL)
	u, err := url.Parse(base)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, errors.New("meetlink: base url must be absolute http(s)")
	}
	if secret == "" {
		return nil, errors.New("meetlink: secret is required")
	}
	return &Generator{base: base, key: blake2b.Sum256([]byte(secret))}, nil
}

// Room returns the stable room slug for a call.
func (g *Generator) Room(callID string) string {
	return uuid.NewSHA1(roomNamespace, []byte(callID)).String()
}

// Link returns the join URL for callID. The same call always gets the same link.
func (g *Generator) Link(callID string) string {
	room := g.Room(callID)
	return g.base + "/room/" + room + "?sig=" + g.sign(room)
}

// Verify checks that link was produced by this generator and returns its room.
func (g *Generator) Verify(link string) (string, error) {
	if !strings.HasPrefix(link, g.base+"/room/") {
		return "", ErrInvalidLink
	}
	u, err := url.Parse(link)
	if err != nil {
		return "", ErrInvalidLink
	}
	room := strings.TrimPrefix(u.Path, mustPath(g.base)+"/room/")
	if _, err := uuid.Parse(room); err != nil {
		return "", ErrInvalidLink
	}
	want := g.sign(room)
	got := u.Query().Get("sig")
	if subtle.ConstantTimeCompare([]byte(want), []byte(got)) != 1 {
		return "", ErrInvalidLink
	}
	return room, nil
}

func (g *Generator) sign(room string) string {
	h, err := blake2b.New(16, g.key[:])
	if err != nil {
		// Only fails for keys over 64 bytes.
		panic(err)
	}
	h.Write([]byte(room))
	return hex.EncodeToString(h.Sum(nil))
}

func mustPath(base string) string {
	u, err := url.Parse(base)
	if err != nil {
		return ""
	}
	return u.Path
}
