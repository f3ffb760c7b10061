package signal

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/kyccall/internal/util"
)

// WSChannel is a Channel backed by a Relay reachable at baseURL.
type WSChannel struct {
	base   string
	dialer *websocket.Dialer

	mu    sync.Mutex
	conns map[string]*wsConn
}

type wsConn struct {
	conn    *websocket.Conn
	role    Role
	writeMu sync.Mutex
	done    chan struct{}
}

// NewWSChannel accepts an http(s) or ws(s) base URL of the relay server.
func NewWSChannel(baseURL string) *WSChannel {
	base := util.NormalizeURL(baseURL)
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return &WSChannel{
		base:   base,
		dialer: &websocket.Dialer{HandshakeTimeout: util.DefaultConnectTimeout * 3},
		conns:  make(map[string]*wsConn),
	}
}

func (c *WSChannel) Join(ctx context.Context, callID string, role Role, onMessage Handler) (*Handle, error) {
	c.mu.Lock()
	if _, ok := c.conns[callID]; ok {
		c.mu.Unlock()
		return nil, ErrAlreadyJoined
	}
	// Reserve the slot while dialing.
	c.conns[callID] = nil
	c.mu.Unlock()

	u := c.base + RelayPath + url.PathEscape(callID) + "?role=" + url.QueryEscape(string(role))
	conn, _, err := c.dialer.DialContext(ctx, u, nil)
	if err != nil {
		c.mu.Lock()
		delete(c.conns, callID)
		c.mu.Unlock()
		return nil, fmt.Errorf("dial signaling relay: %w", err)
	}

	wc := &wsConn{conn: conn, role: role, done: make(chan struct{})}
	c.mu.Lock()
	c.conns[callID] = wc
	c.mu.Unlock()

	go func() {
		defer close(wc.done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				log.Debugf("SIGNAL [%s]: relay read ended: %v", callID, err)
				return
			}
			m, err := Decode(data)
			if errors.Is(err, ErrUnknownType) {
				log.Warnf("SIGNAL [%s]: ignoring message: %v", callID, err)
				continue
			}
			if err != nil {
				log.Warnf("SIGNAL [%s]: bad frame: %v", callID, err)
				continue
			}
			onMessage(m)
		}
	}()

	log.Debugf("SIGNAL [%s]: %s joined via %s", callID, role, c.base)
	return &Handle{CallID: callID, Role: role, leave: func() error { return c.Leave(callID) }}, nil
}

func (c *WSChannel) Send(ctx context.Context, callID string, p Payload) error {
	c.mu.Lock()
	wc := c.conns[callID]
	c.mu.Unlock()
	if wc == nil {
		return ErrNotJoined
	}
	b, err := Encode(NewMessage(callID, wc.role, p))
	if err != nil {
		return err
	}
	deadline := time.Now().Add(relayWriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	wc.writeMu.Lock()
	defer wc.writeMu.Unlock()
	wc.conn.SetWriteDeadline(deadline)
	if err := wc.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return fmt.Errorf("send %s: %w", p.Type(), err)
	}
	return nil
}

func (c *WSChannel) Leave(callID string) error {
	c.mu.Lock()
	wc, ok := c.conns[callID]
	if wc != nil {
		delete(c.conns, callID)
	}
	c.mu.Unlock()
	if !ok || wc == nil {
		return nil
	}
	wc.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	err := wc.conn.Close()
	<-wc.done
	return err
}

func (c *WSChannel) Joined() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.conns))
	for id, wc := range c.conns {
		if wc != nil {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
