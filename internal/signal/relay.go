package signal

import (
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// RelayPath is the route prefix the relay is mounted on.
const RelayPath = "/ws/signal/"

const (
	relayWriteWait  = 10 * time.Second
	relayPongWait   = 60 * time.Second
	relayPingPeriod = 25 * time.Second
)

var relayUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 16384,
	// Origin checks belong to the identity layer in front of this server.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Relay exposes a Hub over websockets at GET /ws/signal/{callID}?role=...
// Every connection is one subscriber; frames it sends are published to the
// other subscribers of the same call with the connection's role stamped on.
type Relay struct {
	hub *Hub
}

func NewRelay(h *Hub) *Relay {
	return &Relay{hub: h}
}

func (rl *Relay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	callID := strings.TrimPrefix(r.URL.Path, RelayPath)
	if callID == "" || strings.Contains(callID, "/") {
		http.Error(w, "invalid path, expected "+RelayPath+"{callID}", http.StatusBadRequest)
		return
	}
	role := Role(r.URL.Query().Get("role"))
	if !role.Valid() {
		http.Error(w, "role must be applicant or reviewer", http.StatusBadRequest)
		return
	}

	// Subscribe before the upgrade completes so the client's dial returning
	// means it is joined. Deliveries wait for the socket.
	var (
		conn    *websocket.Conn
		writeMu sync.Mutex
		ready   = make(chan struct{})
		dead    = make(chan struct{})
	)
	client := rl.hub.NewClient()
	_, err := client.Join(r.Context(), callID, role, func(m Message) {
		select {
		case <-ready:
		case <-dead:
			return
		}
		b, err := Encode(m)
		if err != nil {
			log.Warnf("SIGNAL [%s]: encode for %s: %v", callID, role, err)
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(relayWriteWait))
		if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
			log.Debugf("SIGNAL [%s]: write to %s: %v", callID, role, err)
		}
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	defer client.Leave(callID)

	conn, err = relayUpgrader.Upgrade(w, r, nil)
	if err != nil {
		close(dead)
		log.Warnf("SIGNAL [%s]: websocket upgrade error: %v", callID, err)
		return
	}
	defer conn.Close()
	close(ready)
	log.Infof("SIGNAL [%s]: %s connected from %s", callID, role, r.RemoteAddr)

	stopPing := make(chan struct{})
	defer close(stopPing)
	go func() {
		t := time.NewTicker(relayPingPeriod)
		defer t.Stop()
		for {
			select {
			case <-stopPing:
				return
			case <-t.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(relayWriteWait)); err != nil {
					return
				}
			}
		}
	}()

	conn.SetReadDeadline(time.Now().Add(relayPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(relayPongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Infof("SIGNAL [%s]: %s disconnected", callID, role)
			return
		}
		conn.SetReadDeadline(time.Now().Add(relayPongWait))
		m, err := Decode(data)
		if errors.Is(err, ErrUnknownType) {
			log.Warnf("SIGNAL [%s]: ignoring message from %s: %v", callID, role, err)
			continue
		}
		if err != nil {
			log.Warnf("SIGNAL [%s]: bad frame from %s: %v", callID, role, err)
			continue
		}
		if _, err := client.publishFrom(callID, m); err != nil {
			return
		}
	}
}
