package signal

import (
	"context"
	"sort"
	"sync"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("signal")

// Hub is an in-process broker of call topics. Clients obtained from
// NewClient share it; the websocket Relay also publishes through it.
type Hub struct {
	mu     sync.Mutex
	topics map[string]map[*subscriber]struct{}
}

func NewHub() *Hub {
	return &Hub{topics: make(map[string]map[*subscriber]struct{})}
}

// Subscribers returns how many handles are joined to callID.
func (h *Hub) Subscribers(callID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics[callID])
}

// add joins s to the topic. A call holds one applicant and one reviewer.
func (h *Hub) add(callID string, s *subscriber) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.topics[callID]
	if subs == nil {
		subs = make(map[*subscriber]struct{})
		h.topics[callID] = subs
	}
	if len(subs) >= 2 {
		return ErrCallFull
	}
	for o := range subs {
		if o.role == s.role {
			return ErrRoleTaken
		}
	}
	subs[s] = struct{}{}
	return nil
}

func (h *Hub) remove(callID string, s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.topics[callID]
	delete(subs, s)
	if len(subs) == 0 {
		delete(h.topics, callID)
	}
}

// publish queues m for every subscriber of the topic except from.
func (h *Hub) publish(from *subscriber, m Message) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for s := range h.topics[m.CallID] {
		if s == from {
			continue
		}
		s.push(m)
		n++
	}
	return n
}

// subscriber delivers queued messages to its handler one at a time.
type subscriber struct {
	role    Role
	handler Handler

	mu    sync.Mutex
	queue []Message
	wake  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func newSubscriber(role Role, fn Handler) *subscriber {
	s := &subscriber{
		role:    role,
		handler: fn,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *subscriber) push(m Message) {
	s.mu.Lock()
	s.queue = append(s.queue, m)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) stop() { s.once.Do(func() { close(s.done) }) }

func (s *subscriber) run() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		m := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case <-s.done:
			return
		default:
		}
		s.handler(m)
	}
}

// MemoryChannel is one client's view of a Hub.
type MemoryChannel struct {
	hub *Hub

	mu     sync.Mutex
	joined map[string]*subscriber
}

// NewClient returns a Channel bound to the hub.
func (h *Hub) NewClient() *MemoryChannel {
	return &MemoryChannel{hub: h, joined: make(map[string]*subscriber)}
}

func (c *MemoryChannel) Join(ctx context.Context, callID string, role Role, onMessage Handler) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.joined[callID]; ok {
		return nil, ErrAlreadyJoined
	}
	s := newSubscriber(role, onMessage)
	if err := c.hub.add(callID, s); err != nil {
		s.stop()
		return nil, err
	}
	c.joined[callID] = s
	log.Debugf("SIGNAL [%s]: %s joined", callID, role)
	return &Handle{CallID: callID, Role: role, leave: func() error { return c.Leave(callID) }}, nil
}

func (c *MemoryChannel) Send(ctx context.Context, callID string, p Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	s, ok := c.joined[callID]
	c.mu.Unlock()
	if !ok {
		return ErrNotJoined
	}
	m := NewMessage(callID, s.role, p)
	if n := c.hub.publish(s, m); n == 0 {
		log.Debugf("SIGNAL [%s]: %s from %s had no other subscriber, dropped", callID, p.Type(), s.role)
	}
	return nil
}

func (c *MemoryChannel) Leave(callID string) error {
	c.mu.Lock()
	s, ok := c.joined[callID]
	delete(c.joined, callID)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	c.hub.remove(callID, s)
	s.stop()
	log.Debugf("SIGNAL [%s]: %s left", callID, s.role)
	return nil
}

func (c *MemoryChannel) Joined() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.joined))
	for id := range c.joined {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// publishFrom lets the relay inject a message on behalf of a remote client
// that already holds subscription s.
func (c *MemoryChannel) publishFrom(callID string, m Message) (int, error) {
	c.mu.Lock()
	s, ok := c.joined[callID]
	c.mu.Unlock()
	if !ok {
		return 0, ErrNotJoined
	}
	m.CallID = callID
	m.SenderRole = s.role
	return c.hub.publish(s, m), nil
}
