package signal

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	ma "github.com/multiformats/go-multiaddr"
)

// TopicPrefix is prepended to the call id to form the gossipsub topic.
const TopicPrefix = "/kyccall/signal/"

func TopicName(callID string) string { return TopicPrefix + callID }

// PubSubNode is a libp2p host running gossipsub, used when clients signal
// peer-to-peer instead of through the relay.
type PubSubNode struct {
	Host   host.Host
	PubSub *pubsub.PubSub
}

// NewPubSubNode starts a libp2p host on listen and connects to bootstrap
// peers given as /p2p multiaddrs. Unreachable bootstrap peers are logged.
func NewPubSubNode(ctx context.Context, listen string, bootstrap []string) (*PubSubNode, error) {
	h, err := libp2p.New(libp2p.ListenAddrStrings(listen))
	if err != nil {
		return nil, fmt.Errorf("start libp2p host: %w", err)
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("start gossipsub: %w", err)
	}
	n := &PubSubNode{Host: h, PubSub: ps}
	for _, s := range bootstrap {
		if err := n.Connect(ctx, s); err != nil {
			log.Warnf("SIGNAL: bootstrap %s: %v", s, err)
		}
	}
	log.Infof("SIGNAL: libp2p node %s listening on %v", h.ID(), h.Addrs())
	return n, nil
}

// Connect dials a peer given as a /p2p multiaddr.
func (n *PubSubNode) Connect(ctx context.Context, addr string) error {
	a, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	ai, err := peer.AddrInfoFromP2pAddr(a)
	if err != nil {
		return err
	}
	return n.Host.Connect(ctx, *ai)
}

// Addrs returns the node's dialable /p2p multiaddrs.
func (n *PubSubNode) Addrs() []string {
	pi := peer.AddrInfo{ID: n.Host.ID(), Addrs: n.Host.Addrs()}
	full, err := peer.AddrInfoToP2pAddrs(&pi)
	if err != nil {
		return nil
	}
	out := make([]string, len(full))
	for i, a := range full {
		out[i] = a.String()
	}
	return out
}

func (n *PubSubNode) Close() error { return n.Host.Close() }

// PubSubChannel is a Channel over gossipsub. Gossipsub only delivers to
// peers subscribed at publish time, which matches the channel's
// no-queueing contract.
type PubSubChannel struct {
	node *PubSubNode

	mu     sync.Mutex
	joined map[string]*psJoin
}

type psJoin struct {
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	role   Role
	cancel context.CancelFunc
	done   chan struct{}
}

func NewPubSubChannel(n *PubSubNode) *PubSubChannel {
	return &PubSubChannel{node: n, joined: make(map[string]*psJoin)}
}

func (c *PubSubChannel) Join(ctx context.Context, callID string, role Role, onMessage Handler) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.joined[callID]; ok {
		return nil, ErrAlreadyJoined
	}
	topic, err := c.node.PubSub.Join(TopicName(callID))
	if err != nil {
		return nil, fmt.Errorf("join topic: %w", err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		_ = topic.Close()
		return nil, fmt.Errorf("subscribe topic: %w", err)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	j := &psJoin{topic: topic, sub: sub, role: role, cancel: cancel, done: make(chan struct{})}
	c.joined[callID] = j

	self := c.node.Host.ID()
	go func() {
		defer close(j.done)
		for {
			msg, err := sub.Next(readCtx)
			if err != nil {
				return
			}
			if msg.GetFrom() == self {
				continue
			}
			m, err := decodeCBOR(msg.Data)
			if errors.Is(err, ErrUnknownType) {
				log.Warnf("SIGNAL [%s]: ignoring message from %s: %v", callID, msg.GetFrom(), err)
				continue
			}
			if err != nil {
				log.Warnf("SIGNAL [%s]: bad message from %s: %v", callID, msg.GetFrom(), err)
				continue
			}
			if m.CallID != callID {
				continue
			}
			onMessage(m)
		}
	}()

	log.Debugf("SIGNAL [%s]: %s joined topic %s", callID, role, TopicName(callID))
	return &Handle{CallID: callID, Role: role, leave: func() error { return c.Leave(callID) }}, nil
}

func (c *PubSubChannel) Send(ctx context.Context, callID string, p Payload) error {
	c.mu.Lock()
	j, ok := c.joined[callID]
	c.mu.Unlock()
	if !ok {
		return ErrNotJoined
	}
	b, err := encodeCBOR(NewMessage(callID, j.role, p))
	if err != nil {
		return err
	}
	return j.topic.Publish(ctx, b)
}

func (c *PubSubChannel) Leave(callID string) error {
	c.mu.Lock()
	j, ok := c.joined[callID]
	delete(c.joined, callID)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	j.cancel()
	j.sub.Cancel()
	<-j.done
	if err := j.topic.Close(); err != nil {
		log.Debugf("SIGNAL [%s]: close topic: %v", callID, err)
	}
	return nil
}

func (c *PubSubChannel) Joined() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.joined))
	for id := range c.joined {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Peers returns the libp2p peers currently subscribed to callID's topic.
func (c *PubSubChannel) Peers(callID string) []peer.ID {
	c.mu.Lock()
	j, ok := c.joined[callID]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return j.topic.ListPeers()
}
