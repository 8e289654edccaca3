package transport

import (
	"errors"
	"fmt"
	"sync"

	configurations "lamport-kv/Configurations"
)

type link struct {
	from, to configurations.NodeID
}

// Network connects nodes running in one process.
type Network struct {
	mu       sync.Mutex
	handlers map[configurations.NodeID]Handler
	links    map[link]*outbox
	closed   bool
}

func NewNetwork() *Network {
	return &Network{
		handlers: make(map[configurations.NodeID]Handler),
		links:    make(map[link]*outbox),
	}
}

func (n *Network) Register(id configurations.NodeID, h Handler) {
	n.mu.Lock()
	n.handlers[id] = h
	n.mu.Unlock()
}

// Endpoint returns the transport node self uses to send.
func (n *Network) Endpoint(self configurations.NodeID) Transport {
	return &endpoint{net: n, self: self}
}

func (n *Network) outbox(l link) (*outbox, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, ErrClosed
	}
	if o, ok := n.links[l]; ok {
		return o, nil
	}
	if _, ok := n.handlers[l.to]; !ok {
		return nil, fmt.Errorf("node %d: %w", l.to, ErrUnknownPeer)
	}
	o := newOutbox()
	n.links[l] = o
	go o.run(func(msg configurations.Message) error {
		n.mu.Lock()
		h := n.handlers[l.to]
		n.mu.Unlock()
		return h.Deliver(msg)
	}, nil)
	return o, nil
}

// Close stops every link. Messages still queued are dropped.
func (n *Network) Close() error {
	n.mu.Lock()
	n.closed = true
	links := make([]*outbox, 0, len(n.links))
	for _, o := range n.links {
		links = append(links, o)
	}
	n.mu.Unlock()
	for _, o := range links {
		o.close()
	}
	return nil
}

type endpoint struct {
	net  *Network
	self configurations.NodeID
}

func (e *endpoint) Send(to configurations.NodeID, msg configurations.Message) error {
	o, err := e.net.outbox(link{from: e.self, to: to})
	if err != nil {
		return err
	}
	if err := o.push(msg); err != nil {
		if !errors.Is(err, ErrClosed) {
			return fmt.Errorf("node %d: %w: %v", to, ErrLinkDown, err)
		}
		return err
	}
	return nil
}

func (e *endpoint) Close() error {
	return nil
}
