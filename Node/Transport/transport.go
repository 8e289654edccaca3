// Package transport carries protocol messages between nodes. Every ordered
// pair of nodes gets its own link; a link delivers messages one at a time in
// the order they were sent and never drops or reorders them, which the
// mutual exclusion protocol depends on.
package transport

import (
	"errors"
	"sync"

	configurations "lamport-kv/Configurations"
)

// DeliverMethod is the RPC name a node serves for inbound peer messages.
const DeliverMethod = "Node.Deliver"

var (
	ErrClosed      = errors.New("transport closed")
	ErrUnknownPeer = errors.New("unknown peer")
	ErrLinkDown    = errors.New("peer link down")
)

// Handler applies messages delivered by a transport. Deliver is called
// sequentially for each sending peer and returns once the message has been
// applied.
type Handler interface {
	Deliver(msg configurations.Message) error
}

type Transport interface {
	// Send queues msg for delivery to a peer without blocking on the network.
	Send(to configurations.NodeID, msg configurations.Message) error
	Close() error
}

// outbox is an unbounded FIFO drained by a single goroutine, so Send never
// blocks while the caller holds protocol locks.
type outbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []configurations.Message
	closed bool
	err    error
	done   chan struct{}
}

func newOutbox() *outbox {
	o := &outbox{done: make(chan struct{})}
	o.cond = sync.NewCond(&o.mu)
	return o
}

func (o *outbox) push(msg configurations.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	if o.err != nil {
		return o.err
	}
	o.queue = append(o.queue, msg)
	o.cond.Signal()
	return nil
}

// next blocks until a message is queued or the outbox is closed.
func (o *outbox) next() (configurations.Message, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for len(o.queue) == 0 && !o.closed {
		o.cond.Wait()
	}
	if o.closed {
		return configurations.Message{}, false
	}
	msg := o.queue[0]
	o.queue[0] = configurations.Message{}
	o.queue = o.queue[1:]
	return msg, true
}

func (o *outbox) fail(err error) {
	o.mu.Lock()
	o.err = err
	o.queue = nil
	o.mu.Unlock()
}

func (o *outbox) close() {
	o.mu.Lock()
	o.closed = true
	o.cond.Broadcast()
	o.mu.Unlock()
}

// run drains the outbox through deliver until it fails or the outbox closes.
func (o *outbox) run(deliver func(configurations.Message) error, onErr func(error)) {
	defer close(o.done)
	for {
		msg, ok := o.next()
		if !ok {
			return
		}
		if err := deliver(msg); err != nil {
			o.fail(err)
			if onErr != nil {
				onErr(err)
			}
			return
		}
	}
}
