// Package coordination runs the per-node mutual exclusion and replication
// protocol. A write waits until the node heads its request queue and every
// peer replied to its REQUEST, applies locally, replicates with INSERT, waits
// for every SUCCESS, then leaves with RELEASE. Reads go straight to the
// local replica.
package coordination

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	configurations "lamport-kv/Configurations"
	mutex "lamport-kv/Node/Mutex"
	storage "lamport-kv/Node/Storage"
	transport "lamport-kv/Node/Transport"
	nodelogger "lamport-kv/Node/logger"

	"github.com/google/uuid"
)

var (
	ErrAlreadyBusy = errors.New("node already has a write in progress")
	ErrClosed      = errors.New("node service closed")
)

// Store is the local replica the engine writes to and reads from.
type Store interface {
	Get(key string) (string, bool, error)
	Put(key, value string) error
	Snapshot() ([]configurations.Pair, error)
}

var _ Store = (*storage.Store)(nil)

type PendingWrite struct {
	Key   string
	Value string
}

// Event is reported on every critical section state change of a node.
type Event struct {
	Node      configurations.NodeID
	Attempt   uuid.UUID
	State     configurations.CSState
	Timestamp uint64 // request timestamp of the attempt
	Clock     uint64
	Key       string
	Value     string
	At        time.Time
}

type Options struct {
	Self      configurations.NodeID
	Peers     []configurations.NodeID
	Transport transport.Transport
	Store     Store
	Logger    *nodelogger.Logger
	// PeerDelay is slept before applying each inbound peer message.
	PeerDelay time.Duration
	// Observer, if set, is called with the node lock held and must not call
	// back into the node.
	Observer func(Event)
}

// NodeService is one node's protocol engine.
type NodeService struct {
	self      configurations.NodeID
	peers     []configurations.NodeID
	peerSet   map[configurations.NodeID]bool
	transport transport.Transport
	store     Store
	logger    *nodelogger.Logger
	delay     time.Duration
	observer  func(Event)

	clock mutex.Clock
	queue mutex.Queue

	mu        sync.Mutex
	cond      *sync.Cond
	state     configurations.CSState
	pending   *PendingWrite
	attempt   uuid.UUID
	requestTS uint64
	replies   map[configurations.NodeID]bool
	successes map[configurations.NodeID]bool
	closed    bool
}

func NewNodeService(opts Options) *NodeService {
	logger := opts.Logger
	if logger == nil {
		logger = nodelogger.GetLogger(opts.Self)
	}
	peers := make([]configurations.NodeID, 0, len(opts.Peers))
	peerSet := make(map[configurations.NodeID]bool, len(opts.Peers))
	for _, p := range opts.Peers {
		if p == opts.Self || peerSet[p] {
			continue
		}
		peers = append(peers, p)
		peerSet[p] = true
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })

	n := &NodeService{
		self:      opts.Self,
		peers:     peers,
		peerSet:   peerSet,
		transport: opts.Transport,
		store:     opts.Store,
		logger:    logger,
		delay:     opts.PeerDelay,
		observer:  opts.Observer,
		state:     configurations.StateReleased,
		replies:   make(map[configurations.NodeID]bool),
		successes: make(map[configurations.NodeID]bool),
	}
	n.cond = sync.NewCond(&n.mu)
	return n
}

func (n *NodeService) ID() configurations.NodeID {
	return n.self
}

// Insert runs the full write protocol for key=value and returns once every
// peer acknowledged the replicated write. There is no timeout: an
// unresponsive peer blocks the call until Close.
func (n *NodeService) Insert(key, value string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrClosed
	}
	if n.state != configurations.StateReleased {
		n.logger.Log("[Node %d] MASTER: insert %s %s refused, state %s\n", n.self, key, value, n.state)
		return ErrAlreadyBusy
	}

	n.pending = &PendingWrite{Key: key, Value: value}
	n.attempt = uuid.New()
	n.replies = make(map[configurations.NodeID]bool)
	n.successes = make(map[configurations.NodeID]bool)

	before := n.clock.Now()
	ts := n.clock.Send()
	n.requestTS = ts
	n.setStateLocked(configurations.StateWanted)
	n.queue.Push(ts, n.self)
	n.logger.Log("[Node %d] MASTER: insert %s %s attempt %s, clock %d -> %d\n", n.self, key, value, n.attempt, before, ts)
	n.broadcastLocked(configurations.Message{Type: configurations.MsgRequest, From: n.self, Timestamp: ts, Clock: ts})

	for !n.closed && !n.admittedLocked() {
		n.cond.Wait()
	}
	if n.closed {
		return ErrClosed
	}
	n.setStateLocked(configurations.StateHeld)
	n.logger.Log("[Node %d] CS: entered, queue %v\n", n.self, &n.queue)

	if err := n.store.Put(key, value); err != nil {
		n.logger.Log("[Node %d] CS: local apply of %s failed, releasing: %v\n", n.self, key, err)
		n.releaseLocked()
		return fmt.Errorf("apply %s locally: %w", key, err)
	}
	n.broadcastLocked(configurations.Message{Type: configurations.MsgInsert, From: n.self, Key: key, Value: value, Clock: n.clock.Now()})

	for !n.closed && len(n.successes) < len(n.peers) {
		n.cond.Wait()
	}
	if n.closed {
		return ErrClosed
	}
	n.logger.Log("[Node %d] CS: received all %d success messages\n", n.self, len(n.successes))
	n.releaseLocked()
	return nil
}

func (n *NodeService) admittedLocked() bool {
	return n.state == configurations.StateWanted &&
		n.queue.IsHead(n.self) &&
		len(n.replies) == len(n.peers)
}

func (n *NodeService) releaseLocked() {
	n.queue.Remove(n.self)
	n.setStateLocked(configurations.StateReleased)
	n.broadcastLocked(configurations.Message{Type: configurations.MsgRelease, From: n.self, Clock: n.clock.Now()})
	n.pending = nil
	n.attempt = uuid.Nil
	n.replies = make(map[configurations.NodeID]bool)
	n.successes = make(map[configurations.NodeID]bool)
}

func (n *NodeService) setStateLocked(state configurations.CSState) {
	n.state = state
	if n.observer == nil {
		return
	}
	ev := Event{
		Node:      n.self,
		Attempt:   n.attempt,
		State:     state,
		Timestamp: n.requestTS,
		Clock:     n.clock.Now(),
		At:        time.Now(),
	}
	if n.pending != nil {
		ev.Key, ev.Value = n.pending.Key, n.pending.Value
	}
	n.observer(ev)
}

func (n *NodeService) broadcastLocked(msg configurations.Message) {
	n.logger.Log("[Node %d] BROADCAST: %s clock %d\n", n.self, msg, msg.Clock)
	for _, peer := range n.peers {
		n.sendLocked(peer, msg)
	}
}

func (n *NodeService) sendLocked(to configurations.NodeID, msg configurations.Message) {
	if err := n.transport.Send(to, msg); err != nil {
		n.logger.Log("[Node %d] SEND: %s to node %d failed: %v\n", n.self, msg.Type, to, err)
	}
}

// Lookup reads the local replica without coordinating with writes.
func (n *NodeService) Lookup(key string) (string, bool, error) {
	return n.store.Get(key)
}

// Dictionary returns the local replica in key order.
func (n *NodeService) Dictionary() ([]configurations.Pair, error) {
	return n.store.Snapshot()
}

type Status struct {
	Node      configurations.NodeID
	State     configurations.CSState
	Attempt   uuid.UUID // uuid.Nil when no write is in progress
	Clock     uint64
	Queue     []mutex.Entry
	Pending   *PendingWrite
	Replies   int
	Successes int
}

func (n *NodeService) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	st := Status{
		Node:      n.self,
		State:     n.state,
		Clock:     n.clock.Now(),
		Queue:     n.queue.Entries(),
		Replies:   len(n.replies),
		Successes: len(n.successes),
	}
	if n.pending != nil {
		p := *n.pending
		st.Pending = &p
		st.Attempt = n.attempt
	}
	return st
}

// Close wakes any blocked write with ErrClosed and rejects new work.
func (n *NodeService) Close() {
	n.mu.Lock()
	n.closed = true
	n.cond.Broadcast()
	n.mu.Unlock()
}
