package coordination

import (
	"time"

	configurations "lamport-kv/Configurations"
)

// Deliver applies one inbound peer message after the configured delay.
// Unknown senders and unexpected messages are logged and dropped; Deliver
// only returns an error once the node is closed.
func (n *NodeService) Deliver(msg configurations.Message) error {
	if n.delay > 0 {
		time.Sleep(n.delay)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrClosed
	}
	if !n.peerSet[msg.From] {
		n.logger.Log("[Node %d] PROTOCOL: dropping %s from unknown node %d\n", n.self, msg.Type, msg.From)
		return nil
	}

	switch msg.Type {
	case configurations.MsgRequest:
		n.handleRequestLocked(msg)
	case configurations.MsgReply:
		n.handleReplyLocked(msg)
	case configurations.MsgInsert:
		n.handleInsertLocked(msg)
	case configurations.MsgSuccess:
		n.handleSuccessLocked(msg)
	case configurations.MsgRelease:
		n.handleReleaseLocked(msg)
	default:
		n.logger.Log("[Node %d] PROTOCOL: dropping unknown message type %q from node %d\n", n.self, msg.Type, msg.From)
	}
	return nil
}

func (n *NodeService) handleRequestLocked(msg configurations.Message) {
	before := n.clock.Now()
	now := n.clock.Receive(msg.Timestamp)
	n.logger.Log("[Node %d] REQUEST: ts %d from node %d, clock %d -> %d\n", n.self, msg.Timestamp, msg.From, before, now)
	n.queue.Push(msg.Timestamp, msg.From)

	// Replies are never deferred; the shared queue order decides admission.
	n.sendLocked(msg.From, configurations.Message{Type: configurations.MsgReply, From: n.self, Clock: now})
	n.cond.Broadcast()
}

func (n *NodeService) handleReplyLocked(msg configurations.Message) {
	n.clock.Receive(msg.Clock)
	if n.state != configurations.StateWanted {
		n.logger.Log("[Node %d] REPLY: from node %d ignored in state %s\n", n.self, msg.From, n.state)
		return
	}
	n.replies[msg.From] = true
	n.logger.Log("[Node %d] REPLY: from node %d (%d/%d)\n", n.self, msg.From, len(n.replies), len(n.peers))
	n.cond.Broadcast()
}

func (n *NodeService) handleInsertLocked(msg configurations.Message) {
	now := n.clock.Receive(msg.Clock)
	if err := n.store.Put(msg.Key, msg.Value); err != nil {
		n.logger.Log("[Node %d] INSERT: applying %s from node %d failed: %v\n", n.self, msg.Key, msg.From, err)
		return
	}
	n.logger.Log("[Node %d] INSERT: %s=%s from node %d applied\n", n.self, msg.Key, msg.Value, msg.From)
	n.sendLocked(msg.From, configurations.Message{Type: configurations.MsgSuccess, From: n.self, Clock: now})
}

func (n *NodeService) handleSuccessLocked(msg configurations.Message) {
	n.clock.Receive(msg.Clock)
	if n.state != configurations.StateHeld {
		n.logger.Log("[Node %d] SUCCESS: from node %d ignored in state %s\n", n.self, msg.From, n.state)
		return
	}
	n.successes[msg.From] = true
	n.logger.Log("[Node %d] SUCCESS: from node %d (%d/%d)\n", n.self, msg.From, len(n.successes), len(n.peers))
	if len(n.successes) == len(n.peers) {
		n.cond.Broadcast()
	}
}

func (n *NodeService) handleReleaseLocked(msg configurations.Message) {
	n.clock.Receive(msg.Clock)
	n.queue.Remove(msg.From)
	n.logger.Log("[Node %d] RELEASE: from node %d, queue %v\n", n.self, msg.From, &n.queue)
	n.cond.Broadcast()
}
