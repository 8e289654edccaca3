package mutex

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	configurations "lamport-kv/Configurations"
)

type Entry struct {
	Timestamp uint64
	Node      configurations.NodeID
}

// Less orders entries by timestamp, breaking ties by node id.
func (e Entry) Less(o Entry) bool {
	if e.Timestamp != o.Timestamp {
		return e.Timestamp < o.Timestamp
	}
	return e.Node < o.Node
}

func (e Entry) String() string {
	return fmt.Sprintf("(%d, %d)", e.Timestamp, e.Node)
}

// Queue holds the pending critical section requests known to a node, kept
// sorted so the head is the next node allowed in. A node has at most one
// entry.
type Queue struct {
	mu      sync.Mutex
	entries []Entry
}

func (q *Queue) Push(ts uint64, node configurations.NodeID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.removeLocked(node)
	e := Entry{Timestamp: ts, Node: node}
	i := sort.Search(len(q.entries), func(i int) bool { return e.Less(q.entries[i]) })
	q.entries = append(q.entries, Entry{})
	copy(q.entries[i+1:], q.entries[i:])
	q.entries[i] = e
}

func (q *Queue) Remove(node configurations.NodeID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.removeLocked(node)
}

func (q *Queue) removeLocked(node configurations.NodeID) {
	for i, e := range q.entries {
		if e.Node == node {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return
		}
	}
}

func (q *Queue) Head() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return Entry{}, false
	}
	return q.entries[0], true
}

func (q *Queue) IsHead(node configurations.NodeID) bool {
	head, ok := q.Head()
	return ok && head.Node == node
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Entries returns a copy of the queue in admission order.
func (q *Queue) Entries() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Entry(nil), q.entries...)
}

func (q *Queue) String() string {
	entries := q.Entries()
	parts := make([]string, 0, len(entries))
	for _, e := range entries {
		parts = append(parts, e.String())
	}
	return "[" + strings.Join(parts, " ") + "]"
}
