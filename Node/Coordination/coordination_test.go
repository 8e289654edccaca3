package coordination

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	configurations "lamport-kv/Configurations"
	storage "lamport-kv/Node/Storage"
	transport "lamport-kv/Node/Transport"
	nodelogger "lamport-kv/Node/logger"

	"github.com/google/uuid"
)

// tracer checks that at most one node is HELD at any traced instant and
// records the state sequence of every write attempt.
type tracer struct {
	mu       sync.Mutex
	held     map[configurations.NodeID]bool
	maxHeld  int
	events   []Event
	attempts map[uuid.UUID][]Event
}

func newTracer() *tracer {
	return &tracer{
		held:     make(map[configurations.NodeID]bool),
		attempts: make(map[uuid.UUID][]Event),
	}
}

func (tr *tracer) observe(ev Event) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.events = append(tr.events, ev)
	tr.attempts[ev.Attempt] = append(tr.attempts[ev.Attempt], ev)
	switch ev.State {
	case configurations.StateHeld:
		tr.held[ev.Node] = true
	case configurations.StateReleased:
		delete(tr.held, ev.Node)
	}
	if len(tr.held) > tr.maxHeld {
		tr.maxHeld = len(tr.held)
	}
}

func (tr *tracer) maxConcurrentHeld() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.maxHeld
}

// checkAttempts verifies that want attempts ran, each on one node and for one
// key, passing through WANTED, HELD and RELEASED exactly once in that order.
func (tr *tracer) checkAttempts(t *testing.T, want int) {
	t.Helper()
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.attempts) != want {
		t.Fatalf("traced %d attempts, want %d", len(tr.attempts), want)
	}
	sequence := []configurations.CSState{configurations.StateWanted, configurations.StateHeld, configurations.StateReleased}
	for id, evs := range tr.attempts {
		if id == uuid.Nil {
			t.Fatalf("events without an attempt id: %v", evs)
		}
		if len(evs) != len(sequence) {
			t.Fatalf("attempt %s has %d transitions: %v", id, len(evs), evs)
		}
		for i, ev := range evs {
			if ev.State != sequence[i] {
				t.Fatalf("attempt %s transition %d is %s, want %s", id, i, ev.State, sequence[i])
			}
			if ev.Node != evs[0].Node || ev.Key != evs[0].Key || ev.Timestamp != evs[0].Timestamp {
				t.Fatalf("attempt %s changed identity mid-flight: %v", id, evs)
			}
		}
	}
}

func (tr *tracer) heldOrder() []Event {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	var order []Event
	for _, ev := range tr.events {
		if ev.State == configurations.StateHeld {
			order = append(order, ev)
		}
	}
	return order
}

type testCluster struct {
	nodes   map[configurations.NodeID]*NodeService
	network *transport.Network
	trace   *tracer
}

func newTestCluster(t *testing.T, size int, delay time.Duration) *testCluster {
	t.Helper()
	c := &testCluster{
		nodes:   make(map[configurations.NodeID]*NodeService),
		network: transport.NewNetwork(),
		trace:   newTracer(),
	}
	var ids []configurations.NodeID
	for i := 1; i <= size; i++ {
		ids = append(ids, configurations.NodeID(i))
	}
	for _, id := range ids {
		store, err := storage.Open(":memory:")
		if err != nil {
			t.Fatal(err)
		}
		n := NewNodeService(Options{
			Self:      id,
			Peers:     ids,
			Transport: c.network.Endpoint(id),
			Store:     store,
			Logger:    nodelogger.Discard(),
			PeerDelay: delay,
			Observer:  c.trace.observe,
		})
		c.nodes[id] = n
		c.network.Register(id, n)
		t.Cleanup(func() { store.Close() })
	}
	t.Cleanup(func() {
		for _, n := range c.nodes {
			n.Close()
		}
		c.network.Close()
	})
	return c
}

func (c *testCluster) checkReplicas(t *testing.T, want map[string]string) {
	t.Helper()
	for id, n := range c.nodes {
		pairs, err := n.Dictionary()
		if err != nil {
			t.Fatal(err)
		}
		if len(pairs) != len(want) {
			t.Fatalf("node %d has %d pairs, want %d: %v", id, len(pairs), len(want), pairs)
		}
		for _, p := range pairs {
			if want[p.Key] != p.Value {
				t.Fatalf("node %d: %s=%s, want %s", id, p.Key, p.Value, want[p.Key])
			}
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSequentialScenario(t *testing.T) {
	c := newTestCluster(t, 3, time.Millisecond)

	if err := c.nodes[1].Insert("5", "A-"); err != nil {
		t.Fatal(err)
	}
	if err := c.nodes[2].Insert("6", "B+"); err != nil {
		t.Fatal(err)
	}

	v, ok, err := c.nodes[3].Lookup("5")
	if err != nil || !ok || v != "A-" {
		t.Fatalf("lookup 5 on node 3 = %q %v %v", v, ok, err)
	}
	pairs, err := c.nodes[1].Dictionary()
	if err != nil {
		t.Fatal(err)
	}
	if got := configurations.FormatDictionary(pairs); got != "{'5': 'A-', '6': 'B+'}" {
		t.Fatalf("dictionary on node 1 = %s", got)
	}
	c.checkReplicas(t, map[string]string{"5": "A-", "6": "B+"})

	// Peers drop the writer's entry once its RELEASE arrives, which can be
	// after Insert returns.
	for id, n := range c.nodes {
		waitFor(t, fmt.Sprintf("node %d idle", id), func() bool {
			st := n.Status()
			return st.State == configurations.StateReleased && len(st.Queue) == 0 && st.Pending == nil && st.Attempt == uuid.Nil
		})
	}
	c.trace.checkAttempts(t, 2)
}

func TestLookupNotFound(t *testing.T) {
	c := newTestCluster(t, 2, 0)
	for i := 0; i < 3; i++ {
		if _, ok, err := c.nodes[1].Lookup("42"); err != nil || ok {
			t.Fatalf("lookup of unwritten key: ok %v err %v", ok, err)
		}
	}
	if err := c.nodes[2].Insert("42", "x"); err != nil {
		t.Fatal(err)
	}
	for id, n := range c.nodes {
		if v, ok, _ := n.Lookup("42"); !ok || v != "x" {
			t.Fatalf("node %d lookup 42 = %q %v", id, v, ok)
		}
	}
}

func TestMutualExclusionUnderLoad(t *testing.T) {
	const size, writes = 5, 6
	c := newTestCluster(t, size, 0)

	want := make(map[string]string)
	var wg sync.WaitGroup
	errs := make(chan error, size*writes)
	for id, n := range c.nodes {
		for j := 0; j < writes; j++ {
			want[fmt.Sprintf("%d%d", id, j)] = fmt.Sprintf("v%d-%d", id, j)
		}
		wg.Add(1)
		go func(id configurations.NodeID, n *NodeService) {
			defer wg.Done()
			for j := 0; j < writes; j++ {
				if err := n.Insert(fmt.Sprintf("%d%d", id, j), fmt.Sprintf("v%d-%d", id, j)); err != nil {
					errs <- err
					return
				}
			}
		}(id, n)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	if held := c.trace.maxConcurrentHeld(); held > 1 {
		t.Fatalf("%d nodes were HELD at the same time", held)
	}
	if got := len(c.trace.heldOrder()); got != size*writes {
		t.Fatalf("traced %d critical sections, want %d", got, size*writes)
	}
	c.trace.checkAttempts(t, size*writes)
	c.checkReplicas(t, want)
}

func TestLowestRequestAdmittedFirst(t *testing.T) {
	for round := 0; round < 20; round++ {
		t.Run(fmt.Sprintf("round%d", round), func(t *testing.T) {
			c := newTestCluster(t, 3, 0)
			var wg sync.WaitGroup
			for _, id := range []configurations.NodeID{1, 2} {
				wg.Add(1)
				go func(id configurations.NodeID) {
					defer wg.Done()
					if err := c.nodes[id].Insert("k", fmt.Sprintf("from%d", id)); err != nil {
						t.Error(err)
					}
				}(id)
			}
			wg.Wait()

			order := c.trace.heldOrder()
			if len(order) != 2 {
				t.Fatalf("held events = %v", order)
			}
			first, second := order[0], order[1]
			if second.Timestamp < first.Timestamp ||
				(second.Timestamp == first.Timestamp && second.Node < first.Node) {
				t.Fatalf("node %d (ts %d) entered before node %d (ts %d)",
					first.Node, first.Timestamp, second.Node, second.Timestamp)
			}
			// The later writer wins on every replica.
			c.checkReplicas(t, map[string]string{"k": fmt.Sprintf("from%d", second.Node)})
		})
	}
}

func TestPeerDelay(t *testing.T) {
	const delay = 20 * time.Millisecond
	c := newTestCluster(t, 2, delay)
	start := time.Now()
	if err := c.nodes[1].Insert("a", "b"); err != nil {
		t.Fatal(err)
	}
	// REQUEST, REPLY, INSERT and SUCCESS are each delayed on the critical path.
	if elapsed := time.Since(start); elapsed < 4*delay {
		t.Fatalf("insert finished in %v, want at least %v", elapsed, 4*delay)
	}
	// Reads are never delayed.
	start = time.Now()
	if _, _, err := c.nodes[2].Lookup("a"); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed >= delay {
		t.Fatalf("lookup took %v", elapsed)
	}
}

type sentMessage struct {
	to  configurations.NodeID
	msg configurations.Message
}

// captureTransport records sends instead of delivering them.
type captureTransport struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (c *captureTransport) Send(to configurations.NodeID, msg configurations.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, sentMessage{to: to, msg: msg})
	return nil
}

func (c *captureTransport) Close() error { return nil }

func (c *captureTransport) count(typ configurations.MessageType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, s := range c.sent {
		if s.msg.Type == typ {
			n++
		}
	}
	return n
}

func (c *captureTransport) last() sentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent[len(c.sent)-1]
}

func newIsolatedNode(t *testing.T) (*NodeService, *captureTransport) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	tr := &captureTransport{}
	n := NewNodeService(Options{
		Self:      1,
		Peers:     []configurations.NodeID{1, 2, 3},
		Transport: tr,
		Store:     store,
		Logger:    nodelogger.Discard(),
	})
	t.Cleanup(func() {
		n.Close()
		store.Close()
	})
	return n, tr
}

func deliver(t *testing.T, n *NodeService, msg configurations.Message) {
	t.Helper()
	if err := n.Deliver(msg); err != nil {
		t.Fatalf("deliver %s: %v", msg, err)
	}
}

func TestRequestReplyRelease(t *testing.T) {
	n, tr := newIsolatedNode(t)

	deliver(t, n, configurations.Message{Type: configurations.MsgRequest, From: 2, Timestamp: 5, Clock: 5})
	st := n.Status()
	if st.Clock != 6 {
		t.Fatalf("clock after REQUEST(5) = %d, want 6", st.Clock)
	}
	if len(st.Queue) != 1 || st.Queue[0].Node != 2 || st.Queue[0].Timestamp != 5 {
		t.Fatalf("queue = %v", st.Queue)
	}
	reply := tr.last()
	if reply.to != 2 || reply.msg.Type != configurations.MsgReply || reply.msg.From != 1 {
		t.Fatalf("expected REPLY to node 2, got %+v", reply)
	}

	deliver(t, n, configurations.Message{Type: configurations.MsgRelease, From: 2, Clock: 6})
	if st := n.Status(); len(st.Queue) != 0 {
		t.Fatalf("queue after RELEASE = %v", st.Queue)
	}

	// Messages from outside the membership are dropped without a reply.
	sent := tr.count(configurations.MsgReply)
	deliver(t, n, configurations.Message{Type: configurations.MsgRequest, From: 9, Timestamp: 1})
	if tr.count(configurations.MsgReply) != sent || len(n.Status().Queue) != 0 {
		t.Fatal("REQUEST from unknown node was processed")
	}
}

func TestInsertFromPeerAppliedUnconditionally(t *testing.T) {
	n, tr := newIsolatedNode(t)
	done := make(chan error, 1)
	go func() { done <- n.Insert("mine", "1") }()
	waitFor(t, "WANTED", func() bool { return n.Status().State == configurations.StateWanted })

	deliver(t, n, configurations.Message{Type: configurations.MsgInsert, From: 3, Key: "theirs", Value: "2"})
	if v, ok, _ := n.Lookup("theirs"); !ok || v != "2" {
		t.Fatalf("peer insert not applied while WANTED: %q %v", v, ok)
	}
	if s := tr.last(); s.to != 3 || s.msg.Type != configurations.MsgSuccess {
		t.Fatalf("expected SUCCESS to node 3, got %+v", s)
	}
	n.Close()
	if err := <-done; !errors.Is(err, ErrClosed) {
		t.Fatalf("blocked insert returned %v after Close", err)
	}
}

func TestWriteBarriers(t *testing.T) {
	n, tr := newIsolatedNode(t)

	// Node 2 asked first, so node 1 must wait for its RELEASE.
	deliver(t, n, configurations.Message{Type: configurations.MsgRequest, From: 2, Timestamp: 1, Clock: 1})

	done := make(chan error, 1)
	go func() { done <- n.Insert("5", "A-") }()
	waitFor(t, "REQUEST broadcast", func() bool { return tr.count(configurations.MsgRequest) == 2 })
	wanted := n.Status()
	if wanted.State != configurations.StateWanted || wanted.Queue[1].Timestamp != 3 || wanted.Attempt == uuid.Nil {
		t.Fatalf("status after insert = %+v", wanted)
	}

	deliver(t, n, configurations.Message{Type: configurations.MsgReply, From: 2, Clock: 4})
	deliver(t, n, configurations.Message{Type: configurations.MsgReply, From: 2, Clock: 4})
	if st := n.Status(); st.Replies != 1 {
		t.Fatalf("duplicate REPLY counted: %+v", st)
	}
	deliver(t, n, configurations.Message{Type: configurations.MsgReply, From: 3, Clock: 4})
	time.Sleep(20 * time.Millisecond)
	if st := n.Status(); st.State != configurations.StateWanted {
		t.Fatalf("admitted while node 2 heads the queue: %+v", st)
	}

	deliver(t, n, configurations.Message{Type: configurations.MsgRelease, From: 2, Clock: 5})
	waitFor(t, "HELD", func() bool { return n.Status().State == configurations.StateHeld })
	if held := n.Status(); held.Attempt != wanted.Attempt {
		t.Fatalf("attempt changed from %s to %s on entry", wanted.Attempt, held.Attempt)
	}
	if v, ok, _ := n.Lookup("5"); !ok || v != "A-" {
		t.Fatal("writer did not apply locally on entry")
	}
	waitFor(t, "INSERT broadcast", func() bool { return tr.count(configurations.MsgInsert) == 2 })

	deliver(t, n, configurations.Message{Type: configurations.MsgSuccess, From: 2, Clock: 6})
	deliver(t, n, configurations.Message{Type: configurations.MsgSuccess, From: 2, Clock: 6})
	if st := n.Status(); st.State != configurations.StateHeld || st.Successes != 1 {
		t.Fatalf("status after duplicate SUCCESS = %+v", st)
	}
	deliver(t, n, configurations.Message{Type: configurations.MsgSuccess, From: 3, Clock: 6})

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("insert did not complete")
	}
	if got := tr.count(configurations.MsgRelease); got != 2 {
		t.Fatalf("sent %d RELEASE messages, want 2", got)
	}
	st := n.Status()
	if st.State != configurations.StateReleased || len(st.Queue) != 0 || st.Replies != 0 || st.Successes != 0 || st.Attempt != uuid.Nil {
		t.Fatalf("status after completion = %+v", st)
	}
}

func TestAlreadyBusy(t *testing.T) {
	n, _ := newIsolatedNode(t)
	done := make(chan error, 1)
	go func() { done <- n.Insert("1", "a") }()
	waitFor(t, "WANTED", func() bool { return n.Status().State == configurations.StateWanted })

	if err := n.Insert("2", "b"); !errors.Is(err, ErrAlreadyBusy) {
		t.Fatalf("second insert = %v, want ErrAlreadyBusy", err)
	}
	n.Close()
	<-done
	if err := n.Insert("3", "c"); !errors.Is(err, ErrClosed) {
		t.Fatalf("insert after close = %v", err)
	}
}

func TestStaleAcknowledgementsIgnored(t *testing.T) {
	n, _ := newIsolatedNode(t)
	deliver(t, n, configurations.Message{Type: configurations.MsgReply, From: 2, Clock: 3})
	deliver(t, n, configurations.Message{Type: configurations.MsgSuccess, From: 3, Clock: 4})
	st := n.Status()
	if st.Replies != 0 || st.Successes != 0 || st.State != configurations.StateReleased {
		t.Fatalf("idle node recorded acknowledgements: %+v", st)
	}
	if st.Clock != 5 {
		t.Fatalf("clock = %d, want 5", st.Clock)
	}
}
