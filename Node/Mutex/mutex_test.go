package mutex

import (
	"math/rand"
	"sync"
	"testing"

	configurations "lamport-kv/Configurations"
)

func TestClockMonotonic(t *testing.T) {
	var c Clock
	last := c.Now()
	for i := 0; i < 1000; i++ {
		var v uint64
		if rand.Intn(2) == 0 {
			v = c.Send()
		} else {
			v = c.Receive(uint64(rand.Intn(2000)))
		}
		if v <= last {
			t.Fatalf("step %d: clock went from %d to %d", i, last, v)
		}
		last = v
	}
}

func TestClockReceive(t *testing.T) {
	var c Clock
	if v := c.Receive(5); v != 6 {
		t.Fatalf("Receive(5) on fresh clock = %d, want 6", v)
	}
	if v := c.Receive(2); v != 7 {
		t.Fatalf("Receive(2) at 6 = %d, want 7", v)
	}
	if v := c.Send(); v != 8 {
		t.Fatalf("Send at 7 = %d, want 8", v)
	}
	if v := c.Now(); v != 8 {
		t.Fatalf("Now = %d, want 8", v)
	}
}

func TestClockConcurrent(t *testing.T) {
	var c Clock
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				c.Send()
			}
		}()
	}
	wg.Wait()
	if v := c.Now(); v != 8*500 {
		t.Fatalf("after concurrent sends clock = %d, want %d", v, 8*500)
	}
}

func checkOrdered(t *testing.T, q *Queue) {
	t.Helper()
	entries := q.Entries()
	seen := make(map[configurations.NodeID]bool)
	for i, e := range entries {
		if seen[e.Node] {
			t.Fatalf("node %d appears twice in %v", e.Node, q)
		}
		seen[e.Node] = true
		if i > 0 && !entries[i-1].Less(e) {
			t.Fatalf("queue not strictly ordered: %v", q)
		}
	}
}

func TestQueueOrder(t *testing.T) {
	var q Queue
	if _, ok := q.Head(); ok {
		t.Fatal("empty queue has a head")
	}
	q.Push(3, 1)
	q.Push(1, 3)
	q.Push(1, 2)
	q.Push(2, 4)
	checkOrdered(t, &q)

	want := []Entry{{1, 2}, {1, 3}, {2, 4}, {3, 1}}
	got := q.Entries()
	if len(got) != len(want) {
		t.Fatalf("entries = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("entries = %v, want %v", got, want)
		}
	}
	if !q.IsHead(2) || q.IsHead(3) {
		t.Fatalf("head should be node 2: %v", &q)
	}

	q.Remove(2)
	q.Remove(9)
	if !q.IsHead(3) {
		t.Fatalf("after removing 2 head should be node 3: %v", &q)
	}
	if q.Len() != 3 {
		t.Fatalf("len = %d, want 3", q.Len())
	}
}

func TestQueueSingleEntryPerNode(t *testing.T) {
	var q Queue
	q.Push(5, 1)
	q.Push(2, 1)
	if q.Len() != 1 {
		t.Fatalf("len = %d, want 1", q.Len())
	}
	if head, _ := q.Head(); head.Timestamp != 2 {
		t.Fatalf("head = %v, want timestamp 2", head)
	}
}

func TestQueueRandomized(t *testing.T) {
	var q Queue
	for i := 0; i < 2000; i++ {
		node := configurations.NodeID(rand.Intn(10))
		if rand.Intn(3) == 0 {
			q.Remove(node)
		} else {
			q.Push(uint64(rand.Intn(50)), node)
		}
		checkOrdered(t, &q)
	}
}
