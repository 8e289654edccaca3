package mutex

import "sync"

// Clock is a Lamport logical clock. The zero value is ready to use.
type Clock struct {
	mu    sync.Mutex
	value uint64
}

// Send advances the clock for a locally originated request and returns the
// new value.
func (c *Clock) Send() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value++
	return c.value
}

// Receive merges an incoming timestamp: max(local, incoming) + 1.
func (c *Clock) Receive(incoming uint64) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if incoming > c.value {
		c.value = incoming
	}
	c.value++
	return c.value
}

func (c *Clock) Now() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}
