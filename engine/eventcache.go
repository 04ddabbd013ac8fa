package engine

import "sync"

// eventCache is a bounded FIFO set of recently seen event IDs used to
// short-circuit duplicate deliveries before they hit storage.
type eventCache struct {
	mu    sync.Mutex
	ids   map[string]struct{}
	order []string
	max   int
}

func newEventCache(max int) *eventCache {
	if max <= 0 {
		max = 10000
	}
	return &eventCache{
		ids: make(map[string]struct{}, max),
		max: max,
	}
}

// Has reports whether the ID is present without recording it
func (c *eventCache) Has(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.ids[id]
	return ok
}

// Add records the ID, evicting the oldest entry past capacity
func (c *eventCache) Add(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.ids[id]; ok {
		return
	}

	c.ids[id] = struct{}{}
	c.order = append(c.order, id)

	if len(c.order) > c.max {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.ids, oldest)
	}
}

// Len returns the number of cached IDs
func (c *eventCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ids)
}
