package ledger

import (
	"container/list"
	"sync"
	"time"
)

// ClientCache is the client-side set of recently sent article ids. It only
// saves bandwidth; the ledger still deduplicates everything it receives.
type ClientCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	max     int
	entries map[string]*list.Element
	order   *list.List // oldest first
}

type sentEntry struct {
	articleID string
	sentAt    time.Time
}

// NewClientCache keeps at most max ids for ttl each.
func NewClientCache(ttl time.Duration, max int) *ClientCache {
	if ttl <= 0 {
		ttl = DefaultDedupWindow
	}
	if max <= 0 {
		max = 1000
	}
	return &ClientCache{
		ttl:     ttl,
		max:     max,
		entries: make(map[string]*list.Element),
		order:   list.New(),
	}
}

// ShouldSend reports whether a view of articleID at now must be sent.
func (c *ClientCache) ShouldSend(articleID string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[articleID]
	if !ok {
		return true
	}
	if now.Sub(el.Value.(*sentEntry).sentAt) >= c.ttl {
		c.order.Remove(el)
		delete(c.entries, articleID)
		return true
	}
	return false
}

// MarkSent records that a view of articleID was delivered at now.
func (c *ClientCache) MarkSent(articleID string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[articleID]; ok {
		c.order.Remove(el)
	}
	c.entries[articleID] = c.order.PushBack(&sentEntry{articleID: articleID, sentAt: now})

	for c.order.Len() > c.max {
		oldest := c.order.Front()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*sentEntry).articleID)
	}
}

// Len is the number of ids currently held, expired ones included.
func (c *ClientCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
