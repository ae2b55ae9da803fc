// Package dedup tracks recently persisted message ids so redelivered
// messages can be acknowledged without a second storage write.
package dedup

import (
	"container/list"
	"sync"

	"github.com/novatechflow/jasminmongologd/internal/record"
)

// Cache is an LRU over message-id/kind pairs. It is a tolerance mechanism,
// not a correctness one: a miss only costs an extra idempotent upsert.
type Cache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[string]*list.Element
}

// New creates a cache holding up to capacity entries.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = 1
	}
	return &Cache{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[string]*list.Element),
	}
}

func makeKey(id string, kind record.Kind) string {
	return string(kind) + ":" + id
}

// Seen reports whether the id/kind pair was marked persisted recently.
func (c *Cache) Seen(id string, kind record.Kind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[makeKey(id, kind)]; ok {
		c.ll.MoveToFront(elem)
		return true
	}
	return false
}

// Mark records a persisted id/kind pair, evicting the oldest entry when full.
// Delivery receipts are never marked: each one appends to the document, so a
// redelivered receipt must still be written.
func (c *Cache) Mark(id string, kind record.Kind) {
	if kind == record.KindDLR {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	key := makeKey(id, kind)
	if elem, ok := c.items[key]; ok {
		c.ll.MoveToFront(elem)
		return
	}
	c.items[key] = c.ll.PushFront(key)
	for c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		c.ll.Remove(oldest)
		delete(c.items, oldest.Value.(string))
	}
}

// Len reports the current number of tracked entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
