// Package cache provides the shared lookup caches used by the normalizer and
// the rule engine. Entries are immutable once written: callers replace values,
// never mutate them in place.
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// Cache is a concurrency-safe key/value cache with bounded size and TTL.
type Cache[V any] interface {
	Get(ctx context.Context, key string) (V, bool)
	Set(ctx context.Context, key string, value V)
	Delete(ctx context.Context, key string)
	Len() int
}

type entry[V any] struct {
	key       string
	value     V
	expiresAt time.Time
}

// Memory is an in-process LRU cache with per-entry expiry.
type Memory[V any] struct {
	mu       sync.Mutex
	ttl      time.Duration
	maxItems int
	order    *list.List
	items    map[string]*list.Element
	now      func() time.Time
}

// NewMemory builds a cache holding at most maxItems entries. A ttl of zero
// disables expiry.
func NewMemory[V any](maxItems int, ttl time.Duration) *Memory[V] {
	if maxItems <= 0 {
		maxItems = 1024
	}
	return &Memory[V]{
		ttl:      ttl,
		maxItems: maxItems,
		order:    list.New(),
		items:    make(map[string]*list.Element),
		now:      time.Now,
	}
}

func (m *Memory[V]) Get(_ context.Context, key string) (V, bool) {
	var zero V
	m.mu.Lock()
	defer m.mu.Unlock()

	elem, ok := m.items[key]
	if !ok {
		return zero, false
	}
	e := elem.Value.(*entry[V])
	if !e.expiresAt.IsZero() && m.now().After(e.expiresAt) {
		m.removeElement(elem)
		return zero, false
	}
	m.order.MoveToFront(elem)
	return e.value, true
}

func (m *Memory[V]) Set(_ context.Context, key string, value V) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expires time.Time
	if m.ttl > 0 {
		expires = m.now().Add(m.ttl)
	}
	if elem, ok := m.items[key]; ok {
		elem.Value = &entry[V]{key: key, value: value, expiresAt: expires}
		m.order.MoveToFront(elem)
		return
	}
	elem := m.order.PushFront(&entry[V]{key: key, value: value, expiresAt: expires})
	m.items[key] = elem
	for m.order.Len() > m.maxItems {
		m.removeElement(m.order.Back())
	}
}

func (m *Memory[V]) Delete(_ context.Context, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if elem, ok := m.items[key]; ok {
		m.removeElement(elem)
	}
}

func (m *Memory[V]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}

func (m *Memory[V]) removeElement(elem *list.Element) {
	m.order.Remove(elem)
	delete(m.items, elem.Value.(*entry[V]).key)
}
