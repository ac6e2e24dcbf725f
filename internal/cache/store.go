// Package cache provides an in-memory key-value store with explicit per-entry expiry.
package cache

import (
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTLStore is a concurrency-safe map whose entries expire. Expired entries are evicted
// when they are read; Purge removes all of them at once.
//
// Entries live in a ttlcache.Cache with their wall-clock ttl. Freshness is decided by
// the store clock so callers with a fixed clock see consistent expiry.
type TTLStore[V any] struct {
	items *ttlcache.Cache[string, entry[V]]
	clock func() time.Time
}

// NewTTLStore creates an empty store. A nil clock falls back to time.Now.
func NewTTLStore[V any](clock func() time.Time) *TTLStore[V] {
	if clock == nil {
		clock = time.Now
	}
	return &TTLStore[V]{
		items: ttlcache.New[string, entry[V]](
			ttlcache.WithDisableTouchOnHit[string, entry[V]](),
		),
		clock: clock,
	}
}

func (s *TTLStore[V]) expired(e entry[V]) bool {
	return !s.clock().Before(e.expiresAt)
}

// Get returns the value for key if it exists and has not expired.
func (s *TTLStore[V]) Get(key string) (V, bool) {
	var zero V

	item := s.items.Get(key)
	if item == nil {
		return zero, false
	}
	e := item.Value()
	if s.expired(e) {
		s.items.Delete(key)
		return zero, false
	}
	return e.value, true
}

// Set stores value under key for ttl. A non-positive ttl removes the key instead.
func (s *TTLStore[V]) Set(key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		s.items.Delete(key)
		return
	}
	s.items.Set(key, entry[V]{value: value, expiresAt: s.clock().Add(ttl)}, ttl)
}

// ExpiresAt returns the expiry of key, or the zero time if it is not stored.
// It does not evict.
func (s *TTLStore[V]) ExpiresAt(key string) time.Time {
	item := s.items.Get(key)
	if item == nil {
		return time.Time{}
	}
	return item.Value().expiresAt
}

// Delete removes key.
func (s *TTLStore[V]) Delete(key string) {
	s.items.Delete(key)
}

// DeleteByPrefix removes every key starting with prefix and returns how many were removed.
func (s *TTLStore[V]) DeleteByPrefix(prefix string) int {
	n := 0
	for _, k := range s.items.Keys() {
		if strings.HasPrefix(k, prefix) {
			s.items.Delete(k)
			n++
		}
	}
	return n
}

// Purge evicts every expired entry and returns how many were removed.
func (s *TTLStore[V]) Purge() int {
	n := 0
	for k, item := range s.items.Items() {
		if s.expired(item.Value()) {
			s.items.Delete(k)
			n++
		}
	}
	s.items.DeleteExpired()
	return n
}

// Len returns the number of stored entries, expired or not.
func (s *TTLStore[V]) Len() int {
	return s.items.Len()
}
