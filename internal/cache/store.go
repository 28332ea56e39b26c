// Package cache implements the two-tier (memory + durable) TTL cache that
// shields the host from redundant backend calls for read-mostly resources.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"textbridge/internal/logging"
	"textbridge/internal/storage"
)

// AnyAge disables the freshness check on a read, accepting arbitrarily
// stale entries. Used by the stale-fallback path.
const AnyAge = time.Duration(-1)

// DefaultTTL applies when Set is called with ttl <= 0.
const DefaultTTL = 5 * time.Minute

// Entry is the durable on-disk shape of one cached resource. Entries are
// replaced wholesale on every write and never mutated in place, so a reader
// cannot observe a partially updated entry.
type Entry struct {
	Data              json.RawMessage `json:"data"`
	Timestamp         int64           `json:"timestamp"` // ms epoch
	TTL               int64           `json:"ttl"`       // ms
	RevalidationToken string          `json:"revalidationToken,omitempty"`
}

// fresh reports whether the entry is within its TTL at time now.
// ttlOverride > 0 replaces the entry's own TTL; AnyAge accepts anything.
func (e Entry) fresh(now time.Time, ttlOverride time.Duration) bool {
	if ttlOverride == AnyAge {
		return true
	}
	ttl := time.Duration(e.TTL) * time.Millisecond
	if ttlOverride > 0 {
		ttl = ttlOverride
	}
	return now.Sub(time.UnixMilli(e.Timestamp)) < ttl
}

// Store is the two-tier cache. The memory tier holds deserialized entries
// for fast reads; the durable tier survives restarts. Durable-tier IO
// failures are absorbed as misses and never surface to callers.
type Store struct {
	mu      sync.RWMutex
	mem     map[string]Entry
	durable storage.Storage
	prefix  string
	now     func() time.Time // replaced in tests
}

// NewStore creates a cache backed by the given durable storage.
func NewStore(durable storage.Storage) *Store {
	return &Store{
		mem:     make(map[string]Entry),
		durable: durable,
		prefix:  "tb_",
		now:     time.Now,
	}
}

// Key builds the composite cache key for a resource, optionally scoped to
// an identity.
func (s *Store) Key(resource, identityID string) string {
	if identityID == "" {
		return s.prefix + resource
	}
	return s.prefix + identityID + "_" + resource
}

// Get returns a copy of the cached data for the resource, or ok=false on a
// miss or stale entry. The memory tier is consulted first; a fresh durable
// hit is promoted to memory.
func (s *Store) Get(resource, identityID string, ttlOverride time.Duration) (json.RawMessage, bool) {
	e, ok := s.GetEntry(resource, identityID, ttlOverride)
	if !ok {
		return nil, false
	}
	return e.Data, true
}

// GetEntry is Get plus the entry metadata (revalidation token, timestamp).
// The returned entry's Data is a copy; mutating it cannot corrupt the cache.
func (s *Store) GetEntry(resource, identityID string, ttlOverride time.Duration) (Entry, bool) {
	key := s.Key(resource, identityID)
	now := s.now()

	s.mu.RLock()
	e, ok := s.mem[key]
	s.mu.RUnlock()
	if ok && e.fresh(now, ttlOverride) {
		logging.CacheDebug("Memory hit for %s", key)
		return copyEntry(e), true
	}

	e, ok = s.readDurable(key)
	if !ok || !e.fresh(now, ttlOverride) {
		logging.CacheDebug("Miss for %s", key)
		return Entry{}, false
	}

	// Promote to the memory tier.
	s.mu.Lock()
	s.mem[key] = e
	s.mu.Unlock()
	logging.CacheDebug("Durable hit for %s, promoted", key)
	return copyEntry(e), true
}

// Set writes a new entry to both tiers unconditionally.
func (s *Store) Set(resource, identityID string, data json.RawMessage, ttl time.Duration, revalidationToken string) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	key := s.Key(resource, identityID)
	e := Entry{
		Data:              append(json.RawMessage(nil), data...),
		Timestamp:         s.now().UnixMilli(),
		TTL:               ttl.Milliseconds(),
		RevalidationToken: revalidationToken,
	}

	s.mu.Lock()
	s.mem[key] = e
	s.mu.Unlock()

	s.writeDurable(key, e)
}

// Touch refreshes the entry's timestamp while keeping its data and
// revalidation token. Used after a not-modified revalidation. Touching a
// missing key is a no-op.
func (s *Store) Touch(resource, identityID string) bool {
	e, ok := s.GetEntry(resource, identityID, AnyAge)
	if !ok {
		return false
	}
	key := s.Key(resource, identityID)
	e.Timestamp = s.now().UnixMilli()

	s.mu.Lock()
	s.mem[key] = e
	s.mu.Unlock()

	s.writeDurable(key, e)
	return true
}

// Invalidate removes the entry for a resource from both tiers.
func (s *Store) Invalidate(resource, identityID string) {
	key := s.Key(resource, identityID)
	s.mu.Lock()
	delete(s.mem, key)
	s.mu.Unlock()

	if err := s.durable.Remove(key); err != nil {
		logging.CacheWarn("Failed to remove %s from durable tier: %v", key, err)
	}
}

// InvalidateIdentity removes every entry keyed under the given identity
// from both tiers. Entries for other identities are untouched.
func (s *Store) InvalidateIdentity(identityID string) {
	if identityID == "" {
		return
	}
	scan := s.prefix + identityID + "_"

	keys, err := s.durable.ListKeys(scan)
	if err != nil {
		logging.CacheWarn("Failed to list durable keys for %s: %v", identityID, err)
		keys = nil
	}

	s.mu.Lock()
	for k := range s.mem {
		if strings.HasPrefix(k, scan) {
			delete(s.mem, k)
		}
	}
	s.mu.Unlock()

	for _, k := range keys {
		if err := s.durable.Remove(k); err != nil {
			logging.CacheWarn("Failed to remove %s from durable tier: %v", k, err)
		}
	}
	logging.Cache("Invalidated %d durable entries for identity %s", len(keys), identityID)
}

// Sweep removes every entry whose age exceeds its own TTL, across both
// tiers, independent of access patterns. Sweep only removes; it never
// resurrects or partially updates entries, so a concurrent Set of the same
// key always wins.
func (s *Store) Sweep() int {
	now := s.now()
	removed := 0

	s.mu.Lock()
	for k, e := range s.mem {
		if !e.fresh(now, 0) {
			delete(s.mem, k)
			removed++
		}
	}
	s.mu.Unlock()

	keys, err := s.durable.ListKeys(s.prefix)
	if err != nil {
		logging.CacheWarn("Sweep: failed to list durable keys: %v", err)
		return removed
	}
	for _, k := range keys {
		e, ok := s.readDurable(k)
		if !ok {
			continue
		}
		if !e.fresh(now, 0) {
			if err := s.durable.Remove(k); err != nil {
				logging.CacheWarn("Sweep: failed to remove %s: %v", k, err)
				continue
			}
			removed++
		}
	}

	if removed > 0 {
		logging.Cache("Sweep removed %d expired entries", removed)
	}
	return removed
}

// StartSweeper runs Sweep on a periodic timer until ctx is cancelled.
func (s *Store) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep()
			}
		}
	}()
}

func (s *Store) readDurable(key string) (Entry, bool) {
	raw, ok, err := s.durable.Get(key)
	if err != nil {
		// A storage fault degrades to a miss, never an error for the caller.
		logging.CacheWarn("Durable read for %s failed: %v", key, err)
		return Entry{}, false
	}
	if !ok {
		return Entry{}, false
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		logging.CacheWarn("Corrupt durable entry for %s: %v", key, err)
		return Entry{}, false
	}
	return e, true
}

func (s *Store) writeDurable(key string, e Entry) {
	raw, err := json.Marshal(e)
	if err != nil {
		logging.CacheWarn("Failed to marshal entry for %s: %v", key, err)
		return
	}
	if err := s.durable.Set(key, raw); err != nil {
		logging.CacheWarn("Durable write for %s failed: %v", key, err)
	}
}

func copyEntry(e Entry) Entry {
	e.Data = append(json.RawMessage(nil), e.Data...)
	return e
}

// String describes the store for debug output.
func (s *Store) String() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fmt.Sprintf("cache.Store{mem=%d, prefix=%q}", len(s.mem), s.prefix)
}
