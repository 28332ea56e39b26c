// Package fetch wraps backend reads with cache-first lookup, conditional
// revalidation, and stale fallback on network failure.
package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"textbridge/internal/api"
	"textbridge/internal/cache"
	"textbridge/internal/logging"
)

// Getter is the network dependency. *api.Client satisfies it.
type Getter interface {
	Get(ctx context.Context, path, etag string) (*api.FetchResult, error)
}

// Result carries fetched data plus its provenance.
type Result struct {
	Data      json.RawMessage
	FromCache bool
	// Stale marks a stale-fallback success: the network failed and the
	// data is past its TTL. Degraded freshness, not an error.
	Stale bool
}

// Fetcher serves read-mostly resources through the two-tier cache.
type Fetcher struct {
	store  *cache.Store
	getter Getter
	sf     singleflight.Group
}

// NewFetcher creates a fetcher over the given cache store and network
// dependency.
func NewFetcher(store *cache.Store, getter Getter) *Fetcher {
	return &Fetcher{store: store, getter: getter}
}

// FetchWithCache returns the resource at path, preferring the cache.
//
//  1. A fresh cached entry is returned without touching the network.
//  2. Otherwise the backend is called, sending any stored revalidation
//     token as a conditional hint.
//  3. "Not modified" refreshes the entry's timestamp and returns the
//     cached data.
//  4. New data replaces the entry (with any new token).
//  5. On network failure, an arbitrarily stale entry is returned if one
//     exists; only when both paths fail does the error propagate.
//
// Concurrent calls for the same key share one network flight.
func (f *Fetcher) FetchWithCache(ctx context.Context, path, key, identityID string, ttl time.Duration) (*Result, error) {
	if data, ok := f.store.Get(key, identityID, 0); ok {
		return &Result{Data: data, FromCache: true}, nil
	}

	flightKey := f.store.Key(key, identityID)
	v, err, shared := f.sf.Do(flightKey, func() (interface{}, error) {
		return f.revalidate(ctx, path, key, identityID, ttl)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		logging.CacheDebug("Shared in-flight fetch for %s", flightKey)
	}
	return v.(*Result), nil
}

func (f *Fetcher) revalidate(ctx context.Context, path, key, identityID string, ttl time.Duration) (*Result, error) {
	// Re-check under the flight: a concurrent caller may have filled the
	// cache while we waited our turn.
	if data, ok := f.store.Get(key, identityID, 0); ok {
		return &Result{Data: data, FromCache: true}, nil
	}

	etag := ""
	if e, ok := f.store.GetEntry(key, identityID, cache.AnyAge); ok {
		etag = e.RevalidationToken
	}

	res, err := f.getter.Get(ctx, path, etag)
	if err != nil {
		// Stale fallback: prioritize availability over freshness.
		if data, ok := f.store.Get(key, identityID, cache.AnyAge); ok {
			logging.CacheWarn("Fetch of %s failed (%v); serving stale cache", path, err)
			return &Result{Data: data, FromCache: true, Stale: true}, nil
		}
		return nil, fmt.Errorf("fetch of %s failed with no cached fallback: %w", path, err)
	}

	if res.NotModified {
		f.store.Touch(key, identityID)
		data, ok := f.store.Get(key, identityID, 0)
		if !ok {
			// The entry vanished between the conditional call and the
			// touch (sweep or invalidation). Treat as a plain miss and
			// refetch unconditionally.
			logging.CacheWarn("Entry for %s disappeared during revalidation, refetching", key)
			full, err := f.getter.Get(ctx, path, "")
			if err != nil {
				return nil, fmt.Errorf("refetch of %s failed: %w", path, err)
			}
			f.store.Set(key, identityID, full.Body, ttl, full.Etag)
			return &Result{Data: full.Body, FromCache: false}, nil
		}
		return &Result{Data: data, FromCache: true}, nil
	}

	f.store.Set(key, identityID, res.Body, ttl, res.Etag)
	return &Result{Data: res.Body, FromCache: false}, nil
}
