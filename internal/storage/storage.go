// Package storage abstracts the durable key/value layer behind a minimal
// interface so production can run on SQLite while tests run on a map.
package storage

// Storage is the durable tier contract consumed by the cache.
type Storage interface {
	// Get returns the raw value for key. ok is false on a missing key.
	Get(key string) (value []byte, ok bool, err error)
	// Set writes value under key, replacing any existing value wholesale.
	Set(key string, value []byte) error
	// Remove deletes key. Removing a missing key is not an error.
	Remove(key string) error
	// ListKeys returns every key with the given prefix.
	ListKeys(prefix string) ([]string, error)
	// Close releases underlying resources.
	Close() error
}
