// Package store provides the small durable key-value facility the client
// keeps local state in (pending chat request snapshot, cached identity).
package store

// KV is the persistence contract the chat core depends on. Get returns
// (nil, nil) when the key is absent.
type KV interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Remove(key string) error
	Close() error
}
