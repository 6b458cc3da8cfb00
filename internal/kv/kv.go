// Package kv is the storage backend beneath the object-store engine: an
// ordered, bucketed byte store with atomic read and read-write transactions.
// bbolt is the default implementation; SQLite is available as an alternative
// without touching the engine.
package kv

import "errors"

var (
	// ErrStop may be returned from a Scan callback to end the scan early.
	// Scan itself then returns nil.
	ErrStop = errors.New("stop scan")

	// ErrLocked is returned by Opener.Open when another process holds the
	// database.
	ErrLocked = errors.New("database locked by another process")

	// ErrReadOnly is returned for writes inside a View transaction.
	ErrReadOnly = errors.New("write in read-only transaction")
)

// Backend is one opened database.
type Backend interface {
	// View runs fn in a read-only transaction.
	View(fn func(Tx) error) error
	// Update runs fn in a read-write transaction. It commits when fn returns
	// nil and rolls back otherwise.
	Update(fn func(Tx) error) error
	Close() error
}

// Tx is a transaction. Keys within a bucket are ordered bytewise.
// Missing buckets behave as empty.
type Tx interface {
	// Get returns a copy of the value, or nil when absent.
	Get(bucket, key []byte) ([]byte, error)
	Put(bucket, key, value []byte) error
	Delete(bucket, key []byte) error
	// Scan visits every key with the given prefix in ascending order. A nil
	// prefix visits the whole bucket. Key and value are only valid during
	// the callback.
	Scan(bucket, prefix []byte, fn func(key, value []byte) error) error
	DeleteBucket(bucket []byte) error
}

// Opener opens and removes databases by name.
type Opener interface {
	Open(name string) (Backend, error)
	// Remove deletes the named database. Removing a missing one succeeds.
	Remove(name string) error
	// List returns the names of databases that exist.
	List() ([]string, error)
}
