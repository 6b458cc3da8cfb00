package bolt

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
	bolterrors "go.etcd.io/bbolt/errors"

	"strata/internal/kv"
)

const fileExt = ".db"

// Store implements kv.Backend using bbolt (embedded B+ tree).
// bbolt allows one writer and many concurrent readers.
type Store struct {
	db *bolt.DB
}

// Open creates or opens a bbolt database at the given path. If another
// process holds the file lock for longer than timeout, kv.ErrLocked is
// returned. A zero timeout waits forever.
func Open(path string, timeout time.Duration) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: timeout})
	if err != nil {
		if errors.Is(err, bolterrors.ErrTimeout) {
			return nil, fmt.Errorf("opening bolt db %s: %w", path, kv.ErrLocked)
		}
		return nil, fmt.Errorf("opening bolt db: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) View(fn func(kv.Tx) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return fn(&txn{tx: tx})
	})
}

func (s *Store) Update(fn func(kv.Tx) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(&txn{tx: tx})
	})
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.db.Path()
}

type txn struct {
	tx *bolt.Tx
}

func (t *txn) Get(bucket, key []byte) ([]byte, error) {
	b := t.tx.Bucket(bucket)
	if b == nil {
		return nil, nil
	}
	v := b.Get(key)
	if v == nil {
		return nil, nil
	}
	val := make([]byte, len(v))
	copy(val, v)
	return val, nil
}

func (t *txn) Put(bucket, key, value []byte) error {
	if !t.tx.Writable() {
		return kv.ErrReadOnly
	}
	b, err := t.tx.CreateBucketIfNotExists(bucket)
	if err != nil {
		return fmt.Errorf("creating bucket: %w", err)
	}
	return b.Put(key, value)
}

func (t *txn) Delete(bucket, key []byte) error {
	if !t.tx.Writable() {
		return kv.ErrReadOnly
	}
	b := t.tx.Bucket(bucket)
	if b == nil {
		return nil
	}
	return b.Delete(key)
}

func (t *txn) Scan(bucket, prefix []byte, fn func(key, value []byte) error) error {
	b := t.tx.Bucket(bucket)
	if b == nil {
		return nil
	}
	c := b.Cursor()
	var k, v []byte
	if len(prefix) == 0 {
		k, v = c.First()
	} else {
		k, v = c.Seek(prefix)
	}
	for ; k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		if err := fn(k, v); err != nil {
			if errors.Is(err, kv.ErrStop) {
				return nil
			}
			return err
		}
	}
	return nil
}

func (t *txn) DeleteBucket(bucket []byte) error {
	if !t.tx.Writable() {
		return kv.ErrReadOnly
	}
	err := t.tx.DeleteBucket(bucket)
	if errors.Is(err, bolterrors.ErrBucketNotFound) {
		return nil
	}
	return err
}

// Opener keeps one bbolt file per database inside a directory.
type Opener struct {
	Dir     string
	Timeout time.Duration
}

// NewOpener returns an Opener rooted at dir, creating it if needed.
func NewOpener(dir string, timeout time.Duration) (*Opener, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	return &Opener{Dir: dir, Timeout: timeout}, nil
}

func (o *Opener) path(name string) string {
	return filepath.Join(o.Dir, url.PathEscape(name)+fileExt)
}

func (o *Opener) Open(name string) (kv.Backend, error) {
	return Open(o.path(name), o.Timeout)
}

func (o *Opener) Remove(name string) error {
	err := os.Remove(o.path(name))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing bolt db: %w", err)
	}
	return nil
}

func (o *Opener) List() ([]string, error) {
	entries, err := os.ReadDir(o.Dir)
	if err != nil {
		return nil, fmt.Errorf("listing data dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileExt) {
			continue
		}
		name, err := url.PathUnescape(strings.TrimSuffix(e.Name(), fileExt))
		if err != nil {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

// FilePath returns the file backing the named database.
func (o *Opener) FilePath(name string) string {
	return o.path(name)
}
