// Package sqlite implements kv.Backend on a single SQLite table using the
// pure-Go modernc.org/sqlite driver.
package sqlite

import (
	"bytes"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"strata/internal/kv"
)

const fileExt = ".sqlite"

const schemaSQL = `
CREATE TABLE IF NOT EXISTS kv (
	bucket BLOB NOT NULL,
	key    BLOB NOT NULL,
	value  BLOB,
	PRIMARY KEY (bucket, key)
) WITHOUT ROWID`

// Store implements kv.Backend. SQLite allows a single writer, so the pool
// is limited to one connection and transactions are serialized.
type Store struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at path.
func Open(path string) (*Store, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to sqlite db: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) View(fn func(kv.Tx) error) error {
	return s.run(false, fn)
}

func (s *Store) Update(fn func(kv.Tx) error) error {
	return s.run(true, fn)
}

func (s *Store) run(writable bool, fn func(kv.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&txn{tx: tx, writable: writable}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if !writable {
		return tx.Rollback()
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

type txn struct {
	tx       *sql.Tx
	writable bool
}

func (t *txn) Get(bucket, key []byte) ([]byte, error) {
	var v []byte
	err := t.tx.QueryRow(`SELECT value FROM kv WHERE bucket = ? AND key = ?`, bucket, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading key: %w", err)
	}
	if v == nil {
		v = []byte{}
	}
	return v, nil
}

func (t *txn) Put(bucket, key, value []byte) error {
	if !t.writable {
		return kv.ErrReadOnly
	}
	_, err := t.tx.Exec(`INSERT INTO kv (bucket, key, value) VALUES (?, ?, ?)
		ON CONFLICT (bucket, key) DO UPDATE SET value = excluded.value`, bucket, key, value)
	if err != nil {
		return fmt.Errorf("writing key: %w", err)
	}
	return nil
}

func (t *txn) Delete(bucket, key []byte) error {
	if !t.writable {
		return kv.ErrReadOnly
	}
	if _, err := t.tx.Exec(`DELETE FROM kv WHERE bucket = ? AND key = ?`, bucket, key); err != nil {
		return fmt.Errorf("deleting key: %w", err)
	}
	return nil
}

type pair struct {
	key, value []byte
}

// Scan reads the matching rows before calling fn, so fn may issue further
// statements on the same transaction.
func (t *txn) Scan(bucket, prefix []byte, fn func(key, value []byte) error) error {
	var (
		rows *sql.Rows
		err  error
	)
	if len(prefix) == 0 {
		rows, err = t.tx.Query(`SELECT key, value FROM kv WHERE bucket = ? ORDER BY key`, bucket)
	} else {
		rows, err = t.tx.Query(`SELECT key, value FROM kv WHERE bucket = ? AND key >= ? ORDER BY key`, bucket, prefix)
	}
	if err != nil {
		return fmt.Errorf("scanning bucket: %w", err)
	}

	var pairs []pair
	for rows.Next() {
		var p pair
		if err := rows.Scan(&p.key, &p.value); err != nil {
			rows.Close()
			return fmt.Errorf("scanning row: %w", err)
		}
		if !bytes.HasPrefix(p.key, prefix) {
			break
		}
		pairs = append(pairs, p)
	}
	if err := rows.Close(); err != nil {
		return fmt.Errorf("closing rows: %w", err)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating rows: %w", err)
	}

	for _, p := range pairs {
		if err := fn(p.key, p.value); err != nil {
			if errors.Is(err, kv.ErrStop) {
				return nil
			}
			return err
		}
	}
	return nil
}

func (t *txn) DeleteBucket(bucket []byte) error {
	if !t.writable {
		return kv.ErrReadOnly
	}
	if _, err := t.tx.Exec(`DELETE FROM kv WHERE bucket = ?`, bucket); err != nil {
		return fmt.Errorf("deleting bucket: %w", err)
	}
	return nil
}

// Opener keeps one SQLite file per database inside a directory.
type Opener struct {
	Dir string
}

// NewOpener returns an Opener rooted at dir, creating it if needed.
func NewOpener(dir string) (*Opener, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	return &Opener{Dir: dir}, nil
}

func (o *Opener) path(name string) string {
	return filepath.Join(o.Dir, url.PathEscape(name)+fileExt)
}

func (o *Opener) Open(name string) (kv.Backend, error) {
	return Open(o.path(name))
}

// Remove deletes the database file and its WAL side files.
func (o *Opener) Remove(name string) error {
	base := o.path(name)
	for _, p := range []string{base, base + "-wal", base + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing sqlite db: %w", err)
		}
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
