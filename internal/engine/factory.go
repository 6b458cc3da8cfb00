// Package engine is a versioned object-store engine. A database holds named
// object stores with secondary indexes; its schema changes only inside an
// upgrade transaction triggered by a version increase. Records are
// documents addressed by a primary key taken from the store's key path.
//
// Storage is delegated to a kv.Backend. Each read or write runs in exactly
// one backend transaction that commits or aborts as a whole.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"strata/internal/kv"
	"strata/internal/logging"
)

var logger = logging.For("engine")

// UpgradeFunc creates or alters stores and indexes during a version change.
// Returning an error aborts the upgrade; the stored version is unchanged.
type UpgradeFunc func(tx *UpgradeTx) error

// VersionChange is delivered to open connections when another connection
// upgrades or deletes their database. NewVersion is 0 for a delete.
type VersionChange struct {
	Database   string
	OldVersion uint64
	NewVersion uint64
}

// DatabaseInfo describes a database on disk.
type DatabaseInfo struct {
	Name    string `json:"name"`
	Version uint64 `json:"version"`
}

// database is the shared per-name state behind every Conn to it.
type database struct {
	name      string
	backend   kv.Backend
	conns     map[*Conn]struct{}
	pending   int  // opens in progress
	upgrading bool // a version change or delete is running
}

// Factory opens, upgrades and deletes databases. One Factory should own a
// data directory per process.
type Factory struct {
	opener kv.Opener

	mu  sync.Mutex
	dbs map[string]*database
}

// NewFactory returns a Factory over the given backend opener.
func NewFactory(opener kv.Opener) *Factory {
	return &Factory{
		opener: opener,
		dbs:    make(map[string]*database),
	}
}

// Open opens the named database at version, creating it when absent.
// Version 0 opens the current version, or 1 for a new database.
// A lower version than the stored one fails with ErrVersion. A higher
// version first sends a VersionChange to every other open connection,
// fails with ErrBlocked if any of them stays open, and then runs upgrade
// inside a single upgrade transaction.
func (f *Factory) Open(ctx context.Context, name string, version uint64, upgrade UpgradeFunc) (*Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, fmt.Errorf("%w: database name is empty", ErrSchema)
	}

	f.mu.Lock()
	db, err := f.acquireLocked(name)
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}

	c, err := f.open(db, version, upgrade)

	f.mu.Lock()
	db.pending--
	if err == nil {
		db.conns[c] = struct{}{}
		c.setState(StateOpen)
	}
	f.maybeCloseLocked(db)
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	logger.Debug("connection opened", "db", name, "version", c.Version(), "conn", c.ID())
	return c, nil
}

func (f *Factory) open(db *database, version uint64, upgrade UpgradeFunc) (*Conn, error) {
	var stored uint64
	if err := db.backend.View(func(tx kv.Tx) error {
		var err error
		stored, err = readVersion(tx)
		return err
	}); err != nil {
		return nil, fmt.Errorf("reading version of %q: %w", db.name, err)
	}

	if version == 0 {
		version = max(stored, 1)
	}
	if version < stored {
		return nil, fmt.Errorf("%w: database %q is at version %d, requested %d", ErrVersion, db.name, stored, version)
	}

	c := newConn(f, db)
	if version > stored {
		if err := f.beginUpgrade(db, c, version); err != nil {
			return nil, err
		}
		c.setState(StateUpgrading)
		err := c.runUpgrade(version, upgrade)
		f.endUpgrade(db)
		if err != nil {
			c.setState(StateClosed)
			return nil, err
		}
		return c, nil
	}

	if err := c.loadSchema(); err != nil {
		c.setState(StateClosed)
		return nil, err
	}
	return c, nil
}

// acquireLocked returns the shared state for name, opening the backend when
// nobody holds it. The caller must hold f.mu; pending is incremented.
func (f *Factory) acquireLocked(name string) (*database, error) {
	db, ok := f.dbs[name]
	if !ok {
		backend, err := f.opener.Open(name)
		if err != nil {
			if errors.Is(err, kv.ErrLocked) {
				return nil, fmt.Errorf("%w: %v", ErrBlocked, err)
			}
			return nil, fmt.Errorf("opening database %q: %w", name, err)
		}
		db = &database{
			name:    name,
			backend: backend,
			conns:   make(map[*Conn]struct{}),
		}
		f.dbs[name] = db
	}
	db.pending++
	return db, nil
}

// maybeCloseLocked releases the backend once nothing references it.
func (f *Factory) maybeCloseLocked(db *database) {
	if len(db.conns) > 0 || db.pending > 0 || db.upgrading {
		return
	}
	if f.dbs[db.name] != db {
		return
	}
	delete(f.dbs, db.name)
	if err := db.backend.Close(); err != nil {
		logger.Warn("closing backend", "db", db.name, "err", err)
	}
}

// beginUpgrade marks db as upgrading and asks every connection except self
// to step aside. It fails if another version change runs or if any
// connection stays open.
func (f *Factory) beginUpgrade(db *database, self *Conn, newVersion uint64) error {
	f.mu.Lock()
	if db.upgrading {
		f.mu.Unlock()
		return fmt.Errorf("database %q: %w", db.name, ErrUpgradeInProgress)
	}
	db.upgrading = true
	others := otherConns(db, self)
	f.mu.Unlock()

	for _, o := range others {
		o.versionChange(VersionChange{Database: db.name, OldVersion: o.Version(), NewVersion: newVersion})
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if remaining := len(otherConns(db, self)); remaining > 0 {
		db.upgrading = false
		return fmt.Errorf("upgrading %q to version %d: %w (%d open)", db.name, newVersion, ErrBlocked, remaining)
	}
	return nil
}

func (f *Factory) endUpgrade(db *database) {
	f.mu.Lock()
	db.upgrading = false
	f.maybeCloseLocked(db)
	f.mu.Unlock()
}

func otherConns(db *database, self *Conn) []*Conn {
	out := make([]*Conn, 0, len(db.conns))
	for c := range db.conns {
		if c != self {
			out = append(out, c)
		}
	}
	return out
}

// release drops a closed connection from its database.
func (f *Factory) release(c *Conn) {
	f.mu.Lock()
	delete(c.db.conns, c)
	f.maybeCloseLocked(c.db)
	f.mu.Unlock()
}

// DeleteDatabase removes the named database. Open connections receive a
// VersionChange with NewVersion 0 first; if any stays open the delete
// fails with ErrBlocked. Deleting a missing database succeeds.
func (f *Factory) DeleteDatabase(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if name == "" {
		return fmt.Errorf("%w: database name is empty", ErrSchema)
	}

	f.mu.Lock()
	db := f.dbs[name]
	var conns []*Conn
	if db != nil {
		if db.upgrading {
			f.mu.Unlock()
			return fmt.Errorf("deleting %q: %w", name, ErrUpgradeInProgress)
		}
		db.upgrading = true
		conns = otherConns(db, nil)
	}
	f.mu.Unlock()

	for _, c := range conns {
		c.versionChange(VersionChange{Database: name, OldVersion: c.Version(), NewVersion: 0})
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if db != nil {
		db.upgrading = false
		if open := len(db.conns) + db.pending; open > 0 {
			return fmt.Errorf("deleting %q: %w (%d open)", name, ErrBlocked, open)
		}
		f.maybeCloseLocked(db)
	}
	if err := f.opener.Remove(name); err != nil {
		return fmt.Errorf("deleting %q: %w", name, err)
	}
	logger.Info("database deleted", "db", name)
	return nil
}

// Databases lists the databases on disk with their stored versions.
func (f *Factory) Databases(ctx context.Context) ([]DatabaseInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	names, err := f.opener.List()
	if err != nil {
		return nil, err
	}
	sort.Strings(names)

	out := make([]DatabaseInfo, 0, len(names))
	for _, name := range names {
		v, err := f.Version(ctx, name)
		if err != nil {
			return nil, err
		}
		out = append(out, DatabaseInfo{Name: name, Version: v})
	}
	return out, nil
}

// Version returns the stored version of a database, 0 if it does not exist
// yet. It does not create the database.
func (f *Factory) Version(ctx context.Context, name string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	names, err := f.opener.List()
	if err != nil {
		return 0, err
	}
	found := false
	for _, n := range names {
		if n == name {
			found = true
			break
		}
	}
	if !found {
		return 0, nil
	}

	f.mu.Lock()
	db, err := f.acquireLocked(name)
	f.mu.Unlock()
	if err != nil {
		return 0, err
	}
	defer func() {
		f.mu.Lock()
		db.pending--
		f.maybeCloseLocked(db)
		f.mu.Unlock()
	}()

	var v uint64
	err = db.backend.View(func(tx kv.Tx) error {
		var err error
		v, err = readVersion(tx)
		return err
	})
	return v, err
}

// Close closes every open connection.
func (f *Factory) Close() error {
	f.mu.Lock()
	var conns []*Conn
	for _, db := range f.dbs {
		conns = append(conns, otherConns(db, nil)...)
	}
	f.mu.Unlock()

	var errs []error
	for _, c := range conns {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
