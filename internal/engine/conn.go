package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"strata/internal/kv"
	"strata/internal/schema"
)

// State is the lifecycle state of a connection.
type State int32

const (
	StateClosed State = iota
	StateOpening
	StateOpen
	StateUpgrading
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateUpgrading:
		return "upgrading"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Conn is one connection to a database. It is safe for concurrent use;
// transactions run concurrently with each other and exclusively with
// Upgrade and Close.
type Conn struct {
	id      string
	factory *Factory
	db      *database
	state   atomic.Int32

	// mu is held shared by transactions and exclusively by Upgrade/Close.
	mu      sync.RWMutex
	version uint64
	stores  map[string]schema.StoreSchema

	vcMu     sync.Mutex
	onChange func(VersionChange)
}

func newConn(f *Factory, db *database) *Conn {
	c := &Conn{
		id:      uuid.NewString(),
		factory: f,
		db:      db,
		stores:  make(map[string]schema.StoreSchema),
	}
	c.setState(StateOpening)
	return c
}

func (c *Conn) setState(s State) { c.state.Store(int32(s)) }

// State returns the current lifecycle state.
func (c *Conn) State() State { return State(c.state.Load()) }

// ID returns a unique identifier for this connection.
func (c *Conn) ID() string { return c.id }

// Name returns the database name.
func (c *Conn) Name() string { return c.db.name }

// Version returns the version this connection was opened or upgraded at.
func (c *Conn) Version() uint64 {
	c.vcMu.Lock()
	defer c.vcMu.Unlock()
	return c.version
}

// StoreNames returns the names of the stores known to this connection.
func (c *Conn) StoreNames() []string {
	c.vcMu.Lock()
	defer c.vcMu.Unlock()
	names := make([]string, 0, len(c.stores))
	for _, s := range sortedStores(c.stores) {
		names = append(names, s.Name)
	}
	return names
}

func (c *Conn) setSchema(version uint64, stores map[string]schema.StoreSchema) {
	c.vcMu.Lock()
	c.version = version
	c.stores = stores
	c.vcMu.Unlock()
}

// OnVersionChange registers the handler called when another connection
// upgrades or deletes this database. The handler runs on the goroutine of
// the other party and should close the connection if it cannot continue.
// Without a handler the connection stays open and blocks the other party.
func (c *Conn) OnVersionChange(fn func(VersionChange)) {
	c.vcMu.Lock()
	c.onChange = fn
	c.vcMu.Unlock()
}

func (c *Conn) versionChange(ev VersionChange) {
	c.vcMu.Lock()
	fn := c.onChange
	c.vcMu.Unlock()
	if fn == nil {
		logger.Debug("version change with no handler", "db", ev.Database, "conn", c.id)
		return
	}
	fn(ev)
}

func (c *Conn) loadSchema() error {
	var (
		version uint64
		stores  map[string]schema.StoreSchema
	)
	err := c.db.backend.View(func(tx kv.Tx) error {
		var err error
		if version, err = readVersion(tx); err != nil {
			return err
		}
		stores, err = readStores(tx)
		return err
	})
	if err != nil {
		return fmt.Errorf("loading schema of %q: %w", c.db.name, err)
	}
	c.setSchema(version, stores)
	return nil
}

// Schema reads the version and store schemas from live metadata, so it also
// sees changes made by other connections.
func (c *Conn) Schema(ctx context.Context) (uint64, []schema.StoreSchema, error) {
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.State() != StateOpen {
		return 0, nil, ErrClosed
	}

	var (
		version uint64
		stores  map[string]schema.StoreSchema
	)
	err := c.db.backend.View(func(tx kv.Tx) error {
		var err error
		if version, err = readVersion(tx); err != nil {
			return err
		}
		stores, err = readStores(tx)
		return err
	})
	if err != nil {
		return 0, nil, err
	}
	return version, sortedStores(stores), nil
}

// runUpgrade moves the database to version inside one write transaction.
// The connection's cached schema changes only when it commits.
func (c *Conn) runUpgrade(version uint64, fn UpgradeFunc) error {
	var utx *UpgradeTx
	err := c.db.backend.Update(func(tx kv.Tx) error {
		stored, err := readVersion(tx)
		if err != nil {
			return err
		}
		stores, err := readStores(tx)
		if err != nil {
			return err
		}
		utx = &UpgradeTx{
			tx:     tx,
			db:     c.db.name,
			oldVer: stored,
			newVer: version,
			stores: stores,
		}
		switch {
		case stored > version:
			return fmt.Errorf("%w: database %q is at version %d, requested %d", ErrVersion, c.db.name, stored, version)
		case stored == version:
			// Another connection finished the same upgrade first.
			return nil
		}
		if err := writeUint(tx, versionKey, version); err != nil {
			return err
		}
		if fn == nil {
			return nil
		}
		return fn(utx)
	})
	if err != nil {
		return fmt.Errorf("upgrading %q to version %d: %w", c.db.name, version, err)
	}
	c.setSchema(version, utx.stores)
	logger.Info("database upgraded", "db", c.db.name, "from", utx.oldVer, "to", version)
	return nil
}

// Upgrade raises the version of an open connection and runs fn in the
// upgrade transaction. Other connections receive a VersionChange first.
// The version change is delivered before c.mu is taken, so handlers may
// still use this connection.
func (c *Conn) Upgrade(ctx context.Context, newVersion uint64, fn UpgradeFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.checkUpgrade(newVersion); err != nil {
		return err
	}
	if err := c.factory.beginUpgrade(c.db, c, newVersion); err != nil {
		return err
	}
	defer c.factory.endUpgrade(c.db)

	c.mu.Lock()
	defer c.mu.Unlock()
	// A version change handler may have closed this connection.
	if err := c.checkUpgrade(newVersion); err != nil {
		return err
	}
	c.setState(StateUpgrading)
	err := c.runUpgrade(newVersion, fn)
	c.setState(StateOpen)
	return err
}

func (c *Conn) checkUpgrade(newVersion uint64) error {
	if c.State() != StateOpen {
		return ErrClosed
	}
	if cur := c.Version(); newVersion <= cur {
		return fmt.Errorf("%w: upgrade of %q to %d, already at %d", ErrVersion, c.db.name, newVersion, cur)
	}
	return nil
}

// View runs fn in a read-only transaction over the named stores. A nil
// scope allows every store.
func (c *Conn) View(ctx context.Context, stores []string, fn func(tx *Tx) error) error {
	return c.run(ctx, false, stores, fn)
}

// Update runs fn in a read-write transaction over the named stores. The
// transaction commits when fn returns nil.
func (c *Conn) Update(ctx context.Context, stores []string, fn func(tx *Tx) error) error {
	return c.run(ctx, true, stores, fn)
}

func (c *Conn) run(ctx context.Context, writable bool, names []string, fn func(tx *Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.State() != StateOpen {
		return ErrClosed
	}

	c.vcMu.Lock()
	known := c.stores
	c.vcMu.Unlock()

	scope := known
	if names != nil {
		scope = make(map[string]schema.StoreSchema, len(names))
		for _, n := range names {
			s, ok := known[n]
			if !ok {
				return fmt.Errorf("%w: no object store %q in %q", ErrSchema, n, c.db.name)
			}
			scope[n] = s
		}
	}

	body := func(ktx kv.Tx) error {
		return fn(&Tx{kv: ktx, db: c.db.name, scope: scope, writable: writable})
	}
	if writable {
		return c.db.backend.Update(body)
	}
	return c.db.backend.View(body)
}

// Close waits for in-flight transactions and closes the connection.
// Closing twice is a no-op.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.State() == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.setState(StateClosed)
	c.mu.Unlock()

	c.factory.release(c)
	logger.Debug("connection closed", "db", c.db.name, "conn", c.id)
	return nil
}
