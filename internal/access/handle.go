package access

import (
	"context"
	"fmt"

	"strata/internal/engine"
	"strata/internal/notify"
	"strata/internal/schema"
)

// Handle is an open connection to the managed database. Every operation on
// a closed handle fails with a ConnectionError.
type Handle struct {
	m    *Manager
	conn *engine.Conn
}

// Name returns the database name.
func (h *Handle) Name() string { return h.conn.Name() }

// Version returns the version the handle is connected at.
func (h *Handle) Version() uint64 { return h.conn.Version() }

// Open reports whether the handle can still be used.
func (h *Handle) Open() bool { return h.conn.State() == engine.StateOpen }

// Close closes the handle. Closing twice is a no-op.
func (h *Handle) Close() error {
	return h.conn.Close()
}

func (h *Handle) onVersionChange(ev engine.VersionChange) {
	msg := fmt.Sprintf("database %s is changing from version %d to %d", ev.Database, ev.OldVersion, ev.NewVersion)
	if ev.NewVersion == 0 {
		msg = fmt.Sprintf("database %s is being deleted", ev.Database)
	}
	h.m.events.Publish(notify.Notification{
		ActionName: ActionVersionChange,
		Database:   ev.Database,
		Message:    msg,
	})
	if h.m.closeOnVersionChange {
		logger.Info("closing handle on version change", "db", ev.Database, "to", ev.NewVersion)
		h.conn.Close()
	}
}

// refresh reads the live schema and records it as the manager's known
// state.
func (h *Handle) refresh(ctx context.Context) (DbState, error) {
	version, stores, err := h.conn.Schema(ctx)
	if err != nil {
		return DbState{}, err
	}
	st := DbState{Name: h.conn.Name(), Version: version, Stores: stores}
	h.m.setKnown(st)
	return st, nil
}

// GetCurrentDbState returns the live version and stores and updates the
// manager's known state.
func (h *Handle) GetCurrentDbState(ctx context.Context) (DbState, error) {
	st, err := h.refresh(ctx)
	return st, h.m.publish(ActionGetCurrentDbState, h.Name(), "", err,
		"database %s is at version %d with %d stores", st.Name, st.Version, len(st.Stores))
}

// AddNewStore raises the database version by one and creates the store in
// that upgrade. On success the manager's descriptor carries the new
// version and store, so a later OpenDb reopens it. A store that already
// exists fails with a SchemaError and changes nothing.
func (h *Handle) AddNewStore(ctx context.Context, s schema.StoreSchema) error {
	err := h.addNewStore(ctx, s)
	return h.m.publish(ActionAddNewStore, h.Name(), s.Name, err, "store %s added, database %s is at version %d", s.Name, h.Name(), h.Version())
}

func (h *Handle) addNewStore(ctx context.Context, s schema.StoreSchema) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("%w: %v", engine.ErrSchema, err)
	}
	if !h.Open() {
		return engine.ErrClosed
	}
	// Reject a collision before the upgrade asks other handles to close.
	for _, name := range h.conn.StoreNames() {
		if name == s.Name {
			return fmt.Errorf("%w: object store %q already exists in %q", engine.ErrSchema, s.Name, h.Name())
		}
	}
	next := h.conn.Version() + 1
	err := h.conn.Upgrade(ctx, next, func(tx *engine.UpgradeTx) error {
		_, err := tx.CreateObjectStore(s)
		return err
	})
	if err != nil {
		return err
	}

	h.m.mu.Lock()
	if h.m.desc.Name == h.Name() {
		h.m.desc.Version = max(h.m.desc.Version, next)
		if _, declared := h.m.desc.Store(s.Name); !declared {
			h.m.desc.Stores = append(h.m.desc.Stores, s.Clone())
		}
	}
	h.m.mu.Unlock()

	_, err = h.refresh(ctx)
	return err
}

// DeleteRecord removes the record with the given key. A missing record is
// not an error.
func (h *Handle) DeleteRecord(ctx context.Context, store string, id any) error {
	err := h.update(ctx, store, func(s *engine.ObjectStore) error {
		return s.Delete(id)
	})
	return h.m.publish(ActionDeleteRecord, h.Name(), store, err, "record %v deleted from %s", id, store)
}

// ClearStore removes every record of a store.
func (h *Handle) ClearStore(ctx context.Context, store string) error {
	err := h.update(ctx, store, func(s *engine.ObjectStore) error {
		return s.Clear()
	})
	return h.m.publish(ActionClearStore, h.Name(), store, err, "store %s cleared", store)
}

func (h *Handle) update(ctx context.Context, store string, fn func(*engine.ObjectStore) error) error {
	return h.conn.Update(ctx, []string{store}, func(tx *engine.Tx) error {
		s, err := tx.ObjectStore(store)
		if err != nil {
			return err
		}
		return fn(s)
	})
}

func (h *Handle) view(ctx context.Context, store string, fn func(*engine.ObjectStore) error) error {
	return h.conn.View(ctx, []string{store}, func(tx *engine.Tx) error {
		s, err := tx.ObjectStore(store)
		if err != nil {
			return err
		}
		return fn(s)
	})
}
