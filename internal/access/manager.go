// Package access is the store access layer: it opens the database declared
// by a schema.Descriptor and runs typed record operations against it,
// raising exactly one notification per operation.
//
// Record operations are generic package functions (AddRecord, GetRecords,
// ...) that take a *Handle, since Go methods cannot have type parameters.
package access

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"strata/internal/engine"
	"strata/internal/logging"
	"strata/internal/notify"
	"strata/internal/schema"
)

var logger = logging.For("access")

// Action names carried by notifications.
const (
	ActionOpenDb               = "OpenDb"
	ActionDeleteDb             = "DeleteDb"
	ActionGetCurrentDbState    = "GetCurrentDbState"
	ActionAddNewStore          = "AddNewStore"
	ActionAddRecord            = "AddRecord"
	ActionUpdateRecord         = "UpdateRecord"
	ActionGetRecords           = "GetRecords"
	ActionGetRecordByID        = "GetRecordById"
	ActionDeleteRecord         = "DeleteRecord"
	ActionClearStore           = "ClearStore"
	ActionGetRecordByIndex     = "GetRecordByIndex"
	ActionGetAllRecordsByIndex = "GetAllRecordsByIndex"
	ActionHostMessage          = "HostMessage"
	ActionVersionChange        = "VersionChange"
)

// StoreRecord is a value to add to or update in a store.
type StoreRecord[T any] struct {
	StoreName string
	Data      T
}

// StoreIndexQuery looks up records of a store by an index value.
type StoreIndexQuery[Q any] struct {
	StoreName  string
	IndexName  string
	QueryValue Q
}

// DbState is a snapshot of a database's version and stores.
type DbState struct {
	Name    string               `json:"name"`
	Version uint64               `json:"version"`
	Stores  []schema.StoreSchema `json:"stores"`
}

// StoreNames returns the names of the stores in the snapshot.
func (s DbState) StoreNames() []string {
	names := make([]string, len(s.Stores))
	for i, st := range s.Stores {
		names[i] = st.Name
	}
	return names
}

// Option configures a Manager.
type Option func(*Manager)

// CloseOnVersionChange controls whether handles close themselves when
// another connection upgrades or deletes their database. The default is
// true; a handle that stays open blocks the other party.
func CloseOnVersionChange(v bool) Option {
	return func(m *Manager) { m.closeOnVersionChange = v }
}

// WithDispatcher makes the manager publish on an existing dispatcher.
func WithDispatcher(d *notify.Dispatcher) Option {
	return func(m *Manager) { m.events = d }
}

// Manager opens and deletes databases and tracks the known state of the
// database its descriptor declares. It is safe for concurrent use.
type Manager struct {
	factory              *engine.Factory
	events               *notify.Dispatcher
	closeOnVersionChange bool

	mu    sync.Mutex
	desc  schema.Descriptor
	known DbState
}

// New returns a Manager for the database described by desc.
func New(factory *engine.Factory, desc schema.Descriptor, opts ...Option) (*Manager, error) {
	if err := desc.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", engine.ErrSchema, err)
	}
	m := &Manager{
		factory:              factory,
		closeOnVersionChange: true,
		desc:                 desc.Clone(),
		known:                DbState{Name: desc.Name},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.events == nil {
		m.events = notify.NewDispatcher()
	}
	return m, nil
}

// Subscribe registers fn for every notification and returns a function
// that removes it.
func (m *Manager) Subscribe(fn notify.Handler) (cancel func()) {
	return m.events.Subscribe(fn)
}

// Descriptor returns a copy of the current descriptor.
func (m *Manager) Descriptor() schema.Descriptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.desc.Clone()
}

// SetDescriptor replaces the descriptor used by later OpenDb calls.
func (m *Manager) SetDescriptor(d schema.Descriptor) error {
	if err := d.Validate(); err != nil {
		return fmt.Errorf("%w: %v", engine.ErrSchema, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.Name != m.desc.Name {
		m.known = DbState{Name: d.Name}
	}
	m.desc = d.Clone()
	return nil
}

// SyncVersion raises the descriptor version to the stored version of the
// database when the stored one is newer, so stores added by earlier
// AddNewStore calls stay reachable. It returns the resulting version.
func (m *Manager) SyncVersion(ctx context.Context) (uint64, error) {
	name := m.Descriptor().Name
	stored, err := m.factory.Version(ctx, name)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if stored > m.desc.Version {
		logger.Debug("descriptor version raised to stored version", "db", name, "from", m.desc.Version, "to", stored)
		m.desc.Version = stored
	}
	return m.desc.Version, nil
}

// Known returns the last known state of the database.
func (m *Manager) Known() DbState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneState(m.known)
}

func (m *Manager) setKnown(s DbState) {
	m.mu.Lock()
	m.known = cloneState(s)
	m.mu.Unlock()
}

func cloneState(s DbState) DbState {
	out := DbState{Name: s.Name, Version: s.Version, Stores: make([]schema.StoreSchema, len(s.Stores))}
	for i, st := range s.Stores {
		out.Stores[i] = st.Clone()
	}
	return out
}

// publish raises the single notification for an operation and returns err
// unchanged. Failures carry the error category as a message prefix.
func (m *Manager) publish(action, db, store string, err error, format string, args ...any) error {
	n := notify.Notification{ActionName: action, Database: db, Store: store}
	if err != nil {
		n.Failed = true
		n.Message = engine.Kind(err) + ": " + err.Error()
	} else {
		n.Message = fmt.Sprintf(format, args...)
	}
	m.events.Publish(n)
	return err
}

// OpenDb opens the declared database, creating it when absent. When the
// declared version is higher than the stored one, every declared store and
// index that does not exist yet is created in the upgrade. Opening at the
// stored version with a declared store missing fails with a VersionError:
// stores can only be added by raising the version.
func (m *Manager) OpenDb(ctx context.Context) (*Handle, error) {
	desc := m.Descriptor()
	h, err := m.openDb(ctx, desc)
	if err != nil {
		return nil, m.publish(ActionOpenDb, desc.Name, "", err, "")
	}
	return h, m.publish(ActionOpenDb, desc.Name, "", nil, "database %s opened at version %d", desc.Name, h.conn.Version())
}

func (m *Manager) openDb(ctx context.Context, desc schema.Descriptor) (*Handle, error) {
	conn, err := m.factory.Open(ctx, desc.Name, desc.Version, declare(desc))
	if err != nil {
		return nil, err
	}

	present := make(map[string]bool)
	for _, n := range conn.StoreNames() {
		present[n] = true
	}
	for _, s := range desc.Stores {
		if !present[s.Name] {
			conn.Close()
			return nil, fmt.Errorf("%w: store %q is declared but absent at version %d; raise the version to create it",
				engine.ErrVersion, s.Name, conn.Version())
		}
	}

	h := &Handle{m: m, conn: conn}
	conn.OnVersionChange(h.onVersionChange)
	if _, err := h.refresh(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return h, nil
}

// declare creates the stores and indexes of desc that do not exist yet.
func declare(desc schema.Descriptor) engine.UpgradeFunc {
	return func(tx *engine.UpgradeTx) error {
		for _, s := range desc.Stores {
			if !tx.HasStore(s.Name) {
				if _, err := tx.CreateObjectStore(s); err != nil {
					return err
				}
				continue
			}
			existing, err := tx.ObjectStore(s.Name)
			if err != nil {
				return err
			}
			have := existing.Schema()
			for _, idx := range s.Indexes {
				if _, ok := have.Index(idx.Name); ok {
					continue
				}
				if _, err := tx.CreateIndex(s.Name, idx); err != nil {
					return err
				}
			}
		}
		return nil
	}
}

// DeleteDb deletes a database. Open handles receive a version change first.
func (m *Manager) DeleteDb(ctx context.Context, name string) error {
	err := m.deleteDb(ctx, name)
	return m.publish(ActionDeleteDb, name, "", err, "database %s deleted", name)
}

func (m *Manager) deleteDb(ctx context.Context, name string) error {
	if name == "" {
		return fmt.Errorf("%w: database name is empty", engine.ErrSchema)
	}
	if err := m.factory.DeleteDatabase(ctx, name); err != nil {
		return err
	}
	m.mu.Lock()
	if m.known.Name == name {
		m.known = DbState{Name: name}
	}
	m.mu.Unlock()
	return nil
}

// Databases lists the databases on disk.
func (m *Manager) Databases(ctx context.Context) ([]engine.DatabaseInfo, error) {
	return m.factory.Databases(ctx)
}

// hostMessage is the structured form of an inbound bridge message.
type hostMessage struct {
	Type     string `json:"type"`
	Message  string `json:"message"`
	ID       string `json:"id"`
	Database string `json:"database"`
}

// Ingest accepts a message from the host side of the bridge and raises it
// as a HostMessage notification. A JSON object with a "message" field is
// unpacked; anything else is passed through as text. A message of type
// "error" is raised as failed.
func (m *Manager) Ingest(msg string) notify.Notification {
	n := notify.Notification{ActionName: ActionHostMessage, Message: msg}

	var hm hostMessage
	trimmed := strings.TrimSpace(msg)
	if strings.HasPrefix(trimmed, "{") && json.Unmarshal([]byte(trimmed), &hm) == nil {
		n.ID = hm.ID
		n.Database = hm.Database
		if hm.Message != "" {
			n.Message = hm.Message
		}
		n.Failed = strings.EqualFold(hm.Type, "error")
	}
	if n.Database == "" {
		n.Database = m.Descriptor().Name
	}
	return m.events.Publish(n)
}

// IsNotOpen reports whether err means the handle can no longer be used.
func IsNotOpen(err error) bool {
	return errors.Is(err, engine.ErrClosed)
}
