package access

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"strata/internal/engine"
	"strata/internal/kv/bolt"
	"strata/internal/logging"
	"strata/internal/notify"
	"strata/internal/schema"
)

type Person struct {
	ID    int    `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

func appDescriptor() schema.Descriptor {
	return schema.Descriptor{
		Name:    "app",
		Version: 1,
		Stores: []schema.StoreSchema{{
			Name:    "people",
			KeyPath: "id",
			Indexes: []schema.IndexSchema{{Name: "byEmail", KeyPath: "email", Unique: true}},
		}},
	}
}

// recorder collects every notification raised by a manager.
type recorder struct {
	mu  sync.Mutex
	all []notify.Notification
}

func (r *recorder) handle(n notify.Notification) {
	r.mu.Lock()
	r.all = append(r.all, n)
	r.mu.Unlock()
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.all = nil
	r.mu.Unlock()
}

func (r *recorder) list() []notify.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Notification(nil), r.all...)
}

// only asserts exactly one notification was raised since the last reset
// and returns it.
func (r *recorder) only(t *testing.T, action string) notify.Notification {
	t.Helper()
	got := r.list()
	require.Len(t, got, 1, "notifications: %+v", got)
	assert.Equal(t, action, got[0].ActionName)
	r.reset()
	return got[0]
}

func newFactory(t *testing.T) *engine.Factory {
	t.Helper()
	o, err := bolt.NewOpener(t.TempDir(), time.Second)
	require.NoError(t, err)
	f := engine.NewFactory(o)
	t.Cleanup(func() { f.Close() })
	return f
}

func newManager(t *testing.T, f *engine.Factory, desc schema.Descriptor, opts ...Option) (*Manager, *recorder) {
	t.Helper()
	m, err := New(f, desc, opts...)
	require.NoError(t, err)
	rec := &recorder{}
	m.Subscribe(rec.handle)
	return m, rec
}

func openApp(t *testing.T) (*Manager, *Handle, *recorder) {
	t.Helper()
	m, rec := newManager(t, newFactory(t), appDescriptor())
	h, err := m.OpenDb(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	rec.reset()
	return m, h, rec
}

func TestPeopleScenario(t *testing.T) {
	ctx := context.Background()
	desc := appDescriptor()
	desc.Stores[0].AutoIncrement = true
	m, rec := newManager(t, newFactory(t), desc)

	h, err := m.OpenDb(ctx)
	require.NoError(t, err)
	defer h.Close()
	n := rec.only(t, ActionOpenDb)
	assert.False(t, n.Failed)
	assert.Equal(t, "app", n.Database)
	assert.True(t, h.Open())
	assert.Equal(t, uint64(1), h.Version())

	type contact struct {
		ID    int    `json:"id,omitempty"`
		Email string `json:"email"`
	}
	key, err := AddRecord(ctx, h, StoreRecord[contact]{StoreName: "people", Data: contact{Email: "a@x.com"}})
	require.NoError(t, err)
	assert.Equal(t, 1.0, key)
	rec.only(t, ActionAddRecord)

	_, err = AddRecord(ctx, h, StoreRecord[contact]{StoreName: "people", Data: contact{Email: "a@x.com"}})
	require.ErrorIs(t, err, engine.ErrConstraint)
	n = rec.only(t, ActionAddRecord)
	assert.True(t, n.Failed)
	assert.True(t, strings.HasPrefix(n.Message, "ConstraintError: "), n.Message)
	assert.Equal(t, "people", n.Store)

	got, found, err := GetRecordByIndex[contact](ctx, h, StoreIndexQuery[string]{
		StoreName: "people", IndexName: "byEmail", QueryValue: "a@x.com",
	})
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, contact{ID: 1, Email: "a@x.com"}, got)
	rec.only(t, ActionGetRecordByIndex)

	all, err := GetRecords[contact](ctx, h, "people")
	require.NoError(t, err)
	assert.Len(t, all, 1, "a failed add must not change the store")
	rec.only(t, ActionGetRecords)

	// The failed add ran in an aborted transaction and used no key.
	key, err = AddRecord(ctx, h, StoreRecord[contact]{StoreName: "people", Data: contact{Email: "b@x.com"}})
	require.NoError(t, err)
	assert.Equal(t, 2.0, key)
}

func TestExplicitKeysAndIndexes(t *testing.T) {
	ctx := context.Background()
	_, h, rec := openApp(t)

	alice := Person{ID: 1, Name: "Alice", Email: "a@x.io"}
	key, err := AddRecord(ctx, h, StoreRecord[Person]{StoreName: "people", Data: alice})
	require.NoError(t, err)
	assert.Equal(t, 1.0, key)
	rec.only(t, ActionAddRecord)

	got, found, err := GetRecordByID[Person](ctx, h, "people", 1)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, alice, got)
	rec.only(t, ActionGetRecordByID)

	_, err = AddRecord(ctx, h, StoreRecord[Person]{StoreName: "people", Data: Person{ID: 2, Name: "Eve", Email: "a@x.io"}})
	require.ErrorIs(t, err, engine.ErrConstraint)
	assert.True(t, rec.only(t, ActionAddRecord).Failed)

	all, err := GetRecords[Person](ctx, h, "people")
	require.NoError(t, err)
	assert.Equal(t, []Person{alice}, all)
}

func TestBinaryAndDateKeysAreRejected(t *testing.T) {
	ctx := context.Background()
	desc := schema.Descriptor{
		Name:    "app",
		Version: 1,
		Stores: []schema.StoreSchema{{
			Name:    "blobs",
			KeyPath: "id",
			Indexes: []schema.IndexSchema{{Name: "byAt", KeyPath: "at"}},
		}},
	}
	m, rec := newManager(t, newFactory(t), desc)
	h, err := m.OpenDb(ctx)
	require.NoError(t, err)
	defer h.Close()

	type blob struct {
		ID []byte    `json:"id"`
		At time.Time `json:"at"`
	}
	in := blob{ID: []byte{1, 2, 3}, At: time.UnixMilli(1700000000000).UTC()}
	key, err := AddRecord(ctx, h, StoreRecord[blob]{StoreName: "blobs", Data: in})
	require.NoError(t, err)
	assert.Equal(t, "AQID", key, "records hold binary values in their JSON form")
	rec.reset()

	_, found, err := GetRecordByID[blob](ctx, h, "blobs", in.ID)
	assert.ErrorIs(t, err, engine.ErrSerialization)
	assert.False(t, found)
	n := rec.only(t, ActionGetRecordByID)
	assert.True(t, strings.HasPrefix(n.Message, "SerializationError: "), n.Message)

	_, _, err = GetRecordByID[blob](ctx, h, "blobs", in.At)
	assert.ErrorIs(t, err, engine.ErrSerialization)
	rec.only(t, ActionGetRecordByID)

	_, err = GetAllRecordsByIndex[blob](ctx, h, StoreIndexQuery[time.Time]{StoreName: "blobs", IndexName: "byAt", QueryValue: in.At})
	assert.ErrorIs(t, err, engine.ErrSerialization)
	rec.only(t, ActionGetAllRecordsByIndex)

	// The key returned by the add reads the record back.
	got, found, err := GetRecordByID[blob](ctx, h, "blobs", key)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, in.ID, got.ID)
	assert.True(t, in.At.Equal(got.At))

	byAt, err := GetAllRecordsByIndex[blob](ctx, h, StoreIndexQuery[string]{
		StoreName: "blobs", IndexName: "byAt", QueryValue: in.At.Format(time.RFC3339Nano),
	})
	require.NoError(t, err)
	assert.Len(t, byAt, 1)
}

func TestOpenDbIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m, rec := newManager(t, newFactory(t), appDescriptor())

	h1, err := m.OpenDb(ctx)
	require.NoError(t, err)
	first := m.Known()
	require.NoError(t, h1.Close())

	h2, err := m.OpenDb(ctx)
	require.NoError(t, err)
	defer h2.Close()

	assert.Equal(t, first, m.Known())
	assert.Equal(t, uint64(1), first.Version)
	assert.Equal(t, []string{"people"}, first.StoreNames())
	assert.Len(t, rec.list(), 2)
}

func TestOpenDb_UpgradeAddsDeclaredStoresAndIndexes(t *testing.T) {
	ctx := context.Background()
	f := newFactory(t)
	m, _ := newManager(t, f, appDescriptor())
	h, err := m.OpenDb(ctx)
	require.NoError(t, err)
	_, err = AddRecord(ctx, h, StoreRecord[Person]{StoreName: "people", Data: Person{ID: 1, Name: "Alice", Email: "a@x.io"}})
	require.NoError(t, err)
	require.NoError(t, h.Close())

	desc := appDescriptor()
	desc.Version = 2
	desc.Stores[0].Indexes = append(desc.Stores[0].Indexes, schema.IndexSchema{Name: "byName", KeyPath: "name"})
	desc.Stores = append(desc.Stores, schema.StoreSchema{Name: "notes", KeyPath: "id", AutoIncrement: true})
	require.NoError(t, m.SetDescriptor(desc))

	h, err = m.OpenDb(ctx)
	require.NoError(t, err)
	defer h.Close()

	assert.Equal(t, uint64(2), m.Known().Version)
	assert.Equal(t, []string{"notes", "people"}, m.Known().StoreNames())

	byName, err := GetAllRecordsByIndex[Person](ctx, h, StoreIndexQuery[string]{StoreName: "people", IndexName: "byName", QueryValue: "Alice"})
	require.NoError(t, err)
	assert.Len(t, byName, 1, "new index is built from existing records")
}

func TestOpenDb_MissingStoreAtSameVersion(t *testing.T) {
	ctx := context.Background()
	f := newFactory(t)
	m, rec := newManager(t, f, appDescriptor())
	h, err := m.OpenDb(ctx)
	require.NoError(t, err)
	require.NoError(t, h.Close())
	rec.reset()

	desc := appDescriptor()
	desc.Stores = append(desc.Stores, schema.StoreSchema{Name: "notes", KeyPath: "id"})
	require.NoError(t, m.SetDescriptor(desc))

	_, err = m.OpenDb(ctx)
	assert.ErrorIs(t, err, engine.ErrVersion)
	n := rec.only(t, ActionOpenDb)
	assert.True(t, n.Failed)
	assert.True(t, strings.HasPrefix(n.Message, "VersionError: "), n.Message)
}

func TestOpenDb_LowerVersion(t *testing.T) {
	ctx := context.Background()
	f := newFactory(t)
	desc := appDescriptor()
	desc.Version = 3
	m, _ := newManager(t, f, desc)
	h, err := m.OpenDb(ctx)
	require.NoError(t, err)
	require.NoError(t, h.Close())

	require.NoError(t, m.SetDescriptor(appDescriptor()))
	_, err = m.OpenDb(ctx)
	assert.ErrorIs(t, err, engine.ErrVersion)

	v, err := m.SyncVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), v)
	h, err = m.OpenDb(ctx)
	require.NoError(t, err)
	h.Close()
}

func TestUpdateAndGetByID(t *testing.T) {
	ctx := context.Background()
	_, h, rec := openApp(t)

	p := Person{ID: 7, Name: "Bob", Email: "b@x.io"}
	_, err := UpdateRecord(ctx, h, StoreRecord[Person]{StoreName: "people", Data: p})
	require.NoError(t, err)
	rec.only(t, ActionUpdateRecord)

	p.Name = "Robert"
	_, err = UpdateRecord(ctx, h, StoreRecord[Person]{StoreName: "people", Data: p})
	require.NoError(t, err)
	rec.reset()

	got, found, err := GetRecordByID[Person](ctx, h, "people", 7)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, p, got)
	rec.only(t, ActionGetRecordByID)
}

func TestUpdateRecord_MissingKey(t *testing.T) {
	ctx := context.Background()
	_, h, rec := openApp(t)

	type anon struct {
		Name string `json:"name"`
	}
	_, err := UpdateRecord(ctx, h, StoreRecord[anon]{StoreName: "people", Data: anon{Name: "x"}})
	assert.ErrorIs(t, err, engine.ErrSerialization)
	n := rec.only(t, ActionUpdateRecord)
	assert.True(t, strings.HasPrefix(n.Message, "SerializationError: "), n.Message)
}

func TestDeleteThenGet(t *testing.T) {
	ctx := context.Background()
	_, h, rec := openApp(t)
	_, err := AddRecord(ctx, h, StoreRecord[Person]{StoreName: "people", Data: Person{ID: 1, Email: "a"}})
	require.NoError(t, err)
	rec.reset()

	require.NoError(t, h.DeleteRecord(ctx, "people", 1))
	rec.only(t, ActionDeleteRecord)

	_, found, err := GetRecordByID[Person](ctx, h, "people", 1)
	require.NoError(t, err)
	assert.False(t, found)
	n := rec.only(t, ActionGetRecordByID)
	assert.False(t, n.Failed, "not found is not a failure")

	require.NoError(t, h.DeleteRecord(ctx, "people", 1), "deleting an absent record succeeds")
}

func TestClearStore(t *testing.T) {
	ctx := context.Background()
	_, h, rec := openApp(t)
	for i := 1; i <= 3; i++ {
		_, err := AddRecord(ctx, h, StoreRecord[Person]{StoreName: "people", Data: Person{ID: i, Email: fmt.Sprint(i)}})
		require.NoError(t, err)
	}
	rec.reset()

	require.NoError(t, h.ClearStore(ctx, "people"))
	rec.only(t, ActionClearStore)

	all, err := GetRecords[Person](ctx, h, "people")
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.NotNil(t, all)
}

func TestUnknownStoreAndIndex(t *testing.T) {
	ctx := context.Background()
	_, h, rec := openApp(t)

	_, err := GetRecords[Person](ctx, h, "nope")
	assert.ErrorIs(t, err, engine.ErrSchema)
	n := rec.only(t, ActionGetRecords)
	assert.True(t, n.Failed)

	_, err = GetAllRecordsByIndex[Person](ctx, h, StoreIndexQuery[string]{StoreName: "people", IndexName: "nope", QueryValue: "x"})
	assert.ErrorIs(t, err, engine.ErrSchema)
	rec.only(t, ActionGetAllRecordsByIndex)

	_, found, err := GetRecordByIndex[Person](ctx, h, StoreIndexQuery[string]{StoreName: "people", IndexName: "byEmail", QueryValue: "nobody"})
	require.NoError(t, err)
	assert.False(t, found)
}

func TestAddNewStore(t *testing.T) {
	ctx := context.Background()
	m, h, rec := openApp(t)

	require.NoError(t, h.AddNewStore(ctx, schema.StoreSchema{Name: "notes", KeyPath: "id", AutoIncrement: true}))
	n := rec.only(t, ActionAddNewStore)
	assert.Equal(t, "notes", n.Store)
	assert.Equal(t, uint64(2), h.Version())
	assert.Equal(t, uint64(2), m.Descriptor().Version)
	assert.Equal(t, []string{"notes", "people"}, m.Known().StoreNames())

	type note struct {
		ID   int    `json:"id,omitempty"`
		Text string `json:"text"`
	}
	key, err := AddRecord(ctx, h, StoreRecord[note]{StoreName: "notes", Data: note{Text: "hi"}})
	require.NoError(t, err)
	assert.Equal(t, 1.0, key)

	// The descriptor now declares the store, so reopening works.
	require.NoError(t, h.Close())
	h2, err := m.OpenDb(ctx)
	require.NoError(t, err)
	defer h2.Close()
	assert.Equal(t, uint64(2), h2.Version())
}

func TestAddNewStore_Collision(t *testing.T) {
	ctx := context.Background()
	m, h, rec := openApp(t)
	other, err := m.OpenDb(ctx)
	require.NoError(t, err)
	defer other.Close()
	rec.reset()

	err = h.AddNewStore(ctx, schema.StoreSchema{Name: "people", KeyPath: "id"})
	assert.ErrorIs(t, err, engine.ErrSchema)
	n := rec.only(t, ActionAddNewStore)
	assert.True(t, strings.HasPrefix(n.Message, "SchemaError: "), n.Message)
	assert.True(t, other.Open(), "a rejected store must not close other handles")

	st, err := h.GetCurrentDbState(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"people"}, st.StoreNames())
	assert.Equal(t, uint64(1), st.Version)
	assert.Equal(t, uint64(1), m.Descriptor().Version)
	rec.only(t, ActionGetCurrentDbState)
}

func TestAddNewStore_VersionChangeSubscriberReadsState(t *testing.T) {
	ctx := context.Background()
	m, h, _ := openApp(t)
	other, err := m.OpenDb(ctx)
	require.NoError(t, err)
	defer other.Close()

	var (
		seen       []string
		refreshErr error
	)
	cancel := m.Subscribe(func(n notify.Notification) {
		if n.ActionName != ActionVersionChange {
			return
		}
		st, err := h.GetCurrentDbState(ctx)
		refreshErr = err
		seen = st.StoreNames()
	})
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- h.AddNewStore(ctx, schema.StoreSchema{Name: "notes", KeyPath: "id"})
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("AddNewStore did not return")
	}

	require.NoError(t, refreshErr)
	assert.Equal(t, []string{"people"}, seen, "state is read before the upgrade commits")
	assert.False(t, other.Open())
	assert.Equal(t, uint64(2), h.Version())
}

func TestAddNewStore_Invalid(t *testing.T) {
	_, h, _ := openApp(t)
	err := h.AddNewStore(context.Background(), schema.StoreSchema{Name: "bad", KeyPath: "a..b"})
	assert.ErrorIs(t, err, engine.ErrSchema)
	assert.Equal(t, uint64(1), h.Version())
}

func TestClosedHandle(t *testing.T) {
	ctx := context.Background()
	_, h, rec := openApp(t)
	require.NoError(t, h.Close())
	assert.False(t, h.Open())

	_, err := GetRecords[Person](ctx, h, "people")
	assert.ErrorIs(t, err, engine.ErrConnection)
	assert.True(t, IsNotOpen(err))
	n := rec.only(t, ActionGetRecords)
	assert.True(t, strings.HasPrefix(n.Message, "ConnectionError: "), n.Message)

	_, err = h.GetCurrentDbState(ctx)
	assert.ErrorIs(t, err, engine.ErrConnection)
	rec.only(t, ActionGetCurrentDbState)
}

func TestDeleteDb(t *testing.T) {
	ctx := context.Background()
	m, h, rec := openApp(t)

	require.NoError(t, m.DeleteDb(ctx, "app"))
	got := rec.list()
	require.Len(t, got, 2)
	assert.Equal(t, ActionVersionChange, got[0].ActionName)
	assert.Equal(t, ActionDeleteDb, got[1].ActionName)
	assert.False(t, h.Open(), "the handle closes itself on version change")
	assert.Empty(t, m.Known().Stores)
	rec.reset()

	err := m.DeleteDb(ctx, "")
	assert.ErrorIs(t, err, engine.ErrSchema)
	assert.True(t, rec.only(t, ActionDeleteDb).Failed)
}

func TestDeleteDb_BlockedByOpenHandle(t *testing.T) {
	ctx := context.Background()
	m, rec := newManager(t, newFactory(t), appDescriptor(), CloseOnVersionChange(false))
	h, err := m.OpenDb(ctx)
	require.NoError(t, err)
	defer h.Close()
	rec.reset()

	err = m.DeleteDb(ctx, "app")
	assert.ErrorIs(t, err, engine.ErrBlocked)
	got := rec.list()
	require.Len(t, got, 2)
	assert.Equal(t, ActionVersionChange, got[0].ActionName)
	assert.True(t, got[1].Failed)
	assert.True(t, h.Open())
}

func TestVersionChangeFromSecondManager(t *testing.T) {
	ctx := context.Background()
	f := newFactory(t)
	m1, rec1 := newManager(t, f, appDescriptor())
	old, err := m1.OpenDb(ctx)
	require.NoError(t, err)
	rec1.reset()

	capture := logging.CaptureForTest()
	defer capture.Restore()

	desc := appDescriptor()
	desc.Version = 2
	m2, _ := newManager(t, f, desc)
	h, err := m2.OpenDb(ctx)
	require.NoError(t, err)
	defer h.Close()

	n := rec1.only(t, ActionVersionChange)
	assert.Contains(t, n.Message, "from version 1 to 2")
	assert.False(t, old.Open())
	assert.True(t, capture.HasAttr("closing handle on version change", "db", "app"))
}

func TestIngest(t *testing.T) {
	m, rec := newManager(t, newFactory(t), appDescriptor())

	n := m.Ingest("plain text from host")
	assert.Equal(t, ActionHostMessage, n.ActionName)
	assert.Equal(t, "plain text from host", n.Message)
	assert.Equal(t, "app", n.Database)
	assert.False(t, n.Failed)

	n = m.Ingest(`{"type":"error","message":"quota exceeded","id":"m-1","database":"other"}`)
	assert.True(t, n.Failed)
	assert.Equal(t, "quota exceeded", n.Message)
	assert.Equal(t, "m-1", n.ID)
	assert.Equal(t, "other", n.Database)

	n = m.Ingest(`{"broken"`)
	assert.Equal(t, `{"broken"`, n.Message)

	assert.Len(t, rec.list(), 3)
}

func TestNewRejectsInvalidDescriptor(t *testing.T) {
	_, err := New(newFactory(t), schema.Descriptor{Name: "app"})
	assert.ErrorIs(t, err, engine.ErrSchema)
}

func TestConcurrentAdds(t *testing.T) {
	ctx := context.Background()
	_, h, rec := openApp(t)

	var g errgroup.Group
	for i := 1; i <= 20; i++ {
		g.Go(func() error {
			_, err := AddRecord(ctx, h, StoreRecord[Person]{
				StoreName: "people",
				Data:      Person{ID: i, Email: fmt.Sprintf("p%d@x.io", i)},
			})
			return err
		})
	}
	require.NoError(t, g.Wait())
	assert.Len(t, rec.list(), 20, "one notification per operation")

	all, err := GetRecords[Person](ctx, h, "people")
	require.NoError(t, err)
	require.Len(t, all, 20)
	for i, p := range all {
		assert.Equal(t, i+1, p.ID, "primary-key order")
	}
}
