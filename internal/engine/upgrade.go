package engine

import (
	"fmt"

	"strata/internal/codec"
	"strata/internal/keys"
	"strata/internal/kv"
	"strata/internal/schema"
)

// UpgradeTx is the version-change transaction. It is the only place where
// stores and indexes can be created or removed.
type UpgradeTx struct {
	tx     kv.Tx
	db     string
	oldVer uint64
	newVer uint64
	stores map[string]schema.StoreSchema
}

// OldVersion is the version before the upgrade, 0 for a new database.
func (u *UpgradeTx) OldVersion() uint64 { return u.oldVer }

// NewVersion is the version being upgraded to.
func (u *UpgradeTx) NewVersion() uint64 { return u.newVer }

// StoreNames lists the stores present so far in this transaction.
func (u *UpgradeTx) StoreNames() []string {
	names := make([]string, 0, len(u.stores))
	for _, s := range sortedStores(u.stores) {
		names = append(names, s.Name)
	}
	return names
}

// HasStore reports whether a store exists.
func (u *UpgradeTx) HasStore(name string) bool {
	_, ok := u.stores[name]
	return ok
}

// CreateObjectStore creates a store along with any indexes in its schema.
func (u *UpgradeTx) CreateObjectStore(s schema.StoreSchema) (*ObjectStore, error) {
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchema, err)
	}
	if _, ok := u.stores[s.Name]; ok {
		return nil, fmt.Errorf("%w: object store %q already exists in %q", ErrSchema, s.Name, u.db)
	}
	created := s.Clone()
	created.Indexes = nil
	if err := u.saveStore(created); err != nil {
		return nil, err
	}
	for _, idx := range s.Indexes {
		if _, err := u.CreateIndex(s.Name, idx); err != nil {
			return nil, err
		}
	}
	logger.Debug("object store created", "db", u.db, "store", s.Name)
	return u.ObjectStore(s.Name)
}

// DeleteObjectStore removes a store with its records, indexes and key
// generator.
func (u *UpgradeTx) DeleteObjectStore(name string) error {
	s, ok := u.stores[name]
	if !ok {
		return fmt.Errorf("%w: no object store %q in %q", ErrSchema, name, u.db)
	}
	if err := u.tx.DeleteBucket(recordBucket(name)); err != nil {
		return err
	}
	for _, idx := range s.Indexes {
		if err := u.tx.DeleteBucket(indexBucket(name, idx.Name)); err != nil {
			return err
		}
	}
	if err := u.tx.Delete(metaBucket, storeMetaKey(name)); err != nil {
		return err
	}
	if err := u.tx.Delete(metaBucket, seqMetaKey(name)); err != nil {
		return err
	}
	delete(u.stores, name)
	return nil
}

// ObjectStore returns a writable handle to a store in this transaction.
func (u *UpgradeTx) ObjectStore(name string) (*ObjectStore, error) {
	s, ok := u.stores[name]
	if !ok {
		return nil, fmt.Errorf("%w: no object store %q in %q", ErrSchema, name, u.db)
	}
	return &ObjectStore{tx: u.tx, schema: s, writable: true}, nil
}

// CreateIndex adds an index to a store and fills it from the existing
// records. A unique index fails with ErrConstraint if records collide.
func (u *UpgradeTx) CreateIndex(store string, idx schema.IndexSchema) (*Index, error) {
	s, ok := u.stores[store]
	if !ok {
		return nil, fmt.Errorf("%w: no object store %q in %q", ErrSchema, store, u.db)
	}
	if err := idx.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchema, err)
	}
	if _, exists := s.Index(idx.Name); exists {
		return nil, fmt.Errorf("%w: index %q already exists on %q", ErrSchema, idx.Name, store)
	}

	type entry struct{ ik, pk []byte }
	var entries []entry
	err := u.tx.Scan(recordBucket(store), nil, func(k, v []byte) error {
		doc, err := codec.Unmarshal(v)
		if err != nil {
			return fmt.Errorf("%w: stored record in %q: %v", ErrSerialization, store, err)
		}
		pk := append([]byte(nil), k...)
		for _, ik := range keys.IndexKeys(doc, idx.KeyPath, idx.MultiEntry) {
			entries = append(entries, entry{ik: ik, pk: pk})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if idx.Unique {
		owners := make(map[string]string, len(entries))
		for _, e := range entries {
			if prev, dup := owners[string(e.ik)]; dup && prev != string(e.pk) {
				v, _ := keys.Decode(e.ik)
				return nil, fmt.Errorf("%w: unique index %q of %q: value %v is not unique", ErrConstraint, idx.Name, store, v)
			}
			owners[string(e.ik)] = string(e.pk)
		}
	}

	b := indexBucket(store, idx.Name)
	for _, e := range entries {
		if err := u.tx.Put(b, indexEntry(e.ik, e.pk), e.pk); err != nil {
			return nil, err
		}
	}

	s = s.Clone()
	s.Indexes = append(s.Indexes, idx)
	if err := u.saveStore(s); err != nil {
		return nil, err
	}
	return &Index{store: &ObjectStore{tx: u.tx, schema: s, writable: true}, schema: idx}, nil
}

// DeleteIndex removes an index and its entries.
func (u *UpgradeTx) DeleteIndex(store, name string) error {
	s, ok := u.stores[store]
	if !ok {
		return fmt.Errorf("%w: no object store %q in %q", ErrSchema, store, u.db)
	}
	if _, exists := s.Index(name); !exists {
		return fmt.Errorf("%w: no index %q on %q", ErrSchema, name, store)
	}
	if err := u.tx.DeleteBucket(indexBucket(store, name)); err != nil {
		return err
	}
	s = s.Clone()
	kept := s.Indexes[:0]
	for _, idx := range s.Indexes {
		if idx.Name != name {
			kept = append(kept, idx)
		}
	}
	s.Indexes = kept
	return u.saveStore(s)
}

func (u *UpgradeTx) saveStore(s schema.StoreSchema) error {
	if err := writeStoreSchema(u.tx, s); err != nil {
		return fmt.Errorf("saving schema of %q: %w", s.Name, err)
	}
	u.stores[s.Name] = s
	return nil
}
