package engine

import (
	"errors"
	"fmt"
	"math"

	"strata/internal/codec"
	"strata/internal/keys"
	"strata/internal/kv"
	"strata/internal/schema"
)

// maxGenerator is the largest key an auto-increment generator produces.
const maxGenerator = 1 << 53

// Stop ends a ForEach iteration early without an error.
var Stop = kv.ErrStop

// Tx is one transaction over a fixed set of stores. It is only valid inside
// the callback it was passed to.
type Tx struct {
	kv       kv.Tx
	db       string
	scope    map[string]schema.StoreSchema
	writable bool
}

// Writable reports whether the transaction may modify records.
func (t *Tx) Writable() bool { return t.writable }

// ObjectStore returns a store in the transaction's scope.
func (t *Tx) ObjectStore(name string) (*ObjectStore, error) {
	s, ok := t.scope[name]
	if !ok {
		return nil, fmt.Errorf("%w: object store %q is not in the transaction scope", ErrSchema, name)
	}
	return &ObjectStore{tx: t.kv, schema: s, writable: t.writable}, nil
}

// ObjectStore operates on one store inside a transaction.
type ObjectStore struct {
	tx       kv.Tx
	schema   schema.StoreSchema
	writable bool
}

// Name returns the store name.
func (s *ObjectStore) Name() string { return s.schema.Name }

// Schema returns a copy of the store's schema.
func (s *ObjectStore) Schema() schema.StoreSchema { return s.schema.Clone() }

func (s *ObjectStore) checkWritable() error {
	if !s.writable {
		return fmt.Errorf("object store %q: %w", s.schema.Name, ErrReadOnly)
	}
	return nil
}

// Add inserts a record. It fails with ErrConstraint if the primary key or a
// unique index value already exists. It returns the primary key.
func (s *ObjectStore) Add(doc codec.Document) (any, error) {
	return s.write(doc, false)
}

// Put inserts or replaces a record and returns its primary key.
func (s *ObjectStore) Put(doc codec.Document) (any, error) {
	return s.write(doc, true)
}

func (s *ObjectStore) write(doc codec.Document, overwrite bool) (any, error) {
	if err := s.checkWritable(); err != nil {
		return nil, err
	}
	doc, err := cloneDoc(doc)
	if err != nil {
		return nil, err
	}

	key, err := s.primaryKey(doc)
	if err != nil {
		return nil, err
	}
	pk, err := keys.Encode(key)
	if err != nil {
		return nil, fmt.Errorf("%w: primary key of %q: %v", ErrSerialization, s.schema.Name, err)
	}

	old, err := s.load(pk)
	if err != nil {
		return nil, err
	}
	if old != nil && !overwrite {
		return nil, fmt.Errorf("%w: key %v already exists in %q", ErrConstraint, key, s.schema.Name)
	}

	entries := make(map[string][][]byte, len(s.schema.Indexes))
	for _, idx := range s.schema.Indexes {
		ik := keys.IndexKeys(doc, idx.KeyPath, idx.MultiEntry)
		if idx.Unique {
			for _, k := range ik {
				if err := s.checkUnique(idx, k, pk); err != nil {
					return nil, err
				}
			}
		}
		entries[idx.Name] = ik
	}

	if old != nil {
		if err := s.removeIndexEntries(old, pk); err != nil {
			return nil, err
		}
	}
	data, err := codec.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: record for %q: %v", ErrSerialization, s.schema.Name, err)
	}
	if err := s.tx.Put(recordBucket(s.schema.Name), pk, data); err != nil {
		return nil, err
	}
	for _, idx := range s.schema.Indexes {
		b := indexBucket(s.schema.Name, idx.Name)
		for _, k := range entries[idx.Name] {
			if err := s.tx.Put(b, indexEntry(k, pk), pk); err != nil {
				return nil, err
			}
		}
	}
	return key, nil
}

// primaryKey returns the record's key, assigning one from the generator for
// auto-increment stores. An explicit numeric key advances the generator.
func (s *ObjectStore) primaryKey(doc codec.Document) (any, error) {
	raw, ok := keys.Extract(doc, s.schema.KeyPath)
	if ok {
		key, err := keys.Normalize(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: key path %q of %q: %v", ErrSerialization, s.schema.KeyPath, s.schema.Name, err)
		}
		if f, isNum := key.(float64); isNum && s.schema.AutoIncrement {
			if err := s.bumpGenerator(f); err != nil {
				return nil, err
			}
		}
		return key, nil
	}
	if !s.schema.AutoIncrement {
		return nil, fmt.Errorf("%w: record has no key at %q for %q", ErrSerialization, s.schema.KeyPath, s.schema.Name)
	}

	next, err := readUint(s.tx, seqMetaKey(s.schema.Name))
	if err != nil {
		return nil, err
	}
	next++
	if err := writeUint(s.tx, seqMetaKey(s.schema.Name), next); err != nil {
		return nil, err
	}
	key := float64(next)
	if err := keys.Inject(doc, s.schema.KeyPath, key); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return key, nil
}

func (s *ObjectStore) bumpGenerator(f float64) error {
	if f < 1 {
		return nil
	}
	cur, err := readUint(s.tx, seqMetaKey(s.schema.Name))
	if err != nil {
		return err
	}
	n := math.Min(math.Floor(f), maxGenerator)
	if uint64(n) <= cur {
		return nil
	}
	return writeUint(s.tx, seqMetaKey(s.schema.Name), uint64(n))
}

func (s *ObjectStore) checkUnique(idx schema.IndexSchema, ik, pk []byte) error {
	var conflict bool
	err := s.tx.Scan(indexBucket(s.schema.Name, idx.Name), ik, func(_, owner []byte) error {
		if string(owner) != string(pk) {
			conflict = true
			return kv.ErrStop
		}
		return nil
	})
	if err != nil {
		return err
	}
	if conflict {
		v, _ := keys.Decode(ik)
		return fmt.Errorf("%w: unique index %q of %q already has value %v", ErrConstraint, idx.Name, s.schema.Name, v)
	}
	return nil
}

func (s *ObjectStore) removeIndexEntries(doc codec.Document, pk []byte) error {
	for _, idx := range s.schema.Indexes {
		b := indexBucket(s.schema.Name, idx.Name)
		for _, k := range keys.IndexKeys(doc, idx.KeyPath, idx.MultiEntry) {
			if err := s.tx.Delete(b, indexEntry(k, pk)); err != nil {
				return err
			}
		}
	}
	return nil
}

// load returns the stored record for an encoded primary key, nil if absent.
func (s *ObjectStore) load(pk []byte) (codec.Document, error) {
	data, err := s.tx.Get(recordBucket(s.schema.Name), pk)
	if err != nil || data == nil {
		return nil, err
	}
	doc, err := codec.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: stored record in %q: %v", ErrSerialization, s.schema.Name, err)
	}
	return doc, nil
}

func (s *ObjectStore) encodeQuery(key any) ([]byte, error) {
	pk, err := keys.Encode(key)
	if err != nil {
		return nil, fmt.Errorf("%w: key for %q: %v", ErrSerialization, s.schema.Name, err)
	}
	return pk, nil
}

// Get returns the record with the given primary key.
func (s *ObjectStore) Get(key any) (codec.Document, bool, error) {
	pk, err := s.encodeQuery(key)
	if err != nil {
		return nil, false, err
	}
	doc, err := s.load(pk)
	if err != nil {
		return nil, false, err
	}
	return doc, doc != nil, nil
}

// GetAll returns every record in primary-key order.
func (s *ObjectStore) GetAll() ([]codec.Document, error) {
	out := []codec.Document{}
	err := s.ForEach(func(_ any, doc codec.Document) error {
		out = append(out, doc)
		return nil
	})
	return out, err
}

// ForEach visits records in primary-key order. Returning Stop ends the
// iteration without an error. fn must not modify the store.
func (s *ObjectStore) ForEach(fn func(key any, doc codec.Document) error) error {
	err := s.tx.Scan(recordBucket(s.schema.Name), nil, func(k, v []byte) error {
		key, err := keys.Decode(k)
		if err != nil {
			return fmt.Errorf("%w: stored key in %q: %v", ErrSerialization, s.schema.Name, err)
		}
		doc, err := codec.Unmarshal(v)
		if err != nil {
			return fmt.Errorf("%w: stored record in %q: %v", ErrSerialization, s.schema.Name, err)
		}
		return fn(key, doc)
	})
	if errors.Is(err, Stop) {
		return nil
	}
	return err
}

// Count returns the number of records.
func (s *ObjectStore) Count() (int, error) {
	n := 0
	err := s.tx.Scan(recordBucket(s.schema.Name), nil, func(_, _ []byte) error {
		n++
		return nil
	})
	return n, err
}

// Delete removes the record with the given key. A missing key is not an
// error.
func (s *ObjectStore) Delete(key any) error {
	if err := s.checkWritable(); err != nil {
		return err
	}
	pk, err := s.encodeQuery(key)
	if err != nil {
		return err
	}
	old, err := s.load(pk)
	if err != nil || old == nil {
		return err
	}
	if err := s.removeIndexEntries(old, pk); err != nil {
		return err
	}
	return s.tx.Delete(recordBucket(s.schema.Name), pk)
}

// Clear removes every record and index entry. The key generator keeps its
// value.
func (s *ObjectStore) Clear() error {
	if err := s.checkWritable(); err != nil {
		return err
	}
	if err := s.tx.DeleteBucket(recordBucket(s.schema.Name)); err != nil {
		return err
	}
	for _, idx := range s.schema.Indexes {
		if err := s.tx.DeleteBucket(indexBucket(s.schema.Name, idx.Name)); err != nil {
			return err
		}
	}
	return nil
}

// Index returns a named index of this store.
func (s *ObjectStore) Index(name string) (*Index, error) {
	idx, ok := s.schema.Index(name)
	if !ok {
		return nil, fmt.Errorf("%w: no index %q on %q", ErrSchema, name, s.schema.Name)
	}
	return &Index{store: s, schema: idx}, nil
}

func indexEntry(ik, pk []byte) []byte {
	out := make([]byte, 0, len(ik)+len(pk))
	return append(append(out, ik...), pk...)
}

// cloneDoc deep-copies a document so the caller's value is never mutated
// by key injection.
func cloneDoc(doc codec.Document) (codec.Document, error) {
	if doc == nil {
		return nil, fmt.Errorf("%w: record is nil", ErrSerialization)
	}
	out, err := codec.ToDocument(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return out, nil
}
