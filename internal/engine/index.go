package engine

import (
	"fmt"

	"strata/internal/codec"
	"strata/internal/keys"
	"strata/internal/kv"
	"strata/internal/schema"
)

// Index looks up records of a store by a secondary key.
type Index struct {
	store  *ObjectStore
	schema schema.IndexSchema
}

// Name returns the index name.
func (i *Index) Name() string { return i.schema.Name }

// Schema returns the index schema.
func (i *Index) Schema() schema.IndexSchema { return i.schema }

// primaryKeys returns the encoded primary keys whose index key equals query,
// in primary-key order. limit <= 0 means no limit.
func (i *Index) primaryKeys(query any, limit int) ([][]byte, error) {
	ik, err := keys.Encode(query)
	if err != nil {
		return nil, fmt.Errorf("%w: query for index %q: %v", ErrSerialization, i.schema.Name, err)
	}
	var pks [][]byte
	err = i.store.tx.Scan(indexBucket(i.store.schema.Name, i.schema.Name), ik, func(_, pk []byte) error {
		pks = append(pks, append([]byte(nil), pk...))
		if limit > 0 && len(pks) >= limit {
			return kv.ErrStop
		}
		return nil
	})
	return pks, err
}

// Get returns the first record whose index value equals query.
func (i *Index) Get(query any) (codec.Document, bool, error) {
	pks, err := i.primaryKeys(query, 1)
	if err != nil || len(pks) == 0 {
		return nil, false, err
	}
	doc, err := i.store.load(pks[0])
	if err != nil {
		return nil, false, err
	}
	if doc == nil {
		return nil, false, fmt.Errorf("index %q of %q points at a missing record", i.schema.Name, i.store.schema.Name)
	}
	return doc, true, nil
}

// GetAll returns every record whose index value equals query, ordered by
// primary key.
func (i *Index) GetAll(query any) ([]codec.Document, error) {
	pks, err := i.primaryKeys(query, 0)
	if err != nil {
		return nil, err
	}
	out := make([]codec.Document, 0, len(pks))
	for _, pk := range pks {
		doc, err := i.store.load(pk)
		if err != nil {
			return nil, err
		}
		if doc != nil {
			out = append(out, doc)
		}
	}
	return out, nil
}

// Count returns the number of records whose index value equals query.
func (i *Index) Count(query any) (int, error) {
	pks, err := i.primaryKeys(query, 0)
	return len(pks), err
}
