package engine

import (
	"encoding/binary"
	"fmt"
	"sort"

	"strata/internal/codec"
	"strata/internal/kv"
	"strata/internal/schema"
)

// Bucket layout inside a backend:
//
//	_meta                    version, store schemas, key generators
//	r\x00<store>             encoded primary key -> record
//	x\x00<store>\x00<index>  encoded index key || encoded primary key -> encoded primary key
var (
	metaBucket = []byte("_meta")
	versionKey = []byte("version")
)

const (
	storePrefix = "store\x00"
	seqPrefix   = "seq\x00"
)

func recordBucket(store string) []byte {
	return []byte("r\x00" + store)
}

func indexBucket(store, index string) []byte {
	return []byte("x\x00" + store + "\x00" + index)
}

func storeMetaKey(store string) []byte {
	return []byte(storePrefix + store)
}

func seqMetaKey(store string) []byte {
	return []byte(seqPrefix + store)
}

func readUint(tx kv.Tx, key []byte) (uint64, error) {
	v, err := tx.Get(metaBucket, key)
	if err != nil {
		return 0, err
	}
	if v == nil {
		return 0, nil
	}
	if len(v) != 8 {
		return 0, fmt.Errorf("corrupt metadata %q: %d bytes", key, len(v))
	}
	return binary.BigEndian.Uint64(v), nil
}

func writeUint(tx kv.Tx, key []byte, n uint64) error {
	return tx.Put(metaBucket, key, binary.BigEndian.AppendUint64(nil, n))
}

func readVersion(tx kv.Tx) (uint64, error) {
	return readUint(tx, versionKey)
}

func writeStoreSchema(tx kv.Tx, s schema.StoreSchema) error {
	doc, err := codec.ToDocument(s)
	if err != nil {
		return err
	}
	data, err := codec.Marshal(doc)
	if err != nil {
		return err
	}
	return tx.Put(metaBucket, storeMetaKey(s.Name), data)
}

// readStores loads every persisted store schema, keyed by name.
func readStores(tx kv.Tx) (map[string]schema.StoreSchema, error) {
	stores := make(map[string]schema.StoreSchema)
	err := tx.Scan(metaBucket, []byte(storePrefix), func(key, value []byte) error {
		doc, err := codec.Unmarshal(value)
		if err != nil {
			return fmt.Errorf("store metadata %q: %w", key, err)
		}
		var s schema.StoreSchema
		if err := codec.FromDocument(doc, &s); err != nil {
			return fmt.Errorf("store metadata %q: %w", key, err)
		}
		stores[s.Name] = s
		return nil
	})
	return stores, err
}

func sortedStores(m map[string]schema.StoreSchema) []schema.StoreSchema {
	out := make([]schema.StoreSchema, 0, len(m))
	for _, s := range m {
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func cloneStores(m map[string]schema.StoreSchema) map[string]schema.StoreSchema {
	out := make(map[string]schema.StoreSchema, len(m))
	for k, s := range m {
		out[k] = s.Clone()
	}
	return out
}
