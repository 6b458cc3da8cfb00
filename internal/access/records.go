package access

import (
	"context"
	"fmt"

	"strata/internal/codec"
	"strata/internal/engine"
)

func toDocument[T any](v T) (codec.Document, error) {
	doc, err := codec.ToDocument(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", engine.ErrSerialization, err)
	}
	return doc, nil
}

func fromDocument[T any](doc codec.Document) (T, error) {
	var out T
	if err := codec.FromDocument(doc, &out); err != nil {
		return out, fmt.Errorf("%w: %v", engine.ErrSerialization, err)
	}
	return out, nil
}

func fromDocuments[T any](docs []codec.Document) ([]T, error) {
	out := make([]T, 0, len(docs))
	for _, d := range docs {
		v, err := fromDocument[T](d)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// AddRecord inserts rec.Data into rec.StoreName and returns its primary
// key. An existing key or unique index value fails with a ConstraintError.
func AddRecord[T any](ctx context.Context, h *Handle, rec StoreRecord[T]) (any, error) {
	key, err := writeRecord(ctx, h, rec, false)
	return key, h.m.publish(ActionAddRecord, h.Name(), rec.StoreName, err, "record %v added to %s", key, rec.StoreName)
}

// UpdateRecord inserts or replaces rec.Data in rec.StoreName and returns
// its primary key.
func UpdateRecord[T any](ctx context.Context, h *Handle, rec StoreRecord[T]) (any, error) {
	key, err := writeRecord(ctx, h, rec, true)
	return key, h.m.publish(ActionUpdateRecord, h.Name(), rec.StoreName, err, "record %v updated in %s", key, rec.StoreName)
}

func writeRecord[T any](ctx context.Context, h *Handle, rec StoreRecord[T], overwrite bool) (any, error) {
	doc, err := toDocument(rec.Data)
	if err != nil {
		return nil, err
	}
	var key any
	err = h.update(ctx, rec.StoreName, func(s *engine.ObjectStore) error {
		var err error
		if overwrite {
			key, err = s.Put(doc)
		} else {
			key, err = s.Add(doc)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return key, nil
}

// GetRecords returns every record of a store in primary-key order.
func GetRecords[T any](ctx context.Context, h *Handle, store string) ([]T, error) {
	out, err := getRecords[T](ctx, h, store)
	return out, h.m.publish(ActionGetRecords, h.Name(), store, err, "%d records read from %s", len(out), store)
}

func getRecords[T any](ctx context.Context, h *Handle, store string) ([]T, error) {
	var docs []codec.Document
	err := h.view(ctx, store, func(s *engine.ObjectStore) error {
		var err error
		docs, err = s.GetAll()
		return err
	})
	if err != nil {
		return nil, err
	}
	return fromDocuments[T](docs)
}

// GetRecordByID returns the record with the given primary key. A missing
// record is reported with found == false and a nil error.
func GetRecordByID[T any](ctx context.Context, h *Handle, store string, id any) (rec T, found bool, err error) {
	rec, found, err = getRecordByID[T](ctx, h, store, id)
	msg := "record %v found in %s"
	if !found {
		msg = "no record %v in %s"
	}
	return rec, found, h.m.publish(ActionGetRecordByID, h.Name(), store, err, msg, id, store)
}

func getRecordByID[T any](ctx context.Context, h *Handle, store string, id any) (T, bool, error) {
	var (
		zero  T
		doc   codec.Document
		found bool
	)
	err := h.view(ctx, store, func(s *engine.ObjectStore) error {
		var err error
		doc, found, err = s.Get(id)
		return err
	})
	if err != nil || !found {
		return zero, false, err
	}
	rec, err := fromDocument[T](doc)
	if err != nil {
		return zero, false, err
	}
	return rec, true, nil
}

// GetRecordByIndex returns the first record whose index value equals the
// query. A miss is reported with found == false and a nil error.
func GetRecordByIndex[T, Q any](ctx context.Context, h *Handle, q StoreIndexQuery[Q]) (rec T, found bool, err error) {
	rec, found, err = getRecordByIndex[T](ctx, h, q)
	msg := "record found in %s by %s = %v"
	if !found {
		msg = "no record in %s with %s = %v"
	}
	return rec, found, h.m.publish(ActionGetRecordByIndex, h.Name(), q.StoreName, err, msg, q.StoreName, q.IndexName, q.QueryValue)
}

func getRecordByIndex[T, Q any](ctx context.Context, h *Handle, q StoreIndexQuery[Q]) (T, bool, error) {
	var (
		zero  T
		doc   codec.Document
		found bool
	)
	err := h.view(ctx, q.StoreName, func(s *engine.ObjectStore) error {
		idx, err := s.Index(q.IndexName)
		if err != nil {
			return err
		}
		doc, found, err = idx.Get(q.QueryValue)
		return err
	})
	if err != nil || !found {
		return zero, false, err
	}
	rec, err := fromDocument[T](doc)
	if err != nil {
		return zero, false, err
	}
	return rec, true, nil
}

// GetAllRecordsByIndex returns every record whose index value equals the
// query, in primary-key order.
func GetAllRecordsByIndex[T, Q any](ctx context.Context, h *Handle, q StoreIndexQuery[Q]) ([]T, error) {
	out, err := getAllRecordsByIndex[T](ctx, h, q)
	return out, h.m.publish(ActionGetAllRecordsByIndex, h.Name(), q.StoreName, err,
		"%d records read from %s by %s = %v", len(out), q.StoreName, q.IndexName, q.QueryValue)
}

func getAllRecordsByIndex[T, Q any](ctx context.Context, h *Handle, q StoreIndexQuery[Q]) ([]T, error) {
	var docs []codec.Document
	err := h.view(ctx, q.StoreName, func(s *engine.ObjectStore) error {
		idx, err := s.Index(q.IndexName)
		if err != nil {
			return err
		}
		docs, err = idx.GetAll(q.QueryValue)
		return err
	})
	if err != nil {
		return nil, err
	}
	return fromDocuments[T](docs)
}
