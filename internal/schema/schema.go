// Package schema declares databases, object stores and indexes.
// The same types are decoded from the TOML config, from standalone
// YAML/TOML schema files, and persisted by the engine as metadata.
package schema

import (
	"errors"
	"fmt"

	"strata/internal/keys"
)

// ErrInvalid is returned by the Validate methods.
var ErrInvalid = errors.New("invalid schema")

// Descriptor declares a named, versioned database and its stores.
type Descriptor struct {
	Name    string        `toml:"name" yaml:"name" json:"name"`
	Version uint64        `toml:"version" yaml:"version" json:"version"`
	Stores  []StoreSchema `toml:"stores" yaml:"stores" json:"stores"`
}

// StoreSchema declares one object store.
type StoreSchema struct {
	Name          string        `toml:"name" yaml:"name" json:"name"`
	KeyPath       string        `toml:"key_path" yaml:"key_path" json:"key_path"`
	AutoIncrement bool          `toml:"auto_increment" yaml:"auto_increment" json:"auto_increment"`
	Indexes       []IndexSchema `toml:"indexes" yaml:"indexes" json:"indexes"`
}

// IndexSchema declares a secondary index on a store.
type IndexSchema struct {
	Name       string `toml:"name" yaml:"name" json:"name"`
	KeyPath    string `toml:"key_path" yaml:"key_path" json:"key_path"`
	Unique     bool   `toml:"unique" yaml:"unique" json:"unique"`
	MultiEntry bool   `toml:"multi_entry" yaml:"multi_entry" json:"multi_entry"`
}

// Validate checks names, versions and key paths.
func (d Descriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: database name is empty", ErrInvalid)
	}
	if d.Version < 1 {
		return fmt.Errorf("%w: database %q: version must be >= 1", ErrInvalid, d.Name)
	}
	seen := make(map[string]bool, len(d.Stores))
	for _, s := range d.Stores {
		if err := s.Validate(); err != nil {
			return err
		}
		if seen[s.Name] {
			return fmt.Errorf("%w: duplicate store %q", ErrInvalid, s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}

// Validate checks the store name, its key path and its indexes.
func (s StoreSchema) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: store name is empty", ErrInvalid)
	}
	if err := keys.ValidatePath(s.KeyPath); err != nil {
		return fmt.Errorf("%w: store %q: %v", ErrInvalid, s.Name, err)
	}
	seen := make(map[string]bool, len(s.Indexes))
	for _, idx := range s.Indexes {
		if err := idx.Validate(); err != nil {
			return fmt.Errorf("store %q: %w", s.Name, err)
		}
		if seen[idx.Name] {
			return fmt.Errorf("%w: store %q: duplicate index %q", ErrInvalid, s.Name, idx.Name)
		}
		seen[idx.Name] = true
	}
	return nil
}

// Validate checks the index name and key path.
func (i IndexSchema) Validate() error {
	if i.Name == "" {
		return fmt.Errorf("%w: index name is empty", ErrInvalid)
	}
	if err := keys.ValidatePath(i.KeyPath); err != nil {
		return fmt.Errorf("%w: index %q: %v", ErrInvalid, i.Name, err)
	}
	return nil
}

// Store returns the named store declaration.
func (d Descriptor) Store(name string) (StoreSchema, bool) {
	for _, s := range d.Stores {
		if s.Name == name {
			return s, true
		}
	}
	return StoreSchema{}, false
}

// Index returns the named index declaration.
func (s StoreSchema) Index(name string) (IndexSchema, bool) {
	for _, idx := range s.Indexes {
		if idx.Name == name {
			return idx, true
		}
	}
	return IndexSchema{}, false
}

// Clone returns a deep copy, so callers can mutate the result freely.
func (d Descriptor) Clone() Descriptor {
	out := Descriptor{Name: d.Name, Version: d.Version}
	out.Stores = make([]StoreSchema, len(d.Stores))
	for i, s := range d.Stores {
		out.Stores[i] = s.Clone()
	}
	return out
}

// Clone returns a deep copy of the store declaration.
func (s StoreSchema) Clone() StoreSchema {
	out := s
	out.Indexes = append([]IndexSchema(nil), s.Indexes...)
	return out
}
