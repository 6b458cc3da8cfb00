package schema

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func peopleDescriptor() Descriptor {
	return Descriptor{
		Name:    "app",
		Version: 1,
		Stores: []StoreSchema{{
			Name:          "people",
			KeyPath:       "id",
			AutoIncrement: true,
			Indexes: []IndexSchema{
				{Name: "byEmail", KeyPath: "email", Unique: true},
			},
		}},
	}
}

func TestValidateOK(t *testing.T) {
	if err := peopleDescriptor().Validate(); err != nil {
		t.Fatalf("valid descriptor rejected: %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(d *Descriptor)
	}{
		{"empty name", func(d *Descriptor) { d.Name = "" }},
		{"zero version", func(d *Descriptor) { d.Version = 0 }},
		{"empty store name", func(d *Descriptor) { d.Stores[0].Name = "" }},
		{"empty key path", func(d *Descriptor) { d.Stores[0].KeyPath = "" }},
		{"bad key path", func(d *Descriptor) { d.Stores[0].KeyPath = "a..b" }},
		{"duplicate store", func(d *Descriptor) { d.Stores = append(d.Stores, d.Stores[0]) }},
		{"empty index name", func(d *Descriptor) { d.Stores[0].Indexes[0].Name = "" }},
		{"bad index path", func(d *Descriptor) { d.Stores[0].Indexes[0].KeyPath = ".email" }},
		{"duplicate index", func(d *Descriptor) {
			d.Stores[0].Indexes = append(d.Stores[0].Indexes, d.Stores[0].Indexes[0])
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := peopleDescriptor()
			tt.mutate(&d)
			err := d.Validate()
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestLookup(t *testing.T) {
	d := peopleDescriptor()
	s, ok := d.Store("people")
	if !ok {
		t.Fatal("people store not found")
	}
	if _, ok := s.Index("byEmail"); !ok {
		t.Fatal("byEmail index not found")
	}
	if _, ok := d.Store("missing"); ok {
		t.Fatal("missing store should not be found")
	}
	if _, ok := s.Index("missing"); ok {
		t.Fatal("missing index should not be found")
	}
}

func TestCloneIsDeep(t *testing.T) {
	d := peopleDescriptor()
	c := d.Clone()
	c.Stores[0].Indexes[0].Name = "changed"
	c.Stores = append(c.Stores, StoreSchema{Name: "extra", KeyPath: "id"})

	if d.Stores[0].Indexes[0].Name != "byEmail" {
		t.Error("clone shares index slice with original")
	}
	if len(d.Stores) != 1 {
		t.Error("clone shares store slice with original")
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schema.yaml")
	src := `
name: app
version: 2
stores:
  - name: people
    key_path: id
    auto_increment: true
    indexes:
      - name: byEmail
        key_path: email
        unique: true
      - name: byTag
        key_path: tags
        multi_entry: true
`
	if err := os.WriteFile(path, []byte(src), 0644); err != nil {
		t.Fatal(err)
	}
	d, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if d.Name != "app" || d.Version != 2 {
		t.Errorf("got name=%q version=%d", d.Name, d.Version)
	}
	if len(d.Stores) != 1 || len(d.Stores[0].Indexes) != 2 {
		t.Fatalf("unexpected stores: %+v", d.Stores)
	}
	if !d.Stores[0].AutoIncrement || !d.Stores[0].Indexes[1].MultiEntry {
		t.Errorf("flags not decoded: %+v", d.Stores[0])
	}
}

func TestLoadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schema.toml")
	src := `
name = "app"
version = 1

[[stores]]
name = "people"
key_path = "id"

[[stores.indexes]]
name = "byEmail"
key_path = "email"
unique = true
`
	if err := os.WriteFile(path, []byte(src), 0644); err != nil {
		t.Fatal(err)
	}
	d, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if d.Stores[0].Indexes[0].Name != "byEmail" || !d.Stores[0].Indexes[0].Unique {
		t.Errorf("index not decoded: %+v", d.Stores[0].Indexes)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schema.yaml")
	if err := os.WriteFile(path, []byte("name: app\nversion: 0\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestLoadUnknownExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schema.json")
	if err := os.WriteFile(path, []byte("{}"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unsupported extension")
	}
}
