// Package codec converts between application values, record documents and
// their persisted form.
//
// A document is a map[string]any of JSON-compatible values. Application
// values reach document form through their JSON encoding, so struct tags
// decide field names. Documents are persisted as protobuf Struct messages.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// ErrNotDocument is returned when a value does not encode to a JSON object.
var ErrNotDocument = errors.New("value is not an object")

// Document is a record in its schemaless form.
type Document = map[string]any

// ToDocument converts v into a document through its JSON encoding, so the
// result never aliases v.
func ToDocument(v any) (Document, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding value: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %T", ErrNotDocument, v)
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: %T is null", ErrNotDocument, v)
	}
	return doc, nil
}

// FromDocument decodes doc into out, which must be a pointer.
func FromDocument(doc Document, out any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding document: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decoding document into %T: %w", out, err)
	}
	return nil
}

// Marshal encodes a document for storage.
func Marshal(doc Document) ([]byte, error) {
	s, err := structpb.NewStruct(doc)
	if err != nil {
		return nil, fmt.Errorf("converting document: %w", err)
	}
	data, err := proto.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshaling document: %w", err)
	}
	return data, nil
}

// Unmarshal decodes a stored document.
func Unmarshal(data []byte) (Document, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshaling document: %w", err)
	}
	return s.AsMap(), nil
}
