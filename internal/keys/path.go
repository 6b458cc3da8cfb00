package keys

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrInvalidPath is returned for malformed key paths.
var ErrInvalidPath = errors.New("invalid key path")

// ValidatePath checks that path is a non-empty dotted path with no empty
// segments.
func ValidatePath(path string) error {
	if path == "" {
		return fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	for _, seg := range strings.Split(path, ".") {
		if seg == "" {
			return fmt.Errorf("%w: %q has an empty segment", ErrInvalidPath, path)
		}
	}
	return nil
}

// Extract returns the value at path inside doc.
func Extract(doc map[string]any, path string) (any, bool) {
	var cur any = doc
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Inject stores v at path, creating intermediate objects as needed.
func Inject(doc map[string]any, path string, v any) error {
	segs := strings.Split(path, ".")
	cur := doc
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg]
		if !ok {
			m := make(map[string]any)
			cur[seg] = m
			cur = m
			continue
		}
		m, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("%w: %q: segment %q is not an object", ErrInvalidPath, path, seg)
		}
		cur = m
	}
	cur[segs[len(segs)-1]] = v
	return nil
}

// IndexKeys returns the encoded index keys a document contributes to an
// index on path. A missing or invalid value contributes nothing. With
// multiEntry, an array contributes each distinct valid element; otherwise
// it is a single compound key. The result is sorted.
func IndexKeys(doc map[string]any, path string, multiEntry bool) [][]byte {
	v, ok := Extract(doc, path)
	if !ok {
		return nil
	}
	arr, isArray := v.([]any)
	if !multiEntry || !isArray {
		enc, err := Encode(v)
		if err != nil {
			return nil
		}
		return [][]byte{enc}
	}

	seen := make(map[string]bool, len(arr))
	var out [][]byte
	for _, e := range arr {
		enc, err := Encode(e)
		if err != nil || seen[string(enc)] {
			continue
		}
		seen[string(enc)] = true
		out = append(out, enc)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i], out[j]) < 0 })
	return out
}
