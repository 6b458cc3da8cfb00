// Package keys implements object-store keys: normalisation of Go values into
// key form, an order-preserving byte encoding, and dotted key paths.
//
// Records are JSON documents, so keys are the JSON-expressible kinds only.
// Key order is number < string < array. Arrays compare element by element,
// a shorter prefix sorting first. The encoding is
// self-delimiting, so an encoded index key can be followed by an encoded
// primary key and still sort correctly.
package keys

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"time"
)

// ErrInvalidKey is returned for values that cannot act as keys.
var ErrInvalidKey = errors.New("invalid key")

const (
	tagEnd    byte = 0x00
	tagNumber byte = 0x10
	tagString byte = 0x30
	tagArray  byte = 0x50
)

// Normalize converts v to its canonical key form: float64, string or []any
// of those. Binary and date values are rejected: a record stores them as
// strings, so a key of either kind could never match its own record.
func Normalize(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, fmt.Errorf("%w: nil", ErrInvalidKey)
	case float64:
		return normNumber(x)
	case float32:
		return normNumber(float64(x))
	case int:
		return float64(x), nil
	case int8:
		return float64(x), nil
	case int16:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case uint:
		return float64(x), nil
	case uint8:
		return float64(x), nil
	case uint16:
		return float64(x), nil
	case uint32:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		return normNumber(f)
	case string:
		return x, nil
	case []byte:
		return nil, fmt.Errorf("%w: binary keys are not supported", ErrInvalidKey)
	case time.Time:
		return nil, fmt.Errorf("%w: date keys are not supported, use a string or a number", ErrInvalidKey)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			n, err := Normalize(e)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	}

	// Typed slices ([]string, []int, ...) are arrays too.
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		out := make([]any, rv.Len())
		for i := range out {
			n, err := Normalize(rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: unsupported type %T", ErrInvalidKey, v)
}

func normNumber(f float64) (any, error) {
	if math.IsNaN(f) {
		return nil, fmt.Errorf("%w: NaN", ErrInvalidKey)
	}
	if f == 0 {
		f = 0 // fold -0 into +0
	}
	return f, nil
}

// Encode normalises k and returns its order-preserving encoding.
func Encode(k any) ([]byte, error) {
	n, err := Normalize(k)
	if err != nil {
		return nil, err
	}
	return appendKey(nil, n), nil
}

// MustEncode is Encode for keys known to be valid, such as generated ones.
func MustEncode(k any) []byte {
	b, err := Encode(k)
	if err != nil {
		panic(err)
	}
	return b
}

func appendKey(dst []byte, k any) []byte {
	switch x := k.(type) {
	case float64:
		dst = append(dst, tagNumber)
		return appendFloat(dst, x)
	case string:
		dst = append(dst, tagString)
		return appendEscaped(dst, []byte(x))
	case []any:
		dst = append(dst, tagArray)
		for _, e := range x {
			dst = appendKey(dst, e)
		}
		return append(dst, tagEnd)
	}
	panic(fmt.Sprintf("keys: unnormalised key %T", k))
}

func appendFloat(dst []byte, f float64) []byte {
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	return binary.BigEndian.AppendUint64(dst, bits)
}

// appendEscaped writes b with 0x00 escaped as 0x00 0xFF and terminates it
// with 0x00 0x01, which sorts below any escaped continuation.
func appendEscaped(dst, b []byte) []byte {
	for _, c := range b {
		dst = append(dst, c)
		if c == 0x00 {
			dst = append(dst, 0xFF)
		}
	}
	return append(dst, 0x00, 0x01)
}

// Decode reverses Encode.
func Decode(b []byte) (any, error) {
	k, rest, err := decodeOne(b)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrInvalidKey, len(rest))
	}
	return k, nil
}

func decodeOne(b []byte) (any, []byte, error) {
	if len(b) == 0 {
		return nil, nil, fmt.Errorf("%w: truncated", ErrInvalidKey)
	}
	tag, b := b[0], b[1:]
	switch tag {
	case tagNumber:
		if len(b) < 8 {
			return nil, nil, fmt.Errorf("%w: truncated number", ErrInvalidKey)
		}
		bits := binary.BigEndian.Uint64(b[:8])
		if bits&(1<<63) != 0 {
			bits &^= 1 << 63
		} else {
			bits = ^bits
		}
		return math.Float64frombits(bits), b[8:], nil
	case tagString:
		raw, rest, err := readEscaped(b)
		if err != nil {
			return nil, nil, err
		}
		return string(raw), rest, nil
	case tagArray:
		out := []any{}
		for {
			if len(b) == 0 {
				return nil, nil, fmt.Errorf("%w: unterminated array", ErrInvalidKey)
			}
			if b[0] == tagEnd {
				return out, b[1:], nil
			}
			var (
				e   any
				err error
			)
			e, b, err = decodeOne(b)
			if err != nil {
				return nil, nil, err
			}
			out = append(out, e)
		}
	}
	return nil, nil, fmt.Errorf("%w: unknown tag 0x%02x", ErrInvalidKey, tag)
}

func readEscaped(b []byte) ([]byte, []byte, error) {
	out := []byte{}
	for i := 0; i < len(b); i++ {
		if b[i] != 0x00 {
			out = append(out, b[i])
			continue
		}
		if i+1 >= len(b) {
			break
		}
		switch b[i+1] {
		case 0xFF:
			out = append(out, 0x00)
			i++
		case 0x01:
			return out, b[i+2:], nil
		default:
			return nil, nil, fmt.Errorf("%w: bad escape", ErrInvalidKey)
		}
	}
	return nil, nil, fmt.Errorf("%w: unterminated string", ErrInvalidKey)
}

// Compare orders two keys. Both must be valid keys.
func Compare(a, b any) (int, error) {
	ea, err := Encode(a)
	if err != nil {
		return 0, err
	}
	eb, err := Encode(b)
	if err != nil {
		return 0, err
	}
	return bytes.Compare(ea, eb), nil
}
