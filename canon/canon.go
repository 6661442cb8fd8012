// Package canon implements canonical serialization: a deterministic byte
// encoding of any JSON-marshalable Go value, used both as the router's
// target map key and as the input to the reliable broadcast's fingerprint
// hash.
//
// encoding/json.Marshal already serializes map[string]any keys in sorted
// order, but it does not canonicalize struct field order (it uses
// declaration order, which is stable within one binary but is not a
// contract) and it does not canonicalize numeric formatting across types
// that alias float64 vs int64. Canonical() re-marshals through
// map[string]interface{} so every object, regardless of its concrete Go
// type, decomposes into the same sorted-key, fixed-number representation
// before being serialized for comparison or hashing.
package canon

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Marshal returns the canonical byte encoding of v: equal values (by JSON
// structure) always produce byte-identical output, regardless of struct
// field declaration order or of whether v arrived as a typed struct or an
// untyped map.
func Marshal(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canon: marshal: %w", err)
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("canon: normalize: %w", err)
	}
	var buf bytes.Buffer
	if err := encode(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Key returns Marshal(v) as a string, suitable for use as a map key.
func Key(v interface{}) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func encode(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := encode(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []interface{}:
		buf.WriteByte('[')
		for i, e := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	case float64:
		// json.Unmarshal decodes every JSON number into float64; re-encode
		// through Go's formatting so integral values don't grow a ".0"
		// that a differently-typed equal value wouldn't have produced.
		if val == float64(int64(val)) {
			fmt.Fprintf(buf, "%d", int64(val))
			return nil
		}
		b, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(b)
		return nil
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(b)
		return nil
	}
}
