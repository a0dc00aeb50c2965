// Copyright (C) 2019 The Nog Authors.
// See LICENSE for copying information.

// Package canonical implements the deterministic JSON encoding that defines
// entry identity: UTF-8, no Unicode escaping beyond control characters,
// object keys sorted ascending, separators `,` and `:` without whitespace.
// The SHA-1 of the canonical encoding is the content id.
package canonical

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"io"
	"sort"
	"strconv"

	"github.com/zeebo/errs"
)

// Error is the canonical codec error class.
var Error = errs.Class("canonical")

// Marshal returns the canonical encoding of a JSON value tree.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MarshalPretty returns the human-facing encoding: sorted keys, two-space
// indent, trailing newline.  It must not be used for hashing.
func MarshalPretty(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeIndent(&buf, v, ""); err != nil {
		return nil, err
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// ContentID returns the hex SHA-1 of the canonical encoding.
func ContentID(v interface{}) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha1.Sum(b)
	return hex.EncodeToString(sum[:]), nil
}

// Unmarshal parses JSON preserving number literals as json.Number, so that
// re-encoding reproduces the original bytes and identity is stable across
// decode/encode round trips.
func Unmarshal(data []byte) (interface{}, error) {
	return Decode(bytes.NewReader(data))
}

// Decode reads a single JSON value from r, preserving number literals.
func Decode(r io.Reader) (interface{}, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, Error.Wrap(err)
	}
	return v, nil
}

// DecodeMap reads a single JSON object from r.
func DecodeMap(r io.Reader) (map[string]interface{}, error) {
	v, err := Decode(r)
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, Error.New("expected a JSON object")
	}
	return m, nil
}

// DeepCopy copies a JSON value tree.  Scalars are returned as is.
func DeepCopy(v interface{}) interface{} {
	switch v := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, e := range v {
			out[k] = DeepCopy(e)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, e := range v {
			out[i] = DeepCopy(e)
		}
		return out
	default:
		return v
	}
}

// DeepCopyMap copies a JSON object tree.
func DeepCopyMap(m map[string]interface{}) map[string]interface{} {
	return DeepCopy(m).(map[string]interface{})
}

func encode(buf *bytes.Buffer, v interface{}) error {
	switch v := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if v {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		encodeString(buf, v)
	case json.Number:
		buf.WriteString(string(v))
	case int:
		buf.WriteString(strconv.FormatInt(int64(v), 10))
	case int64:
		buf.WriteString(strconv.FormatInt(v, 10))
	case uint64:
		buf.WriteString(strconv.FormatUint(v, 10))
	case float64:
		buf.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
	case []interface{}:
		buf.WriteByte('[')
		for i, e := range v {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]interface{}:
		buf.WriteByte('{')
		for i, k := range sortedKeys(v) {
			if i > 0 {
				buf.WriteByte(',')
			}
			encodeString(buf, k)
			buf.WriteByte(':')
			if err := encode(buf, v[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		norm, err := normalize(v)
		if err != nil {
			return err
		}
		return encode(buf, norm)
	}
	return nil
}

func encodeIndent(buf *bytes.Buffer, v interface{}, prefix string) error {
	switch v := v.(type) {
	case []interface{}:
		if len(v) == 0 {
			buf.WriteString("[]")
			return nil
		}
		inner := prefix + "  "
		buf.WriteString("[\n")
		for i, e := range v {
			if i > 0 {
				buf.WriteString(",\n")
			}
			buf.WriteString(inner)
			if err := encodeIndent(buf, e, inner); err != nil {
				return err
			}
		}
		buf.WriteByte('\n')
		buf.WriteString(prefix)
		buf.WriteByte(']')
	case map[string]interface{}:
		if len(v) == 0 {
			buf.WriteString("{}")
			return nil
		}
		inner := prefix + "  "
		buf.WriteString("{\n")
		for i, k := range sortedKeys(v) {
			if i > 0 {
				buf.WriteString(",\n")
			}
			buf.WriteString(inner)
			encodeString(buf, k)
			buf.WriteString(": ")
			if err := encodeIndent(buf, v[k], inner); err != nil {
				return err
			}
		}
		buf.WriteByte('\n')
		buf.WriteString(prefix)
		buf.WriteByte('}')
	default:
		return encode(buf, v)
	}
	return nil
}

// normalize converts values outside the plain JSON domain through
// encoding/json, preserving number literals.
func normalize(v interface{}) (interface{}, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, Error.New("cannot canonicalize value of type %T: %v", v, err)
	}
	return Unmarshal(b)
}

const hexdigits = "0123456789abcdef"

// encodeString writes a JSON string without HTML escaping and without
// `\uXXXX` escapes for anything but control characters.  This matches the
// server's encoding; encoding/json cannot be configured to produce it.
func encodeString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				buf.WriteString(`\u00`)
				buf.WriteByte(hexdigits[r>>4])
				buf.WriteByte(hexdigits[r&0xf])
			} else {
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
