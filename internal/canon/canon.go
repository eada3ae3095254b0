// Package canon implements the canonical JSON form and the hashes built on it.
//
// Canonical bytes are compact (`,` and `:` separators), recursively key-sorted,
// UTF-8 without HTML escaping. Files on disk use the indented rendering of the
// same value followed by a single newline; hashes are always taken over the
// compact form.
package canon

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
)

// Normalize converts v (a struct, map, slice or scalar) into the generic JSON
// value space: map[string]any, []any, string, json.Number, bool and nil.
func Normalize(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return Decode(t)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return Decode(raw)
}

// Decode parses a single JSON document, keeping numbers as json.Number.
func Decode(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return nil, errors.New("multiple json values")
		}
		return nil, err
	}
	return out, nil
}

// DecodeStrict decodes raw into target, refusing unknown fields and trailing data.
func DecodeStrict(raw []byte, target any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	dec.UseNumber()
	if err := dec.Decode(target); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return errors.New("multiple json values")
		}
		return err
	}
	return nil
}

// Convert round-trips a generic value into a typed record.
func Convert(v any, target any) error {
	raw, err := Marshal(v)
	if err != nil {
		return err
	}
	return DecodeStrict(raw, target)
}

// ConvertLoose is Convert without the unknown field check, for records that
// only read part of an already validated payload.
func ConvertLoose(v any, target any) error {
	raw, err := Marshal(v)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(target)
}

// Marshal returns the compact canonical bytes of v.
func Marshal(v any) ([]byte, error) {
	n, err := Normalize(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := encode(&buf, n, "", ""); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MarshalIndent returns the canonical file rendering of v: sorted keys, two
// space indentation and a trailing newline.
func MarshalIndent(v any) ([]byte, error) {
	n, err := Normalize(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := encode(&buf, n, "\n", "  "); err != nil {
		return nil, err
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// SHA256Hex returns the lowercase hex SHA-256 of b.
func SHA256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Hash is canonical_sha256: SHA-256 over the compact canonical bytes of v.
func Hash(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return SHA256Hex(b), nil
}

// IsHex64 reports whether s is a 64 character lowercase hex digest.
func IsHex64(s string) bool {
	if len(s) != 64 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// MerkleRoot computes a binary Merkle root over hex leaves. Adjacent pairs are
// hex-decoded, concatenated and hashed; an odd trailing leaf is paired with
// itself. The empty list hashes to SHA-256 of the empty string.
func MerkleRoot(leaves []string) (string, error) {
	if len(leaves) == 0 {
		return SHA256Hex(nil), nil
	}
	level := make([][]byte, len(leaves))
	for i, leaf := range leaves {
		b, err := hex.DecodeString(strings.ToLower(leaf))
		if err != nil {
			return "", fmt.Errorf("merkle leaf %d: %w", i, err)
		}
		level[i] = b
	}
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([][]byte, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			h := sha256.New()
			h.Write(level[i])
			h.Write(level[i+1])
			next = append(next, h.Sum(nil))
		}
		level = next
	}
	return hex.EncodeToString(level[0]), nil
}

// StablePositiveInt maps s onto [1, mod] using the first eight bytes of its SHA-256.
func StablePositiveInt(s string, mod uint64) int64 {
	if mod == 0 {
		return 1
	}
	sum := sha256.Sum256([]byte(s))
	v := binary.BigEndian.Uint64(sum[:8])
	return int64(v%mod) + 1
}

func encode(buf *bytes.Buffer, v any, newline, indent string) error {
	return encodeAt(buf, v, newline, indent, 0)
}

func encodeAt(buf *bytes.Buffer, v any, newline, indent string, depth int) error {
	pad := func(d int) {
		if newline == "" {
			return
		}
		buf.WriteString(newline)
		for i := 0; i < d; i++ {
			buf.WriteString(indent)
		}
	}
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		if err := checkNumber(t); err != nil {
			return err
		}
		buf.WriteString(t.String())
	case string:
		writeString(buf, t)
	case []any:
		if len(t) == 0 {
			buf.WriteString("[]")
			return nil
		}
		buf.WriteByte('[')
		for i, el := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			pad(depth + 1)
			if err := encodeAt(buf, el, newline, indent, depth+1); err != nil {
				return err
			}
		}
		pad(depth)
		buf.WriteByte(']')
	case map[string]any:
		if len(t) == 0 {
			buf.WriteString("{}")
			return nil
		}
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			pad(depth + 1)
			writeString(buf, k)
			buf.WriteByte(':')
			if newline != "" {
				buf.WriteByte(' ')
			}
			if err := encodeAt(buf, t[k], newline, indent, depth+1); err != nil {
				return err
			}
		}
		pad(depth)
		buf.WriteByte('}')
	default:
		return fmt.Errorf("canon: unsupported value %T", v)
	}
	return nil
}

func checkNumber(n json.Number) error {
	if _, err := n.Int64(); err == nil {
		return nil
	}
	f, err := n.Float64()
	if err != nil {
		return fmt.Errorf("canon: bad number %q", n)
	}
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return fmt.Errorf("canon: non-finite number %q", n)
	}
	return nil
}

func writeString(buf *bytes.Buffer, s string) {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(s)
	buf.Write(bytes.TrimRight(tmp.Bytes(), "\n"))
}
