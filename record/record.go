// Package record encodes and decodes a single on-disk record: the
// self-delimited JSON payload stored at one address in the database
// file. A record is always a mapping (an ordered set of key/slot
// pairs); sequences never get their own record and instead appear
// inlined as a JSON array within whichever slot holds them.
//
// A slot's JSON shape disambiguates its meaning without a type tag:
//
//	"|foo"   -> literal string "foo" (the sentinel is stripped)
//	"1a2b"   -> a Ref, the hex address of a child mapping's record
//	1, true, null -> scalars, passed through unchanged
//	[...]    -> an inlined sequence, recursively composed of slots
//
// Mapping key order is preserved across an Encode/Decode round trip so
// that repeated encodes of logically-unchanged content are
// byte-identical within one transaction.
package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/markavellan/driftdb/errs"
)

// Ref is the hex address of a child mapping record, as decoded from a
// bare (non "|"-prefixed) string slot.
type Ref uint64

// Entry is one key/slot pair of a mapping record.
type Entry struct {
	Key   string
	Value interface{} // string | Ref | json.Number | bool | nil | []interface{}
}

// Mapping is the ordered payload of a mapping record.
type Mapping []Entry

// Get returns the value stored under key, preserving first-match
// semantics (a well-formed record never repeats a key).
func (m Mapping) Get(key string) (interface{}, bool) {
	for _, e := range m {
		if e.Key == key {
			return e.Value, true
		}
	}
	return nil, false
}

// sentinel is the marker byte that rescues a string slot from being
// interpreted as a hex address reference.
const sentinel = '|'

// EncodeMapping serializes a mapping to its on-disk JSON form (without
// the trailing newline; storage.Database appends that).
func EncodeMapping(m Mapping) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range m {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyBytes, err := json.Marshal(e.Key)
		if err != nil {
			return nil, fmt.Errorf("record: encode key %q: %w", e.Key, err)
		}
		buf.Write(keyBytes)
		buf.WriteByte(':')
		if err := encodeSlot(&buf, e.Value); err != nil {
			return nil, fmt.Errorf("record: encode field %q: %w", e.Key, err)
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func encodeSlot(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case string:
		b, err := json.Marshal(string(sentinel) + val)
		if err != nil {
			return err
		}
		buf.Write(b)
		return nil
	case Ref:
		b, err := json.Marshal(strconv.FormatUint(uint64(val), 16))
		if err != nil {
			return err
		}
		buf.Write(b)
		return nil
	case json.Number:
		if !isValidNumber(string(val)) {
			return fmt.Errorf("record: invalid number literal %q", val)
		}
		buf.WriteString(string(val))
		return nil
	case float64:
		b, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(b)
		return nil
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case []interface{}:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeSlot(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	default:
		return fmt.Errorf("record: unsupported slot type %T", v)
	}
}

// isValidNumber guards against writing a malformed json.Number
// literal verbatim into a record.
func isValidNumber(s string) bool {
	if s == "" {
		return false
	}
	var f float64
	return json.Unmarshal([]byte(s), &f) == nil
}

// DecodeMapping parses a record payload (the bytes between two
// newlines) into its ordered mapping. The payload must be a JSON
// object; anything else is Corrupt.
func DecodeMapping(data []byte) (Mapping, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, errs.Corrupt("record: %v", err)
	}
	delim, ok := tok.(json.Delim)
	if !ok || delim != '{' {
		return nil, errs.Corrupt("record: expected object, got %v", tok)
	}

	var m Mapping
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, errs.Corrupt("record: %v", err)
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, errs.Corrupt("record: non-string key %v", keyTok)
		}
		val, err := decodeSlot(dec)
		if err != nil {
			return nil, err
		}
		m = append(m, Entry{Key: key, Value: val})
	}
	if _, err := dec.Token(); err != nil { // closing '}'
		return nil, errs.Corrupt("record: %v", err)
	}
	return m, nil
}

// decodeSlot reads exactly one JSON value from dec and resolves it to
// a slot value: a string sentinel/ref decision, a pass-through scalar,
// or a recursively-decoded inline sequence.
func decodeSlot(dec *json.Decoder) (interface{}, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, errs.Corrupt("record: %v", err)
	}
	switch v := tok.(type) {
	case json.Delim:
		switch v {
		case '[':
			var seq []interface{}
			for dec.More() {
				elem, err := decodeSlot(dec)
				if err != nil {
					return nil, err
				}
				seq = append(seq, elem)
			}
			if _, err := dec.Token(); err != nil { // closing ']'
				return nil, errs.Corrupt("record: %v", err)
			}
			return seq, nil
		case '{':
			return nil, errs.Corrupt("record: mapping children must be indirected through an address, not inlined")
		default:
			return nil, errs.Corrupt("record: unexpected delimiter %v", v)
		}
	case string:
		return decodeStringSlot(v)
	case json.Number:
		return v, nil
	case bool:
		return v, nil
	case nil:
		return nil, nil
	default:
		return nil, errs.Corrupt("record: unexpected token %v (%T)", tok, tok)
	}
}

// decodeStringSlot applies the sentinel convention: a leading "|"
// rescues a literal string, otherwise the string must be a hex
// address (the encoder writes lowercase; uppercase digits also parse).
func decodeStringSlot(s string) (interface{}, error) {
	if len(s) > 0 && s[0] == sentinel {
		return s[1:], nil
	}
	addr, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return nil, errs.Corrupt("record: %q is neither a sentineled string nor a hex address", s)
	}
	return Ref(addr), nil
}
