// Package diff implements compare_and_write: the post-order,
// structural-sharing walk that decides, per subtree, whether a
// candidate new value is written to a fresh record or whether an
// unchanged old address can simply be reused.
package diff

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/markavellan/driftdb/record"
	"github.com/markavellan/driftdb/storage"
	"github.com/markavellan/driftdb/view"
)

// missing is a sentinel that compares unequal to every value,
// including Go nil — used as the "no such key in old" filler when
// walking a mapping's keys.
type missing struct{}

var missingValue interface{} = missing{}

// CompareAndWrite walks new against old and returns the slot the
// parent record should store in new's place, and whether new is
// logically identical to old. Mapping children that are unchanged
// reuse their existing address instead of being rewritten; any
// subtree that changed is appended as a fresh record via db.
func CompareAndWrite(db *storage.Database, old, new interface{}) (interface{}, bool, error) {
	if isMapping(new) {
		return compareMapping(db, old, new)
	}
	if seq, ok := new.([]interface{}); ok {
		return compareSequence(db, old, seq)
	}
	if s, ok := new.(string); ok {
		return compareString(old, s)
	}
	return compareScalar(old, new)
}

func compareMapping(db *storage.Database, old, new interface{}) (interface{}, bool, error) {
	if h, ok := new.(*view.Handle); ok && h.BelongsTo(db) && h.Unmaterialized() {
		// An unmaterialized handle of this database cannot have been
		// mutated — trust its address without walking it. It is the same
		// as old only when old is a handle of this database at that
		// same address.
		oh, sameDB := old.(*view.Handle)
		same := sameDB && oh.BelongsTo(db) && oh.Address() == h.Address()
		return record.Ref(h.Address()), same, nil
	}

	allSame := true
	if !isMapping(old) {
		allSame = false
	} else {
		oldLen, err := mappingLen(old)
		if err != nil {
			return nil, false, err
		}
		newLen, err := mappingLen(new)
		if err != nil {
			return nil, false, err
		}
		if oldLen != newLen {
			allSame = false
		}
	}

	keys, err := mappingKeys(new)
	if err != nil {
		return nil, false, err
	}

	entries := make(record.Mapping, 0, len(keys))
	for _, k := range keys {
		newv, _, err := mappingGet(new, k)
		if err != nil {
			return nil, false, err
		}
		oldv, found, err := mappingGet(old, k)
		if err != nil {
			return nil, false, err
		}
		if !found {
			oldv = missingValue
		}
		slot, same, err := CompareAndWrite(db, oldv, newv)
		if err != nil {
			return nil, false, err
		}
		allSame = allSame && same
		entries = append(entries, record.Entry{Key: k, Value: slot})
	}

	if allSame {
		if oh, ok := old.(*view.Handle); ok && oh.BelongsTo(db) {
			return record.Ref(oh.Address()), true, nil
		}
	}

	encoded, err := record.EncodeMapping(entries)
	if err != nil {
		return nil, false, err
	}
	addr, err := db.AppendRecord(encoded)
	if err != nil {
		return nil, false, err
	}
	return record.Ref(addr), allSame, nil
}

func compareSequence(db *storage.Database, old interface{}, new []interface{}) (interface{}, bool, error) {
	allSame := true
	oldSeq, ok := old.([]interface{})
	if !ok {
		allSame = false
	}
	if len(oldSeq) != len(new) {
		allSame = false
	}

	result := make([]interface{}, len(new))
	for i, newv := range new {
		var oldv interface{}
		if i < len(oldSeq) {
			oldv = oldSeq[i]
		}
		slot, same, err := CompareAndWrite(db, oldv, newv)
		if err != nil {
			return nil, false, err
		}
		allSame = allSame && same
		result[i] = slot
	}
	return result, allSame, nil
}

func compareString(old interface{}, new string) (interface{}, bool, error) {
	os, ok := old.(string)
	return new, ok && os == new, nil
}

func compareScalar(old, new interface{}) (interface{}, bool, error) {
	normalizedNew, err := normalizeScalar(new)
	if err != nil {
		return nil, false, err
	}
	normalizedOld, oldErr := normalizeScalar(old)
	same := oldErr == nil && valuesEqual(normalizedOld, normalizedNew)
	return normalizedNew, same, nil
}

// isMapping reports whether v is something CompareAndWrite treats as
// mapping-shaped: a lazy handle, or a plain Go mapping literal (the
// natural way to assign a freshly-built nested value).
func isMapping(v interface{}) bool {
	switch v.(type) {
	case *view.Handle:
		return true
	case map[string]interface{}:
		return true
	default:
		return false
	}
}

func mappingLen(v interface{}) (int, error) {
	switch x := v.(type) {
	case *view.Handle:
		return x.Len()
	case map[string]interface{}:
		return len(x), nil
	default:
		return 0, nil
	}
}

// mappingKeys returns v's keys in a deterministic order: a handle's
// own record order, or lexical order for a plain map literal (whose
// native Go iteration order is randomized).
func mappingKeys(v interface{}) ([]string, error) {
	switch x := v.(type) {
	case *view.Handle:
		return x.Keys()
	case map[string]interface{}:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sortStrings(keys)
		return keys, nil
	default:
		return nil, nil
	}
}

func mappingGet(v interface{}, key string) (interface{}, bool, error) {
	switch x := v.(type) {
	case *view.Handle:
		return x.Lookup(key)
	case map[string]interface{}:
		val, ok := x[key]
		return val, ok, nil
	default:
		return nil, false, nil
	}
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// normalizeScalar converts any admissible Go scalar into the three
// shapes the record codec understands: nil, bool, or json.Number.
// Anything else (a slice, a mapping, the missing sentinel) is
// rejected. As a new value those are handled by their own branches in
// CompareAndWrite; as an old value compareScalar treats the rejection
// as "changed".
func normalizeScalar(v interface{}) (interface{}, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case bool:
		return x, nil
	case json.Number:
		return x, nil
	case float64:
		return json.Number(strconv.FormatFloat(x, 'g', -1, 64)), nil
	case float32:
		return json.Number(strconv.FormatFloat(float64(x), 'g', -1, 32)), nil
	case int:
		return json.Number(strconv.Itoa(x)), nil
	case int8:
		return json.Number(strconv.FormatInt(int64(x), 10)), nil
	case int16:
		return json.Number(strconv.FormatInt(int64(x), 10)), nil
	case int32:
		return json.Number(strconv.FormatInt(int64(x), 10)), nil
	case int64:
		return json.Number(strconv.FormatInt(x, 10)), nil
	case uint:
		return json.Number(strconv.FormatUint(uint64(x), 10)), nil
	case uint32:
		return json.Number(strconv.FormatUint(uint64(x), 10)), nil
	case uint64:
		return json.Number(strconv.FormatUint(x, 10)), nil
	default:
		return nil, fmt.Errorf("diff: unsupported scalar type %T", v)
	}
}

func valuesEqual(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if ab, ok := a.(bool); ok {
		bb, ok := b.(bool)
		return ok && ab == bb
	}
	an, ok := a.(json.Number)
	if !ok {
		return false
	}
	bn, ok := b.(json.Number)
	if !ok {
		return false
	}
	if an == bn {
		return true
	}
	fa, errA := an.Float64()
	fb, errB := bn.Float64()
	return errA == nil && errB == nil && fa == fb
}
