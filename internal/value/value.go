// Package value defines the document value model shared by the persistence
// layer and the indexing subsystem, together with the order-preserving
// sort-key encoding used for database index entries.
package value

import (
	"bytes"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/goccy/go-json"
)

// Kind enumerates the value types in the document model.
//
// The declaration order matters: it is the cross-type sort order, and it
// matches the tag bytes assigned by the sort-key encoding.
type Kind int

const (
	// KindUndefined is the absence of a value, e.g. a missing field
	// extracted for an index key. It sorts before every other kind.
	KindUndefined Kind = iota
	KindNull
	KindInt64
	KindFloat64
	KindBool
	KindString
	KindBytes
	KindArray
	KindObject
)

// String returns the kind's name.
func (k Kind) String() string {
	switch k {
	case KindUndefined:
		return "undefined"
	case KindNull:
		return "null"
	case KindInt64:
		return "int64"
	case KindFloat64:
		return "float64"
	case KindBool:
		return "bool"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Field is a single (name, value) pair in an object.
type Field struct {
	Name  string
	Value Value
}

// Value is an immutable document value. The zero Value is undefined.
type Value struct {
	kind Kind

	i   int64
	f   float64
	b   bool
	s   string
	raw []byte
	arr []Value
	// obj is kept sorted by field name so that equal objects have equal
	// representations regardless of insertion order.
	obj []Field
}

// Undefined returns the undefined value.
func Undefined() Value { return Value{kind: KindUndefined} }

// Null returns the null value.
func Null() Value { return Value{kind: KindNull} }

// Int64 returns an integer value.
func Int64(i int64) Value { return Value{kind: KindInt64, i: i} }

// Float64 returns a float value. NaN and infinities are allowed; the
// sort-key encoding gives them a place in the total order.
func Float64(f float64) Value { return Value{kind: KindFloat64, f: f} }

// Bool returns a boolean value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// String returns a string value.
func String(s string) Value { return Value{kind: KindString, s: s} }

// Bytes returns a byte-string value. The slice is copied.
func Bytes(b []byte) Value {
	cp := make([]byte, len(b))
	copy(cp, b)
	return Value{kind: KindBytes, raw: cp}
}

// Array returns an array value. The slice is copied.
func Array(elems ...Value) Value {
	cp := make([]Value, len(elems))
	copy(cp, elems)
	return Value{kind: KindArray, arr: cp}
}

// Object returns an object value. Fields are stored in canonical
// (name-sorted) order; duplicate names keep the last occurrence.
func Object(fields ...Field) Value {
	cp := make([]Field, 0, len(fields))
	seen := make(map[string]int, len(fields))
	for _, f := range fields {
		if i, ok := seen[f.Name]; ok {
			cp[i] = f
			continue
		}
		seen[f.Name] = len(cp)
		cp = append(cp, f)
	}
	sort.SliceStable(cp, func(i, j int) bool { return cp[i].Name < cp[j].Name })
	return Value{kind: KindObject, obj: cp}
}

// Kind returns the value's kind.
func (v Value) Kind() Kind { return v.kind }

// IsUndefined reports whether the value is undefined.
func (v Value) IsUndefined() bool { return v.kind == KindUndefined }

// AsInt64 returns the integer payload. It panics on other kinds.
func (v Value) AsInt64() int64 {
	v.mustBe(KindInt64)
	return v.i
}

// AsFloat64 returns the float payload. It panics on other kinds.
func (v Value) AsFloat64() float64 {
	v.mustBe(KindFloat64)
	return v.f
}

// AsBool returns the boolean payload. It panics on other kinds.
func (v Value) AsBool() bool {
	v.mustBe(KindBool)
	return v.b
}

// AsString returns the string payload. It panics on other kinds.
func (v Value) AsString() string {
	v.mustBe(KindString)
	return v.s
}

// AsBytes returns the byte-string payload. It panics on other kinds.
// The caller must not mutate the returned slice.
func (v Value) AsBytes() []byte {
	v.mustBe(KindBytes)
	return v.raw
}

// AsArray returns the array elements. It panics on other kinds.
// The caller must not mutate the returned slice.
func (v Value) AsArray() []Value {
	v.mustBe(KindArray)
	return v.arr
}

// AsObject returns the object fields in canonical order. It panics on
// other kinds. The caller must not mutate the returned slice.
func (v Value) AsObject() []Field {
	v.mustBe(KindObject)
	return v.obj
}

// Get returns the named field of an object, or undefined if absent or if
// the value is not an object.
func (v Value) Get(name string) Value {
	if v.kind != KindObject {
		return Undefined()
	}
	i := sort.Search(len(v.obj), func(i int) bool { return v.obj[i].Name >= name })
	if i < len(v.obj) && v.obj[i].Name == name {
		return v.obj[i].Value
	}
	return Undefined()
}

// GetPath resolves a dotted field path ("a.b.c") against nested objects.
func (v Value) GetPath(path string) Value {
	cur := v
	for _, part := range strings.Split(path, ".") {
		cur = cur.Get(part)
		if cur.IsUndefined() {
			return cur
		}
	}
	return cur
}

func (v Value) mustBe(k Kind) {
	if v.kind != k {
		panic(fmt.Sprintf("value: %s used as %s", v.kind, k))
	}
}

// floatOrderBits maps a float64 onto a uint64 whose unsigned order matches
// the IEEE-754 total order: flip all bits of negatives, flip only the sign
// bit of non-negatives.
func floatOrderBits(f float64) uint64 {
	u := math.Float64bits(f)
	if u&(1<<63) != 0 {
		return ^u
	}
	return u | 1<<63
}

// Compare returns -1, 0, or 1. The order is total: kinds order by their
// declaration order, then values within a kind order naturally (floats by
// IEEE-754 total order, arrays and objects lexicographically).
func (v Value) Compare(o Value) int {
	if v.kind != o.kind {
		if v.kind < o.kind {
			return -1
		}
		return 1
	}
	switch v.kind {
	case KindUndefined, KindNull:
		return 0
	case KindInt64:
		return cmpInt64(v.i, o.i)
	case KindFloat64:
		a, b := floatOrderBits(v.f), floatOrderBits(o.f)
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		}
		return 0
	case KindBool:
		switch {
		case !v.b && o.b:
			return -1
		case v.b && !o.b:
			return 1
		}
		return 0
	case KindString:
		return strings.Compare(v.s, o.s)
	case KindBytes:
		return bytes.Compare(v.raw, o.raw)
	case KindArray:
		for i := 0; i < len(v.arr) && i < len(o.arr); i++ {
			if c := v.arr[i].Compare(o.arr[i]); c != 0 {
				return c
			}
		}
		return cmpInt64(int64(len(v.arr)), int64(len(o.arr)))
	case KindObject:
		for i := 0; i < len(v.obj) && i < len(o.obj); i++ {
			if c := strings.Compare(v.obj[i].Name, o.obj[i].Name); c != 0 {
				return c
			}
			if c := v.obj[i].Value.Compare(o.obj[i].Value); c != 0 {
				return c
			}
		}
		return cmpInt64(int64(len(v.obj)), int64(len(o.obj)))
	default:
		panic(fmt.Sprintf("value: compare on %s", v.kind))
	}
}

// Equal reports whether two values are equal under Compare.
func (v Value) Equal(o Value) bool { return v.Compare(o) == 0 }

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Size returns a rough in-memory size estimate in bytes, used for the
// write log's size ceiling.
func (v Value) Size() int {
	size := 16
	switch v.kind {
	case KindString:
		size += len(v.s)
	case KindBytes:
		size += len(v.raw)
	case KindArray:
		for _, e := range v.arr {
			size += e.Size()
		}
	case KindObject:
		for _, f := range v.obj {
			size += len(f.Name) + f.Value.Size()
		}
	}
	return size
}

// FromJSON parses a JSON document into a Value. Numbers without a
// fraction or exponent that fit in int64 decode as Int64; every other
// number decodes as Float64.
func FromJSON(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return Value{}, fmt.Errorf("parsing document value: %w", err)
	}
	return fromAny(raw)
}

func fromAny(raw any) (Value, error) {
	switch x := raw.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(x), nil
	case string:
		return String(x), nil
	case json.Number:
		s := x.String()
		if !strings.ContainsAny(s, ".eE") {
			if i, err := x.Int64(); err == nil {
				return Int64(i), nil
			}
		}
		f, err := x.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("parsing number %q: %w", s, err)
		}
		return Float64(f), nil
	case []any:
		elems := make([]Value, 0, len(x))
		for _, e := range x {
			v, err := fromAny(e)
			if err != nil {
				return Value{}, err
			}
			elems = append(elems, v)
		}
		return Array(elems...), nil
	case map[string]any:
		fields := make([]Field, 0, len(x))
		for name, e := range x {
			v, err := fromAny(e)
			if err != nil {
				return Value{}, err
			}
			fields = append(fields, Field{Name: name, Value: v})
		}
		return Object(fields...), nil
	default:
		return Value{}, fmt.Errorf("unsupported JSON value %T", raw)
	}
}

// ToJSON serializes a Value back to JSON. Undefined is not representable
// and returns an error; Bytes serialize as a base64 string via the
// standard library contract of []byte.
func (v Value) ToJSON() ([]byte, error) {
	raw, err := v.toAny()
	if err != nil {
		return nil, err
	}
	return json.Marshal(raw)
}

func (v Value) toAny() (any, error) {
	switch v.kind {
	case KindNull:
		return nil, nil
	case KindInt64:
		return v.i, nil
	case KindFloat64:
		return v.f, nil
	case KindBool:
		return v.b, nil
	case KindString:
		return v.s, nil
	case KindBytes:
		return v.raw, nil
	case KindArray:
		out := make([]any, 0, len(v.arr))
		for _, e := range v.arr {
			raw, err := e.toAny()
			if err != nil {
				return nil, err
			}
			out = append(out, raw)
		}
		return out, nil
	case KindObject:
		out := make(map[string]any, len(v.obj))
		for _, f := range v.obj {
			raw, err := f.Value.toAny()
			if err != nil {
				return nil, err
			}
			out[f.Name] = raw
		}
		return out, nil
	default:
		return nil, fmt.Errorf("cannot serialize %s value to JSON", v.kind)
	}
}
