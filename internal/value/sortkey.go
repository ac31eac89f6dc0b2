package value

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// Sort-key encoding: a binary, order-preserving, self-delimiting encoding
// of values. Comparing two encoded keys bytewise gives the same result as
// Value.Compare on the originals.
//
// Each value starts with a one-byte tag chosen so that tag order matches
// the cross-type value order. Integers use a variable number of bytes
// keyed by magnitude, with the tag's distance from the zero tag encoding
// the width. Floats map through floatOrderBits so that bytewise order is
// the IEEE-754 total order. Strings and byte strings escape interior 0x00
// as 0x00 0xFF and end with a bare 0x00; arrays and objects end with a
// bare 0x00 as well.

const (
	tagUndefined = 0x1

	tagNull = 0x3

	tagNegInt8  = 0x4
	tagNegInt4  = 0x5
	tagNegInt2  = 0x6
	tagNegInt1  = 0x7
	tagZeroInt  = 0x8
	tagPosInt1  = 0x9
	tagPosInt2  = 0xA
	tagPosInt4  = 0xB
	tagPosInt8  = 0xC
	tagFloat64  = 0xD
	tagFalse    = 0xE
	tagTrue     = 0xF
	tagString   = 0x10
	tagBytes    = 0x11
	tagArray    = 0x12
	tagObject   = 0x15

	terminatorByte = 0x00
	escapeByte     = 0xFF
)

// SortKey returns the value's sort key.
func (v Value) SortKey() []byte {
	var buf bytes.Buffer
	v.writeSortKey(&buf)
	return buf.Bytes()
}

// SortKeys encodes a sequence of values into one concatenated key.
// Undefined values are allowed; they encode to the undefined tag. This is
// how multi-field index keys are built.
func SortKeys(values []Value) []byte {
	var buf bytes.Buffer
	for _, v := range values {
		v.writeSortKey(&buf)
	}
	return buf.Bytes()
}

func (v Value) writeSortKey(buf *bytes.Buffer) {
	switch v.kind {
	case KindUndefined:
		buf.WriteByte(tagUndefined)
	case KindNull:
		buf.WriteByte(tagNull)
	case KindInt64:
		writeTaggedInt(buf, v.i)
	case KindFloat64:
		buf.WriteByte(tagFloat64)
		var be [8]byte
		binary.BigEndian.PutUint64(be[:], floatOrderBits(v.f))
		buf.Write(be[:])
	case KindBool:
		if v.b {
			buf.WriteByte(tagTrue)
		} else {
			buf.WriteByte(tagFalse)
		}
	case KindString:
		buf.WriteByte(tagString)
		writeEscapedBytes(buf, []byte(v.s))
	case KindBytes:
		buf.WriteByte(tagBytes)
		writeEscapedBytes(buf, v.raw)
	case KindArray:
		buf.WriteByte(tagArray)
		for _, e := range v.arr {
			e.writeSortKey(buf)
		}
		buf.WriteByte(terminatorByte)
	case KindObject:
		buf.WriteByte(tagObject)
		for _, f := range v.obj {
			writeEscapedBytes(buf, []byte(f.Name))
			// An empty field name would collide with the object
			// terminator, so it carries an extra escape byte. Field
			// names never contain control characters, which keeps the
			// encoding unambiguous.
			if f.Name == "" {
				buf.WriteByte(escapeByte)
			}
			f.Value.writeSortKey(buf)
		}
		buf.WriteByte(terminatorByte)
	default:
		panic(fmt.Sprintf("value: sort key for %s", v.kind))
	}
}

// writeEscapedBytes writes b with every 0x00 escaped as 0x00 0xFF and a
// trailing bare 0x00 terminator.
func writeEscapedBytes(buf *bytes.Buffer, b []byte) {
	last := 0
	for i := bytes.IndexByte(b[last:], terminatorByte); i >= 0; i = bytes.IndexByte(b[last:], terminatorByte) {
		buf.Write(b[last : last+i+1])
		buf.WriteByte(escapeByte)
		last += i + 1
	}
	buf.Write(b[last:])
	buf.WriteByte(terminatorByte)
}

// writeTaggedInt writes an integer with a width-encoding tag; zero is the
// bare zero tag. The tag's distance from the zero tag is one more than
// the log2 byte width, negated for negative values so that the tag order
// matches the numeric order.
func writeTaggedInt(buf *bytes.Buffer, n int64) {
	if n == 0 {
		buf.WriteByte(tagZeroInt)
		return
	}
	var tagDiff byte
	switch {
	case n >= math.MinInt8 && n <= math.MaxInt8:
		tagDiff = 1
	case n >= math.MinInt16 && n <= math.MaxInt16:
		tagDiff = 2
	case n >= math.MinInt32 && n <= math.MaxInt32:
		tagDiff = 3
	default:
		tagDiff = 4
	}
	var tag byte
	if n < 0 {
		tag = tagZeroInt - tagDiff
	} else {
		tag = tagZeroInt + tagDiff
	}
	numBytes := 1 << (tagDiff - 1)
	var be [8]byte
	binary.BigEndian.PutUint64(be[:], uint64(n))
	buf.WriteByte(tag)
	buf.Write(be[8-numBytes:])
}

// sortKeyReader decodes values from a sort key.
type sortKeyReader struct {
	buf []byte
}

func (r *sortKeyReader) remaining() bool { return len(r.buf) > 0 }

func (r *sortKeyReader) peek() (byte, bool) {
	if len(r.buf) == 0 {
		return 0, false
	}
	return r.buf[0], true
}

func (r *sortKeyReader) readByte() (byte, error) {
	if len(r.buf) == 0 {
		return 0, fmt.Errorf("unexpected end of sort key")
	}
	b := r.buf[0]
	r.buf = r.buf[1:]
	return b, nil
}

func (r *sortKeyReader) read(n int) ([]byte, error) {
	if len(r.buf) < n {
		return nil, fmt.Errorf("unexpected end of sort key: want %d bytes, have %d", n, len(r.buf))
	}
	b := r.buf[:n]
	r.buf = r.buf[n:]
	return b, nil
}

// DecodeSortKey decodes a single value from the front of key and returns
// it together with the number of bytes consumed.
func DecodeSortKey(key []byte) (Value, int, error) {
	r := sortKeyReader{buf: key}
	v, err := r.readValue()
	if err != nil {
		return Value{}, 0, err
	}
	return v, len(key) - len(r.buf), nil
}

// DecodeSortKeys decodes a concatenation of sort keys, as produced by
// SortKeys, back into values.
func DecodeSortKeys(key []byte) ([]Value, error) {
	r := sortKeyReader{buf: key}
	var values []Value
	for r.remaining() {
		v, err := r.readValue()
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, nil
}

func (r *sortKeyReader) readValue() (Value, error) {
	tag, err := r.readByte()
	if err != nil {
		return Value{}, err
	}
	switch {
	case tag == tagUndefined:
		return Undefined(), nil
	case tag == tagNull:
		return Null(), nil
	case tag >= tagNegInt8 && tag <= tagPosInt8:
		n, err := r.readTaggedInt(tag)
		if err != nil {
			return Value{}, err
		}
		return Int64(n), nil
	case tag == tagFloat64:
		b, err := r.read(8)
		if err != nil {
			return Value{}, err
		}
		u := binary.BigEndian.Uint64(b)
		if u&(1<<63) != 0 {
			u &^= 1 << 63
		} else {
			u = ^u
		}
		return Float64(math.Float64frombits(u)), nil
	case tag == tagFalse:
		return Bool(false), nil
	case tag == tagTrue:
		return Bool(true), nil
	case tag == tagString:
		b, err := r.readEscapedBytes()
		if err != nil {
			return Value{}, err
		}
		return String(string(b)), nil
	case tag == tagBytes:
		b, err := r.readEscapedBytes()
		if err != nil {
			return Value{}, err
		}
		return Bytes(b), nil
	case tag == tagArray:
		var elems []Value
		for {
			if b, ok := r.peek(); ok && b == terminatorByte {
				_, _ = r.readByte()
				break
			}
			e, err := r.readValue()
			if err != nil {
				return Value{}, err
			}
			elems = append(elems, e)
		}
		return Array(elems...), nil
	case tag == tagObject:
		var fields []Field
		for {
			var name string
			if b, ok := r.peek(); ok && b == terminatorByte {
				_, _ = r.readByte()
				if b, ok := r.peek(); ok && b == escapeByte {
					// Empty field name, not the object terminator.
					_, _ = r.readByte()
					name = ""
				} else {
					break
				}
			} else {
				raw, err := r.readEscapedBytes()
				if err != nil {
					return Value{}, err
				}
				name = string(raw)
			}
			v, err := r.readValue()
			if err != nil {
				return Value{}, err
			}
			fields = append(fields, Field{Name: name, Value: v})
		}
		obj := Object(fields...)
		if len(obj.obj) != len(fields) {
			return Value{}, fmt.Errorf("duplicate field in encoded object")
		}
		return obj, nil
	case tag == escapeByte:
		return Value{}, fmt.Errorf("escape byte used as sort key tag")
	default:
		return Value{}, fmt.Errorf("unrecognized sort key tag 0x%x", tag)
	}
}

func (r *sortKeyReader) readTaggedInt(tag byte) (int64, error) {
	if tag == tagZeroInt {
		return 0, nil
	}
	var tagDiff byte
	neg := tag < tagZeroInt
	if neg {
		tagDiff = tagZeroInt - tag
	} else {
		tagDiff = tag - tagZeroInt
	}
	numBytes := 1 << (tagDiff - 1)
	b, err := r.read(numBytes)
	if err != nil {
		return 0, err
	}
	var n int64
	switch numBytes {
	case 1:
		n = int64(int8(b[0]))
	case 2:
		n = int64(int16(binary.BigEndian.Uint16(b)))
	case 4:
		n = int64(int32(binary.BigEndian.Uint32(b)))
	case 8:
		n = int64(binary.BigEndian.Uint64(b))
	}
	// Reject non-canonical encodings: the value must actually need the
	// width its tag claims.
	var inRange bool
	switch tag {
	case tagNegInt1:
		inRange = n < 0
	case tagNegInt2:
		inRange = n < math.MinInt8
	case tagNegInt4:
		inRange = n < math.MinInt16
	case tagNegInt8:
		inRange = n < math.MinInt32
	case tagPosInt1:
		inRange = n > 0
	case tagPosInt2:
		inRange = n > math.MaxInt8
	case tagPosInt4:
		inRange = n > math.MaxInt16
	case tagPosInt8:
		inRange = n > math.MaxInt32
	}
	if !inRange {
		return 0, fmt.Errorf("non-canonical tagged int %d with tag 0x%x", n, tag)
	}
	return n, nil
}

// readEscapedBytes reads an escaped, terminated byte string.
func (r *sortKeyReader) readEscapedBytes() ([]byte, error) {
	var out []byte
	for {
		i := bytes.IndexByte(r.buf, terminatorByte)
		if i < 0 {
			return nil, fmt.Errorf("unterminated escaped bytes in sort key")
		}
		out = append(out, r.buf[:i]...)
		r.buf = r.buf[i+1:]
		if len(r.buf) > 0 && r.buf[0] == escapeByte {
			r.buf = r.buf[1:]
			out = append(out, terminatorByte)
			continue
		}
		return out, nil
	}
}
