package value

import (
	"bytes"
	"math"
	"math/rand"
	"testing"
)

func TestSortKeyRoundTrip(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		v    Value
	}{
		{"null", Null()},
		{"zero", Int64(0)},
		{"small int", Int64(42)},
		{"negative int", Int64(-42)},
		{"int8 boundary", Int64(127)},
		{"int8 boundary neg", Int64(-128)},
		{"int16", Int64(30_000)},
		{"int32", Int64(-2_000_000_000)},
		{"int64", Int64(math.MaxInt64)},
		{"min int64", Int64(math.MinInt64)},
		{"float", Float64(3.25)},
		{"negative float", Float64(-1e300)},
		{"neg zero", Float64(math.Copysign(0, -1))},
		{"inf", Float64(math.Inf(1))},
		{"neg inf", Float64(math.Inf(-1))},
		{"nan", Float64(math.NaN())},
		{"false", Bool(false)},
		{"true", Bool(true)},
		{"empty string", String("")},
		{"string", String("hello")},
		{"string with nul", String("a\x00b")},
		{"string trailing nul", String("a\x00")},
		{"bytes", Bytes([]byte{0x00, 0xFF, 0x00})},
		{"empty array", Array()},
		{"nested array", Array(Int64(1), Array(String("x")), Null())},
		{"empty object", Object()},
		{"object", Object(Field{"b", Int64(2)}, Field{"a", String("one")})},
		{"object empty field name", Object(Field{"", Int64(1)})},
		{"object nested", Object(Field{"o", Object(Field{"k", Array(Bool(true))})})},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			key := tc.v.SortKey()
			got, n, err := DecodeSortKey(key)
			if err != nil {
				t.Fatalf("DecodeSortKey: %v", err)
			}
			if n != len(key) {
				t.Fatalf("decoded %d of %d bytes", n, len(key))
			}
			if !got.Equal(tc.v) {
				t.Errorf("round trip mismatch: got %v, want %v", got, tc.v)
			}
		})
	}
}

func TestSortKeyOrderMatchesCompare(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(4))
	values := make([]Value, 0, 300)
	for i := 0; i < 300; i++ {
		values = append(values, randomValue(rng, 3))
	}
	for i := 0; i < len(values); i++ {
		for j := i + 1; j < len(values); j++ {
			a, b := values[i], values[j]
			want := a.Compare(b)
			got := bytes.Compare(a.SortKey(), b.SortKey())
			if got != want {
				t.Fatalf("order mismatch: Compare(%v, %v) = %d but key compare = %d", a, b, want, got)
			}
		}
	}
}

func TestSortKeysConcatenation(t *testing.T) {
	t.Parallel()

	vals := []Value{Undefined(), String("k"), Int64(7)}
	key := SortKeys(vals)
	decoded, err := DecodeSortKeys(key)
	if err != nil {
		t.Fatalf("DecodeSortKeys: %v", err)
	}
	if len(decoded) != len(vals) {
		t.Fatalf("decoded %d values, want %d", len(decoded), len(vals))
	}
	for i := range vals {
		if !decoded[i].Equal(vals[i]) {
			t.Errorf("value %d: got %v, want %v", i, decoded[i], vals[i])
		}
	}
}

func TestSortKeyRejectsNonCanonicalInt(t *testing.T) {
	t.Parallel()

	// A one-byte positive tag carrying zero is not canonical: zero has its
	// own tag.
	if _, _, err := DecodeSortKey([]byte{tagPosInt1, 0x00}); err == nil {
		t.Fatal("expected error for non-canonical int encoding")
	}
	// 42 fits in one byte; a two-byte encoding must be rejected.
	if _, _, err := DecodeSortKey([]byte{tagPosInt2, 0x00, 0x2A}); err == nil {
		t.Fatal("expected error for over-wide int encoding")
	}
}

func TestSortKeyRejectsTruncation(t *testing.T) {
	t.Parallel()

	full := Object(Field{"a", Array(String("x\x00y"), Float64(1.5))}).SortKey()
	for i := 0; i < len(full); i++ {
		if _, _, err := DecodeSortKey(full[:i]); err == nil {
			t.Fatalf("expected error decoding %d-byte prefix", i)
		}
	}
}

func TestUndefinedSortsFirst(t *testing.T) {
	t.Parallel()

	others := []Value{Null(), Int64(math.MinInt64), Float64(math.Inf(-1)), Bool(false), String(""), Bytes(nil), Array(), Object()}
	u := Undefined().SortKey()
	for _, o := range others {
		if bytes.Compare(u, o.SortKey()) >= 0 {
			t.Errorf("undefined does not sort before %v", o)
		}
	}
}

func randomValue(rng *rand.Rand, depth int) Value {
	max := 8
	if depth == 0 {
		max = 6 // leaves only
	}
	switch rng.Intn(max) {
	case 0:
		return Null()
	case 1:
		// Bias toward boundary-adjacent integers to exercise every width.
		boundaries := []int64{0, 1, -1, 127, 128, -128, -129, 32767, 32768, -32768, -32769,
			math.MaxInt32, math.MaxInt32 + 1, math.MinInt32, math.MinInt32 - 1, math.MaxInt64, math.MinInt64}
		if rng.Intn(2) == 0 {
			return Int64(boundaries[rng.Intn(len(boundaries))])
		}
		return Int64(rng.Int63() - rng.Int63())
	case 2:
		specials := []float64{0, math.Copysign(0, -1), 1.5, -1.5, math.Inf(1), math.Inf(-1), math.NaN(), math.MaxFloat64, math.SmallestNonzeroFloat64}
		if rng.Intn(2) == 0 {
			return Float64(specials[rng.Intn(len(specials))])
		}
		return Float64(rng.NormFloat64())
	case 3:
		return Bool(rng.Intn(2) == 0)
	case 4:
		return String(randomBytesString(rng))
	case 5:
		b := make([]byte, rng.Intn(6))
		for i := range b {
			b[i] = byte(rng.Intn(3) * 0x7F) // heavy on 0x00 and 0xFE
		}
		return Bytes(b)
	case 6:
		n := rng.Intn(4)
		elems := make([]Value, n)
		for i := range elems {
			elems[i] = randomValue(rng, depth-1)
		}
		return Array(elems...)
	default:
		n := rng.Intn(4)
		// Field names stay printable ASCII, matching what the document
		// model admits; control characters would make the empty-name
		// escape ambiguous.
		names := []string{"", "a", "b", "ab", "z9", "field"}
		fields := make([]Field, 0, n)
		for i := 0; i < n; i++ {
			fields = append(fields, Field{Name: names[rng.Intn(len(names))], Value: randomValue(rng, depth-1)})
		}
		return Object(fields...)
	}
}

func randomBytesString(rng *rand.Rand) string {
	alphabet := []string{"", "a", "b", "ab", "a\x00", "\x00", "z\x00\x00"}
	return alphabet[rng.Intn(len(alphabet))]
}
