// Package searchindex builds and maintains segment-backed search
// indexes: the text and vector flushers, the compactor, and the metadata
// writer that reconciles their concurrent commits.
package searchindex

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"unicode"

	"github.com/steveyegge/strata/internal/registry"
	"github.com/steveyegge/strata/internal/sterrors"
	"github.com/steveyegge/strata/internal/value"
)

// IndexType abstracts over the two segment-backed index kinds. The
// flusher, compactor, and metadata writer are generic over it; only row
// encoding, sizing, and scan order differ.
type IndexType interface {
	// Kind returns the registry kind this type serves.
	Kind() registry.Kind

	// Name returns the kind's short name for logs and metrics.
	Name() string

	// EstimateDocumentSize approximates a document's contribution to a
	// segment, for the incremental multipart threshold.
	EstimateDocumentSize(meta *registry.IndexMeta, doc value.Value) uint64

	// EncodeRow turns a document into a segment row. A (nil, nil)
	// return means the document has nothing to index for this index.
	EncodeRow(meta *registry.IndexMeta, doc value.Value) ([]byte, error)

	// PartialOrder is the document-log scan order for partial builds.
	PartialOrder() value.Order
}

// ForKind returns the IndexType serving kind, or nil for database
// indexes.
func ForKind(kind registry.Kind) IndexType {
	switch kind {
	case registry.Text:
		return TextIndex{}
	case registry.Vector:
		return VectorIndex{}
	default:
		return nil
	}
}

// TextIndex is the full-text kind. Rows carry the document's terms;
// tokenization is lowercase unicode word-splitting.
type TextIndex struct{}

// Kind returns registry.Text.
func (TextIndex) Kind() registry.Kind { return registry.Text }

// Name returns "text".
func (TextIndex) Name() string { return "text" }

// EstimateDocumentSize approximates the indexed field's size.
func (TextIndex) EstimateDocumentSize(meta *registry.IndexMeta, doc value.Value) uint64 {
	field := doc.GetPath(meta.Config.SearchField)
	if field.Kind() != value.KindString {
		return 0
	}
	return uint64(len(field.AsString()))
}

// EncodeRow serializes the document's terms.
func (TextIndex) EncodeRow(meta *registry.IndexMeta, doc value.Value) ([]byte, error) {
	field := doc.GetPath(meta.Config.SearchField)
	if field.Kind() != value.KindString {
		// Non-string or missing fields simply do not appear in the
		// index.
		return nil, nil
	}
	terms := Tokenize(field.AsString())
	var buf bytes.Buffer
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(terms)))
	buf.Write(lenBuf[:n])
	for _, term := range terms {
		n := binary.PutUvarint(lenBuf[:], uint64(len(term)))
		buf.Write(lenBuf[:n])
		buf.WriteString(term)
	}
	return buf.Bytes(), nil
}

// PartialOrder scans ascending so later revisions win.
func (TextIndex) PartialOrder() value.Order { return value.Asc }

// Tokenize splits text into lowercase terms on non-letter, non-digit
// boundaries.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// DecodeTextRow parses a text row back into terms.
func DecodeTextRow(row []byte) ([]string, error) {
	r := bytes.NewReader(row)
	count, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, sterrors.Wrap(sterrors.KindFatal, fmt.Errorf("reading term count: %w", err))
	}
	terms := make([]string, 0, count)
	for i := uint64(0); i < count; i++ {
		n, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, sterrors.Wrap(sterrors.KindFatal, fmt.Errorf("reading term length: %w", err))
		}
		term := make([]byte, n)
		if _, err := r.Read(term); err != nil {
			return nil, sterrors.Wrap(sterrors.KindFatal, fmt.Errorf("reading term: %w", err))
		}
		terms = append(terms, string(term))
	}
	return terms, nil
}

// VectorIndex is the nearest-neighbor kind. Rows carry float32 vectors.
type VectorIndex struct{}

// Kind returns registry.Vector.
func (VectorIndex) Kind() registry.Kind { return registry.Vector }

// Name returns "vector".
func (VectorIndex) Name() string { return "vector" }

// EstimateDocumentSize is the vector's encoded size.
func (VectorIndex) EstimateDocumentSize(meta *registry.IndexMeta, doc value.Value) uint64 {
	return uint64(4 * meta.Config.Dimensions)
}

// EncodeRow serializes the document's vector as big-endian float32s. A
// missing field means the document is unindexed; a malformed vector is a
// developer-visible error.
func (VectorIndex) EncodeRow(meta *registry.IndexMeta, doc value.Value) ([]byte, error) {
	field := doc.GetPath(meta.Config.VectorField)
	if field.IsUndefined() || field.Kind() == value.KindNull {
		return nil, nil
	}
	if field.Kind() != value.KindArray {
		return nil, sterrors.New(sterrors.KindInvalidSchema, "vector field %s is %s, want array",
			meta.Config.VectorField, field.Kind())
	}
	elems := field.AsArray()
	if len(elems) != meta.Config.Dimensions {
		return nil, sterrors.New(sterrors.KindInvalidSchema, "vector field %s has %d dimensions, want %d",
			meta.Config.VectorField, len(elems), meta.Config.Dimensions)
	}
	row := make([]byte, 0, 4*len(elems))
	for _, e := range elems {
		var f float64
		switch e.Kind() {
		case value.KindFloat64:
			f = e.AsFloat64()
		case value.KindInt64:
			f = float64(e.AsInt64())
		default:
			return nil, sterrors.New(sterrors.KindInvalidSchema, "vector element is %s, want number", e.Kind())
		}
		var be [4]byte
		binary.BigEndian.PutUint32(be[:], math.Float32bits(float32(f)))
		row = append(row, be[:]...)
	}
	return row, nil
}

// PartialOrder scans ascending so later revisions win.
func (VectorIndex) PartialOrder() value.Order { return value.Asc }

// DecodeVectorRow parses a vector row.
func DecodeVectorRow(row []byte) ([]float32, error) {
	if len(row)%4 != 0 {
		return nil, sterrors.New(sterrors.KindFatal, "vector row length %d not a multiple of 4", len(row))
	}
	out := make([]float32, 0, len(row)/4)
	for i := 0; i < len(row); i += 4 {
		out = append(out, math.Float32frombits(binary.BigEndian.Uint32(row[i:i+4])))
	}
	return out, nil
}
