package segments

import (
	"bytes"
	"context"
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/steveyegge/strata/internal/sterrors"
)

// DeletedBitset marks a segment's deleted rows by internal id. Text and
// vector segments both store this bitset; no alive-bitset artifact is
// uploaded, and AliveBitset computes the complement in memory.
type DeletedBitset struct {
	bits *roaring.Bitmap
	rows uint32
}

// NewDeletedBitset returns an empty bitset sized for rows.
func NewDeletedBitset(rows uint32) *DeletedBitset {
	return &DeletedBitset{bits: roaring.New(), rows: rows}
}

// Delete marks a row deleted. Deleting the same row twice is an
// integrity violation: deletes come from the document log, and a
// document dies only once per life.
func (b *DeletedBitset) Delete(internal uint32) error {
	if internal >= b.rows {
		return sterrors.New(sterrors.KindFatal, "delete of row %d beyond segment size %d", internal, b.rows)
	}
	if b.bits.Contains(internal) {
		return sterrors.New(sterrors.KindFatal, "duplicate delete of row %d", internal)
	}
	b.bits.Add(internal)
	return nil
}

// IsDeleted reports whether a row is deleted.
func (b *DeletedBitset) IsDeleted(internal uint32) bool { return b.bits.Contains(internal) }

// Count returns the number of deleted rows.
func (b *DeletedBitset) Count() uint64 { return b.bits.GetCardinality() }

// Rows returns the segment's total row count.
func (b *DeletedBitset) Rows() uint32 { return b.rows }

// Union merges other's deletes into b. Compaction does not use it: it
// drops deleted rows while copying live rows into the merged segment.
func (b *DeletedBitset) Union(other *DeletedBitset) {
	b.bits.Or(other.bits)
}

// Clone returns a deep copy.
func (b *DeletedBitset) Clone() *DeletedBitset {
	return &DeletedBitset{bits: b.bits.Clone(), rows: b.rows}
}

// Encode serializes the bitset with its row count.
func (b *DeletedBitset) Encode() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(byte(b.rows >> 24))
	buf.WriteByte(byte(b.rows >> 16))
	buf.WriteByte(byte(b.rows >> 8))
	buf.WriteByte(byte(b.rows))
	if _, err := b.bits.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("serializing bitset: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeDeletedBitset parses a serialized bitset.
func DecodeDeletedBitset(data []byte) (*DeletedBitset, error) {
	if len(data) < 4 {
		return nil, sterrors.New(sterrors.KindFatal, "bitset truncated: %d bytes", len(data))
	}
	rows := uint32(data[0])<<24 | uint32(data[1])<<16 | uint32(data[2])<<8 | uint32(data[3])
	bits := roaring.New()
	if err := bits.UnmarshalBinary(data[4:]); err != nil {
		return nil, sterrors.Wrap(sterrors.KindFatal, fmt.Errorf("parsing bitset: %w", err))
	}
	return &DeletedBitset{bits: bits, rows: rows}, nil
}

// AliveBitset returns the complement as a roaring bitmap: one bit per
// live row.
func (b *DeletedBitset) AliveBitset() *roaring.Bitmap {
	alive := roaring.New()
	alive.AddRange(0, uint64(b.rows))
	alive.AndNot(b.bits)
	return alive
}

// EachDeleted calls f for every deleted row in ascending order.
func (b *DeletedBitset) EachDeleted(f func(internal uint32)) {
	it := b.bits.Iterator()
	for it.HasNext() {
		f(it.Next())
	}
}

// UploadDeletedBitset frames and uploads the bitset.
func UploadDeletedBitset(ctx context.Context, store ObjectStore, b *DeletedBitset) (ObjectKey, error) {
	payload, err := b.Encode()
	if err != nil {
		return "", err
	}
	return UploadBytes(ctx, store, EncodeArtifact(payload), KindDeletedBitset)
}

// DownloadDeletedBitset fetches and parses a bitset.
func DownloadDeletedBitset(ctx context.Context, store ObjectStore, key ObjectKey) (*DeletedBitset, error) {
	data, err := GetBytes(ctx, store, key)
	if err != nil {
		return nil, err
	}
	payload, err := DecodeArtifact(data)
	if err != nil {
		return nil, err
	}
	return DecodeDeletedBitset(payload)
}
