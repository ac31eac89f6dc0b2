package segments

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"

	"github.com/steveyegge/strata/internal/sterrors"
)

// IDTracker is the compact mapping from a segment's internal row ids
// (dense, zero-based) to external document ids. It is written once at
// build time; readers use it to resolve rows back to documents and to
// translate document deletes into bitset positions.
type IDTracker struct {
	external []string
	index    map[string]uint32
}

// NewIDTracker returns an empty tracker.
func NewIDTracker() *IDTracker {
	return &IDTracker{index: make(map[string]uint32)}
}

// Add assigns the next internal id to externalID. Adding the same
// external id twice is an integrity violation.
func (t *IDTracker) Add(externalID string) (uint32, error) {
	if _, ok := t.index[externalID]; ok {
		return 0, sterrors.New(sterrors.KindFatal, "document %s already tracked", externalID)
	}
	internal := uint32(len(t.external))
	t.external = append(t.external, externalID)
	t.index[externalID] = internal
	return internal, nil
}

// Internal resolves an external id to its row, if present.
func (t *IDTracker) Internal(externalID string) (uint32, bool) {
	internal, ok := t.index[externalID]
	return internal, ok
}

// External resolves a row to its external id.
func (t *IDTracker) External(internal uint32) (string, bool) {
	if int(internal) >= len(t.external) {
		return "", false
	}
	return t.external[internal], true
}

// Len returns the number of tracked rows.
func (t *IDTracker) Len() int { return len(t.external) }

// Each calls f for every (internal, external) pair in row order.
func (t *IDTracker) Each(f func(internal uint32, externalID string)) {
	for i, ext := range t.external {
		f(uint32(i), ext)
	}
}

// Encode serializes the tracker.
func (t *IDTracker) Encode() []byte {
	var buf bytes.Buffer
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(t.external)))
	buf.Write(lenBuf[:n])
	for _, ext := range t.external {
		WriteRow(&buf, []byte(ext))
	}
	return buf.Bytes()
}

// DecodeIDTracker parses a serialized tracker.
func DecodeIDTracker(data []byte) (*IDTracker, error) {
	r := bytes.NewReader(data)
	count, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, sterrors.Wrap(sterrors.KindFatal, fmt.Errorf("reading id tracker count: %w", err))
	}
	rest := make([]byte, r.Len())
	copy(rest, data[len(data)-r.Len():])
	rows, err := ReadRows(rest)
	if err != nil {
		return nil, err
	}
	if uint64(len(rows)) != count {
		return nil, sterrors.New(sterrors.KindFatal, "id tracker has %d rows, header says %d", len(rows), count)
	}
	t := NewIDTracker()
	for _, row := range rows {
		if _, err := t.Add(string(row)); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// UploadIDTracker frames and uploads the tracker.
func UploadIDTracker(ctx context.Context, store ObjectStore, t *IDTracker) (ObjectKey, error) {
	return UploadBytes(ctx, store, EncodeArtifact(t.Encode()), KindIDTracker)
}

// DownloadIDTracker fetches and parses a tracker.
func DownloadIDTracker(ctx context.Context, store ObjectStore, key ObjectKey) (*IDTracker, error) {
	data, err := GetBytes(ctx, store, key)
	if err != nil {
		return nil, err
	}
	payload, err := DecodeArtifact(data)
	if err != nil {
		return nil, err
	}
	return DecodeIDTracker(payload)
}
