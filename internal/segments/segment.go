// Package segments persists the immutable artifacts that make up text
// and vector indexes: a data archive, an id-tracker, and a deleted
// bitset per segment, each uploaded to an object store as a standalone
// object. Segments are created once by a flush or a compaction and never
// modified; replacing one means uploading new artifacts and rewriting the
// index metadata.
package segments

import (
	"fmt"

	"github.com/google/uuid"
)

// FormatVersion is the current segment file format version. Segments
// written at an older version are rebuilt by the flusher.
const FormatVersion = 1

// ID is a segment's stable identity. Once a segment id is removed from
// an index's segment list it is never reintroduced.
type ID string

// NewID returns a fresh segment id.
func NewID() ID { return ID(uuid.NewString()) }

// ArtifactKind names the logical artifact an object holds.
type ArtifactKind string

const (
	// KindData is the opaque data archive.
	KindData ArtifactKind = "data"
	// KindIDTracker maps internal row ids to external document ids.
	KindIDTracker ArtifactKind = "id_tracker"
	// KindDeletedBitset marks rows deleted since the segment was built.
	KindDeletedBitset ArtifactKind = "deleted_bitset"
	// KindAliveBitset is the text-index complement: one bit per row,
	// set while the row is live. No segment builder uploads this kind.
	KindAliveBitset ArtifactKind = "alive_bitset"
)

// Segment describes one immutable index part. The counts and size are
// frozen at upload time; NumDeleted for the current bitset lives on the
// metadata row and only ever grows for a given segment id.
type Segment struct {
	ID ID

	// Storage keys for the segment's artifacts.
	DataKey          ObjectKey
	IDTrackerKey     ObjectKey
	DeletedBitsetKey ObjectKey

	// NumIndexed is the number of rows written into the data archive.
	NumIndexed uint64

	// NumDeleted is the number of rows marked deleted in the bitset.
	NumDeleted uint64

	// SizeBytes is the size of the uploaded data archive; the id-tracker
	// and bitset are not counted.
	SizeBytes uint64

	// Version is the file format the segment was written at.
	Version int
}

// NumAlive returns the live row count.
func (s *Segment) NumAlive() uint64 {
	if s.NumDeleted > s.NumIndexed {
		return 0
	}
	return s.NumIndexed - s.NumDeleted
}

// Clone returns a copy of the descriptor.
func (s *Segment) Clone() Segment { return *s }

// String identifies the segment in logs.
func (s *Segment) String() string {
	return fmt.Sprintf("segment %s (%d rows, %d deleted, %d bytes)", s.ID, s.NumIndexed, s.NumDeleted, s.SizeBytes)
}

// FindByID returns the segment with the given id, or nil.
func FindByID(list []Segment, id ID) *Segment {
	for i := range list {
		if list[i].ID == id {
			return &list[i]
		}
	}
	return nil
}

// IDs returns the ids of the given segments.
func IDs(list []Segment) []ID {
	out := make([]ID, 0, len(list))
	for i := range list {
		out = append(out, list[i].ID)
	}
	return out
}

// TotalSize sums the segments' sizes.
func TotalSize(list []Segment) uint64 {
	var total uint64
	for i := range list {
		total += list[i].SizeBytes
	}
	return total
}
