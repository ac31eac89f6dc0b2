// Package persistence defines the transactional document-log storage
// contract that the indexing subsystem builds on, together with SQLite
// and in-memory implementations.
//
// The layer stores documents as typed values with full temporal history:
// every write creates a new version keyed by commit timestamp, previous
// versions are linked via PrevTS, and deletions are recorded as
// tombstones. Database index entries live beside the document log and are
// written in the same transaction as the revisions they cover.
package persistence

import (
	"fmt"

	"github.com/steveyegge/strata/internal/value"
)

// TabletID is the stable physical identity of a table. It survives
// renames; all index metadata refers to tablets, never table names.
type TabletID string

// IndexID is the stable identity of an index.
type IndexID string

// DocumentID identifies a document. The id carries its owning tablet.
type DocumentID struct {
	Tablet TabletID
	ID     string
}

// String returns "tablet/id" for logs.
func (d DocumentID) String() string { return fmt.Sprintf("%s/%s", d.Tablet, d.ID) }

// Less orders document ids by (tablet, id). This is the by-id scan order.
func (d DocumentID) Less(o DocumentID) bool {
	if d.Tablet != o.Tablet {
		return d.Tablet < o.Tablet
	}
	return d.ID < o.ID
}

// DocumentRevision is a single version of a document in the log.
type DocumentRevision struct {
	// ID is the document's identity, including its tablet.
	ID DocumentID

	// TS is the commit timestamp of this version.
	TS value.Timestamp

	// Value is the document content. Undefined for tombstones.
	Value value.Value

	// Deleted marks this revision as a tombstone.
	Deleted bool

	// PrevTS is the timestamp of the previous version, if any.
	PrevTS *value.Timestamp
}

// IsTombstone reports whether the revision deletes the document.
func (r *DocumentRevision) IsTombstone() bool { return r.Deleted }

// LatestDocument is a live document at a snapshot: the revision plus the
// timestamp at which it was written.
type LatestDocument struct {
	TS    value.Timestamp
	ID    DocumentID
	Value value.Value
}

// RevisionPair pairs a document revision with the immediately prior
// revision of the same document, if one exists.
type RevisionPair struct {
	Rev  DocumentRevision
	Prev *DocumentRevision
}

// TS returns the pair's revision timestamp.
func (p *RevisionPair) TS() value.Timestamp { return p.Rev.TS }

// Document returns the new document value, or nil for a tombstone.
func (p *RevisionPair) Document() *value.Value {
	if p.Rev.Deleted {
		return nil
	}
	v := p.Rev.Value
	return &v
}

// PrevDocument returns the prior document value, or nil if the document
// was created by this revision or the prior revision was a tombstone.
func (p *RevisionPair) PrevDocument() *value.Value {
	if p.Prev == nil || p.Prev.Deleted {
		return nil
	}
	v := p.Prev.Value
	return &v
}

// IndexEntry is a persisted database index entry.
type IndexEntry struct {
	// IndexID identifies the index.
	IndexID IndexID

	// TS is the commit timestamp the entry became visible at.
	TS value.Timestamp

	// Key is the order-preserving sort key, without the document id.
	Key []byte

	// Deleted marks the entry as a remove: the document stopped matching
	// this key at TS.
	Deleted bool

	// DocID is the indexed document.
	DocID DocumentID
}

// GlobalKey identifies a persistence-wide metadata value.
type GlobalKey string

const (
	// GlobalMinSnapshotTS is the retention floor maintained by the
	// retention manager.
	GlobalMinSnapshotTS GlobalKey = "min_snapshot_ts"

	// GlobalSchemaVersion tracks the storage schema version.
	GlobalSchemaVersion GlobalKey = "schema_version"
)

// Interval is a half-open key range [Start, End) for index scans. A nil
// bound is unbounded.
type Interval struct {
	Start []byte
	End   []byte
}

// All returns the unbounded interval.
func All() Interval { return Interval{} }

// Prefix returns the interval of keys beginning with prefix.
func Prefix(prefix []byte) Interval {
	if len(prefix) == 0 {
		return All()
	}
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xFF {
			end[i]++
			return Interval{Start: prefix, End: end[:i+1]}
		}
	}
	return Interval{Start: prefix}
}

// Contains reports whether key falls inside the interval.
func (iv Interval) Contains(key []byte) bool {
	if iv.Start != nil && compareBytes(key, iv.Start) < 0 {
		return false
	}
	if iv.End != nil && compareBytes(key, iv.End) >= 0 {
		return false
	}
	return true
}

func compareBytes(a, b []byte) int {
	switch {
	case string(a) < string(b):
		return -1
	case string(a) > string(b):
		return 1
	}
	return 0
}
