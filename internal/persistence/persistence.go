package persistence

import (
	"context"

	"github.com/goccy/go-json"

	"github.com/steveyegge/strata/internal/value"
)

// ConflictStrategy specifies how a write handles an existing row with the
// same primary key.
type ConflictStrategy int

const (
	// ConflictFail returns an error on a duplicate key.
	ConflictFail ConflictStrategy = iota

	// ConflictOverwrite replaces the existing row. Backfills use this so
	// that re-emitting an entry is a no-op.
	ConflictOverwrite
)

// Persistence is the write half of the storage contract. A single
// committer owns it; readers use the Reader.
type Persistence interface {
	// Reader returns a Reader for query operations. The reader may be
	// used concurrently from multiple goroutines.
	Reader() Reader

	// Write atomically writes document revisions and index entries.
	// Everything in one call commits together.
	Write(ctx context.Context, documents []DocumentRevision, indexes []IndexEntry, strategy ConflictStrategy) error

	// DeleteShadowedIndexEntries removes, for the given indexes, every
	// index entry with ts < before that is shadowed by a newer entry for
	// the same (key, document) that is itself below before. This is the retention
	// cleanup pass; reads at or above before are unaffected.
	DeleteShadowedIndexEntries(ctx context.Context, indexIDs []IndexID, before value.Timestamp) (int, error)

	// WriteGlobal writes a persistence-wide metadata value.
	WriteGlobal(ctx context.Context, key GlobalKey, val json.RawMessage) error

	// GetGlobal reads a persistence-wide metadata value. Returns nil if
	// the key does not exist.
	GetGlobal(ctx context.Context, key GlobalKey) (json.RawMessage, error)

	// Close releases resources held by the store.
	Close() error
}

// RevisionIterator yields document revisions one at a time. Next returns
// nil at the end of the stream. Iterators are single-goroutine.
type RevisionIterator interface {
	Next(ctx context.Context) (*DocumentRevision, error)
	Close()
}

// IndexResult is one row of an index entry scan.
type IndexResult struct {
	Entry IndexEntry
}

// Reader is the read half of the storage contract. All reads are
// point-in-time consistent within a single call.
type Reader interface {
	// MaxTS returns the largest committed timestamp, or 0 if empty.
	MaxTS(ctx context.Context) (value.Timestamp, error)

	// LoadDocuments streams every revision in the timestamp range in the
	// given order, across all tablets. Revisions at equal timestamps
	// order by document id.
	LoadDocuments(ctx context.Context, tsRange value.TimestampRange, order value.Order) RevisionIterator

	// LoadDocumentsInTable restricts LoadDocuments to one tablet.
	LoadDocumentsInTable(ctx context.Context, tablet TabletID, tsRange value.TimestampRange, order value.Order) RevisionIterator

	// LoadRevisionAt returns the revision of id written exactly at ts,
	// or nil if none exists.
	LoadRevisionAt(ctx context.Context, id DocumentID, ts value.Timestamp) (*DocumentRevision, error)

	// LatestRevision returns the newest revision of id at or below ts
	// (tombstones included), or nil if the document never existed by ts.
	LatestRevision(ctx context.Context, id DocumentID, ts value.Timestamp) (*DocumentRevision, error)

	// LoadDocumentSnapshot pages through the live documents of a tablet
	// as of ts in by-id order, starting after startAfter (empty for the
	// beginning). It returns at most limit documents.
	LoadDocumentSnapshot(ctx context.Context, tablet TabletID, ts value.Timestamp, startAfter string, limit int) ([]LatestDocument, error)

	// IndexScan returns, for each key in the interval, the newest
	// visible index entry at ts that is not deleted, ordered by key.
	IndexScan(ctx context.Context, indexID IndexID, iv Interval, ts value.Timestamp, order value.Order, limit int) ([]IndexResult, error)

	// DocumentCount returns the count of live documents in a tablet at
	// the latest timestamp.
	DocumentCount(ctx context.Context, tablet TabletID) (int64, error)
}

// RetentionValidator reports the retention floor. Any timestamp at or
// above the floor is promised to stay readable; background work must not
// read below it.
type RetentionValidator interface {
	MinSnapshotTS(ctx context.Context) (value.Timestamp, error)
}

// WriteBatch accumulates writes for one atomic commit.
type WriteBatch struct {
	Documents []DocumentRevision
	Indexes   []IndexEntry
}

// AddDocument appends a document revision to the batch.
func (b *WriteBatch) AddDocument(rev DocumentRevision) {
	b.Documents = append(b.Documents, rev)
}

// AddIndex appends an index entry to the batch.
func (b *WriteBatch) AddIndex(e IndexEntry) {
	b.Indexes = append(b.Indexes, e)
}

// Clear resets the batch for reuse.
func (b *WriteBatch) Clear() {
	b.Documents = b.Documents[:0]
	b.Indexes = b.Indexes[:0]
}

// Len returns the total number of entries in the batch.
func (b *WriteBatch) Len() int {
	return len(b.Documents) + len(b.Indexes)
}
