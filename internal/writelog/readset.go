package writelog

import (
	"github.com/steveyegge/strata/internal/persistence"
	"github.com/steveyegge/strata/internal/value"
)

// ReadSet records what a transaction read: individual documents and
// whole-tablet scans. Overlap with a later write means the transaction's
// reads are stale.
type ReadSet struct {
	docs    map[persistence.DocumentID]struct{}
	tablets map[persistence.TabletID]struct{}
}

// NewReadSet returns an empty read set.
func NewReadSet() *ReadSet {
	return &ReadSet{
		docs:    make(map[persistence.DocumentID]struct{}),
		tablets: make(map[persistence.TabletID]struct{}),
	}
}

// RecordDocument records a point read.
func (r *ReadSet) RecordDocument(id persistence.DocumentID) {
	r.docs[id] = struct{}{}
}

// RecordTablet records a scan over a whole tablet; any later write to the
// tablet conflicts.
func (r *ReadSet) RecordTablet(tablet persistence.TabletID) {
	r.tablets[tablet] = struct{}{}
}

// Overlaps reports whether a write to id intersects the read set.
func (r *ReadSet) Overlaps(id persistence.DocumentID) bool {
	if r == nil {
		return false
	}
	if _, ok := r.tablets[id.Tablet]; ok {
		return true
	}
	_, ok := r.docs[id]
	return ok
}

// Empty reports whether nothing was recorded.
func (r *ReadSet) Empty() bool {
	return r == nil || (len(r.docs) == 0 && len(r.tablets) == 0)
}

// Token is a read set frozen at a timestamp. Subscriptions hold tokens;
// refreshing one against the log either advances it or invalidates it.
type Token struct {
	reads *ReadSet
	ts    value.Timestamp
}

// NewToken freezes reads at ts.
func NewToken(reads *ReadSet, ts value.Timestamp) *Token {
	return &Token{reads: reads, ts: ts}
}

// Reads returns the token's read set.
func (t *Token) Reads() *ReadSet { return t.reads }

// TS returns the timestamp the reads were valid at.
func (t *Token) TS() value.Timestamp { return t.ts }
