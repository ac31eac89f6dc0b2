package persistence

import (
	"context"
	"fmt"

	"github.com/steveyegge/strata/internal/sterrors"
	"github.com/steveyegge/strata/internal/value"
)

// RepeatableReader reads the document log at or below a repeatable
// timestamp, refusing to produce revisions whose timestamps fall below
// the retention floor. It is the historical source of truth for index
// construction.
type RepeatableReader struct {
	reader    Reader
	upper     value.RepeatableTimestamp
	retention RetentionValidator
}

// NewRepeatableReader wraps reader with an upper bound and retention
// validation.
func NewRepeatableReader(reader Reader, upper value.RepeatableTimestamp, retention RetentionValidator) *RepeatableReader {
	return &RepeatableReader{reader: reader, upper: upper, retention: retention}
}

// Upper returns the reader's repeatable upper bound.
func (r *RepeatableReader) Upper() value.RepeatableTimestamp { return r.upper }

// Reader returns the underlying unvalidated reader.
func (r *RepeatableReader) Reader() Reader { return r.reader }

func (r *RepeatableReader) checkRange(ctx context.Context, tsRange value.TimestampRange) error {
	if tsRange.End > r.upper.TS() {
		return fmt.Errorf("range end %d exceeds repeatable timestamp %d", tsRange.End, r.upper.TS())
	}
	floor, err := r.retention.MinSnapshotTS(ctx)
	if err != nil {
		return fmt.Errorf("reading retention floor: %w", err)
	}
	if tsRange.Start < floor {
		return sterrors.OutOfRetention(int64(tsRange.Start), int64(floor))
	}
	return nil
}

// LoadDocuments streams revisions in range across all tablets, validated
// against retention.
func (r *RepeatableReader) LoadDocuments(ctx context.Context, tsRange value.TimestampRange, order value.Order) RevisionIterator {
	if err := r.checkRange(ctx, tsRange); err != nil {
		return &errorIterator{err: err}
	}
	return r.reader.LoadDocuments(ctx, tsRange, order)
}

// LoadDocumentsInTable streams one tablet's revisions in range, validated
// against retention.
func (r *RepeatableReader) LoadDocumentsInTable(ctx context.Context, tablet TabletID, tsRange value.TimestampRange, order value.Order) RevisionIterator {
	if err := r.checkRange(ctx, tsRange); err != nil {
		return &errorIterator{err: err}
	}
	return r.reader.LoadDocumentsInTable(ctx, tablet, tsRange, order)
}

// StreamRevisionPairs pairs each revision in the stream with the
// immediately prior revision of the same document, resolved through the
// revision's PrevTS link. The prior revision may fall below the range
// start; it is still loaded, since the pair only exists to show what the
// revision replaced.
func (r *RepeatableReader) StreamRevisionPairs(ctx context.Context, docs RevisionIterator) *RevisionPairIterator {
	return &RevisionPairIterator{reader: r.reader, docs: docs}
}

// RevisionPairIterator yields revision pairs. See StreamRevisionPairs.
type RevisionPairIterator struct {
	reader Reader
	docs   RevisionIterator
}

// Next returns the next pair, or nil at the end of the stream.
func (it *RevisionPairIterator) Next(ctx context.Context) (*RevisionPair, error) {
	rev, err := it.docs.Next(ctx)
	if err != nil {
		return nil, err
	}
	if rev == nil {
		return nil, nil
	}
	pair := &RevisionPair{Rev: *rev}
	if rev.PrevTS != nil {
		prev, err := it.reader.LoadRevisionAt(ctx, rev.ID, *rev.PrevTS)
		if err != nil {
			return nil, fmt.Errorf("loading prior revision of %s at %d: %w", rev.ID, *rev.PrevTS, err)
		}
		if prev == nil {
			return nil, sterrors.New(sterrors.KindFatal, "revision %s at %d links to missing prior revision at %d", rev.ID, rev.TS, *rev.PrevTS)
		}
		pair.Prev = prev
	}
	return pair, nil
}

// Close releases the underlying document iterator.
func (it *RevisionPairIterator) Close() { it.docs.Close() }
