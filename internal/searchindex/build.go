package searchindex

import (
	"bytes"
	"context"

	"github.com/steveyegge/strata/internal/segments"
)

// segmentBuilder accumulates rows for one new segment.
type segmentBuilder struct {
	tracker *segments.IDTracker
	rows    bytes.Buffer
	size    uint64
}

func newSegmentBuilder() *segmentBuilder {
	return &segmentBuilder{tracker: segments.NewIDTracker()}
}

// add appends one document row. Rows are dense; the tracker records the
// document id at the row's position.
func (b *segmentBuilder) add(externalID string, row []byte) error {
	if _, err := b.tracker.Add(externalID); err != nil {
		return err
	}
	segments.WriteRow(&b.rows, row)
	b.size += uint64(len(row))
	return nil
}

func (b *segmentBuilder) count() int { return b.tracker.Len() }

// build uploads the segment's three artifacts and returns its
// descriptor. An empty builder returns nil: a flush of pure deletes
// produces no new segment.
func (b *segmentBuilder) build(ctx context.Context, store segments.ObjectStore) (*segments.Segment, error) {
	if b.count() == 0 {
		return nil, nil
	}
	data := segments.EncodeArtifact(b.rows.Bytes())
	dataKey, err := segments.UploadBytes(ctx, store, data, segments.KindData)
	if err != nil {
		return nil, err
	}
	trackerKey, err := segments.UploadIDTracker(ctx, store, b.tracker)
	if err != nil {
		return nil, err
	}
	bitset := segments.NewDeletedBitset(uint32(b.count()))
	bitsetKey, err := segments.UploadDeletedBitset(ctx, store, bitset)
	if err != nil {
		return nil, err
	}
	return &segments.Segment{
		ID:               segments.NewID(),
		DataKey:          dataKey,
		IDTrackerKey:     trackerKey,
		DeletedBitsetKey: bitsetKey,
		NumIndexed:       uint64(b.count()),
		NumDeleted:       0,
		SizeBytes:        uint64(len(data)),
		Version:          segments.FormatVersion,
	}, nil
}

// buildEmpty uploads a zero-row segment. Compactions whose inputs were
// fully deleted still need a replacement descriptor.
func (b *segmentBuilder) buildEmpty(ctx context.Context, store segments.ObjectStore) (*segments.Segment, error) {
	data := segments.EncodeArtifact(nil)
	dataKey, err := segments.UploadBytes(ctx, store, data, segments.KindData)
	if err != nil {
		return nil, err
	}
	trackerKey, err := segments.UploadIDTracker(ctx, store, segments.NewIDTracker())
	if err != nil {
		return nil, err
	}
	bitsetKey, err := segments.UploadDeletedBitset(ctx, store, segments.NewDeletedBitset(0))
	if err != nil {
		return nil, err
	}
	return &segments.Segment{
		ID:               segments.NewID(),
		DataKey:          dataKey,
		IDTrackerKey:     trackerKey,
		DeletedBitsetKey: bitsetKey,
		SizeBytes:        uint64(len(data)),
		Version:          segments.FormatVersion,
	}, nil
}

// MutableSegment is a downloaded segment open for delete application.
// The data archive stays untouched; only the deleted bitset changes, and
// a changed bitset is re-uploaded as a new object under the same segment
// id.
type MutableSegment struct {
	Desc    segments.Segment
	Tracker *segments.IDTracker
	Deleted *segments.DeletedBitset
	dirty   bool
}

// DownloadSegments opens the given segments for delete application.
func DownloadSegments(ctx context.Context, store segments.ObjectStore, descs []segments.Segment) ([]*MutableSegment, error) {
	out := make([]*MutableSegment, 0, len(descs))
	for _, desc := range descs {
		tracker, err := segments.DownloadIDTracker(ctx, store, desc.IDTrackerKey)
		if err != nil {
			return nil, err
		}
		deleted, err := segments.DownloadDeletedBitset(ctx, store, desc.DeletedBitsetKey)
		if err != nil {
			return nil, err
		}
		out = append(out, &MutableSegment{Desc: desc, Tracker: tracker, Deleted: deleted})
	}
	return out, nil
}

// ApplyDelete marks the document deleted if this segment holds it and it
// is still live. It reports whether anything changed.
func (m *MutableSegment) ApplyDelete(externalID string) (bool, error) {
	internal, ok := m.Tracker.Internal(externalID)
	if !ok || m.Deleted.IsDeleted(internal) {
		return false, nil
	}
	if err := m.Deleted.Delete(internal); err != nil {
		return false, err
	}
	m.dirty = true
	return true, nil
}

// Contains reports whether the segment holds the document, live or not.
func (m *MutableSegment) Contains(externalID string) bool {
	_, ok := m.Tracker.Internal(externalID)
	return ok
}

// UploadChangedSegments re-uploads the bitsets of segments that received
// deletes and returns every descriptor, updated where changed.
func UploadChangedSegments(ctx context.Context, store segments.ObjectStore, segs []*MutableSegment) ([]segments.Segment, error) {
	out := make([]segments.Segment, 0, len(segs))
	for _, m := range segs {
		if m.dirty {
			key, err := segments.UploadDeletedBitset(ctx, store, m.Deleted)
			if err != nil {
				return nil, err
			}
			m.Desc.DeletedBitsetKey = key
			m.Desc.NumDeleted = m.Deleted.Count()
			m.dirty = false
		}
		out = append(out, m.Desc)
	}
	return out, nil
}

// LiveRows downloads a segment's data archive and returns its live rows
// with their external ids, in row order. Compaction uses it to carry
// surviving rows into the merged segment.
func LiveRows(ctx context.Context, store segments.ObjectStore, m *MutableSegment) (ids []string, rows [][]byte, err error) {
	data, err := segments.GetBytes(ctx, store, m.Desc.DataKey)
	if err != nil {
		return nil, nil, err
	}
	payload, err := segments.DecodeArtifact(data)
	if err != nil {
		return nil, nil, err
	}
	all, err := segments.ReadRows(payload)
	if err != nil {
		return nil, nil, err
	}
	for i, row := range all {
		internal := uint32(i)
		if m.Deleted.IsDeleted(internal) {
			continue
		}
		ext, ok := m.Tracker.External(internal)
		if !ok {
			continue
		}
		ids = append(ids, ext)
		rows = append(rows, row)
	}
	return ids, rows, nil
}
