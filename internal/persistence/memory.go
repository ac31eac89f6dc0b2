package persistence

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/goccy/go-json"

	"github.com/steveyegge/strata/internal/value"
)

// MemoryPersistence is an in-memory implementation of Persistence. It
// backs tests and ephemeral deployments. All operations are linearized
// under one lock; iterators work over immutable snapshots so that readers
// never observe partial writes.
type MemoryPersistence struct {
	mu      sync.RWMutex
	docs    []DocumentRevision // sorted by (TS, ID)
	indexes []IndexEntry       // sorted by (IndexID, Key, DocID, TS)
	globals map[GlobalKey]json.RawMessage
}

// NewMemoryPersistence returns an empty in-memory store.
func NewMemoryPersistence() *MemoryPersistence {
	return &MemoryPersistence{globals: make(map[GlobalKey]json.RawMessage)}
}

// Reader returns a reader over the store.
func (p *MemoryPersistence) Reader() Reader { return &memoryReader{p: p} }

// Write atomically appends revisions and index entries.
func (p *MemoryPersistence) Write(ctx context.Context, documents []DocumentRevision, indexes []IndexEntry, strategy ConflictStrategy) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	// Keep the prior contents so a conflict part-way through leaves the
	// store unchanged.
	prevDocs := append([]DocumentRevision(nil), p.docs...)
	prevIndexes := append([]IndexEntry(nil), p.indexes...)

	for _, doc := range documents {
		i := sort.Search(len(p.docs), func(i int) bool {
			return !docLess(p.docs[i], doc)
		})
		if i < len(p.docs) && p.docs[i].TS == doc.TS && p.docs[i].ID == doc.ID {
			if strategy == ConflictFail {
				p.docs, p.indexes = prevDocs, prevIndexes
				return fmt.Errorf("document %s already written at ts %d", doc.ID, doc.TS)
			}
			p.docs[i] = doc
			continue
		}
		p.docs = append(p.docs, DocumentRevision{})
		copy(p.docs[i+1:], p.docs[i:])
		p.docs[i] = doc
	}

	for _, e := range indexes {
		i := sort.Search(len(p.indexes), func(i int) bool {
			return !indexLess(p.indexes[i], e)
		})
		if i < len(p.indexes) && sameIndexRow(p.indexes[i], e) {
			if strategy == ConflictFail {
				p.docs, p.indexes = prevDocs, prevIndexes
				return fmt.Errorf("index entry %s/%x already written at ts %d", e.IndexID, e.Key, e.TS)
			}
			p.indexes[i] = e
			continue
		}
		p.indexes = append(p.indexes, IndexEntry{})
		copy(p.indexes[i+1:], p.indexes[i:])
		p.indexes[i] = e
	}
	return nil
}

func docLess(a, b DocumentRevision) bool {
	if a.TS != b.TS {
		return a.TS < b.TS
	}
	return a.ID.Less(b.ID)
}

func indexLess(a, b IndexEntry) bool {
	if a.IndexID != b.IndexID {
		return a.IndexID < b.IndexID
	}
	if c := bytes.Compare(a.Key, b.Key); c != 0 {
		return c < 0
	}
	if a.DocID != b.DocID {
		return a.DocID.Less(b.DocID)
	}
	return a.TS < b.TS
}

func sameIndexRow(a, b IndexEntry) bool {
	return a.IndexID == b.IndexID && bytes.Equal(a.Key, b.Key) && a.DocID == b.DocID && a.TS == b.TS
}

// DeleteShadowedIndexEntries removes entries invisible to every read at
// or above before: entries shadowed by a newer entry below before,
// and trailing tombstone entries older than before.
func (p *MemoryPersistence) DeleteShadowedIndexEntries(ctx context.Context, indexIDs []IndexID, before value.Timestamp) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	selected := make(map[IndexID]bool, len(indexIDs))
	for _, id := range indexIDs {
		selected[id] = true
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	kept := p.indexes[:0]
	deleted := 0
	for start := 0; start < len(p.indexes); {
		end := start + 1
		for end < len(p.indexes) && sameIndexGroup(p.indexes[start], p.indexes[end]) {
			end++
		}
		group := p.indexes[start:end]
		if !selected[group[0].IndexID] {
			kept = append(kept, group...)
			start = end
			continue
		}
		// Entries in a group are sorted ascending by ts. Find the newest
		// entry below the cutoff; everything older is shadowed, and
		// the newest itself goes too if it is a tombstone.
		newestBelow := -1
		for i, e := range group {
			if e.TS < before {
				newestBelow = i
			}
		}
		for i, e := range group {
			shadowed := i < newestBelow
			trailingTombstone := i == newestBelow && e.Deleted
			if shadowed || trailingTombstone {
				deleted++
				continue
			}
			kept = append(kept, e)
		}
		start = end
	}
	p.indexes = kept
	return deleted, nil
}

func sameIndexGroup(a, b IndexEntry) bool {
	return a.IndexID == b.IndexID && bytes.Equal(a.Key, b.Key) && a.DocID == b.DocID
}

// WriteGlobal writes a persistence-wide metadata value.
func (p *MemoryPersistence) WriteGlobal(ctx context.Context, key GlobalKey, val json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make(json.RawMessage, len(val))
	copy(cp, val)
	p.globals[key] = cp
	return nil
}

// GetGlobal reads a persistence-wide metadata value.
func (p *MemoryPersistence) GetGlobal(ctx context.Context, key GlobalKey) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.globals[key], nil
}

// Close is a no-op for the in-memory store.
func (p *MemoryPersistence) Close() error { return nil }

type memoryReader struct {
	p *MemoryPersistence
}

func (r *memoryReader) MaxTS(ctx context.Context) (value.Timestamp, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()
	if len(r.p.docs) == 0 {
		return 0, nil
	}
	return r.p.docs[len(r.p.docs)-1].TS, nil
}

func (r *memoryReader) LoadDocuments(ctx context.Context, tsRange value.TimestampRange, order value.Order) RevisionIterator {
	return r.load(ctx, nil, tsRange, order)
}

func (r *memoryReader) LoadDocumentsInTable(ctx context.Context, tablet TabletID, tsRange value.TimestampRange, order value.Order) RevisionIterator {
	return r.load(ctx, &tablet, tsRange, order)
}

func (r *memoryReader) load(ctx context.Context, tablet *TabletID, tsRange value.TimestampRange, order value.Order) RevisionIterator {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	var matched []DocumentRevision
	for _, doc := range r.p.docs {
		if !tsRange.Contains(doc.TS) {
			continue
		}
		if tablet != nil && doc.ID.Tablet != *tablet {
			continue
		}
		matched = append(matched, doc)
	}
	if order == value.Desc {
		for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
			matched[i], matched[j] = matched[j], matched[i]
		}
	}
	return &sliceIterator{revs: matched}
}

func (r *memoryReader) LoadRevisionAt(ctx context.Context, id DocumentID, ts value.Timestamp) (*DocumentRevision, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()
	for i := range r.p.docs {
		if r.p.docs[i].TS == ts && r.p.docs[i].ID == id {
			rev := r.p.docs[i]
			return &rev, nil
		}
	}
	return nil, nil
}

func (r *memoryReader) LatestRevision(ctx context.Context, id DocumentID, ts value.Timestamp) (*DocumentRevision, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()
	var latest *DocumentRevision
	for i := range r.p.docs {
		doc := r.p.docs[i]
		if doc.ID != id || doc.TS > ts {
			continue
		}
		if latest == nil || doc.TS > latest.TS {
			rev := doc
			latest = &rev
		}
	}
	return latest, nil
}

func (r *memoryReader) LoadDocumentSnapshot(ctx context.Context, tablet TabletID, ts value.Timestamp, startAfter string, limit int) ([]LatestDocument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	latest := make(map[string]DocumentRevision)
	for _, doc := range r.p.docs {
		if doc.ID.Tablet != tablet || doc.TS > ts {
			continue
		}
		if cur, ok := latest[doc.ID.ID]; !ok || doc.TS > cur.TS {
			latest[doc.ID.ID] = doc
		}
	}
	var out []LatestDocument
	for _, rev := range latest {
		if rev.Deleted {
			continue
		}
		if startAfter != "" && rev.ID.ID <= startAfter {
			continue
		}
		out = append(out, LatestDocument{TS: rev.TS, ID: rev.ID, Value: rev.Value})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.ID < out[j].ID.ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memoryReader) IndexScan(ctx context.Context, indexID IndexID, iv Interval, ts value.Timestamp, order value.Order, limit int) ([]IndexResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	// Newest visible entry per (key, doc).
	type groupKey struct {
		key string
		doc DocumentID
	}
	newest := make(map[groupKey]IndexEntry)
	for _, e := range r.p.indexes {
		if e.IndexID != indexID || e.TS > ts || !iv.Contains(e.Key) {
			continue
		}
		gk := groupKey{key: string(e.Key), doc: e.DocID}
		if cur, ok := newest[gk]; !ok || e.TS > cur.TS {
			newest[gk] = e
		}
	}
	var out []IndexResult
	for _, e := range newest {
		if e.Deleted {
			continue
		}
		out = append(out, IndexResult{Entry: e})
	}
	sort.Slice(out, func(i, j int) bool {
		c := bytes.Compare(out[i].Entry.Key, out[j].Entry.Key)
		if c != 0 {
			return c < 0
		}
		return out[i].Entry.DocID.Less(out[j].Entry.DocID)
	})
	if order == value.Desc {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memoryReader) DocumentCount(ctx context.Context, tablet TabletID) (int64, error) {
	docs, err := r.LoadDocumentSnapshot(ctx, tablet, value.MaxTimestamp, "", 0)
	if err != nil {
		return 0, err
	}
	return int64(len(docs)), nil
}

type sliceIterator struct {
	revs []DocumentRevision
	pos  int
}

func (it *sliceIterator) Next(ctx context.Context) (*DocumentRevision, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if it.pos >= len(it.revs) {
		return nil, nil
	}
	rev := it.revs[it.pos]
	it.pos++
	return &rev, nil
}

func (it *sliceIterator) Close() {}

// Compile-time check that MemoryPersistence implements Persistence.
var _ Persistence = (*MemoryPersistence)(nil)

var _ Reader = (*memoryReader)(nil)
