// Package registry holds the in-memory authoritative map from index id
// to index definition, on-disk state, and segment list. The database
// facade mutates it under its metadata lock; workers read through
// snapshots.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/steveyegge/strata/internal/persistence"
	"github.com/steveyegge/strata/internal/segments"
	"github.com/steveyegge/strata/internal/sterrors"
	"github.com/steveyegge/strata/internal/value"
)

// Kind is an index's class.
type Kind int

const (
	// Database indexes are ordered B-tree style indexes in persistence.
	Database Kind = iota
	// Text indexes are segment-backed full-text indexes.
	Text
	// Vector indexes are segment-backed nearest-neighbor indexes.
	Vector
)

func (k Kind) String() string {
	switch k {
	case Database:
		return "database"
	case Text:
		return "text"
	case Vector:
		return "vector"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Config is an index definition.
type Config struct {
	Kind Kind

	// Fields are the dotted field paths composing a database index's
	// sort key, in order.
	Fields []string

	// SearchField is the indexed field of a text index.
	SearchField string

	// VectorField and Dimensions configure a vector index.
	VectorField string
	Dimensions  int

	// System marks indexes the platform creates (including system
	// indexes on user tables); they promote straight to Enabled.
	System bool

	// Staged keeps a user index in Backfilled rather than promoting it,
	// until the developer enables it.
	Staged bool
}

// StateKind is an index's on-disk lifecycle state. Transitions only move
// forward: Backfilling -> Backfilled -> Enabled/SnapshottedAt.
type StateKind int

const (
	// Backfilling means the initial build is in progress.
	Backfilling StateKind = iota
	// Backfilled means the snapshot is complete but the index is not yet
	// serving reads.
	Backfilled
	// Enabled means a database index is serving reads.
	Enabled
	// SnapshottedAt means a search index is serving reads at its
	// snapshot timestamp.
	SnapshottedAt
)

func (s StateKind) String() string {
	switch s {
	case Backfilling:
		return "backfilling"
	case Backfilled:
		return "backfilled"
	case Enabled:
		return "enabled"
	case SnapshottedAt:
		return "snapshotted_at"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// rank orders states for the monotonic-transition check. Enabled and
// SnapshottedAt are the same terminal rank for their respective kinds.
func (s StateKind) rank() int {
	switch s {
	case Backfilling:
		return 0
	case Backfilled:
		return 1
	default:
		return 2
	}
}

// OnDiskState is an index's persisted build state.
type OnDiskState struct {
	Kind StateKind

	// BackfillSnapshotTS is the snapshot the initial build reads at.
	// Nil until the first build iteration chooses one.
	BackfillSnapshotTS *value.Timestamp

	// Cursor is the document id the incremental backfill has reached.
	Cursor string

	// RetentionStarted marks that the snapshot pass finished and the
	// retention backfill began (database indexes).
	RetentionStarted bool

	// SnapshotTS is the snapshot the segments are consistent with
	// (Backfilled / SnapshottedAt).
	SnapshotTS value.Timestamp

	// Segments is the index's current segment list (text/vector).
	Segments []segments.Segment

	// Version is the segment format version the index was built at.
	Version int
}

// CloneSegments returns a copy of the segment list.
func (s *OnDiskState) CloneSegments() []segments.Segment {
	out := make([]segments.Segment, len(s.Segments))
	copy(out, s.Segments)
	return out
}

// IndexMeta is one index's full metadata row.
type IndexMeta struct {
	ID     persistence.IndexID
	Name   string
	Tablet persistence.TabletID
	Config Config
	State  OnDiskState
}

// Clone deep-copies the metadata.
func (m *IndexMeta) Clone() *IndexMeta {
	cp := *m
	cp.Config.Fields = append([]string(nil), m.Config.Fields...)
	cp.State.Segments = m.State.CloneSegments()
	if m.State.BackfillSnapshotTS != nil {
		ts := *m.State.BackfillSnapshotTS
		cp.State.BackfillSnapshotTS = &ts
	}
	return &cp
}

// UpdateKind says whether an index update adds or removes an entry.
type UpdateKind int

const (
	// Add inserts a key for the document.
	Add UpdateKind = iota
	// Remove deletes a key for the document.
	Remove
)

// IndexUpdate is one derived change to a database index.
type IndexUpdate struct {
	IndexID persistence.IndexID
	Key     []byte
	DocID   persistence.DocumentID
	Kind    UpdateKind
}

// Entry converts the update into a persistence index entry at ts.
func (u *IndexUpdate) Entry(ts value.Timestamp) persistence.IndexEntry {
	return persistence.IndexEntry{
		IndexID: u.IndexID,
		TS:      ts,
		Key:     u.Key,
		Deleted: u.Kind == Remove,
		DocID:   u.DocID,
	}
}

// Registry is the process-scoped index catalog.
type Registry struct {
	mu      sync.RWMutex
	indexes map[persistence.IndexID]*IndexMeta

	// retired holds segment ids that have left some index's segment
	// list. A retired id never comes back.
	retired map[segments.ID]struct{}
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		indexes: make(map[persistence.IndexID]*IndexMeta),
		retired: make(map[segments.ID]struct{}),
	}
}

// Add registers a new index. The index starts in Backfilling unless its
// state says otherwise.
func (r *Registry) Add(meta *IndexMeta) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.indexes[meta.ID]; ok {
		return fmt.Errorf("index %s already exists", meta.ID)
	}
	r.indexes[meta.ID] = meta.Clone()
	return nil
}

// Get returns a copy of the index's metadata, or nil.
func (r *Registry) Get(id persistence.IndexID) *IndexMeta {
	r.mu.RLock()
	defer r.mu.RUnlock()
	meta, ok := r.indexes[id]
	if !ok {
		return nil
	}
	return meta.Clone()
}

// Update replaces an index's metadata. It enforces two invariants: the
// state transition is monotonic, and a segment id that previously left
// the index's segment list is never reintroduced.
func (r *Registry) Update(meta *IndexMeta) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.indexes[meta.ID]
	if !ok {
		return fmt.Errorf("index %s does not exist", meta.ID)
	}
	if meta.State.Kind.rank() < cur.State.Kind.rank() {
		return sterrors.New(sterrors.KindFatal, "index %s state may not move from %s back to %s",
			meta.ID, cur.State.Kind, meta.State.Kind)
	}
	newIDs := make(map[segments.ID]struct{}, len(meta.State.Segments))
	for _, seg := range meta.State.Segments {
		if _, gone := r.retired[seg.ID]; gone {
			return sterrors.New(sterrors.KindFatal, "segment %s was removed and may not be reintroduced", seg.ID)
		}
		newIDs[seg.ID] = struct{}{}
	}
	for _, seg := range cur.State.Segments {
		if _, still := newIDs[seg.ID]; !still {
			r.retired[seg.ID] = struct{}{}
		}
	}
	r.indexes[meta.ID] = meta.Clone()
	return nil
}

// Drop removes an index and retires its segments.
func (r *Registry) Drop(id persistence.IndexID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	meta, ok := r.indexes[id]
	if !ok {
		return fmt.Errorf("index %s does not exist", id)
	}
	for _, seg := range meta.State.Segments {
		r.retired[seg.ID] = struct{}{}
	}
	delete(r.indexes, id)
	return nil
}

// AllIndexes returns every index, ordered by id.
func (r *Registry) AllIndexes() []*IndexMeta {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*IndexMeta, 0, len(r.indexes))
	for _, meta := range r.indexes {
		out = append(out, meta.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AllIndexesFor returns every index on a tablet, ordered by id.
func (r *Registry) AllIndexesFor(tablet persistence.TabletID) []*IndexMeta {
	var out []*IndexMeta
	for _, meta := range r.AllIndexes() {
		if meta.Tablet == tablet {
			out = append(out, meta)
		}
	}
	return out
}

// ByID returns the mandatory by-id index of a tablet, creating its
// metadata on first reference. The by-id index is implicit in the
// document log's primary key and is always enabled.
func (r *Registry) ByID(tablet persistence.TabletID) *IndexMeta {
	id := ByIDIndexID(tablet)
	r.mu.Lock()
	defer r.mu.Unlock()
	if meta, ok := r.indexes[id]; ok {
		return meta.Clone()
	}
	meta := &IndexMeta{
		ID:     id,
		Name:   "by_id",
		Tablet: tablet,
		Config: Config{Kind: Database, System: true},
		State:  OnDiskState{Kind: Enabled},
	}
	r.indexes[id] = meta
	return meta.Clone()
}

// ByIDIndexID returns the id of a tablet's by-id index.
func ByIDIndexID(tablet persistence.TabletID) persistence.IndexID {
	return persistence.IndexID(fmt.Sprintf("%s.by_id", tablet))
}

// IndexUpdates derives the ordered set of database index updates implied
// by replacing prevDoc with newDoc for the document. Both sides may be
// nil (create / delete). Updates come back ordered by (index id, key) so
// writes are deterministic.
func (r *Registry) IndexUpdates(docID persistence.DocumentID, prevDoc, newDoc *value.Value) []IndexUpdate {
	var updates []IndexUpdate
	for _, meta := range r.AllIndexesFor(docID.Tablet) {
		if meta.Config.Kind != Database || len(meta.Config.Fields) == 0 {
			continue
		}
		var prevKey, newKey []byte
		if prevDoc != nil {
			prevKey = extractKey(meta.Config.Fields, *prevDoc)
		}
		if newDoc != nil {
			newKey = extractKey(meta.Config.Fields, *newDoc)
		}
		switch {
		case prevKey == nil && newKey == nil:
		case prevKey == nil:
			updates = append(updates, IndexUpdate{IndexID: meta.ID, Key: newKey, DocID: docID, Kind: Add})
		case newKey == nil:
			updates = append(updates, IndexUpdate{IndexID: meta.ID, Key: prevKey, DocID: docID, Kind: Remove})
		case string(prevKey) != string(newKey):
			updates = append(updates,
				IndexUpdate{IndexID: meta.ID, Key: prevKey, DocID: docID, Kind: Remove},
				IndexUpdate{IndexID: meta.ID, Key: newKey, DocID: docID, Kind: Add},
			)
		}
	}
	sort.Slice(updates, func(i, j int) bool {
		if updates[i].IndexID != updates[j].IndexID {
			return updates[i].IndexID < updates[j].IndexID
		}
		return string(updates[i].Key) < string(updates[j].Key)
	})
	return updates
}

func extractKey(fields []string, doc value.Value) []byte {
	vals := make([]value.Value, 0, len(fields))
	for _, field := range fields {
		vals = append(vals, doc.GetPath(field))
	}
	return value.SortKeys(vals)
}
