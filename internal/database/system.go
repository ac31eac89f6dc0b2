package database

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/steveyegge/strata/internal/persistence"
	"github.com/steveyegge/strata/internal/registry"
	"github.com/steveyegge/strata/internal/segments"
	"github.com/steveyegge/strata/internal/value"
	"github.com/steveyegge/strata/internal/writelog"
)

// System tablets. They are ordinary tablets in the document log, so
// metadata writes get the same OCC validation and write-log visibility
// as user writes. Mutations hold the metadata mutex to avoid
// self-inflicted conflicts between workers.
const (
	// TabletIndexes holds one document per index (the index catalog).
	TabletIndexes persistence.TabletID = "_index"

	// TabletIndexBackfills holds backfill progress rows.
	TabletIndexBackfills persistence.TabletID = "_index_backfills"

	// TabletIndexWorkerMetadata holds fast-forward timestamps.
	TabletIndexWorkerMetadata persistence.TabletID = "_index_worker_metadata"

	// TabletSchemas holds schema lifecycle rows.
	TabletSchemas persistence.TabletID = "_schemas"

	// TabletSchemaProgress holds schema validation progress rows.
	TabletSchemaProgress persistence.TabletID = "_schema_validation_progress"
)

type segmentDTO struct {
	ID               string `json:"id"`
	DataKey          string `json:"data_key"`
	IDTrackerKey     string `json:"id_tracker_key"`
	DeletedBitsetKey string `json:"deleted_bitset_key"`
	NumIndexed       uint64 `json:"num_indexed"`
	NumDeleted       uint64 `json:"num_deleted"`
	SizeBytes        uint64 `json:"size_bytes"`
	Version          int    `json:"version"`
}

type indexMetaDTO struct {
	Name   string `json:"name"`
	Tablet string `json:"tablet"`
	Config struct {
		Kind        int      `json:"kind"`
		Fields      []string `json:"fields,omitempty"`
		SearchField string   `json:"search_field,omitempty"`
		VectorField string   `json:"vector_field,omitempty"`
		Dimensions  int      `json:"dimensions,omitempty"`
		System      bool     `json:"system,omitempty"`
		Staged      bool     `json:"staged,omitempty"`
	} `json:"config"`
	State struct {
		Kind               int          `json:"kind"`
		BackfillSnapshotTS *int64       `json:"backfill_snapshot_ts,omitempty"`
		Cursor             string       `json:"cursor,omitempty"`
		RetentionStarted   bool         `json:"retention_started,omitempty"`
		SnapshotTS         int64        `json:"snapshot_ts,omitempty"`
		Segments           []segmentDTO `json:"segments,omitempty"`
		Version            int          `json:"version,omitempty"`
	} `json:"state"`
}

func metaToValue(meta *registry.IndexMeta) (value.Value, error) {
	var dto indexMetaDTO
	dto.Name = meta.Name
	dto.Tablet = string(meta.Tablet)
	dto.Config.Kind = int(meta.Config.Kind)
	dto.Config.Fields = meta.Config.Fields
	dto.Config.SearchField = meta.Config.SearchField
	dto.Config.VectorField = meta.Config.VectorField
	dto.Config.Dimensions = meta.Config.Dimensions
	dto.Config.System = meta.Config.System
	dto.Config.Staged = meta.Config.Staged
	dto.State.Kind = int(meta.State.Kind)
	if meta.State.BackfillSnapshotTS != nil {
		ts := int64(*meta.State.BackfillSnapshotTS)
		dto.State.BackfillSnapshotTS = &ts
	}
	dto.State.Cursor = meta.State.Cursor
	dto.State.RetentionStarted = meta.State.RetentionStarted
	dto.State.SnapshotTS = int64(meta.State.SnapshotTS)
	dto.State.Version = meta.State.Version
	for _, seg := range meta.State.Segments {
		dto.State.Segments = append(dto.State.Segments, segmentDTO{
			ID:               string(seg.ID),
			DataKey:          string(seg.DataKey),
			IDTrackerKey:     string(seg.IDTrackerKey),
			DeletedBitsetKey: string(seg.DeletedBitsetKey),
			NumIndexed:       seg.NumIndexed,
			NumDeleted:       seg.NumDeleted,
			SizeBytes:        seg.SizeBytes,
			Version:          seg.Version,
		})
	}
	raw, err := json.Marshal(&dto)
	if err != nil {
		return value.Value{}, fmt.Errorf("serializing index metadata: %w", err)
	}
	return value.FromJSON(raw)
}

func metaFromValue(id persistence.IndexID, v value.Value) (*registry.IndexMeta, error) {
	raw, err := v.ToJSON()
	if err != nil {
		return nil, err
	}
	var dto indexMetaDTO
	if err := json.Unmarshal(raw, &dto); err != nil {
		return nil, fmt.Errorf("parsing index metadata %s: %w", id, err)
	}
	meta := &registry.IndexMeta{
		ID:     id,
		Name:   dto.Name,
		Tablet: persistence.TabletID(dto.Tablet),
		Config: registry.Config{
			Kind:        registry.Kind(dto.Config.Kind),
			Fields:      dto.Config.Fields,
			SearchField: dto.Config.SearchField,
			VectorField: dto.Config.VectorField,
			Dimensions:  dto.Config.Dimensions,
			System:      dto.Config.System,
			Staged:      dto.Config.Staged,
		},
		State: registry.OnDiskState{
			Kind:             registry.StateKind(dto.State.Kind),
			Cursor:           dto.State.Cursor,
			RetentionStarted: dto.State.RetentionStarted,
			SnapshotTS:       value.Timestamp(dto.State.SnapshotTS),
			Version:          dto.State.Version,
		},
	}
	if dto.State.BackfillSnapshotTS != nil {
		ts := value.Timestamp(*dto.State.BackfillSnapshotTS)
		meta.State.BackfillSnapshotTS = &ts
	}
	for _, seg := range dto.State.Segments {
		meta.State.Segments = append(meta.State.Segments, segments.Segment{
			ID:               segments.ID(seg.ID),
			DataKey:          segments.ObjectKey(seg.DataKey),
			IDTrackerKey:     segments.ObjectKey(seg.IDTrackerKey),
			DeletedBitsetKey: segments.ObjectKey(seg.DeletedBitsetKey),
			NumIndexed:       seg.NumIndexed,
			NumDeleted:       seg.NumDeleted,
			SizeBytes:        seg.SizeBytes,
			Version:          seg.Version,
		})
	}
	return meta, nil
}

// loadIndexCatalog hydrates the registry from the _index tablet at
// startup.
func (db *Database) loadIndexCatalog(ctx context.Context) error {
	docs, err := db.reader.LoadDocumentSnapshot(ctx, TabletIndexes, value.MaxTimestamp, "", 0)
	if err != nil {
		return err
	}
	for _, doc := range docs {
		meta, err := metaFromValue(persistence.IndexID(doc.ID.ID), doc.Value)
		if err != nil {
			return err
		}
		if db.registry.Get(meta.ID) == nil {
			if err := db.registry.Add(meta); err != nil {
				return err
			}
		}
	}
	return nil
}

// CreateIndex registers a new index in the catalog. The index starts in
// Backfilling; the workers take it from there.
func (db *Database) CreateIndex(ctx context.Context, meta *registry.IndexMeta) error {
	db.metadataMu.Lock()
	defer db.metadataMu.Unlock()

	doc, err := metaToValue(meta)
	if err != nil {
		return err
	}
	tx, err := db.BeginSystem(ctx)
	if err != nil {
		return err
	}
	if err := tx.Insert(ctx, persistence.DocumentID{Tablet: TabletIndexes, ID: string(meta.ID)}, doc); err != nil {
		return err
	}
	if _, err := db.Commit(ctx, tx, "create_index"); err != nil {
		return err
	}
	return db.registry.Add(meta)
}

// DropIndex removes an index from the catalog and retires its segments.
func (db *Database) DropIndex(ctx context.Context, id persistence.IndexID) error {
	db.metadataMu.Lock()
	defer db.metadataMu.Unlock()

	tx, err := db.BeginSystem(ctx)
	if err != nil {
		return err
	}
	if err := tx.Delete(ctx, persistence.DocumentID{Tablet: TabletIndexes, ID: string(id)}); err != nil {
		return err
	}
	if _, err := db.Commit(ctx, tx, "drop_index"); err != nil {
		return err
	}
	return db.registry.Drop(id)
}

// CommitIndexMetadata atomically rewrites one index's metadata row and
// applies it to the registry, under the metadata mutex. This is the
// single write point for index state transitions.
func (db *Database) CommitIndexMetadata(ctx context.Context, meta *registry.IndexMeta, source writelog.WriteSource) error {
	db.metadataMu.Lock()
	defer db.metadataMu.Unlock()
	return db.commitIndexMetadataLocked(ctx, meta, source)
}

func (db *Database) commitIndexMetadataLocked(ctx context.Context, meta *registry.IndexMeta, source writelog.WriteSource) error {
	doc, err := metaToValue(meta)
	if err != nil {
		return err
	}
	tx, err := db.BeginSystem(ctx)
	if err != nil {
		return err
	}
	if err := tx.Replace(ctx, persistence.DocumentID{Tablet: TabletIndexes, ID: string(meta.ID)}, doc); err != nil {
		return err
	}
	if _, err := db.Commit(ctx, tx, source); err != nil {
		return err
	}
	return db.registry.Update(meta)
}

// BackfillProgress is a progress row for an index backfill, persisted so
// restarts resume instead of rescanning.
type BackfillProgress struct {
	IndexID        persistence.IndexID `json:"index_id"`
	Tablet         persistence.TabletID `json:"tablet"`
	NumDocsIndexed uint64              `json:"num_docs_indexed"`
	TotalDocs      *uint64             `json:"total_docs,omitempty"`
	Cursor         string              `json:"cursor,omitempty"`
	SnapshotTS     int64               `json:"snapshot_ts"`
}

func progressDocID(indexID persistence.IndexID) persistence.DocumentID {
	return persistence.DocumentID{Tablet: TabletIndexBackfills, ID: string(indexID)}
}

// GetBackfillProgress loads an index's progress row, or nil.
func (db *Database) GetBackfillProgress(ctx context.Context, indexID persistence.IndexID) (*BackfillProgress, error) {
	rev, err := db.reader.LatestRevision(ctx, progressDocID(indexID), value.MaxTimestamp)
	if err != nil {
		return nil, err
	}
	if rev == nil || rev.Deleted {
		return nil, nil
	}
	raw, err := rev.Value.ToJSON()
	if err != nil {
		return nil, err
	}
	var progress BackfillProgress
	if err := json.Unmarshal(raw, &progress); err != nil {
		return nil, fmt.Errorf("parsing backfill progress for %s: %w", indexID, err)
	}
	return &progress, nil
}

// UpdateBackfillProgress upserts an index's progress row, accumulating
// the indexed-document count.
func (db *Database) UpdateBackfillProgress(ctx context.Context, progress BackfillProgress) error {
	tx, err := db.BeginSystem(ctx)
	if err != nil {
		return err
	}
	id := progressDocID(progress.IndexID)
	if existing, err := db.GetBackfillProgress(ctx, progress.IndexID); err != nil {
		return err
	} else if existing != nil {
		progress.NumDocsIndexed += existing.NumDocsIndexed
		if progress.TotalDocs == nil {
			progress.TotalDocs = existing.TotalDocs
		}
	}
	raw, err := json.Marshal(&progress)
	if err != nil {
		return err
	}
	doc, err := value.FromJSON(raw)
	if err != nil {
		return err
	}
	if err := tx.Replace(ctx, id, doc); err != nil {
		return err
	}
	_, err = db.Commit(ctx, tx, "index_worker_backfill_progress")
	return err
}

// DeleteBackfillProgress removes an index's progress row once the
// backfill finishes.
func (db *Database) DeleteBackfillProgress(ctx context.Context, indexID persistence.IndexID) error {
	tx, err := db.BeginSystem(ctx)
	if err != nil {
		return err
	}
	if err := tx.Delete(ctx, progressDocID(indexID)); err != nil {
		return err
	}
	_, err = db.Commit(ctx, tx, "index_worker_backfill_done")
	return err
}

// FastForwardTS returns the max of snapshotTS and the index's recorded
// fast-forward timestamp. The flusher advances the fast-forward mark
// instead of building when nothing changed, so index age is measured
// from the last time the index was known current.
func (db *Database) FastForwardTS(ctx context.Context, indexID persistence.IndexID, snapshotTS value.Timestamp) (value.Timestamp, error) {
	rev, err := db.reader.LatestRevision(ctx, persistence.DocumentID{Tablet: TabletIndexWorkerMetadata, ID: string(indexID)}, value.MaxTimestamp)
	if err != nil {
		return 0, err
	}
	if rev == nil || rev.Deleted {
		return snapshotTS, nil
	}
	ff := rev.Value.Get("fast_forward_ts")
	if ff.Kind() != value.KindInt64 {
		return snapshotTS, nil
	}
	if ts := value.Timestamp(ff.AsInt64()); ts > snapshotTS {
		return ts, nil
	}
	return snapshotTS, nil
}

// RecordFastForwardTS advances an index's fast-forward timestamp.
func (db *Database) RecordFastForwardTS(ctx context.Context, indexID persistence.IndexID, ts value.Timestamp) error {
	tx, err := db.BeginSystem(ctx)
	if err != nil {
		return err
	}
	doc := value.Object(value.Field{Name: "fast_forward_ts", Value: value.Int64(int64(ts))})
	if err := tx.Replace(ctx, persistence.DocumentID{Tablet: TabletIndexWorkerMetadata, ID: string(indexID)}, doc); err != nil {
		return err
	}
	_, err = db.Commit(ctx, tx, "index_worker_fast_forward")
	return err
}
