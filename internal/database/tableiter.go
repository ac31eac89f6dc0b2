package database

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/steveyegge/strata/internal/persistence"
	"github.com/steveyegge/strata/internal/value"
)

// TableIterator streams a tablet's live documents at a snapshot in by-id
// order, one chunk at a time. The snapshot stays valid for the whole
// walk because it is repeatable; iteration yields between chunks so a
// long scan never monopolizes the committer.
type TableIterator struct {
	db        *Database
	snapshot  value.RepeatableTimestamp
	chunkSize int

	// limiter, when set, is charged a full chunk's worth of tokens
	// (chunkSize) before each chunk is read. Backfills share it per index
	// kind.
	limiter *rate.Limiter
}

// TableIterator creates an iterator at the snapshot.
func (db *Database) TableIterator(snapshot value.RepeatableTimestamp, chunkSize int) *TableIterator {
	if chunkSize <= 0 {
		chunkSize = db.cfg.ChunkSize
	}
	return &TableIterator{db: db, snapshot: snapshot, chunkSize: chunkSize}
}

// WithRateLimiter attaches a shared document-read rate limiter.
func (it *TableIterator) WithRateLimiter(l *rate.Limiter) *TableIterator {
	it.limiter = l
	return it
}

// Chunk is one page of a table walk.
type Chunk struct {
	Docs []persistence.LatestDocument

	// Cursor is the id of the chunk's last document, to resume after;
	// empty only when the chunk has no documents.
	Cursor string

	// Done marks the end of the table.
	Done bool
}

// NextChunk reads the next page after cursor (empty for the start).
func (it *TableIterator) NextChunk(ctx context.Context, tablet persistence.TabletID, cursor string) (*Chunk, error) {
	if it.limiter != nil {
		if err := it.limiter.WaitN(ctx, it.chunkSize); err != nil {
			return nil, err
		}
	}
	docs, err := it.db.reader.LoadDocumentSnapshot(ctx, tablet, it.snapshot.TS(), cursor, it.chunkSize)
	if err != nil {
		return nil, err
	}
	chunk := &Chunk{Docs: docs}
	if len(docs) < it.chunkSize {
		chunk.Done = true
	}
	if len(docs) > 0 {
		chunk.Cursor = docs[len(docs)-1].ID.ID
	}
	return chunk, nil
}

// Each walks the whole tablet from cursor, calling f per document.
func (it *TableIterator) Each(ctx context.Context, tablet persistence.TabletID, cursor string, f func(persistence.LatestDocument) error) error {
	for {
		chunk, err := it.NextChunk(ctx, tablet, cursor)
		if err != nil {
			return err
		}
		for _, doc := range chunk.Docs {
			if err := f(doc); err != nil {
				return err
			}
		}
		if chunk.Done {
			return nil
		}
		cursor = chunk.Cursor
	}
}
