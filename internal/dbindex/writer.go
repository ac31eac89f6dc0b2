package dbindex

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/steveyegge/strata/internal/database"
	"github.com/steveyegge/strata/internal/metrics"
	"github.com/steveyegge/strata/internal/persistence"
	"github.com/steveyegge/strata/internal/value"
)

// Progress is one backfill progress report: how far the table scan got
// and how much it wrote. The worker persists these so restarts resume.
type Progress struct {
	Tablet         persistence.TabletID
	IndexIDs       []persistence.IndexID
	Cursor         string
	NumDocsIndexed uint64
}

// ProgressFunc receives progress reports. It may be nil.
type ProgressFunc func(Progress)

// Writer walks snapshots and the document log and emits ordered index
// entries. One writer is shared by every backfill task; its rate limiter
// bounds the aggregate write rate in entries per second.
type Writer struct {
	db      *database.Database
	logger  *zap.Logger
	limiter *rate.Limiter
}

// NewWriter returns a writer over db.
func NewWriter(db *database.Database, logger *zap.Logger) *Writer {
	cfg := db.Config()
	return &Writer{
		db:     db,
		logger: logger.Named("index_writer"),
		// Entries per second with one chunk of burst: the limiter is
		// charged per entry, a chunk at a time.
		limiter: rate.NewLimiter(rate.Limit(cfg.EntriesPerSecond()), cfg.ChunkSize),
	}
}

// BackfillSnapshotOfTable walks the tablet's by-id index at snapshotTS
// from cursor, writing index entries for every live document. It writes
// no tombstone entries: the snapshot holds only live documents.
//
// After it returns, reads of the selected indexes are valid at any
// timestamp at or after snapshotTS, provided new revisions keep flowing
// through the live commit path.
func (w *Writer) BackfillSnapshotOfTable(ctx context.Context, snapshotTS value.RepeatableTimestamp, selector IndexSelector, tablet persistence.TabletID, cursor string, progress ProgressFunc) (uint64, error) {
	reg := w.db.Registry()
	cfg := w.db.Config()
	iter := w.db.TableIterator(snapshotTS, cfg.ChunkSize)

	var entriesWritten, docsIndexed uint64
	lastLogged := time.Now()
	lastLoggedCount := uint64(0)

	for {
		chunk, err := iter.NextChunk(ctx, tablet, cursor)
		if err != nil {
			return docsIndexed, errors.Wrap(err, "reading table chunk")
		}
		var entries []persistence.IndexEntry
		for _, doc := range chunk.Docs {
			docsIndexed++
			v := doc.Value
			for _, update := range reg.IndexUpdates(doc.ID, nil, &v) {
				if !selector.Matches(update) {
					continue
				}
				entries = append(entries, update.Entry(doc.TS))
			}
		}
		if len(entries) > 0 {
			if err := w.writeBatch(ctx, entries); err != nil {
				return docsIndexed, err
			}
			entriesWritten += uint64(len(entries))
			metrics.BackfillEntriesWritten.WithLabelValues("snapshot").Add(float64(len(entries)))
		}
		if progress != nil && len(chunk.Docs) > 0 {
			progress(Progress{
				Tablet:         tablet,
				IndexIDs:       selector.IndexIDs(),
				Cursor:         chunk.Cursor,
				NumDocsIndexed: uint64(len(chunk.Docs)),
			})
		}
		if time.Since(lastLogged) >= time.Minute {
			elapsed := time.Since(lastLogged).Seconds()
			w.logger.Info("snapshot backfill progress",
				zap.String("tablet", string(tablet)),
				zap.Uint64("entries_written", entriesWritten),
				zap.Float64("rows_per_sec", float64(entriesWritten-lastLoggedCount)/elapsed))
			lastLogged = time.Now()
			lastLoggedCount = entriesWritten
		}
		if chunk.Done {
			break
		}
		cursor = chunk.Cursor
	}
	w.logger.Info("snapshot backfill complete",
		zap.String("tablet", string(tablet)),
		zap.Int64("snapshot_ts", int64(snapshotTS.TS())),
		zap.Uint64("entries_written", entriesWritten))
	return docsIndexed, nil
}

type timedUpdate struct {
	ts    value.Timestamp
	entry persistence.IndexEntry
}

// BackfillForwards walks the document log in [startTS, endTS] ascending
// and applies every derived index update.
//
// Precondition: the selected indexes are consistent for every revision
// before startTS. Postcondition: they are consistent up to endTS.
func (w *Writer) BackfillForwards(ctx context.Context, startTS value.Timestamp, endTS value.RepeatableTimestamp, selector IndexSelector) error {
	rr := w.db.SnapshotReader(endTS)
	tsRange, err := value.NewTimestampRange(startTS, endTS.TS())
	if err != nil {
		return err
	}

	updates := make(chan timedUpdate, 32)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(updates)
		pairs := rr.StreamRevisionPairs(gctx, w.loadSelected(gctx, rr, tsRange, value.Asc, selector))
		defer pairs.Close()
		reg := w.db.Registry()
		for {
			pair, err := pairs.Next(gctx)
			if err != nil {
				return err
			}
			if pair == nil {
				return nil
			}
			for _, update := range reg.IndexUpdates(pair.Rev.ID, pair.PrevDocument(), pair.Document()) {
				if !selector.Matches(update) {
					continue
				}
				select {
				case updates <- timedUpdate{ts: pair.TS(), entry: update.Entry(pair.TS())}:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
		}
	})
	g.Go(func() error {
		return w.writeIndexEntries(gctx, updates, "forward")
	})
	return g.Wait()
}

// BackfillBackwards walks the document log descending from just below
// startTS down toward endTS, stopping early if it crosses the live
// retention floor. It returns the lowest timestamp the selected indexes
// are now consistent at.
//
// A revision with a prior revision writes three entries: its own add (or
// remove), the prior key's remove at the revision's timestamp, and the
// prior key's add at the prior timestamp. Without the third entry a
// snapshot read between the two revisions would miss the prior value.
// Re-emitting the prior add when its own log entry is processed is
// harmless under overwrite semantics.
func (w *Writer) BackfillBackwards(ctx context.Context, startTS value.RepeatableTimestamp, endTS value.Timestamp, selector IndexSelector) (value.Timestamp, error) {
	if startTS.TS() <= endTS {
		return 0, errors.Errorf("backward backfill range inverted: %d <= %d", startTS.TS(), endTS)
	}
	upper, err := startTS.TS().Prior()
	if err != nil {
		return 0, err
	}
	tsRange, err := value.NewTimestampRange(endTS, upper)
	if err != nil {
		return 0, err
	}
	rr := w.db.SnapshotReader(startTS)

	updates := make(chan timedUpdate, 32)
	lowest := startTS.TS()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(updates)
		pairs := rr.StreamRevisionPairs(gctx, w.loadSelected(gctx, rr, tsRange, value.Desc, selector))
		defer pairs.Close()
		reg := w.db.Registry()
		send := func(ts value.Timestamp, entry persistence.IndexEntry) error {
			select {
			case updates <- timedUpdate{ts: ts, entry: entry}:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		for {
			pair, err := pairs.Next(gctx)
			if err != nil {
				return err
			}
			if pair == nil {
				lowest = endTS
				return nil
			}
			ts := pair.TS()
			floor, err := w.db.MinSnapshotTS(gctx)
			if err != nil {
				return err
			}
			if ts < floor {
				// The transaction at ts may be split across chunks, so
				// the range is only complete from the next timestamp up.
				lowest = ts.MustSucc()
				return nil
			}
			for _, update := range reg.IndexUpdates(pair.Rev.ID, pair.PrevDocument(), pair.Document()) {
				if !selector.Matches(update) {
					continue
				}
				if err := send(ts, update.Entry(ts)); err != nil {
					return err
				}
			}
			if pair.Prev != nil && !pair.Prev.Deleted {
				prevDoc := pair.Prev.Value
				for _, update := range reg.IndexUpdates(pair.Rev.ID, nil, &prevDoc) {
					if !selector.Matches(update) {
						continue
					}
					if err := send(pair.Prev.TS, update.Entry(pair.Prev.TS)); err != nil {
						return err
					}
				}
			}
		}
	})
	g.Go(func() error {
		return w.writeIndexEntries(gctx, updates, "backward")
	})
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return lowest, nil
}

// PerformRetentionBackfill repeatedly walks backwards until the live
// retention floor has caught up with the lowest backfilled timestamp, at
// which point the whole retention window is covered.
func (w *Writer) PerformRetentionBackfill(ctx context.Context, snapshotTS value.RepeatableTimestamp, selector IndexSelector) error {
	minBackfilled := snapshotTS
	for {
		floor, err := w.db.MinSnapshotTS(ctx)
		if err != nil {
			return err
		}
		if floor >= minBackfilled.TS() {
			return nil
		}
		// Descending order keeps the valid snapshot range contiguous: a
		// document creation processed before its later tombstone would
		// be visible at snapshots where it should be deleted.
		reached, err := w.BackfillBackwards(ctx, minBackfilled, floor, selector)
		if err != nil {
			return err
		}
		minBackfilled, err = minBackfilled.PriorTS(reached)
		if err != nil {
			return err
		}
	}
}

// RunRetention deletes index entries below the retention floor that are
// shadowed by newer revisions.
func (w *Writer) RunRetention(ctx context.Context, selector IndexSelector) error {
	floor, err := w.db.MinSnapshotTS(ctx)
	if err != nil {
		return err
	}
	if floor == 0 {
		return nil
	}
	deleted, err := w.db.Persistence().DeleteShadowedIndexEntries(ctx, selector.IndexIDs(), floor)
	if err != nil {
		return errors.Wrap(err, "retention cleanup")
	}
	if deleted > 0 {
		w.logger.Info("retention cleanup removed entries",
			zap.Int("deleted", deleted), zap.Int64("floor", int64(floor)))
	}
	return nil
}

func (w *Writer) loadSelected(ctx context.Context, rr *persistence.RepeatableReader, tsRange value.TimestampRange, order value.Order, selector IndexSelector) persistence.RevisionIterator {
	if tablet, ok := selector.Tablet(); ok {
		return rr.LoadDocumentsInTable(ctx, tablet, tsRange, order)
	}
	return rr.LoadDocuments(ctx, tsRange, order)
}

// writeIndexEntries drains updates in chunked, rate-limited batches.
func (w *Writer) writeIndexEntries(ctx context.Context, updates <-chan timedUpdate, direction string) error {
	cfg := w.db.Config()
	batch := make([]persistence.IndexEntry, 0, cfg.ChunkSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := w.writeBatch(ctx, batch); err != nil {
			return err
		}
		metrics.BackfillEntriesWritten.WithLabelValues(direction).Add(float64(len(batch)))
		batch = batch[:0]
		return nil
	}
	for update := range updates {
		batch = append(batch, update.entry)
		if len(batch) >= cfg.ChunkSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	return flush()
}

func (w *Writer) writeBatch(ctx context.Context, entries []persistence.IndexEntry) error {
	// Charge the limiter per entry. Batches larger than the burst are
	// split so WaitN never exceeds it.
	for i := 0; i < len(entries); i += w.limiter.Burst() {
		n := w.limiter.Burst()
		if i+n > len(entries) {
			n = len(entries) - i
		}
		if err := w.limiter.WaitN(ctx, n); err != nil {
			return err
		}
	}
	if err := w.db.Persistence().Write(ctx, nil, entries, persistence.ConflictOverwrite); err != nil {
		return errors.Wrap(err, "writing index entries")
	}
	return nil
}
