package dbindex

import (
	"context"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/steveyegge/strata/internal/database"
	"github.com/steveyegge/strata/internal/metrics"
	"github.com/steveyegge/strata/internal/persistence"
	"github.com/steveyegge/strata/internal/registry"
	"github.com/steveyegge/strata/internal/sterrors"
	"github.com/steveyegge/strata/internal/value"
	"github.com/steveyegge/strata/internal/writelog"
)

// pendingKey deduplicates queued backfills. Two queue entries for the
// same index are the same work only if they resume from the same cursor.
type pendingKey struct {
	indexID persistence.IndexID
	tablet  persistence.TabletID
	cursor  string
}

// Worker drives backfills for database indexes in Backfilling state. On
// each iteration it reads the index catalog, groups pending indexes by
// tablet so one table scan serves all of them, and runs a bounded pool
// of tablet backfills. After draining it subscribes to catalog changes.
type Worker struct {
	db     *database.Database
	writer *Writer
	logger *zap.Logger
}

// NewWorker returns a worker over db.
func NewWorker(db *database.Database, writer *Writer, logger *zap.Logger) *Worker {
	return &Worker{db: db, writer: writer, logger: logger.Named("index_worker")}
}

// Run loops until ctx is cancelled. Hard failures back off with jitter;
// OCC conflicts retry promptly.
func (w *Worker) Run(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Minute
	b.MaxElapsedTime = 0

	for {
		if ctx.Err() != nil {
			return
		}
		err := w.RunOnce(ctx)
		switch {
		case err == nil:
			b.Reset()
		case ctx.Err() != nil:
			return
		case sterrors.IsOCC(err):
			w.logger.Warn("index worker hit OCC conflict, retrying", zap.Error(err))
			metrics.WorkerFailures.WithLabelValues("index_worker").Inc()
		default:
			metrics.WorkerFailures.WithLabelValues("index_worker").Inc()
			delay := b.NextBackOff()
			w.logger.Error("index worker failed, backing off",
				zap.Error(err), zap.Duration("delay", delay))
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
	}
}

// RunOnce performs one worker iteration: queue, drain, wait.
func (w *Worker) RunOnce(ctx context.Context) error {
	// Read the catalog inside a transaction so its token subscribes to
	// new index definitions.
	tx, err := w.db.BeginSystem(ctx)
	if err != nil {
		return err
	}
	if _, err := tx.Scan(ctx, database.TabletIndexes); err != nil {
		return err
	}
	token := tx.IntoToken()

	pending, err := w.collectPending(ctx)
	if err != nil {
		return err
	}
	metrics.IndexesToBackfill.Set(float64(len(pending)))
	if len(pending) > 0 {
		w.logger.Info("database indexes to backfill", zap.Int("count", len(pending)))

		// Group pending indexes sharing a tablet and cursor: reading the
		// table once is the expensive part.
		groups := make(map[pendingKey][]persistence.IndexID)
		for _, p := range pending {
			gk := pendingKey{tablet: p.tablet, cursor: p.cursor}
			groups[gk] = append(groups[gk], p.indexID)
		}
		keys := make([]pendingKey, 0, len(groups))
		for gk := range groups {
			keys = append(keys, gk)
		}
		sort.Slice(keys, func(i, j int) bool {
			if keys[i].tablet != keys[j].tablet {
				return keys[i].tablet < keys[j].tablet
			}
			return keys[i].cursor < keys[j].cursor
		})

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(w.db.Config().BackfillConcurrency)
		for _, gk := range keys {
			indexIDs := groups[gk]
			sort.Slice(indexIDs, func(i, j int) bool { return indexIDs[i] < indexIDs[j] })
			g.Go(func() error {
				return w.backfillTablet(gctx, gk.tablet, indexIDs, gk.cursor)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		w.logger.Info("finished backfilling", zap.Int("indexes", len(pending)))
		return nil
	}

	// Nothing to do: wait for a new index definition.
	sub := w.db.Subscribe(token)
	return sub.WaitForInvalidation(ctx)
}

func (w *Worker) collectPending(ctx context.Context) ([]pendingKey, error) {
	var pending []pendingKey
	for _, meta := range w.db.Registry().AllIndexes() {
		if meta.Config.Kind != registry.Database || meta.State.Kind != registry.Backfilling {
			continue
		}
		cursor := ""
		if progress, err := w.db.GetBackfillProgress(ctx, meta.ID); err != nil {
			return nil, err
		} else if progress != nil {
			cursor = progress.Cursor
		}
		pending = append(pending, pendingKey{indexID: meta.ID, tablet: meta.Tablet, cursor: cursor})
	}
	return pending, nil
}

// backfillTablet runs the full lifecycle for one tablet's pending
// indexes: snapshot scan, retention backfill, retention cleanup, and the
// final state transition.
func (w *Worker) backfillTablet(ctx context.Context, tablet persistence.TabletID, indexIDs []persistence.IndexID, cursor string) error {
	start := time.Now()
	defer func() { metrics.BackfillDuration.Observe(time.Since(start).Seconds()) }()

	// Indexes whose snapshot pass already completed (retention started)
	// skip straight to the retention phase.
	var needsSnapshot []persistence.IndexID
	for _, id := range indexIDs {
		meta := w.db.Registry().Get(id)
		if meta == nil {
			continue
		}
		if !meta.State.RetentionStarted {
			needsSnapshot = append(needsSnapshot, id)
		}
	}

	snapshotTS, err := w.resolveSnapshot(ctx, tablet, needsSnapshot, cursor)
	if err != nil {
		return err
	}

	if len(needsSnapshot) > 0 {
		selector := SelectMany(tablet, needsSnapshot)
		w.logger.Info("starting backfill",
			zap.String("tablet", string(tablet)),
			zap.Int("indexes", len(needsSnapshot)),
			zap.String("cursor", cursor),
			zap.Int64("snapshot_ts", int64(snapshotTS.TS())))

		progressFn := func(p Progress) {
			for _, id := range p.IndexIDs {
				update := database.BackfillProgress{
					IndexID:        id,
					Tablet:         p.Tablet,
					NumDocsIndexed: p.NumDocsIndexed,
					Cursor:         p.Cursor,
					SnapshotTS:     int64(snapshotTS.TS()),
				}
				if err := w.db.UpdateBackfillProgress(ctx, update); err != nil {
					// Progress is best effort; a resume just rescans a
					// little more.
					w.logger.Warn("progress update failed", zap.Error(err))
				}
			}
		}
		if _, err := w.writer.BackfillSnapshotOfTable(ctx, snapshotTS, selector, tablet, cursor, progressFn); err != nil {
			return err
		}

		// Record that retention started; from here the snapshot pass
		// never reruns even across restarts.
		for _, id := range needsSnapshot {
			if err := w.transition(ctx, id, func(meta *registry.IndexMeta) {
				ts := snapshotTS.TS()
				meta.State.BackfillSnapshotTS = &ts
				meta.State.RetentionStarted = true
			}, "index_worker_start_retention"); err != nil {
				return err
			}
		}
	}

	selector := SelectMany(tablet, indexIDs)
	if err := w.writer.PerformRetentionBackfill(ctx, snapshotTS, selector); err != nil {
		return err
	}
	if err := w.writer.RunRetention(ctx, selector); err != nil {
		return err
	}

	// Promote. Indexes go straight to Enabled, except user (non-system)
	// indexes whose config is Staged: those stop at Backfilled.
	for _, id := range indexIDs {
		meta := w.db.Registry().Get(id)
		if meta == nil {
			continue
		}
		target := registry.Enabled
		if !meta.Config.System && meta.Config.Staged {
			target = registry.Backfilled
		}
		if err := w.transition(ctx, id, func(meta *registry.IndexMeta) {
			meta.State.Kind = target
			meta.State.SnapshotTS = snapshotTS.TS()
			meta.State.Cursor = ""
		}, "index_worker_finish_backfill"); err != nil {
			return err
		}
		if err := w.db.DeleteBackfillProgress(ctx, id); err != nil {
			return err
		}
		w.logger.Info("index backfill finished",
			zap.String("index", string(id)), zap.String("state", target.String()))
	}
	return nil
}

// resolveSnapshot picks the snapshot timestamp for this pass: the one a
// previous run recorded (when resuming mid-scan), else a fresh one,
// initializing progress rows with the table's document count.
func (w *Worker) resolveSnapshot(ctx context.Context, tablet persistence.TabletID, needsSnapshot []persistence.IndexID, cursor string) (value.RepeatableTimestamp, error) {
	latest := w.db.LatestTS()
	if cursor != "" {
		for _, id := range needsSnapshot {
			progress, err := w.db.GetBackfillProgress(ctx, id)
			if err != nil {
				return value.RepeatableTimestamp{}, err
			}
			if progress != nil && progress.SnapshotTS != 0 {
				return latest.PriorTS(value.Timestamp(progress.SnapshotTS))
			}
		}
	}
	if len(needsSnapshot) > 0 {
		total, err := w.db.Reader().DocumentCount(ctx, tablet)
		if err != nil {
			return value.RepeatableTimestamp{}, err
		}
		totalDocs := uint64(total)
		for _, id := range needsSnapshot {
			progress := database.BackfillProgress{
				IndexID:    id,
				Tablet:     tablet,
				TotalDocs:  &totalDocs,
				SnapshotTS: int64(latest.TS()),
			}
			if err := w.db.UpdateBackfillProgress(ctx, progress); err != nil {
				return value.RepeatableTimestamp{}, err
			}
		}
	}
	return latest, nil
}

func (w *Worker) transition(ctx context.Context, id persistence.IndexID, mutate func(*registry.IndexMeta), source string) error {
	meta := w.db.Registry().Get(id)
	if meta == nil {
		return sterrors.New(sterrors.KindFatal, "index %s disappeared during backfill", id)
	}
	mutate(meta)
	return w.db.CommitIndexMetadata(ctx, meta, writelog.WriteSource(source))
}
