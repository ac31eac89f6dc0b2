package schemas

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/steveyegge/strata/internal/database"
	"github.com/steveyegge/strata/internal/metrics"
	"github.com/steveyegge/strata/internal/persistence"
	"github.com/steveyegge/strata/internal/sterrors"
	"github.com/steveyegge/strata/internal/value"
)

// maxCommitFailures bounds the OCC retry loop around terminal schema
// transitions.
const maxCommitFailures = 5

// Worker validates pending schemas. One iteration finds a pending
// schema, streams every table whose validator changed, and transitions
// the schema to Validated or Failed. Progress lands in its own table so
// the UI can show throughput.
type Worker struct {
	db     *database.Database
	model  *Model
	logger *zap.Logger
}

// NewWorker returns a schema worker over db.
func NewWorker(db *database.Database, logger *zap.Logger) *Worker {
	return &Worker{db: db, model: NewModel(db), logger: logger.Named("schema_worker")}
}

// Run loops until ctx is cancelled.
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
		default:
			metrics.WorkerFailures.WithLabelValues("schema_worker").Inc()
			delay := b.NextBackOff()
			w.logger.Error("schema worker failed, backing off", zap.Error(err), zap.Duration("delay", delay))
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
	}
}

// RunOnce performs one worker iteration: validate every pending schema,
// then wait for schema-table changes.
func (w *Worker) RunOnce(ctx context.Context) error {
	tx, err := w.db.BeginSystem(ctx)
	if err != nil {
		return err
	}
	pending, err := w.model.byState(ctx, tx, StatePending)
	if err != nil {
		return err
	}
	snapshotTS := tx.BeginTimestamp()
	token := tx.IntoToken()

	active, err := w.activeSchema(ctx, tx)
	if err != nil {
		return err
	}

	for _, schema := range pending {
		if err := w.validate(ctx, schema, active, snapshotTS); err != nil {
			return err
		}
	}

	w.logger.Debug("schema worker waiting")
	sub := w.db.Subscribe(token)
	return sub.WaitForInvalidation(ctx)
}

func (w *Worker) activeSchema(ctx context.Context, tx *database.Transaction) (*Schema, error) {
	actives, err := w.model.byState(ctx, tx, StateActive)
	if err != nil {
		return nil, err
	}
	if len(actives) == 0 {
		return nil, nil
	}
	return actives[0], nil
}

// validate streams the affected tables at the snapshot and settles the
// schema's fate.
func (w *Worker) validate(ctx context.Context, schema *Schema, active *Schema, snapshotTS value.RepeatableTimestamp) error {
	tables := schema.TablesToValidate(active)
	w.logger.Info("validating schema",
		zap.String("schema", schema.ID),
		zap.Int("tables", len(tables)))

	tracker, err := newProgressTracker(ctx, w.db, w.model, schema.ID, tables, snapshotTS)
	if err != nil {
		return err
	}

	for _, tablet := range tables {
		validator := schema.Tables[tablet]
		iter := w.db.TableIterator(snapshotTS, w.db.Config().ChunkSize)
		var failed error
		err := iter.Each(ctx, tablet, "", func(doc persistence.LatestDocument) error {
			metrics.SchemaDocumentsValidated.Inc()
			if err := validator.Check(tablet, doc.ID.ID, doc.Value); err != nil {
				failed = err
				return errStopIteration
			}
			progressExists, err := tracker.recordDocumentValidated(ctx)
			if err != nil {
				return err
			}
			if !progressExists {
				// The schema was superseded or settled by someone else;
				// stop quietly.
				failed = errSuperseded
				return errStopIteration
			}
			return nil
		})
		if err != nil && err != errStopIteration {
			return err
		}
		if failed == errSuperseded {
			w.logger.Info("schema validation superseded", zap.String("schema", schema.ID))
			return nil
		}
		if failed != nil {
			return w.markTerminal(ctx, schema.ID, StateFailed, failed.Error())
		}
	}

	if err := tracker.recordValidationFinished(ctx); err != nil {
		return err
	}
	if err := w.markTerminal(ctx, schema.ID, StateValidated, ""); err != nil {
		return err
	}
	w.logger.Info("schema is valid", zap.String("schema", schema.ID))
	return nil
}

// markTerminal transitions Pending to a terminal state with a bounded
// OCC retry loop. Failed deletes the progress row; Validated keeps the
// final numbers for the UI.
func (w *Worker) markTerminal(ctx context.Context, schemaID string, state State, errMsg string) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 0

	deleteProgress := state == StateFailed
	var lastErr error
	for attempt := 0; attempt < maxCommitFailures; attempt++ {
		err := w.model.markState(ctx, schemaID, StatePending, state, errMsg, deleteProgress)
		if err == nil {
			if state == StateFailed {
				w.logger.Info("schema is invalid",
					zap.String("schema", schemaID), zap.String("error", errMsg))
			}
			return nil
		}
		if !sterrors.IsOCC(err) {
			return err
		}
		lastErr = err
		delay := b.NextBackOff()
		w.logger.Warn("schema transition hit OCC conflict, retrying",
			zap.String("schema", schemaID), zap.Duration("delay", delay))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}

// sentinel errors for iteration control.
var (
	errStopIteration = errors.New("stop iteration")
	errSuperseded    = errors.New("validation superseded")
)

// progressTracker batches progress writes: one commit per threshold
// documents, where the threshold freezes at min(500, ceil(5% of the
// first observed total)). A table count that appears later does not move
// the threshold; deterministic batching beats a moving target.
type progressTracker struct {
	db        *database.Database
	model     *Model
	schemaID  string
	threshold uint64
	pending   uint64
	total     *uint64
}

func newProgressTracker(ctx context.Context, db *database.Database, model *Model, schemaID string, tables []persistence.TabletID, snapshotTS value.RepeatableTimestamp) (*progressTracker, error) {
	var total uint64
	for _, tablet := range tables {
		n, err := db.Reader().DocumentCount(ctx, tablet)
		if err != nil {
			return nil, err
		}
		total += uint64(n)
	}
	t := &progressTracker{db: db, model: model, schemaID: schemaID, threshold: 500, total: &total}
	if pct := uint64(math.Ceil(float64(total) * 0.05)); pct < 500 {
		t.threshold = pct
	}
	if t.threshold == 0 {
		t.threshold = 1
	}
	// Seed the row so the UI shows the validation immediately.
	if _, err := model.writeProgress(ctx, Progress{SchemaID: schemaID, NumDocsValidated: 0, TotalDocs: t.total}); err != nil {
		return nil, err
	}
	return t, nil
}

// recordDocumentValidated counts one document, flushing at the
// threshold. It reports whether the progress row still exists.
func (t *progressTracker) recordDocumentValidated(ctx context.Context) (bool, error) {
	t.pending++
	if t.pending%t.threshold != 0 {
		return true, nil
	}
	return t.flush(ctx)
}

// recordValidationFinished flushes the remainder.
func (t *progressTracker) recordValidationFinished(ctx context.Context) error {
	_, err := t.flush(ctx)
	return err
}

func (t *progressTracker) flush(ctx context.Context) (bool, error) {
	existing, err := t.model.GetProgress(ctx, t.schemaID)
	if err != nil {
		return false, err
	}
	var sofar uint64
	if existing != nil {
		sofar = existing.NumDocsValidated
	}
	written, err := t.model.writeProgress(ctx, Progress{
		SchemaID:         t.schemaID,
		NumDocsValidated: sofar + t.pending,
		TotalDocs:        t.total,
	})
	if err != nil {
		return false, err
	}
	t.pending = 0
	return written, nil
}
