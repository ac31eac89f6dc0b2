package searchindex

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/steveyegge/strata/internal/database"
	"github.com/steveyegge/strata/internal/metrics"
	"github.com/steveyegge/strata/internal/sterrors"
)

// FlushWorker is the long-running loop around a Flusher: run a step,
// commit, then wait for invalidation of the catalog read or for the
// checkpoint age to come due.
type FlushWorker struct {
	db      *database.Database
	flusher *Flusher
	logger  *zap.Logger

	// wakeInterval bounds how long the worker sleeps without checking
	// ages; TooOld builds have no catalog write to wake on.
	wakeInterval time.Duration
}

// NewFlushWorker wraps flusher in its worker loop.
func NewFlushWorker(db *database.Database, flusher *Flusher, wakeInterval time.Duration, logger *zap.Logger) *FlushWorker {
	if wakeInterval <= 0 {
		wakeInterval = time.Minute
	}
	return &FlushWorker{
		db:           db,
		flusher:      flusher,
		logger:       logger.Named(flusher.t.Name() + "_flush_worker"),
		wakeInterval: wakeInterval,
	}
}

// Run loops until ctx is cancelled, backing off on hard failures.
func (w *FlushWorker) Run(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Minute
	b.MaxElapsedTime = 0

	worker := w.flusher.t.Name() + "_flusher"
	for {
		if ctx.Err() != nil {
			return
		}
		err := w.runOnce(ctx)
		switch {
		case err == nil:
			b.Reset()
		case ctx.Err() != nil:
			return
		case sterrors.IsOCC(err):
			w.logger.Warn("flusher hit OCC conflict, retrying", zap.Error(err))
			metrics.WorkerFailures.WithLabelValues(worker).Inc()
		default:
			metrics.WorkerFailures.WithLabelValues(worker).Inc()
			delay := b.NextBackOff()
			w.logger.Error("flusher failed, backing off", zap.Error(err), zap.Duration("delay", delay))
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
	}
}

func (w *FlushWorker) runOnce(ctx context.Context) error {
	built, token, err := w.flusher.Step(ctx)
	if err != nil {
		return err
	}
	if len(built) > 0 {
		w.logger.Info("flusher built indexes", zap.Int("count", len(built)))
		return nil
	}
	// Nothing to do: wake on catalog changes or on the age check timer,
	// whichever fires first.
	waitCtx, cancel := context.WithTimeout(ctx, w.wakeInterval)
	defer cancel()
	sub := w.db.Subscribe(token)
	if err := sub.WaitForInvalidation(waitCtx); err != nil && ctx.Err() != nil {
		return err
	}
	return nil
}
