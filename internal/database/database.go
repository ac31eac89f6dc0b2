// Package database is the top-level facade over persistence, the index
// registry, and the write log. It owns the commit path (including OCC
// validation and live index maintenance), snapshot reads, subscriptions,
// and the retention floor. Workers take handles to it; there are no
// process globals.
package database

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/steveyegge/strata/internal/config"
	"github.com/steveyegge/strata/internal/metrics"
	"github.com/steveyegge/strata/internal/persistence"
	"github.com/steveyegge/strata/internal/registry"
	"github.com/steveyegge/strata/internal/sterrors"
	"github.com/steveyegge/strata/internal/value"
	"github.com/steveyegge/strata/internal/writelog"
)

// Database owns the storage components and serializes commits.
type Database struct {
	persistence persistence.Persistence
	reader      persistence.Reader
	registry    *registry.Registry
	logger      *zap.Logger
	cfg         config.Config

	logOwner  *writelog.LogOwner
	logReader *writelog.LogReader
	logWriter *writelog.LogWriter

	// commitMu serializes the commit path: staleness check, timestamp
	// assignment, persistence write, and log append happen atomically
	// with respect to other commits.
	commitMu sync.Mutex

	// metadataMu serializes every mutation of the _index and _tables
	// system tablets so concurrent workers cannot OCC-abort each other.
	metadataMu sync.Mutex

	retention *retentionManager
}

// New assembles a database over the given stores.
func New(p persistence.Persistence, reg *registry.Registry, cfg config.Config, logger *zap.Logger) (*Database, error) {
	ctx := context.Background()
	maxTS, err := p.Reader().MaxTS(ctx)
	if err != nil {
		return nil, err
	}
	owner, reader, writer := writelog.New(maxTS, writelog.Config{
		MinRetention: cfg.WriteLogMinRetention,
		MaxRetention: cfg.WriteLogMaxRetention,
		MaxSizeBytes: cfg.WriteLogMaxSizeBytes,
	})
	db := &Database{
		persistence: p,
		reader:      p.Reader(),
		registry:    reg,
		logger:      logger.Named("database"),
		cfg:         cfg,
		logOwner:    owner,
		logReader:   reader,
		logWriter:   writer,
	}
	db.retention = newRetentionManager(p)
	if err := db.retention.load(ctx); err != nil {
		return nil, err
	}
	if err := db.loadIndexCatalog(ctx); err != nil {
		return nil, err
	}
	return db, nil
}

// Registry returns the index registry.
func (db *Database) Registry() *registry.Registry { return db.registry }

// Persistence returns the underlying store.
func (db *Database) Persistence() persistence.Persistence { return db.persistence }

// Reader returns the raw persistence reader.
func (db *Database) Reader() persistence.Reader { return db.reader }

// Config returns the database's tunables.
func (db *Database) Config() config.Config { return db.cfg }

// RetentionValidator returns the database's retention floor.
func (db *Database) RetentionValidator() persistence.RetentionValidator { return db.retention }

// MetadataMutex serializes writes to system metadata tablets. Callers
// lock it around read-modify-write cycles of the index catalog.
func (db *Database) MetadataMutex() *sync.Mutex { return &db.metadataMu }

// LogOwner returns the write log owner handle.
func (db *Database) LogOwner() *writelog.LogOwner { return db.logOwner }

// LogReader returns a write log reader handle.
func (db *Database) LogReader() *writelog.LogReader { return db.logReader }

// LatestTS returns the newest committed timestamp as a repeatable
// timestamp: commits only move it forward, and retention holds at or
// below it.
func (db *Database) LatestTS() value.RepeatableTimestamp {
	return value.NewRepeatableTimestamp(db.logOwner.MaxTS())
}

// SnapshotReader returns a retention-validated reader at ts.
func (db *Database) SnapshotReader(ts value.RepeatableTimestamp) *persistence.RepeatableReader {
	return persistence.NewRepeatableReader(db.reader, ts, db.retention)
}

// Begin opens a transaction at the current timestamp.
func (db *Database) Begin(ctx context.Context, identity Identity) (*Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Transaction{
		db:       db,
		identity: identity,
		beginTS:  db.LatestTS(),
		reads:    writelog.NewReadSet(),
	}, nil
}

// BeginSystem opens a system transaction.
func (db *Database) BeginSystem(ctx context.Context) (*Transaction, error) {
	return db.Begin(ctx, System())
}

// Commit validates the transaction against the write log and commits its
// writes. An intersection between the transaction's reads and a
// concurrent commit surfaces as an OCC error.
func (db *Database) Commit(ctx context.Context, tx *Transaction, source writelog.WriteSource) (value.Timestamp, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	db.commitMu.Lock()
	defer db.commitMu.Unlock()

	maxTS := db.logOwner.MaxTS()
	if !tx.reads.Empty() {
		conflict, err := db.logWriter.IsStale(tx.reads, tx.beginTS.TS(), maxTS)
		if err != nil {
			return 0, err
		}
		if conflict != nil {
			return 0, sterrors.New(sterrors.KindOCC,
				"transaction reads invalidated by %q write to %s at %d", conflict.Source, conflict.ID, conflict.TS)
		}
	}
	if len(tx.writes) == 0 {
		return maxTS, nil
	}

	// Commit timestamps are nanoseconds, bumped past the log head so
	// they stay strictly monotonic even under clock skew.
	ts := value.Timestamp(time.Now().UnixNano())
	if ts <= maxTS {
		ts = maxTS + 1
	}

	docs := make([]persistence.DocumentRevision, 0, len(tx.writes))
	var entries []persistence.IndexEntry
	updates := make([]writelog.DocumentUpdate, 0, len(tx.writes))
	for _, w := range tx.writes {
		rev := persistence.DocumentRevision{ID: w.id, TS: ts}
		if w.newDoc == nil {
			rev.Deleted = true
		} else {
			rev.Value = *w.newDoc
		}
		if w.prevTS != nil {
			prev := *w.prevTS
			rev.PrevTS = &prev
		}
		docs = append(docs, rev)

		// Live index maintenance: every index past Backfilling receives
		// updates on the commit path. Backfilling indexes catch up via
		// the log walk instead.
		for _, u := range db.registry.IndexUpdates(w.id, w.prevDoc, w.newDoc) {
			if meta := db.registry.Get(u.IndexID); meta != nil && meta.State.Kind != registry.Backfilling {
				entries = append(entries, u.Entry(ts))
			}
		}
		updates = append(updates, writelog.DocumentUpdate{ID: w.id, OldDocument: w.prevDoc, NewDocument: w.newDoc})
	}

	if err := db.persistence.Write(ctx, docs, entries, persistence.ConflictFail); err != nil {
		return 0, err
	}
	if err := db.logWriter.Append(ts, updates, source); err != nil {
		return 0, err
	}
	metrics.WriteLogSizeBytes.Set(float64(db.logOwner.SizeBytes()))
	return ts, nil
}

// EnforceLogRetention trims the write log; the serve loop calls it
// periodically.
func (db *Database) EnforceLogRetention(now time.Time) {
	db.logOwner.EnforceRetentionPolicy(now)
	metrics.WriteLogSizeBytes.Set(float64(db.logOwner.SizeBytes()))
}

// AdvanceRetention raises the retention floor to ts. Reads below the
// floor fail from then on; index retention cleanup may follow.
func (db *Database) AdvanceRetention(ctx context.Context, ts value.Timestamp) error {
	return db.retention.advance(ctx, ts)
}

// MinSnapshotTS reports the retention floor.
func (db *Database) MinSnapshotTS(ctx context.Context) (value.Timestamp, error) {
	return db.retention.MinSnapshotTS(ctx)
}
