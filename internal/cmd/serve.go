package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/steveyegge/strata/internal/config"
	"github.com/steveyegge/strata/internal/database"
	"github.com/steveyegge/strata/internal/dbindex"
	"github.com/steveyegge/strata/internal/persistence"
	"github.com/steveyegge/strata/internal/registry"
	"github.com/steveyegge/strata/internal/schemas"
	"github.com/steveyegge/strata/internal/searchindex"
	"github.com/steveyegge/strata/internal/segments"
	"github.com/steveyegge/strata/internal/value"
)

var (
	metricsAddr     string
	compactInterval time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the indexing workers",
	Long: `Run the long-lived indexing workers: the database index worker, the
text and vector flushers, the compactor sweep, the schema validator, and
the retention loops. Blocks until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}

		env, err := buildEnvironment(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()
		db := env.DB

		limits := searchindex.Limits{
			IndexSizeSoftLimit:                 cfg.IndexSizeSoftLimit,
			IncrementalMultipartThresholdBytes: cfg.IncrementalMultipartThresholdBytes,
			MaxCheckpointAge:                   cfg.MaxCheckpointAge,
		}
		policy := searchindex.DefaultPolicy(cfg.CompactionSmallSegmentThreshold)

		indexWriter := dbindex.NewWriter(db, logger)
		indexWorker := dbindex.NewWorker(db, indexWriter, logger)
		schemaWorker := schemas.NewWorker(db, logger)

		type kindSet struct {
			flusher   *searchindex.FlushWorker
			compactor *searchindex.Compactor
		}
		var kinds []kindSet
		for _, t := range []searchindex.IndexType{searchindex.TextIndex{}, searchindex.VectorIndex{}} {
			writer := searchindex.NewMetadataWriter(db, env.Store, t, logger)
			flusher := searchindex.NewFlusher(db, env.Store, t, writer, limits, logger)
			kinds = append(kinds, kindSet{
				flusher:   searchindex.NewFlushWorker(db, flusher, cfg.MaxCheckpointAge, logger),
				compactor: searchindex.NewCompactor(db, env.Store, t, writer, policy, logger),
			})
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { indexWorker.Run(gctx); return nil })
		g.Go(func() error { schemaWorker.Run(gctx); return nil })
		for _, k := range kinds {
			g.Go(func() error { k.flusher.Run(gctx); return nil })
			g.Go(func() error { runCompactionSweep(gctx, db, k.compactor); return nil })
		}
		g.Go(func() error { runRetentionLoop(gctx, db, cfg); return nil })

		if metricsAddr != "" {
			server := &http.Server{Addr: metricsAddr, Handler: promhttp.Handler()}
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return server.Shutdown(shutdownCtx)
			})
			g.Go(func() error {
				if err := server.ListenAndServe(); err != http.ErrServerClosed {
					return err
				}
				return nil
			})
		}

		logger.Info("strata serving",
			zap.String("data_dir", cfg.DataDir),
			zap.String("metrics_addr", metricsAddr))
		return g.Wait()
	},
}

// runCompactionSweep periodically offers every index of the compactor's
// kind for compaction. Compaction is out-of-band work; the metadata
// writer reconciles it against concurrent flushes.
func runCompactionSweep(ctx context.Context, db *database.Database, compactor *searchindex.Compactor) {
	ticker := time.NewTicker(compactInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, meta := range db.Registry().AllIndexes() {
			if _, err := compactor.CompactIndex(ctx, meta.ID); err != nil {
				logger.Error("compaction failed",
					zap.String("index", string(meta.ID)), zap.Error(err))
			}
		}
	}
}

// runRetentionLoop trims the write log and advances the retention floor
// as entries age out.
func runRetentionLoop(ctx context.Context, db *database.Database, cfg config.Config) {
	ticker := time.NewTicker(cfg.WriteLogMinRetention)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			db.EnforceLogRetention(now)
			floor := value.Timestamp(now.Add(-cfg.WriteLogMaxRetention).UnixNano())
			if err := db.AdvanceRetention(ctx, floor); err != nil {
				logger.Error("advancing retention floor failed", zap.Error(err))
			}
		}
	}
}

// environment bundles the stores behind one Close.
type environment struct {
	DB      *database.Database
	Store   segments.ObjectStore
	closeFn func()
}

func (e *environment) Close() {
	if e.closeFn != nil {
		e.closeFn()
	}
}

// buildEnvironment opens persistence and the object store per config:
// SQLite and on-disk objects under DataDir, or fully in-memory when
// DataDir is empty.
func buildEnvironment(ctx context.Context, cfg config.Config) (*environment, error) {
	var p persistence.Persistence
	var raw segments.ObjectStore
	if cfg.DataDir == "" {
		p = persistence.NewMemoryPersistence()
		raw = segments.NewMemoryObjectStore()
	} else {
		sqlite, err := persistence.NewSQLitePersistence(ctx, filepath.Join(cfg.DataDir, "strata.db"))
		if err != nil {
			return nil, err
		}
		disk, err := segments.NewDiskObjectStore(filepath.Join(cfg.DataDir, "segments"))
		if err != nil {
			sqlite.Close()
			return nil, err
		}
		p = sqlite
		raw = disk
	}
	cached, err := segments.NewCachingObjectStore(raw, 1024)
	if err != nil {
		p.Close()
		return nil, err
	}
	db, err := database.New(p, registry.New(), cfg, logger)
	if err != nil {
		cached.Close()
		p.Close()
		return nil, err
	}
	return &environment{
		DB:    db,
		Store: cached,
		closeFn: func() {
			cached.Close()
			if err := p.Close(); err != nil {
				fmt.Printf("closing persistence: %v\n", err)
			}
		},
	}, nil
}

func init() {
	serveCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address for the prometheus /metrics listener (empty to disable)")
	serveCmd.Flags().DurationVar(&compactInterval, "compact-interval", 5*time.Minute, "how often to sweep indexes for compaction")
	rootCmd.AddCommand(serveCmd)
}
