package database

import (
	"context"
	"sync"

	"github.com/goccy/go-json"

	"github.com/steveyegge/strata/internal/persistence"
	"github.com/steveyegge/strata/internal/sterrors"
	"github.com/steveyegge/strata/internal/value"
)

// retentionManager owns the retention floor: the minimum snapshot
// timestamp promised to remain readable. The floor is persisted as a
// global so restarts keep their promises.
type retentionManager struct {
	p  persistence.Persistence
	mu sync.RWMutex
	ts value.Timestamp
}

func newRetentionManager(p persistence.Persistence) *retentionManager {
	return &retentionManager{p: p}
}

func (r *retentionManager) load(ctx context.Context) error {
	raw, err := r.p.GetGlobal(ctx, persistence.GlobalMinSnapshotTS)
	if err != nil {
		return err
	}
	if raw == nil {
		return nil
	}
	var ts int64
	if err := json.Unmarshal(raw, &ts); err != nil {
		return sterrors.Wrap(sterrors.KindFatal, err)
	}
	r.mu.Lock()
	r.ts = value.Timestamp(ts)
	r.mu.Unlock()
	return nil
}

// MinSnapshotTS implements persistence.RetentionValidator.
func (r *retentionManager) MinSnapshotTS(ctx context.Context) (value.Timestamp, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ts, nil
}

// advance raises the floor. The floor never moves backwards.
func (r *retentionManager) advance(ctx context.Context, ts value.Timestamp) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ts <= r.ts {
		return nil
	}
	raw, err := json.Marshal(int64(ts))
	if err != nil {
		return err
	}
	if err := r.p.WriteGlobal(ctx, persistence.GlobalMinSnapshotTS, raw); err != nil {
		return err
	}
	r.ts = ts
	return nil
}

var _ persistence.RetentionValidator = (*retentionManager)(nil)
