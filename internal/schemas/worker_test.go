package schemas

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/steveyegge/strata/internal/config"
	"github.com/steveyegge/strata/internal/database"
	"github.com/steveyegge/strata/internal/persistence"
	"github.com/steveyegge/strata/internal/registry"
	"github.com/steveyegge/strata/internal/value"
)

func newTestDB(t *testing.T) *database.Database {
	t.Helper()
	db, err := database.New(persistence.NewMemoryPersistence(), registry.New(), config.Default(), zap.NewNop())
	require.NoError(t, err)
	return db
}

func commit(t *testing.T, db *database.Database, tablet, id string, doc value.Value) {
	t.Helper()
	ctx := context.Background()
	tx, err := db.Begin(ctx, database.User("test"))
	require.NoError(t, err)
	require.NoError(t, tx.Replace(ctx, persistence.DocumentID{Tablet: persistence.TabletID(tablet), ID: id}, doc))
	_, err = db.Commit(ctx, tx, "test")
	require.NoError(t, err)
}

// validateOnce runs the worker's validation pass without the trailing
// subscription wait.
func validateOnce(t *testing.T, db *database.Database) {
	t.Helper()
	ctx := context.Background()
	w := NewWorker(db, zap.NewNop())
	model := NewModel(db)
	tx, err := db.BeginSystem(ctx)
	require.NoError(t, err)
	pending, err := model.byState(ctx, tx, StatePending)
	require.NoError(t, err)
	active, err := w.activeSchema(ctx, tx)
	require.NoError(t, err)
	for _, s := range pending {
		require.NoError(t, w.validate(ctx, s, active, tx.BeginTimestamp()))
	}
}

func TestSimpleValidation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB(t)
	model := NewModel(db)

	commit(t, db, "t", "doc1", value.Object(value.Field{Name: "x", Value: value.Int64(1)}))

	// "t: object" admits everything without a scan.
	require.NoError(t, model.Submit(ctx, &Schema{
		ID:     "schema1",
		Tables: map[persistence.TabletID]TableValidator{"t": {AnyObject: true}},
	}))
	validateOnce(t, db)

	schema, err := model.Get(ctx, "schema1")
	require.NoError(t, err)
	require.Equal(t, StateValidated, schema.State)

	progress, err := model.GetProgress(ctx, "schema1")
	require.NoError(t, err)
	require.NotNil(t, progress)
	require.Zero(t, progress.NumDocsValidated)
	require.NotNil(t, progress.TotalDocs)
	require.Zero(t, *progress.TotalDocs)

	// A second doc and a typed schema that the first doc violates.
	commit(t, db, "t", "doc2", value.Object(value.Field{Name: "x", Value: value.Int64(2)}))
	require.NoError(t, model.Submit(ctx, &Schema{
		ID:     "schema2",
		Tables: map[persistence.TabletID]TableValidator{"t": {FieldKinds: map[string]string{"field": "int64"}}},
	}))
	validateOnce(t, db)

	schema, err = model.Get(ctx, "schema2")
	require.NoError(t, err)
	require.Equal(t, StateFailed, schema.State)
	require.Contains(t, schema.Error, "missing required field")

	// Failure deletes the progress row.
	progress, err = model.GetProgress(ctx, "schema2")
	require.NoError(t, err)
	require.Nil(t, progress)
}

func TestValidationPasses(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB(t)
	model := NewModel(db)

	for i := 0; i < 50; i++ {
		commit(t, db, "t", fmt.Sprintf("doc-%02d", i),
			value.Object(value.Field{Name: "n", Value: value.Int64(int64(i))}))
	}
	require.NoError(t, model.Submit(ctx, &Schema{
		ID:     "schema1",
		Tables: map[persistence.TabletID]TableValidator{"t": {FieldKinds: map[string]string{"n": "int64"}}},
	}))
	validateOnce(t, db)

	schema, err := model.Get(ctx, "schema1")
	require.NoError(t, err)
	require.Equal(t, StateValidated, schema.State)

	progress, err := model.GetProgress(ctx, "schema1")
	require.NoError(t, err)
	require.NotNil(t, progress)
	require.Equal(t, uint64(50), progress.NumDocsValidated)
	require.Equal(t, uint64(50), *progress.TotalDocs)
}

func TestValidatorIdempotence(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB(t)
	model := NewModel(db)

	commit(t, db, "t", "doc1", value.Object(value.Field{Name: "n", Value: value.Int64(1)}))
	require.NoError(t, model.Submit(ctx, &Schema{
		ID:     "schema1",
		Tables: map[persistence.TabletID]TableValidator{"t": {FieldKinds: map[string]string{"n": "int64"}}},
	}))
	validateOnce(t, db)
	first, err := model.Get(ctx, "schema1")
	require.NoError(t, err)
	require.Equal(t, StateValidated, first.State)

	// Re-running finds no pending schema and writes nothing.
	before, err := db.Reader().MaxTS(ctx)
	require.NoError(t, err)
	validateOnce(t, db)
	after, err := db.Reader().MaxTS(ctx)
	require.NoError(t, err)
	require.Equal(t, before, after)

	// A failed schema re-settles to the same error.
	commit(t, db, "u", "bad", value.Object(value.Field{Name: "n", Value: value.String("oops")}))
	require.NoError(t, model.Submit(ctx, &Schema{
		ID:     "schema2",
		Tables: map[persistence.TabletID]TableValidator{"u": {FieldKinds: map[string]string{"n": "int64"}}},
	}))
	validateOnce(t, db)
	failed1, err := model.Get(ctx, "schema2")
	require.NoError(t, err)
	require.Equal(t, StateFailed, failed1.State)

	validateOnce(t, db)
	failed2, err := model.Get(ctx, "schema2")
	require.NoError(t, err)
	require.Equal(t, failed1.Error, failed2.Error)
	require.Equal(t, StateFailed, failed2.State)
}

func TestSubmitOverwritesPending(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB(t)
	model := NewModel(db)

	require.NoError(t, model.Submit(ctx, &Schema{
		ID:     "old",
		Tables: map[persistence.TabletID]TableValidator{"t": {FieldKinds: map[string]string{"n": "int64"}}},
	}))
	require.NoError(t, model.Submit(ctx, &Schema{
		ID:     "new",
		Tables: map[persistence.TabletID]TableValidator{"t": {FieldKinds: map[string]string{"n": "string"}}},
	}))

	old, err := model.Get(ctx, "old")
	require.NoError(t, err)
	require.Equal(t, StateOverwritten, old.State)
	newer, err := model.Get(ctx, "new")
	require.NoError(t, err)
	require.Equal(t, StatePending, newer.State)
}

func TestTablesToValidateDiff(t *testing.T) {
	t.Parallel()

	active := &Schema{
		State: StateActive,
		Tables: map[persistence.TabletID]TableValidator{
			"same":    {FieldKinds: map[string]string{"a": "int64"}},
			"changed": {FieldKinds: map[string]string{"b": "int64"}},
		},
	}
	pending := &Schema{
		State: StatePending,
		Tables: map[persistence.TabletID]TableValidator{
			"same":    {FieldKinds: map[string]string{"a": "int64"}},
			"changed": {FieldKinds: map[string]string{"b": "string"}},
			"added":   {FieldKinds: map[string]string{"c": "bool"}},
			"trivial": {AnyObject: true},
		},
	}
	tables := pending.TablesToValidate(active)
	require.Equal(t, []persistence.TabletID{"added", "changed"}, tables)
}
