package schemas

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/steveyegge/strata/internal/database"
	"github.com/steveyegge/strata/internal/persistence"
	"github.com/steveyegge/strata/internal/value"
)

// Model reads and writes schema rows and their progress rows.
type Model struct {
	db *database.Database
}

// NewModel returns a model over db.
func NewModel(db *database.Database) *Model {
	return &Model{db: db}
}

func schemaDocID(id string) persistence.DocumentID {
	return persistence.DocumentID{Tablet: database.TabletSchemas, ID: id}
}

func progressDocID(schemaID string) persistence.DocumentID {
	return persistence.DocumentID{Tablet: database.TabletSchemaProgress, ID: schemaID}
}

// Submit stores a new pending schema, marking any existing pending
// schema overwritten and deleting its progress.
func (m *Model) Submit(ctx context.Context, schema *Schema) error {
	tx, err := m.db.BeginSystem(ctx)
	if err != nil {
		return err
	}
	docs, err := tx.Scan(ctx, database.TabletSchemas)
	if err != nil {
		return err
	}
	for _, doc := range docs {
		existing, err := DecodeSchema(doc.Value)
		if err != nil {
			return err
		}
		if existing.State != StatePending {
			continue
		}
		existing.State = StateOverwritten
		encoded, err := existing.Encode()
		if err != nil {
			return err
		}
		if err := tx.Replace(ctx, doc.ID, encoded); err != nil {
			return err
		}
		if err := tx.Delete(ctx, progressDocID(existing.ID)); err != nil {
			return err
		}
	}
	schema.State = StatePending
	encoded, err := schema.Encode()
	if err != nil {
		return err
	}
	if err := tx.Replace(ctx, schemaDocID(schema.ID), encoded); err != nil {
		return err
	}
	_, err = m.db.Commit(ctx, tx, "schema_submit")
	return err
}

// Get loads one schema row, or nil.
func (m *Model) Get(ctx context.Context, id string) (*Schema, error) {
	rev, err := m.db.Reader().LatestRevision(ctx, schemaDocID(id), value.MaxTimestamp)
	if err != nil {
		return nil, err
	}
	if rev == nil || rev.Deleted {
		return nil, nil
	}
	return DecodeSchema(rev.Value)
}

// byState returns schema rows in the given state.
func (m *Model) byState(ctx context.Context, tx *database.Transaction, state State) ([]*Schema, error) {
	docs, err := tx.Scan(ctx, database.TabletSchemas)
	if err != nil {
		return nil, err
	}
	var out []*Schema
	for _, doc := range docs {
		s, err := DecodeSchema(doc.Value)
		if err != nil {
			return nil, err
		}
		if s.State == state {
			out = append(out, s)
		}
	}
	return out, nil
}

// markState transitions a schema from fromState, writing error and
// deleting or keeping the progress row. It is a single transaction; the
// caller handles OCC retries.
func (m *Model) markState(ctx context.Context, id string, fromState, toState State, errMsg string, deleteProgress bool) error {
	tx, err := m.db.BeginSystem(ctx)
	if err != nil {
		return err
	}
	doc, err := tx.Get(ctx, schemaDocID(id))
	if err != nil {
		return err
	}
	if doc == nil {
		return fmt.Errorf("schema %s does not exist", id)
	}
	schema, err := DecodeSchema(*doc)
	if err != nil {
		return err
	}
	if schema.State != fromState {
		// Superseded while we worked; nothing to write.
		return nil
	}
	schema.State = toState
	schema.Error = errMsg
	encoded, err := schema.Encode()
	if err != nil {
		return err
	}
	if err := tx.Replace(ctx, schemaDocID(id), encoded); err != nil {
		return err
	}
	if deleteProgress {
		if err := tx.Delete(ctx, progressDocID(id)); err != nil {
			return err
		}
	}
	_, err = m.db.Commit(ctx, tx, "schema_worker_mark_"+string(toState))
	return err
}

// Progress is a schema validation progress row.
type Progress struct {
	SchemaID         string  `json:"schema_id"`
	NumDocsValidated uint64  `json:"num_docs_validated"`
	TotalDocs        *uint64 `json:"total_docs,omitempty"`
}

// GetProgress loads a schema's progress row, or nil.
func (m *Model) GetProgress(ctx context.Context, schemaID string) (*Progress, error) {
	rev, err := m.db.Reader().LatestRevision(ctx, progressDocID(schemaID), value.MaxTimestamp)
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
	var p Progress
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("parsing schema progress: %w", err)
	}
	return &p, nil
}

// writeProgress upserts a progress row, but only while the schema is
// still pending: progress of a superseded or finished validation is
// deleted, not refreshed. It reports whether the row was written.
func (m *Model) writeProgress(ctx context.Context, p Progress) (bool, error) {
	tx, err := m.db.BeginSystem(ctx)
	if err != nil {
		return false, err
	}
	schemaDoc, err := tx.Get(ctx, schemaDocID(p.SchemaID))
	if err != nil {
		return false, err
	}
	if schemaDoc == nil {
		return false, nil
	}
	schema, err := DecodeSchema(*schemaDoc)
	if err != nil {
		return false, err
	}
	if schema.State != StatePending {
		return false, nil
	}
	raw, err := json.Marshal(&p)
	if err != nil {
		return false, err
	}
	doc, err := value.FromJSON(raw)
	if err != nil {
		return false, err
	}
	if err := tx.Replace(ctx, progressDocID(p.SchemaID), doc); err != nil {
		return false, err
	}
	if _, err := m.db.Commit(ctx, tx, "schema_validation_progress"); err != nil {
		return false, err
	}
	return true, nil
}
