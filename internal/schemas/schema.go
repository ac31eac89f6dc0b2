// Package schemas validates pending schemas against the documents that
// already exist. A pending schema streams every affected table at a
// snapshot; the first non-conforming document fails the schema with a
// developer-visible error, and a clean pass marks it validated.
package schemas

import (
	"fmt"
	"sort"

	"github.com/goccy/go-json"

	"github.com/steveyegge/strata/internal/persistence"
	"github.com/steveyegge/strata/internal/sterrors"
	"github.com/steveyegge/strata/internal/value"
)

// State is a schema row's lifecycle state.
type State string

const (
	// StatePending awaits validation.
	StatePending State = "pending"
	// StateValidated passed validation and may be activated.
	StateValidated State = "validated"
	// StateActive is the schema writes are checked against.
	StateActive State = "active"
	// StateFailed did not validate; Error carries the reason.
	StateFailed State = "failed"
	// StateOverwritten was superseded by a newer submission.
	StateOverwritten State = "overwritten"
)

// fieldKinds maps the wire spelling of a field kind.
var fieldKinds = map[string]value.Kind{
	"null":    value.KindNull,
	"int64":   value.KindInt64,
	"float64": value.KindFloat64,
	"bool":    value.KindBool,
	"string":  value.KindString,
	"bytes":   value.KindBytes,
	"array":   value.KindArray,
	"object":  value.KindObject,
}

// TableValidator constrains one table's documents.
type TableValidator struct {
	// AnyObject admits every document (the "t: object" validator).
	AnyObject bool `json:"any_object,omitempty"`

	// FieldKinds requires each named field to exist with the given
	// kind. Fields not listed are unconstrained.
	FieldKinds map[string]string `json:"field_kinds,omitempty"`
}

// Check validates one document.
func (v *TableValidator) Check(table persistence.TabletID, docID string, doc value.Value) error {
	if v.AnyObject {
		return nil
	}
	for field, kindName := range v.FieldKinds {
		want, ok := fieldKinds[kindName]
		if !ok {
			return sterrors.New(sterrors.KindInvalidSchema, "table %s: unknown field kind %q", table, kindName)
		}
		got := doc.GetPath(field)
		if got.IsUndefined() {
			return sterrors.New(sterrors.KindInvalidSchema,
				"document %s in table %s is missing required field %q", docID, table, field)
		}
		if got.Kind() != want {
			return sterrors.New(sterrors.KindInvalidSchema,
				"document %s in table %s has field %q of type %s, expected %s", docID, table, field, got.Kind(), want)
		}
	}
	return nil
}

// Equal reports whether two validators constrain identically.
func (v *TableValidator) Equal(o *TableValidator) bool {
	if v.AnyObject != o.AnyObject || len(v.FieldKinds) != len(o.FieldKinds) {
		return false
	}
	for k, kind := range v.FieldKinds {
		if o.FieldKinds[k] != kind {
			return false
		}
	}
	return true
}

// Schema is one schema row.
type Schema struct {
	ID     string                                  `json:"id"`
	State  State                                   `json:"state"`
	Tables map[persistence.TabletID]TableValidator `json:"tables"`
	Error  string                                  `json:"error,omitempty"`
}

// TablesToValidate returns the tables whose validator differs from the
// active schema (or which the active schema did not cover), sorted for
// deterministic iteration. A validator that admits every document never
// needs a scan.
func (s *Schema) TablesToValidate(active *Schema) []persistence.TabletID {
	var out []persistence.TabletID
	for tablet, validator := range s.Tables {
		if validator.AnyObject {
			continue
		}
		if active != nil {
			if prev, ok := active.Tables[tablet]; ok && validator.Equal(&prev) {
				continue
			}
		}
		out = append(out, tablet)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Encode serializes the schema row to a document value.
func (s *Schema) Encode() (value.Value, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return value.Value{}, fmt.Errorf("serializing schema %s: %w", s.ID, err)
	}
	return value.FromJSON(raw)
}

// DecodeSchema parses a schema row.
func DecodeSchema(doc value.Value) (*Schema, error) {
	raw, err := doc.ToJSON()
	if err != nil {
		return nil, err
	}
	var s Schema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("parsing schema row: %w", err)
	}
	return &s, nil
}
