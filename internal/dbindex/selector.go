// Package dbindex builds and maintains ordered database indexes: the
// snapshot backfill, the forward and backward log walks, retention
// cleanup, and the worker that orchestrates them.
package dbindex

import (
	"fmt"
	"sort"
	"strings"

	"github.com/steveyegge/strata/internal/persistence"
	"github.com/steveyegge/strata/internal/registry"
)

// IndexSelector names the subset of indexes a backfill pass writes.
type IndexSelector struct {
	// all selects every database index in the registry.
	all bool

	// tablet restricts the pass to one tablet (One and Many).
	tablet persistence.TabletID

	// ids is the selected index set; nil with all=true.
	ids map[persistence.IndexID]struct{}

	reg *registry.Registry
}

// SelectAll selects every database index.
func SelectAll(reg *registry.Registry) IndexSelector {
	return IndexSelector{all: true, reg: reg}
}

// SelectOne selects a single index.
func SelectOne(tablet persistence.TabletID, id persistence.IndexID) IndexSelector {
	return IndexSelector{
		tablet: tablet,
		ids:    map[persistence.IndexID]struct{}{id: {}},
	}
}

// SelectMany selects several indexes of one tablet, so a single table
// scan amortizes across all of them.
func SelectMany(tablet persistence.TabletID, ids []persistence.IndexID) IndexSelector {
	set := make(map[persistence.IndexID]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return IndexSelector{tablet: tablet, ids: set}
}

// Matches reports whether an index update belongs to the selection.
func (s *IndexSelector) Matches(update registry.IndexUpdate) bool {
	if s.all {
		return true
	}
	_, ok := s.ids[update.IndexID]
	return ok
}

// Tablets returns the tablets the selection covers.
func (s *IndexSelector) Tablets() []persistence.TabletID {
	if !s.all {
		return []persistence.TabletID{s.tablet}
	}
	seen := make(map[persistence.TabletID]struct{})
	var out []persistence.TabletID
	for _, meta := range s.reg.AllIndexes() {
		if meta.Config.Kind != registry.Database {
			continue
		}
		if _, ok := seen[meta.Tablet]; ok {
			continue
		}
		seen[meta.Tablet] = struct{}{}
		out = append(out, meta.Tablet)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// IndexIDs returns the selected index ids, ordered.
func (s *IndexSelector) IndexIDs() []persistence.IndexID {
	var out []persistence.IndexID
	if s.all {
		for _, meta := range s.reg.AllIndexes() {
			if meta.Config.Kind == registry.Database {
				out = append(out, meta.ID)
			}
		}
		return out
	}
	for id := range s.ids {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Tablet returns the single selected tablet, or false for SelectAll.
func (s *IndexSelector) Tablet() (persistence.TabletID, bool) {
	if s.all {
		return "", false
	}
	return s.tablet, true
}

// String identifies the selection in logs.
func (s *IndexSelector) String() string {
	if s.all {
		return "ALL"
	}
	ids := s.IndexIDs()
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, string(id))
	}
	return fmt.Sprintf("ManyIndexes(%s)", strings.Join(parts, ", "))
}
