package database

import (
	"context"
	"fmt"

	"github.com/steveyegge/strata/internal/persistence"
	"github.com/steveyegge/strata/internal/value"
	"github.com/steveyegge/strata/internal/writelog"
)

// Transaction buffers reads and writes against a snapshot. Reads record
// into a read set that the commit path validates against the write log;
// writes stay local until Commit.
type Transaction struct {
	db       *Database
	identity Identity
	beginTS  value.RepeatableTimestamp
	reads    *writelog.ReadSet
	writes   []pendingWrite
}

type pendingWrite struct {
	id      persistence.DocumentID
	prevDoc *value.Value
	newDoc  *value.Value
	prevTS  *value.Timestamp
}

// BeginTimestamp returns the transaction's snapshot timestamp.
func (tx *Transaction) BeginTimestamp() value.RepeatableTimestamp { return tx.beginTS }

// Identity returns who the transaction runs as.
func (tx *Transaction) Identity() Identity { return tx.identity }

// Get reads the latest version of a document at the snapshot. Pending
// writes in this transaction shadow persisted state.
func (tx *Transaction) Get(ctx context.Context, id persistence.DocumentID) (*value.Value, error) {
	for i := len(tx.writes) - 1; i >= 0; i-- {
		if tx.writes[i].id == id {
			return tx.writes[i].newDoc, nil
		}
	}
	tx.reads.RecordDocument(id)
	rev, err := tx.db.reader.LatestRevision(ctx, id, tx.beginTS.TS())
	if err != nil {
		return nil, err
	}
	if rev == nil || rev.Deleted {
		return nil, nil
	}
	v := rev.Value
	return &v, nil
}

// Scan reads the live documents of a tablet at the snapshot and records
// a whole-tablet read.
func (tx *Transaction) Scan(ctx context.Context, tablet persistence.TabletID) ([]persistence.LatestDocument, error) {
	tx.reads.RecordTablet(tablet)
	return tx.db.reader.LoadDocumentSnapshot(ctx, tablet, tx.beginTS.TS(), "", 0)
}

// Insert stages a new document. It fails if the document already exists
// at the snapshot.
func (tx *Transaction) Insert(ctx context.Context, id persistence.DocumentID, doc value.Value) error {
	existing, err := tx.Get(ctx, id)
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("document %s already exists", id)
	}
	return tx.stage(ctx, id, &doc)
}

// Replace stages an update or insert of a document.
func (tx *Transaction) Replace(ctx context.Context, id persistence.DocumentID, doc value.Value) error {
	return tx.stage(ctx, id, &doc)
}

// Delete stages a tombstone for a document.
func (tx *Transaction) Delete(ctx context.Context, id persistence.DocumentID) error {
	return tx.stage(ctx, id, nil)
}

func (tx *Transaction) stage(ctx context.Context, id persistence.DocumentID, doc *value.Value) error {
	// Resolve the prior revision for the log entry's PrevTS link and
	// for index update derivation at commit.
	var prevDoc *value.Value
	var prevTS *value.Timestamp
	for i := len(tx.writes) - 1; i >= 0; i-- {
		if tx.writes[i].id == id {
			// Collapse repeated writes to the same document.
			tx.writes[i].newDoc = doc
			return nil
		}
	}
	rev, err := tx.db.reader.LatestRevision(ctx, id, tx.beginTS.TS())
	if err != nil {
		return err
	}
	if rev != nil {
		ts := rev.TS
		prevTS = &ts
		if !rev.Deleted {
			v := rev.Value
			prevDoc = &v
		}
	}
	tx.reads.RecordDocument(id)
	tx.writes = append(tx.writes, pendingWrite{id: id, prevDoc: prevDoc, newDoc: doc, prevTS: prevTS})
	return nil
}

// IntoToken freezes the transaction's read set for a subscription.
func (tx *Transaction) IntoToken() *writelog.Token {
	return writelog.NewToken(tx.reads, tx.beginTS.TS())
}
