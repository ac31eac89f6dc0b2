package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/goccy/go-json"

	// WASM-based SQLite driver; no cgo required.
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/steveyegge/strata/internal/value"
)

// SQLitePersistence implements Persistence on a local SQLite database.
type SQLitePersistence struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// NewSQLitePersistence opens (or creates) the database at dbPath.
func NewSQLitePersistence(ctx context.Context, dbPath string) (*SQLitePersistence, error) {
	fresh := false
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		fresh = true
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	connStr := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", dbPath)
	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if fresh {
		if _, err := db.ExecContext(ctx, SchemaSQL); err != nil {
			db.Close()
			return nil, fmt.Errorf("initializing schema: %w", err)
		}
		versionJSON, _ := json.Marshal(SchemaVersion)
		if _, err := db.ExecContext(ctx, setGlobalSQL, string(GlobalSchemaVersion), string(versionJSON)); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting schema version: %w", err)
		}
	}

	return &SQLitePersistence{db: db, dbPath: dbPath}, nil
}

// Path returns the database file path.
func (p *SQLitePersistence) Path() string { return p.dbPath }

// Reader returns a reader over the database.
func (p *SQLitePersistence) Reader() Reader { return &sqliteReader{p: p} }

// Write atomically writes documents and index entries.
func (p *SQLitePersistence) Write(ctx context.Context, documents []DocumentRevision, indexes []IndexEntry, strategy ConflictStrategy) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	docSQL := insertDocumentSQL
	idxSQL := insertIndexSQL
	if strategy == ConflictOverwrite {
		docSQL = insertDocumentOverwriteSQL
		idxSQL = insertIndexOverwriteSQL
	}

	if len(documents) > 0 {
		stmt, err := tx.PrepareContext(ctx, docSQL)
		if err != nil {
			return fmt.Errorf("preparing document insert: %w", err)
		}
		defer stmt.Close()
		for _, doc := range documents {
			var jsonValue any
			if !doc.Deleted {
				data, err := doc.Value.ToJSON()
				if err != nil {
					return fmt.Errorf("serializing document %s: %w", doc.ID, err)
				}
				jsonValue = string(data)
			}
			var prevTS any
			if doc.PrevTS != nil {
				prevTS = int64(*doc.PrevTS)
			}
			if _, err := stmt.ExecContext(ctx, doc.ID.ID, int64(doc.TS), string(doc.ID.Tablet), jsonValue, boolToInt(doc.Deleted), prevTS); err != nil {
				return fmt.Errorf("inserting document %s: %w", doc.ID, err)
			}
		}
	}

	if len(indexes) > 0 {
		stmt, err := tx.PrepareContext(ctx, idxSQL)
		if err != nil {
			return fmt.Errorf("preparing index insert: %w", err)
		}
		defer stmt.Close()
		for _, e := range indexes {
			if _, err := stmt.ExecContext(ctx, string(e.IndexID), int64(e.TS), e.Key, boolToInt(e.Deleted), string(e.DocID.Tablet), e.DocID.ID); err != nil {
				return fmt.Errorf("inserting index entry: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// DeleteShadowedIndexEntries runs the retention cleanup for the given
// indexes.
func (p *SQLitePersistence) DeleteShadowedIndexEntries(ctx context.Context, indexIDs []IndexID, before value.Timestamp) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	deleted := 0
	for _, indexID := range indexIDs {
		// Shadowed adds first; the tombstones that shadowed them go
		// second, once nothing below them remains.
		res, err := tx.ExecContext(ctx, deleteShadowedSQL, string(indexID), int64(before), int64(before))
		if err != nil {
			return 0, fmt.Errorf("deleting shadowed entries for %s: %w", indexID, err)
		}
		n, _ := res.RowsAffected()
		deleted += int(n)

		res, err = tx.ExecContext(ctx, deleteTrailingTombstonesSQL, string(indexID), int64(before))
		if err != nil {
			return 0, fmt.Errorf("deleting tombstone entries for %s: %w", indexID, err)
		}
		n, _ = res.RowsAffected()
		deleted += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing retention cleanup: %w", err)
	}
	return deleted, nil
}

// WriteGlobal writes a persistence-wide metadata value.
func (p *SQLitePersistence) WriteGlobal(ctx context.Context, key GlobalKey, val json.RawMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.db.ExecContext(ctx, setGlobalSQL, string(key), string(val)); err != nil {
		return fmt.Errorf("writing global %s: %w", key, err)
	}
	return nil
}

// GetGlobal reads a persistence-wide metadata value.
func (p *SQLitePersistence) GetGlobal(ctx context.Context, key GlobalKey) (json.RawMessage, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var val string
	err := p.db.QueryRowContext(ctx, getGlobalSQL, string(key)).Scan(&val)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading global %s: %w", key, err)
	}
	return json.RawMessage(val), nil
}

// Close closes the database.
func (p *SQLitePersistence) Close() error { return p.db.Close() }

type sqliteReader struct {
	p *SQLitePersistence
}

func (r *sqliteReader) MaxTS(ctx context.Context) (value.Timestamp, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()
	var ts int64
	if err := r.p.db.QueryRowContext(ctx, maxTimestampSQL).Scan(&ts); err != nil {
		return 0, fmt.Errorf("querying max timestamp: %w", err)
	}
	return value.Timestamp(ts), nil
}

func (r *sqliteReader) LoadDocuments(ctx context.Context, tsRange value.TimestampRange, order value.Order) RevisionIterator {
	return r.loadRange(ctx, "", tsRange, order)
}

func (r *sqliteReader) LoadDocumentsInTable(ctx context.Context, tablet TabletID, tsRange value.TimestampRange, order value.Order) RevisionIterator {
	return r.loadRange(ctx, tablet, tsRange, order)
}

func (r *sqliteReader) loadRange(ctx context.Context, tablet TabletID, tsRange value.TimestampRange, order value.Order) RevisionIterator {
	filter := ""
	args := []any{int64(tsRange.Start), int64(tsRange.End)}
	if tablet != "" {
		filter = "AND tablet_id = ?"
		args = append(args, string(tablet))
	}
	dir := order.String()
	query := fmt.Sprintf(documentsInRangeSQL, filter, dir, dir, dir)

	r.p.mu.RLock()
	rows, err := r.p.db.QueryContext(ctx, query, args...)
	r.p.mu.RUnlock()
	if err != nil {
		return &errorIterator{err: fmt.Errorf("querying documents: %w", err)}
	}
	return &rowIterator{rows: rows}
}

func (r *sqliteReader) LoadRevisionAt(ctx context.Context, id DocumentID, ts value.Timestamp) (*DocumentRevision, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()
	row := r.p.db.QueryRowContext(ctx, revisionAtSQL, string(id.Tablet), id.ID, int64(ts))
	return scanOptionalRevision(row)
}

func (r *sqliteReader) LatestRevision(ctx context.Context, id DocumentID, ts value.Timestamp) (*DocumentRevision, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()
	row := r.p.db.QueryRowContext(ctx, latestRevisionSQL, string(id.Tablet), id.ID, int64(ts))
	return scanOptionalRevision(row)
}

func (r *sqliteReader) LoadDocumentSnapshot(ctx context.Context, tablet TabletID, ts value.Timestamp, startAfter string, limit int) ([]LatestDocument, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	if limit <= 0 {
		limit = -1
	}
	rows, err := r.p.db.QueryContext(ctx, documentSnapshotSQL, string(tablet), startAfter, int64(ts), limit)
	if err != nil {
		return nil, fmt.Errorf("querying snapshot of %s: %w", tablet, err)
	}
	defer rows.Close()

	var out []LatestDocument
	for rows.Next() {
		rev, err := scanRevision(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, LatestDocument{TS: rev.TS, ID: rev.ID, Value: rev.Value})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating snapshot: %w", err)
	}
	return out, nil
}

func (r *sqliteReader) IndexScan(ctx context.Context, indexID IndexID, iv Interval, ts value.Timestamp, order value.Order, limit int) ([]IndexResult, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	start := iv.Start
	if start == nil {
		start = []byte{}
	}
	var end any
	if iv.End != nil {
		end = iv.End
	}
	if limit <= 0 {
		limit = -1
	}
	dir := order.String()
	query := fmt.Sprintf(indexScanSQL, dir, dir)
	rows, err := r.p.db.QueryContext(ctx, query, string(indexID), int64(ts), start, end, end, limit)
	if err != nil {
		return nil, fmt.Errorf("scanning index %s: %w", indexID, err)
	}
	defer rows.Close()

	var out []IndexResult
	for rows.Next() {
		var e IndexEntry
		var indexIDStr, tabletStr string
		var ts, deletedInt int64
		if err := rows.Scan(&indexIDStr, &e.Key, &ts, &deletedInt, &tabletStr, &e.DocID.ID); err != nil {
			return nil, fmt.Errorf("scanning index row: %w", err)
		}
		e.IndexID = IndexID(indexIDStr)
		e.TS = value.Timestamp(ts)
		e.Deleted = deletedInt == 1
		e.DocID.Tablet = TabletID(tabletStr)
		out = append(out, IndexResult{Entry: e})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating index rows: %w", err)
	}
	return out, nil
}

func (r *sqliteReader) DocumentCount(ctx context.Context, tablet TabletID) (int64, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()
	var count int64
	if err := r.p.db.QueryRowContext(ctx, documentCountSQL, string(tablet)).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting documents in %s: %w", tablet, err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRevision(s rowScanner) (DocumentRevision, error) {
	var rev DocumentRevision
	var ts, deletedInt int64
	var tabletStr string
	var jsonValue sql.NullString
	var prevTS sql.NullInt64

	if err := s.Scan(&rev.ID.ID, &ts, &tabletStr, &jsonValue, &deletedInt, &prevTS); err != nil {
		return DocumentRevision{}, fmt.Errorf("scanning document: %w", err)
	}
	rev.TS = value.Timestamp(ts)
	rev.ID.Tablet = TabletID(tabletStr)
	rev.Deleted = deletedInt == 1
	if jsonValue.Valid {
		v, err := value.FromJSON([]byte(jsonValue.String))
		if err != nil {
			return DocumentRevision{}, fmt.Errorf("parsing document %s: %w", rev.ID, err)
		}
		rev.Value = v
	}
	if prevTS.Valid {
		prev := value.Timestamp(prevTS.Int64)
		rev.PrevTS = &prev
	}
	return rev, nil
}

func scanOptionalRevision(row *sql.Row) (*DocumentRevision, error) {
	rev, err := scanRevision(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rev, nil
}

type rowIterator struct {
	rows *sql.Rows
	done bool
}

func (it *rowIterator) Next(ctx context.Context) (*DocumentRevision, error) {
	if it.done {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		it.Close()
		return nil, err
	}
	if !it.rows.Next() {
		it.done = true
		if err := it.rows.Err(); err != nil {
			return nil, fmt.Errorf("iterating documents: %w", err)
		}
		return nil, nil
	}
	rev, err := scanRevision(it.rows)
	if err != nil {
		return nil, err
	}
	return &rev, nil
}

func (it *rowIterator) Close() {
	if !it.done {
		it.rows.Close()
		it.done = true
	}
}

type errorIterator struct {
	err error
}

func (it *errorIterator) Next(ctx context.Context) (*DocumentRevision, error) { return nil, it.err }

func (it *errorIterator) Close() {}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Compile-time checks.
var (
	_ Persistence = (*SQLitePersistence)(nil)
	_ Reader      = (*sqliteReader)(nil)
)
