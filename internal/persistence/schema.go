package persistence

// SchemaSQL defines the SQLite schema for the document log and its
// database index entries.
const SchemaSQL = `
-- Document log: every write creates a new row, previous versions are
-- linked via prev_ts, deletions are tombstone rows.
CREATE TABLE IF NOT EXISTS documents (
    id TEXT NOT NULL,
    ts INTEGER NOT NULL,
    tablet_id TEXT NOT NULL,
    json_value TEXT,
    deleted INTEGER NOT NULL DEFAULT 0,
    prev_ts INTEGER,
    PRIMARY KEY (ts, tablet_id, id)
);

-- Latest-version lookups per document.
CREATE INDEX IF NOT EXISTS idx_documents_by_id ON documents(tablet_id, id, ts DESC);

-- Time-range scans of the log.
CREATE INDEX IF NOT EXISTS idx_documents_by_ts ON documents(ts);

-- Database index entries. The sort key excludes the document id; the
-- (key, document_id) pair identifies one logical index row over time.
CREATE TABLE IF NOT EXISTS index_entries (
    index_id TEXT NOT NULL,
    ts INTEGER NOT NULL,
    key BLOB NOT NULL,
    deleted INTEGER NOT NULL DEFAULT 0,
    tablet_id TEXT NOT NULL,
    document_id TEXT NOT NULL,
    PRIMARY KEY (index_id, key, document_id, ts)
);

CREATE INDEX IF NOT EXISTS idx_entries_by_key ON index_entries(index_id, key, ts DESC);

-- Persistence globals: key-value store for metadata.
CREATE TABLE IF NOT EXISTS persistence_globals (
    key TEXT PRIMARY KEY,
    json_value TEXT NOT NULL
);
`

// SchemaVersion is the current storage schema version.
const SchemaVersion = 1

const insertDocumentSQL = `
INSERT INTO documents (id, ts, tablet_id, json_value, deleted, prev_ts)
VALUES (?, ?, ?, ?, ?, ?)
`

const insertDocumentOverwriteSQL = `
INSERT OR REPLACE INTO documents (id, ts, tablet_id, json_value, deleted, prev_ts)
VALUES (?, ?, ?, ?, ?, ?)
`

const insertIndexSQL = `
INSERT INTO index_entries (index_id, ts, key, deleted, tablet_id, document_id)
VALUES (?, ?, ?, ?, ?, ?)
`

const insertIndexOverwriteSQL = `
INSERT OR REPLACE INTO index_entries (index_id, ts, key, deleted, tablet_id, document_id)
VALUES (?, ?, ?, ?, ?, ?)
`

const maxTimestampSQL = `
SELECT COALESCE(MAX(ts), 0) FROM documents
`

// documentsInRangeSQL streams the log; the tablet filter and ORDER BY
// direction are substituted at query-build time.
const documentsInRangeSQL = `
SELECT id, ts, tablet_id, json_value, deleted, prev_ts
FROM documents
WHERE ts >= ? AND ts <= ? %s
ORDER BY ts %s, tablet_id %s, id %s
`

const revisionAtSQL = `
SELECT id, ts, tablet_id, json_value, deleted, prev_ts
FROM documents
WHERE tablet_id = ? AND id = ? AND ts = ?
`

const latestRevisionSQL = `
SELECT id, ts, tablet_id, json_value, deleted, prev_ts
FROM documents
WHERE tablet_id = ? AND id = ? AND ts <= ?
ORDER BY ts DESC
LIMIT 1
`

const documentSnapshotSQL = `
SELECT d.id, d.ts, d.tablet_id, d.json_value, d.deleted, d.prev_ts
FROM documents d
WHERE d.tablet_id = ? AND d.id > ?
  AND d.ts = (
    SELECT MAX(ts) FROM documents
    WHERE tablet_id = d.tablet_id AND id = d.id AND ts <= ?
  )
  AND d.deleted = 0
ORDER BY d.id ASC
LIMIT ?
`

// indexScanSQL returns the newest visible entry per (key, document) in
// the interval. ORDER BY direction is substituted at query-build time.
const indexScanSQL = `
WITH visible AS (
    SELECT index_id, key, ts, deleted, tablet_id, document_id,
           ROW_NUMBER() OVER (
               PARTITION BY key, tablet_id, document_id ORDER BY ts DESC
           ) AS rn
    FROM index_entries
    WHERE index_id = ? AND ts <= ?
      AND key >= ? AND (? IS NULL OR key < ?)
)
SELECT index_id, key, ts, deleted, tablet_id, document_id
FROM visible
WHERE rn = 1 AND deleted = 0
ORDER BY key %s, document_id %s
LIMIT ?
`

const documentCountSQL = `
SELECT COUNT(*)
FROM documents d
WHERE d.tablet_id = ?
  AND d.ts = (
    SELECT MAX(ts) FROM documents
    WHERE tablet_id = d.tablet_id AND id = d.id
  )
  AND d.deleted = 0
`

// deleteShadowedSQL removes entries invisible to reads at or above the
// cutoff: a newer entry for the same (key, document) exists below the
// cutoff.
const deleteShadowedSQL = `
DELETE FROM index_entries
WHERE index_id = ? AND ts < ?
  AND EXISTS (
    SELECT 1 FROM index_entries n
    WHERE n.index_id = index_entries.index_id
      AND n.key = index_entries.key
      AND n.tablet_id = index_entries.tablet_id
      AND n.document_id = index_entries.document_id
      AND n.ts > index_entries.ts AND n.ts < ?
  )
`

// deleteTrailingTombstonesSQL removes tombstone entries below the cutoff
// once the adds they shadowed are gone; absence and a tombstone read the
// same.
const deleteTrailingTombstonesSQL = `
DELETE FROM index_entries
WHERE index_id = ? AND ts < ? AND deleted = 1
`

const getGlobalSQL = `
SELECT json_value FROM persistence_globals WHERE key = ?
`

const setGlobalSQL = `
INSERT OR REPLACE INTO persistence_globals (key, json_value) VALUES (?, ?)
`
