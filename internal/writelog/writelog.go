// Package writelog holds recent commits that have been written to
// persistence. These commits may cause OCC aborts for new commits and
// they may trigger subscriptions. The log is bounded: a retention policy
// trims the prefix by age and size, and reads below the purged point fail
// with an out-of-retention error.
package writelog

import (
	"context"
	"sync"
	"time"

	"github.com/steveyegge/strata/internal/persistence"
	"github.com/steveyegge/strata/internal/sterrors"
	"github.com/steveyegge/strata/internal/value"
)

// DocumentUpdate is one document's change within a commit.
type DocumentUpdate struct {
	ID          persistence.DocumentID
	OldDocument *value.Value
	NewDocument *value.Value
}

// size estimates the update's heap footprint for the size ceiling.
func (u *DocumentUpdate) size() int {
	s := len(u.ID.ID) + len(u.ID.Tablet)
	if u.OldDocument != nil {
		s += u.OldDocument.Size()
	}
	if u.NewDocument != nil {
		s += u.NewDocument.Size()
	}
	return s
}

// WriteSource labels who performed a commit, for conflict diagnostics.
type WriteSource string

// SourceUnknown is the zero write source.
const SourceUnknown WriteSource = ""

// Entry is one committed transaction in the log.
type Entry struct {
	TS     value.Timestamp
	Writes []DocumentUpdate
	Source WriteSource
}

func (e *Entry) size() int {
	s := len(e.Source)
	for i := range e.Writes {
		s += e.Writes[i].size()
	}
	return s
}

// Config bounds the log.
type Config struct {
	// MinRetention is the age below which entries are never trimmed,
	// even above the size ceiling.
	MinRetention time.Duration

	// MaxRetention is the age beyond which entries are always trimmed.
	MaxRetention time.Duration

	// MaxSizeBytes is a soft ceiling: between the two ages, the prefix
	// is trimmed while the log exceeds it.
	MaxSizeBytes int
}

type waiter struct {
	target value.Timestamp
	ch     chan struct{}
}

// manager is the shared state behind the owner/reader/writer handles.
type manager struct {
	mu        sync.Mutex
	entries   []Entry
	sizeBytes int
	purgedTS  value.Timestamp
	waiters   []*waiter
	config    Config
}

// New creates a write log starting at initialTS (the last timestamp
// already purged) and returns its three handles. The owner trims, the
// writer appends, readers check staleness; they share the same log.
func New(initialTS value.Timestamp, config Config) (*LogOwner, *LogReader, *LogWriter) {
	m := &manager{purgedTS: initialTS, config: config}
	return &LogOwner{m: m}, &LogReader{m: m}, &LogWriter{m: m}
}

func (m *manager) maxTS() value.Timestamp {
	if len(m.entries) == 0 {
		return m.purgedTS
	}
	return m.entries[len(m.entries)-1].TS
}

func (m *manager) notifyWaiters() {
	ts := m.maxTS()
	kept := m.waiters[:0]
	for _, w := range m.waiters {
		if ts > w.target {
			close(w.ch)
			continue
		}
		kept = append(kept, w)
	}
	m.waiters = kept
}

func (m *manager) append(ts value.Timestamp, writes []DocumentUpdate, source WriteSource) error {
	if ts <= m.maxTS() {
		return sterrors.New(sterrors.KindFatal, "out-of-order write log append: %d <= %d", ts, m.maxTS())
	}
	e := Entry{TS: ts, Writes: writes, Source: source}
	m.entries = append(m.entries, e)
	m.sizeBytes += e.size()
	m.notifyWaiters()
	return nil
}

// iter returns the entries in [from, to]. It errors if from is at or
// below the purged point: the log no longer covers that range.
func (m *manager) iter(from, to value.Timestamp) ([]Entry, error) {
	if from <= m.purgedTS {
		return nil, sterrors.OutOfRetention(int64(from), int64(m.purgedTS)+1)
	}
	var out []Entry
	for i := range m.entries {
		if m.entries[i].TS < from {
			continue
		}
		if m.entries[i].TS > to {
			break
		}
		out = append(out, m.entries[i])
	}
	return out, nil
}

func (m *manager) enforceRetentionPolicy(now time.Time) {
	trimmed := 0
	for _, e := range m.entries {
		age := now.Sub(time.Unix(0, int64(e.TS)))
		if age < m.config.MinRetention {
			break
		}
		if age < m.config.MaxRetention && m.sizeBytes <= m.config.MaxSizeBytes {
			break
		}
		m.purgedTS = e.TS
		m.sizeBytes -= e.size()
		trimmed++
	}
	if trimmed > 0 {
		m.entries = append([]Entry(nil), m.entries[trimmed:]...)
	}
}

// LogOwner consumes the log and is responsible for trimming it.
type LogOwner struct {
	m *manager
}

// EnforceRetentionPolicy trims the log prefix by age and size. Entries
// younger than MinRetention never go; entries older than MaxRetention
// always go; in between, the prefix is trimmed while the log exceeds its
// size ceiling.
func (o *LogOwner) EnforceRetentionPolicy(now time.Time) {
	o.m.mu.Lock()
	defer o.m.mu.Unlock()
	o.m.enforceRetentionPolicy(now)
}

// Reader returns another reader over the same log.
func (o *LogOwner) Reader() *LogReader { return &LogReader{m: o.m} }

// MaxTS returns the newest appended timestamp, or the purged point if
// the log is empty.
func (o *LogOwner) MaxTS() value.Timestamp {
	o.m.mu.Lock()
	defer o.m.mu.Unlock()
	return o.m.maxTS()
}

// PurgedTS returns the newest trimmed timestamp.
func (o *LogOwner) PurgedTS() value.Timestamp {
	o.m.mu.Lock()
	defer o.m.mu.Unlock()
	return o.m.purgedTS
}

// SizeBytes returns the current size estimate of the log.
func (o *LogOwner) SizeBytes() int {
	o.m.mu.Lock()
	defer o.m.mu.Unlock()
	return o.m.sizeBytes
}

// WaitForHigherTS blocks until the log has advanced past target, then
// returns the new maximum. Registration is cancellation safe: dropping
// the context abandons the wait without disturbing other waiters.
func (o *LogOwner) WaitForHigherTS(ctx context.Context, target value.Timestamp) (value.Timestamp, error) {
	o.m.mu.Lock()
	if o.m.maxTS() > target {
		ts := o.m.maxTS()
		o.m.mu.Unlock()
		return ts, nil
	}
	w := &waiter{target: target, ch: make(chan struct{})}
	o.m.waiters = append(o.m.waiters, w)
	o.m.mu.Unlock()

	select {
	case <-ctx.Done():
		o.m.mu.Lock()
		for i, reg := range o.m.waiters {
			if reg == w {
				o.m.waiters = append(o.m.waiters[:i], o.m.waiters[i+1:]...)
				break
			}
		}
		o.m.mu.Unlock()
		return 0, ctx.Err()
	case <-w.ch:
		o.m.mu.Lock()
		ts := o.m.maxTS()
		o.m.mu.Unlock()
		return ts, nil
	}
}

// ForEach calls f for every entry in [from, to].
func (o *LogOwner) ForEach(from, to value.Timestamp, f func(Entry)) error {
	o.m.mu.Lock()
	entries, err := o.m.iter(from, to)
	o.m.mu.Unlock()
	if err != nil {
		return err
	}
	for _, e := range entries {
		f(e)
	}
	return nil
}

// LogReader checks read sets against the log.
type LogReader struct {
	m *manager
}

// MaxTS returns the newest appended timestamp.
func (r *LogReader) MaxTS() value.Timestamp {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	return r.m.maxTS()
}

// IsStale returns the first conflicting write in (readTS, commitTS]
// whose keys intersect reads, or nil if the read set is still fresh.
func (r *LogReader) IsStale(reads *ReadSet, readTS, commitTS value.Timestamp) (*Conflict, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	return isStale(r.m, reads, readTS, commitTS)
}

// RefreshToken advances token to ts if its reads saw no conflicting
// write in between. It returns nil if the token is stale or has fallen
// out of retention.
func (r *LogReader) RefreshToken(token *Token, ts value.Timestamp) (*Token, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	conflict, err := isStale(r.m, token.Reads(), token.TS(), ts)
	if err != nil {
		if sterrors.IsOutOfRetention(err) {
			return nil, nil
		}
		return nil, err
	}
	if conflict != nil {
		return nil, nil
	}
	if token.ts < ts {
		token = &Token{reads: token.reads, ts: ts}
	}
	return token, nil
}

func isStale(m *manager, reads *ReadSet, readTS, commitTS value.Timestamp) (*Conflict, error) {
	if commitTS <= readTS {
		return nil, nil
	}
	entries, err := m.iter(readTS+1, commitTS)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		for i := range e.Writes {
			if reads.Overlaps(e.Writes[i].ID) {
				return &Conflict{TS: e.TS, ID: e.Writes[i].ID, Source: e.Source}, nil
			}
		}
	}
	return nil, nil
}

// LogWriter appends to the log. The committer holds the only one.
type LogWriter struct {
	m *manager
}

// Append records a commit at ts. ts must exceed the current maximum.
func (w *LogWriter) Append(ts value.Timestamp, writes []DocumentUpdate, source WriteSource) error {
	w.m.mu.Lock()
	defer w.m.mu.Unlock()
	return w.m.append(ts, writes, source)
}

// IsStale is the committer-side staleness check used during commit.
func (w *LogWriter) IsStale(reads *ReadSet, readTS, commitTS value.Timestamp) (*Conflict, error) {
	w.m.mu.Lock()
	defer w.m.mu.Unlock()
	return isStale(w.m, reads, readTS, commitTS)
}

// Conflict describes the first write that invalidated a read set.
type Conflict struct {
	TS     value.Timestamp
	ID     persistence.DocumentID
	Source WriteSource
}
