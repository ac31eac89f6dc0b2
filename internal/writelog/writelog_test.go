package writelog

import (
	"context"
	"testing"
	"time"

	"github.com/steveyegge/strata/internal/persistence"
	"github.com/steveyegge/strata/internal/sterrors"
	"github.com/steveyegge/strata/internal/value"
)

func docID(tablet, id string) persistence.DocumentID {
	return persistence.DocumentID{Tablet: persistence.TabletID(tablet), ID: id}
}

func update(tablet, id string) DocumentUpdate {
	v := value.Int64(1)
	return DocumentUpdate{ID: docID(tablet, id), NewDocument: &v}
}

func testConfig() Config {
	return Config{
		MinRetention: 10 * time.Second,
		MaxRetention: 60 * time.Second,
		MaxSizeBytes: 1 << 20,
	}
}

func TestAppendMonotonic(t *testing.T) {
	t.Parallel()

	owner, _, writer := New(0, testConfig())
	if err := writer.Append(5, []DocumentUpdate{update("t", "a")}, "test"); err != nil {
		t.Fatalf("Append(5): %v", err)
	}
	if err := writer.Append(5, nil, "test"); err == nil {
		t.Error("Append at max ts should fail")
	} else if !sterrors.IsFatal(err) {
		t.Errorf("out-of-order append error kind = %v, want Fatal", sterrors.KindOf(err))
	}
	if err := writer.Append(3, nil, "test"); err == nil {
		t.Error("Append below max ts should fail")
	}
	if err := writer.Append(6, nil, "test"); err != nil {
		t.Errorf("Append(6): %v", err)
	}
	if got := owner.MaxTS(); got != 6 {
		t.Errorf("MaxTS = %d, want 6", got)
	}
}

func TestIterOutOfRetention(t *testing.T) {
	t.Parallel()

	owner, _, writer := New(10, testConfig())
	if err := writer.Append(12, []DocumentUpdate{update("t", "a")}, "test"); err != nil {
		t.Fatalf("Append: %v", err)
	}

	err := owner.ForEach(10, 12, func(Entry) {})
	if !sterrors.IsOutOfRetention(err) {
		t.Errorf("ForEach from purged ts: err = %v, want OutOfRetention", err)
	}
	var seen []value.Timestamp
	if err := owner.ForEach(11, 12, func(e Entry) { seen = append(seen, e.TS) }); err != nil {
		t.Fatalf("ForEach: %v", err)
	}
	if len(seen) != 1 || seen[0] != 12 {
		t.Errorf("seen = %v, want [12]", seen)
	}
}

func TestIsStale(t *testing.T) {
	t.Parallel()

	_, reader, writer := New(0, testConfig())
	if err := writer.Append(5, []DocumentUpdate{update("t", "a")}, "committer"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := writer.Append(8, []DocumentUpdate{update("t", "b")}, "flusher"); err != nil {
		t.Fatalf("Append: %v", err)
	}

	reads := NewReadSet()
	reads.RecordDocument(docID("t", "b"))

	conflict, err := reader.IsStale(reads, 4, 8)
	if err != nil {
		t.Fatalf("IsStale: %v", err)
	}
	if conflict == nil || conflict.TS != 8 || conflict.Source != "flusher" {
		t.Errorf("conflict = %+v, want write at 8 from flusher", conflict)
	}

	// Reads at 8 saw everything; nothing conflicts.
	conflict, err = reader.IsStale(reads, 8, 8)
	if err != nil {
		t.Fatalf("IsStale: %v", err)
	}
	if conflict != nil {
		t.Errorf("conflict = %+v, want none", conflict)
	}

	// A tablet-scan read conflicts with any write to the tablet.
	scan := NewReadSet()
	scan.RecordTablet("t")
	conflict, err = reader.IsStale(scan, 4, 8)
	if err != nil {
		t.Fatalf("IsStale: %v", err)
	}
	if conflict == nil || conflict.TS != 5 {
		t.Errorf("conflict = %+v, want first write at 5", conflict)
	}
}

func TestRefreshToken(t *testing.T) {
	t.Parallel()

	_, reader, writer := New(0, testConfig())
	reads := NewReadSet()
	reads.RecordDocument(docID("t", "a"))
	token := NewToken(reads, 3)

	if err := writer.Append(5, []DocumentUpdate{update("t", "other")}, "test"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	refreshed, err := reader.RefreshToken(token, 5)
	if err != nil {
		t.Fatalf("RefreshToken: %v", err)
	}
	if refreshed == nil || refreshed.TS() != 5 {
		t.Fatalf("refreshed = %+v, want advanced to 5", refreshed)
	}

	if err := writer.Append(7, []DocumentUpdate{update("t", "a")}, "test"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	refreshed, err = reader.RefreshToken(refreshed, 7)
	if err != nil {
		t.Fatalf("RefreshToken: %v", err)
	}
	if refreshed != nil {
		t.Errorf("token should be invalidated by conflicting write, got %+v", refreshed)
	}
}

func TestWaitForHigherTS(t *testing.T) {
	t.Parallel()

	owner, _, writer := New(0, testConfig())
	if err := writer.Append(4, nil, "test"); err != nil {
		t.Fatalf("Append: %v", err)
	}

	// Already satisfied: returns immediately.
	ts, err := owner.WaitForHigherTS(context.Background(), 3)
	if err != nil || ts != 4 {
		t.Fatalf("WaitForHigherTS(3) = %d, %v; want 4", ts, err)
	}

	done := make(chan value.Timestamp, 1)
	go func() {
		ts, err := owner.WaitForHigherTS(context.Background(), 4)
		if err != nil {
			t.Errorf("WaitForHigherTS: %v", err)
		}
		done <- ts
	}()

	// Give the waiter a moment to register, then advance.
	time.Sleep(10 * time.Millisecond)
	if err := writer.Append(9, nil, "test"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	select {
	case ts := <-done:
		if ts != 9 {
			t.Errorf("woke at %d, want 9", ts)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("waiter never woke")
	}
}

func TestWaitForHigherTSCancellation(t *testing.T) {
	t.Parallel()

	owner, _, writer := New(0, testConfig())
	ctx, cancel := context.WithCancel(context.Background())

	errs := make(chan error, 1)
	go func() {
		_, err := owner.WaitForHigherTS(ctx, 100)
		errs <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-errs:
		if err != context.Canceled {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled waiter never returned")
	}

	// The abandoned registration must not break later appends or waits.
	if err := writer.Append(101, nil, "test"); err != nil {
		t.Fatalf("Append after cancellation: %v", err)
	}
	ts, err := owner.WaitForHigherTS(context.Background(), 100)
	if err != nil || ts != 101 {
		t.Errorf("WaitForHigherTS after cancel = %d, %v; want 101", ts, err)
	}
}

func TestRetentionPolicy(t *testing.T) {
	t.Parallel()

	// Timestamps are nanoseconds; build entries with known ages.
	base := time.Now()
	tsAt := func(age time.Duration) value.Timestamp {
		return value.Timestamp(base.Add(-age).UnixNano())
	}

	config := Config{
		MinRetention: 10 * time.Second,
		MaxRetention: 60 * time.Second,
		MaxSizeBytes: 1, // force size pressure
	}
	owner, _, writer := New(0, config)

	ages := []time.Duration{90 * time.Second, 30 * time.Second, 20 * time.Second, 5 * time.Second}
	for _, age := range ages {
		if err := writer.Append(tsAt(age), []DocumentUpdate{update("t", "x")}, "test"); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	owner.EnforceRetentionPolicy(base)

	// 90s is past max retention; 30s and 20s are trimmed for size; the
	// 5s entry is younger than min retention and survives even though
	// the log still exceeds its ceiling.
	if got, want := owner.PurgedTS(), tsAt(20*time.Second); got != want {
		t.Errorf("PurgedTS = %d, want %d", got, want)
	}
	var remaining int
	if err := owner.ForEach(owner.PurgedTS()+1, value.MaxTimestamp, func(Entry) { remaining++ }); err != nil {
		t.Fatalf("ForEach: %v", err)
	}
	if remaining != 1 {
		t.Errorf("%d entries remain, want 1", remaining)
	}
}

func TestRetentionNeverTrimsYoung(t *testing.T) {
	t.Parallel()

	base := time.Now()
	config := Config{
		MinRetention: 10 * time.Second,
		MaxRetention: 60 * time.Second,
		MaxSizeBytes: 1,
	}
	owner, _, writer := New(0, config)

	// 2 MiB of young updates in 5 seconds, far above the ceiling.
	big := value.String(string(make([]byte, 64<<10)))
	for i := 0; i < 32; i++ {
		ts := value.Timestamp(base.Add(-5*time.Second + time.Duration(i)*time.Millisecond).UnixNano())
		if err := writer.Append(ts, []DocumentUpdate{{ID: docID("t", "x"), NewDocument: &big}}, "test"); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	owner.EnforceRetentionPolicy(base)
	if owner.PurgedTS() != 0 {
		t.Errorf("young entries were trimmed: purged = %d", owner.PurgedTS())
	}

	// Once the entries age past min retention, the ceiling applies.
	owner.EnforceRetentionPolicy(base.Add(30 * time.Second))
	if owner.PurgedTS() == 0 {
		t.Error("aged entries above the ceiling were not trimmed")
	}
	if owner.SizeBytes() > config.MaxSizeBytes {
		// Everything aged past min retention, so the trim runs down to
		// the ceiling; with 64 KiB entries and a 1-byte ceiling the log
		// empties entirely.
		t.Errorf("size %d still above ceiling", owner.SizeBytes())
	}
}
