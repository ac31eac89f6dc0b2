package segments

import (
	"bytes"
	"context"
	"testing"

	"github.com/steveyegge/strata/internal/sterrors"
)

func TestArtifactRoundTrip(t *testing.T) {
	t.Parallel()

	payload := bytes.Repeat([]byte("segment row data "), 1000)
	framed := EncodeArtifact(payload)
	if len(framed) >= len(payload) {
		t.Logf("compressible payload did not shrink: %d -> %d", len(payload), len(framed))
	}
	got, err := DecodeArtifact(framed)
	if err != nil {
		t.Fatalf("DecodeArtifact: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("payload mismatch after round trip")
	}
}

func TestArtifactCorruptionDetected(t *testing.T) {
	t.Parallel()

	framed := EncodeArtifact([]byte("hello world, this is a payload"))
	// Flip a payload byte.
	framed[len(framed)-1] ^= 0xFF
	if _, err := DecodeArtifact(framed); err == nil {
		t.Error("corrupted artifact decoded without error")
	}
	// Bad version byte.
	framed2 := EncodeArtifact([]byte("x"))
	framed2[4] = 99
	if _, err := DecodeArtifact(framed2); !sterrors.IsFatal(err) {
		t.Errorf("version mismatch error = %v, want Fatal", err)
	}
}

func TestRowsRoundTrip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	rows := [][]byte{[]byte("a"), {}, []byte("longer row with bytes \x00\xff")}
	for _, row := range rows {
		WriteRow(&buf, row)
	}
	got, err := ReadRows(buf.Bytes())
	if err != nil {
		t.Fatalf("ReadRows: %v", err)
	}
	if len(got) != len(rows) {
		t.Fatalf("got %d rows, want %d", len(got), len(rows))
	}
	for i := range rows {
		if !bytes.Equal(got[i], rows[i]) {
			t.Errorf("row %d mismatch", i)
		}
	}
}

func TestIDTracker(t *testing.T) {
	t.Parallel()

	tr := NewIDTracker()
	for _, id := range []string{"doc-a", "doc-b", "doc-c"} {
		if _, err := tr.Add(id); err != nil {
			t.Fatalf("Add(%s): %v", id, err)
		}
	}
	if _, err := tr.Add("doc-a"); !sterrors.IsFatal(err) {
		t.Errorf("duplicate add error = %v, want Fatal", err)
	}
	internal, ok := tr.Internal("doc-b")
	if !ok || internal != 1 {
		t.Errorf("Internal(doc-b) = %d, %v; want 1", internal, ok)
	}
	back, err := DecodeIDTracker(tr.Encode())
	if err != nil {
		t.Fatalf("DecodeIDTracker: %v", err)
	}
	if back.Len() != 3 {
		t.Fatalf("decoded tracker has %d rows, want 3", back.Len())
	}
	ext, ok := back.External(2)
	if !ok || ext != "doc-c" {
		t.Errorf("External(2) = %q, want doc-c", ext)
	}
}

func TestDeletedBitset(t *testing.T) {
	t.Parallel()

	b := NewDeletedBitset(10)
	if err := b.Delete(3); err != nil {
		t.Fatalf("Delete(3): %v", err)
	}
	if err := b.Delete(3); !sterrors.IsFatal(err) {
		t.Errorf("duplicate delete error = %v, want Fatal", err)
	}
	if err := b.Delete(10); !sterrors.IsFatal(err) {
		t.Errorf("out-of-range delete error = %v, want Fatal", err)
	}
	if err := b.Delete(7); err != nil {
		t.Fatalf("Delete(7): %v", err)
	}
	if b.Count() != 2 {
		t.Errorf("Count = %d, want 2", b.Count())
	}
	if !b.IsDeleted(3) || b.IsDeleted(4) {
		t.Error("IsDeleted wrong")
	}
	alive := b.AliveBitset()
	if alive.GetCardinality() != 8 || alive.Contains(3) || !alive.Contains(4) {
		t.Errorf("alive bitset wrong: %v", alive)
	}

	data, err := b.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	back, err := DecodeDeletedBitset(data)
	if err != nil {
		t.Fatalf("DecodeDeletedBitset: %v", err)
	}
	if back.Rows() != 10 || back.Count() != 2 || !back.IsDeleted(7) {
		t.Errorf("decoded bitset wrong: rows=%d count=%d", back.Rows(), back.Count())
	}
}

func TestObjectStores(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	disk, err := NewDiskObjectStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewDiskObjectStore: %v", err)
	}
	stores := map[string]ObjectStore{
		"memory": NewMemoryObjectStore(),
		"disk":   disk,
	}
	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			payload := []byte("artifact bytes")
			key, err := UploadBytes(ctx, store, payload, KindData)
			if err != nil {
				t.Fatalf("Upload: %v", err)
			}
			got, err := GetBytes(ctx, store, key)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if !bytes.Equal(got, payload) {
				t.Error("payload mismatch")
			}
			if err := store.Delete(ctx, key); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if _, err := store.Get(ctx, key); err == nil {
				t.Error("Get after Delete should fail")
			}
		})
	}
}
