package segments

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/s2"
	"github.com/zeebo/xxh3"

	"github.com/steveyegge/strata/internal/sterrors"
)

// Artifact framing: every uploaded artifact is an s2-compressed payload
// behind a fixed header carrying a format version and an xxh3 checksum of
// the uncompressed bytes. Corruption surfaces as a fatal error at
// download time rather than as garbage rows.

var archiveMagic = [4]byte{'S', 'T', 'S', 'G'}

const archiveHeaderSize = 4 + 1 + 8

// EncodeArtifact frames and compresses payload.
func EncodeArtifact(payload []byte) []byte {
	var buf bytes.Buffer
	buf.Write(archiveMagic[:])
	buf.WriteByte(FormatVersion)
	var sum [8]byte
	binary.BigEndian.PutUint64(sum[:], xxh3.Hash(payload))
	buf.Write(sum[:])
	buf.Write(s2.Encode(nil, payload))
	return buf.Bytes()
}

// DecodeArtifact verifies and decompresses a framed artifact.
func DecodeArtifact(data []byte) ([]byte, error) {
	if len(data) < archiveHeaderSize {
		return nil, sterrors.New(sterrors.KindFatal, "artifact truncated: %d bytes", len(data))
	}
	if !bytes.Equal(data[:4], archiveMagic[:]) {
		return nil, sterrors.New(sterrors.KindFatal, "artifact has bad magic %x", data[:4])
	}
	if version := data[4]; version != FormatVersion {
		return nil, sterrors.New(sterrors.KindFatal, "artifact version %d, want %d", version, FormatVersion)
	}
	wantSum := binary.BigEndian.Uint64(data[5:13])
	payload, err := s2.Decode(nil, data[archiveHeaderSize:])
	if err != nil {
		return nil, sterrors.Wrap(sterrors.KindFatal, fmt.Errorf("decompressing artifact: %w", err))
	}
	if got := xxh3.Hash(payload); got != wantSum {
		return nil, sterrors.New(sterrors.KindFatal, "artifact checksum mismatch: %x != %x", got, wantSum)
	}
	return payload, nil
}

// WriteRow appends one length-prefixed row to w.
func WriteRow(w *bytes.Buffer, row []byte) {
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(row)))
	w.Write(lenBuf[:n])
	w.Write(row)
}

// ReadRows decodes every length-prefixed row from payload.
func ReadRows(payload []byte) ([][]byte, error) {
	var rows [][]byte
	r := bytes.NewReader(payload)
	for r.Len() > 0 {
		n, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, sterrors.Wrap(sterrors.KindFatal, fmt.Errorf("reading row length: %w", err))
		}
		if n > uint64(r.Len()) {
			return nil, sterrors.New(sterrors.KindFatal, "row length %d exceeds remaining %d bytes", n, r.Len())
		}
		row := make([]byte, n)
		if _, err := io.ReadFull(r, row); err != nil {
			return nil, sterrors.Wrap(sterrors.KindFatal, fmt.Errorf("reading row: %w", err))
		}
		rows = append(rows, row)
	}
	return rows, nil
}
