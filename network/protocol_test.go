package network

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"backupxfer/models"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte(`{"Type":"complete","TransferId":"t1","FileChecksum":"ab"}`)

	var buffer bytes.Buffer
	if err := WriteFrame(&buffer, payload); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	if got := binary.LittleEndian.Uint32(buffer.Bytes()[:4]); got != uint32(len(payload)) {
		t.Fatalf("length prefix = %d, want %d little-endian", got, len(payload))
	}

	got, err := ReadFrame(&buffer)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestWriteFrameRejectsOversizedPayload(t *testing.T) {
	payload := make([]byte, MaxFrameSize+1)
	var buffer bytes.Buffer
	if err := WriteFrame(&buffer, payload); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
	if buffer.Len() != 0 {
		t.Fatalf("oversized frame must not be partially written")
	}
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], MaxFrameSize+1)
	if _, err := ReadFrame(bytes.NewReader(header[:])); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestReadFrameTruncatedPayload(t *testing.T) {
	var buffer bytes.Buffer
	if err := WriteFrame(&buffer, []byte(`{"Type":"auth"}`)); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	truncated := buffer.Bytes()[:buffer.Len()-3]
	if _, err := ReadFrame(bytes.NewReader(truncated)); err == nil {
		t.Fatalf("expected error for truncated payload")
	}
}

func TestChunkRecordWireFields(t *testing.T) {
	payload, err := EncodeJSON(ChunkRecord{
		TransferId:    "6f1c",
		ChunkIndex:    3,
		Data:          []byte("abc"),
		ChunkChecksum: "900150983cd24fb0d6963f7d28e17f72",
		IsLastChunk:   true,
	})
	if err != nil {
		t.Fatalf("EncodeJSON failed: %v", err)
	}

	want := `{"TransferId":"6f1c","ChunkIndex":3,"Data":"YWJj","ChunkChecksum":"900150983cd24fb0d6963f7d28e17f72","IsLastChunk":true}`
	if string(payload) != want {
		t.Fatalf("wire form = %s, want %s", payload, want)
	}

	msgType, err := DecodeMessageType(payload)
	if err != nil {
		t.Fatalf("DecodeMessageType failed: %v", err)
	}
	if msgType != TypeChunk {
		t.Fatalf("untyped frame decoded as %q, want %q", msgType, TypeChunk)
	}

	record, err := DecodeRecord[ChunkRecord](payload)
	if err != nil {
		t.Fatalf("DecodeRecord failed: %v", err)
	}
	if string(record.Data) != "abc" || record.ChunkIndex != 3 || !record.IsLastChunk {
		t.Fatalf("decoded record mismatch: %+v", record)
	}
}

func TestDecodeMessageTypeRejectsGarbage(t *testing.T) {
	if _, err := DecodeMessageType([]byte("not json")); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestRemoteErrorMapsCodes(t *testing.T) {
	cases := map[string]error{
		CodeAuthFailed:           models.ErrAuthenticationFailed,
		CodeInvalidToken:         models.ErrInvalidToken,
		CodePermissionDenied:     models.ErrPermissionDenied,
		CodeConflict:             models.ErrResumeTokenConflict,
		CodeFileChecksumMismatch: models.ErrFileChecksumMismatch,
		CodeUnavailable:          models.ErrServiceUnavailable,
	}
	for code, want := range cases {
		err := error(&RemoteError{Code: code, Message: "x"})
		if !errors.Is(err, want) {
			t.Fatalf("code %q does not unwrap to %v", code, want)
		}
	}

	err := error(&RemoteError{Code: CodeBadRequest, Message: "bad"})
	if errors.Is(err, models.ErrAuthenticationFailed) || !strings.Contains(err.Error(), "bad_request") {
		t.Fatalf("unexpected mapping for bad_request: %v", err)
	}
}

func TestSanitizeFileName(t *testing.T) {
	valid := []string{"db.bak", "nightly-2026-10-16.sql.zst"}
	for _, name := range valid {
		if got, err := sanitizeFileName(name); err != nil || got != name {
			t.Fatalf("sanitizeFileName(%q) = %q, %v", name, got, err)
		}
	}

	invalid := []string{"", ".", "..", "../etc/passwd", "a/b.bak", "/abs.bak", "x.part"}
	for _, name := range invalid {
		if _, err := sanitizeFileName(name); err == nil {
			t.Fatalf("sanitizeFileName(%q) should fail", name)
		}
	}
}
