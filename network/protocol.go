package network

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	json "github.com/goccy/go-json"

	"backupxfer/models"
)

const (
	// MaxFrameSize is the maximum accepted frame payload size (64 MiB).
	MaxFrameSize = 64 * 1024 * 1024
	// DefaultConnectionTimeout bounds TCP dial and TLS handshake duration.
	DefaultConnectionTimeout = 30 * time.Second
	// DefaultFrameTimeout bounds each frame read or write.
	DefaultFrameTimeout = 60 * time.Second
)

const (
	TypeAuth        = "auth"
	TypeAuthResult  = "auth_result"
	TypeManifest    = "manifest"
	TypeManifestAck = "manifest_ack"
	TypeChunk       = "chunk"
	TypeChunkAck    = "chunk_ack"
	TypeComplete    = "complete"
	TypeCompleteAck = "complete_ack"
	TypeError       = "error"
)

const (
	AckStatusOK               = "ok"
	AckStatusChecksumMismatch = "checksum_mismatch"
)

const (
	CodeAuthFailed           = "auth_failed"
	CodeInvalidToken         = "invalid_token"
	CodePermissionDenied     = "permission_denied"
	CodeConflict             = "conflict"
	CodeFileChecksumMismatch = "file_checksum_mismatch"
	CodeUnavailable          = "unavailable"
	CodeBadRequest           = "bad_request"
	CodeIncomplete           = "incomplete"
)

var (
	// ErrFrameTooLarge indicates payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrInvalidMessageType indicates the message type is unknown or unexpected.
	ErrInvalidMessageType = errors.New("network: invalid message type")
)

// Envelope identifies the record type.
type Envelope struct {
	Type string `json:"Type"`
}

// AuthRequest carries the wire credential. It is the first record on a connection.
type AuthRequest struct {
	Type       string `json:"Type"`
	Credential string `json:"Credential"`
}

// AuthResult returns the bearer token minted for the connection.
type AuthResult struct {
	Type      string `json:"Type"`
	Token     string `json:"Token"`
	ExpiresAt int64  `json:"ExpiresAt"`
}

// Manifest opens or resumes a transfer.
type Manifest struct {
	Type              string `json:"Type"`
	Token             string `json:"Token" validate:"required"`
	TransferId        string `json:"TransferId" validate:"required,max=128"`
	FileName          string `json:"FileName" validate:"required,max=255"`
	Size              int64  `json:"Size" validate:"gte=0"`
	ChunkSize         int64  `json:"ChunkSize" validate:"gt=0"`
	ChecksumAlgorithm string `json:"ChecksumAlgorithm" validate:"omitempty,oneof=sha256"`
	FileChecksum      string `json:"FileChecksum" validate:"omitempty,hexadecimal,len=64"`
	TransformTag      string `json:"TransformTag,omitempty"`
	ResumeToken       string `json:"ResumeToken,omitempty"`
}

// Meta returns the file identity carried by the manifest.
func (m Manifest) Meta() models.FileMeta {
	return models.FileMeta{
		Name:              m.FileName,
		Size:              m.Size,
		ChunkSize:         m.ChunkSize,
		ChecksumAlgorithm: m.ChecksumAlgorithm,
		FileChecksum:      m.FileChecksum,
		TransformTag:      m.TransformTag,
	}
}

// ManifestAck tells the sender which chunks the receiver still needs.
type ManifestAck struct {
	Type          string `json:"Type"`
	TransferId    string `json:"TransferId"`
	ResumeToken   string `json:"ResumeToken"`
	ChunkCount    int    `json:"ChunkCount"`
	MissingChunks []int  `json:"MissingChunks"`
}

// ChunkRecord carries one chunk. Data is base64 on the wire. A frame without
// Type is accepted as a chunk.
type ChunkRecord struct {
	Type          string `json:"Type,omitempty"`
	TransferId    string `json:"TransferId"`
	ChunkIndex    int    `json:"ChunkIndex"`
	Data          []byte `json:"Data"`
	ChunkChecksum string `json:"ChunkChecksum"`
	IsLastChunk   bool   `json:"IsLastChunk"`
}

// ChunkAck is sent after the chunk is on disk and recorded.
type ChunkAck struct {
	Type       string `json:"Type"`
	TransferId string `json:"TransferId"`
	ChunkIndex int    `json:"ChunkIndex"`
	Status     string `json:"Status"`
}

// Complete asks the receiver to verify the reassembled file.
type Complete struct {
	Type         string `json:"Type"`
	TransferId   string `json:"TransferId"`
	FileChecksum string `json:"FileChecksum"`
}

// CompleteAck confirms verification and carries the receiver's checksum.
type CompleteAck struct {
	Type         string `json:"Type"`
	TransferId   string `json:"TransferId"`
	FileChecksum string `json:"FileChecksum"`
}

// ErrorRecord reports a protocol failure. Authentication failures always use
// CodeAuthFailed with a generic message.
type ErrorRecord struct {
	Type    string `json:"Type"`
	Code    string `json:"Code"`
	Message string `json:"Message"`
}

// RemoteError is an ErrorRecord received from the peer.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error [%s]: %s", e.Code, e.Message)
}

// Unwrap maps the remote code onto the local error taxonomy.
func (e *RemoteError) Unwrap() error {
	switch e.Code {
	case CodeAuthFailed:
		return models.ErrAuthenticationFailed
	case CodeInvalidToken:
		return models.ErrInvalidToken
	case CodePermissionDenied:
		return models.ErrPermissionDenied
	case CodeConflict:
		return models.ErrResumeTokenConflict
	case CodeFileChecksumMismatch:
		return models.ErrFileChecksumMismatch
	case CodeUnavailable:
		return models.ErrServiceUnavailable
	default:
		return nil
	}
}

// EncodeJSON marshals a record to JSON.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	return payload, nil
}

// DecodeMessageType extracts the Type field. An absent Type decodes as
// TypeChunk so bare chunk records are accepted.
func DecodeMessageType(payload []byte) (string, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if envelope.Type == "" {
		return TypeChunk, nil
	}
	return envelope.Type, nil
}

// DecodeRecord unmarshals payload into a record of type T.
func DecodeRecord[T any](payload []byte) (T, error) {
	var record T
	if err := json.Unmarshal(payload, &record); err != nil {
		return record, fmt.Errorf("decode %T: %w", record, err)
	}
	return record, nil
}

// WriteFrame writes one length-prefixed frame: a little-endian uint32 length
// followed by the payload.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	frame := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[4:], payload)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.LittleEndian.Uint32(header[:])
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	return payload, nil
}

// ReadFrameWithTimeout reads a frame with an optional read deadline.
func ReadFrameWithTimeout(conn net.Conn, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}
	return ReadFrame(conn)
}

// decodeRemoteError turns an error frame into *RemoteError.
func decodeRemoteError(payload []byte) error {
	record, err := DecodeRecord[ErrorRecord](payload)
	if err != nil {
		return err
	}
	return &RemoteError{Code: record.Code, Message: record.Message}
}
