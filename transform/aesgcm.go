package transform

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"backupxfer/crypto"
)

// DefaultSegmentSize is the plaintext size of one sealed segment.
const DefaultSegmentSize = 1 << 20

var errTruncatedStream = errors.New("transform: encrypted stream is truncated")

// AESGCM encrypts a stream as a sequence of independently sealed segments:
//
//	[uint32 LE sealed length][nonce||ciphertext] ...
//
// Segment indices are authenticated, and the stream always ends with a sealed
// empty segment so truncation is detected.
type AESGCM struct {
	key         []byte
	segmentSize int
}

// NewAESGCM returns an aes-gcm stage. segmentSize <= 0 selects DefaultSegmentSize.
func NewAESGCM(key []byte, segmentSize int) (*AESGCM, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("aes-gcm stage requires a 32-byte key, got %d", len(key))
	}
	if segmentSize <= 0 {
		segmentSize = DefaultSegmentSize
	}
	return &AESGCM{key: append([]byte(nil), key...), segmentSize: segmentSize}, nil
}

func (a *AESGCM) Tag() string { return TagAESGCM }

func (a *AESGCM) Apply(dst io.Writer, src io.Reader) error {
	buf := make([]byte, a.segmentSize)
	var index uint64
	for {
		n, readErr := io.ReadFull(src, buf)
		if n > 0 {
			if err := a.writeSegment(dst, index, buf[:n]); err != nil {
				return err
			}
			index++
		}
		switch {
		case readErr == nil:
			continue
		case errors.Is(readErr, io.EOF), errors.Is(readErr, io.ErrUnexpectedEOF):
			return a.writeSegment(dst, index, nil)
		default:
			return fmt.Errorf("read plaintext: %w", readErr)
		}
	}
}

func (a *AESGCM) writeSegment(dst io.Writer, index uint64, plaintext []byte) error {
	sealed, err := crypto.SealSegment(a.key, index, plaintext)
	if err != nil {
		return err
	}

	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], uint32(len(sealed)))
	if _, err := dst.Write(header[:]); err != nil {
		return fmt.Errorf("write segment header: %w", err)
	}
	if _, err := dst.Write(sealed); err != nil {
		return fmt.Errorf("write segment %d: %w", index, err)
	}
	return nil
}

func (a *AESGCM) Reverse(dst io.Writer, src io.Reader) error {
	maxSealed := uint32(a.segmentSize + crypto.SegmentOverhead)
	var header [4]byte
	for index := uint64(0); ; index++ {
		if _, err := io.ReadFull(src, header[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return errTruncatedStream
			}
			return fmt.Errorf("read segment header: %w", err)
		}

		size := binary.LittleEndian.Uint32(header[:])
		if size < crypto.SegmentOverhead || size > maxSealed {
			return fmt.Errorf("segment %d has invalid length %d", index, size)
		}
		sealed := make([]byte, size)
		if _, err := io.ReadFull(src, sealed); err != nil {
			return errTruncatedStream
		}

		plaintext, err := crypto.OpenSegment(a.key, index, sealed)
		if err != nil {
			return err
		}
		if len(plaintext) == 0 {
			return nil
		}
		if _, err := dst.Write(plaintext); err != nil {
			return fmt.Errorf("write plaintext: %w", err)
		}
	}
}
