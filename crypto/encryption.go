package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
)

const aes256KeySize = 32

// SegmentOverhead is the number of bytes SealSegment adds to a plaintext segment.
const SegmentOverhead = 12 + 16

// SealSegment encrypts one segment with AES-256-GCM. The segment index is bound
// as additional data so segments cannot be reordered. Output is nonce||ciphertext.
func SealSegment(key []byte, index uint64, plaintext []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, plaintext, segmentAAD(index)), nil
}

// OpenSegment reverses SealSegment for the segment at index.
func OpenSegment(key []byte, index uint64, sealed []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, errors.New("sealed segment is too short")
	}

	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, segmentAAD(index))
	if err != nil {
		return nil, fmt.Errorf("decrypt segment %d: %w", index, err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != aes256KeySize {
		return nil, fmt.Errorf("invalid key length: got %d want %d", len(key), aes256KeySize)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return aead, nil
}

func segmentAAD(index uint64) []byte {
	var aad [8]byte
	binary.LittleEndian.PutUint64(aad[:], index)
	return aad[:]
}
