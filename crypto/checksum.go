package crypto

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
)

// ChunkChecksum returns the hex MD5 of one chunk payload. MD5 here only guards
// against corruption in transit; whole files are verified with SHA-256.
func ChunkChecksum(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// VerifyChunk reports whether data matches the expected hex MD5.
func VerifyChunk(data []byte, expected string) bool {
	return strings.EqualFold(ChunkChecksum(data), expected)
}

// FileChecksum returns the hex SHA-256 of everything read from r.
func FileChecksum(r io.Reader) (string, error) {
	hasher := sha256.New()
	if _, err := io.Copy(hasher, r); err != nil {
		return "", fmt.Errorf("hash file contents: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// FileChecksumPath hashes the file at path.
func FileChecksumPath(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open file for checksum: %w", err)
	}
	defer file.Close()

	return FileChecksum(file)
}

// ChecksumsEqual compares two hex digests case-insensitively.
func ChecksumsEqual(a, b string) bool {
	return a != "" && strings.EqualFold(a, b)
}
