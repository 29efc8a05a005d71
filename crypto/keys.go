package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

const (
	// SigningKeyPEMType labels the HMAC key used to sign bearer tokens.
	SigningKeyPEMType = "BACKUPXFER SIGNING KEY"
	// TransformKeyPEMType labels the AES-256 key used by the encrypting transform.
	TransformKeyPEMType = "BACKUPXFER TRANSFORM KEY"

	symmetricKeySize = 32
)

// EnsureSymmetricKey loads a 32-byte key from a PEM file, generating it on first run.
func EnsureSymmetricKey(path, pemType string) ([]byte, error) {
	key, err := LoadSymmetricKey(path, pemType)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	key = make([]byte, symmetricKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate %s: %w", strings.ToLower(pemType), err)
	}
	if err := SaveSymmetricKey(path, pemType, key); err != nil {
		return nil, err
	}

	return key, nil
}

// LoadSymmetricKey reads a 32-byte key of the given PEM type.
func LoadSymmetricKey(path, pemType string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("decode key PEM: no PEM block")
	}
	if block.Type != pemType {
		return nil, fmt.Errorf("decode key PEM: unexpected type %q", block.Type)
	}
	if len(block.Bytes) != symmetricKeySize {
		return nil, fmt.Errorf("decode key PEM: invalid key size %d", len(block.Bytes))
	}

	return block.Bytes, nil
}

// SaveSymmetricKey writes a key PEM file with 0600 permissions.
func SaveSymmetricKey(path, pemType string, key []byte) error {
	if len(key) != symmetricKeySize {
		return fmt.Errorf("save key: invalid key size %d", len(key))
	}

	block := &pem.Block{Type: pemType, Bytes: key}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	return nil
}

// Fingerprint returns the SHA-256 hex fingerprint of raw bytes, e.g. a DER certificate.
func Fingerprint(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// NormalizeFingerprint strips separators and lowercases a fingerprint typed by an operator.
func NormalizeFingerprint(fingerprint string) string {
	replacer := strings.NewReplacer(" ", "", ":", "", "-", "")
	return strings.ToLower(replacer.Replace(strings.TrimSpace(fingerprint)))
}

// FormatFingerprint returns fingerprint text grouped in chunks of 4 uppercase chars.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(NormalizeFingerprint(fingerprint))
	if clean == "" {
		return ""
	}

	var b strings.Builder
	for i := 0; i < len(clean); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(clean[i:min(i+4, len(clean))])
	}

	return b.String()
}
