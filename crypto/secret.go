package crypto

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// MaxSecretLength is the longest secret bcrypt accepts.
const MaxSecretLength = 72

// ErrSecretTooLong is returned for secrets bcrypt would silently truncate.
var ErrSecretTooLong = errors.New("crypto: secret exceeds 72 bytes")

// HashSecret hashes a client secret with bcrypt. cost <= 0 selects bcrypt.DefaultCost.
func HashSecret(secret string, cost int) (string, error) {
	if secret == "" {
		return "", errors.New("secret is required")
	}
	if len(secret) > MaxSecretLength {
		return "", ErrSecretTooLong
	}
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), cost)
	if err != nil {
		return "", fmt.Errorf("hash secret: %w", err)
	}
	return string(hash), nil
}

// VerifySecret reports whether secret matches a bcrypt hash.
func VerifySecret(hash, secret string) bool {
	if hash == "" || secret == "" || len(secret) > MaxSecretLength {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}
