// Package auth decides which clients may transfer backups. It decodes wire
// credentials, enforces lockout, verifies secrets, and issues and validates
// bearer tokens.
package auth

import (
	"encoding/base64"
	"strings"

	"backupxfer/models"
)

// EncodeCredential returns the wire form of a client credential:
// base64("clientId:clientSecret").
func EncodeCredential(clientID, secret string) string {
	return base64.StdEncoding.EncodeToString([]byte(clientID + ":" + secret))
}

// DecodeCredential reverses EncodeCredential. It splits on the first ':' only,
// so secrets may contain ':'. Both halves must be non-empty.
func DecodeCredential(wire string) (clientID, secret string, err error) {
	raw, decodeErr := base64.StdEncoding.DecodeString(strings.TrimSpace(wire))
	if decodeErr != nil {
		return "", "", &models.AuthError{Kind: models.KindMalformedCredential}
	}

	clientID, secret, found := strings.Cut(string(raw), ":")
	if !found || clientID == "" || secret == "" {
		return "", "", &models.AuthError{Kind: models.KindMalformedCredential}
	}
	return clientID, secret, nil
}
