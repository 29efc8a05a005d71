package models

import (
	"errors"
	"fmt"
)

// ErrorKind names one authentication failure cause. Kinds are recorded locally
// and never sent to a remote peer.
type ErrorKind string

const (
	KindMalformedCredential ErrorKind = "malformed_credential"
	KindUnknownClient       ErrorKind = "unknown_client"
	KindClientDisabled      ErrorKind = "client_disabled"
	KindClientExpired       ErrorKind = "client_expired"
	KindInvalidSecret       ErrorKind = "invalid_secret"
	KindTemporarilyLocked   ErrorKind = "temporarily_locked"
)

var (
	// ErrAuthenticationFailed is the only authentication outcome a peer ever sees.
	ErrAuthenticationFailed = errors.New("authentication failed")
	// ErrInvalidToken reports an unknown, revoked or unparsable bearer token.
	ErrInvalidToken = errors.New("invalid token")
	// ErrTokenExpired reports a bearer token past its expiry.
	ErrTokenExpired = errors.New("token expired")
	// ErrPermissionDenied reports a valid token lacking the required permission.
	ErrPermissionDenied = errors.New("permission denied")

	ErrOperationTimeout   = errors.New("operation timed out")
	ErrTransientNetwork   = errors.New("transient network failure")
	ErrServiceUnavailable = errors.New("service unavailable")

	ErrChunkChecksumMismatch = errors.New("chunk checksum mismatch")
	ErrFileChecksumMismatch  = errors.New("file checksum mismatch")
	ErrResumeTokenConflict   = errors.New("resume token conflict")

	// ErrCancelled marks an operator-initiated stop. It is not a failure.
	ErrCancelled = errors.New("transfer cancelled")
)

// AuthError carries the specific failure kind for local audit.
type AuthError struct {
	Kind     ErrorKind
	ClientID string
}

func (e *AuthError) Error() string {
	if e.ClientID == "" {
		return fmt.Sprintf("authentication failed: %s", e.Kind)
	}
	return fmt.Sprintf("authentication failed for %q: %s", e.ClientID, e.Kind)
}

// Is matches ErrAuthenticationFailed so callers can treat every kind alike.
func (e *AuthError) Is(target error) bool {
	return target == ErrAuthenticationFailed
}

// AuthErrorKind extracts the failure kind from err, if any.
func AuthErrorKind(err error) (ErrorKind, bool) {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr.Kind, true
	}
	return "", false
}
