package recovery

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"syscall"

	"github.com/sony/gobreaker/v2"

	"backupxfer/crypto"
	"backupxfer/models"
)

// Class is the retry category of a failure.
type Class string

const (
	ClassNone               Class = ""
	ClassTimeout            Class = "timeout"
	ClassTransientNetwork   Class = "transient_network"
	ClassServiceUnavailable Class = "service_unavailable"
	ClassCancelled          Class = "cancelled"
	ClassFatal              Class = "fatal"
)

// Retryable reports whether failures of this class are retried.
func (c Class) Retryable() bool {
	switch c {
	case ClassTimeout, ClassTransientNetwork, ClassServiceUnavailable:
		return true
	default:
		return false
	}
}

var fatalErrors = []error{
	models.ErrAuthenticationFailed,
	models.ErrInvalidToken,
	models.ErrTokenExpired,
	models.ErrPermissionDenied,
	models.ErrChunkChecksumMismatch,
	models.ErrFileChecksumMismatch,
	models.ErrResumeTokenConflict,
	crypto.ErrFingerprintMismatch,
}

// Classify maps err to a Class. Integrity and authentication failures are
// always fatal, even when they arrive wrapped in a network error.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}
	for _, fatal := range fatalErrors {
		if errors.Is(err, fatal) {
			return ClassFatal
		}
	}
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return ClassFatal
	}

	if errors.Is(err, models.ErrCancelled) || errors.Is(err, context.Canceled) {
		return ClassCancelled
	}
	if errors.Is(err, models.ErrOperationTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	if errors.Is(err, models.ErrServiceUnavailable) ||
		errors.Is(err, gobreaker.ErrOpenState) ||
		errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ClassServiceUnavailable
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTimeout
	}
	if errors.Is(err, models.ErrTransientNetwork) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) {
		return ClassTransientNetwork
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ClassTransientNetwork
	}

	return ClassFatal
}
