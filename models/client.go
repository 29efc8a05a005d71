package models

import (
	"slices"
	"time"
)

// PermissionTransferWrite allows a client to push backup files.
const PermissionTransferWrite = "transfer:write"

// ClientCredentials is a provisioned client. The raw secret is never kept.
type ClientCredentials struct {
	ClientID    string     `json:"client_id"`
	SecretHash  string     `json:"-"`
	Permissions []string   `json:"permissions"`
	IsActive    bool       `json:"is_active"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Expired reports whether the credential has passed its expiry at now.
func (c ClientCredentials) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !now.Before(*c.ExpiresAt)
}

// AuthenticationToken describes an issued bearer token. Permissions is a
// snapshot taken at issue time.
type AuthenticationToken struct {
	TokenID     string    `json:"token_id"`
	ClientID    string    `json:"client_id"`
	Permissions []string  `json:"permissions"`
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	LastUsedAt  time.Time `json:"last_used_at"`
}

// AuthorizationContext is the result of validating a bearer token.
type AuthorizationContext struct {
	ClientID    string
	Permissions []string
	RequestTime time.Time
}

// HasPermission reports whether the context carries permission p.
func (a AuthorizationContext) HasPermission(p string) bool {
	return slices.Contains(a.Permissions, p)
}

// AuditEvent is one appended audit log entry.
type AuditEvent struct {
	ID          int64
	Timestamp   time.Time
	ClientID    *string
	Action      string
	Outcome     string
	FailureKind *string
	RemoteAddr  string
	Details     string
}

const (
	AuditActionAuthAttempt   = "auth.attempt"
	AuditActionTokenRevoke   = "token.revoke"
	AuditActionClientUpdate  = "client.update"
	AuditActionTransferStart = "transfer.start"
	AuditActionTransferDone  = "transfer.complete"
	AuditActionTransferFail  = "transfer.fail"

	AuditOutcomeSuccess = "success"
	AuditOutcomeFailure = "failure"
)
