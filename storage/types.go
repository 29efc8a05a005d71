package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"

	"backupxfer/models"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
	// ErrAlreadyExists indicates a unique key is already taken.
	ErrAlreadyExists = errors.New("storage: record already exists")
	// ErrClientInUse is returned when deleting a client that still has live tokens.
	ErrClientInUse = errors.New("storage: client referenced by active tokens")
)

// TokenRecord is the durable form of an issued bearer token. Only the hash of
// the bearer string is stored.
type TokenRecord struct {
	models.AuthenticationToken
	TokenHash string
	RevokedAt *time.Time
}

// AuditFilter narrows GetAuditEvents query results.
type AuditFilter struct {
	ClientID string
	Action   string
	Outcome  string
	From     *time.Time
	To       *time.Time
	Limit    int
	Offset   int
}

type scanner interface {
	Scan(dest ...any) error
}

func validateAuditOutcome(outcome string) error {
	switch outcome {
	case models.AuditOutcomeSuccess, models.AuditOutcomeFailure:
		return nil
	default:
		return fmt.Errorf("invalid audit outcome %q", outcome)
	}
}

func encodePermissions(permissions []string) (string, error) {
	if permissions == nil {
		permissions = []string{}
	}
	raw, err := json.Marshal(permissions)
	if err != nil {
		return "", fmt.Errorf("encode permissions: %w", err)
	}
	return string(raw), nil
}

func decodePermissions(raw string) ([]string, error) {
	permissions := make([]string, 0)
	if raw == "" {
		return permissions, nil
	}
	if err := json.Unmarshal([]byte(raw), &permissions); err != nil {
		return nil, fmt.Errorf("decode permissions: %w", err)
	}
	return permissions, nil
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func nullTime(ptr *time.Time) sql.NullInt64 {
	if ptr == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: ptr.UnixMilli(), Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func timePtr(ni sql.NullInt64) *time.Time {
	if !ni.Valid {
		return nil
	}
	v := time.UnixMilli(ni.Int64)
	return &v
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func (s *Store) nowUnixMilli() int64 {
	return s.now().UnixMilli()
}
