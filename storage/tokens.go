package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"backupxfer/models"
)

// SaveToken persists a newly issued token.
func (s *Store) SaveToken(ctx context.Context, token TokenRecord) error {
	if strings.TrimSpace(token.TokenID) == "" {
		return errors.New("token_id is required")
	}
	if token.TokenHash == "" {
		return errors.New("token_hash is required")
	}
	if token.ClientID == "" {
		return errors.New("client_id is required")
	}
	if !token.ExpiresAt.After(token.IssuedAt) {
		return errors.New("expires_at must be after issued_at")
	}
	permissions, err := encodePermissions(token.Permissions)
	if err != nil {
		return err
	}
	if token.LastUsedAt.IsZero() {
		token.LastUsedAt = token.IssuedAt
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO auth_tokens (
			token_id,
			token_hash,
			client_id,
			permissions,
			issued_at,
			expires_at,
			last_used_at,
			revoked_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		token.TokenID,
		token.TokenHash,
		token.ClientID,
		permissions,
		token.IssuedAt.UnixMilli(),
		token.ExpiresAt.UnixMilli(),
		token.LastUsedAt.UnixMilli(),
		nullTime(token.RevokedAt),
	)
	if err != nil {
		return fmt.Errorf("insert token %q: %w", token.TokenID, err)
	}
	return nil
}

// GetTokenByHash looks a token up by the hash of its bearer string.
func (s *Store) GetTokenByHash(ctx context.Context, tokenHash string) (*TokenRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT
			token_id,
			token_hash,
			client_id,
			permissions,
			issued_at,
			expires_at,
			last_used_at,
			revoked_at
		FROM auth_tokens
		WHERE token_hash = ?`,
		tokenHash,
	)

	token, err := scanToken(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get token by hash: %w", err)
	}
	return token, nil
}

// ListClientTokens returns a client's tokens, newest first.
func (s *Store) ListClientTokens(ctx context.Context, clientID string) ([]TokenRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT
			token_id,
			token_hash,
			client_id,
			permissions,
			issued_at,
			expires_at,
			last_used_at,
			revoked_at
		FROM auth_tokens
		WHERE client_id = ?
		ORDER BY issued_at DESC, token_id`,
		clientID,
	)
	if err != nil {
		return nil, fmt.Errorf("list tokens for %q: %w", clientID, err)
	}
	defer rows.Close()

	tokens := make([]TokenRecord, 0)
	for rows.Next() {
		token, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("scan token row: %w", err)
		}
		tokens = append(tokens, *token)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate token rows: %w", err)
	}
	return tokens, nil
}

// TouchToken refreshes last_used_at.
func (s *Store) TouchToken(ctx context.Context, tokenID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE auth_tokens SET last_used_at = ? WHERE token_id = ?`,
		at.UnixMilli(),
		tokenID,
	)
	if err != nil {
		return fmt.Errorf("touch token %q: %w", tokenID, err)
	}
	return requireRowsAffected(res, "touch token", tokenID)
}

// RevokeToken marks one token revoked.
func (s *Store) RevokeToken(ctx context.Context, tokenID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE auth_tokens SET revoked_at = ? WHERE token_id = ? AND revoked_at IS NULL`,
		at.UnixMilli(),
		tokenID,
	)
	if err != nil {
		return fmt.Errorf("revoke token %q: %w", tokenID, err)
	}
	return requireRowsAffected(res, "revoke token", tokenID)
}

// RevokeClientTokens revokes every outstanding token of a client.
func (s *Store) RevokeClientTokens(ctx context.Context, clientID string, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE auth_tokens SET revoked_at = ? WHERE client_id = ? AND revoked_at IS NULL`,
		at.UnixMilli(),
		clientID,
	)
	if err != nil {
		return 0, fmt.Errorf("revoke tokens for %q: %w", clientID, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for token revoke: %w", err)
	}
	return rowsAffected, nil
}

// DeleteExpiredTokens removes tokens that expired or were revoked before now.
func (s *Store) DeleteExpiredTokens(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM auth_tokens WHERE expires_at <= ? OR revoked_at IS NOT NULL`,
		now.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("delete expired tokens: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for token sweep: %w", err)
	}
	return rowsAffected, nil
}

func scanToken(row scanner) (*TokenRecord, error) {
	var (
		token       TokenRecord
		permissions string
		issuedAt    int64
		expiresAt   int64
		lastUsedAt  int64
		revokedAt   sql.NullInt64
	)
	if err := row.Scan(
		&token.TokenID,
		&token.TokenHash,
		&token.ClientID,
		&permissions,
		&issuedAt,
		&expiresAt,
		&lastUsedAt,
		&revokedAt,
	); err != nil {
		return nil, err
	}

	decoded, err := decodePermissions(permissions)
	if err != nil {
		return nil, err
	}
	token.AuthenticationToken = models.AuthenticationToken{
		TokenID:     token.TokenID,
		ClientID:    token.ClientID,
		Permissions: decoded,
		IssuedAt:    time.UnixMilli(issuedAt),
		ExpiresAt:   time.UnixMilli(expiresAt),
		LastUsedAt:  time.UnixMilli(lastUsedAt),
	}
	token.RevokedAt = timePtr(revokedAt)
	return &token, nil
}
