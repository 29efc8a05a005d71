package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"backupxfer/models"
)

// CreateClient inserts a new provisioned client.
func (s *Store) CreateClient(ctx context.Context, client models.ClientCredentials) error {
	if err := validateClient(client); err != nil {
		return err
	}
	permissions, err := encodePermissions(client.Permissions)
	if err != nil {
		return err
	}
	now := s.now()
	if client.CreatedAt.IsZero() {
		client.CreatedAt = now
	}
	client.UpdatedAt = now

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO clients (
			client_id,
			secret_hash,
			permissions,
			is_active,
			expires_at,
			created_at,
			updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		client.ClientID,
		client.SecretHash,
		permissions,
		boolToInt(client.IsActive),
		nullTime(client.ExpiresAt),
		client.CreatedAt.UnixMilli(),
		client.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert client %q: %w", client.ClientID, ErrAlreadyExists)
		}
		return fmt.Errorf("insert client %q: %w", client.ClientID, err)
	}
	return nil
}

// UpdateClient replaces the mutable fields of an existing client.
func (s *Store) UpdateClient(ctx context.Context, client models.ClientCredentials) error {
	if err := validateClient(client); err != nil {
		return err
	}
	permissions, err := encodePermissions(client.Permissions)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE clients
		SET secret_hash = ?,
			permissions = ?,
			is_active = ?,
			expires_at = ?,
			updated_at = ?
		WHERE client_id = ?`,
		client.SecretHash,
		permissions,
		boolToInt(client.IsActive),
		nullTime(client.ExpiresAt),
		s.nowUnixMilli(),
		client.ClientID,
	)
	if err != nil {
		return fmt.Errorf("update client %q: %w", client.ClientID, err)
	}
	return requireRowsAffected(res, "update client", client.ClientID)
}

// SetClientActive enables or disables a client.
func (s *Store) SetClientActive(ctx context.Context, clientID string, active bool) error {
	if strings.TrimSpace(clientID) == "" {
		return errors.New("client_id is required")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE clients SET is_active = ?, updated_at = ? WHERE client_id = ?`,
		boolToInt(active),
		s.nowUnixMilli(),
		clientID,
	)
	if err != nil {
		return fmt.Errorf("set client %q active: %w", clientID, err)
	}
	return requireRowsAffected(res, "set client active", clientID)
}

// GetClient fetches one client by id.
func (s *Store) GetClient(ctx context.Context, clientID string) (*models.ClientCredentials, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT
			client_id,
			secret_hash,
			permissions,
			is_active,
			expires_at,
			created_at,
			updated_at
		FROM clients
		WHERE client_id = ?`,
		clientID,
	)

	client, err := scanClient(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get client %q: %w", clientID, err)
	}
	return client, nil
}

// ListClients returns every provisioned client ordered by id.
func (s *Store) ListClients(ctx context.Context) ([]models.ClientCredentials, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT
			client_id,
			secret_hash,
			permissions,
			is_active,
			expires_at,
			created_at,
			updated_at
		FROM clients
		ORDER BY client_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	defer rows.Close()

	clients := make([]models.ClientCredentials, 0)
	for rows.Next() {
		client, err := scanClient(rows)
		if err != nil {
			return nil, fmt.Errorf("scan client row: %w", err)
		}
		clients = append(clients, *client)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate client rows: %w", err)
	}
	return clients, nil
}

// DeleteClient removes a client. It refuses while any unrevoked, unexpired
// token still references the client.
func (s *Store) DeleteClient(ctx context.Context, clientID string) error {
	if strings.TrimSpace(clientID) == "" {
		return errors.New("client_id is required")
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var active int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM auth_tokens
			WHERE client_id = ? AND revoked_at IS NULL AND expires_at > ?`,
			clientID,
			s.nowUnixMilli(),
		).Scan(&active); err != nil {
			return fmt.Errorf("count active tokens for %q: %w", clientID, err)
		}
		if active > 0 {
			return ErrClientInUse
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM auth_tokens WHERE client_id = ?`, clientID); err != nil {
			return fmt.Errorf("delete tokens for %q: %w", clientID, err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM clients WHERE client_id = ?`, clientID)
		if err != nil {
			return fmt.Errorf("delete client %q: %w", clientID, err)
		}
		return requireRowsAffected(res, "delete client", clientID)
	})
}

func validateClient(client models.ClientCredentials) error {
	if strings.TrimSpace(client.ClientID) == "" {
		return errors.New("client_id is required")
	}
	if strings.Contains(client.ClientID, ":") {
		return errors.New("client_id must not contain ':'")
	}
	if client.SecretHash == "" {
		return errors.New("secret_hash is required")
	}
	return nil
}

func scanClient(row scanner) (*models.ClientCredentials, error) {
	var (
		client      models.ClientCredentials
		permissions string
		isActive    int
		expiresAt   sql.NullInt64
		createdAt   int64
		updatedAt   int64
	)
	if err := row.Scan(
		&client.ClientID,
		&client.SecretHash,
		&permissions,
		&isActive,
		&expiresAt,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	decoded, err := decodePermissions(permissions)
	if err != nil {
		return nil, err
	}
	client.Permissions = decoded
	client.IsActive = isActive != 0
	client.ExpiresAt = timePtr(expiresAt)
	client.CreatedAt = time.UnixMilli(createdAt)
	client.UpdatedAt = time.UnixMilli(updatedAt)
	return &client, nil
}

func requireRowsAffected(res sql.Result, op, key string) error {
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for %s %q: %w", op, key, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
