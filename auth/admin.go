package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"backupxfer/crypto"
	"backupxfer/models"
	"backupxfer/storage"
)

// ClientUpdate lists the fields an admin update changes. Nil fields are kept.
type ClientUpdate struct {
	Secret      *string
	Permissions []string
	IsActive    *bool
	ExpiresAt   *time.Time
	ClearExpiry bool
}

// ProvisionClient creates a client with a hashed secret.
func (g *Gate) ProvisionClient(ctx context.Context, clientID, secret string, permissions []string, expiresAt *time.Time) error {
	hash, err := crypto.HashSecret(secret, g.options.BcryptCost)
	if err != nil {
		return err
	}

	err = g.credentials.CreateClient(ctx, models.ClientCredentials{
		ClientID:    clientID,
		SecretHash:  hash,
		Permissions: permissions,
		IsActive:    true,
		ExpiresAt:   expiresAt,
	})
	if err != nil {
		return fmt.Errorf("provision client %q: %w", clientID, err)
	}

	g.auditAdmin(ctx, clientID, models.AuditActionClientUpdate, map[string]any{"op": "provision", "permissions": permissions})
	g.logger.Info().Str("client_id", clientID).Strs("permissions", permissions).Msg("client provisioned")
	return nil
}

// EnsureClient provisions clientID unless it already exists.
func (g *Gate) EnsureClient(ctx context.Context, clientID, secret string, permissions []string) (bool, error) {
	if _, err := g.credentials.GetClient(ctx, clientID); err == nil {
		return false, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return false, fmt.Errorf("lookup client %q: %w", clientID, err)
	}

	if err := g.ProvisionClient(ctx, clientID, secret, permissions, nil); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// UpdateClient applies an admin update. Outstanding tokens carry a permission
// snapshot, so every update revokes them.
func (g *Gate) UpdateClient(ctx context.Context, clientID string, update ClientUpdate) error {
	client, err := g.credentials.GetClient(ctx, clientID)
	if err != nil {
		return fmt.Errorf("load client %q: %w", clientID, err)
	}

	if update.Secret != nil {
		hash, err := crypto.HashSecret(*update.Secret, g.options.BcryptCost)
		if err != nil {
			return err
		}
		client.SecretHash = hash
	}
	if update.Permissions != nil {
		client.Permissions = update.Permissions
	}
	if update.IsActive != nil {
		client.IsActive = *update.IsActive
	}
	if update.ClearExpiry {
		client.ExpiresAt = nil
	} else if update.ExpiresAt != nil {
		client.ExpiresAt = update.ExpiresAt
	}

	if err := g.credentials.UpdateClient(ctx, *client); err != nil {
		return fmt.Errorf("update client %q: %w", clientID, err)
	}
	revoked, err := g.tokens.RevokeClient(ctx, clientID)
	if err != nil {
		return err
	}

	g.auditAdmin(ctx, clientID, models.AuditActionClientUpdate, map[string]any{
		"op":             "update",
		"secret_changed": update.Secret != nil,
		"revoked_tokens": revoked,
	})
	g.logger.Info().Str("client_id", clientID).Int64("revoked_tokens", revoked).Msg("client updated")
	return nil
}

// DisableClient deactivates a client and revokes its tokens.
func (g *Gate) DisableClient(ctx context.Context, clientID string) error {
	if err := g.credentials.SetClientActive(ctx, clientID, false); err != nil {
		return fmt.Errorf("disable client %q: %w", clientID, err)
	}
	revoked, err := g.tokens.RevokeClient(ctx, clientID)
	if err != nil {
		return err
	}

	g.auditAdmin(ctx, clientID, models.AuditActionClientUpdate, map[string]any{"op": "disable", "revoked_tokens": revoked})
	g.logger.Info().Str("client_id", clientID).Int64("revoked_tokens", revoked).Msg("client disabled")
	return nil
}

// RevokeClientTokens revokes a client's tokens without changing the client.
func (g *Gate) RevokeClientTokens(ctx context.Context, clientID string) (int64, error) {
	revoked, err := g.tokens.RevokeClient(ctx, clientID)
	if err != nil {
		return 0, err
	}
	g.auditAdmin(ctx, clientID, models.AuditActionTokenRevoke, map[string]any{"revoked_tokens": revoked})
	return revoked, nil
}

func (g *Gate) auditAdmin(ctx context.Context, clientID, action string, details map[string]any) {
	g.writeAudit(ctx, models.AuditEvent{
		Timestamp:  g.options.Clock.Now(),
		ClientID:   &clientID,
		Action:     action,
		Outcome:    models.AuditOutcomeSuccess,
		RemoteAddr: RemoteAddr(ctx),
		Details:    auditDetails(details),
	})
}
