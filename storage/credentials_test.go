package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"backupxfer/models"
)

func TestCreateAndGetClient(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustAddClient(t, store, "client-a")

	client, err := store.GetClient(ctx, "client-a")
	if err != nil {
		t.Fatalf("GetClient failed: %v", err)
	}
	if !client.IsActive || client.SecretHash != "hash-client-a" {
		t.Fatalf("unexpected client: %+v", client)
	}
	if len(client.Permissions) != 1 || client.Permissions[0] != models.PermissionTransferWrite {
		t.Fatalf("unexpected permissions: %v", client.Permissions)
	}

	err = store.CreateClient(ctx, models.ClientCredentials{ClientID: "client-a", SecretHash: "x"})
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	if _, err := store.GetClient(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateClientRejectsColonInID(t *testing.T) {
	store := newTestStore(t)
	err := store.CreateClient(context.Background(), models.ClientCredentials{ClientID: "a:b", SecretHash: "x"})
	if err == nil {
		t.Fatalf("expected client id containing ':' to be rejected")
	}
}

func TestUpdateAndDisableClient(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustAddClient(t, store, "client-a")

	expires := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	err := store.UpdateClient(ctx, models.ClientCredentials{
		ClientID:    "client-a",
		SecretHash:  "new-hash",
		Permissions: []string{"transfer:write", "transfer:read"},
		IsActive:    true,
		ExpiresAt:   &expires,
	})
	if err != nil {
		t.Fatalf("UpdateClient failed: %v", err)
	}
	if err := store.SetClientActive(ctx, "client-a", false); err != nil {
		t.Fatalf("SetClientActive failed: %v", err)
	}

	client, err := store.GetClient(ctx, "client-a")
	if err != nil {
		t.Fatalf("GetClient failed: %v", err)
	}
	if client.IsActive {
		t.Fatalf("expected client to be disabled")
	}
	if client.ExpiresAt == nil || !client.ExpiresAt.Equal(expires) {
		t.Fatalf("unexpected expiry: %v", client.ExpiresAt)
	}
	if len(client.Permissions) != 2 {
		t.Fatalf("unexpected permissions: %v", client.Permissions)
	}
	if err := store.SetClientActive(ctx, "nobody", true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteClientRefusedWhileTokenActive(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustAddClient(t, store, "client-a")

	now := time.Now()
	err := store.SaveToken(ctx, TokenRecord{
		AuthenticationToken: models.AuthenticationToken{
			TokenID:   "tok-1",
			ClientID:  "client-a",
			IssuedAt:  now,
			ExpiresAt: now.Add(time.Hour),
		},
		TokenHash: "hash-1",
	})
	if err != nil {
		t.Fatalf("SaveToken failed: %v", err)
	}

	if err := store.DeleteClient(ctx, "client-a"); !errors.Is(err, ErrClientInUse) {
		t.Fatalf("expected ErrClientInUse, got %v", err)
	}
	if _, err := store.RevokeClientTokens(ctx, "client-a", now); err != nil {
		t.Fatalf("RevokeClientTokens failed: %v", err)
	}
	if err := store.DeleteClient(ctx, "client-a"); err != nil {
		t.Fatalf("DeleteClient after revoke failed: %v", err)
	}
	if _, err := store.GetClient(ctx, "client-a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected client to be gone, got %v", err)
	}
}
