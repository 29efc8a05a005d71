package storage

import (
	"context"
	"testing"
	"time"

	"backupxfer/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustAddClient(t *testing.T, store *Store, clientID string) {
	t.Helper()

	err := store.CreateClient(context.Background(), models.ClientCredentials{
		ClientID:    clientID,
		SecretHash:  "hash-" + clientID,
		Permissions: []string{models.PermissionTransferWrite},
		IsActive:    true,
	})
	if err != nil {
		t.Fatalf("add client %q: %v", clientID, err)
	}
}

func mustCreateResumeToken(t *testing.T, store *Store, transferID string, size, chunkSize int64) *models.ResumeToken {
	t.Helper()

	token, err := store.CreateOrGetResumeToken(context.Background(), ResumeParams{
		TransferID: transferID,
		ClientID:   "client-a",
		Meta: models.FileMeta{
			Name:              "backup.sql",
			Size:              size,
			ChunkSize:         chunkSize,
			ChecksumAlgorithm: models.ChecksumSHA256,
		},
		TempPath: "/tmp/backup.sql.part",
	})
	if err != nil {
		t.Fatalf("create resume token %q: %v", transferID, err)
	}
	return token
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}
