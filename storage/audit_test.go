package storage

import (
	"context"
	"testing"
	"time"

	"backupxfer/models"
)

func TestRecordAndFilterAuditEvents(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	clientID := "client-a"
	kind := string(models.KindInvalidSecret)
	events := []models.AuditEvent{
		{ClientID: &clientID, Action: models.AuditActionAuthAttempt, Outcome: models.AuditOutcomeFailure, FailureKind: &kind},
		{ClientID: &clientID, Action: models.AuditActionAuthAttempt, Outcome: models.AuditOutcomeSuccess},
		{Action: models.AuditActionAuthAttempt, Outcome: models.AuditOutcomeFailure, Details: `{"reason":"malformed"}`},
	}
	for _, event := range events {
		if err := store.RecordAuditEvent(ctx, event); err != nil {
			t.Fatalf("RecordAuditEvent failed: %v", err)
		}
	}

	got, err := store.GetAuditEvents(ctx, AuditFilter{ClientID: clientID})
	if err != nil {
		t.Fatalf("GetAuditEvents failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events for client, got %d", len(got))
	}

	failures, err := store.GetAuditEvents(ctx, AuditFilter{Outcome: models.AuditOutcomeFailure})
	if err != nil {
		t.Fatalf("GetAuditEvents failed: %v", err)
	}
	if len(failures) != 2 {
		t.Fatalf("expected 2 failures, got %d", len(failures))
	}
}

func TestRecordAuditEventValidation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.RecordAuditEvent(ctx, models.AuditEvent{Outcome: models.AuditOutcomeSuccess}); err == nil {
		t.Fatalf("expected missing action to fail")
	}
	if err := store.RecordAuditEvent(ctx, models.AuditEvent{Action: "x", Outcome: "maybe"}); err == nil {
		t.Fatalf("expected invalid outcome to fail")
	}
	if err := store.RecordAuditEvent(ctx, models.AuditEvent{Action: "x", Outcome: models.AuditOutcomeSuccess, Details: "{"}); err == nil {
		t.Fatalf("expected invalid details JSON to fail")
	}
}

func TestPruneAuditEvents(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	store.SetAuditRetention(time.Hour)

	old := time.Now().Add(-2 * time.Hour)
	if err := store.RecordAuditEvent(ctx, models.AuditEvent{Timestamp: old, Action: "x", Outcome: models.AuditOutcomeSuccess}); err != nil {
		t.Fatalf("RecordAuditEvent failed: %v", err)
	}
	if err := store.RecordAuditEvent(ctx, models.AuditEvent{Action: "x", Outcome: models.AuditOutcomeSuccess}); err != nil {
		t.Fatalf("RecordAuditEvent failed: %v", err)
	}

	pruned, err := store.PruneAuditEvents(ctx)
	if err != nil {
		t.Fatalf("PruneAuditEvents failed: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("expected one pruned event, got %d", pruned)
	}
}
