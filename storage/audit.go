package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"backupxfer/models"
)

// SetAuditRetention configures the audit pruning horizon.
func (s *Store) SetAuditRetention(retention time.Duration) {
	if retention <= 0 {
		retention = DefaultAuditRetention
	}
	s.auditRetention = retention
}

// RecordAuditEvent appends one audit entry. Details must be JSON text and must
// never carry a secret or token value.
func (s *Store) RecordAuditEvent(ctx context.Context, event models.AuditEvent) error {
	if strings.TrimSpace(event.Action) == "" {
		return errors.New("action is required")
	}
	if err := validateAuditOutcome(event.Outcome); err != nil {
		return err
	}
	if event.Details == "" {
		event.Details = "{}"
	}
	if !json.Valid([]byte(event.Details)) {
		return errors.New("details must be valid JSON text")
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}

	var clientID *string
	if event.ClientID != nil {
		if trimmed := strings.TrimSpace(*event.ClientID); trimmed != "" {
			clientID = &trimmed
		}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (
			timestamp,
			client_id,
			action,
			outcome,
			failure_kind,
			remote_addr,
			details
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.Timestamp.UnixMilli(),
		nullString(clientID),
		event.Action,
		event.Outcome,
		nullString(event.FailureKind),
		event.RemoteAddr,
		event.Details,
	)
	if err != nil {
		return fmt.Errorf("insert audit event %q: %w", event.Action, err)
	}
	return nil
}

// GetAuditEvents returns recent audit events with optional filtering.
func (s *Store) GetAuditEvents(ctx context.Context, filter AuditFilter) ([]models.AuditEvent, error) {
	if filter.Outcome != "" {
		if err := validateAuditOutcome(filter.Outcome); err != nil {
			return nil, err
		}
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	offset := max(filter.Offset, 0)

	query := strings.Builder{}
	query.WriteString(`SELECT
		id,
		timestamp,
		client_id,
		action,
		outcome,
		failure_kind,
		remote_addr,
		details
	FROM audit_events`)

	where := make([]string, 0, 5)
	args := make([]any, 0, 7)

	if filter.ClientID != "" {
		where = append(where, "client_id = ?")
		args = append(args, filter.ClientID)
	}
	if filter.Action != "" {
		where = append(where, "action = ?")
		args = append(args, filter.Action)
	}
	if filter.Outcome != "" {
		where = append(where, "outcome = ?")
		args = append(args, filter.Outcome)
	}
	if filter.From != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, filter.From.UnixMilli())
	}
	if filter.To != nil {
		where = append(where, "timestamp <= ?")
		args = append(args, filter.To.UnixMilli())
	}

	if len(where) > 0 {
		query.WriteString(" WHERE ")
		query.WriteString(strings.Join(where, " AND "))
	}
	query.WriteString(" ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?")
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("get audit events: %w", err)
	}
	defer rows.Close()

	events := make([]models.AuditEvent, 0)
	for rows.Next() {
		event, err := scanAuditEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit event row: %w", err)
		}
		events = append(events, *event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit event rows: %w", err)
	}

	return events, nil
}

// PruneAuditEvents removes audit events older than the configured retention.
func (s *Store) PruneAuditEvents(ctx context.Context) (int64, error) {
	if s.auditRetention <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-s.auditRetention).UnixMilli()

	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_events WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune audit events: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for audit prune: %w", err)
	}
	return rowsAffected, nil
}

func scanAuditEvent(row scanner) (*models.AuditEvent, error) {
	var (
		event       models.AuditEvent
		timestamp   int64
		clientID    sql.NullString
		failureKind sql.NullString
	)
	if err := row.Scan(
		&event.ID,
		&timestamp,
		&clientID,
		&event.Action,
		&event.Outcome,
		&failureKind,
		&event.RemoteAddr,
		&event.Details,
	); err != nil {
		return nil, err
	}

	event.Timestamp = time.UnixMilli(timestamp)
	event.ClientID = stringPtr(clientID)
	event.FailureKind = stringPtr(failureKind)
	return &event, nil
}
