package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"backupxfer/models"
)

// UpsertTransferCheckpoint inserts or updates the sender's record of a transfer.
func (s *Store) UpsertTransferCheckpoint(ctx context.Context, checkpoint models.TransferCheckpoint) error {
	if strings.TrimSpace(checkpoint.TransferID) == "" {
		return errors.New("transfer_id is required")
	}
	if checkpoint.SourcePath == "" {
		return errors.New("source_path is required")
	}
	if checkpoint.Target == "" {
		return errors.New("target is required")
	}
	if checkpoint.TotalSize < 0 {
		return errors.New("total_size must be >= 0")
	}
	if checkpoint.ChunkSize <= 0 {
		return errors.New("chunk_size must be > 0")
	}
	if checkpoint.UpdatedAt == 0 {
		checkpoint.UpdatedAt = s.nowUnixMilli()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transfer_checkpoints (
			transfer_id,
			source_path,
			file_name,
			total_size,
			chunk_size,
			modified_at,
			file_checksum,
			resume_token,
			target,
			completed,
			updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(transfer_id) DO UPDATE SET
			resume_token = excluded.resume_token,
			file_checksum = excluded.file_checksum,
			completed = excluded.completed,
			updated_at = excluded.updated_at`,
		checkpoint.TransferID,
		checkpoint.SourcePath,
		checkpoint.FileName,
		checkpoint.TotalSize,
		checkpoint.ChunkSize,
		checkpoint.ModifiedAt,
		checkpoint.FileChecksum,
		checkpoint.ResumeToken,
		checkpoint.Target,
		boolToInt(checkpoint.Completed),
		checkpoint.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert transfer checkpoint %q: %w", checkpoint.TransferID, err)
	}
	return nil
}

// GetTransferCheckpoint fetches one checkpoint by transfer id.
func (s *Store) GetTransferCheckpoint(ctx context.Context, transferID string) (*models.TransferCheckpoint, error) {
	if transferID == "" {
		return nil, errors.New("transfer_id is required")
	}

	checkpoint, err := scanTransferCheckpoint(s.db.QueryRowContext(ctx,
		transferCheckpointSelect+` WHERE transfer_id = ?`,
		transferID,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get transfer checkpoint %q: %w", transferID, err)
	}
	return checkpoint, nil
}

// FindOpenCheckpoint returns the newest incomplete checkpoint for the same
// source file, size, mtime and target, if any.
func (s *Store) FindOpenCheckpoint(ctx context.Context, sourcePath, target string, size, modifiedAt int64) (*models.TransferCheckpoint, error) {
	checkpoint, err := scanTransferCheckpoint(s.db.QueryRowContext(ctx,
		transferCheckpointSelect+`
		WHERE source_path = ? AND target = ? AND total_size = ? AND modified_at = ? AND completed = 0
		ORDER BY updated_at DESC
		LIMIT 1`,
		sourcePath,
		target,
		size,
		modifiedAt,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find open checkpoint for %q: %w", sourcePath, err)
	}
	return checkpoint, nil
}

// ListTransferCheckpoints returns checkpoints, newest first.
func (s *Store) ListTransferCheckpoints(ctx context.Context, includeCompleted bool) ([]models.TransferCheckpoint, error) {
	query := transferCheckpointSelect
	if !includeCompleted {
		query += " WHERE completed = 0"
	}
	query += " ORDER BY updated_at DESC, transfer_id"

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list transfer checkpoints: %w", err)
	}
	defer rows.Close()

	checkpoints := make([]models.TransferCheckpoint, 0)
	for rows.Next() {
		checkpoint, scanErr := scanTransferCheckpoint(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan transfer checkpoint row: %w", scanErr)
		}
		checkpoints = append(checkpoints, *checkpoint)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer checkpoint rows: %w", err)
	}
	return checkpoints, nil
}

// DeleteTransferCheckpoint removes one checkpoint row.
func (s *Store) DeleteTransferCheckpoint(ctx context.Context, transferID string) error {
	if transferID == "" {
		return errors.New("transfer_id is required")
	}

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM transfer_checkpoints WHERE transfer_id = ?`,
		transferID,
	); err != nil {
		return fmt.Errorf("delete transfer checkpoint %q: %w", transferID, err)
	}
	return nil
}

const transferCheckpointSelect = `SELECT
	transfer_id,
	source_path,
	file_name,
	total_size,
	chunk_size,
	modified_at,
	file_checksum,
	resume_token,
	target,
	completed,
	updated_at
FROM transfer_checkpoints`

func scanTransferCheckpoint(row scanner) (*models.TransferCheckpoint, error) {
	var (
		checkpoint models.TransferCheckpoint
		completed  int
	)
	if err := row.Scan(
		&checkpoint.TransferID,
		&checkpoint.SourcePath,
		&checkpoint.FileName,
		&checkpoint.TotalSize,
		&checkpoint.ChunkSize,
		&checkpoint.ModifiedAt,
		&checkpoint.FileChecksum,
		&checkpoint.ResumeToken,
		&checkpoint.Target,
		&completed,
		&checkpoint.UpdatedAt,
	); err != nil {
		return nil, err
	}
	checkpoint.Completed = completed != 0
	return &checkpoint, nil
}
