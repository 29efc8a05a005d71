package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"backupxfer/chunk"
	"backupxfer/models"
)

// ResumeParams describes a transfer being opened on the receiver.
type ResumeParams struct {
	TransferID string
	ClientID   string
	Meta       models.FileMeta
	TempPath   string
}

// CreateOrGetResumeToken returns the resume token for (file name, transfer id),
// creating it if this is the first time the transfer is seen. Callers must
// check the returned token's client id and geometry against their request.
func (s *Store) CreateOrGetResumeToken(ctx context.Context, params ResumeParams) (*models.ResumeToken, error) {
	if strings.TrimSpace(params.TransferID) == "" {
		return nil, errors.New("transfer_id is required")
	}
	if strings.TrimSpace(params.ClientID) == "" {
		return nil, errors.New("client_id is required")
	}
	if strings.TrimSpace(params.Meta.Name) == "" {
		return nil, errors.New("file_name is required")
	}
	if params.Meta.Size < 0 {
		return nil, errors.New("total_size must be >= 0")
	}
	if err := chunk.CheckCount(params.Meta.Size, params.Meta.ChunkSize); err != nil {
		return nil, err
	}
	algorithm := params.Meta.ChecksumAlgorithm
	if algorithm == "" {
		algorithm = models.ChecksumSHA256
	}

	var token *models.ResumeToken
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := scanResumeToken(tx.QueryRowContext(ctx,
			resumeTokenSelect+` WHERE file_name = ? AND transfer_id = ?`,
			params.Meta.Name,
			params.TransferID,
		))
		if err == nil {
			token = existing
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("lookup resume token %q/%q: %w", params.Meta.Name, params.TransferID, err)
		}

		now := s.nowUnixMilli()
		var expected *string
		if params.Meta.FileChecksum != "" {
			expected = &params.Meta.FileChecksum
		}
		created := &models.ResumeToken{
			Token:                uuid.NewString(),
			TransferID:           params.TransferID,
			ClientID:             params.ClientID,
			FileName:             params.Meta.Name,
			TotalSize:            params.Meta.Size,
			ChunkSize:            params.Meta.ChunkSize,
			ChecksumAlgorithm:    algorithm,
			ExpectedFileChecksum: expected,
			TransformTag:         params.Meta.TransformTag,
			TempPath:             params.TempPath,
			CreatedAt:            time.UnixMilli(now),
			LastActivity:         time.UnixMilli(now),
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO resume_tokens (
				token,
				transfer_id,
				client_id,
				file_name,
				total_size,
				chunk_size,
				checksum_algorithm,
				expected_file_checksum,
				transform_tag,
				temp_path,
				is_completed,
				created_at,
				last_activity
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
			created.Token,
			created.TransferID,
			created.ClientID,
			created.FileName,
			created.TotalSize,
			created.ChunkSize,
			created.ChecksumAlgorithm,
			nullString(created.ExpectedFileChecksum),
			created.TransformTag,
			created.TempPath,
			now,
			now,
		); err != nil {
			return fmt.Errorf("insert resume token %q/%q: %w", params.Meta.Name, params.TransferID, err)
		}
		token = created
		return nil
	})
	if err != nil {
		return nil, err
	}
	return token, nil
}

// GetResumeToken fetches one resume token.
func (s *Store) GetResumeToken(ctx context.Context, token string) (*models.ResumeToken, error) {
	resume, err := scanResumeToken(s.db.QueryRowContext(ctx, resumeTokenSelect+` WHERE token = ?`, token))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get resume token %q: %w", token, err)
	}
	return resume, nil
}

// FindResumeToken returns the token of (file name, transfer id).
func (s *Store) FindResumeToken(ctx context.Context, fileName, transferID string) (*models.ResumeToken, error) {
	resume, err := scanResumeToken(s.db.QueryRowContext(ctx,
		resumeTokenSelect+` WHERE file_name = ? AND transfer_id = ?`,
		fileName,
		transferID,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find resume token %q/%q: %w", fileName, transferID, err)
	}
	return resume, nil
}

// SetExpectedFileChecksum records the sender-declared file checksum once known.
func (s *Store) SetExpectedFileChecksum(ctx context.Context, token, checksum string) error {
	if checksum == "" {
		return errors.New("checksum is required")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE resume_tokens SET expected_file_checksum = ?, last_activity = ? WHERE token = ?`,
		checksum,
		s.nowUnixMilli(),
		token,
	)
	if err != nil {
		return fmt.Errorf("set expected checksum for %q: %w", token, err)
	}
	return requireRowsAffected(res, "set expected checksum", token)
}

// RecordChunkComplete durably records that chunk index of token arrived with
// checksum. It returns true when the row is new and false for an identical
// repeat. A different checksum for a recorded index fails with
// models.ErrResumeTokenConflict. The write lock taken by the immediate
// transaction serializes concurrent calls for the same pair.
func (s *Store) RecordChunkComplete(ctx context.Context, token string, index int, checksum string) (bool, error) {
	if index < 0 {
		return false, errors.New("chunk_index must be >= 0")
	}
	if checksum == "" {
		return false, errors.New("chunk_checksum is required")
	}

	var recorded bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var totalSize, chunkSize int64
		var completed int
		if err := tx.QueryRowContext(ctx,
			`SELECT total_size, chunk_size, is_completed FROM resume_tokens WHERE token = ?`,
			token,
		).Scan(&totalSize, &chunkSize, &completed); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("load resume token %q: %w", token, err)
		}
		if count := chunk.Count(totalSize, chunkSize); index >= count {
			return fmt.Errorf("chunk_index %d out of range for %d chunks", index, count)
		}

		now := s.nowUnixMilli()
		res, err := tx.ExecContext(ctx,
			`INSERT INTO resume_chunks (resume_token, chunk_index, chunk_checksum, completed_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(resume_token, chunk_index) DO NOTHING`,
			token,
			index,
			strings.ToLower(checksum),
			now,
		)
		if err != nil {
			return fmt.Errorf("insert resume chunk %q/%d: %w", token, index, err)
		}
		inserted, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("read rows affected for resume chunk %q/%d: %w", token, index, err)
		}

		if inserted == 0 {
			var existing string
			if err := tx.QueryRowContext(ctx,
				`SELECT chunk_checksum FROM resume_chunks WHERE resume_token = ? AND chunk_index = ?`,
				token,
				index,
			).Scan(&existing); err != nil {
				return fmt.Errorf("load resume chunk %q/%d: %w", token, index, err)
			}
			if !strings.EqualFold(existing, checksum) {
				return fmt.Errorf("chunk %d of %q: %w", index, token, models.ErrResumeTokenConflict)
			}
			return nil
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE resume_tokens SET last_activity = ? WHERE token = ?`,
			now,
			token,
		); err != nil {
			return fmt.Errorf("touch resume token %q: %w", token, err)
		}
		recorded = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return recorded, nil
}

// RecordedChunkChecksum returns the checksum recorded for chunk index of
// token. The bool is false when the chunk has not been recorded.
func (s *Store) RecordedChunkChecksum(ctx context.Context, token string, index int) (string, bool, error) {
	var checksum string
	err := s.db.QueryRowContext(ctx,
		`SELECT chunk_checksum FROM resume_chunks WHERE resume_token = ? AND chunk_index = ?`,
		token,
		index,
	).Scan(&checksum)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", false, nil
	case err != nil:
		return "", false, fmt.Errorf("load resume chunk %q/%d: %w", token, index, err)
	}
	return checksum, true, nil
}

// CompletedChunks returns the recorded chunks of token in index order.
func (s *Store) CompletedChunks(ctx context.Context, token string) ([]models.ResumeChunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT resume_token, chunk_index, chunk_checksum, completed_at
		FROM resume_chunks
		WHERE resume_token = ?
		ORDER BY chunk_index`,
		token,
	)
	if err != nil {
		return nil, fmt.Errorf("list resume chunks %q: %w", token, err)
	}
	defer rows.Close()

	chunks := make([]models.ResumeChunk, 0)
	for rows.Next() {
		var (
			recorded    models.ResumeChunk
			completedAt int64
		)
		if err := rows.Scan(&recorded.ResumeToken, &recorded.ChunkIndex, &recorded.ChunkChecksum, &completedAt); err != nil {
			return nil, fmt.Errorf("scan resume chunk row: %w", err)
		}
		recorded.CompletedAt = time.UnixMilli(completedAt)
		chunks = append(chunks, recorded)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate resume chunk rows: %w", err)
	}
	return chunks, nil
}

// GetMissingChunks returns, ascending, every index in [0, chunkCount) without a
// recorded chunk.
func (s *Store) GetMissingChunks(ctx context.Context, token string, chunkCount int) ([]int, error) {
	if chunkCount < 0 || chunkCount > chunk.MaxCount {
		return nil, fmt.Errorf("chunk count %d out of range", chunkCount)
	}
	if _, err := s.GetResumeToken(ctx, token); err != nil {
		return nil, err
	}

	chunks, err := s.CompletedChunks(ctx, token)
	if err != nil {
		return nil, err
	}
	done := make([]int, 0, len(chunks))
	for _, recorded := range chunks {
		done = append(done, recorded.ChunkIndex)
	}
	return chunk.Missing(chunkCount, done), nil
}

// MarkCompleted flags the transfer as verified and finished.
func (s *Store) MarkCompleted(ctx context.Context, token string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE resume_tokens SET is_completed = 1, last_activity = ? WHERE token = ?`,
		s.nowUnixMilli(),
		token,
	)
	if err != nil {
		return fmt.Errorf("mark resume token %q completed: %w", token, err)
	}
	return requireRowsAffected(res, "mark completed", token)
}

// ResetChunks drops every recorded chunk of an incomplete token so the next
// attempt re-sends the whole file.
func (s *Store) ResetChunks(ctx context.Context, token string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE resume_tokens SET last_activity = ? WHERE token = ? AND is_completed = 0`,
			s.nowUnixMilli(),
			token,
		)
		if err != nil {
			return fmt.Errorf("touch resume token %q: %w", token, err)
		}
		if err := requireRowsAffected(res, "reset chunks", token); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM resume_chunks WHERE resume_token = ?`, token); err != nil {
			return fmt.Errorf("delete resume chunks %q: %w", token, err)
		}
		return nil
	})
}

// DeleteResumeToken removes a token and its chunk records.
func (s *Store) DeleteResumeToken(ctx context.Context, token string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM resume_tokens WHERE token = ?`, token)
	if err != nil {
		return fmt.Errorf("delete resume token %q: %w", token, err)
	}
	return requireRowsAffected(res, "delete resume token", token)
}

// CleanupStale removes incomplete tokens idle longer than maxInactivity and
// completed tokens older than completedRetention. The removed tokens are
// returned so callers can discard partial files.
func (s *Store) CleanupStale(ctx context.Context, maxInactivity, completedRetention time.Duration) ([]models.ResumeToken, error) {
	if maxInactivity <= 0 {
		return nil, errors.New("max inactivity must be > 0")
	}
	if completedRetention < 0 {
		completedRetention = 0
	}

	now := s.now()
	staleCutoff := now.Add(-maxInactivity).UnixMilli()
	completedCutoff := now.Add(-completedRetention).UnixMilli()

	var removed []models.ResumeToken
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			resumeTokenSelect+`
			WHERE (is_completed = 0 AND last_activity < ?)
			   OR (is_completed = 1 AND last_activity <= ?)
			ORDER BY last_activity`,
			staleCutoff,
			completedCutoff,
		)
		if err != nil {
			return fmt.Errorf("select stale resume tokens: %w", err)
		}
		for rows.Next() {
			token, err := scanResumeToken(rows)
			if err != nil {
				_ = rows.Close()
				return fmt.Errorf("scan stale resume token: %w", err)
			}
			removed = append(removed, *token)
		}
		if err := rows.Close(); err != nil {
			return fmt.Errorf("close stale resume rows: %w", err)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate stale resume rows: %w", err)
		}

		for _, token := range removed {
			if _, err := tx.ExecContext(ctx, `DELETE FROM resume_tokens WHERE token = ?`, token.Token); err != nil {
				return fmt.Errorf("delete stale resume token %q: %w", token.Token, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

const resumeTokenSelect = `SELECT
	token,
	transfer_id,
	client_id,
	file_name,
	total_size,
	chunk_size,
	checksum_algorithm,
	expected_file_checksum,
	transform_tag,
	temp_path,
	is_completed,
	created_at,
	last_activity
FROM resume_tokens`

func scanResumeToken(row scanner) (*models.ResumeToken, error) {
	var (
		token        models.ResumeToken
		expected     sql.NullString
		isCompleted  int
		createdAt    int64
		lastActivity int64
	)
	if err := row.Scan(
		&token.Token,
		&token.TransferID,
		&token.ClientID,
		&token.FileName,
		&token.TotalSize,
		&token.ChunkSize,
		&token.ChecksumAlgorithm,
		&expected,
		&token.TransformTag,
		&token.TempPath,
		&isCompleted,
		&createdAt,
		&lastActivity,
	); err != nil {
		return nil, err
	}
	token.ExpectedFileChecksum = stringPtr(expected)
	token.IsCompleted = isCompleted != 0
	token.CreatedAt = time.UnixMilli(createdAt)
	token.LastActivity = time.UnixMilli(lastActivity)
	return &token, nil
}
