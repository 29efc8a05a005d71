package network

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"backupxfer/auth"
	"backupxfer/chunk"
	"backupxfer/crypto"
	"backupxfer/logging"
	"backupxfer/metrics"
	"backupxfer/models"
	"backupxfer/storage"
)

// DefaultMaxChunkSize keeps a base64 chunk record inside MaxFrameSize.
const DefaultMaxChunkSize = 32 * 1024 * 1024

const partialSuffix = ".part"

// Authenticator is the receiver's view of the authentication gate.
type Authenticator interface {
	AuthenticateCredential(ctx context.Context, wire string) (auth.Decision, error)
	Authorize(ctx context.Context, bearer, permission string) (models.AuthorizationContext, error)
}

// ResumeStore is the receiver's durable transfer progress.
type ResumeStore interface {
	CreateOrGetResumeToken(ctx context.Context, params storage.ResumeParams) (*models.ResumeToken, error)
	GetResumeToken(ctx context.Context, token string) (*models.ResumeToken, error)
	SetExpectedFileChecksum(ctx context.Context, token, checksum string) error
	RecordedChunkChecksum(ctx context.Context, token string, index int) (string, bool, error)
	RecordChunkComplete(ctx context.Context, token string, index int, checksum string) (bool, error)
	GetMissingChunks(ctx context.Context, token string, chunkCount int) ([]int, error)
	MarkCompleted(ctx context.Context, token string) error
	ResetChunks(ctx context.Context, token string) error
}

// AuditLog records transfer lifecycle events.
type AuditLog interface {
	RecordAuditEvent(ctx context.Context, event models.AuditEvent) error
}

// ReceiverOptions configures a Receiver.
type ReceiverOptions struct {
	IncomingDir       string
	TLSConfig         *tls.Config
	ConnectionTimeout time.Duration
	FrameTimeout      time.Duration
	MaxChunkSize      int64
	Audit             AuditLog
	Logger            zerolog.Logger
}

// receiverHooks injects faults and observations in tests.
type receiverHooks struct {
	// dropAfterAcks closes the connection right after the n-th chunk ack.
	dropAfterAcks int64
	// observeChunk sees every chunk record before it is verified.
	observeChunk func(transferID string, index int)
}

func (o ReceiverOptions) withDefaults() ReceiverOptions {
	if o.ConnectionTimeout <= 0 {
		o.ConnectionTimeout = DefaultConnectionTimeout
	}
	if o.FrameTimeout <= 0 {
		o.FrameTimeout = DefaultFrameTimeout
	}
	if o.MaxChunkSize <= 0 {
		o.MaxChunkSize = DefaultMaxChunkSize
	}
	return o
}

// Receiver is the server side of the transfer protocol.
type Receiver struct {
	gate     Authenticator
	store    ResumeStore
	options  ReceiverOptions
	logger   zerolog.Logger
	validate *validator.Validate

	hooks receiverHooks
	acks  atomic.Int64
}

// NewReceiver wires a receiver. The incoming directory must exist.
func NewReceiver(gate Authenticator, store ResumeStore, options ReceiverOptions) (*Receiver, error) {
	if gate == nil || store == nil {
		return nil, errors.New("gate and store are required")
	}
	if strings.TrimSpace(options.IncomingDir) == "" {
		return nil, errors.New("incoming directory is required")
	}
	options = options.withDefaults()
	return &Receiver{
		gate:     gate,
		store:    store,
		options:  options,
		logger:   options.Logger.With().Str("component", "receiver").Logger(),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}, nil
}

// inboundTransfer is the receiver's view of one manifest on one connection.
type inboundTransfer struct {
	token    *models.ResumeToken
	clientID string
	count    int
	file     *os.File
	machine  *chunk.Machine
	logger   zerolog.Logger
	started  time.Time
	received int64
}

func (t *inboundTransfer) close() {
	if t.file != nil {
		_ = t.file.Close()
		t.file = nil
	}
}

// Serve runs the protocol on one connection until the peer hangs up or a
// fatal protocol error occurs: auth, then any number of manifest, chunk...,
// complete sequences.
func (r *Receiver) Serve(ctx context.Context, conn *Conn) error {
	ctx, corrID := logging.EnsureCorrelationID(ctx)
	ctx = auth.WithRemoteAddr(ctx, conn.RemoteAddr())
	logger := r.logger.With().Str("correlation_id", corrID).Str("remote_addr", conn.RemoteAddr()).Logger()

	clientID, err := r.authenticate(ctx, conn)
	if err != nil {
		logger.Debug().Err(err).Msg("connection rejected")
		return err
	}
	logger = logger.With().Str("client_id", clientID).Logger()

	var current *inboundTransfer
	defer func() {
		if current != nil {
			r.abandon(ctx, current)
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		msgType, payload, err := conn.Receive()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read record: %w", err)
		}

		switch msgType {
		case TypeManifest:
			if current != nil {
				r.abandon(ctx, current)
				current = nil
			}
			manifest, err := DecodeRecord[Manifest](payload)
			if err != nil {
				_ = conn.SendError(CodeBadRequest, "malformed manifest")
				return err
			}
			current, err = r.openTransfer(ctx, conn, manifest, logger)
			if err != nil {
				return err
			}

		case TypeChunk:
			if current == nil {
				_ = conn.SendError(CodeBadRequest, "chunk before manifest")
				return errors.New("chunk before manifest")
			}
			record, err := DecodeRecord[ChunkRecord](payload)
			if err != nil {
				_ = conn.SendError(CodeBadRequest, "malformed chunk")
				return err
			}
			if err := r.receiveChunk(ctx, conn, current, record); err != nil {
				return err
			}

		case TypeComplete:
			if current == nil {
				_ = conn.SendError(CodeBadRequest, "complete before manifest")
				return errors.New("complete before manifest")
			}
			record, err := DecodeRecord[Complete](payload)
			if err != nil {
				_ = conn.SendError(CodeBadRequest, "malformed complete")
				return err
			}
			done := current
			current = nil
			if err := r.completeTransfer(ctx, conn, done, record); err != nil {
				return err
			}

		default:
			_ = conn.SendError(CodeBadRequest, fmt.Sprintf("unexpected record %q", msgType))
			return fmt.Errorf("%w: %q", ErrInvalidMessageType, msgType)
		}
	}
}

func (r *Receiver) authenticate(ctx context.Context, conn *Conn) (string, error) {
	request, err := Expect[AuthRequest](conn, TypeAuth)
	if err != nil {
		_ = conn.SendError(CodeBadRequest, "expected auth record")
		return "", err
	}

	decision, err := r.gate.AuthenticateCredential(ctx, request.Credential)
	if err != nil {
		if errors.Is(err, models.ErrServiceUnavailable) {
			_ = conn.SendError(CodeUnavailable, "service unavailable")
		} else {
			// The failure kind stays local.
			_ = conn.SendError(CodeAuthFailed, "authentication failed")
		}
		return "", err
	}

	if err := conn.Send(AuthResult{
		Type:      TypeAuthResult,
		Token:     decision.Token,
		ExpiresAt: decision.ExpiresAt.UnixMilli(),
	}); err != nil {
		return "", err
	}
	return decision.ClientID, nil
}

func (r *Receiver) openTransfer(ctx context.Context, conn *Conn, manifest Manifest, logger zerolog.Logger) (*inboundTransfer, error) {
	authz, err := r.gate.Authorize(ctx, manifest.Token, models.PermissionTransferWrite)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrPermissionDenied):
			_ = conn.SendError(CodePermissionDenied, "permission denied")
		default:
			_ = conn.SendError(CodeInvalidToken, "invalid or expired token")
		}
		return nil, err
	}

	if err := r.validate.Struct(manifest); err != nil {
		_ = conn.SendError(CodeBadRequest, "invalid manifest")
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	fileName, err := sanitizeFileName(manifest.FileName)
	if err != nil {
		_ = conn.SendError(CodeBadRequest, err.Error())
		return nil, err
	}
	manifest.FileName = fileName
	if manifest.ChunkSize > r.options.MaxChunkSize {
		_ = conn.SendError(CodeBadRequest, fmt.Sprintf("chunk size exceeds %d bytes", r.options.MaxChunkSize))
		return nil, fmt.Errorf("chunk size %d exceeds limit %d", manifest.ChunkSize, r.options.MaxChunkSize)
	}
	if err := chunk.CheckCount(manifest.Size, manifest.ChunkSize); err != nil {
		_ = conn.SendError(CodeBadRequest, fmt.Sprintf("transfer needs more than %d chunks", chunk.MaxCount))
		return nil, err
	}

	token, err := r.store.CreateOrGetResumeToken(ctx, storage.ResumeParams{
		TransferID: manifest.TransferId,
		ClientID:   authz.ClientID,
		Meta:       manifest.Meta(),
		TempPath:   filepath.Join(r.options.IncomingDir, "."+fileName+"."+uuid.NewString()[:8]+partialSuffix),
	})
	if err != nil {
		_ = conn.SendError(CodeUnavailable, "resume state unavailable")
		return nil, fmt.Errorf("%w: %v", models.ErrServiceUnavailable, err)
	}

	if err := r.checkResumable(ctx, token, authz.ClientID, manifest); err != nil {
		_ = conn.SendError(CodeConflict, "transfer does not match existing resume state")
		return nil, err
	}
	if token.ExpectedFileChecksum == nil && manifest.FileChecksum != "" {
		if err := r.store.SetExpectedFileChecksum(ctx, token.Token, manifest.FileChecksum); err != nil {
			_ = conn.SendError(CodeUnavailable, "resume state unavailable")
			return nil, err
		}
	}

	transfer := &inboundTransfer{
		token:    token,
		clientID: authz.ClientID,
		count:    chunk.Count(token.TotalSize, token.ChunkSize),
		machine:  chunk.NewMachine(),
		started:  time.Now(),
		logger: logger.With().
			Str("transfer_id", token.TransferID).
			Str("resume_token", token.Token).
			Str("file", token.FileName).
			Logger(),
	}

	var missing []int
	if !token.IsCompleted {
		if missing, err = r.prepareTempFile(ctx, transfer); err != nil {
			_ = conn.SendError(CodeUnavailable, "cannot prepare partial file")
			return nil, err
		}
	}

	if len(missing) < transfer.count && !token.IsCompleted {
		_ = transfer.machine.Transition(chunk.StateResuming)
	}
	_ = transfer.machine.Transition(chunk.StateTransferring)

	metrics.ActiveTransfers.Inc()
	r.audit(ctx, transfer, models.AuditActionTransferStart, models.AuditOutcomeSuccess, map[string]any{
		"size":          token.TotalSize,
		"chunk_size":    token.ChunkSize,
		"chunks":        transfer.count,
		"missing":       len(missing),
		"transform_tag": token.TransformTag,
	})
	transfer.logger.Info().
		Int64("size", token.TotalSize).
		Int("chunks", transfer.count).
		Int("missing", len(missing)).
		Bool("completed", token.IsCompleted).
		Msg("transfer negotiated")

	if missing == nil {
		missing = []int{}
	}
	if err := conn.Send(ManifestAck{
		Type:          TypeManifestAck,
		TransferId:    token.TransferID,
		ResumeToken:   token.Token,
		ChunkCount:    transfer.count,
		MissingChunks: missing,
	}); err != nil {
		r.abandon(ctx, transfer)
		return nil, err
	}
	return transfer, nil
}

// checkResumable rejects a manifest that names an existing transfer with a
// different owner, geometry or content.
func (r *Receiver) checkResumable(ctx context.Context, token *models.ResumeToken, clientID string, manifest Manifest) error {
	switch {
	case token.ClientID != clientID:
		return fmt.Errorf("%w: transfer %q belongs to another client", models.ErrResumeTokenConflict, manifest.TransferId)
	case token.TotalSize != manifest.Size || token.ChunkSize != manifest.ChunkSize:
		return fmt.Errorf("%w: transfer %q geometry changed", models.ErrResumeTokenConflict, manifest.TransferId)
	case token.ExpectedFileChecksum != nil && manifest.FileChecksum != "" &&
		!crypto.ChecksumsEqual(*token.ExpectedFileChecksum, manifest.FileChecksum):
		return fmt.Errorf("%w: transfer %q content changed", models.ErrResumeTokenConflict, manifest.TransferId)
	}

	if manifest.ResumeToken != "" && manifest.ResumeToken != token.Token {
		// A token the receiver no longer knows was cleaned up; a known one
		// belongs to some other transfer.
		if _, err := r.store.GetResumeToken(ctx, manifest.ResumeToken); err == nil {
			return fmt.Errorf("%w: resume token does not match transfer %q", models.ErrResumeTokenConflict, manifest.TransferId)
		} else if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
	}
	return nil
}

// prepareTempFile opens the partial file and returns the chunks still needed.
// Recorded chunks whose partial file vanished are forgotten.
func (r *Receiver) prepareTempFile(ctx context.Context, t *inboundTransfer) ([]int, error) {
	if _, err := os.Stat(t.token.TempPath); errors.Is(err, os.ErrNotExist) {
		if err := r.store.ResetChunks(ctx, t.token.Token); err != nil {
			return nil, err
		}
	}

	file, err := os.OpenFile(t.token.TempPath, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open partial file: %w", err)
	}
	if err := file.Truncate(t.token.TotalSize); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("size partial file: %w", err)
	}
	t.file = file

	missing, err := r.store.GetMissingChunks(ctx, t.token.Token, t.count)
	if err != nil {
		t.close()
		return nil, err
	}
	return missing, nil
}

func (r *Receiver) receiveChunk(ctx context.Context, conn *Conn, t *inboundTransfer, record ChunkRecord) error {
	if r.hooks.observeChunk != nil {
		r.hooks.observeChunk(record.TransferId, record.ChunkIndex)
	}
	if record.TransferId != t.token.TransferID {
		_ = conn.SendError(CodeBadRequest, "chunk for another transfer")
		return fmt.Errorf("chunk for transfer %q during %q", record.TransferId, t.token.TransferID)
	}
	if t.file == nil {
		_ = conn.SendError(CodeBadRequest, "transfer already completed")
		return errors.New("chunk for completed transfer")
	}

	rng, err := chunk.At(t.token.TotalSize, t.token.ChunkSize, record.ChunkIndex)
	if err != nil {
		_ = conn.SendError(CodeBadRequest, err.Error())
		return err
	}
	if record.IsLastChunk != (record.ChunkIndex == t.count-1) {
		t.logger.Warn().Int("chunk", record.ChunkIndex).Bool("is_last", record.IsLastChunk).Msg("last-chunk flag disagrees with plan")
	}

	if int64(len(record.Data)) != rng.Size || !crypto.VerifyChunk(record.Data, record.ChunkChecksum) {
		metrics.ChunksTotal.WithLabelValues("receiver", AckStatusChecksumMismatch).Inc()
		t.logger.Warn().Int("chunk", record.ChunkIndex).Msg("chunk checksum mismatch")
		return conn.Send(ChunkAck{
			Type:       TypeChunkAck,
			TransferId: t.token.TransferID,
			ChunkIndex: record.ChunkIndex,
			Status:     AckStatusChecksumMismatch,
		})
	}

	// A recorded chunk is never rewritten: its bytes on disk already match
	// the recorded checksum.
	recorded, ok, err := r.store.RecordedChunkChecksum(ctx, t.token.Token, record.ChunkIndex)
	if err != nil {
		_ = conn.SendError(CodeUnavailable, "resume state unavailable")
		return err
	}
	if ok {
		if !crypto.ChecksumsEqual(recorded, record.ChunkChecksum) {
			_ = conn.SendError(CodeConflict, "chunk already recorded with a different checksum")
			return fmt.Errorf("chunk %d of %q: %w", record.ChunkIndex, t.token.TransferID, models.ErrResumeTokenConflict)
		}
		t.logger.Debug().Int("chunk", record.ChunkIndex).Msg("chunk already stored")
		return r.ackChunk(conn, t, record.ChunkIndex)
	}

	if err := chunk.WriteRange(t.file, rng, record.Data); err != nil {
		_ = conn.SendError(CodeUnavailable, "write failed")
		return err
	}
	if err := t.file.Sync(); err != nil {
		_ = conn.SendError(CodeUnavailable, "write failed")
		return fmt.Errorf("sync partial file: %w", err)
	}

	// The ack is only sent once the completion record is committed.
	if _, err := r.store.RecordChunkComplete(ctx, t.token.Token, record.ChunkIndex, record.ChunkChecksum); err != nil {
		if errors.Is(err, models.ErrResumeTokenConflict) {
			_ = conn.SendError(CodeConflict, "chunk already recorded with a different checksum")
		} else {
			_ = conn.SendError(CodeUnavailable, "resume state unavailable")
		}
		return err
	}

	t.received += rng.Size
	metrics.ChunksTotal.WithLabelValues("receiver", AckStatusOK).Inc()
	metrics.BytesTotal.WithLabelValues("receiver").Add(float64(rng.Size))
	t.logger.Debug().Int("chunk", record.ChunkIndex).Int64("bytes", rng.Size).Msg("chunk stored")
	return r.ackChunk(conn, t, record.ChunkIndex)
}

func (r *Receiver) ackChunk(conn *Conn, t *inboundTransfer, index int) error {
	if err := conn.Send(ChunkAck{
		Type:       TypeChunkAck,
		TransferId: t.token.TransferID,
		ChunkIndex: index,
		Status:     AckStatusOK,
	}); err != nil {
		return err
	}

	if drop := r.hooks.dropAfterAcks; drop > 0 && r.acks.Add(1) == drop {
		_ = conn.Close()
		return io.EOF
	}
	return nil
}

func (r *Receiver) completeTransfer(ctx context.Context, conn *Conn, t *inboundTransfer, record Complete) error {
	defer metrics.ActiveTransfers.Dec()
	defer t.close()

	if record.TransferId != t.token.TransferID {
		_ = conn.SendError(CodeBadRequest, "complete for another transfer")
		return r.fail(ctx, t, fmt.Errorf("complete for transfer %q during %q", record.TransferId, t.token.TransferID))
	}
	_ = t.machine.Transition(chunk.StateVerifying)

	expected := record.FileChecksum
	if t.token.ExpectedFileChecksum != nil && *t.token.ExpectedFileChecksum != "" {
		expected = *t.token.ExpectedFileChecksum
	}

	if t.token.IsCompleted {
		_ = t.machine.Transition(chunk.StateCompleted)
		return conn.Send(CompleteAck{Type: TypeCompleteAck, TransferId: t.token.TransferID, FileChecksum: expected})
	}

	missing, err := r.store.GetMissingChunks(ctx, t.token.Token, t.count)
	if err != nil {
		_ = conn.SendError(CodeUnavailable, "resume state unavailable")
		return r.fail(ctx, t, err)
	}
	if len(missing) > 0 {
		_ = conn.SendError(CodeIncomplete, fmt.Sprintf("%d chunks missing", len(missing)))
		return r.fail(ctx, t, fmt.Errorf("complete with %d chunks missing", len(missing)))
	}

	if err := t.file.Sync(); err != nil {
		_ = conn.SendError(CodeUnavailable, "sync failed")
		return r.fail(ctx, t, err)
	}
	t.close()

	actual, err := crypto.FileChecksumPath(t.token.TempPath)
	if err != nil {
		_ = conn.SendError(CodeUnavailable, "verification failed")
		return r.fail(ctx, t, err)
	}
	if expected == "" || !crypto.ChecksumsEqual(actual, expected) {
		// Every chunk passed its own check, so start over rather than trust any of them.
		if err := r.store.ResetChunks(ctx, t.token.Token); err != nil {
			t.logger.Error().Err(err).Msg("reset chunks after file checksum mismatch")
		}
		_ = conn.SendError(CodeFileChecksumMismatch, "file checksum mismatch")
		return r.fail(ctx, t, fmt.Errorf("%w: transfer %q", models.ErrFileChecksumMismatch, t.token.TransferID))
	}

	finalPath := filepath.Join(r.options.IncomingDir, t.token.FileName)
	if err := os.Rename(t.token.TempPath, finalPath); err != nil {
		_ = conn.SendError(CodeUnavailable, "cannot finalize file")
		return r.fail(ctx, t, fmt.Errorf("rename partial file: %w", err))
	}
	if err := r.store.MarkCompleted(ctx, t.token.Token); err != nil {
		_ = conn.SendError(CodeUnavailable, "resume state unavailable")
		return r.fail(ctx, t, err)
	}
	_ = t.machine.Transition(chunk.StateCompleted)

	metrics.TransfersTotal.WithLabelValues("receiver", "completed").Inc()
	r.audit(ctx, t, models.AuditActionTransferDone, models.AuditOutcomeSuccess, map[string]any{
		"bytes":         t.received,
		"file_checksum": actual,
		"path":          finalPath,
	})
	t.logger.Info().
		Str("path", finalPath).
		Int64("bytes", t.received).
		Dur("elapsed", time.Since(t.started)).
		Msg("transfer completed")

	return conn.Send(CompleteAck{Type: TypeCompleteAck, TransferId: t.token.TransferID, FileChecksum: actual})
}

func (r *Receiver) fail(ctx context.Context, t *inboundTransfer, err error) error {
	t.machine.Fail()
	metrics.TransfersTotal.WithLabelValues("receiver", "failed").Inc()
	r.audit(ctx, t, models.AuditActionTransferFail, models.AuditOutcomeFailure, map[string]any{
		"error": err.Error(),
	})
	t.logger.Error().Err(err).Msg("transfer failed")
	return err
}

// abandon releases a transfer left open by a dropped connection. Its resume
// state stays for a later attempt.
func (r *Receiver) abandon(ctx context.Context, t *inboundTransfer) {
	t.close()
	t.machine.Fail()
	metrics.ActiveTransfers.Dec()
	t.logger.Info().Int64("bytes", t.received).Msg("transfer interrupted; resume state kept")
}

func (r *Receiver) audit(ctx context.Context, t *inboundTransfer, action, outcome string, details map[string]any) {
	if r.options.Audit == nil {
		return
	}
	details["transfer_id"] = t.token.TransferID
	details["file"] = t.token.FileName
	raw, err := EncodeJSON(details)
	if err != nil {
		raw = []byte("{}")
	}
	clientID := t.clientID
	event := models.AuditEvent{
		ClientID:   &clientID,
		Action:     action,
		Outcome:    outcome,
		RemoteAddr: auth.RemoteAddr(ctx),
		Details:    string(raw),
	}
	if err := r.options.Audit.RecordAuditEvent(context.WithoutCancel(ctx), event); err != nil {
		t.logger.Error().Err(err).Str("action", action).Msg("write audit event")
	}
}

// sanitizeFileName keeps received files inside the incoming directory.
func sanitizeFileName(name string) (string, error) {
	clean := filepath.Base(filepath.Clean(strings.TrimSpace(name)))
	if clean == "." || clean == ".." || clean == string(filepath.Separator) || clean != strings.TrimSpace(name) {
		return "", fmt.Errorf("invalid file name %q", name)
	}
	if strings.HasSuffix(clean, partialSuffix) {
		return "", fmt.Errorf("file name %q uses a reserved suffix", name)
	}
	return clean, nil
}
