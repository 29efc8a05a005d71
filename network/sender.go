package network

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"backupxfer/auth"
	"backupxfer/chunk"
	"backupxfer/crypto"
	"backupxfer/logging"
	"backupxfer/metrics"
	"backupxfer/models"
	"backupxfer/recovery"
	"backupxfer/storage"
)

const (
	DefaultChunkSize       = 4 * 1024 * 1024
	DefaultDirectThreshold = 1024 * 1024
	DefaultChunkTimeout    = 2 * time.Minute
	DefaultAuthTimeout     = 30 * time.Second
	DefaultVerifyTimeout   = 30 * time.Minute
	DefaultPrepareTimeout  = 5 * time.Minute

	// LabelServiceControl labels the pre-transfer source preparation hook.
	LabelServiceControl = "service-control"
)

// CheckpointStore persists the sender's view of a transfer across restarts.
type CheckpointStore interface {
	FindOpenCheckpoint(ctx context.Context, sourcePath, target string, size, modifiedAt int64) (*models.TransferCheckpoint, error)
	UpsertTransferCheckpoint(ctx context.Context, checkpoint models.TransferCheckpoint) error
}

// SenderOptions configures a Sender. Zero values select defaults.
type SenderOptions struct {
	Dial            DialOptions
	ChunkSize       int64
	DirectThreshold int64
	ChunkTimeout    time.Duration
	AuthTimeout     time.Duration
	VerifyTimeout   time.Duration
	PrepareTimeout  time.Duration
	Recovery        *recovery.Manager
	Checkpoints     CheckpointStore
	Logger          zerolog.Logger

	// PrepareSource runs once before the transfer, e.g. to quiesce the
	// source database. The transfer only starts if it returns nil.
	PrepareSource func(ctx context.Context) error
}

// senderHooks injects faults in tests.
type senderHooks struct {
	// corruptChunk reports whether the given send attempt of a chunk should
	// go out with a damaged payload.
	corruptChunk func(index, attempt int) bool
}

func (o SenderOptions) withDefaults() SenderOptions {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.DirectThreshold < 0 {
		o.DirectThreshold = 0
	}
	if o.ChunkTimeout <= 0 {
		o.ChunkTimeout = DefaultChunkTimeout
	}
	if o.AuthTimeout <= 0 {
		o.AuthTimeout = DefaultAuthTimeout
	}
	if o.VerifyTimeout <= 0 {
		o.VerifyTimeout = DefaultVerifyTimeout
	}
	if o.PrepareTimeout <= 0 {
		o.PrepareTimeout = DefaultPrepareTimeout
	}
	if o.Recovery == nil {
		o.Recovery = recovery.NewManager("sender", recovery.DefaultPolicy(), o.Logger)
	}
	return o
}

// TransferRequest names the file to push and where to push it.
type TransferRequest struct {
	SourcePath string
	// FileName is the name on the receiver; defaults to the source base name.
	FileName string
	// TransferID resumes a known transfer; empty reuses an open checkpoint or
	// starts a new one.
	TransferID   string
	Target       string
	ClientID     string
	ClientSecret string
	// TransformTag names the stages already applied to SourcePath.
	TransformTag string
}

// Sender is the client side of the transfer protocol.
type Sender struct {
	options SenderOptions
	logger  zerolog.Logger
	hooks   senderHooks
}

// NewSender returns a sender.
func NewSender(options SenderOptions) *Sender {
	options = options.withDefaults()
	return &Sender{
		options: options,
		logger:  options.Logger.With().Str("component", "sender").Logger(),
	}
}

// outboundTransfer is the state kept across reconnects of one Send call.
type outboundTransfer struct {
	req        TransferRequest
	checkpoint models.TransferCheckpoint
	count      int
	file       *os.File
	machine    *chunk.Machine
	logger     zerolog.Logger

	chunksSent int
	bytesSent  int64
}

// Send pushes one file and returns its single terminal result. Cancelling ctx
// stops the transfer between chunks and leaves it resumable.
func (s *Sender) Send(ctx context.Context, req TransferRequest) models.TransferResult {
	started := time.Now()
	ctx, corrID := logging.EnsureCorrelationID(ctx)

	transfer, err := s.prepare(ctx, req, corrID)
	if err != nil {
		return s.finish(ctx, transfer, started, err)
	}
	defer func() {
		_ = transfer.file.Close()
	}()

	err = s.options.Recovery.Do(ctx, "transfer", corrID, func(ctx context.Context, attempt int) error {
		if transfer.machine.State() == chunk.StateFailed {
			_ = transfer.machine.Transition(chunk.StateNegotiating)
		}
		err := s.session(ctx, transfer, corrID)
		if err != nil {
			transfer.machine.Fail()
		}
		return err
	})
	return s.finish(ctx, transfer, started, err)
}

func (s *Sender) prepare(ctx context.Context, req TransferRequest, corrID string) (*outboundTransfer, error) {
	if strings.TrimSpace(req.SourcePath) == "" || strings.TrimSpace(req.Target) == "" {
		return nil, errors.New("source path and target are required")
	}
	if req.FileName == "" {
		req.FileName = filepath.Base(req.SourcePath)
	}

	if s.options.PrepareSource != nil {
		if err := recovery.Run(ctx, s.options.PrepareTimeout, LabelServiceControl, corrID, s.options.PrepareSource); err != nil {
			return nil, fmt.Errorf("prepare source: %w", err)
		}
	}

	file, err := os.Open(req.SourcePath)
	if err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("stat source: %w", err)
	}

	chunkSize := chunk.SizeFor(info.Size(), s.options.ChunkSize)
	if info.Size() <= s.options.DirectThreshold {
		// Small files go out as one chunk in the same record format.
		chunkSize = max(info.Size(), 1)
	}

	checkpoint, err := s.loadCheckpoint(ctx, req, info.Size(), info.ModTime().UnixNano(), chunkSize)
	if err != nil {
		_ = file.Close()
		return nil, err
	}

	transfer := &outboundTransfer{
		req:        req,
		checkpoint: checkpoint,
		count:      chunk.Count(checkpoint.TotalSize, checkpoint.ChunkSize),
		file:       file,
		machine:    chunk.NewMachine(),
		logger: s.logger.With().
			Str("correlation_id", corrID).
			Str("transfer_id", checkpoint.TransferID).
			Str("client_id", req.ClientID).
			Str("file", req.FileName).
			Logger(),
	}
	transfer.logger.Info().
		Int64("size", checkpoint.TotalSize).
		Int64("chunk_size", checkpoint.ChunkSize).
		Int("chunks", transfer.count).
		Bool("resuming", checkpoint.ResumeToken != "").
		Msg("transfer prepared")
	return transfer, nil
}

// loadCheckpoint reuses an open checkpoint for an unchanged source so a
// restarted sender keeps its transfer id and skips re-hashing.
func (s *Sender) loadCheckpoint(ctx context.Context, req TransferRequest, size, modifiedAt, chunkSize int64) (models.TransferCheckpoint, error) {
	if s.options.Checkpoints != nil {
		existing, err := s.options.Checkpoints.FindOpenCheckpoint(ctx, req.SourcePath, req.Target, size, modifiedAt)
		switch {
		case err == nil:
			if (req.TransferID == "" || req.TransferID == existing.TransferID) && existing.ChunkSize == chunkSize && existing.FileName == req.FileName {
				return *existing, nil
			}
		case !errors.Is(err, storage.ErrNotFound):
			return models.TransferCheckpoint{}, fmt.Errorf("load checkpoint: %w", err)
		}
	}

	checksum, err := crypto.FileChecksumPath(req.SourcePath)
	if err != nil {
		return models.TransferCheckpoint{}, err
	}
	transferID := req.TransferID
	if transferID == "" {
		transferID = uuid.NewString()
	}

	checkpoint := models.TransferCheckpoint{
		TransferID:   transferID,
		SourcePath:   req.SourcePath,
		FileName:     req.FileName,
		TotalSize:    size,
		ChunkSize:    chunkSize,
		ModifiedAt:   modifiedAt,
		FileChecksum: checksum,
		Target:       req.Target,
	}
	s.saveCheckpoint(ctx, checkpoint)
	return checkpoint, nil
}

func (s *Sender) saveCheckpoint(ctx context.Context, checkpoint models.TransferCheckpoint) {
	if s.options.Checkpoints == nil {
		return
	}
	checkpoint.UpdatedAt = time.Now().UnixMilli()
	if err := s.options.Checkpoints.UpsertTransferCheckpoint(context.WithoutCancel(ctx), checkpoint); err != nil {
		s.logger.Warn().Err(err).Str("transfer_id", checkpoint.TransferID).Msg("save checkpoint")
	}
}

// session runs one connection's worth of the protocol.
func (s *Sender) session(ctx context.Context, t *outboundTransfer, corrID string) error {
	conn, err := recovery.ExecuteWithTimeout(ctx, s.options.Dial.withDefaults(t.req.Target).ConnectionTimeout, "connect", corrID,
		func(ctx context.Context) (*Conn, error) {
			return Dial(ctx, t.req.Target, s.options.Dial)
		})
	if err != nil {
		return err
	}
	defer func() {
		_ = conn.Close()
	}()

	token, err := recovery.ExecuteWithTimeout(ctx, s.options.AuthTimeout, "authenticate", corrID,
		func(context.Context) (string, error) {
			if err := conn.Send(AuthRequest{
				Type:       TypeAuth,
				Credential: auth.EncodeCredential(t.req.ClientID, t.req.ClientSecret),
			}); err != nil {
				return "", err
			}
			result, err := Expect[AuthResult](conn, TypeAuthResult)
			return result.Token, err
		})
	if err != nil {
		return err
	}

	ack, err := recovery.ExecuteWithTimeout(ctx, s.options.AuthTimeout, "manifest", corrID,
		func(context.Context) (ManifestAck, error) {
			if err := conn.Send(Manifest{
				Type:              TypeManifest,
				Token:             token,
				TransferId:        t.checkpoint.TransferID,
				FileName:          t.checkpoint.FileName,
				Size:              t.checkpoint.TotalSize,
				ChunkSize:         t.checkpoint.ChunkSize,
				ChecksumAlgorithm: models.ChecksumSHA256,
				FileChecksum:      t.checkpoint.FileChecksum,
				TransformTag:      t.req.TransformTag,
				ResumeToken:       t.checkpoint.ResumeToken,
			}); err != nil {
				return ManifestAck{}, err
			}
			return Expect[ManifestAck](conn, TypeManifestAck)
		})
	if err != nil {
		return err
	}

	missing, err := t.acceptManifest(ack)
	if err != nil {
		return err
	}
	if ack.ResumeToken != t.checkpoint.ResumeToken {
		t.checkpoint.ResumeToken = ack.ResumeToken
		s.saveCheckpoint(ctx, t.checkpoint)
	}

	if len(missing) < t.count {
		_ = t.machine.Transition(chunk.StateResuming)
		t.logger.Info().Int("missing", len(missing)).Int("chunks", t.count).Msg("resuming transfer")
	}
	if err := t.machine.Transition(chunk.StateTransferring); err != nil {
		return err
	}

	for _, index := range missing {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: before chunk %d", models.ErrCancelled, index)
		}
		if err := s.sendChunk(ctx, conn, t, index, corrID); err != nil {
			return err
		}
	}

	if err := t.machine.Transition(chunk.StateVerifying); err != nil {
		return err
	}
	done, err := recovery.ExecuteWithTimeout(ctx, s.options.VerifyTimeout, "verify", corrID,
		func(context.Context) (CompleteAck, error) {
			if err := conn.Send(Complete{
				Type:         TypeComplete,
				TransferId:   t.checkpoint.TransferID,
				FileChecksum: t.checkpoint.FileChecksum,
			}); err != nil {
				return CompleteAck{}, err
			}
			return Expect[CompleteAck](conn, TypeCompleteAck)
		})
	if err != nil {
		return err
	}
	if !crypto.ChecksumsEqual(done.FileChecksum, t.checkpoint.FileChecksum) {
		return fmt.Errorf("%w: receiver reported %s", models.ErrFileChecksumMismatch, done.FileChecksum)
	}
	return t.machine.Transition(chunk.StateCompleted)
}

// acceptManifest validates the receiver's missing set and returns it ascending.
func (t *outboundTransfer) acceptManifest(ack ManifestAck) ([]int, error) {
	if ack.TransferId != t.checkpoint.TransferID {
		return nil, fmt.Errorf("%w: manifest ack for transfer %q", ErrInvalidMessageType, ack.TransferId)
	}
	if ack.ChunkCount != t.count {
		return nil, fmt.Errorf("%w: receiver planned %d chunks, sender %d", models.ErrResumeTokenConflict, ack.ChunkCount, t.count)
	}
	missing := slices.Clone(ack.MissingChunks)
	slices.Sort(missing)
	missing = slices.Compact(missing)
	for _, index := range missing {
		if index < 0 || index >= t.count {
			return nil, fmt.Errorf("%w: missing chunk %d out of range", models.ErrResumeTokenConflict, index)
		}
	}
	return missing, nil
}

// sendChunk sends one chunk and waits for its ack. A checksum mismatch earns
// exactly one re-send. The exchange ignores cancellation so a chunk is never
// left half-acknowledged; the chunk timeout still bounds it.
func (s *Sender) sendChunk(ctx context.Context, conn *Conn, t *outboundTransfer, index int, corrID string) error {
	rng, err := chunk.At(t.checkpoint.TotalSize, t.checkpoint.ChunkSize, index)
	if err != nil {
		return err
	}
	data, err := chunk.ReadRange(t.file, rng)
	if err != nil {
		return fmt.Errorf("read chunk %d: %w", index, err)
	}
	checksum := crypto.ChunkChecksum(data)
	inFlight := context.WithoutCancel(ctx)

	for attempt := 0; attempt < 2; attempt++ {
		payload := data
		if s.hooks.corruptChunk != nil && s.hooks.corruptChunk(index, attempt) {
			payload = slices.Clone(data)
			payload[0] ^= 0xff
		}

		ack, err := recovery.ExecuteWithTimeout(inFlight, s.options.ChunkTimeout, "chunk", corrID,
			func(context.Context) (ChunkAck, error) {
				if err := conn.Send(ChunkRecord{
					Type:          TypeChunk,
					TransferId:    t.checkpoint.TransferID,
					ChunkIndex:    index,
					Data:          payload,
					ChunkChecksum: checksum,
					IsLastChunk:   index == t.count-1,
				}); err != nil {
					return ChunkAck{}, err
				}
				return Expect[ChunkAck](conn, TypeChunkAck)
			})
		if err != nil {
			return fmt.Errorf("chunk %d: %w", index, err)
		}
		if ack.ChunkIndex != index {
			return fmt.Errorf("%w: ack for chunk %d while sending %d", ErrInvalidMessageType, ack.ChunkIndex, index)
		}

		if ack.Status == AckStatusOK {
			t.chunksSent++
			t.bytesSent += rng.Size
			metrics.ChunksTotal.WithLabelValues("sender", AckStatusOK).Inc()
			metrics.BytesTotal.WithLabelValues("sender").Add(float64(rng.Size))
			t.logger.Debug().Int("chunk", index).Int("attempt", attempt+1).Msg("chunk acknowledged")
			return nil
		}

		metrics.ChunksTotal.WithLabelValues("sender", AckStatusChecksumMismatch).Inc()
		t.logger.Warn().Int("chunk", index).Int("attempt", attempt+1).Msg("receiver reported chunk checksum mismatch")
	}
	return fmt.Errorf("chunk %d: %w", index, models.ErrChunkChecksumMismatch)
}

func (s *Sender) finish(ctx context.Context, t *outboundTransfer, started time.Time, err error) models.TransferResult {
	result := models.TransferResult{
		Success:  err == nil,
		Duration: time.Since(started),
		Err:      err,
	}
	logger := s.logger
	if t != nil {
		result.TransferID = t.checkpoint.TransferID
		result.BytesTransferred = t.bytesSent
		result.ChunksSent = t.chunksSent
		logger = t.logger
	}

	switch {
	case err == nil:
		t.checkpoint.Completed = true
		s.saveCheckpoint(ctx, t.checkpoint)
		metrics.TransfersTotal.WithLabelValues("sender", "completed").Inc()
		logger.Info().
			Int("chunks_sent", result.ChunksSent).
			Int64("bytes", result.BytesTransferred).
			Dur("elapsed", result.Duration).
			Msg("transfer completed")
	case errors.Is(err, models.ErrCancelled) || ctx.Err() != nil:
		result.Cancelled = true
		if !errors.Is(err, models.ErrCancelled) {
			result.Err = fmt.Errorf("%w: %w", models.ErrCancelled, err)
		}
		metrics.TransfersTotal.WithLabelValues("sender", "cancelled").Inc()
		logger.Warn().Int("chunks_sent", result.ChunksSent).Msg("transfer cancelled; resumable")
	default:
		metrics.TransfersTotal.WithLabelValues("sender", "failed").Inc()
		logger.Error().Err(err).Int("chunks_sent", result.ChunksSent).Dur("elapsed", result.Duration).Msg("transfer failed")
	}
	return result
}
