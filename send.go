package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"backupxfer/crypto"
	"backupxfer/logging"
	"backupxfer/network"
	"backupxfer/recovery"
	"backupxfer/transform"
)

func runSend(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("send")
	target := fs.String("to", "", "receiver address host:port (default client.server_address)")
	fingerprint := fs.String("fingerprint", "", "receiver certificate fingerprint to pin (default client.fingerprint)")
	insecure := fs.Bool("insecure", false, "skip receiver certificate verification")
	name := fs.String("name", "", "file name on the receiver (default source base name plus transform suffix)")
	transferID := fs.String("transfer-id", "", "resume a known transfer id")
	clientID := fs.String("client-id", "", "client id (default client.client_id)")
	transformTag := fs.String("transform", "", "transform chain such as zstd+aes-gcm (default transfer.transform_tag)")
	prepareCmd := fs.String("prepare", "", "shell command run before the transfer starts, e.g. to flush the database")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(fs.Output(), "send requires exactly one source file")
		return errUsage
	}
	source := fs.Arg(0)

	rt, err := loadApp(*configPath)
	if err != nil {
		return err
	}
	cfg := rt.cfg

	req := network.TransferRequest{
		SourcePath:   source,
		FileName:     *name,
		TransferID:   *transferID,
		Target:       firstNonEmpty(*target, cfg.Client.ServerAddress),
		ClientID:     firstNonEmpty(*clientID, cfg.Client.ClientID),
		ClientSecret: cfg.Client.ClientSecret,
		TransformTag: firstNonEmpty(*transformTag, cfg.Transfer.TransformTag),
	}
	if req.Target == "" {
		return errors.New("no receiver address: pass -to or set client.server_address")
	}
	if req.ClientID == "" || req.ClientSecret == "" {
		return errors.New("client credentials missing: set client.client_id and BACKUPXFER_CLIENT__CLIENT_SECRET")
	}

	ctx, corrID := logging.EnsureCorrelationID(ctx)
	staged, err := prepareSource(ctx, rt, source, req.TransformTag, shellHook(*prepareCmd, rt.logger), corrID)
	if err != nil {
		return err
	}
	if staged != source {
		req.SourcePath = staged
		if req.FileName == "" {
			req.FileName = filepath.Base(source) + transformSuffix(req.TransformTag)
		}
	}

	store, err := rt.openStore()
	if err != nil {
		return err
	}
	defer rt.closeStore(store)

	sender := network.NewSender(network.SenderOptions{
		Dial: network.DialOptions{
			Fingerprint:       firstNonEmpty(*fingerprint, cfg.Client.Fingerprint),
			Insecure:          *insecure || cfg.Client.Insecure,
			ServerName:        cfg.Client.ServerName,
			ConnectionTimeout: cfg.Client.ConnectionTimeout,
			FrameTimeout:      cfg.Client.FrameTimeout,
		},
		ChunkSize:       cfg.Transfer.ChunkSize,
		DirectThreshold: cfg.Transfer.DirectThreshold,
		ChunkTimeout:    cfg.Transfer.ChunkTimeout,
		AuthTimeout:     cfg.Transfer.AuthTimeout,
		VerifyTimeout:   cfg.Transfer.VerifyTimeout,
		PrepareTimeout:  cfg.Transfer.PrepareTimeout,
		Recovery: recovery.NewManager("sender", recovery.Policy{
			MaxAttempts:     cfg.Recovery.MaxAttempts,
			InitialBackoff:  cfg.Recovery.InitialBackoff,
			MaxBackoff:      cfg.Recovery.MaxBackoff,
			Multiplier:      cfg.Recovery.Multiplier,
			Jitter:          cfg.Recovery.Jitter,
			BreakerFailures: cfg.Recovery.BreakerFailures,
			BreakerCooldown: cfg.Recovery.BreakerCooldown,
		}, rt.logger),
		Checkpoints: store,
		Logger:      rt.logger,
	})

	result := sender.Send(ctx, req)
	switch {
	case result.Success:
		fmt.Printf("Transfer %s completed: %d bytes in %d chunks (%s)\n",
			result.TransferID, result.BytesTransferred, result.ChunksSent, result.Duration.Round(time.Millisecond))
		if staged != source {
			for _, path := range []string{staged, staged + ".source"} {
				if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
					rt.logger.Warn().Err(err).Str("path", path).Msg("remove staged file failed")
				}
			}
		}
		return nil
	case result.Cancelled:
		fmt.Printf("Transfer %s cancelled after %d chunks; run send again to resume\n", result.TransferID, result.ChunksSent)
		return nil
	default:
		return fmt.Errorf("transfer %s failed: %w", result.TransferID, result.Err)
	}
}

// prepareSource runs hook, if any, and stages the source once it succeeds.
func prepareSource(ctx context.Context, rt *app, source, tag string, hook func(context.Context) error, corrID string) (string, error) {
	if hook != nil {
		if err := recovery.Run(ctx, rt.cfg.Transfer.PrepareTimeout, network.LabelServiceControl, corrID, hook); err != nil {
			return "", fmt.Errorf("prepare source: %w", err)
		}
	}
	return stageSource(rt, source, tag)
}

// stagedSource identifies the source a staged file was produced from.
type stagedSource struct {
	Path       string `json:"path"`
	Size       int64  `json:"size"`
	ModifiedAt int64  `json:"modified_at"`
}

// stageSource applies the transform chain to source and returns the path to
// send. A staged file is reused while its source is unchanged so a resumed
// transfer sends identical bytes.
func stageSource(rt *app, source, tag string) (string, error) {
	stage, err := parseStage(rt, tag)
	if err != nil {
		return "", err
	}
	if _, ok := stage.(transform.Identity); ok {
		return source, nil
	}

	absSource, err := filepath.Abs(source)
	if err != nil {
		return "", fmt.Errorf("resolve source: %w", err)
	}
	sourceInfo, err := os.Stat(absSource)
	if err != nil {
		return "", fmt.Errorf("stat source: %w", err)
	}
	stagingDir := filepath.Join(rt.cfg.DataDir, "staging")
	if err := os.MkdirAll(stagingDir, 0o700); err != nil {
		return "", fmt.Errorf("create staging directory: %w", err)
	}

	pathSum := sha256.Sum256([]byte(absSource))
	staged := filepath.Join(stagingDir, fmt.Sprintf("%s-%s%s", filepath.Base(absSource), hex.EncodeToString(pathSum[:4]), transformSuffix(tag)))
	stampPath := staged + ".source"
	want := stagedSource{Path: absSource, Size: sourceInfo.Size(), ModifiedAt: sourceInfo.ModTime().UnixNano()}

	if _, err := os.Stat(staged); err == nil && readStamp(stampPath) == want {
		rt.logger.Info().Str("path", staged).Msg("reusing staged file")
		return staged, nil
	}

	rt.logger.Info().Str("source", absSource).Str("transform", stage.Tag()).Msg("staging source")
	_ = os.Remove(stampPath)
	if err := transform.ApplyFile(stage, absSource, staged); err != nil {
		return "", fmt.Errorf("stage source: %w", err)
	}
	raw, err := json.Marshal(want)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(stampPath, raw, 0o600); err != nil {
		return "", fmt.Errorf("write staging stamp: %w", err)
	}
	return staged, nil
}

func readStamp(path string) stagedSource {
	var stamp stagedSource
	raw, err := os.ReadFile(path)
	if err != nil {
		return stamp
	}
	if err := json.Unmarshal(raw, &stamp); err != nil {
		return stagedSource{}
	}
	return stamp
}

// parseStage resolves tag, loading the transform key only when a stage needs it.
func parseStage(rt *app, tag string) (transform.Stage, error) {
	var key []byte
	if strings.Contains(tag, transform.TagAESGCM) {
		k, err := crypto.EnsureSymmetricKey(rt.cfg.TransformKeyPath(), crypto.TransformKeyPEMType)
		if err != nil {
			return nil, fmt.Errorf("prepare transform key: %w", err)
		}
		key = k
	}
	return transform.ParseTag(tag, key)
}

func transformSuffix(tag string) string {
	if tag == "" || tag == transform.TagIdentity {
		return ""
	}
	return "." + strings.ReplaceAll(tag, "+", ".")
}

// shellHook wraps a shell command as a source preparation hook.
func shellHook(command string, logger zerolog.Logger) func(ctx context.Context) error {
	if strings.TrimSpace(command) == "" {
		return nil
	}
	return func(ctx context.Context) error {
		cmd := exec.CommandContext(ctx, "sh", "-c", command)
		output, err := cmd.CombinedOutput()
		if err != nil {
			return fmt.Errorf("%q: %w: %s", command, err, strings.TrimSpace(string(output)))
		}
		logger.Info().Str("command", command).Msg("source prepared")
		return nil
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
