package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"backupxfer/config"
	"backupxfer/models"
	"backupxfer/storage"
	"backupxfer/transform"
)

func newTestApp(t *testing.T) *app {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	if err := config.EnsureDataDirectories(cfg.DataDir); err != nil {
		t.Fatalf("EnsureDataDirectories failed: %v", err)
	}
	return &app{cfg: &cfg, logger: zerolog.Nop()}
}

func TestStageSourceIdentityReturnsSource(t *testing.T) {
	rt := newTestApp(t)
	source := filepath.Join(t.TempDir(), "db.bak")
	if err := os.WriteFile(source, []byte("backup"), 0o600); err != nil {
		t.Fatalf("write source: %v", err)
	}

	got, err := stageSource(rt, source, transform.TagIdentity)
	if err != nil {
		t.Fatalf("stageSource failed: %v", err)
	}
	if got != source {
		t.Fatalf("expected source path, got %q", got)
	}
}

func TestStageSourceIsReusedAndRestorable(t *testing.T) {
	rt := newTestApp(t)
	source := filepath.Join(t.TempDir(), "db.bak")
	payload := bytes.Repeat([]byte("INSERT INTO t VALUES (1);\n"), 4096)
	if err := os.WriteFile(source, payload, 0o600); err != nil {
		t.Fatalf("write source: %v", err)
	}
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(source, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	tag := transform.TagZstd + "+" + transform.TagAESGCM
	staged, err := stageSource(rt, source, tag)
	if err != nil {
		t.Fatalf("stageSource failed: %v", err)
	}
	if name := filepath.Base(staged); !strings.HasPrefix(name, "db.bak-") || !strings.HasSuffix(name, ".zstd.aes-gcm") {
		t.Fatalf("unexpected staged name %q", name)
	}
	first, err := os.ReadFile(staged)
	if err != nil {
		t.Fatalf("read staged: %v", err)
	}

	again, err := stageSource(rt, source, tag)
	if err != nil {
		t.Fatalf("second stageSource failed: %v", err)
	}
	second, err := os.ReadFile(again)
	if err != nil {
		t.Fatalf("read staged again: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatalf("staged file was regenerated instead of reused")
	}

	stage, err := parseStage(rt, tag)
	if err != nil {
		t.Fatalf("parseStage failed: %v", err)
	}
	restored := filepath.Join(t.TempDir(), "restored.bak")
	if err := transform.ReverseFile(stage, staged, restored); err != nil {
		t.Fatalf("ReverseFile failed: %v", err)
	}
	got, err := os.ReadFile(restored)
	if err != nil {
		t.Fatalf("read restored: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("restored payload differs from source")
	}
}

func restoreStaged(t *testing.T, rt *app, tag, staged string) []byte {
	t.Helper()
	stage, err := parseStage(rt, tag)
	if err != nil {
		t.Fatalf("parseStage failed: %v", err)
	}
	restored := filepath.Join(t.TempDir(), "restored.bak")
	if err := transform.ReverseFile(stage, staged, restored); err != nil {
		t.Fatalf("ReverseFile failed: %v", err)
	}
	got, err := os.ReadFile(restored)
	if err != nil {
		t.Fatalf("read restored: %v", err)
	}
	return got
}

func TestStageSourceKeepsSameNamedSourcesApart(t *testing.T) {
	rt := newTestApp(t)
	tag := transform.TagZstd

	first := filepath.Join(t.TempDir(), "db.bak")
	second := filepath.Join(t.TempDir(), "db.bak")
	if err := os.WriteFile(first, []byte("first database"), 0o600); err != nil {
		t.Fatalf("write first source: %v", err)
	}
	if err := os.WriteFile(second, []byte("second database"), 0o600); err != nil {
		t.Fatalf("write second source: %v", err)
	}
	// The second source is older than the first staged file.
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(second, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	stagedFirst, err := stageSource(rt, first, tag)
	if err != nil {
		t.Fatalf("stage first: %v", err)
	}
	stagedSecond, err := stageSource(rt, second, tag)
	if err != nil {
		t.Fatalf("stage second: %v", err)
	}
	if stagedFirst == stagedSecond {
		t.Fatalf("both sources staged to %q", stagedFirst)
	}
	if got := restoreStaged(t, rt, tag, stagedSecond); string(got) != "second database" {
		t.Fatalf("second source staged as %q", got)
	}
	if got := restoreStaged(t, rt, tag, stagedFirst); string(got) != "first database" {
		t.Fatalf("first source staged as %q", got)
	}
}

func TestStageSourceRestagesChangedSource(t *testing.T) {
	rt := newTestApp(t)
	tag := transform.TagZstd
	source := filepath.Join(t.TempDir(), "db.bak")
	if err := os.WriteFile(source, []byte("version one"), 0o600); err != nil {
		t.Fatalf("write source: %v", err)
	}
	if _, err := stageSource(rt, source, tag); err != nil {
		t.Fatalf("stage first version: %v", err)
	}

	if err := os.WriteFile(source, []byte("version two, longer"), 0o600); err != nil {
		t.Fatalf("rewrite source: %v", err)
	}
	staged, err := stageSource(rt, source, tag)
	if err != nil {
		t.Fatalf("stage second version: %v", err)
	}
	if got := restoreStaged(t, rt, tag, staged); string(got) != "version two, longer" {
		t.Fatalf("stale staged file reused: %q", got)
	}
}

func TestPrepareSourceRunsHookBeforeStaging(t *testing.T) {
	rt := newTestApp(t)
	tag := transform.TagZstd
	source := filepath.Join(t.TempDir(), "db.bak")
	if err := os.WriteFile(source, []byte("dirty pages"), 0o600); err != nil {
		t.Fatalf("write source: %v", err)
	}

	flushed := func(context.Context) error {
		return os.WriteFile(source, []byte("flushed database"), 0o600)
	}
	staged, err := prepareSource(context.Background(), rt, source, tag, flushed, "test")
	if err != nil {
		t.Fatalf("prepareSource failed: %v", err)
	}
	if got := restoreStaged(t, rt, tag, staged); string(got) != "flushed database" {
		t.Fatalf("staged before the hook ran: %q", got)
	}
}

func TestPrepareSourceHookFailureSkipsStaging(t *testing.T) {
	rt := newTestApp(t)
	source := filepath.Join(t.TempDir(), "db.bak")
	if err := os.WriteFile(source, []byte("backup"), 0o600); err != nil {
		t.Fatalf("write source: %v", err)
	}
	hookErr := errors.New("database did not quiesce")

	_, err := prepareSource(context.Background(), rt, source, transform.TagZstd, func(context.Context) error { return hookErr }, "test")
	if !errors.Is(err, hookErr) {
		t.Fatalf("expected hook error, got %v", err)
	}
	entries, err := os.ReadDir(filepath.Join(rt.cfg.DataDir, "staging"))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("read staging dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("nothing may be staged when the hook fails, found %d entries", len(entries))
	}
}

func TestForgetTransferDropsResumeState(t *testing.T) {
	rt := newTestApp(t)
	store, err := rt.openStore()
	if err != nil {
		t.Fatalf("openStore failed: %v", err)
	}
	t.Cleanup(func() { rt.closeStore(store) })
	ctx := context.Background()

	partial := filepath.Join(rt.cfg.IncomingDir(), ".db.bak.part")
	if err := os.WriteFile(partial, make([]byte, 2048), 0o600); err != nil {
		t.Fatalf("write partial file: %v", err)
	}
	token, err := store.CreateOrGetResumeToken(ctx, storage.ResumeParams{
		TransferID: "nightly",
		ClientID:   "default-client",
		Meta:       models.FileMeta{Name: "db.bak", Size: 2048, ChunkSize: 1024},
		TempPath:   partial,
	})
	if err != nil {
		t.Fatalf("CreateOrGetResumeToken failed: %v", err)
	}
	if _, err := store.RecordChunkComplete(ctx, token.Token, 0, "sum"); err != nil {
		t.Fatalf("RecordChunkComplete failed: %v", err)
	}

	if _, err := forgetTransfer(ctx, rt, store, "db.bak", "nightly"); err != nil {
		t.Fatalf("forgetTransfer failed: %v", err)
	}
	if _, err := store.GetResumeToken(ctx, token.Token); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("resume token should be gone, got %v", err)
	}
	if _, err := os.Stat(partial); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("partial file should be removed, got %v", err)
	}
	if _, err := forgetTransfer(ctx, rt, store, "db.bak", "nightly"); err == nil {
		t.Fatalf("forgetting an unknown transfer should fail")
	}
}

func TestShellHook(t *testing.T) {
	if hook := shellHook("  ", zerolog.Nop()); hook != nil {
		t.Fatalf("expected nil hook for empty command")
	}
	if err := shellHook("exit 0", zerolog.Nop())(context.Background()); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if err := shellHook("echo broken >&2; exit 3", zerolog.Nop())(context.Background()); err == nil {
		t.Fatalf("expected failure from non-zero exit")
	}
}

func TestSplitList(t *testing.T) {
	got := splitList(" transfer:write, ,transfer:read,")
	if len(got) != 2 || got[0] != "transfer:write" || got[1] != "transfer:read" {
		t.Fatalf("unexpected list %v", got)
	}
}
