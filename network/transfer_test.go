package network

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"backupxfer/auth"
	"backupxfer/crypto"
	"backupxfer/models"
	"backupxfer/recovery"
	"backupxfer/storage"
)

const (
	testClientID = "default-client"
	testSecret   = "default-secret-2024"
	mib          = 1024 * 1024
)

type receiverFixture struct {
	server      *Server
	store       *storage.Store
	incoming    string
	fingerprint string

	mu       sync.Mutex
	observed []int
}

func (f *receiverFixture) observe(_ string, index int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observed = append(f.observed, index)
}

func (f *receiverFixture) takeObserved() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.observed
	f.observed = nil
	return out
}

func newReceiverFixture(t *testing.T, configure func(*receiverHooks)) *receiverFixture {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := storage.Open(dataDir)
	if err != nil {
		t.Fatalf("open receiver store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate signing key: %v", err)
	}
	tokens, err := auth.NewTokenManager(store, key, time.Hour, nil)
	if err != nil {
		t.Fatalf("NewTokenManager failed: %v", err)
	}
	gate := auth.NewGate(store, tokens, store, auth.GateOptions{BcryptCost: 4})
	if err := gate.ProvisionClient(context.Background(), testClientID, testSecret, []string{models.PermissionTransferWrite}, nil); err != nil {
		t.Fatalf("ProvisionClient failed: %v", err)
	}
	if err := gate.ProvisionClient(context.Background(), "reader", "reader-secret", []string{"transfer:read"}, nil); err != nil {
		t.Fatalf("ProvisionClient failed: %v", err)
	}

	cert, fingerprint, err := crypto.EnsureServerCertificate(
		filepath.Join(dataDir, "server.crt"),
		filepath.Join(dataDir, "server.key"),
		[]string{"127.0.0.1", "localhost"},
	)
	if err != nil {
		t.Fatalf("EnsureServerCertificate failed: %v", err)
	}

	fixture := &receiverFixture{store: store, fingerprint: fingerprint}
	fixture.incoming = filepath.Join(dataDir, "incoming")
	if err := os.MkdirAll(fixture.incoming, 0o700); err != nil {
		t.Fatalf("create incoming dir: %v", err)
	}

	receiver, err := NewReceiver(gate, store, ReceiverOptions{
		IncomingDir:  fixture.incoming,
		TLSConfig:    crypto.ServerTLSConfig(cert),
		FrameTimeout: 5 * time.Second,
		Audit:        store,
		Logger:       zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewReceiver failed: %v", err)
	}
	receiver.hooks.observeChunk = fixture.observe
	if configure != nil {
		configure(&receiver.hooks)
	}
	server, err := Listen("127.0.0.1:0", receiver)
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	t.Cleanup(func() { _ = server.Close() })
	fixture.server = server
	return fixture
}

func newTestSender(t *testing.T, f *receiverFixture, attempts int, configure func(*SenderOptions)) *Sender {
	t.Helper()

	checkpoints, _, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open sender store: %v", err)
	}
	t.Cleanup(func() { _ = checkpoints.Close() })

	options := SenderOptions{
		Dial:         DialOptions{Fingerprint: f.fingerprint, FrameTimeout: 5 * time.Second},
		ChunkSize:    mib,
		ChunkTimeout: 5 * time.Second,
		Checkpoints:  checkpoints,
		Logger:       zerolog.Nop(),
		Recovery: recovery.NewManager(t.Name(), recovery.Policy{
			MaxAttempts:     attempts,
			InitialBackoff:  time.Millisecond,
			MaxBackoff:      10 * time.Millisecond,
			BreakerFailures: 100,
		}, zerolog.Nop()),
	}
	if configure != nil {
		configure(&options)
	}
	return NewSender(options)
}

func writeRandomFile(t *testing.T, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	if _, err := rand.Read(data); err != nil {
		t.Fatalf("generate data: %v", err)
	}
	path := filepath.Join(t.TempDir(), "backup.sql")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write source: %v", err)
	}
	return path, data
}

func (f *receiverFixture) request(source, transferID string) TransferRequest {
	return TransferRequest{
		SourcePath:   source,
		FileName:     "backup.sql",
		TransferID:   transferID,
		Target:       f.server.Addr().String(),
		ClientID:     testClientID,
		ClientSecret: testSecret,
	}
}

func assertReceived(t *testing.T, f *receiverFixture, want []byte) {
	t.Helper()
	got, err := os.ReadFile(filepath.Join(f.incoming, "backup.sql"))
	if err != nil {
		t.Fatalf("read received file: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("received file differs from source")
	}
}

func TestSendChunkedFile(t *testing.T) {
	f := newReceiverFixture(t, nil)
	source, data := writeRandomFile(t, 10*mib)
	sender := newTestSender(t, f, 3, nil)

	result := sender.Send(context.Background(), f.request(source, "transfer-b"))
	if !result.Success {
		t.Fatalf("transfer failed: %v", result.Err)
	}
	if result.ChunksSent != 10 || result.BytesTransferred != int64(len(data)) {
		t.Fatalf("result = %+v, want 10 chunks and %d bytes", result, len(data))
	}
	assertReceived(t, f, data)

	if got := f.takeObserved(); !slices.Equal(got, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}) {
		t.Fatalf("chunks observed out of order: %v", got)
	}

	token, err := f.store.CreateOrGetResumeToken(context.Background(), storage.ResumeParams{
		TransferID: "transfer-b",
		ClientID:   testClientID,
		Meta:       models.FileMeta{Name: "backup.sql", Size: int64(len(data)), ChunkSize: mib},
	})
	if err != nil {
		t.Fatalf("lookup resume token: %v", err)
	}
	if !token.IsCompleted {
		t.Fatalf("resume token should be completed")
	}
	chunks, err := f.store.CompletedChunks(context.Background(), token.Token)
	if err != nil {
		t.Fatalf("CompletedChunks failed: %v", err)
	}
	if len(chunks) != 10 {
		t.Fatalf("recorded %d chunks, want 10", len(chunks))
	}
	if sum, _ := crypto.FileChecksumPath(source); token.ExpectedFileChecksum == nil || *token.ExpectedFileChecksum != sum {
		t.Fatalf("expected file checksum not recorded")
	}

	entries, err := os.ReadDir(f.incoming)
	if err != nil {
		t.Fatalf("read incoming dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("partial files left behind: %d entries", len(entries))
	}
}

func TestResumeAfterConnectionDrop(t *testing.T) {
	f := newReceiverFixture(t, func(h *receiverHooks) { h.dropAfterAcks = 6 })
	source, data := writeRandomFile(t, 10*mib)
	sender := newTestSender(t, f, 1, nil)

	first := sender.Send(context.Background(), f.request(source, "transfer-c"))
	if first.Success {
		t.Fatalf("first attempt should fail after the connection drop")
	}
	if first.Cancelled {
		t.Fatalf("a dropped connection is not a cancellation")
	}
	if first.ChunksSent != 6 {
		t.Fatalf("first attempt acknowledged %d chunks, want 6", first.ChunksSent)
	}
	if got := f.takeObserved(); !slices.Equal(got, []int{0, 1, 2, 3, 4, 5}) {
		t.Fatalf("first attempt observed %v", got)
	}

	second := sender.Send(context.Background(), f.request(source, "transfer-c"))
	if !second.Success {
		t.Fatalf("resumed transfer failed: %v", second.Err)
	}
	if second.TransferID != "transfer-c" {
		t.Fatalf("resumed transfer id = %q", second.TransferID)
	}
	if got := f.takeObserved(); !slices.Equal(got, []int{6, 7, 8, 9}) {
		t.Fatalf("resume sent %v, want only [6 7 8 9]", got)
	}
	if second.ChunksSent != 4 || second.BytesTransferred != 4*mib {
		t.Fatalf("resume result = %+v", second)
	}
	assertReceived(t, f, data)
}

func TestSendRetriesWithinOneCall(t *testing.T) {
	f := newReceiverFixture(t, func(h *receiverHooks) { h.dropAfterAcks = 3 })
	source, data := writeRandomFile(t, 5*mib)
	sender := newTestSender(t, f, 3, nil)

	result := sender.Send(context.Background(), f.request(source, ""))
	if !result.Success {
		t.Fatalf("transfer failed: %v", result.Err)
	}
	if result.ChunksSent != 5 {
		t.Fatalf("chunks sent = %d, want 5 without duplicates", result.ChunksSent)
	}
	if got := f.takeObserved(); !slices.Equal(got, []int{0, 1, 2, 3, 4}) {
		t.Fatalf("observed %v", got)
	}
	assertReceived(t, f, data)
}

func TestSmallFileUsesSingleChunk(t *testing.T) {
	f := newReceiverFixture(t, nil)
	source, data := writeRandomFile(t, 300*1024)
	sender := newTestSender(t, f, 1, func(o *SenderOptions) { o.DirectThreshold = mib })

	result := sender.Send(context.Background(), f.request(source, ""))
	if !result.Success {
		t.Fatalf("transfer failed: %v", result.Err)
	}
	if result.ChunksSent != 1 {
		t.Fatalf("chunks sent = %d, want 1", result.ChunksSent)
	}
	if got := f.takeObserved(); !slices.Equal(got, []int{0}) {
		t.Fatalf("observed %v", got)
	}
	assertReceived(t, f, data)
}

func TestSendEmptyFile(t *testing.T) {
	f := newReceiverFixture(t, nil)
	source, data := writeRandomFile(t, 0)
	sender := newTestSender(t, f, 1, nil)

	result := sender.Send(context.Background(), f.request(source, ""))
	if !result.Success {
		t.Fatalf("transfer failed: %v", result.Err)
	}
	if result.ChunksSent != 0 {
		t.Fatalf("chunks sent = %d, want 0", result.ChunksSent)
	}
	assertReceived(t, f, data)
}

func TestChunkChecksumMismatchIsResentOnce(t *testing.T) {
	f := newReceiverFixture(t, nil)
	source, data := writeRandomFile(t, 4*mib)
	sender := newTestSender(t, f, 3, nil)
	sender.hooks.corruptChunk = func(index, attempt int) bool { return index == 2 && attempt == 0 }

	result := sender.Send(context.Background(), f.request(source, ""))
	if !result.Success {
		t.Fatalf("transfer failed: %v", result.Err)
	}
	if got := f.takeObserved(); !slices.Equal(got, []int{0, 1, 2, 2, 3}) {
		t.Fatalf("observed %v, want chunk 2 sent twice", got)
	}
	assertReceived(t, f, data)
}

func TestPersistentChunkCorruptionFails(t *testing.T) {
	f := newReceiverFixture(t, nil)
	source, _ := writeRandomFile(t, 4*mib)
	sender := newTestSender(t, f, 5, nil)
	sender.hooks.corruptChunk = func(index, attempt int) bool { return index == 1 }

	result := sender.Send(context.Background(), f.request(source, ""))
	if result.Success {
		t.Fatalf("transfer should fail")
	}
	if !errors.Is(result.Err, models.ErrChunkChecksumMismatch) {
		t.Fatalf("expected ErrChunkChecksumMismatch, got %v", result.Err)
	}
	if got := f.takeObserved(); !slices.Equal(got, []int{0, 1, 1}) {
		t.Fatalf("observed %v, want exactly one re-send and no retry", got)
	}
}

func TestAuthenticationFailureIsGeneric(t *testing.T) {
	f := newReceiverFixture(t, nil)
	source, _ := writeRandomFile(t, mib)
	sender := newTestSender(t, f, 5, nil)

	req := f.request(source, "")
	req.ClientSecret = "wrong-secret"
	result := sender.Send(context.Background(), req)
	if result.Success {
		t.Fatalf("transfer with a bad secret should fail")
	}
	if !errors.Is(result.Err, models.ErrAuthenticationFailed) {
		t.Fatalf("expected ErrAuthenticationFailed, got %v", result.Err)
	}
	var remote *RemoteError
	if !errors.As(result.Err, &remote) || remote.Message != "authentication failed" {
		t.Fatalf("remote error should be generic, got %v", result.Err)
	}
	if _, ok := models.AuthErrorKind(result.Err); ok {
		t.Fatalf("failure kind must not reach the sender")
	}

	events, err := f.store.GetAuditEvents(context.Background(), storage.AuditFilter{
		Action:  models.AuditActionAuthAttempt,
		Outcome: models.AuditOutcomeFailure,
	})
	if err != nil {
		t.Fatalf("GetAuditEvents failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("audit events = %d, want 1 (no retries)", len(events))
	}
	if events[0].FailureKind == nil || *events[0].FailureKind != string(models.KindInvalidSecret) {
		t.Fatalf("audit should record the specific kind, got %+v", events[0].FailureKind)
	}
}

func TestManifestRequiresWritePermission(t *testing.T) {
	f := newReceiverFixture(t, nil)
	source, _ := writeRandomFile(t, mib)
	sender := newTestSender(t, f, 3, nil)

	req := f.request(source, "")
	req.ClientID, req.ClientSecret = "reader", "reader-secret"
	result := sender.Send(context.Background(), req)
	if !errors.Is(result.Err, models.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", result.Err)
	}
}

func TestReusedTransferIDWithDifferentFileConflicts(t *testing.T) {
	f := newReceiverFixture(t, nil)
	first, _ := writeRandomFile(t, 2*mib)
	second, _ := writeRandomFile(t, 3*mib)

	if result := newTestSender(t, f, 1, nil).Send(context.Background(), f.request(first, "shared-id")); !result.Success {
		t.Fatalf("first transfer failed: %v", result.Err)
	}

	result := newTestSender(t, f, 3, nil).Send(context.Background(), f.request(second, "shared-id"))
	if !errors.Is(result.Err, models.ErrResumeTokenConflict) {
		t.Fatalf("expected ErrResumeTokenConflict, got %v", result.Err)
	}
}

func TestCancellationLeavesTransferResumable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var f *receiverFixture
	f = newReceiverFixture(t, func(h *receiverHooks) {
		h.observeChunk = func(transferID string, index int) {
			f.observe(transferID, index)
			if index == 3 {
				cancel()
			}
		}
	})
	source, data := writeRandomFile(t, 8*mib)
	sender := newTestSender(t, f, 3, nil)

	result := sender.Send(ctx, f.request(source, "transfer-cancel"))
	if result.Success || !result.Cancelled {
		t.Fatalf("expected a cancelled result, got %+v", result)
	}
	if !errors.Is(result.Err, models.ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", result.Err)
	}
	if result.ChunksSent != 4 {
		t.Fatalf("in-flight chunk should finish: chunks sent = %d, want 4", result.ChunksSent)
	}
	f.takeObserved()

	resumed := sender.Send(context.Background(), f.request(source, "transfer-cancel"))
	if !resumed.Success {
		t.Fatalf("resumed transfer failed: %v", resumed.Err)
	}
	if got := f.takeObserved(); !slices.Equal(got, []int{4, 5, 6, 7}) {
		t.Fatalf("resume sent %v", got)
	}
	assertReceived(t, f, data)
}

func TestPrepareSourceFailureStopsTransfer(t *testing.T) {
	f := newReceiverFixture(t, nil)
	source, _ := writeRandomFile(t, mib)
	hookErr := errors.New("database did not quiesce")
	sender := newTestSender(t, f, 3, func(o *SenderOptions) {
		o.PrepareSource = func(context.Context) error { return hookErr }
	})

	result := sender.Send(context.Background(), f.request(source, ""))
	if !errors.Is(result.Err, hookErr) {
		t.Fatalf("expected hook error, got %v", result.Err)
	}
	if got := f.takeObserved(); len(got) != 0 {
		t.Fatalf("no chunk may be sent when preparation fails, got %v", got)
	}
}

func TestWrongFingerprintIsRejected(t *testing.T) {
	f := newReceiverFixture(t, nil)
	source, _ := writeRandomFile(t, mib)
	sender := newTestSender(t, f, 3, func(o *SenderOptions) {
		o.Dial.Fingerprint = string(bytes.Repeat([]byte("a"), 64))
	})

	result := sender.Send(context.Background(), f.request(source, ""))
	if !errors.Is(result.Err, crypto.ErrFingerprintMismatch) {
		t.Fatalf("expected ErrFingerprintMismatch, got %v", result.Err)
	}
}

// openSession dials the fixture and authenticates as the default client.
func openSession(t *testing.T, f *receiverFixture) (*Conn, string) {
	t.Helper()
	conn, err := Dial(context.Background(), f.server.Addr().String(), DialOptions{Fingerprint: f.fingerprint, FrameTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	if err := conn.Send(AuthRequest{Type: TypeAuth, Credential: auth.EncodeCredential(testClientID, testSecret)}); err != nil {
		t.Fatalf("send auth: %v", err)
	}
	result, err := Expect[AuthResult](conn, TypeAuthResult)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	return conn, result.Token
}

func sendChunk(conn *Conn, transferID string, index int, data []byte, last bool) (ChunkAck, error) {
	if err := conn.Send(ChunkRecord{
		Type:          TypeChunk,
		TransferId:    transferID,
		ChunkIndex:    index,
		Data:          data,
		ChunkChecksum: crypto.ChunkChecksum(data),
		IsLastChunk:   last,
	}); err != nil {
		return ChunkAck{}, err
	}
	return Expect[ChunkAck](conn, TypeChunkAck)
}

func TestRecordedChunkIsNeverOverwritten(t *testing.T) {
	f := newReceiverFixture(t, nil)
	conn, token := openSession(t, f)

	if err := conn.Send(Manifest{
		Type:       TypeManifest,
		Token:      token,
		TransferId: "rewrite",
		FileName:   "backup.sql",
		Size:       8,
		ChunkSize:  4,
	}); err != nil {
		t.Fatalf("send manifest: %v", err)
	}
	if _, err := Expect[ManifestAck](conn, TypeManifestAck); err != nil {
		t.Fatalf("manifest ack: %v", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		ack, err := sendChunk(conn, "rewrite", 0, []byte("AAAA"), false)
		if err != nil || ack.Status != AckStatusOK {
			t.Fatalf("chunk 0 attempt %d: ack %+v, err %v", attempt, ack, err)
		}
	}

	_, err := sendChunk(conn, "rewrite", 0, []byte("BBBB"), false)
	if !errors.Is(err, models.ErrResumeTokenConflict) {
		t.Fatalf("expected ErrResumeTokenConflict for a different chunk 0, got %v", err)
	}

	resume, err := f.store.FindResumeToken(context.Background(), "backup.sql", "rewrite")
	if err != nil {
		t.Fatalf("FindResumeToken failed: %v", err)
	}
	recorded, ok, err := f.store.RecordedChunkChecksum(context.Background(), resume.Token, 0)
	if err != nil || !ok {
		t.Fatalf("chunk 0 should stay recorded: ok=%v err=%v", ok, err)
	}
	if recorded != crypto.ChunkChecksum([]byte("AAAA")) {
		t.Fatalf("recorded checksum changed to %q", recorded)
	}
	partial, err := os.ReadFile(resume.TempPath)
	if err != nil {
		t.Fatalf("read partial file: %v", err)
	}
	if string(partial[:4]) != "AAAA" {
		t.Fatalf("recorded chunk was overwritten on disk: %q", partial[:4])
	}
}

func TestManifestWithTooManyChunksIsRejected(t *testing.T) {
	f := newReceiverFixture(t, nil)
	conn, token := openSession(t, f)

	if err := conn.Send(Manifest{
		Type:       TypeManifest,
		Token:      token,
		TransferId: "tiny-chunks",
		FileName:   "backup.sql",
		Size:       12 * mib,
		ChunkSize:  1,
	}); err != nil {
		t.Fatalf("send manifest: %v", err)
	}

	_, err := Expect[ManifestAck](conn, TypeManifestAck)
	var remote *RemoteError
	if !errors.As(err, &remote) || remote.Code != CodeBadRequest {
		t.Fatalf("expected a bad_request error record, got %v", err)
	}
	if _, err := f.store.FindResumeToken(context.Background(), "backup.sql", "tiny-chunks"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("no resume state may be created, got %v", err)
	}
}

func TestServerCloseStopsIdleSessions(t *testing.T) {
	f := newReceiverFixture(t, nil)
	conn, _ := openSession(t, f)

	closed := make(chan error, 1)
	go func() { closed <- f.server.Close() }()

	// The fixture's frame timeout is 5s; Close must not wait for it.
	select {
	case <-closed:
	case <-time.After(3 * time.Second):
		t.Fatalf("Close blocked on an idle session")
	}
	if _, _, err := conn.Receive(); err == nil {
		t.Fatalf("session should be closed by the receiver")
	}
}
