package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func useDataDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv(DataDirEnvVar, dir)
	return dir
}

func TestLoadAppliesDefaultsAndCreatesLayout(t *testing.T) {
	dataDir := useDataDir(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, dataDir, cfg.DataDir)
	assert.Equal(t, DefaultListenAddress, cfg.Server.ListenAddress)
	assert.Equal(t, int64(4*1024*1024), cfg.Transfer.ChunkSize)
	assert.Equal(t, 2*time.Minute, cfg.Transfer.ChunkTimeout)
	assert.Equal(t, 5, cfg.Recovery.MaxAttempts)
	assert.Equal(t, "default-client", cfg.Server.BootstrapClientID)
	assert.NotEmpty(t, cfg.Server.ReceiverID)
	assert.NotEmpty(t, cfg.Server.InstanceName)

	assert.DirExists(t, filepath.Join(dataDir, "keys"))
	assert.DirExists(t, filepath.Join(dataDir, "incoming"))
	assert.Equal(t, filepath.Join(dataDir, "incoming"), cfg.IncomingDir())
	assert.Equal(t, filepath.Join(dataDir, "keys", "signing.pem"), cfg.SigningKeyPath())
}

func TestLoadKeepsReceiverIDStable(t *testing.T) {
	useDataDir(t)

	first, err := Load("")
	require.NoError(t, err)
	second, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, first.Server.ReceiverID, second.Server.ReceiverID)
}

func TestLoadReadsDefaultConfigFile(t *testing.T) {
	dataDir := useDataDir(t)
	yaml := []byte(`
logging:
  level: debug
  format: console
transfer:
  chunk_size: 8388608
  chunk_timeout: 45s
  transform_tag: zstd+aes-gcm
server:
  certificate_hosts:
    - vault.internal
    - 10.0.0.5
`)
	require.NoError(t, os.WriteFile(ConfigPath(dataDir), yaml, 0o600))

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)
	assert.Equal(t, int64(8*1024*1024), cfg.Transfer.ChunkSize)
	assert.Equal(t, 45*time.Second, cfg.Transfer.ChunkTimeout)
	assert.Equal(t, "zstd+aes-gcm", cfg.Transfer.TransformTag)
	assert.Equal(t, []string{"vault.internal", "10.0.0.5"}, cfg.Server.CertificateHosts)
	// Untouched sections keep their defaults.
	assert.Equal(t, 24*time.Hour, cfg.Auth.TokenTTL)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	dataDir := useDataDir(t)
	path := filepath.Join(dataDir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("client:\n  client_id: from-file\n  server_address: vault:7443\n"), 0o600))

	t.Setenv("BACKUPXFER_CLIENT__CLIENT_ID", "from-env")
	t.Setenv("BACKUPXFER_RECOVERY__MAX_ATTEMPTS", "9")
	t.Setenv("BACKUPXFER_AUTH__LOCKOUT_WINDOW", "2m")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Client.ClientID)
	assert.Equal(t, "vault:7443", cfg.Client.ServerAddress)
	assert.Equal(t, 9, cfg.Recovery.MaxAttempts)
	assert.Equal(t, 2*time.Minute, cfg.Auth.LockoutWindow)
}

func TestLoadRejectsOversizedChunks(t *testing.T) {
	useDataDir(t)
	t.Setenv("BACKUPXFER_TRANSFER__CHUNK_SIZE", "67108864")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ChunkSize")
}

func TestLoadRejectsTinyChunks(t *testing.T) {
	useDataDir(t)
	t.Setenv("BACKUPXFER_TRANSFER__CHUNK_SIZE", "1")
	t.Setenv("BACKUPXFER_TRANSFER__DIRECT_THRESHOLD", "0")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ChunkSize")
}

func TestLoadMissingExplicitFileFails(t *testing.T) {
	dataDir := useDataDir(t)

	_, err := Load(filepath.Join(dataDir, "absent.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "empty transform tag", mutate: func(c *Config) { c.Transfer.TransformTag = "" }},
		{name: "unknown transform", mutate: func(c *Config) { c.Transfer.TransformTag = "zstd+rot13" }, wantErr: true},
		{name: "bad log level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: true},
		{name: "bad listen address", mutate: func(c *Config) { c.Server.ListenAddress = "nowhere" }, wantErr: true},
		{name: "direct threshold above chunk size", mutate: func(c *Config) {
			c.Transfer.ChunkSize = MinChunkSize
			c.Transfer.DirectThreshold = 2 * MinChunkSize
		}, wantErr: true},
		{name: "chunk size below minimum", mutate: func(c *Config) {
			c.Transfer.ChunkSize = MinChunkSize - 1
			c.Transfer.DirectThreshold = 0
		}, wantErr: true},
		{name: "minimum chunk size", mutate: func(c *Config) {
			c.Transfer.ChunkSize = MinChunkSize
			c.Transfer.DirectThreshold = MinChunkSize
		}},
		{name: "jitter out of range", mutate: func(c *Config) { c.Recovery.Jitter = 1.5 }, wantErr: true},
		{name: "max backoff below initial", mutate: func(c *Config) { c.Recovery.MaxBackoff = time.Millisecond }, wantErr: true},
		{name: "long bootstrap secret", mutate: func(c *Config) {
			c.Server.BootstrapSecret = string(make([]byte, 73))
		}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestEnvTransformFunc(t *testing.T) {
	assert.Equal(t, "transfer.chunk_size", envTransformFunc("BACKUPXFER_TRANSFER__CHUNK_SIZE"))
	assert.Equal(t, "", envTransformFunc("BACKUPXFER_DATA_DIR"))
}
