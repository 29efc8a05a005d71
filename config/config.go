package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"backupxfer/transform"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "backupxfer"
	// DataDirEnvVar overrides the resolved data directory.
	DataDirEnvVar = "BACKUPXFER_DATA_DIR"
	// EnvPrefix prefixes every configuration environment variable. Sections
	// and fields are separated by a double underscore:
	// BACKUPXFER_TRANSFER__CHUNK_SIZE -> transfer.chunk_size.
	EnvPrefix = "BACKUPXFER_"
	// DefaultListenAddress is the receiver address when none is configured.
	DefaultListenAddress = ":7443"
	// MaxChunkSize caps the chunk size so an encoded chunk record fits in one frame.
	MaxChunkSize = 32 * 1024 * 1024
	// MinChunkSize keeps large files within the receiver's chunk count limit.
	MinChunkSize = 64 * 1024

	configFileName     = "config.yaml"
	receiverIDFileName = "receiver_id"
	envSeparator       = "__"
)

// Config is the full process configuration. It is not modified after Load.
type Config struct {
	DataDir  string         `koanf:"-"`
	Logging  LoggingConfig  `koanf:"logging"`
	Server   ServerConfig   `koanf:"server"`
	Client   ClientConfig   `koanf:"client"`
	Transfer TransferConfig `koanf:"transfer"`
	Auth     AuthConfig     `koanf:"auth"`
	Recovery RecoveryConfig `koanf:"recovery"`
}

type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error fatal panic disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
}

// ServerConfig configures the receiving side.
type ServerConfig struct {
	ListenAddress       string        `koanf:"listen_address" validate:"required,hostname_port"`
	MetricsAddress      string        `koanf:"metrics_address" validate:"omitempty,hostname_port"`
	ReceiverID          string        `koanf:"receiver_id"`
	InstanceName        string        `koanf:"instance_name"`
	Advertise           bool          `koanf:"advertise"`
	CertificateHosts    []string      `koanf:"certificate_hosts"`
	MaxChunkSize        int64         `koanf:"max_chunk_size" validate:"gt=0,lte=33554432"`
	ConnectionTimeout   time.Duration `koanf:"connection_timeout" validate:"gt=0"`
	FrameTimeout        time.Duration `koanf:"frame_timeout" validate:"gt=0"`
	MaintenanceInterval time.Duration `koanf:"maintenance_interval" validate:"gt=0"`
	StaleAfter          time.Duration `koanf:"stale_after" validate:"gt=0"`
	CompletedRetention  time.Duration `koanf:"completed_retention" validate:"gte=0"`
	BootstrapClientID   string        `koanf:"bootstrap_client_id"`
	BootstrapSecret     string        `koanf:"bootstrap_secret" validate:"omitempty,max=72"`
}

// ClientConfig configures the sending side.
type ClientConfig struct {
	ServerAddress     string        `koanf:"server_address" validate:"omitempty,hostname_port"`
	ServerName        string        `koanf:"server_name"`
	Fingerprint       string        `koanf:"fingerprint"`
	Insecure          bool          `koanf:"insecure"`
	ClientID          string        `koanf:"client_id"`
	ClientSecret      string        `koanf:"client_secret" validate:"omitempty,max=72"`
	ConnectionTimeout time.Duration `koanf:"connection_timeout" validate:"gt=0"`
	FrameTimeout      time.Duration `koanf:"frame_timeout" validate:"gt=0"`
}

// TransferConfig holds chunking, per-operation timeouts and the transform chain.
type TransferConfig struct {
	ChunkSize       int64         `koanf:"chunk_size" validate:"gte=65536,lte=33554432"`
	DirectThreshold int64         `koanf:"direct_threshold" validate:"gte=0,lte=33554432"`
	ChunkTimeout    time.Duration `koanf:"chunk_timeout" validate:"gt=0"`
	AuthTimeout     time.Duration `koanf:"auth_timeout" validate:"gt=0"`
	VerifyTimeout   time.Duration `koanf:"verify_timeout" validate:"gt=0"`
	PrepareTimeout  time.Duration `koanf:"prepare_timeout" validate:"gt=0"`
	TransformTag    string        `koanf:"transform_tag" validate:"transform_tag"`
}

type AuthConfig struct {
	TokenTTL                  time.Duration `koanf:"token_ttl" validate:"gt=0"`
	MaxAuthenticationAttempts int           `koanf:"max_authentication_attempts" validate:"gt=0"`
	LockoutWindow             time.Duration `koanf:"lockout_window" validate:"gt=0"`
	BcryptCost                int           `koanf:"bcrypt_cost" validate:"gte=4,lte=31"`
	AuditRetention            time.Duration `koanf:"audit_retention" validate:"gt=0"`
}

type RecoveryConfig struct {
	MaxAttempts     int           `koanf:"max_attempts" validate:"gt=0"`
	InitialBackoff  time.Duration `koanf:"initial_backoff" validate:"gt=0"`
	MaxBackoff      time.Duration `koanf:"max_backoff" validate:"gtefield=InitialBackoff"`
	Multiplier      float64       `koanf:"multiplier" validate:"gte=1"`
	Jitter          float64       `koanf:"jitter" validate:"gte=0,lt=1"`
	BreakerFailures uint32        `koanf:"breaker_failures" validate:"gt=0"`
	BreakerCooldown time.Duration `koanf:"breaker_cooldown" validate:"gt=0"`
}

// Default returns the built-in configuration. Load layers file and
// environment values on top of it.
func Default() Config {
	return Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Server: ServerConfig{
			ListenAddress:       DefaultListenAddress,
			Advertise:           true,
			MaxChunkSize:        MaxChunkSize,
			ConnectionTimeout:   30 * time.Second,
			FrameTimeout:        60 * time.Second,
			MaintenanceInterval: 15 * time.Minute,
			StaleAfter:          7 * 24 * time.Hour,
			CompletedRetention:  24 * time.Hour,
			BootstrapClientID:   "default-client",
			BootstrapSecret:     "default-secret-2024",
		},
		Client: ClientConfig{
			ConnectionTimeout: 30 * time.Second,
			FrameTimeout:      60 * time.Second,
		},
		Transfer: TransferConfig{
			ChunkSize:       4 * 1024 * 1024,
			DirectThreshold: 1024 * 1024,
			ChunkTimeout:    2 * time.Minute,
			AuthTimeout:     30 * time.Second,
			VerifyTimeout:   30 * time.Minute,
			PrepareTimeout:  5 * time.Minute,
			TransformTag:    transform.TagIdentity,
		},
		Auth: AuthConfig{
			TokenTTL:                  24 * time.Hour,
			MaxAuthenticationAttempts: 5,
			LockoutWindow:             15 * time.Minute,
			BcryptCost:                12,
			AuditRetention:            90 * 24 * time.Hour,
		},
		Recovery: RecoveryConfig{
			MaxAttempts:     5,
			InitialBackoff:  500 * time.Millisecond,
			MaxBackoff:      30 * time.Second,
			Multiplier:      2,
			Jitter:          0.3,
			BreakerFailures: 5,
			BreakerCooldown: 30 * time.Second,
		},
	}
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If BACKUPXFER_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnvVar); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the default config file path for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "keys"),
		filepath.Join(dataDir, "incoming"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

func (c *Config) KeysDir() string            { return filepath.Join(c.DataDir, "keys") }
func (c *Config) IncomingDir() string        { return filepath.Join(c.DataDir, "incoming") }
func (c *Config) SigningKeyPath() string     { return filepath.Join(c.KeysDir(), "signing.pem") }
func (c *Config) TransformKeyPath() string   { return filepath.Join(c.KeysDir(), "transform.pem") }
func (c *Config) CertificatePath() string    { return filepath.Join(c.KeysDir(), "server.crt") }
func (c *Config) CertificateKeyPath() string { return filepath.Join(c.KeysDir(), "server.key") }

// Load resolves the data directory, then layers defaults, the YAML file at
// path (or <dataDir>/config.yaml when path is empty and the file exists) and
// BACKUPXFER_ environment variables. The result is validated.
func Load(path string) (*Config, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, err
	}

	k := koanf.New(".")

	defaults := Default()
	if err := k.Load(structs.Provider(&defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path == "" {
		candidate := ConfigPath(dataDir)
		if _, err := os.Stat(candidate); err == nil {
			path = candidate
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("stat config file: %w", err)
		}
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}
	cfg.DataDir = dataDir

	if cfg.Server.ReceiverID == "" {
		id, err := ensureReceiverID(dataDir)
		if err != nil {
			return nil, err
		}
		cfg.Server.ReceiverID = id
	}
	if cfg.Server.InstanceName == "" {
		cfg.Server.InstanceName = defaultInstanceName()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// envTransformFunc maps BACKUPXFER_SECTION__FIELD to section.field. Variables
// without a section separator (such as BACKUPXFER_DATA_DIR) are skipped.
func envTransformFunc(key string) string {
	key = strings.TrimPrefix(key, EnvPrefix)
	if !strings.Contains(key, envSeparator) {
		return ""
	}
	return strings.ReplaceAll(strings.ToLower(key), envSeparator, ".")
}

// Validate checks field constraints and the transform chain.
func (c *Config) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.RegisterValidation("transform_tag", validateTransformTag); err != nil {
		return err
	}
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.Transfer.DirectThreshold > c.Transfer.ChunkSize {
		return fmt.Errorf("transfer.direct_threshold (%d) exceeds transfer.chunk_size (%d)", c.Transfer.DirectThreshold, c.Transfer.ChunkSize)
	}
	return nil
}

func validateTransformTag(fl validator.FieldLevel) bool {
	tag := fl.Field().String()
	if tag == "" {
		return true
	}
	for _, name := range strings.Split(tag, "+") {
		switch name {
		case transform.TagIdentity, transform.TagZstd, transform.TagAESGCM:
		default:
			return false
		}
	}
	return true
}

// ensureReceiverID returns the persisted receiver identity, creating it on
// first run so advertisements stay stable across restarts.
func ensureReceiverID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, receiverIDFileName)
	raw, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(raw)); id != "" {
			return id, nil
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("read receiver id: %w", err)
	}

	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("write receiver id: %w", err)
	}
	return id, nil
}

func defaultInstanceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "backupxfer"
}
