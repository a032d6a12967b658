package common

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Database   DatabaseConfig   `mapstructure:"database"`
	Server     ServerConfig     `mapstructure:"server"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Extraction ExtractionConfig `mapstructure:"extraction"`
	OCR        OCRConfig        `mapstructure:"ocr"`
	Gate       GateConfig       `mapstructure:"gate"`
	Transmit   TransmitConfig   `mapstructure:"transmit"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Access     AccessConfig     `mapstructure:"access"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Inbox      InboxConfig      `mapstructure:"inbox"`
	Log        LogConfig        `mapstructure:"log"`
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	Driver           string        `mapstructure:"driver"` // postgres | sqlite
	DSN              string        `mapstructure:"dsn"`
	MaxConns         int32         `mapstructure:"max_conns"`
	MinConns         int32         `mapstructure:"min_conns"`
	MaxConnLifetime  time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime  time.Duration `mapstructure:"max_conn_idle_time"`
	DialTimeout      time.Duration `mapstructure:"dial_timeout"`
	StatementTimeout time.Duration `mapstructure:"statement_timeout"`
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	GRPCAddr string `mapstructure:"grpc_addr"`
}

// StorageConfig configures the encrypted document store.
type StorageConfig struct {
	// MasterKey is the hex-encoded 32-byte key that wraps per-blob data keys.
	MasterKey        string `mapstructure:"master_key"`
	MasterKeyVersion int    `mapstructure:"master_key_version"`
	// PreviousKeys holds retired master keys as "version:hex" so older blobs stay readable.
	PreviousKeys     []string      `mapstructure:"previous_keys"`
	MaxDocumentBytes int64         `mapstructure:"max_document_bytes"`
	Retention        time.Duration `mapstructure:"retention"`
}

// ExtractionConfig configures the extraction provider and its retry budget.
type ExtractionConfig struct {
	Provider       string        `mapstructure:"provider"` // openai | manual
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	Model          string        `mapstructure:"model"`
	Temperature    float32       `mapstructure:"temperature"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

// OCRConfig holds OCR-related configuration
type OCRConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Pdftotext   string `mapstructure:"pdftotext"`
	Pdftoppm    string `mapstructure:"pdftoppm"`
	Tesseract   string `mapstructure:"tesseract"`
	TessdataDir string `mapstructure:"tessdata_dir"`
	Lang        string `mapstructure:"lang"`
	MaxPages    int    `mapstructure:"max_pages"`
}

// GateConfig configures the confidence gate.
type GateConfig struct {
	Threshold float64 `mapstructure:"threshold"`
	// RequiredFields overrides the per-template required-field lists.
	RequiredFields map[string][]string `mapstructure:"required_fields"`
}

// TransmitConfig configures the carrier and the dispatcher retry budget.
type TransmitConfig struct {
	Carrier        string        `mapstructure:"carrier"` // http | simulated
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	Jitter         float64       `mapstructure:"jitter"`
	MaxRetryCycles int           `mapstructure:"max_retry_cycles"`
}

// PipelineConfig configures the worker pool and per-job locking.
type PipelineConfig struct {
	Workers        int           `mapstructure:"workers"`
	QueueSize      int           `mapstructure:"queue_size"`
	ProcessTimeout time.Duration `mapstructure:"process_timeout"`
	Locker         string        `mapstructure:"locker"` // memory | postgres
}

// AccessConfig holds the role to actions policy. Empty means the built-in default policy.
type AccessConfig struct {
	Policy map[string][]string `mapstructure:"policy"`
}

// AuthConfig configures bearer-token verification on the RPC surface.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

// InboxConfig configures the directory watcher.
type InboxConfig struct {
	Dirs        []string      `mapstructure:"dirs"`
	Destination string        `mapstructure:"destination"`
	Debounce    time.Duration `mapstructure:"debounce"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // text | json
}

// LoadConfig reads configuration from an optional file and FAXRELAY_* environment variables.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FAXRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// keys without defaults must be bound for Unmarshal to see them
	for _, key := range []string{
		"database.dsn",
		"storage.master_key",
		"storage.previous_keys",
		"extraction.base_url",
		"extraction.api_key",
		"transmit.base_url",
		"transmit.api_key",
		"auth.jwt_secret",
		"auth.issuer",
		"inbox.dirs",
		"inbox.destination",
		"ocr.tessdata_dir",
	} {
		_ = v.BindEnv(key)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, NewAppError("CONFIG_ERROR", fmt.Sprintf("read config %s", path), err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, NewAppError("CONFIG_ERROR", "unmarshal config", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.max_conn_lifetime", 30*time.Minute)
	v.SetDefault("database.max_conn_idle_time", 5*time.Minute)
	v.SetDefault("database.dial_timeout", 3*time.Second)
	v.SetDefault("database.statement_timeout", 0)

	v.SetDefault("server.grpc_addr", ":8080")

	v.SetDefault("storage.master_key_version", 1)
	v.SetDefault("storage.max_document_bytes", 20<<20)
	v.SetDefault("storage.retention", 0)

	v.SetDefault("extraction.provider", "openai")
	v.SetDefault("extraction.model", "gpt-4o-mini")
	v.SetDefault("extraction.temperature", 0.0)
	v.SetDefault("extraction.timeout", 60*time.Second)
	v.SetDefault("extraction.max_attempts", 3)
	v.SetDefault("extraction.initial_backoff", time.Second)
	v.SetDefault("extraction.max_backoff", 15*time.Second)

	v.SetDefault("ocr.enabled", true)
	v.SetDefault("ocr.pdftotext", "pdftotext")
	v.SetDefault("ocr.pdftoppm", "pdftoppm")
	v.SetDefault("ocr.tesseract", "tesseract")
	v.SetDefault("ocr.lang", "eng")
	v.SetDefault("ocr.max_pages", 3)

	v.SetDefault("gate.threshold", 0.85)

	v.SetDefault("transmit.carrier", "simulated")
	v.SetDefault("transmit.timeout", 30*time.Second)
	v.SetDefault("transmit.max_attempts", 5)
	v.SetDefault("transmit.initial_backoff", 2*time.Second)
	v.SetDefault("transmit.max_backoff", time.Minute)
	v.SetDefault("transmit.jitter", 0.5)
	v.SetDefault("transmit.max_retry_cycles", 3)

	v.SetDefault("pipeline.workers", 4)
	v.SetDefault("pipeline.queue_size", 64)
	v.SetDefault("pipeline.process_timeout", 10*time.Minute)
	v.SetDefault("pipeline.locker", "memory")

	v.SetDefault("inbox.debounce", 500*time.Millisecond)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// MasterKeyBytes decodes the configured master key.
func (c *Config) MasterKeyBytes() ([]byte, error) {
	key, err := hex.DecodeString(c.Storage.MasterKey)
	if err != nil {
		return nil, NewAppError("CONFIG_ERROR", "storage.master_key must be hex-encoded", ErrInvalidInput)
	}
	if len(key) != 32 {
		return nil, NewAppError("CONFIG_ERROR", fmt.Sprintf("storage.master_key must decode to 32 bytes, got %d", len(key)), ErrInvalidInput)
	}
	return key, nil
}

// Validate validates the loaded configuration
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return NewAppError("CONFIG_ERROR", fmt.Sprintf("unknown database.driver %q", c.Database.Driver), ErrInvalidInput)
	}
	if c.Database.DSN == "" {
		return NewAppError("CONFIG_ERROR", "database.dsn is required", ErrInvalidInput)
	}
	if c.Server.GRPCAddr == "" {
		return NewAppError("CONFIG_ERROR", "server.grpc_addr is required", ErrInvalidInput)
	}
	if _, err := c.MasterKeyBytes(); err != nil {
		return err
	}
	if c.Storage.MaxDocumentBytes <= 0 {
		return NewAppError("CONFIG_ERROR", "storage.max_document_bytes must be positive", ErrInvalidInput)
	}
	if c.Gate.Threshold <= 0 || c.Gate.Threshold > 1 {
		return NewAppError("CONFIG_ERROR", "gate.threshold must be in (0, 1]", ErrInvalidInput)
	}
	switch c.Extraction.Provider {
	case "openai":
		if c.Extraction.APIKey == "" {
			return NewAppError("CONFIG_ERROR", "extraction.api_key is required for the openai provider", ErrInvalidInput)
		}
	case "manual":
	default:
		return NewAppError("CONFIG_ERROR", fmt.Sprintf("unknown extraction.provider %q", c.Extraction.Provider), ErrInvalidInput)
	}
	switch c.Transmit.Carrier {
	case "http":
		if c.Transmit.BaseURL == "" {
			return NewAppError("CONFIG_ERROR", "transmit.base_url is required for the http carrier", ErrInvalidInput)
		}
	case "simulated":
	default:
		return NewAppError("CONFIG_ERROR", fmt.Sprintf("unknown transmit.carrier %q", c.Transmit.Carrier), ErrInvalidInput)
	}
	switch c.Pipeline.Locker {
	case "memory":
	case "postgres":
		if c.Database.Driver != "postgres" {
			return NewAppError("CONFIG_ERROR", "pipeline.locker postgres needs database.driver postgres", ErrInvalidInput)
		}
	default:
		return NewAppError("CONFIG_ERROR", fmt.Sprintf("unknown pipeline.locker %q", c.Pipeline.Locker), ErrInvalidInput)
	}
	if c.Transmit.MaxAttempts < 1 || c.Extraction.MaxAttempts < 1 {
		return NewAppError("CONFIG_ERROR", "max_attempts must be at least 1", ErrInvalidInput)
	}
	if c.Transmit.MaxRetryCycles < 0 {
		return NewAppError("CONFIG_ERROR", "transmit.max_retry_cycles must not be negative", ErrInvalidInput)
	}
	if c.Pipeline.Workers < 1 {
		return NewAppError("CONFIG_ERROR", "pipeline.workers must be at least 1", ErrInvalidInput)
	}
	if len(c.Inbox.Dirs) > 0 && c.Inbox.Destination == "" {
		return NewAppError("CONFIG_ERROR", "inbox.destination is required when inbox.dirs is set", ErrInvalidInput)
	}
	if c.Auth.JWTSecret == "" {
		return NewAppError("CONFIG_ERROR", "auth.jwt_secret is required", ErrInvalidInput)
	}
	return nil
}
