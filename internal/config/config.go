// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/skyferry/skyferry/internal/credentials"
)

// Default configuration values.
const (
	DefaultRegion       = "us-east-1"
	DefaultPartSize     = 8 * 1024 * 1024
	DefaultChannelCount = 5
	DefaultTimeout      = 60 * time.Second
	DefaultRetryCount   = 3
)

// Configuration holds the settings for one storage operation. Values are
// immutable once built; use Merge to derive an adjusted copy.
type Configuration struct {
	Region      string
	Credentials credentials.Provider
	// Timeout is the connect and idle timeout of a single connection attempt.
	// It is also the fixed delay before a retry.
	Timeout time.Duration
	// RetryCount is the maximum number of attempts per part or control step.
	RetryCount int
	PartSize   int64
	// ChannelCount bounds the number of concurrent part connections.
	ChannelCount int
	Prefix       string
	// Endpoint overrides the derived regional host, e.g. "http://localhost:9000".
	Endpoint string
	// SpeedLimit is the per-transfer bandwidth cap in bytes/sec, 0 = unlimited.
	SpeedLimit int64
}

// DefaultConfiguration returns the built-in defaults. It carries no credentials.
func DefaultConfiguration() Configuration {
	return Configuration{
		Region:       DefaultRegion,
		Timeout:      DefaultTimeout,
		RetryCount:   DefaultRetryCount,
		PartSize:     DefaultPartSize,
		ChannelCount: DefaultChannelCount,
	}
}

// Merge returns a copy of c where every field set in override replaces the
// corresponding field of c. Empty strings, zero numbers and nil providers
// are treated as unset.
func (c Configuration) Merge(override Configuration) Configuration {
	merged := c

	if override.Region != "" {
		merged.Region = override.Region
	}
	if override.Credentials != nil {
		merged.Credentials = override.Credentials
	}
	if override.Timeout > 0 {
		merged.Timeout = override.Timeout
	}
	if override.RetryCount > 0 {
		merged.RetryCount = override.RetryCount
	}
	if override.PartSize > 0 {
		merged.PartSize = override.PartSize
	}
	if override.ChannelCount > 0 {
		merged.ChannelCount = override.ChannelCount
	}
	if override.Prefix != "" {
		merged.Prefix = override.Prefix
	}
	if override.Endpoint != "" {
		merged.Endpoint = override.Endpoint
	}
	if override.SpeedLimit > 0 {
		merged.SpeedLimit = override.SpeedLimit
	}

	return merged
}

// Validate reports every field that would prevent a transfer from running.
func (c Configuration) Validate() error {
	var errs []error

	if c.Region == "" {
		errs = append(errs, errors.New("region is required"))
	}
	if c.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("timeout must be positive, got %s", c.Timeout))
	}
	if c.RetryCount <= 0 {
		errs = append(errs, fmt.Errorf("retryCount must be positive, got %d", c.RetryCount))
	}
	if c.PartSize <= 0 {
		errs = append(errs, fmt.Errorf("partSize must be positive, got %d", c.PartSize))
	}
	if c.ChannelCount <= 0 {
		errs = append(errs, fmt.Errorf("channelCount must be positive, got %d", c.ChannelCount))
	}
	if c.SpeedLimit < 0 {
		errs = append(errs, fmt.Errorf("speedLimit must not be negative, got %d", c.SpeedLimit))
	}

	return errors.Join(errs...)
}

// Config is the application configuration as read from file and environment.
type Config struct {
	Storage     StorageConfig     `mapstructure:"storage"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Journal     JournalConfig     `mapstructure:"journal"`
	Server      ServerConfig      `mapstructure:"server"`
}

// StorageConfig holds object storage and transfer tuning settings.
type StorageConfig struct {
	Endpoint     string        `mapstructure:"endpoint"`
	Region       string        `mapstructure:"region"`
	Prefix       string        `mapstructure:"prefix"`
	PartSize     int64         `mapstructure:"partSize"`
	ChannelCount int           `mapstructure:"channelCount"`
	Timeout      time.Duration `mapstructure:"timeout"`
	RetryCount   int           `mapstructure:"retryCount"`
	SpeedLimit   int64         `mapstructure:"speedLimit"` // bytes/sec per transfer, 0 = unlimited
}

// CredentialsConfig holds a static access key pair.
type CredentialsConfig struct {
	AccessKey       string `mapstructure:"accessKey"`
	SecretAccessKey string `mapstructure:"secretAccessKey"`
	SessionToken    string `mapstructure:"sessionToken"`
}

// JournalConfig configures the local journal of open multipart uploads.
type JournalConfig struct {
	// Path is the SQLite database file. Empty disables the journal.
	Path string `mapstructure:"path"`
}

// ServerConfig configures the optional status endpoint.
type ServerConfig struct {
	// Listen is the address of the status and metrics endpoint. Empty
	// disables it.
	Listen string `mapstructure:"listen"`
}

// LoadOptions configures how configuration is loaded.
type LoadOptions struct {
	// ConfigFile is an explicit config file path. If empty, default locations are searched.
	ConfigFile string
}

// Load reads configuration from file and environment variables.
// If opts.ConfigFile is set, that file is used directly.
// Otherwise, it searches default locations: $HOME, current directory, /config
// for files named .skyferry.yaml, skyferry.yaml, or config.yaml.
//
// Environment variables with prefix SKYFERRY_ override config file values,
// e.g. SKYFERRY_STORAGE_REGION or SKYFERRY_CREDENTIALS_ACCESSKEY.
func Load(opts LoadOptions) (Config, error) {
	v := viper.NewWithOptions(viper.ExperimentalBindStruct())

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(home)
		}
		v.AddConfigPath(".")
		v.AddConfigPath("/config")
		v.SetConfigType("yaml")
		v.SetConfigName(".skyferry")
		v.SetConfigName("skyferry")
		v.SetConfigName("config")
	}

	// Environment variables
	v.SetEnvPrefix("SKYFERRY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, key := range envFields {
		v.MustBindEnv(key)
	}

	// Set defaults
	v.SetDefault("storage.region", DefaultRegion)
	v.SetDefault("storage.partSize", DefaultPartSize)
	v.SetDefault("storage.channelCount", DefaultChannelCount)
	v.SetDefault("storage.timeout", DefaultTimeout.String())
	v.SetDefault("storage.retryCount", DefaultRetryCount)

	// Read config file (ignore error if not found)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if opts.ConfigFile != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}

	if err := validate(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Configuration converts the loaded file configuration into the per-operation
// Configuration. Static credentials are attached when an access key is set.
func (c Config) Configuration() Configuration {
	override := Configuration{
		Region:       c.Storage.Region,
		Timeout:      c.Storage.Timeout,
		RetryCount:   c.Storage.RetryCount,
		PartSize:     c.Storage.PartSize,
		ChannelCount: c.Storage.ChannelCount,
		Prefix:       c.Storage.Prefix,
		Endpoint:     c.Storage.Endpoint,
		SpeedLimit:   c.Storage.SpeedLimit,
	}

	if c.Credentials.AccessKey != "" {
		override.Credentials = credentials.NewStatic(
			c.Credentials.AccessKey,
			c.Credentials.SecretAccessKey,
			c.Credentials.SessionToken,
		)
	}

	return DefaultConfiguration().Merge(override)
}

// validate checks that the configuration is valid.
func validate(cfg *Config) error {
	var errs []error

	if cfg.Storage.Region == "" {
		errs = append(errs, errors.New("storage.region is required"))
	}
	if cfg.Storage.Endpoint != "" {
		u, err := url.Parse(cfg.Storage.Endpoint)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("storage.endpoint: invalid url: %w", err))
		case u.Scheme != "http" && u.Scheme != "https":
			errs = append(errs, fmt.Errorf("storage.endpoint: unsupported scheme %q", u.Scheme))
		case u.Host == "":
			errs = append(errs, errors.New("storage.endpoint: host is required"))
		}
	}
	if cfg.Storage.PartSize <= 0 {
		errs = append(errs, fmt.Errorf("storage.partSize must be positive, got %d", cfg.Storage.PartSize))
	}
	if cfg.Storage.ChannelCount <= 0 {
		errs = append(errs, fmt.Errorf("storage.channelCount must be positive, got %d", cfg.Storage.ChannelCount))
	}
	if cfg.Storage.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("storage.timeout must be positive, got %s", cfg.Storage.Timeout))
	}
	if cfg.Storage.RetryCount <= 0 {
		errs = append(errs, fmt.Errorf("storage.retryCount must be positive, got %d", cfg.Storage.RetryCount))
	}
	if cfg.Storage.SpeedLimit < 0 {
		errs = append(errs, fmt.Errorf("storage.speedLimit must not be negative, got %d", cfg.Storage.SpeedLimit))
	}

	// Access key and secret come as a pair
	if (cfg.Credentials.AccessKey == "") != (cfg.Credentials.SecretAccessKey == "") {
		errs = append(errs, errors.New("credentials.accessKey and credentials.secretAccessKey must be set together"))
	}
	if cfg.Credentials.SessionToken != "" && cfg.Credentials.AccessKey == "" {
		errs = append(errs, errors.New("credentials.sessionToken requires credentials.accessKey"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// envFields lists every Config key for env var binding.
// This must be kept in sync with the Config structs.
// Tests verify this list matches the struct fields.
//
//nolint:gochecknoglobals // env var binding field list
var envFields = []string{
	"storage.endpoint",
	"storage.region",
	"storage.prefix",
	"storage.partSize",
	"storage.channelCount",
	"storage.timeout",
	"storage.retryCount",
	"storage.speedLimit",
	"credentials.accessKey",
	"credentials.secretAccessKey",
	"credentials.sessionToken",
	"journal.path",
	"server.listen",
}
