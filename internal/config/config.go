// Package config loads QuickDrop settings from defaults, an optional YAML
// file, QUICKDROP_* environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// DefaultPort is used unless a port in the unprivileged range is configured.
	DefaultPort = 19960

	StoreDir = "dir"
	StoreS3  = "s3"
)

// Config is built once at process start and passed down explicitly.
type Config struct {
	Port           int           `mapstructure:"port"`
	Bind           string        `mapstructure:"bind"`
	Root           string        `mapstructure:"root"`
	Store          string        `mapstructure:"store"`
	S3             S3Config      `mapstructure:"s3"`
	DatabaseURL    string        `mapstructure:"database_url"`
	PIN            string        `mapstructure:"pin"`
	PINHash        string        `mapstructure:"pin_hash"`
	Workers        int           `mapstructure:"workers"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	ReleaseDelay   time.Duration `mapstructure:"release_delay"`
	MaxHeaderBytes int           `mapstructure:"max_header_bytes"`
	Gzip           bool          `mapstructure:"gzip"`
	Log            LogConfig     `mapstructure:"log"`
}

// S3Config configures the object-store backend.
type S3Config struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// New returns a viper instance carrying every default and bound to
// QUICKDROP_* environment variables (dots become underscores).
func New() *viper.Viper {
	v := viper.New()

	v.SetDefault("port", DefaultPort)
	v.SetDefault("bind", "")
	v.SetDefault("root", "./drop")
	v.SetDefault("store", StoreDir)
	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.access_key", "")
	v.SetDefault("s3.secret_key", "")
	v.SetDefault("s3.bucket", "")
	v.SetDefault("database_url", "")
	v.SetDefault("pin", "")
	v.SetDefault("pin_hash", "")
	v.SetDefault("workers", 4)
	v.SetDefault("read_timeout", 20*time.Second)
	v.SetDefault("release_delay", 300*time.Millisecond)
	v.SetDefault("max_header_bytes", 16*1024)
	v.SetDefault("gzip", true)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetEnvPrefix("QUICKDROP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional config file and unmarshals v into a Config.
// With an empty file name, quickdrop.yaml is searched in the working
// directory and $HOME/.config/quickdrop; a missing file is not an error.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("quickdrop")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/quickdrop")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Store = strings.ToLower(strings.TrimSpace(cfg.Store))
	return &cfg, nil
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	v := NewValidator()

	v.ValidateEnum("store", c.Store, []string{StoreDir, StoreS3})
	switch c.Store {
	case StoreDir:
		v.ValidateRequired("root", c.Root)
	case StoreS3:
		v.ValidateRequired("s3.endpoint", c.S3.Endpoint)
		v.ValidateRequired("s3.access_key", c.S3.AccessKey)
		v.ValidateRequired("s3.secret_key", c.S3.SecretKey)
		v.ValidateRequired("s3.bucket", c.S3.Bucket)
	}
	v.ValidateDatabaseURL("database_url", c.DatabaseURL)
	v.ValidateMinInt("workers", c.Workers, 1)
	v.ValidateMinInt("max_header_bytes", c.MaxHeaderBytes, 1024)
	if c.ReadTimeout <= 0 {
		v.AddError("read_timeout", "must be positive")
	}
	if c.ReleaseDelay < 0 {
		v.AddError("release_delay", "must not be negative")
	}
	if c.PIN != "" && c.PINHash != "" {
		v.AddError("pin", "set either pin or pin_hash, not both")
	}
	if c.PINHash != "" && !strings.HasPrefix(c.PINHash, "$2") {
		v.AddError("pin_hash", "must be a bcrypt hash")
	}
	v.ValidateEnum("log.format", strings.ToLower(c.Log.Format), []string{"text", "json"})

	return v.Err()
}

// AppPort returns the configured port when it lies in 1024..65535 and
// DefaultPort otherwise.
func (c *Config) AppPort() int {
	if c.Port >= 1024 && c.Port <= 65535 {
		return c.Port
	}
	return DefaultPort
}

// ListenAddr is the host:port the server binds.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Bind, strconv.Itoa(c.AppPort()))
}
