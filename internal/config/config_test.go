package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdir changes the working directory for the duration of the test
// (stand-in for testing.T.Chdir, which needs Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(old); err != nil {
			t.Fatal(err)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load(New(), "")
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, StoreDir, cfg.Store)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 20*time.Second, cfg.ReadTimeout)
	assert.Equal(t, 300*time.Millisecond, cfg.ReleaseDelay)
	assert.Equal(t, 16*1024, cfg.MaxHeaderBytes)
	assert.True(t, cfg.Gzip)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "quickdrop.yaml")
	yaml := "port: 20000\nroot: /srv/drop\nread_timeout: 5s\nlog:\n  level: debug\ns3:\n  bucket: fromfile\n"
	require.NoError(t, os.WriteFile(file, []byte(yaml), 0o600))

	t.Setenv("QUICKDROP_WORKERS", "8")
	t.Setenv("QUICKDROP_S3_BUCKET", "fromenv")

	cfg, err := Load(New(), file)
	require.NoError(t, err)

	assert.Equal(t, 20000, cfg.Port)
	assert.Equal(t, "/srv/drop", cfg.Root)
	assert.Equal(t, 5*time.Second, cfg.ReadTimeout)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, "fromenv", cfg.S3.Bucket)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(New(), filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestAppPort(t *testing.T) {
	tests := []struct {
		port int
		want int
	}{
		{0, DefaultPort},
		{80, DefaultPort},
		{1024, 1024},
		{8080, 8080},
		{65535, 65535},
		{70000, DefaultPort},
	}
	for _, tt := range tests {
		c := &Config{Port: tt.port}
		assert.Equal(t, tt.want, c.AppPort(), "port %d", tt.port)
	}
}

func TestListenAddr(t *testing.T) {
	c := &Config{Bind: "127.0.0.1", Port: 8080}
	assert.Equal(t, "127.0.0.1:8080", c.ListenAddr())

	c = &Config{Port: 1}
	assert.Equal(t, ":19960", c.ListenAddr())
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Store:          StoreDir,
			Root:           "/tmp/drop",
			Workers:        4,
			ReadTimeout:    time.Second,
			MaxHeaderBytes: 16 * 1024,
			Log:            LogConfig{Format: "text"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"unknown store", func(c *Config) { c.Store = "ftp" }, "store"},
		{"dir without root", func(c *Config) { c.Root = "" }, "root"},
		{"s3 incomplete", func(c *Config) { c.Store = StoreS3; c.S3.Endpoint = "minio:9000" }, "s3.bucket"},
		{"bad database url", func(c *Config) { c.DatabaseURL = "mysql://x" }, "database_url"},
		{"zero workers", func(c *Config) { c.Workers = 0 }, "workers"},
		{"tiny header cap", func(c *Config) { c.MaxHeaderBytes = 10 }, "max_header_bytes"},
		{"no read timeout", func(c *Config) { c.ReadTimeout = 0 }, "read_timeout"},
		{"pin and hash", func(c *Config) { c.PIN = "1234"; c.PINHash = "$2a$04$x" }, "pin"},
		{"hash not bcrypt", func(c *Config) { c.PINHash = "plain" }, "pin_hash"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidator_CollectsAllErrors(t *testing.T) {
	v := NewValidator()
	v.ValidateRequired("a", "")
	v.ValidateMinInt("b", 0, 1)
	v.ValidateEnum("c", "z", []string{"x", "y"})

	require.True(t, v.HasErrors())
	assert.Len(t, v.Errors(), 3)
	assert.Contains(t, v.ErrorString(), "3 error(s)")
}
