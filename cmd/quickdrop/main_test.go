package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"quickdrop/internal/config"
	"quickdrop/internal/server"
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

// testContext returns a context canceled when the test finishes
// (stand-in for testing.T.Context, which needs Go 1.24).
func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	chdir(t, t.TempDir())
	configFile = ""
}

func testCommand(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().Int("port", 0, "")
	cmd.Flags().String("root", "", "")
	cmd.Flags().Int("workers", 0, "")
	cmd.Flags().String("log-level", "", "")
	cmd.Flags().String("unrelated", "", "")
	require.NoError(t, cmd.Flags().Parse(args))
	return cmd
}

func TestLoadConfig_Defaults(t *testing.T) {
	isolate(t)
	cfg, err := loadConfig(testCommand(t))
	require.NoError(t, err)

	assert.Equal(t, config.DefaultPort, cfg.AppPort())
	assert.Equal(t, config.StoreDir, cfg.Store)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadConfig_FlagBeatsEnv(t *testing.T) {
	isolate(t)
	t.Setenv("QUICKDROP_PORT", "3000")
	t.Setenv("QUICKDROP_WORKERS", "7")

	cfg, err := loadConfig(testCommand(t, "--port", "2000", "--log-level", "debug"))
	require.NoError(t, err)

	assert.Equal(t, 2000, cfg.Port)
	assert.Equal(t, 7, cfg.Workers)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadConfig_FileAndValidation(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "qd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store: s3\nworkers: 2\n"), 0o600))
	configFile = path
	t.Cleanup(func() { configFile = "" })

	_, err := loadConfig(testCommand(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "s3.bucket")
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	t.Cleanup(func() { rootCmd.SetOut(nil) })

	require.NoError(t, rootCmd.Execute())
	assert.Equal(t, "quickdrop dev (unknown)\n", out.String())
}

func TestImportCommand(t *testing.T) {
	isolate(t)
	root := t.TempDir()
	srcDir := t.TempDir()
	a := filepath.Join(srcDir, "photo.jpg")
	b := filepath.Join(srcDir, "Photo.JPG")
	require.NoError(t, os.WriteFile(a, []byte("first"), 0o600))
	require.NoError(t, os.WriteFile(b, []byte("second"), 0o600))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"import", "--root", root, "--log-level", "error", a, b})
	t.Cleanup(func() { rootCmd.SetOut(nil) })

	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "imported 2 of 2 files")

	got, err := os.ReadFile(filepath.Join(root, "photo.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "first", string(got))
	got, err = os.ReadFile(filepath.Join(root, "Photo(1).JPG"))
	require.NoError(t, err)
	assert.Equal(t, "second", string(got))
}

func TestImportCommand_MissingFile(t *testing.T) {
	isolate(t)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"import", "--root", t.TempDir(), "--log-level", "error", "/does/not/exist"})
	t.Cleanup(func() { rootCmd.SetOut(nil) })

	err := rootCmd.Execute()
	require.Error(t, err)
	assert.Contains(t, out.String(), "imported 0 of 1 files")
}

func TestServerFactoryBuildsFreshServers(t *testing.T) {
	isolate(t)
	cfg, err := loadConfig(testCommand(t, "--root", t.TempDir()))
	require.NoError(t, err)
	store, err := openStore(testContext(t), cfg)
	require.NoError(t, err)

	f := serverFactory(cfg, store, nil, nil, nil)
	assert.NotSame(t, f(), f())
}

func TestHashPinCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"hash-pin", "--cost", "4", "2468"})
	t.Cleanup(func() { rootCmd.SetOut(nil) })

	require.NoError(t, rootCmd.Execute())
	hash := strings.TrimSpace(out.String())
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("2468")))

	pin, err := server.NewPIN("", hash)
	require.NoError(t, err)
	assert.True(t, pin.Check("2468"))
}
