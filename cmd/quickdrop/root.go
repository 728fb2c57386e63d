package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"quickdrop/internal/config"
	"quickdrop/internal/logging"
	"quickdrop/internal/server"
)

// Set at build time with -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "unknown"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:           "quickdrop",
	Short:         "Share files and text with phones on the local network",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default quickdrop.yaml)")
	rootCmd.PersistentFlags().String("root", "", "directory that holds dropped files")
	rootCmd.PersistentFlags().String("store", "", "storage backend: dir or s3")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "", "log format: text or json")
}

// flagKeys maps flag names onto config keys.
var flagKeys = map[string]string{
	"port":          "port",
	"bind":          "bind",
	"root":          "root",
	"store":         "store",
	"pin":           "pin",
	"workers":       "workers",
	"database-url":  "database_url",
	"release-delay": "release_delay",
	"gzip":          "gzip",
	"log-level":     "log.level",
	"log-format":    "log.format",
}

// loadConfig resolves flags, environment, config file and defaults into a
// validated Config. Only flags the user set override lower layers.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v := config.New()
	if err := bindFlags(v, cmd.Flags()); err != nil {
		return nil, err
	}
	cfg, err := config.Load(v, configFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	var bindErr error
	flags.VisitAll(func(f *pflag.Flag) {
		key, ok := flagKeys[f.Name]
		if !ok || bindErr != nil {
			return
		}
		if err := v.BindPFlag(key, f); err != nil {
			bindErr = fmt.Errorf("bind flag %s: %w", f.Name, err)
		}
	})
	return bindErr
}

func newLogger(cfg *config.Config) *logging.Logger {
	log := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	logging.SetDefault(log)
	return log
}

func openStore(ctx context.Context, cfg *config.Config) (server.Store, error) {
	switch cfg.Store {
	case config.StoreS3:
		return server.NewS3Store(ctx, server.S3Options{
			Endpoint:  cfg.S3.Endpoint,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			Bucket:    cfg.S3.Bucket,
		})
	default:
		return server.NewDirStore(cfg.Root)
	}
}
