package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"quickdrop/internal/config"
	"quickdrop/internal/db"
	"quickdrop/internal/logging"
	"quickdrop/internal/server"
	"quickdrop/internal/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the drop server until interrupted or /exit is requested",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().Int("port", 0, "TCP port, 1024-65535 (default 19960)")
	serveCmd.Flags().String("bind", "", "address to bind (default all interfaces)")
	serveCmd.Flags().String("pin", "", "shared PIN required by every route except /")
	serveCmd.Flags().Int("workers", 0, "connection worker count")
	serveCmd.Flags().String("database-url", "", "Postgres URL for the transfer audit log")
	serveCmd.Flags().Duration("release-delay", 0, "pause after close before the port is reused")
	serveCmd.Flags().Bool("gzip", true, "gzip large / and /list responses")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log := newLogger(cfg)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	pin, err := server.NewPIN(cfg.PIN, cfg.PINHash)
	if err != nil {
		return err
	}

	var audit server.AuditSink
	if cfg.DatabaseURL != "" {
		conn, auditor, err := openAudit(cfg.DatabaseURL, log)
		if err != nil {
			return err
		}
		defer func() { _ = conn.Close() }()
		defer auditor.Close()
		audit = auditor
	}

	svc := service.New(service.Options{
		NewServer: serverFactory(cfg, store, pin, audit, log),
		Logger:    log,
	})

	log.Info("starting", logging.Fields{
		"version": version,
		"commit":  commit,
		"addr":    cfg.ListenAddr(),
		"store":   cfg.Store,
		"pin":     pin != nil,
		"audit":   audit != nil,
	})
	if _, err := svc.Ensure(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	select {
	case <-ctx.Done():
		log.Info("shutting down", nil)
		return svc.Stop()
	case <-svc.Stopped():
		return nil
	}
}

func serverFactory(cfg *config.Config, store server.Store, pin *server.PIN, audit server.AuditSink, log *logging.Logger) service.Factory {
	return func() *server.Server {
		return server.New(server.Config{
			Addr:           cfg.ListenAddr(),
			Store:          store,
			Workers:        cfg.Workers,
			ReadTimeout:    cfg.ReadTimeout,
			ReleaseDelay:   cfg.ReleaseDelay,
			MaxHeaderBytes: cfg.MaxHeaderBytes,
			Gzip:           cfg.Gzip,
			PIN:            pin,
			Audit:          audit,
			Logger:         log,
		})
	}
}

func openAudit(url string, log *logging.Logger) (*sql.DB, *server.PGAuditor, error) {
	conn, err := server.OpenDB(url)
	if err != nil {
		return nil, nil, fmt.Errorf("connect audit database: %w", err)
	}
	log.Info("running migrations", nil)
	if err := db.RunMigrations(conn); err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	return conn, server.NewPGAuditor(conn, log), nil
}
