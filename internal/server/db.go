package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
)

const (
	auditAppName     = "quickdrop"
	auditPingTimeout = 2 * time.Second
)

// OpenDB connects to the audit database and verifies it answers. The pool
// stays small since only the auditor goroutine and migrations use it.
func OpenDB(databaseURL string) (*sql.DB, error) {
	if databaseURL == "" {
		return nil, errors.New("database url is empty")
	}

	connCfg, err := pgx.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if _, set := connCfg.RuntimeParams["application_name"]; !set {
		connCfg.RuntimeParams["application_name"] = auditAppName
	}

	db := stdlib.OpenDB(*connCfg)
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), auditPingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping audit database: %w", err)
	}
	return db, nil
}
