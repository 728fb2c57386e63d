package server

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"quickdrop/internal/logging"
)

// AuditAction represents the type of transfer being recorded.
type AuditAction string

const (
	AuditActionUpload   AuditAction = "upload"
	AuditActionDownload AuditAction = "download"
	AuditActionText     AuditAction = "text"
	AuditActionClear    AuditAction = "clear"
	AuditActionExit     AuditAction = "exit"
)

// TransferEvent is one audited operation.
type TransferEvent struct {
	Timestamp  time.Time
	Action     AuditAction
	RequestID  string
	RemoteAddr string
	Name       string
	Bytes      int64
	SHA256     string
	Success    bool
	ErrorMsg   string
}

// AuditSink receives transfer events. Record must not block the caller.
type AuditSink interface {
	Record(ev TransferEvent)
}

const (
	auditQueueSize = 256

	auditMaxFailures = 3
	auditCooldown    = 30 * time.Second
)

// PGAuditor writes events to the transfer_events table from a single
// background goroutine. Events arriving while the queue is full are
// dropped and logged.
type PGAuditor struct {
	db      *sql.DB
	log     *logging.Logger
	breaker *CircuitBreaker
	events  chan TransferEvent
	wg      sync.WaitGroup
	once    sync.Once
}

// NewPGAuditor starts the writer goroutine.
func NewPGAuditor(db *sql.DB, log *logging.Logger) *PGAuditor {
	if log == nil {
		log = logging.Default()
	}
	a := &PGAuditor{
		db:      db,
		log:     log,
		breaker: NewCircuitBreaker("audit-db", auditMaxFailures, auditCooldown, log),
		events:  make(chan TransferEvent, auditQueueSize),
	}
	a.wg.Add(1)
	go a.run()
	return a
}

func (a *PGAuditor) Record(ev TransferEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case a.events <- ev:
	default:
		a.log.Warn("audit queue full, event dropped", logging.Fields{"action": ev.Action, "name": ev.Name}, nil)
	}
}

// Close flushes queued events and stops the writer. Record must not be
// called afterwards.
func (a *PGAuditor) Close() {
	a.once.Do(func() {
		close(a.events)
		a.wg.Wait()
	})
}

func (a *PGAuditor) run() {
	defer a.wg.Done()
	for ev := range a.events {
		err := a.breaker.Execute(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return insertTransferEvent(ctx, a.db, ev)
		})
		switch {
		case errors.Is(err, ErrCircuitOpen):
			a.log.Debug("audit event dropped", logging.Fields{"action": ev.Action, "rid": ev.RequestID})
		case err != nil:
			a.log.Warn("audit insert failed", logging.Fields{"action": ev.Action, "rid": ev.RequestID}, err)
		}
	}
}

func insertTransferEvent(ctx context.Context, db *sql.DB, ev TransferEvent) error {
	const query = `
		INSERT INTO transfer_events (
			ts, action, request_id, remote_addr, name, bytes, sha256, success, error_message
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := db.ExecContext(ctx, query,
		ev.Timestamp,
		string(ev.Action),
		ev.RequestID,
		ev.RemoteAddr,
		nullString(ev.Name),
		ev.Bytes,
		nullString(ev.SHA256),
		ev.Success,
		nullString(ev.ErrorMsg),
	)
	return err
}

// RecentTransfers returns the newest events first.
func RecentTransfers(ctx context.Context, db *sql.DB, limit int) ([]TransferEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx, `
		SELECT ts, action, request_id, remote_addr, name, bytes, sha256, success, error_message
		FROM transfer_events
		ORDER BY id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TransferEvent
	for rows.Next() {
		var ev TransferEvent
		var action string
		var name, sum, errMsg sql.NullString
		if err := rows.Scan(&ev.Timestamp, &action, &ev.RequestID, &ev.RemoteAddr,
			&name, &ev.Bytes, &sum, &ev.Success, &errMsg); err != nil {
			return nil, err
		}
		ev.Action = AuditAction(action)
		ev.Name = name.String
		ev.SHA256 = sum.String
		ev.ErrorMsg = errMsg.String
		out = append(out, ev)
	}
	return out, rows.Err()
}

// nullString maps "" to SQL NULL.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// recordAudit is a no-op without a sink.
func (s *Server) recordAudit(ev TransferEvent) {
	if s.cfg.Audit == nil {
		return
	}
	s.cfg.Audit.Record(ev)
}
