package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"quickdrop/internal/logging"
)

// ErrServerClosed is returned by Start on a server that was already
// started or closed.
var ErrServerClosed = errors.New("server closed")

const (
	DefaultWorkers     = 4
	DefaultReadTimeout = 20 * time.Second

	connQueueSize = 64
	ioBufferSize  = 64 << 10

	// Unread request bodies are drained for at most this long before close.
	lingerTimeout = time.Second
	lingerMax     = 256 << 10
)

type Config struct {
	Addr  string // e.g. ":19960"
	Store Store
	// Assets must contain assets/quickdrop.html; nil uses the embedded UI.
	Assets         fs.FS
	Workers        int
	ReadTimeout    time.Duration
	ReleaseDelay   time.Duration
	MaxHeaderBytes int
	Gzip           bool
	PIN            *PIN
	Audit          AuditSink
	Logger         *logging.Logger
}

type serverState int

const (
	stateUnbound serverState = iota
	stateListening
	stateClosed
)

// Server is one bind of the drop service. It moves Unbound → Listening →
// Closed and is not reusable; bind again with a new Server.
type Server struct {
	cfg     Config
	log     *logging.Logger
	mailbox *Mailbox
	metrics *Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    serverState
	listener net.Listener
	active   map[net.Conn]struct{}

	queue      chan net.Conn
	quit       chan struct{}
	workers    errgroup.Group
	acceptDone chan struct{}

	ready     chan struct{}
	exited    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	exitOnce  sync.Once
}

func New(cfg Config) *Server {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.ReleaseDelay < 0 {
		cfg.ReleaseDelay = 0
	}
	if cfg.MaxHeaderBytes <= 0 {
		cfg.MaxHeaderBytes = DefaultMaxHeaderBytes
	}
	if cfg.Assets == nil {
		cfg.Assets = embeddedAssets
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:        cfg,
		log:        cfg.Logger,
		mailbox:    NewMailbox(DefaultMailboxCapacity),
		metrics:    NewMetrics(),
		ctx:        ctx,
		cancel:     cancel,
		active:     make(map[net.Conn]struct{}),
		queue:      make(chan net.Conn, connQueueSize),
		quit:       make(chan struct{}),
		acceptDone: make(chan struct{}),
		ready:      make(chan struct{}),
		exited:     make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Ready is closed once the socket is bound.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Exited is closed after /exit has shut the server down.
func (s *Server) Exited() <-chan struct{} { return s.exited }

// Mailbox exposes the text mailbox.
func (s *Server) Mailbox() *Mailbox { return s.mailbox }

// Metrics exposes the request counters.
func (s *Server) Metrics() *Metrics { return s.metrics }

// Addr is the bound address, or nil before Start has bound.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start binds and serves until Close. It returns nil after an orderly
// close and the bind error if the port cannot be taken.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.state != stateUnbound {
		s.mu.Unlock()
		return ErrServerClosed
	}
	lc := listenConfig()
	ln, err := lc.Listen(context.Background(), "tcp", s.cfg.Addr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln
	s.state = stateListening
	for i := 0; i < s.cfg.Workers; i++ {
		s.workers.Go(s.worker)
	}
	s.mu.Unlock()

	s.log.Info("listening", logging.Fields{"addr": ln.Addr().String(), "workers": s.cfg.Workers})
	close(s.ready)

	s.acceptLoop(ln)
	close(s.acceptDone)
	<-s.done
	return nil
}

func (s *Server) closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateClosed
}

func (s *Server) acceptLoop(ln net.Listener) {
	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closed() {
				return
			}
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else if delay *= 2; delay > time.Second {
				delay = time.Second
			}
			s.log.Debug("accept failed", logging.Fields{"retry_in": delay.String(), "err": err.Error()})
			select {
			case <-time.After(delay):
			case <-s.quit:
				return
			}
			continue
		}
		delay = 0

		select {
		case s.queue <- conn:
		case <-s.quit:
			_ = conn.Close()
			return
		}
	}
}

func (s *Server) worker() error {
	for {
		select {
		case conn := <-s.queue:
			s.serveConn(conn)
		case <-s.quit:
			return nil
		}
	}
}

// track registers conn as in flight, or reports false once closing.
func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateClosed {
		return false
	}
	s.active[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.active, conn)
	s.mu.Unlock()
}

// Close stops the server. It is idempotent and safe before Start. In-flight
// connections are closed so that blocked handlers return.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		prev := s.state
		s.state = stateClosed
		ln := s.listener
		conns := make([]net.Conn, 0, len(s.active))
		for c := range s.active {
			conns = append(conns, c)
		}
		s.mu.Unlock()

		close(s.quit)
		s.cancel()
		if ln != nil {
			if cerr := ln.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
				err = cerr
			}
		}
		for _, c := range conns {
			_ = c.Close()
		}

		if prev == stateListening {
			<-s.acceptDone
			_ = s.workers.Wait()
			s.drainQueue()
			time.Sleep(s.cfg.ReleaseDelay)
			s.logSummary()
		}
		close(s.done)
	})
	return err
}

func (s *Server) drainQueue() {
	for {
		select {
		case c := <-s.queue:
			_ = c.Close()
		default:
			return
		}
	}
}

// requestExit closes the server and then signals Exited. It runs on its own
// goroutine because Close waits for the worker that served /exit.
func (s *Server) requestExit() {
	_ = s.Close()
	s.exitOnce.Do(func() { close(s.exited) })
}

func (s *Server) logSummary() {
	m := s.metrics.Snapshot()
	s.log.Info("server closed", logging.Fields{
		"requests":       m.RequestsTotal,
		"errors_4xx":     m.RequestErrors4xx,
		"errors_5xx":     m.RequestErrors5xx,
		"uploads":        m.UploadsTotal,
		"upload_bytes":   humanBytes(m.UploadBytesTotal),
		"downloads":      m.DownloadsTotal,
		"download_bytes": humanBytes(m.DownloadBytesTotal),
		"texts":          m.TextsTotal,
	})
}

// serveConn handles exactly one request on conn.
func (s *Server) serveConn(conn net.Conn) {
	start := time.Now()
	remote := conn.RemoteAddr().String()
	if !s.track(conn) {
		_ = conn.Close()
		return
	}
	defer s.untrack(conn)

	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	ic := &idleConn{Conn: conn, timeout: s.cfg.ReadTimeout}
	br := bufio.NewReaderSize(ic, ioBufferSize)
	w := newResponseWriter(ic)

	var req *Request
	parseFailed := false
	defer func() {
		if p := recover(); p != nil {
			s.log.Error("handler panic", logging.Fields{"rid": requestID(req), "panic": fmt.Sprint(p)}, nil)
			_ = w.Send(BadGateway("internal error"))
		}
		_ = w.Flush()
		s.finishConn(conn, parseFailed || unreadBody(req))
		s.logAccess(req, w, remote, start)
	}()

	req, err := ReadRequest(br, s.cfg.MaxHeaderBytes)
	if err != nil {
		parseFailed = true
		s.metrics.RecordMalformed()
		s.log.Debug("bad request", logging.Fields{"ip": clientIP(remote), "err": err.Error()})
		_ = w.Send(BadRequest("Invalid Request"))
		return
	}
	req.RemoteAddr = remote
	req.ID = newRequestID()

	if err := s.dispatch(w, req); err != nil {
		s.log.Error("request failed", logging.Fields{"rid": req.ID, "path": req.Path}, err)
		_ = w.Send(BadGateway("storage error"))
	}
}

func requestID(req *Request) string {
	if req == nil {
		return ""
	}
	return req.ID
}

// unreadBody reports whether the client declared body bytes that the
// handler never read.
func unreadBody(req *Request) bool {
	return req != nil && !req.consumed && declaredBodyLength(req) > 0
}

// finishConn closes conn. With linger set, the write side is shut first and
// pending input is discarded so the close does not reset the connection
// before the client has read the response.
func (s *Server) finishConn(conn net.Conn, linger bool) {
	if !linger {
		_ = conn.Close()
		return
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.CloseWrite()
	}
	_ = conn.SetReadDeadline(time.Now().Add(lingerTimeout))
	_, _ = io.CopyN(io.Discard, conn, lingerMax)
	_ = conn.Close()
}

// declaredBodyLength prefers X-File-Size over Content-Length.
func declaredBodyLength(req *Request) int64 {
	if n := parseLength(req.HeaderValue("x-file-size")); n >= 0 {
		return n
	}
	return req.ContentLength()
}
