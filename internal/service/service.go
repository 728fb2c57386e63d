// Package service keeps one QuickDrop server running. Start requests are
// serialized, bind failures are retried with backoff, and the server's
// ready and exit signals drive the service state.
package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"quickdrop/internal/logging"
	"quickdrop/internal/server"
)

type State int

const (
	Idle State = iota
	Starting
	Running
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Starting:
		return "STARTING"
	case Running:
		return "RUNNING"
	default:
		return "UNKNOWN"
	}
}

// DefaultBackoff is the pause before each retry after a failed bind.
var DefaultBackoff = []time.Duration{
	150 * time.Millisecond,
	300 * time.Millisecond,
	600 * time.Millisecond,
	1000 * time.Millisecond,
	1500 * time.Millisecond,
	2000 * time.Millisecond,
}

// ErrStartFailed wraps the last bind error once every attempt is used up.
var ErrStartFailed = errors.New("server did not start")

// Factory builds a fresh, unbound server for one start attempt.
type Factory func() *server.Server

type Options struct {
	NewServer Factory
	Backoff   []time.Duration
	Logger    *logging.Logger
}

type Service struct {
	newServer Factory
	backoff   []time.Duration
	log       *logging.Logger

	// start serializes Ensure; mu guards the fields below it.
	start   sync.Mutex
	mu      sync.Mutex
	state   State
	current *server.Server
	url     string
	stopped chan struct{}
}

func New(opts Options) *Service {
	if opts.Backoff == nil {
		opts.Backoff = DefaultBackoff
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	return &Service{
		newServer: opts.NewServer,
		backoff:   opts.Backoff,
		log:       opts.Logger,
	}
}

func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// URL is the display address of the running server, empty when idle.
func (s *Service) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

// Stopped is closed when the latest run ends, either through /exit or
// Stop. It is nil before the first successful start.
func (s *Service) Stopped() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Ensure starts the server unless it is already starting or running, in
// which case it only reports the current state.
func (s *Service) Ensure(ctx context.Context) (State, error) {
	s.start.Lock()
	defer s.start.Unlock()

	s.mu.Lock()
	if s.state != Idle {
		st, url := s.state, s.url
		s.mu.Unlock()
		s.log.Info("server already active", logging.Fields{"state": st.String(), "url": url})
		return st, nil
	}
	s.state = Starting
	s.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt <= len(s.backoff); attempt++ {
		if attempt > 0 {
			wait := s.backoff[attempt-1]
			s.log.Warn("bind failed, retrying", logging.Fields{"attempt": attempt, "wait": wait.String()}, lastErr)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				s.setState(Idle)
				return Idle, ctx.Err()
			}
		}

		srv := s.newServer()
		errCh := make(chan error, 1)
		go func() { errCh <- srv.Start() }()

		select {
		case <-srv.Ready():
			s.running(srv, errCh)
			return Running, nil
		case err := <-errCh:
			_ = srv.Close()
			lastErr = err
		case <-ctx.Done():
			_ = srv.Close()
			s.setState(Idle)
			return Idle, ctx.Err()
		}
	}

	s.setState(Idle)
	s.log.Error("giving up on bind", logging.Fields{"attempts": len(s.backoff) + 1}, lastErr)
	return Idle, fmt.Errorf("%w: %w", ErrStartFailed, lastErr)
}

// Stop closes the running server and waits until the service is idle.
func (s *Service) Stop() error {
	s.mu.Lock()
	srv, stopped := s.current, s.stopped
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	err := srv.Close()
	<-stopped
	return err
}

func (s *Service) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Service) running(srv *server.Server, errCh <-chan error) {
	url := DisplayURL(srv.Addr())
	stopped := make(chan struct{})

	s.mu.Lock()
	s.state = Running
	s.current = srv
	s.url = url
	s.stopped = stopped
	s.mu.Unlock()

	s.log.Info("server running", logging.Fields{"url": url})

	go func() {
		defer close(stopped)
		var err error
		select {
		case <-srv.Exited():
			s.log.Info("exit requested", nil)
			err = <-errCh
		case err = <-errCh:
		}
		if err != nil {
			s.log.Error("server stopped", nil, err)
		}
		_ = srv.Close()

		s.mu.Lock()
		s.state = Idle
		s.current = nil
		s.url = ""
		s.mu.Unlock()
		s.log.Info("server idle", nil)
	}()
}

// DisplayURL renders the address a phone on the LAN should open.
func DisplayURL(addr net.Addr) string {
	port := 0
	if tcp, ok := addr.(*net.TCPAddr); ok {
		port = tcp.Port
	}
	return "http://" + net.JoinHostPort(LANAddress(), strconv.Itoa(port))
}

// LANAddress returns the first IPv4 address of an up, non-loopback
// interface, or 127.0.0.1 when there is none.
func LANAddress() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "127.0.0.1"
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok {
				if ip4 := ipnet.IP.To4(); ip4 != nil {
					return ip4.String()
				}
			}
		}
	}
	return "127.0.0.1"
}
