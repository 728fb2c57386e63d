package server

import (
	"net"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"quickdrop/internal/logging"
)

// newRequestID returns a random id for log correlation.
func newRequestID() string {
	return uuid.NewString()
}

// humanBytes renders a byte count for log lines.
func humanBytes(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.IBytes(uint64(n))
}

// clientIP strips the port from a remote address.
func clientIP(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}

// logAccess writes one line per connection and feeds the request counters.
func (s *Server) logAccess(req *Request, w *responseWriter, remote string, start time.Time) {
	fields := logging.Fields{
		"status": w.status,
		"ms":     time.Since(start).Milliseconds(),
		"bytes":  w.written,
		"ip":     clientIP(remote),
	}
	if req != nil {
		fields["rid"] = req.ID
		fields["method"] = req.Method
		fields["path"] = req.Path
		if ua := req.HeaderValue("user-agent"); ua != "" {
			fields["ua"] = ua
		}
	}
	s.log.Info("request", fields)
	s.metrics.RecordRequest(w.status)
}

// idleConn renews the read and write deadlines before every I/O call, so
// the timeout bounds inactivity rather than the whole transfer.
type idleConn struct {
	net.Conn
	timeout time.Duration
}

func (c *idleConn) Read(p []byte) (int, error) {
	_ = c.Conn.SetReadDeadline(time.Now().Add(c.timeout))
	return c.Conn.Read(p)
}

func (c *idleConn) Write(p []byte) (int, error) {
	_ = c.Conn.SetWriteDeadline(time.Now().Add(c.timeout))
	return c.Conn.Write(p)
}
