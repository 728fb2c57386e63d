package server

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const serverToken = "QuickDrop/Go"

const (
	contentTypeJSON = "application/json; charset=utf-8"
	contentTypeHTML = "text/html; charset=utf-8"
	contentTypeText = "text/plain; charset=utf-8"
)

// Response is a complete reply. Exactly one of Body or Stream is used;
// Stream is copied for exactly ContentLength bytes.
type Response struct {
	Status        int
	Reason        string
	ContentType   string
	ContentLength int64
	// Filename, when set, adds an inline Content-Disposition.
	Filename string
	Encoding string
	Body     []byte
	Stream   io.Reader
}

func okResponse(contentType string, body []byte) *Response {
	return &Response{
		Status:        200,
		Reason:        "OK",
		ContentType:   contentType,
		ContentLength: int64(len(body)),
		Body:          body,
	}
}

// JSONResponse is a 200 with a JSON body.
func JSONResponse(body string) *Response {
	return okResponse(contentTypeJSON, []byte(body))
}

// HTMLResponse is a 200 with an HTML body.
func HTMLResponse(body []byte) *Response {
	return okResponse(contentTypeHTML, body)
}

// StreamResponse is a 200 whose body is read from r.
func StreamResponse(contentType string, length int64, filename string, r io.Reader) *Response {
	return &Response{
		Status:        200,
		Reason:        "OK",
		ContentType:   contentType,
		ContentLength: length,
		Filename:      filename,
		Stream:        r,
	}
}

func errorResponse(status int, body string) *Response {
	b := []byte(body)
	return &Response{
		Status:        status,
		Reason:        "ERR",
		ContentType:   contentTypeText,
		ContentLength: int64(len(b)),
		Body:          b,
	}
}

// BadRequest is a 400 carrying msg.
func BadRequest(msg string) *Response { return errorResponse(400, "Bad Request: "+msg) }

// Forbidden is a 403 carrying msg.
func Forbidden(msg string) *Response { return errorResponse(403, "Forbidden: "+msg) }

// NotFound is a plain 404.
func NotFound() *Response { return errorResponse(404, "Not Found") }

// BadGateway reports a server-side failure.
func BadGateway(msg string) *Response { return errorResponse(502, "Bad Gateway: "+msg) }

// WriteTo writes the status line, headers and body. A stream that ends
// before ContentLength bytes yields io.ErrUnexpectedEOF.
func (r *Response) WriteTo(w io.Writer) (int64, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "HTTP/1.1 %d %s\r\n", r.Status, r.Reason)
	sb.WriteString("Server: " + serverToken + "\r\n")
	sb.WriteString("Connection: close\r\n")
	sb.WriteString("Content-Type: " + r.ContentType + "\r\n")
	sb.WriteString("Content-Length: " + strconv.FormatInt(r.ContentLength, 10) + "\r\n")
	if r.Encoding != "" {
		sb.WriteString("Content-Encoding: " + r.Encoding + "\r\n")
		sb.WriteString("Vary: Accept-Encoding\r\n")
	}
	if r.Filename != "" {
		sb.WriteString("Content-Disposition: inline; filename*=UTF-8''" + encodeRFC5987(r.Filename) + "\r\n")
	}
	if noStore(r.ContentType) {
		sb.WriteString("Cache-Control: no-store\r\n")
		sb.WriteString("Pragma: no-cache\r\n")
	}
	sb.WriteString("\r\n")

	n, err := io.WriteString(w, sb.String())
	total := int64(n)
	if err != nil {
		return total, err
	}

	if r.Stream == nil {
		m, err := w.Write(r.Body)
		return total + int64(m), err
	}
	m, err := io.CopyN(w, r.Stream, r.ContentLength)
	total += m
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return total, err
}

func noStore(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.HasPrefix(ct, "application/json") || strings.HasPrefix(ct, "text/html")
}

// encodeRFC5987 percent-encodes everything outside attr-char.
func encodeRFC5987(s string) string {
	const hex = "0123456789ABCDEF"
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isAttrChar(c) {
			sb.WriteByte(c)
			continue
		}
		sb.WriteByte('%')
		sb.WriteByte(hex[c>>4])
		sb.WriteByte(hex[c&0x0f])
	}
	return sb.String()
}

func isAttrChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}
	return strings.IndexByte("!#$&+-.^_`|~", c) >= 0
}

// responseWriter tracks what went out on one connection.
type responseWriter struct {
	bw      *bufio.Writer
	status  int
	written int64
	sent    bool
}

func newResponseWriter(w io.Writer) *responseWriter {
	return &responseWriter{bw: bufio.NewWriterSize(w, 64<<10)}
}

// Send writes resp. Only the first call per connection has an effect.
func (w *responseWriter) Send(resp *Response) error {
	if w.sent {
		return nil
	}
	w.sent = true
	w.status = resp.Status
	n, err := resp.WriteTo(w.bw)
	w.written += n
	return err
}

func (w *responseWriter) Flush() error {
	return w.bw.Flush()
}

// jsonString quotes s as a JSON string literal.
func jsonString(s string) string {
	const hex = "0123456789abcdef"
	var sb strings.Builder
	sb.Grow(len(s) + 2)
	sb.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			sb.WriteString(`\"`)
		case '\\':
			sb.WriteString(`\\`)
		case '\n':
			sb.WriteString(`\n`)
		case '\r':
			sb.WriteString(`\r`)
		case '\t':
			sb.WriteString(`\t`)
		case '\b':
			sb.WriteString(`\b`)
		case '\f':
			sb.WriteString(`\f`)
		case '\u2028', '\u2029':
			fmt.Fprintf(&sb, `\u%04x`, r)
		default:
			if r < 0x20 {
				sb.WriteString(`\u00`)
				sb.WriteByte(hex[r>>4])
				sb.WriteByte(hex[r&0x0f])
				continue
			}
			sb.WriteRune(r)
		}
	}
	sb.WriteByte('"')
	return sb.String()
}
