package server

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
)

// DefaultMaxHeaderBytes caps the request line plus header block.
const DefaultMaxHeaderBytes = 16 << 10

var (
	// ErrMalformedRequest is returned for a broken start line or a header
	// block cut short by EOF.
	ErrMalformedRequest = errors.New("malformed request")
	// ErrHeaderTooLarge is returned when no CRLFCRLF shows up within the cap.
	ErrHeaderTooLarge = errors.New("request header too large")
)

// Request is one parsed request. It is built once per connection and not
// modified afterwards, apart from body consumption bookkeeping.
type Request struct {
	Method string
	// Path is the raw request path, still percent-encoded.
	Path string
	// Header keys are lower-cased; repeated fields are joined with ",".
	Header map[string]string
	// Query holds percent-decoded parameters; a later duplicate wins.
	Query map[string]string

	Body       io.Reader
	RemoteAddr string
	ID         string

	consumed bool
}

// HeaderValue looks a header up case-insensitively.
func (r *Request) HeaderValue(name string) string {
	return r.Header[strings.ToLower(name)]
}

// Param returns a decoded query parameter.
func (r *Request) Param(name string) (string, bool) {
	v, ok := r.Query[name]
	return v, ok
}

// ContentLength returns the declared Content-Length or -1.
func (r *Request) ContentLength() int64 {
	return parseLength(r.HeaderValue("content-length"))
}

func parseLength(v string) int64 {
	if v == "" {
		return -1
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		return -1
	}
	return n
}

// ReadRequest reads the request head from br and leaves br positioned at
// the first body byte, which becomes Request.Body.
func ReadRequest(br *bufio.Reader, maxHeaderBytes int) (*Request, error) {
	if maxHeaderBytes <= 0 {
		maxHeaderBytes = DefaultMaxHeaderBytes
	}

	head, err := readHead(br, maxHeaderBytes)
	if err != nil {
		return nil, err
	}

	lines := strings.Split(head, "\r\n")
	method, target, ok := parseStartLine(lines[0])
	if !ok {
		return nil, fmt.Errorf("%w: bad start line %q", ErrMalformedRequest, lines[0])
	}

	req := &Request{
		Method: method,
		Header: make(map[string]string),
		Query:  make(map[string]string),
		Body:   br,
	}

	for _, line := range lines[1:] {
		if line == "" {
			break
		}
		i := strings.IndexByte(line, ':')
		if i <= 0 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(line[:i]))
		if key == "" {
			continue
		}
		val := strings.TrimSpace(line[i+1:])
		if prev, ok := req.Header[key]; ok {
			val = prev + "," + val
		}
		req.Header[key] = val
	}

	req.Path, req.Query = splitTarget(target)
	return req, nil
}

// readHead consumes bytes up to and including CR LF CR LF.
func readHead(br *bufio.Reader, limit int) (string, error) {
	var sb strings.Builder
	matched := 0
	for matched < 4 {
		if sb.Len() >= limit {
			return "", ErrHeaderTooLarge
		}
		b, err := br.ReadByte()
		if err != nil {
			if err == io.EOF {
				return "", fmt.Errorf("%w: %v", ErrMalformedRequest, io.ErrUnexpectedEOF)
			}
			return "", fmt.Errorf("%w: %v", ErrMalformedRequest, err)
		}
		sb.WriteByte(b)
		switch {
		case b == '\r' && (matched == 0 || matched == 2):
			matched++
		case b == '\n' && (matched == 1 || matched == 3):
			matched++
		case b == '\r':
			matched = 1
		default:
			matched = 0
		}
	}
	return strings.TrimSuffix(sb.String(), "\r\n\r\n"), nil
}

// parseStartLine splits "METHOD SP target [SP version]". The version is ignored.
func parseStartLine(line string) (method, target string, ok bool) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return strings.ToUpper(parts[0]), parts[1], true
}

// splitTarget separates the raw path from the query and decodes the query.
func splitTarget(target string) (string, map[string]string) {
	params := make(map[string]string)
	path, rawQuery, found := strings.Cut(target, "?")
	if !found || rawQuery == "" {
		return path, params
	}
	for _, kv := range strings.Split(rawQuery, "&") {
		if kv == "" {
			continue
		}
		k, v, _ := strings.Cut(kv, "=")
		params[unescapeOrLiteral(k)] = unescapeOrLiteral(v)
	}
	return path, params
}

// unescapeOrLiteral decodes form-style escapes and keeps the input as-is
// when it is not validly encoded.
func unescapeOrLiteral(s string) string {
	out, err := url.QueryUnescape(s)
	if err != nil {
		return s
	}
	return out
}
