// compression.go - gzip for the page and the listing.
package server

import (
	"bytes"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// gzipMinSize is the smallest body worth compressing.
const gzipMinSize = 1024

// acceptsCompression checks if the client accepts gzip encoding.
func acceptsCompression(req *Request) bool {
	for _, part := range strings.Split(req.HeaderValue("accept-encoding"), ",") {
		coding, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		if !strings.EqualFold(strings.TrimSpace(coding), "gzip") {
			continue
		}
		// "gzip;q=0" is an explicit refusal.
		return strings.ReplaceAll(strings.TrimSpace(params), " ", "") != "q=0"
	}
	return false
}

// compressResponse gzips an in-memory body in place when the client
// accepts it and the result is smaller.
func (s *Server) compressResponse(req *Request, resp *Response) {
	if !s.cfg.Gzip || resp.Stream != nil || len(resp.Body) < gzipMinSize || !acceptsCompression(req) {
		return
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(resp.Body); err != nil {
		return
	}
	if err := gz.Close(); err != nil {
		return
	}
	if buf.Len() >= len(resp.Body) {
		return
	}

	resp.Body = buf.Bytes()
	resp.ContentLength = int64(buf.Len())
	resp.Encoding = "gzip"
}
