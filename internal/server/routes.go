package server

import (
	"context"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"quickdrop/internal/logging"
)

//go:embed assets/quickdrop.html
var embeddedAssets embed.FS

const indexAsset = "assets/quickdrop.html"

const (
	maxTextChars = 2500
	// maxTextBytes is the largest UTF-8 encoding of maxTextChars scalars.
	maxTextBytes = 4 * maxTextChars

	copyBufferSize = 64 << 10
)

type handlerFunc func(w *responseWriter, req *Request) error

type route struct {
	methods []string
	path    string
	prefix  bool
	handle  handlerFunc
}

func (rt route) matches(req *Request) bool {
	if rt.prefix {
		if !strings.HasPrefix(req.Path, rt.path) {
			return false
		}
	} else if req.Path != rt.path {
		return false
	}
	for _, m := range rt.methods {
		if m == req.Method {
			return true
		}
	}
	return false
}

// routes is the dispatch table in priority order.
func (s *Server) routes() []route {
	return []route{
		{methods: []string{"GET"}, path: "/", handle: s.handleIndex},
		{methods: []string{"GET"}, path: "/list", handle: s.handleList},
		{methods: []string{"POST"}, path: "/text", handle: s.handleText},
		{methods: []string{"POST"}, path: "/upload", handle: s.handleUpload},
		{methods: []string{"GET"}, path: "/files/", prefix: true, handle: s.handleFile},
		{methods: []string{"POST"}, path: "/clear", handle: s.handleClear},
		{methods: []string{"GET", "POST"}, path: "/exit", handle: s.handleExit},
	}
}

// dispatch runs the first matching route. A returned error means nothing
// useful was sent and the caller should answer 502.
func (s *Server) dispatch(w *responseWriter, req *Request) error {
	for _, rt := range s.routes() {
		if !rt.matches(req) {
			continue
		}
		if s.cfg.PIN != nil && !pinExempt(req) && !s.cfg.PIN.Check(pinFromRequest(req)) {
			s.metrics.RecordPinRejection()
			return w.Send(Forbidden("pin required"))
		}
		return rt.handle(w, req)
	}
	return w.Send(NotFound())
}

func (s *Server) handleIndex(w *responseWriter, req *Request) error {
	page, err := fs.ReadFile(s.cfg.Assets, indexAsset)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return w.Send(NotFound())
		}
		return fmt.Errorf("read ui asset: %w", err)
	}
	resp := HTMLResponse(page)
	s.compressResponse(req, resp)
	return w.Send(resp)
}

type listItem struct {
	json string
	ts   int64
}

func (s *Server) handleList(w *responseWriter, req *Request) error {
	texts := s.mailbox.Snapshot()
	files, err := s.cfg.Store.List(s.ctx)
	if err != nil {
		return fmt.Errorf("list failed: %w", err)
	}

	items := make([]listItem, 0, len(texts)+len(files))
	for _, t := range texts {
		items = append(items, listItem{
			json: `{"kind":"text","text":` + jsonString(t.Text) + `,"ts":` + strconv.FormatInt(t.TS, 10) + `}`,
			ts:   t.TS,
		})
	}
	for _, f := range files {
		ts := f.ModTime.UnixMilli()
		items = append(items, listItem{
			json: `{"kind":"file","name":` + jsonString(f.Name) +
				`,"url":` + jsonString("/files/"+url.QueryEscape(f.Name)) +
				`,"size":` + strconv.FormatInt(f.Size, 10) +
				`,"ts":` + strconv.FormatInt(ts, 10) + `}`,
			ts: ts,
		})
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].ts < items[j].ts })

	var sb strings.Builder
	sb.WriteString(`{"items":[`)
	for i, it := range items {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(it.json)
	}
	sb.WriteString(`]}`)

	resp := JSONResponse(sb.String())
	s.compressResponse(req, resp)
	return w.Send(resp)
}

func (s *Server) handleText(w *responseWriter, req *Request) error {
	declared := req.ContentLength()
	if declared > maxTextBytes {
		return w.Send(BadRequest("text too long"))
	}

	var body []byte
	var err error
	if declared >= 0 {
		body = make([]byte, declared)
		_, err = io.ReadFull(req.Body, body)
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				return w.Send(BadRequest("incomplete body"))
			}
			return fmt.Errorf("read text: %w", err)
		}
	} else {
		body, err = io.ReadAll(io.LimitReader(req.Body, maxTextBytes+1))
		if err != nil {
			return fmt.Errorf("read text: %w", err)
		}
		if len(body) > maxTextBytes {
			return w.Send(BadRequest("text too long"))
		}
	}
	req.consumed = true

	text := strings.ToValidUTF8(string(body), "\uFFFD")
	if utf8.RuneCountInString(text) > maxTextChars {
		return w.Send(BadRequest("text too long"))
	}

	s.mailbox.Add(text)
	s.metrics.RecordText()
	s.recordAudit(TransferEvent{
		Action:     AuditActionText,
		RequestID:  req.ID,
		RemoteAddr: clientIP(req.RemoteAddr),
		Bytes:      int64(len(body)),
		Success:    true,
	})
	return w.Send(JSONResponse(`{"ok":true}`))
}

func (s *Server) handleUpload(w *responseWriter, req *Request) error {
	start := time.Now()
	raw, ok := req.Param("name")
	if !ok {
		raw = defaultUploadName
	}
	name := SanitizeFilename(raw)

	final, err := s.cfg.Store.CreateUnique(s.ctx, name)
	if err != nil {
		s.metrics.RecordUploadError()
		return fmt.Errorf("create failed: %w", err)
	}

	n, sum, err := s.receive(req, final)
	if err != nil {
		s.metrics.RecordUploadError()
		if delErr := s.cfg.Store.Delete(s.ctx, final); delErr != nil && !errors.Is(delErr, ErrNotFound) {
			s.log.Warn("remove partial upload failed", logging.Fields{"rid": req.ID, "name": final}, delErr)
		}
		s.recordAudit(TransferEvent{
			Action:     AuditActionUpload,
			RequestID:  req.ID,
			RemoteAddr: clientIP(req.RemoteAddr),
			Name:       final,
			Bytes:      n,
			ErrorMsg:   err.Error(),
		})
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return w.Send(BadRequest("incomplete upload"))
		}
		return fmt.Errorf("upload failed: %w", err)
	}

	s.metrics.RecordUpload(n, time.Since(start))
	s.log.Info("stored upload", logging.Fields{"rid": req.ID, "name": final, "size": humanBytes(n)})
	s.recordAudit(TransferEvent{
		Action:     AuditActionUpload,
		RequestID:  req.ID,
		RemoteAddr: clientIP(req.RemoteAddr),
		Name:       final,
		Bytes:      n,
		SHA256:     sum,
		Success:    true,
	})
	return w.Send(JSONResponse(`{"ok":true,"name":` + jsonString(final) + `}`))
}

// receive copies the request body into the reserved name. A body that ends
// before the declared length yields io.ErrUnexpectedEOF.
func (s *Server) receive(req *Request, name string) (int64, string, error) {
	declared := declaredBodyLength(req)
	n, sum, err := storeBody(s.ctx, s.cfg.Store, name, req.Body, declared)
	if err == nil || (declared >= 0 && n == declared) {
		req.consumed = true
	}
	return n, sum, err
}

// storeBody writes src into an already reserved name and returns the byte
// count and hex SHA-256. With declared >= 0 exactly that many bytes are
// expected.
func storeBody(ctx context.Context, store Store, name string, src io.Reader, declared int64) (int64, string, error) {
	dst, err := store.OpenWrite(ctx, name)
	if err != nil {
		return 0, "", err
	}
	if declared >= 0 {
		src = io.LimitReader(src, declared)
	}

	h := sha256.New()
	buf := make([]byte, copyBufferSize)
	n, copyErr := io.CopyBuffer(io.MultiWriter(dst, h), src, buf)
	closeErr := dst.Close()

	if copyErr != nil {
		return n, "", copyErr
	}
	if declared >= 0 && n < declared {
		return n, "", io.ErrUnexpectedEOF
	}
	if closeErr != nil {
		return n, "", closeErr
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}

func (s *Server) handleFile(w *responseWriter, req *Request) error {
	start := time.Now()
	encoded := strings.TrimPrefix(req.Path, "/files/")
	name := unescapeOrLiteral(encoded)

	info, ok, err := s.cfg.Store.Find(s.ctx, name)
	if err != nil {
		return fmt.Errorf("lookup failed: %w", err)
	}
	if !ok {
		return w.Send(NotFound())
	}

	rc, info, err := s.cfg.Store.OpenRead(s.ctx, info.Name)
	if errors.Is(err, ErrNotFound) {
		return w.Send(NotFound())
	}
	if err != nil {
		return fmt.Errorf("open failed: %w", err)
	}
	defer rc.Close()

	if err := w.Send(StreamResponse(MimeType(info.Name), info.Size, info.Name, rc)); err != nil {
		// Headers are out; the connection is torn down.
		s.metrics.RecordDownloadError()
		s.log.Warn("download interrupted", logging.Fields{"rid": req.ID, "name": info.Name}, err)
		return nil
	}
	if err := w.Flush(); err != nil {
		s.metrics.RecordDownloadError()
		return nil
	}

	s.metrics.RecordDownload(info.Size, time.Since(start))
	s.recordAudit(TransferEvent{
		Action:     AuditActionDownload,
		RequestID:  req.ID,
		RemoteAddr: clientIP(req.RemoteAddr),
		Name:       info.Name,
		Bytes:      info.Size,
		Success:    true,
	})
	return nil
}

func (s *Server) handleClear(w *responseWriter, req *Request) error {
	files, err := s.cfg.Store.List(s.ctx)
	if err != nil {
		return fmt.Errorf("list failed: %w", err)
	}
	for _, f := range files {
		if err := s.cfg.Store.Delete(s.ctx, f.Name); err != nil && !errors.Is(err, ErrNotFound) {
			s.log.Warn("delete failed", logging.Fields{"rid": req.ID, "name": f.Name}, err)
		}
	}
	s.mailbox.Clear()
	s.metrics.RecordClear()
	s.recordAudit(TransferEvent{
		Action:     AuditActionClear,
		RequestID:  req.ID,
		RemoteAddr: clientIP(req.RemoteAddr),
		Bytes:      int64(len(files)),
		Success:    true,
	})
	return w.Send(JSONResponse(`{"ok":true}`))
}

// handleExit answers before shutting down so the client sees the reply.
func (s *Server) handleExit(w *responseWriter, req *Request) error {
	if err := w.Send(JSONResponse(`{"ok":true}`)); err != nil {
		return nil
	}
	_ = w.Flush()
	s.log.Info("exit requested", logging.Fields{"rid": req.ID, "ip": clientIP(req.RemoteAddr)})
	s.recordAudit(TransferEvent{
		Action:     AuditActionExit,
		RequestID:  req.ID,
		RemoteAddr: clientIP(req.RemoteAddr),
		Success:    true,
	})
	go s.requestExit()
	return nil
}
