package server

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// objectPrefix keeps dropped files apart from anything else in the bucket.
const objectPrefix = "drop/"

// S3Options configures an S3Store.
type S3Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
}

// S3Store keeps files as objects under a fixed prefix of one bucket.
type S3Store struct {
	client *minio.Client
	bucket string
	mu     sync.Mutex
}

func normaliseEndpoint(raw string) (endpoint string, secure bool, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false, fmt.Errorf("empty endpoint")
	}

	// Either "minio:9000" or "http(s)://minio:9000".
	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return "", false, err
		}
		if u.Host == "" {
			return "", false, fmt.Errorf("invalid endpoint")
		}
		if u.Path != "" && u.Path != "/" {
			return "", false, fmt.Errorf("endpoint must not contain a path")
		}
		return u.Host, u.Scheme == "https", nil
	}

	// Bare host:port is plain HTTP, which is what a LAN MinIO usually speaks.
	return raw, false, nil
}

// NewS3Store connects and checks that the bucket exists.
func NewS3Store(ctx context.Context, opts S3Options) (*S3Store, error) {
	if opts.Endpoint == "" || opts.AccessKey == "" || opts.SecretKey == "" || opts.Bucket == "" {
		return nil, fmt.Errorf("minio configuration incomplete")
	}

	endpoint, secure, err := normaliseEndpoint(opts.Endpoint)
	if err != nil {
		return nil, err
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, err
	}

	exists, err := client.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("minio bucket does not exist: %s", opts.Bucket)
	}

	return &S3Store{client: client, bucket: opts.Bucket}, nil
}

func objectKey(name string) string { return objectPrefix + name }

func isNoSuchKey(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NotFound"
}

func (s *S3Store) List(ctx context.Context) ([]FileInfo, error) {
	var out []FileInfo
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: objectPrefix}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		name := strings.TrimPrefix(obj.Key, objectPrefix)
		if name == "" || strings.Contains(name, "/") {
			continue
		}
		out = append(out, FileInfo{Name: name, Size: obj.Size, ModTime: obj.LastModified})
	}
	return out, nil
}

// CreateUnique writes an empty placeholder object. Buckets have no
// exclusive create, so reservations are serialised within this process.
func (s *S3Store) CreateUnique(ctx context.Context, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.List(ctx)
	if err != nil {
		return "", err
	}
	taken := make(map[string]bool, len(existing))
	for _, fi := range existing {
		taken[foldName(fi.Name)] = true
	}

	for attempt := 0; attempt < maxUniqueAttempts; attempt++ {
		cand := candidateName(name, attempt)
		if taken[foldName(cand)] {
			continue
		}
		_, err := s.client.PutObject(ctx, s.bucket, objectKey(cand), strings.NewReader(""), 0,
			minio.PutObjectOptions{ContentType: MimeType(cand)})
		if err != nil {
			return "", fmt.Errorf("reserve %s: %w", cand, err)
		}
		return cand, nil
	}
	return "", fmt.Errorf("no free name for %q", name)
}

// OpenWrite streams into PutObject through a pipe; Close waits for the
// upload to finish and reports its error.
func (s *S3Store) OpenWrite(ctx context.Context, name string) (io.WriteCloser, error) {
	pr, pw := io.Pipe()
	w := &objectWriter{pw: pw, done: make(chan error, 1)}
	go func() {
		_, err := s.client.PutObject(ctx, s.bucket, objectKey(name), pr, -1,
			minio.PutObjectOptions{ContentType: MimeType(name)})
		_ = pr.CloseWithError(err)
		w.done <- err
	}()
	return w, nil
}

type objectWriter struct {
	pw   *io.PipeWriter
	done chan error
}

func (w *objectWriter) Write(p []byte) (int, error) { return w.pw.Write(p) }

func (w *objectWriter) Close() error {
	if err := w.pw.Close(); err != nil {
		return err
	}
	return <-w.done
}

func (s *S3Store) OpenRead(ctx context.Context, name string) (io.ReadCloser, FileInfo, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, objectKey(name), minio.GetObjectOptions{})
	if err != nil {
		return nil, FileInfo{}, err
	}
	st, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		if isNoSuchKey(err) {
			return nil, FileInfo{}, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, FileInfo{}, err
	}
	return obj, FileInfo{Name: name, Size: st.Size, ModTime: st.LastModified}, nil
}

func (s *S3Store) Find(ctx context.Context, name string) (FileInfo, bool, error) {
	if name == "" || strings.Contains(name, "/") {
		return FileInfo{}, false, nil
	}
	st, err := s.client.StatObject(ctx, s.bucket, objectKey(name), minio.StatObjectOptions{})
	if err == nil {
		return FileInfo{Name: name, Size: st.Size, ModTime: st.LastModified}, true, nil
	}
	if !isNoSuchKey(err) {
		return FileInfo{}, false, err
	}

	files, err := s.List(ctx)
	if err != nil {
		return FileInfo{}, false, err
	}
	for _, fi := range files {
		if sameName(fi.Name, name) {
			return fi, true, nil
		}
	}
	return FileInfo{}, false, nil
}

func (s *S3Store) Delete(ctx context.Context, name string) error {
	err := s.client.RemoveObject(ctx, s.bucket, objectKey(name), minio.RemoveObjectOptions{})
	if err != nil && isNoSuchKey(err) {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return err
}

var _ Store = (*S3Store)(nil)
var _ Store = (*DirStore)(nil)
