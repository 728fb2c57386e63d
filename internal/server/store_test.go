package server

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDirStore(t *testing.T) *DirStore {
	t.Helper()
	s, err := NewDirStore(filepath.Join(t.TempDir(), "drop"))
	require.NoError(t, err)
	return s
}

func writeStored(t *testing.T, s Store, name, content string) string {
	t.Helper()
	ctx := context.Background()
	final, err := s.CreateUnique(ctx, name)
	require.NoError(t, err)
	w, err := s.OpenWrite(ctx, final)
	require.NoError(t, err)
	_, err = io.WriteString(w, content)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return final
}

func TestDirStore_CreateUniqueSuffixes(t *testing.T) {
	s := newTestDirStore(t)

	assert.Equal(t, "a.txt", writeStored(t, s, "a.txt", "1"))
	assert.Equal(t, "a(1).txt", writeStored(t, s, "a.txt", "2"))
	assert.Equal(t, "A(2).TXT", writeStored(t, s, "A.TXT", "3"))

	fi, ok, err := s.Find(context.Background(), "a(2).txt")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "A(2).TXT", fi.Name)
}

func TestDirStore_CreateUniqueConcurrent(t *testing.T) {
	s := newTestDirStore(t)
	ctx := context.Background()

	const n = 16
	names := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name, err := s.CreateUnique(ctx, "same.bin")
			assert.NoError(t, err)
			names[i] = name
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for _, name := range names {
		assert.False(t, seen[name], "duplicate %s", name)
		seen[name] = true
	}
	files, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, files, n)
}

func TestDirStore_ReadBack(t *testing.T) {
	s := newTestDirStore(t)
	ctx := context.Background()
	name := writeStored(t, s, "hello.txt", "hello world")

	rc, info, err := s.OpenRead(ctx, name)
	require.NoError(t, err)
	defer rc.Close()
	body, err := io.ReadAll(rc)
	require.NoError(t, err)

	assert.Equal(t, "hello world", string(body))
	assert.Equal(t, int64(11), info.Size)
	assert.Equal(t, "hello.txt", info.Name)
}

func TestDirStore_FindIgnoresCase(t *testing.T) {
	s := newTestDirStore(t)
	ctx := context.Background()
	writeStored(t, s, "Report.PDF", "x")

	fi, ok, err := s.Find(ctx, "report.pdf")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Report.PDF", fi.Name)

	_, ok, err = s.Find(ctx, "missing.pdf")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDirStore_ListSkipsDirectories(t *testing.T) {
	s := newTestDirStore(t)
	ctx := context.Background()
	writeStored(t, s, "a.txt", "a")
	require.NoError(t, os.Mkdir(filepath.Join(s.Root(), "sub"), 0o755))

	files, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "a.txt", files[0].Name)
}

func TestDirStore_RejectsTraversal(t *testing.T) {
	s := newTestDirStore(t)
	ctx := context.Background()

	_, _, err := s.OpenRead(ctx, "../secret")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, ".."), ErrNotFound)
}

func TestDirStore_Delete(t *testing.T) {
	s := newTestDirStore(t)
	ctx := context.Background()
	name := writeStored(t, s, "gone.txt", "x")

	require.NoError(t, s.Delete(ctx, name))
	assert.ErrorIs(t, s.Delete(ctx, name), ErrNotFound)

	_, _, err := s.OpenRead(ctx, name)
	assert.ErrorIs(t, err, ErrNotFound)
}
