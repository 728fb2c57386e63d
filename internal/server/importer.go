package server

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// ImportResult describes one file copied into a store outside of HTTP.
type ImportResult struct {
	Name   string
	Bytes  int64
	SHA256 string
}

// Import stores r under the sanitized form of name using the same unique
// naming as uploads. size is the expected length, or -1 to read until EOF.
// A partially written file is removed on failure.
func Import(ctx context.Context, store Store, name string, r io.Reader, size int64) (ImportResult, error) {
	if name == "" {
		name = defaultUploadName
	}
	final, err := store.CreateUnique(ctx, SanitizeFilename(name))
	if err != nil {
		return ImportResult{}, fmt.Errorf("reserve %q: %w", name, err)
	}

	n, sum, err := storeBody(ctx, store, final, r, size)
	if err != nil {
		if delErr := store.Delete(ctx, final); delErr != nil && !errors.Is(delErr, ErrNotFound) {
			err = errors.Join(err, delErr)
		}
		return ImportResult{Name: final, Bytes: n}, fmt.Errorf("write %q: %w", final, err)
	}
	return ImportResult{Name: final, Bytes: n, SHA256: sum}, nil
}
