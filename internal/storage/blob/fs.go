// Package blob stores downloaded payloads as plain files, one file per key.
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/italolelis/skillbridge_offline/internal/storage"
)

const tmpPattern = ".blob-*"

// ErrInvalidKey is returned for keys that would escape the store directory.
var ErrInvalidKey = errors.New("invalid blob key")

// FS is a storage.BlobStore rooted at a directory.
type FS struct {
	dir string
}

// NewFS creates the directory if needed and returns a store rooted at it.
func NewFS(dir string) (*FS, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob directory: %w", err)
	}

	return &FS{dir: dir}, nil
}

// Dir returns the root directory.
func (f *FS) Dir() string {
	return f.dir
}

func (f *FS) path(key string) (string, error) {
	if key == "" || key == "." || key == ".." || strings.ContainsAny(key, `/\`) || strings.HasPrefix(key, ".blob-") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}

	return filepath.Join(f.dir, key), nil
}

func (f *FS) Get(ctx context.Context, key string) ([]byte, error) {
	rc, err := f.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, storage.Wrap(storage.PartitionFiles, "get", key, err)
	}

	return data, nil
}

func (f *FS) Set(ctx context.Context, key string, value []byte) error {
	_, err := f.Write(ctx, key, bytes.NewReader(value))

	return err
}

// Write streams r into a temporary file and renames it over key, so readers
// never observe a partially written blob.
func (f *FS) Write(ctx context.Context, key string, r io.Reader) (int64, error) {
	path, err := f.path(key)
	if err != nil {
		return 0, err
	}

	tmp, err := os.CreateTemp(f.dir, tmpPattern)
	if err != nil {
		return 0, storage.Wrap(storage.PartitionFiles, "write", key, err)
	}

	tmpPath := tmp.Name()

	n, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: r})
	if err != nil {
		tmp.Close()
		os.Remove(tmpPath)

		// Read-side failures (network, cancellation) are returned untouched so
		// callers can tell them apart from disk failures.
		var rerr *readError
		if errors.As(err, &rerr) {
			return n, rerr.err
		}

		return n, storage.Wrap(storage.PartitionFiles, "write", key, err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)

		return n, storage.Wrap(storage.PartitionFiles, "write", key, err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)

		return n, storage.Wrap(storage.PartitionFiles, "write", key, err)
	}

	return n, nil
}

func (f *FS) Open(_ context.Context, key string) (io.ReadCloser, error) {
	path, err := f.path(key)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, storage.ErrNotFound
	}

	if err != nil {
		return nil, storage.Wrap(storage.PartitionFiles, "open", key, err)
	}

	return file, nil
}

func (f *FS) Size(_ context.Context, key string) (int64, error) {
	path, err := f.path(key)
	if err != nil {
		return 0, err
	}

	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, storage.ErrNotFound
	}

	if err != nil {
		return 0, storage.Wrap(storage.PartitionFiles, "stat", key, err)
	}

	return info.Size(), nil
}

func (f *FS) Delete(_ context.Context, key string) error {
	path, err := f.path(key)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return storage.Wrap(storage.PartitionFiles, "delete", key, err)
	}

	return nil
}

// readError marks a failure that came from the source reader rather than
// from the file being written.
type readError struct {
	err error
}

func (e *readError) Error() string { return e.err.Error() }
func (e *readError) Unwrap() error { return e.err }

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, &readError{err: context.Cause(c.ctx)}
	}

	n, err := c.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, &readError{err: err}
	}

	return n, err
}
