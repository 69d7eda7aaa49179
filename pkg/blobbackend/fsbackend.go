package blobbackend

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FSBackend stores each key as one file under Root, keyed by a flattened
// path so arbitrary key strings (including ones containing "/") map to a
// single file rather than an arbitrary directory tree. Writes are
// durable by construction: data is written to a temp file, fsynced, then
// renamed over the final path, mirroring the teacher's write-then-fsync
// durability discipline (pkg/storage/kv.go's updateFile) applied to
// whole-blob puts instead of in-place page writes.
type FSBackend struct {
	Root string

	mu sync.Mutex
}

// NewFSBackend builds a backend rooted at dir, creating it if absent.
func NewFSBackend(dir string) (*FSBackend, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &FSBackend{Root: dir}, nil
}

func (b *FSBackend) path(key string) string {
	return filepath.Join(b.Root, escapeKey(key))
}

func escapeKey(key string) string {
	return strings.ReplaceAll(key, "/", "_2F_")
}

func unescapeKey(name string) string {
	return strings.ReplaceAll(name, "_2F_", "/")
}

// Put durably stores data under key.
func (b *FSBackend) Put(ctx context.Context, key string, data []byte) (PutResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	final := b.path(key)
	tmp := final + ".tmp"

	f, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return PutResult{}, err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return PutResult{}, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return PutResult{}, err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return PutResult{}, err
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return PutResult{}, err
	}

	return PutResult{Size: int64(len(data))}, nil
}

// Get reads the bytes stored under key.
func (b *FSBackend) Get(ctx context.Context, key string) (Object, bool, error) {
	data, err := os.ReadFile(b.path(key))
	if os.IsNotExist(err) {
		return Object{}, false, nil
	}
	if err != nil {
		return Object{}, false, err
	}
	return Object{Data: data}, true, nil
}

// Head reports size/modtime without reading the payload.
func (b *FSBackend) Head(ctx context.Context, key string) (Head, bool, error) {
	fi, err := os.Stat(b.path(key))
	if os.IsNotExist(err) {
		return Head{}, false, nil
	}
	if err != nil {
		return Head{}, false, err
	}
	return Head{Size: fi.Size(), ModTime: fi.ModTime()}, true, nil
}

// Delete removes key, if present. Deleting an absent key is not an error.
func (b *FSBackend) Delete(ctx context.Context, key string) error {
	err := os.Remove(b.path(key))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// DeleteMany removes every key, continuing past individual failures and
// returning the first error encountered.
func (b *FSBackend) DeleteMany(ctx context.Context, keys []string) error {
	var firstErr error
	for _, k := range keys {
		if err := b.Delete(ctx, k); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// List enumerates stored keys, optionally filtered by prefix.
func (b *FSBackend) List(ctx context.Context, opts ListOpts) (ListResult, error) {
	entries, err := os.ReadDir(b.Root)
	if err != nil {
		return ListResult{}, err
	}

	var keys []string
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		key := unescapeKey(e.Name())
		if opts.Prefix == "" || strings.HasPrefix(key, opts.Prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	truncated := false
	if opts.Limit > 0 && len(keys) > opts.Limit {
		keys = keys[:opts.Limit]
		truncated = true
	}

	out := make([]ListEntry, 0, len(keys))
	for _, k := range keys {
		fi, err := os.Stat(b.path(k))
		if err != nil {
			continue
		}
		out = append(out, ListEntry{Key: k, Size: fi.Size()})
	}

	return ListResult{Objects: out, Truncated: truncated}, nil
}

// GetRange reads byte range [start, end) of key.
func (b *FSBackend) GetRange(ctx context.Context, key string, start, end int64) ([]byte, bool, error) {
	f, err := os.Open(b.path(key))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer f.Close()

	buf := make([]byte, end-start)
	n, err := f.ReadAt(buf, start)
	if err != nil && err != io.EOF {
		return nil, false, err
	}
	return buf[:n], true, nil
}

// GetStream opens key for streaming reads.
func (b *FSBackend) GetStream(ctx context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(b.path(key))
	if os.IsNotExist(err) {
		return nil, nil
	}
	return f, err
}

var _ Backend = (*FSBackend)(nil)
