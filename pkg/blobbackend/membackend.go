package blobbackend

import (
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemBackend is an in-memory Backend, used for the hot tier and tests.
type MemBackend struct {
	mu      sync.RWMutex
	objects map[string]memObject
}

type memObject struct {
	data    []byte
	modTime time.Time
}

// NewMemBackend builds an empty in-memory backend.
func NewMemBackend() *MemBackend {
	return &MemBackend{objects: make(map[string]memObject)}
}

// Put stores data under key, overwriting any existing value.
func (b *MemBackend) Put(ctx context.Context, key string, data []byte) (PutResult, error) {
	cp := make([]byte, len(data))
	copy(cp, data)

	b.mu.Lock()
	b.objects[key] = memObject{data: cp, modTime: time.Now()}
	b.mu.Unlock()

	return PutResult{Size: int64(len(data))}, nil
}

// Get returns the bytes stored under key.
func (b *MemBackend) Get(ctx context.Context, key string) (Object, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	obj, ok := b.objects[key]
	if !ok {
		return Object{}, false, nil
	}
	return Object{Data: obj.data}, true, nil
}

// Head reports size/modtime without returning the payload.
func (b *MemBackend) Head(ctx context.Context, key string) (Head, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	obj, ok := b.objects[key]
	if !ok {
		return Head{}, false, nil
	}
	return Head{Size: int64(len(obj.data)), ModTime: obj.modTime}, true, nil
}

// Delete removes key, if present.
func (b *MemBackend) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, key)
	return nil
}

// DeleteMany removes every key.
func (b *MemBackend) DeleteMany(ctx context.Context, keys []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, k := range keys {
		delete(b.objects, k)
	}
	return nil
}

// List enumerates stored keys, optionally filtered by prefix.
func (b *MemBackend) List(ctx context.Context, opts ListOpts) (ListResult, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var keys []string
	for k := range b.objects {
		if opts.Prefix == "" || strings.HasPrefix(k, opts.Prefix) {
			keys = append(keys, k)
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
		out = append(out, ListEntry{Key: k, Size: int64(len(b.objects[k].data))})
	}

	return ListResult{Objects: out, Truncated: truncated}, nil
}

// GetRange reads byte range [start, end) of key.
func (b *MemBackend) GetRange(ctx context.Context, key string, start, end int64) ([]byte, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	obj, ok := b.objects[key]
	if !ok {
		return nil, false, nil
	}
	if start < 0 || start > int64(len(obj.data)) {
		start = int64(len(obj.data))
	}
	if end > int64(len(obj.data)) {
		end = int64(len(obj.data))
	}
	if end < start {
		end = start
	}
	return obj.data[start:end], true, nil
}

// GetStream is unsupported for the in-memory backend.
func (b *MemBackend) GetStream(ctx context.Context, key string) (io.ReadCloser, error) {
	return nil, ErrUnsupported
}

var _ Backend = (*MemBackend)(nil)
