package blobbackend

import (
	"bytes"
	"context"
	"os"
	"testing"
)

func testBackends(t *testing.T) map[string]Backend {
	dir, err := os.MkdirTemp("", "fsbackend-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	fsb, err := NewFSBackend(dir)
	if err != nil {
		t.Fatal(err)
	}

	return map[string]Backend{
		"fs":  fsb,
		"mem": NewMemBackend(),
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, b := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := b.Put(ctx, "a/b", []byte("hello")); err != nil {
				t.Fatal(err)
			}
			obj, ok, err := b.Get(ctx, "a/b")
			if err != nil {
				t.Fatal(err)
			}
			if !ok {
				t.Fatal("expected object present")
			}
			if !bytes.Equal(obj.Data, []byte("hello")) {
				t.Errorf("got %q, want %q", obj.Data, "hello")
			}
		})
	}
}

func TestGetMissing(t *testing.T) {
	ctx := context.Background()
	for name, b := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			_, ok, err := b.Get(ctx, "missing")
			if err != nil {
				t.Fatal(err)
			}
			if ok {
				t.Error("expected absent")
			}
		})
	}
}

func TestDeleteThenGet(t *testing.T) {
	ctx := context.Background()
	for name, b := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			b.Put(ctx, "k", []byte("v"))
			if err := b.Delete(ctx, "k"); err != nil {
				t.Fatal(err)
			}
			_, ok, _ := b.Get(ctx, "k")
			if ok {
				t.Error("expected absent after delete")
			}
		})
	}
}

func TestListWithPrefix(t *testing.T) {
	ctx := context.Background()
	for name, b := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			b.Put(ctx, "extent/a", []byte("1"))
			b.Put(ctx, "extent/b", []byte("2"))
			b.Put(ctx, "other/c", []byte("3"))

			res, err := b.List(ctx, ListOpts{Prefix: "extent/"})
			if err != nil {
				t.Fatal(err)
			}
			if len(res.Objects) != 2 {
				t.Errorf("expected 2 objects, got %d", len(res.Objects))
			}
		})
	}
}

func TestGetRange(t *testing.T) {
	ctx := context.Background()
	for name, b := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			b.Put(ctx, "k", []byte("0123456789"))
			data, ok, err := b.GetRange(ctx, "k", 2, 5)
			if err != nil {
				t.Fatal(err)
			}
			if !ok {
				t.Fatal("expected present")
			}
			if string(data) != "234" {
				t.Errorf("got %q, want %q", data, "234")
			}
		})
	}
}

func TestHead(t *testing.T) {
	ctx := context.Background()
	for name, b := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			b.Put(ctx, "k", []byte("hello"))
			h, ok, err := b.Head(ctx, "k")
			if err != nil {
				t.Fatal(err)
			}
			if !ok {
				t.Fatal("expected present")
			}
			if h.Size != 5 {
				t.Errorf("got size %d, want 5", h.Size)
			}
		})
	}
}
