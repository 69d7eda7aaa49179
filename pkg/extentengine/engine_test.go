package extentengine

import (
	"bytes"
	"context"
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/nainya/fsxengine/internal/logger"
	"github.com/nainya/fsxengine/pkg/blobbackend"
)

func newTestEngine(t *testing.T) (*Engine, *sql.DB) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := DefaultConfig()
	cfg.PageSize = 512
	cfg.ExtentSize = 4096
	cfg.FlushThreshold = defaultFlushThreshold(cfg.ExtentSize, cfg.PageSize)

	log := logger.NewLogger(logger.Config{Level: "error"})
	eng := New(db, blobbackend.NewMemBackend(), cfg, log, nil)

	ctx := context.Background()
	if err := eng.Init(ctx); err != nil {
		t.Fatal(err)
	}
	return eng, db
}

func page(pageSize int, fill byte) []byte {
	p := make([]byte, pageSize)
	for i := range p {
		p[i] = fill
	}
	return p
}

func TestWriteReadPageBeforeFlush(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	if err := eng.WritePage(ctx, "f1", 0, page(512, 0xAA)); err != nil {
		t.Fatal(err)
	}

	got, ok, err := eng.ReadPage(ctx, "f1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected page present")
	}
	if !bytes.Equal(got, page(512, 0xAA)) {
		t.Error("page mismatch")
	}
}

func TestReadAbsentPage(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	_, ok, err := eng.ReadPage(ctx, "f1", 99)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("expected absent")
	}
}

func TestFlushThenReadFromExtent(t *testing.T) {
	eng, db := newTestEngine(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := eng.WritePage(ctx, "f1", i, page(512, byte(i))); err != nil {
			t.Fatal(err)
		}
	}
	if err := eng.FlushFile(ctx, "f1"); err != nil {
		t.Fatal(err)
	}

	var dirtyCount int
	db.QueryRow(`SELECT COUNT(*) FROM dirty_pages WHERE file_id = ?`, "f1").Scan(&dirtyCount)
	if dirtyCount != 0 {
		t.Errorf("expected dirty pages cleared, got %d", dirtyCount)
	}

	got, ok, err := eng.ReadPage(ctx, "f1", 1)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected page present after flush")
	}
	if !bytes.Equal(got, page(512, 1)) {
		t.Error("page mismatch after flush")
	}
}

func TestWritePageRejectsWrongLength(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	if err := eng.WritePage(ctx, "f1", 0, []byte("short")); err == nil {
		t.Fatal("expected error for wrong page length")
	}
}

func TestTruncateShrinksFile(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		eng.WritePage(ctx, "f1", i, page(512, byte(i+1)))
	}
	eng.FlushFile(ctx, "f1")

	if err := eng.Truncate(ctx, "f1", 512); err != nil {
		t.Fatal(err)
	}

	size, ok, err := eng.GetFileSize(ctx, "f1")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || size != 512 {
		t.Errorf("expected size 512, got %d (ok=%v)", size, ok)
	}

	_, present, err := eng.ReadPage(ctx, "f1", 1)
	if err != nil {
		t.Fatal(err)
	}
	if present {
		t.Error("expected page 1 absent after truncate")
	}

	got, present, err := eng.ReadPage(ctx, "f1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if !present {
		t.Fatal("expected page 0 still present after truncate")
	}
	if !bytes.Equal(got, page(512, 1)) {
		t.Error("page 0 bytes changed by truncate")
	}
}

func TestDeleteFileRemovesEverything(t *testing.T) {
	eng, db := newTestEngine(t)
	ctx := context.Background()

	eng.WritePage(ctx, "f1", 0, page(512, 0x5))
	eng.FlushFile(ctx, "f1")

	if err := eng.DeleteFile(ctx, "f1"); err != nil {
		t.Fatal(err)
	}

	var n int
	db.QueryRow(`SELECT COUNT(*) FROM extent_files WHERE file_id = ?`, "f1").Scan(&n)
	if n != 0 {
		t.Error("expected extent_files row removed")
	}
	db.QueryRow(`SELECT COUNT(*) FROM extents WHERE file_id = ?`, "f1").Scan(&n)
	if n != 0 {
		t.Error("expected extents rows removed")
	}
}
