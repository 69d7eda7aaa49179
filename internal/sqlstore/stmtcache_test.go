package sqlstore

import (
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if _, err := db.Exec("CREATE TABLE t (id INTEGER PRIMARY KEY, v TEXT)"); err != nil {
		t.Fatal(err)
	}
	return db
}

func TestStmtCacheGetPreparesOnceOnHit(t *testing.T) {
	db := testDB(t)
	c := NewStmtCache(4)

	calls := 0
	factory := func() (*sql.Stmt, error) {
		calls++
		return db.Prepare("INSERT INTO t (v) VALUES (?)")
	}

	if _, err := c.Get("insert", factory); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Get("insert", factory); err != nil {
		t.Fatal(err)
	}

	if calls != 1 {
		t.Errorf("expected factory called once, got %d", calls)
	}
	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("expected 1 hit and 1 miss, got %+v", stats)
	}
}

func TestStmtCacheEvictsOldestOnOverflow(t *testing.T) {
	db := testDB(t)
	c := NewStmtCache(2)

	mk := func(q string) func() (*sql.Stmt, error) {
		return func() (*sql.Stmt, error) { return db.Prepare(q) }
	}

	if _, err := c.Get("a", mk("SELECT 1")); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Get("b", mk("SELECT 2")); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Get("c", mk("SELECT 3")); err != nil {
		t.Fatal(err)
	}

	if c.Has("a") {
		t.Error("expected oldest entry evicted")
	}
	if !c.Has("b") || !c.Has("c") {
		t.Error("expected the two most recent entries to remain")
	}
	if c.Stats().Evictions != 1 {
		t.Errorf("expected 1 eviction, got %d", c.Stats().Evictions)
	}
}

func TestStmtCacheDeleteClosesStatement(t *testing.T) {
	db := testDB(t)
	c := NewStmtCache(4)

	if _, err := c.Get("a", func() (*sql.Stmt, error) { return db.Prepare("SELECT 1") }); err != nil {
		t.Fatal(err)
	}
	c.Delete("a")
	if c.Has("a") {
		t.Error("expected entry removed")
	}
}

func TestStmtCacheClear(t *testing.T) {
	db := testDB(t)
	c := NewStmtCache(4)

	if _, err := c.Get("a", func() (*sql.Stmt, error) { return db.Prepare("SELECT 1") }); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Get("b", func() (*sql.Stmt, error) { return db.Prepare("SELECT 2") }); err != nil {
		t.Fatal(err)
	}

	c.Clear()
	if c.Has("a") || c.Has("b") {
		t.Error("expected all entries cleared")
	}
}
