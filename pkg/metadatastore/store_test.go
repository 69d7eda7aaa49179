package metadatastore

import (
	"context"
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/nainya/fsxengine/internal/logger"
	"github.com/nainya/fsxengine/internal/sqlstore"
)

func newTestStore(t *testing.T) *Store {
	db, err := sql.Open("sqlite", ":memory:?_pragma=foreign_keys(1)")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	log := logger.NewLogger(logger.Config{Level: "error"})
	st := New(db, log, nil)

	if err := st.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	return st
}

func TestInitCreatesRoot(t *testing.T) {
	st := newTestStore(t)
	e, ok, err := st.GetByID(context.Background(), RootID)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected root entry present")
	}
	if e.Type != TypeDirectory {
		t.Errorf("expected root to be a directory, got %s", e.Type)
	}
}

func TestCreateAndGetByPath(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	id, err := st.CreateEntry(ctx, st.db, Entry{Path: "/a", Name: "a", Type: TypeFile, ParentID: ptrInt64(RootID)})
	if err != nil {
		t.Fatal(err)
	}

	e, ok, err := st.GetByPath(ctx, "/a")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected entry present")
	}
	if e.ID != id {
		t.Errorf("id mismatch: got %d, want %d", e.ID, id)
	}
}

func TestCreateEntryDuplicatePathFails(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	st.CreateEntry(ctx, st.db, Entry{Path: "/a", Name: "a", Type: TypeFile})
	_, err := st.CreateEntry(ctx, st.db, Entry{Path: "/a", Name: "a", Type: TypeFile})
	if err == nil {
		t.Fatal("expected error for duplicate path")
	}
}

func TestUpdateEntryAdvancesCTime(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	id, _ := st.CreateEntry(ctx, st.db, Entry{Path: "/a", Name: "a", Type: TypeFile})
	before, _, _ := st.GetByID(ctx, id)

	newSize := int64(42)
	if err := st.UpdateEntry(ctx, st.db, id, EntryUpdate{Size: &newSize}); err != nil {
		t.Fatal(err)
	}

	after, _, _ := st.GetByID(ctx, id)
	if after.Size != 42 {
		t.Errorf("expected size 42, got %d", after.Size)
	}
	if after.CTime.Before(before.CTime) {
		t.Error("expected ctime to advance")
	}
}

func TestDeleteEntryCascades(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	parentID, _ := st.CreateEntry(ctx, st.db, Entry{Path: "/dir", Name: "dir", Type: TypeDirectory, ParentID: ptrInt64(RootID)})
	st.CreateEntry(ctx, st.db, Entry{Path: "/dir/child", Name: "child", Type: TypeFile, ParentID: &parentID})

	if err := st.DeleteEntry(ctx, st.db, parentID); err != nil {
		t.Fatal(err)
	}

	_, ok, _ := st.GetByPath(ctx, "/dir/child")
	if ok {
		t.Error("expected child to cascade-delete")
	}
}

func TestFindByPattern(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	st.CreateEntry(ctx, st.db, Entry{Path: "/a.txt", Name: "a.txt", Type: TypeFile})
	st.CreateEntry(ctx, st.db, Entry{Path: "/b.txt", Name: "b.txt", Type: TypeFile})
	st.CreateEntry(ctx, st.db, Entry{Path: "/c.md", Name: "c.md", Type: TypeFile})

	matches, err := st.FindByPattern(ctx, "*.txt", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 2 {
		t.Errorf("expected 2 matches, got %d", len(matches))
	}
}

func TestBlobRefCountLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if err := st.RegisterBlob(ctx, st.db, Blob{ID: "b1", Tier: TierHot, Size: 10}); err != nil {
		t.Fatal(err)
	}

	n, err := st.GetBlobRefCount(ctx, "b1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected initial ref_count 1, got %d", n)
	}

	if err := st.IncrementBlobRefCount(ctx, st.db, "b1"); err != nil {
		t.Fatal(err)
	}
	n, _ = st.GetBlobRefCount(ctx, "b1")
	if n != 2 {
		t.Errorf("expected ref_count 2, got %d", n)
	}

	shouldDelete, err := st.DecrementBlobRefCount(ctx, st.db, "b1")
	if err != nil {
		t.Fatal(err)
	}
	if shouldDelete {
		t.Error("did not expect deletion at ref_count 1")
	}

	shouldDelete, err = st.DecrementBlobRefCount(ctx, st.db, "b1")
	if err != nil {
		t.Fatal(err)
	}
	if !shouldDelete {
		t.Error("expected deletion at ref_count 0")
	}
}

func TestCreateEntriesAtomicRollsBackOnFailure(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	st.CreateEntry(ctx, st.db, Entry{Path: "/dup", Name: "dup", Type: TypeFile})

	_, err := st.CreateEntriesAtomic(ctx, []Entry{
		{Path: "/new", Name: "new", Type: TypeFile},
		{Path: "/dup", Name: "dup", Type: TypeFile}, // collides, should abort the whole batch
	})
	if err == nil {
		t.Fatal("expected error from atomic batch")
	}

	_, ok, _ := st.GetByPath(ctx, "/new")
	if ok {
		t.Error("expected /new not to have been committed")
	}
}

func TestTransactionRetriesThenSucceeds(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	attempts := 0
	policy := sqlstore.RetryPolicy{
		MaxRetries: 2,
		IsRetryable: func(err error) bool {
			return err != nil && err.Error() == "transient"
		},
	}

	err := st.Transact(ctx, policy, func(q sqlstore.Queryer) error {
		attempts++
		if attempts < 2 {
			return errTransient
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}
}

var errTransient = transientErr{}

type transientErr struct{}

func (transientErr) Error() string { return "transient" }

func ptrInt64(v int64) *int64 { return &v }
