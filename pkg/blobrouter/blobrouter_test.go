package blobrouter

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nainya/fsxengine/internal/logger"
	"github.com/nainya/fsxengine/internal/sqlstore"
	"github.com/nainya/fsxengine/pkg/blobbackend"
	"github.com/nainya/fsxengine/pkg/metadatastore"
)

func newTestRouter(t *testing.T, policy Policy) (*Router, *blobbackend.MemBackend, *blobbackend.MemBackend, *blobbackend.MemBackend) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	log := logger.NewLogger(logger.Config{Level: "error"})
	meta := metadatastore.New(db, log, nil)
	if err := meta.Init(context.Background()); err != nil {
		t.Fatal(err)
	}

	hot := blobbackend.NewMemBackend()
	warm := blobbackend.NewMemBackend()
	cold := blobbackend.NewMemBackend()
	r := New(hot, warm, cold, meta, policy, log, nil)
	return r, hot, warm, cold
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	r, _, _, _ := newTestRouter(t, DefaultPolicy())

	if _, err := r.Put(ctx, "k1", []byte("hello"), TierHot); err != nil {
		t.Fatal(err)
	}

	res, ok, err := r.Get(ctx, "k1")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected hit")
	}
	if string(res.Data) != "hello" {
		t.Errorf("got %q", res.Data)
	}
	if res.Tier != TierHot {
		t.Errorf("expected hot tier, got %s", res.Tier)
	}
	if res.Migrated {
		t.Error("hot-tier hit should not report a migration")
	}
}

func TestGetAutoPromotesFromCold(t *testing.T) {
	ctx := context.Background()
	r, hot, _, cold := newTestRouter(t, DefaultPolicy())

	if _, err := cold.Put(ctx, "k1", []byte("data")); err != nil {
		t.Fatal(err)
	}

	res, ok, err := r.Get(ctx, "k1")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected hit")
	}
	if !res.Migrated {
		t.Error("expected AutoPromote to migrate the object")
	}
	if res.Tier != TierWarm {
		t.Errorf("expected promotion to warm, got %s", res.Tier)
	}
	if res.PreviousTier != TierCold {
		t.Errorf("expected previous tier cold, got %s", res.PreviousTier)
	}

	if _, ok, _ := hot.Head(ctx, "k1"); ok {
		t.Error("object should not have jumped straight to hot")
	}
	if _, ok, _ := cold.Head(ctx, "k1"); ok {
		t.Error("object should have been removed from cold after promotion")
	}
}

func TestDemoteUpdatesMetadataRow(t *testing.T) {
	ctx := context.Background()
	r, hot, warm, _ := newTestRouter(t, DefaultPolicy())

	if _, err := r.Put(ctx, "blob1", []byte("payload"), TierHot); err != nil {
		t.Fatal(err)
	}
	if err := r.meta.Transact(ctx, sqlstore.RetryPolicy{}, func(q sqlstore.Queryer) error {
		return r.meta.RegisterBlob(ctx, q, metadatastore.Blob{
			ID: "blob1", Tier: metadatastore.TierHot, Size: 7,
		})
	}); err != nil {
		t.Fatal(err)
	}

	if err := r.Demote(ctx, "blob1", TierWarm); err != nil {
		t.Fatal(err)
	}

	if _, ok, _ := hot.Head(ctx, "blob1"); ok {
		t.Error("expected object removed from hot after demotion")
	}
	if _, ok, _ := warm.Head(ctx, "blob1"); !ok {
		t.Error("expected object present in warm after demotion")
	}

	b, ok, err := r.meta.GetBlob(ctx, "blob1")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected blob row present")
	}
	if b.Tier != metadatastore.TierWarm {
		t.Errorf("expected metadata tier warm, got %s", b.Tier)
	}
}

func TestRunMigrationDemotesStaleHotEntries(t *testing.T) {
	ctx := context.Background()
	policy := DefaultPolicy()
	policy.HotMaxAge = time.Millisecond
	r, hot, warm, _ := newTestRouter(t, policy)

	if _, err := r.Put(ctx, "stale", []byte("x"), TierHot); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)

	result, err := r.RunMigration(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	if result.Demoted != 1 {
		t.Errorf("expected 1 demotion, got %d", result.Demoted)
	}
	if _, ok, _ := hot.Head(ctx, "stale"); ok {
		t.Error("expected stale entry removed from hot")
	}
	if _, ok, _ := warm.Head(ctx, "stale"); !ok {
		t.Error("expected stale entry present in warm")
	}
}

func TestRunMigrationDryRunDoesNotMutate(t *testing.T) {
	ctx := context.Background()
	policy := DefaultPolicy()
	policy.HotMaxAge = time.Millisecond
	r, hot, _, _ := newTestRouter(t, policy)

	if _, err := r.Put(ctx, "stale", []byte("x"), TierHot); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)

	result, err := r.RunMigration(ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	if result.Demoted != 1 {
		t.Errorf("expected dry-run to still report 1 demotion, got %d", result.Demoted)
	}
	if _, ok, _ := hot.Head(ctx, "stale"); !ok {
		t.Error("dry run must not actually move the object")
	}
}

func TestDeleteRemovesFromEveryTier(t *testing.T) {
	ctx := context.Background()
	r, hot, warm, cold := newTestRouter(t, DefaultPolicy())

	for _, b := range []*blobbackend.MemBackend{hot, warm, cold} {
		if _, err := b.Put(ctx, "dup", []byte("x")); err != nil {
			t.Fatal(err)
		}
	}

	if err := r.Delete(ctx, "dup"); err != nil {
		t.Fatal(err)
	}

	for name, b := range map[string]*blobbackend.MemBackend{"hot": hot, "warm": warm, "cold": cold} {
		if _, ok, _ := b.Head(ctx, "dup"); ok {
			t.Errorf("expected %s tier cleared", name)
		}
	}
}

func TestCopyWithinTier(t *testing.T) {
	ctx := context.Background()
	r, hot, _, _ := newTestRouter(t, DefaultPolicy())

	if _, err := r.Put(ctx, "src", []byte("payload"), TierHot); err != nil {
		t.Fatal(err)
	}
	if err := r.Copy(ctx, "src", "dst", ""); err != nil {
		t.Fatal(err)
	}

	obj, ok, err := hot.Get(ctx, "dst")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || string(obj.Data) != "payload" {
		t.Errorf("expected dst to carry src's bytes, got %q ok=%v", obj.Data, ok)
	}
}
