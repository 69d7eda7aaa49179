package metadatastore

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/nainya/fsxengine/internal/fsxerr"
	"github.com/nainya/fsxengine/internal/sqlstore"
)

// RegisterBlob inserts a new blobs row.
func (s *Store) RegisterBlob(ctx context.Context, q sqlstore.Queryer, b Blob) error {
	if b.RefCount == 0 {
		b.RefCount = 1
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}
	stmt, err := s.stmts.Get("insertBlob", func() (*sql.Stmt, error) {
		return s.db.PrepareContext(ctx, `
			INSERT INTO blobs (id, tier, size, checksum, created_at, ref_count, is_chunked, page_keys)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	})
	if err != nil {
		return err
	}
	_, err = s.execCached(ctx, q, stmt, b.ID, string(b.Tier), b.Size, b.Checksum, b.CreatedAt.Unix(),
		b.RefCount, boolToInt(b.IsChunked), strings.Join(b.PageKeys, ","))
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// execCached runs a statement cached by s.stmts (and prepared against
// s.db) through q: when q is the active *sql.Tx, the statement is rebound
// to it via Tx.StmtContext so the write lands inside the transaction
// instead of escaping to a separate pooled connection.
func (s *Store) execCached(ctx context.Context, q sqlstore.Queryer, stmt *sql.Stmt, args ...any) (sql.Result, error) {
	if tx, ok := q.(*sql.Tx); ok {
		return tx.StmtContext(ctx, stmt).ExecContext(ctx, args...)
	}
	return stmt.ExecContext(ctx, args...)
}

// GetBlob returns the blob with the given id.
func (s *Store) GetBlob(ctx context.Context, id string) (Blob, bool, error) {
	stmt, err := s.stmts.Get("getBlob", func() (*sql.Stmt, error) {
		return s.db.PrepareContext(ctx, `SELECT id, tier, size, checksum, created_at, ref_count, is_chunked, page_keys FROM blobs WHERE id = ?`)
	})
	if err != nil {
		return Blob{}, false, err
	}

	var b Blob
	var createdAt int64
	var isChunked int
	var pageKeys sql.NullString
	row := stmt.QueryRowContext(ctx, id)
	err = row.Scan(&b.ID, &b.Tier, &b.Size, &b.Checksum, &createdAt, &b.RefCount, &isChunked, &pageKeys)
	if err == sql.ErrNoRows {
		return Blob{}, false, nil
	}
	if err != nil {
		return Blob{}, false, err
	}
	b.CreatedAt = time.Unix(createdAt, 0)
	b.IsChunked = isChunked != 0
	if pageKeys.Valid && pageKeys.String != "" {
		b.PageKeys = strings.Split(pageKeys.String, ",")
	}
	return b, true, nil
}

// UpdateBlobTier moves a blob's tier field.
func (s *Store) UpdateBlobTier(ctx context.Context, q sqlstore.Queryer, id string, tier Tier) error {
	stmt, err := s.stmts.Get("updateBlobTier", func() (*sql.Stmt, error) {
		return s.db.PrepareContext(ctx, `UPDATE blobs SET tier = ? WHERE id = ?`)
	})
	if err != nil {
		return err
	}
	_, err = s.execCached(ctx, q, stmt, string(tier), id)
	return err
}

// DeleteBlob removes a blobs row.
func (s *Store) DeleteBlob(ctx context.Context, q sqlstore.Queryer, id string) error {
	stmt, err := s.stmts.Get("deleteBlob", func() (*sql.Stmt, error) {
		return s.db.PrepareContext(ctx, `DELETE FROM blobs WHERE id = ?`)
	})
	if err != nil {
		return err
	}
	_, err = s.execCached(ctx, q, stmt, id)
	return err
}

// GetBlobRefCount returns the cached ref_count column.
func (s *Store) GetBlobRefCount(ctx context.Context, id string) (int, error) {
	stmt, err := s.stmts.Get("getBlobRefCount", func() (*sql.Stmt, error) {
		return s.db.PrepareContext(ctx, `SELECT ref_count FROM blobs WHERE id = ?`)
	})
	if err != nil {
		return 0, err
	}
	var n int
	err = stmt.QueryRowContext(ctx, id).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, fsxerr.Wrap(fsxerr.NotFound, "metadatastore: blob %s not found", id)
	}
	return n, err
}

// IncrementBlobRefCount bumps ref_count by one.
func (s *Store) IncrementBlobRefCount(ctx context.Context, q sqlstore.Queryer, id string) error {
	stmt, err := s.stmts.Get("incrementBlobRef", func() (*sql.Stmt, error) {
		return s.db.PrepareContext(ctx, `UPDATE blobs SET ref_count = ref_count + 1 WHERE id = ?`)
	})
	if err != nil {
		return err
	}
	_, err = s.execCached(ctx, q, stmt, id)
	return err
}

// DecrementBlobRefCount decrements ref_count by one, clamping to 0 per
// invariant I5 so a blob already at 0 never stores a negative count, and
// reports whether the blob should now be deleted (ref_count reached zero).
func (s *Store) DecrementBlobRefCount(ctx context.Context, q sqlstore.Queryer, id string) (bool, error) {
	stmt, err := s.stmts.Get("decrementBlobRef", func() (*sql.Stmt, error) {
		return s.db.PrepareContext(ctx, `UPDATE blobs SET ref_count = MAX(0, ref_count - 1) WHERE id = ?`)
	})
	if err != nil {
		return false, err
	}
	if _, err := s.execCached(ctx, q, stmt, id); err != nil {
		return false, err
	}
	var n int
	if err := q.QueryRowContext(ctx, `SELECT ref_count FROM blobs WHERE id = ?`, id).Scan(&n); err != nil {
		return false, err
	}
	return n <= 0, nil
}

// CountBlobReferences returns the live COUNT(*) of files rows pointing
// at blobID.
func (s *Store) CountBlobReferences(ctx context.Context, blobID string) (int, error) {
	stmt, err := s.stmts.Get("countBlobRefs", func() (*sql.Stmt, error) {
		return s.db.PrepareContext(ctx, `SELECT COUNT(*) FROM files WHERE blob_id = ?`)
	})
	if err != nil {
		return 0, err
	}
	var n int
	err = stmt.QueryRowContext(ctx, blobID).Scan(&n)
	return n, err
}

// SyncBlobRefCount writes the live reference count back to the cached
// ref_count column.
func (s *Store) SyncBlobRefCount(ctx context.Context, q sqlstore.Queryer, blobID string) error {
	live, err := s.CountBlobReferences(ctx, blobID)
	if err != nil {
		return err
	}
	stmt, err := s.stmts.Get("updateBlobRefCount", func() (*sql.Stmt, error) {
		return s.db.PrepareContext(ctx, `UPDATE blobs SET ref_count = ? WHERE id = ?`)
	})
	if err != nil {
		return err
	}
	_, err = s.execCached(ctx, q, stmt, live, blobID)
	return err
}

// CreateEntriesAtomic inserts every entry under a single transaction;
// on any failure, no row is written.
func (s *Store) CreateEntriesAtomic(ctx context.Context, entries []Entry) ([]int64, error) {
	var ids []int64
	err := s.mgr.Transact(ctx, sqlstore.RetryPolicy{}, func(q sqlstore.Queryer) error {
		ids = make([]int64, 0, len(entries))
		for _, e := range entries {
			id, err := s.CreateEntry(ctx, q, e)
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// DeleteEntriesAtomic deletes every id under a single transaction.
func (s *Store) DeleteEntriesAtomic(ctx context.Context, ids []int64) error {
	return s.mgr.Transact(ctx, sqlstore.RetryPolicy{}, func(q sqlstore.Queryer) error {
		for _, id := range ids {
			if err := s.DeleteEntry(ctx, q, id); err != nil {
				return err
			}
		}
		return nil
	})
}

// RegisterBlobsAtomic registers every blob under a single transaction.
func (s *Store) RegisterBlobsAtomic(ctx context.Context, blobs []Blob) error {
	return s.mgr.Transact(ctx, sqlstore.RetryPolicy{}, func(q sqlstore.Queryer) error {
		for _, b := range blobs {
			if err := s.RegisterBlob(ctx, q, b); err != nil {
				return err
			}
		}
		return nil
	})
}

// Transact exposes the manager's transaction helper so a caller can
// compose multiple store operations atomically with custom retry policy.
func (s *Store) Transact(ctx context.Context, policy sqlstore.RetryPolicy, fn func(q sqlstore.Queryer) error) error {
	return s.mgr.Transact(ctx, policy, fn)
}
