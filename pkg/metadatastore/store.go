// Package metadatastore implements the metadata store (C5): Entries and
// Blobs, tier bookkeeping, and reference-counted blob lifecycle, backed
// by nested SQL transactions (internal/sqlstore) and routed through the
// prepared-statement cache (C3) for its hot-path lookups. Grounded on
// the teacher's pkg/storage KVTX Begin/Commit/Abort for transaction
// shape and pkg/wal/recovery.go's per-transaction grouping for the
// bounded event log.
package metadatastore

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/nainya/fsxengine/internal/fsxerr"
	"github.com/nainya/fsxengine/internal/logger"
	"github.com/nainya/fsxengine/internal/metrics"
	"github.com/nainya/fsxengine/internal/sqlstore"
)

// RootID is the id of the always-present root directory entry.
const RootID int64 = 0

// Store is the metadata store.
type Store struct {
	db      *sql.DB
	mgr     *sqlstore.Manager
	stmts   *sqlstore.StmtCache
	log     *logger.Logger
	metrics *metrics.Metrics
}

// New builds a Store over db.
func New(db *sql.DB, log *logger.Logger, m *metrics.Metrics) *Store {
	return &Store{
		db:      db,
		mgr:     sqlstore.NewManager(db, log),
		stmts:   sqlstore.NewStmtCache(sqlstore.DefaultMaxStatements),
		log:     log.Component("metadatastore"),
		metrics: m,
	}
}

// Manager exposes the underlying transaction manager so callers can
// observe transaction state or configure an event hook.
func (s *Store) Manager() *sqlstore.Manager { return s.mgr }

// Init creates the store's tables and the root directory entry.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return err
	}

	var exists int
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM files WHERE id = ?`, RootID)
	if err := row.Scan(&exists); err != nil {
		return err
	}
	if exists > 0 {
		return nil
	}

	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO files (id, path, name, parent_id, type, mode, uid, gid, size, tier, atime, mtime, ctime, birthtime, nlink)
		VALUES (?, ?, ?, NULL, ?, ?, 0, 0, 0, 'hot', ?, ?, ?, ?, 1)`,
		RootID, rootPathPlaceholder, "", TypeDirectory, 0o755, now, now, now, now)
	return err
}

func scanEntry(row interface{ Scan(...any) error }) (Entry, error) {
	var e Entry
	var parentID sql.NullInt64
	var blobID, linkTarget sql.NullString
	var atime, mtime, ctime, birthtime int64

	err := row.Scan(&e.ID, &e.Path, &e.Name, &parentID, &e.Type, &e.Mode, &e.UID, &e.GID,
		&e.Size, &blobID, &linkTarget, &e.Tier, &atime, &mtime, &ctime, &birthtime, &e.NLink)
	if err != nil {
		return Entry{}, err
	}

	if parentID.Valid {
		v := parentID.Int64
		e.ParentID = &v
	}
	if blobID.Valid {
		v := blobID.String
		e.BlobID = &v
	}
	if linkTarget.Valid {
		v := linkTarget.String
		e.LinkTarget = &v
	}
	e.ATime = time.Unix(atime, 0)
	e.MTime = time.Unix(mtime, 0)
	e.CTime = time.Unix(ctime, 0)
	e.BirthTime = time.Unix(birthtime, 0)
	return e, nil
}

const entryColumns = `id, path, name, parent_id, type, mode, uid, gid, size, blob_id, link_target, tier, atime, mtime, ctime, birthtime, nlink`

// GetByPath returns the entry at path, or (Entry{}, false, nil) if absent.
func (s *Store) GetByPath(ctx context.Context, path string) (Entry, bool, error) {
	stmt, err := s.stmts.Get("getByPath", func() (*sql.Stmt, error) {
		return s.db.PrepareContext(ctx, `SELECT `+entryColumns+` FROM files WHERE path = ?`)
	})
	if err != nil {
		return Entry{}, false, err
	}
	e, err := scanEntry(stmt.QueryRowContext(ctx, path))
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

// GetByID returns the entry with the given id.
func (s *Store) GetByID(ctx context.Context, id int64) (Entry, bool, error) {
	stmt, err := s.stmts.Get("getById", func() (*sql.Stmt, error) {
		return s.db.PrepareContext(ctx, `SELECT `+entryColumns+` FROM files WHERE id = ?`)
	})
	if err != nil {
		return Entry{}, false, err
	}
	e, err := scanEntry(stmt.QueryRowContext(ctx, id))
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

// GetChildren returns every entry whose parent_id is parentID.
func (s *Store) GetChildren(ctx context.Context, parentID int64) ([]Entry, error) {
	stmt, err := s.stmts.Get("getChildren", func() (*sql.Stmt, error) {
		return s.db.PrepareContext(ctx, `SELECT `+entryColumns+` FROM files WHERE parent_id = ?`)
	})
	if err != nil {
		return nil, err
	}
	rows, err := stmt.QueryContext(ctx, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// CreateEntry inserts a new file row, returning its assigned id. Fails
// with AlreadyExists if path collides.
func (s *Store) CreateEntry(ctx context.Context, q sqlstore.Queryer, e Entry) (int64, error) {
	now := time.Now()
	if e.ATime.IsZero() {
		e.ATime = now
	}
	if e.MTime.IsZero() {
		e.MTime = now
	}
	if e.CTime.IsZero() {
		e.CTime = now
	}
	if e.BirthTime.IsZero() {
		e.BirthTime = now
	}
	if e.Tier == "" {
		e.Tier = TierHot
	}
	if e.NLink == 0 {
		e.NLink = 1
	}

	res, err := q.ExecContext(ctx, `
		INSERT INTO files (path, name, parent_id, type, mode, uid, gid, size, blob_id, link_target, tier, atime, mtime, ctime, birthtime, nlink)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Path, e.Name, nullableInt(e.ParentID), string(e.Type), e.Mode, e.UID, e.GID, e.Size,
		nullableStr(e.BlobID), nullableStr(e.LinkTarget), string(e.Tier),
		e.ATime.Unix(), e.MTime.Unix(), e.CTime.Unix(), e.BirthTime.Unix(), e.NLink)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return 0, fsxerr.Wrap(fsxerr.AlreadyExists, "metadatastore: path %q already exists", e.Path)
		}
		return 0, err
	}
	return res.LastInsertId()
}

// UpdateEntry applies upd to the entry with the given id, always
// advancing ctime.
func (s *Store) UpdateEntry(ctx context.Context, q sqlstore.Queryer, id int64, upd EntryUpdate) error {
	sets := []string{"ctime = ?"}
	args := []any{time.Now().Unix()}

	if upd.Path != nil {
		sets = append(sets, "path = ?")
		args = append(args, *upd.Path)
	}
	if upd.ParentID != nil {
		sets = append(sets, "parent_id = ?")
		args = append(args, nullableInt(*upd.ParentID))
	}
	if upd.Size != nil {
		sets = append(sets, "size = ?")
		args = append(args, *upd.Size)
	}
	if upd.Tier != nil {
		sets = append(sets, "tier = ?")
		args = append(args, string(*upd.Tier))
	}
	if upd.Mode != nil {
		sets = append(sets, "mode = ?")
		args = append(args, *upd.Mode)
	}
	if upd.UID != nil {
		sets = append(sets, "uid = ?")
		args = append(args, *upd.UID)
	}
	if upd.GID != nil {
		sets = append(sets, "gid = ?")
		args = append(args, *upd.GID)
	}
	if upd.ATime != nil {
		sets = append(sets, "atime = ?")
		args = append(args, upd.ATime.Unix())
	}
	if upd.MTime != nil {
		sets = append(sets, "mtime = ?")
		args = append(args, upd.MTime.Unix())
	}

	args = append(args, id)
	_, err := q.ExecContext(ctx, `UPDATE files SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	return err
}

// DeleteEntry removes the entry with the given id; descendants cascade
// via the parent_id foreign key.
func (s *Store) DeleteEntry(ctx context.Context, q sqlstore.Queryer, id int64) error {
	stmt, err := s.stmts.Get("deleteFile", func() (*sql.Stmt, error) {
		return s.db.PrepareContext(ctx, `DELETE FROM files WHERE id = ?`)
	})
	if err != nil {
		return err
	}
	_, err = s.execCached(ctx, q, stmt, id)
	return err
}

// FindByPattern runs a LIKE scan translating glob '*'->'%' and '?'->'_',
// optionally restricted to descendants of parentPath.
func (s *Store) FindByPattern(ctx context.Context, glob string, parentPath string) ([]Entry, error) {
	pattern := strings.NewReplacer("*", "%", "?", "_").Replace(glob)
	if parentPath != "" {
		pattern = parentPath + "%" + pattern
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+entryColumns+` FROM files WHERE path LIKE ?`, pattern)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func nullableInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableStr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}
