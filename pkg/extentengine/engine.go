// Package extentengine implements the page-addressable, content-addressed
// file store (C4): it packs fixed-size pages into self-describing extent
// blobs (pkg/extentfmt), buffers recent writes in a SQL dirty_pages
// table, and caches recently-read extents in memory. Flush/truncate/
// delete are grounded on the teacher's pkg/storage/kv.go two-phase
// write-then-fsync discipline and its freelist's "garbage is tolerable"
// tolerance for best-effort cleanup failures.
package extentengine

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"math"
	"sort"
	"time"

	"github.com/nainya/fsxengine/internal/fsxerr"
	"github.com/nainya/fsxengine/internal/logger"
	"github.com/nainya/fsxengine/internal/metrics"
	"github.com/nainya/fsxengine/internal/sqlstore"
	"github.com/nainya/fsxengine/pkg/blobbackend"
	"github.com/nainya/fsxengine/pkg/extentfmt"
	"github.com/nainya/fsxengine/pkg/writebuffer"
)

// Config configures an Engine.
type Config struct {
	PageSize       int
	ExtentSize     int
	Compression    string // "none" or "gzip"
	KeyPrefix      string
	AutoFlush      bool
	FlushThreshold int
	CacheExtents   int // extent cache capacity, default 16
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	c := Config{
		PageSize:     4096,
		ExtentSize:   2 * 1024 * 1024,
		Compression:  "none",
		KeyPrefix:    "extent/",
		AutoFlush:    true,
		CacheExtents: 16,
	}
	c.FlushThreshold = defaultFlushThreshold(c.ExtentSize, c.PageSize)
	return c
}

func defaultFlushThreshold(extentSize, pageSize int) int {
	return int(math.Floor(float64(extentSize-extentfmt.HeaderSize) / (float64(pageSize) + 0.125)))
}

type cachedExtent struct {
	Bytes      []byte
	Header     extentfmt.Header
	LastAccess time.Time
}

// Engine is the extent engine.
type Engine struct {
	db      *sql.DB
	mgr     *sqlstore.Manager
	backend blobbackend.Backend
	cfg     Config
	cache   *writebuffer.Buffer[cachedExtent]
	log     *logger.Logger
	metrics *metrics.Metrics
}

// New builds an Engine bound to db and backend.
func New(db *sql.DB, backend blobbackend.Backend, cfg Config, log *logger.Logger, m *metrics.Metrics) *Engine {
	if cfg.PageSize <= 0 {
		cfg = DefaultConfig()
	}
	if cfg.CacheExtents <= 0 {
		cfg.CacheExtents = 16
	}
	cache := writebuffer.New[cachedExtent](cfg.CacheExtents, 1<<62, 0)
	return &Engine{
		db:      db,
		mgr:     sqlstore.NewManager(db, log),
		backend: backend,
		cfg:     cfg,
		cache:   cache,
		log:     log.Component("extentengine"),
		metrics: m,
	}
}

// Init creates the engine's tables if absent.
func (e *Engine) Init(ctx context.Context) error {
	_, err := e.db.ExecContext(ctx, schema)
	return err
}

func (e *Engine) pagesPerExtent() int {
	return e.cfg.FlushThreshold
}

func (e *Engine) extentKey(extentID string) string {
	return e.cfg.KeyPrefix + extentID
}

// ensureFile upserts the extent_files row for fileID, creating it with
// file_size=0 if absent.
func (e *Engine) ensureFile(ctx context.Context, q sqlstore.Queryer, fileID string) error {
	now := time.Now().Unix()
	_, err := q.ExecContext(ctx, `
		INSERT INTO extent_files (file_id, page_size, file_size, extent_count, created_at, modified_at)
		VALUES (?, ?, 0, 0, ?, ?)
		ON CONFLICT(file_id) DO NOTHING`,
		fileID, e.cfg.PageSize, now, now)
	return err
}

// WritePage validates data's length, upserts it into dirty_pages and
// advances file_size. Triggers a flush when auto-flush is enabled and
// the file's dirty count reaches the configured threshold.
func (e *Engine) WritePage(ctx context.Context, fileID string, pageNum int, data []byte) error {
	if len(data) != e.cfg.PageSize {
		return fsxerr.Wrap(fsxerr.InvalidArg, "extentengine: page length %d != pageSize %d", len(data), e.cfg.PageSize)
	}

	err := e.mgr.Transact(ctx, sqlstore.RetryPolicy{}, func(q sqlstore.Queryer) error {
		if err := e.ensureFile(ctx, q, fileID); err != nil {
			return err
		}

		now := time.Now().Unix()
		if _, err := q.ExecContext(ctx, `
			INSERT INTO dirty_pages (file_id, page_num, data, modified_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(file_id, page_num) DO UPDATE SET data = excluded.data, modified_at = excluded.modified_at`,
			fileID, pageNum, data, now); err != nil {
			return err
		}

		minSize := int64(pageNum+1) * int64(e.cfg.PageSize)
		if _, err := q.ExecContext(ctx, `
			UPDATE extent_files SET file_size = MAX(file_size, ?), modified_at = ? WHERE file_id = ?`,
			minSize, now, fileID); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}

	if e.cfg.AutoFlush {
		count, err := e.dirtyCount(ctx, fileID)
		if err != nil {
			return err
		}
		if count >= e.cfg.FlushThreshold {
			return e.FlushFile(ctx, fileID)
		}
	}
	return nil
}

func (e *Engine) dirtyCount(ctx context.Context, fileID string) (int, error) {
	var n int
	row := e.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dirty_pages WHERE file_id = ?`, fileID)
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// ReadPage returns the bytes for pageNum of fileID, or (nil, false) if
// absent.
func (e *Engine) ReadPage(ctx context.Context, fileID string, pageNum int) ([]byte, bool, error) {
	var data []byte
	row := e.db.QueryRowContext(ctx, `SELECT data FROM dirty_pages WHERE file_id = ? AND page_num = ?`, fileID, pageNum)
	err := row.Scan(&data)
	if err == nil {
		return data, true, nil
	}
	if err != sql.ErrNoRows {
		return nil, false, err
	}

	extentID, startPage, pageCount, ok, err := e.findExtentRow(ctx, fileID, pageNum)
	if err != nil {
		return nil, false, err
	}
	if !ok || pageNum >= startPage+pageCount {
		return nil, false, nil
	}

	blob, err := e.loadExtent(ctx, extentID)
	if err != nil {
		return nil, false, err
	}

	idx := pageNum - startPage
	page, present, err := extentfmt.ExtractPage(blob, idx)
	if err != nil {
		return nil, false, fsxerr.Wrap(fsxerr.DataCorrupted, "extentengine: %v", err)
	}
	return page, present, nil
}

// ReadPageSync returns data only when it can be served without a backend
// fetch: a dirty row, or an already-cached extent. It never issues a
// blob backend request.
func (e *Engine) ReadPageSync(ctx context.Context, fileID string, pageNum int) ([]byte, bool) {
	var data []byte
	row := e.db.QueryRowContext(ctx, `SELECT data FROM dirty_pages WHERE file_id = ? AND page_num = ?`, fileID, pageNum)
	if err := row.Scan(&data); err == nil {
		return data, true
	}

	extentID, startPage, pageCount, ok, err := e.findExtentRow(ctx, fileID, pageNum)
	if err != nil || !ok || pageNum >= startPage+pageCount {
		return nil, false
	}

	cached, ok := e.cache.Get(extentID)
	if !ok {
		return nil, false
	}

	idx := pageNum - startPage
	page, present, err := extentfmt.ExtractPage(cached.Bytes, idx)
	if err != nil || !present {
		return nil, false
	}
	return page, true
}

func (e *Engine) findExtentRow(ctx context.Context, fileID string, pageNum int) (extentID string, startPage, pageCount int, ok bool, err error) {
	row := e.db.QueryRowContext(ctx, `
		SELECT extent_id, start_page, page_count FROM extents
		WHERE file_id = ? AND start_page <= ?
		ORDER BY start_page DESC LIMIT 1`, fileID, pageNum)
	err = row.Scan(&extentID, &startPage, &pageCount)
	if err == sql.ErrNoRows {
		return "", 0, 0, false, nil
	}
	if err != nil {
		return "", 0, 0, false, err
	}
	return extentID, startPage, pageCount, true, nil
}

func (e *Engine) loadExtent(ctx context.Context, extentID string) ([]byte, error) {
	if cached, ok := e.cache.Get(extentID); ok {
		if e.metrics != nil {
			e.metrics.ExtentCacheHitsTotal.Inc()
		}
		return cached.Bytes, nil
	}
	if e.metrics != nil {
		e.metrics.ExtentCacheMissesTotal.Inc()
	}

	obj, ok, err := e.backend.Get(ctx, e.extentKey(extentID))
	if err != nil {
		return nil, fsxerr.Wrap(fsxerr.BackendFail, "extentengine: backend get %s: %v", extentID, err)
	}
	if !ok {
		return nil, fsxerr.Wrap(fsxerr.NotFound, "extentengine: extent %s missing from backend", extentID)
	}

	if !extentfmt.Validate(obj.Data) {
		return nil, fsxerr.Wrap(fsxerr.DataCorrupted, "extentengine: extent %s failed checksum validation", extentID)
	}

	h, _ := extentfmt.ParseHeader(obj.Data)
	e.cache.Set(extentID, cachedExtent{Bytes: obj.Data, Header: h, LastAccess: time.Now()}, writebuffer.Clean())

	return obj.Data, nil
}

// Flush scans every file with dirty pages and flushes each in turn.
func (e *Engine) Flush(ctx context.Context) error {
	rows, err := e.db.QueryContext(ctx, `SELECT DISTINCT file_id FROM dirty_pages`)
	if err != nil {
		return err
	}
	var fileIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		fileIDs = append(fileIDs, id)
	}
	rows.Close()

	for _, id := range fileIDs {
		if err := e.FlushFile(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

type dirtyPage struct {
	pageNum int
	data    []byte
}

// FlushFile packs fileID's dirty pages into extents and clears them.
func (e *Engine) FlushFile(ctx context.Context, fileID string) error {
	start := time.Now()

	rows, err := e.db.QueryContext(ctx, `SELECT page_num, data FROM dirty_pages WHERE file_id = ? ORDER BY page_num`, fileID)
	if err != nil {
		return err
	}
	var pages []dirtyPage
	for rows.Next() {
		var p dirtyPage
		if err := rows.Scan(&p.pageNum, &p.data); err != nil {
			rows.Close()
			return err
		}
		pages = append(pages, p)
	}
	rows.Close()

	if len(pages) == 0 {
		return nil
	}

	pagesPerExtent := e.pagesPerExtent()
	groups := make(map[int]map[int][]byte)
	for _, p := range pages {
		extentIndex := p.pageNum / pagesPerExtent
		offset := p.pageNum - extentIndex*pagesPerExtent
		if groups[extentIndex] == nil {
			groups[extentIndex] = make(map[int][]byte)
		}
		groups[extentIndex][offset] = p.data
	}

	indices := make([]int, 0, len(groups))
	for idx := range groups {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	for _, extentIndex := range indices {
		startPage := extentIndex * pagesPerExtent
		if err := e.writeExtent(ctx, fileID, groups[extentIndex], extentIndex, startPage); err != nil {
			if e.metrics != nil {
				e.metrics.ExtentFlushesTotal.WithLabelValues("error").Inc()
			}
			return err
		}
	}

	if _, err := e.db.ExecContext(ctx, `DELETE FROM dirty_pages WHERE file_id = ?`, fileID); err != nil {
		return err
	}

	if err := e.recountExtents(ctx, fileID); err != nil {
		return err
	}

	if e.metrics != nil {
		e.metrics.ExtentFlushesTotal.WithLabelValues("ok").Inc()
	}
	e.log.LogFlush(fileID, len(pages), time.Since(start), nil)
	return nil
}

func (e *Engine) writeExtent(ctx context.Context, fileID string, pages map[int][]byte, extentIndex, startPage int) error {
	blob, err := extentfmt.Build(pages, e.cfg.PageSize, 0)
	if err != nil {
		return err
	}

	sum := sha256.Sum256(blob)
	extentID := "ext-" + hex.EncodeToString(sum[:])[:32]

	if _, err := e.backend.Put(ctx, e.extentKey(extentID), blob); err != nil {
		return fsxerr.Wrap(fsxerr.BackendFail, "extentengine: backend put %s: %v", extentID, err)
	}

	var oldExtentID string
	row := e.db.QueryRowContext(ctx, `SELECT extent_id FROM extents WHERE file_id = ? AND extent_index = ?`, fileID, extentIndex)
	scanErr := row.Scan(&oldExtentID)

	if scanErr == nil && oldExtentID != extentID {
		if err := e.backend.Delete(ctx, e.extentKey(oldExtentID)); err != nil {
			e.log.Warn("failed to delete superseded extent blob").Str("extent_id", oldExtentID).Err(err).Send()
		}
		e.cache.Delete(oldExtentID)
	} else if scanErr != nil && scanErr != sql.ErrNoRows {
		return scanErr
	}

	maxIdx := 0
	for idx := range pages {
		if idx > maxIdx {
			maxIdx = idx
		}
	}
	pageCount := maxIdx + 1
	compressed := e.cfg.Compression != "none"

	_, err = e.db.ExecContext(ctx, `
		INSERT INTO extents (extent_id, file_id, extent_index, start_page, page_count, compressed, original_size, stored_size, checksum)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(file_id, extent_index) DO UPDATE SET
			extent_id = excluded.extent_id, start_page = excluded.start_page, page_count = excluded.page_count,
			compressed = excluded.compressed, original_size = excluded.original_size, stored_size = excluded.stored_size,
			checksum = excluded.checksum`,
		extentID, fileID, extentIndex, startPage, pageCount,
		boolToInt(compressed), pageCount*e.cfg.PageSize, len(blob), 0)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (e *Engine) recountExtents(ctx context.Context, fileID string) error {
	var count int
	row := e.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM extents WHERE file_id = ?`, fileID)
	if err := row.Scan(&count); err != nil {
		return err
	}
	_, err := e.db.ExecContext(ctx, `UPDATE extent_files SET extent_count = ?, modified_at = ? WHERE file_id = ?`, count, time.Now().Unix(), fileID)
	return err
}

// Truncate resizes fileID to size bytes.
func (e *Engine) Truncate(ctx context.Context, fileID string, size int64) error {
	var fileSize int64
	row := e.db.QueryRowContext(ctx, `SELECT file_size FROM extent_files WHERE file_id = ?`, fileID)
	if err := row.Scan(&fileSize); err != nil {
		if err == sql.ErrNoRows {
			return fsxerr.Wrap(fsxerr.NotFound, "extentengine: file %s not found", fileID)
		}
		return err
	}

	if size >= fileSize {
		_, err := e.db.ExecContext(ctx, `UPDATE extent_files SET file_size = ? WHERE file_id = ?`, size, fileID)
		return err
	}

	pageSize := int64(e.cfg.PageSize)
	lastPage := -1
	if size > 0 {
		lastPage = int((size+pageSize-1)/pageSize) - 1
	}

	if _, err := e.db.ExecContext(ctx, `DELETE FROM dirty_pages WHERE file_id = ? AND page_num > ?`, fileID, lastPage); err != nil {
		return err
	}

	rows, err := e.db.QueryContext(ctx, `SELECT extent_id, extent_index, start_page, page_count FROM extents WHERE file_id = ? ORDER BY start_page`, fileID)
	if err != nil {
		return err
	}
	type extRow struct {
		extentID    string
		extentIndex int
		startPage   int
		pageCount   int
	}
	var extents []extRow
	for rows.Next() {
		var r extRow
		if err := rows.Scan(&r.extentID, &r.extentIndex, &r.startPage, &r.pageCount); err != nil {
			rows.Close()
			return err
		}
		extents = append(extents, r)
	}
	rows.Close()

	for _, r := range extents {
		switch {
		case r.startPage > lastPage:
			if err := e.deleteExtentRow(ctx, fileID, r.extentID, r.extentIndex); err != nil {
				return err
			}

		case r.startPage <= lastPage && lastPage < r.startPage+r.pageCount-1:
			blob, err := e.loadExtent(ctx, r.extentID)
			if err != nil {
				return err
			}
			for p := r.startPage; p <= lastPage; p++ {
				page, present, err := extentfmt.ExtractPage(blob, p-r.startPage)
				if err != nil {
					return fsxerr.Wrap(fsxerr.DataCorrupted, "extentengine: truncate re-materialize: %v", err)
				}
				if !present {
					continue
				}
				if _, err := e.db.ExecContext(ctx, `
					INSERT INTO dirty_pages (file_id, page_num, data, modified_at) VALUES (?, ?, ?, ?)
					ON CONFLICT(file_id, page_num) DO UPDATE SET data = excluded.data, modified_at = excluded.modified_at`,
					fileID, p, page, time.Now().Unix()); err != nil {
					return err
				}
			}
			if err := e.deleteExtentRow(ctx, fileID, r.extentID, r.extentIndex); err != nil {
				return err
			}

		default:
			// fully retained
		}
	}

	if size > 0 && size%pageSize != 0 {
		page, present, err := e.ReadPage(ctx, fileID, lastPage)
		if err != nil {
			return err
		}
		buf := make([]byte, pageSize)
		if present {
			copy(buf, page[:int(size%pageSize)])
		}
		if _, err := e.db.ExecContext(ctx, `
			INSERT INTO dirty_pages (file_id, page_num, data, modified_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(file_id, page_num) DO UPDATE SET data = excluded.data, modified_at = excluded.modified_at`,
			fileID, lastPage, buf, time.Now().Unix()); err != nil {
			return err
		}
	}

	if _, err := e.db.ExecContext(ctx, `UPDATE extent_files SET file_size = ?, modified_at = ? WHERE file_id = ?`, size, time.Now().Unix(), fileID); err != nil {
		return err
	}
	return e.recountExtents(ctx, fileID)
}

func (e *Engine) deleteExtentRow(ctx context.Context, fileID, extentID string, extentIndex int) error {
	if err := e.backend.Delete(ctx, e.extentKey(extentID)); err != nil {
		e.log.Warn("failed to delete extent blob during truncate").Str("extent_id", extentID).Err(err).Send()
	}
	e.cache.Delete(extentID)
	_, err := e.db.ExecContext(ctx, `DELETE FROM extents WHERE file_id = ? AND extent_index = ?`, fileID, extentIndex)
	return err
}

// DeleteFile removes every extent blob, row and dirty page for fileID.
func (e *Engine) DeleteFile(ctx context.Context, fileID string) error {
	rows, err := e.db.QueryContext(ctx, `SELECT extent_id FROM extents WHERE file_id = ?`, fileID)
	if err != nil {
		return err
	}
	var extentIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		extentIDs = append(extentIDs, id)
	}
	rows.Close()

	for _, id := range extentIDs {
		if err := e.backend.Delete(ctx, e.extentKey(id)); err != nil {
			e.log.Warn("failed to delete extent blob during deleteFile").Str("extent_id", id).Err(err).Send()
		}
		e.cache.Delete(id)
	}

	if _, err := e.db.ExecContext(ctx, `DELETE FROM extents WHERE file_id = ?`, fileID); err != nil {
		return err
	}
	if _, err := e.db.ExecContext(ctx, `DELETE FROM dirty_pages WHERE file_id = ?`, fileID); err != nil {
		return err
	}
	_, err = e.db.ExecContext(ctx, `DELETE FROM extent_files WHERE file_id = ?`, fileID)
	return err
}

// GetFileSize returns the current logical size of fileID.
func (e *Engine) GetFileSize(ctx context.Context, fileID string) (int64, bool, error) {
	var size int64
	row := e.db.QueryRowContext(ctx, `SELECT file_size FROM extent_files WHERE file_id = ?`, fileID)
	err := row.Scan(&size)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return size, true, nil
}
