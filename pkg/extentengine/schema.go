package extentengine

const schema = `
CREATE TABLE IF NOT EXISTS extent_files (
	file_id      TEXT PRIMARY KEY,
	page_size    INTEGER NOT NULL,
	file_size    INTEGER NOT NULL DEFAULT 0,
	extent_count INTEGER NOT NULL DEFAULT 0,
	created_at   INTEGER NOT NULL,
	modified_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS extents (
	extent_id     TEXT PRIMARY KEY,
	file_id       TEXT NOT NULL,
	extent_index  INTEGER NOT NULL,
	start_page    INTEGER NOT NULL,
	page_count    INTEGER NOT NULL,
	compressed    INTEGER NOT NULL DEFAULT 0,
	original_size INTEGER NOT NULL,
	stored_size   INTEGER NOT NULL,
	checksum      INTEGER NOT NULL,
	UNIQUE(file_id, extent_index)
);

CREATE INDEX IF NOT EXISTS idx_extents_file_start ON extents(file_id, start_page);

CREATE TABLE IF NOT EXISTS dirty_pages (
	file_id     TEXT NOT NULL,
	page_num    INTEGER NOT NULL,
	data        BLOB NOT NULL,
	modified_at INTEGER NOT NULL,
	PRIMARY KEY (file_id, page_num)
);
`
