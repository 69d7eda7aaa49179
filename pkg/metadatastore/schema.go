package metadatastore

const schema = `
CREATE TABLE IF NOT EXISTS files (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	path        TEXT UNIQUE NOT NULL,
	name        TEXT NOT NULL,
	parent_id   INTEGER REFERENCES files(id) ON DELETE CASCADE,
	type        TEXT NOT NULL CHECK(type IN ('file','directory','symlink')),
	mode        INTEGER NOT NULL DEFAULT 0,
	uid         INTEGER NOT NULL DEFAULT 0,
	gid         INTEGER NOT NULL DEFAULT 0,
	size        INTEGER NOT NULL DEFAULT 0,
	blob_id     TEXT,
	link_target TEXT,
	tier        TEXT NOT NULL DEFAULT 'hot' CHECK(tier IN ('hot','warm','cold')),
	atime       INTEGER NOT NULL,
	mtime       INTEGER NOT NULL,
	ctime       INTEGER NOT NULL,
	birthtime   INTEGER NOT NULL,
	nlink       INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_files_path ON files(path);
CREATE INDEX IF NOT EXISTS idx_files_parent ON files(parent_id);
CREATE INDEX IF NOT EXISTS idx_files_tier ON files(tier);

CREATE TABLE IF NOT EXISTS blobs (
	id          TEXT PRIMARY KEY,
	tier        TEXT NOT NULL DEFAULT 'hot',
	size        INTEGER NOT NULL,
	checksum    TEXT,
	created_at  INTEGER NOT NULL,
	ref_count   INTEGER NOT NULL DEFAULT 1,
	is_chunked  INTEGER NOT NULL DEFAULT 0,
	page_keys   TEXT
);

CREATE INDEX IF NOT EXISTS idx_blobs_tier ON blobs(tier);
`

const rootPathPlaceholder = "/"
