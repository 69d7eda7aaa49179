package metadatastore

import "time"

// EntryType identifies what kind of filesystem object an Entry is.
type EntryType string

const (
	TypeFile      EntryType = "file"
	TypeDirectory EntryType = "directory"
	TypeSymlink   EntryType = "symlink"
)

// Tier identifies which blob backend tier an Entry or Blob resides in.
type Tier string

const (
	TierHot  Tier = "hot"
	TierWarm Tier = "warm"
	TierCold Tier = "cold"
)

// Entry is one row of the files table.
type Entry struct {
	ID         int64
	Path       string
	Name       string
	ParentID   *int64
	Type       EntryType
	Mode       uint32
	UID        uint32
	GID        uint32
	Size       int64
	BlobID     *string
	LinkTarget *string
	Tier       Tier
	ATime      time.Time
	MTime      time.Time
	CTime      time.Time
	BirthTime  time.Time
	NLink      int
}

// Blob is one row of the blobs table.
type Blob struct {
	ID        string
	Tier      Tier
	Size      int64
	Checksum  string
	CreatedAt time.Time
	RefCount  int
	IsChunked bool
	PageKeys  []string
}

// EntryUpdate holds the partial fields accepted by UpdateEntry; nil
// fields are left unchanged.
type EntryUpdate struct {
	Path     *string
	ParentID **int64
	Size     *int64
	Tier     *Tier
	Mode     *uint32
	UID      *uint32
	GID      *uint32
	ATime    *time.Time
	MTime    *time.Time
}
