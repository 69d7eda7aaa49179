package txlog

import "errors"

var (
	// ErrCorrupted indicates a corrupted log entry (CRC mismatch).
	ErrCorrupted = errors.New("txlog: corrupted entry")

	// ErrLogClosed indicates an operation on a closed log.
	ErrLogClosed = errors.New("txlog: log closed")

	// ErrLogNotFound indicates no log files exist yet.
	ErrLogNotFound = errors.New("txlog: log not found")

	// ErrTruncated indicates a truncated log entry.
	ErrTruncated = errors.New("txlog: truncated entry")
)
