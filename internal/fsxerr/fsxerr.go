// Package fsxerr defines the error taxonomy shared by every store in the
// engine (extent format, extent engine, metadata store, blob router).
package fsxerr

import (
	"errors"
	"fmt"
)

// Kind identifies one of the error categories from the engine's error
// taxonomy. It is not meant to be type-switched on directly; use errors.Is
// against the sentinel values below.
type Kind string

const (
	NotFound      Kind = "not-found"
	AlreadyExists Kind = "already-exists"
	NotEmpty      Kind = "not-empty"
	IsDirectory   Kind = "is-directory"
	NotADirectory Kind = "not-a-directory"
	InvalidArg    Kind = "invalid-argument"
	InvalidFormat Kind = "invalid-format"
	DataCorrupted Kind = "data-corrupted"
	NoTransaction Kind = "no-transaction"
	Timeout       Kind = "timeout"
	RetryableBusy Kind = "retryable-busy"
	BackendFail   Kind = "backend-failure"
)

// sentinel is the base error associated with a Kind; errors.Is matches
// against these regardless of how much context a wrapping fmt.Errorf adds.
type sentinel struct{ kind Kind }

func (s *sentinel) Error() string { return string(s.kind) }

var (
	ErrNotFound      error = &sentinel{NotFound}
	ErrAlreadyExists error = &sentinel{AlreadyExists}
	ErrNotEmpty      error = &sentinel{NotEmpty}
	ErrIsDirectory   error = &sentinel{IsDirectory}
	ErrNotADirectory error = &sentinel{NotADirectory}
	ErrInvalidArg    error = &sentinel{InvalidArg}
	ErrInvalidFormat error = &sentinel{InvalidFormat}
	ErrDataCorrupted error = &sentinel{DataCorrupted}
	ErrNoTransaction error = &sentinel{NoTransaction}
	ErrTimeout       error = &sentinel{Timeout}
	ErrRetryableBusy error = &sentinel{RetryableBusy}
	ErrBackendFail   error = &sentinel{BackendFail}
)

// Wrap attaches kind to msg so that errors.Is(result, sentinelFor(kind))
// succeeds while the caller still gets a human-readable message.
func Wrap(kind Kind, format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), sentinelFor(kind))
}

func sentinelFor(kind Kind) error {
	switch kind {
	case NotFound:
		return ErrNotFound
	case AlreadyExists:
		return ErrAlreadyExists
	case NotEmpty:
		return ErrNotEmpty
	case IsDirectory:
		return ErrIsDirectory
	case NotADirectory:
		return ErrNotADirectory
	case InvalidArg:
		return ErrInvalidArg
	case InvalidFormat:
		return ErrInvalidFormat
	case DataCorrupted:
		return ErrDataCorrupted
	case NoTransaction:
		return ErrNoTransaction
	case Timeout:
		return ErrTimeout
	case RetryableBusy:
		return ErrRetryableBusy
	default:
		return ErrBackendFail
	}
}

// Is reports whether err ultimately carries the given kind.
func Is(err error, kind Kind) bool {
	return errors.Is(err, sentinelFor(kind))
}
