package blobbackend

import "errors"

// ErrUnsupported is returned by a backend for an operation it doesn't
// implement (GetRange, GetStream on some backends).
var ErrUnsupported = errors.New("blobbackend: operation not supported")
