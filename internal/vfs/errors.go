package vfs

import "errors"

// Sentinel errors for the kinds enumerated in §7. Callers compare with
// errors.Is; wrapping adds the offending path/name via fmt.Errorf("%w").
var (
	ErrInvalidArgument = errors.New("vfs: invalid argument")
	ErrNotFound        = errors.New("vfs: not found")
	ErrNotDirectory    = errors.New("vfs: not a directory")
	ErrExists          = errors.New("vfs: already exists")
	ErrBusy            = errors.New("vfs: busy")
	ErrNotSupported    = errors.New("vfs: operation not supported")
)
