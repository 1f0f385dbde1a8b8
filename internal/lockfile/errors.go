package lockfile

import (
	"errors"
	"fmt"
)

// ErrNotFound reported when the lockfile does not exist yet.
var ErrNotFound = errors.New("lockfile not found")

// ErrServerNotLocked reported when an operation names an entry the
// lockfile does not carry.
var ErrServerNotLocked = errors.New("server not present in lockfile")

// ReadError wraps a corrupt or unreadable lockfile. A ReadError is
// never retried by the healing layer; a broken lockfile is surfaced
// immediately.
type ReadError struct {
	Path string
	Err  error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("lockfile read %s: %v", e.Path, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// WriteError wraps an I/O or lock-acquisition failure during a write.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("lockfile write %s: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// SchemaError reported when the on-disk schema_version is newer than
// this build understands. The file is never rewritten in that state;
// a lossy downgrade would destroy what the newer producer recorded.
type SchemaError struct {
	Path    string
	Found   int
	Current int
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("lockfile %s has schema_version %d, this build understands up to %d; refusing to touch it",
		e.Path, e.Found, e.Current)
}
