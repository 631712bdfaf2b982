package fsync

import "errors"

// Sentinel errors for the taxonomy described by the specification. Backends
// and the engine wrap these with fmt.Errorf("...: %w", ErrX) so callers can
// test with errors.Is.
var (
	// ErrPathEscape is returned when a Cwd target would resolve above a
	// target's root directory.
	ErrPathEscape = errors.New("fsync: path escapes root directory")

	// ErrWriteDenied is returned when a mutating operation is attempted on
	// a read-only target.
	ErrWriteDenied = errors.New("fsync: write denied on read-only target")

	// ErrIncompatibleMetadataVersion is returned when a directory's stored
	// metadata version is newer than this implementation supports.
	ErrIncompatibleMetadataVersion = errors.New("fsync: incompatible metadata version")

	// ErrAmbiguousCase is returned under CaseLocal or CaseRemote when
	// case-insensitive name matching finds two distinct entries on one side
	// that collide.
	ErrAmbiguousCase = errors.New("fsync: ambiguous case-insensitive name collision")

	// ErrListingParse is returned per-entry when a backend cannot decode a
	// single listing line even with its fallback codec.
	ErrListingParse = errors.New("fsync: could not parse listing entry")

	// ErrInterrupted is returned when a run is cancelled by its context.
	ErrInterrupted = errors.New("fsync: interrupted")

	// ErrLockHeld is returned when a remote root is already locked by
	// another session and break_existing was not requested.
	ErrLockHeld = errors.New("fsync: remote root is locked by another session")
)

// CopyError wraps a transient failure copying or deleting one entry. The
// engine counts these and, if Options.IgnoreCopyErrors is false, aborts the
// run; otherwise it logs and continues.
type CopyError struct {
	Name string
	Err  error
}

func (e *CopyError) Error() string {
	return "fsync: copy error for " + e.Name + ": " + e.Err.Error()
}

func (e *CopyError) Unwrap() error { return e.Err }
