// Package fsync implements the three-way classification and reconciliation
// engine that synchronizes a local directory tree against a remote one.
package fsync

// Kind distinguishes a file entry from a directory entry.
type Kind int

const (
	// KindFile is a regular file.
	KindFile Kind = iota
	// KindDir is a directory.
	KindDir
)

func (k Kind) String() string {
	if k == KindDir {
		return "dir"
	}
	return "file"
}

// Entry is a named child of a directory, as reported by a Target's GetDir.
// Entries are transient: they are only valid for the one directory
// traversal that produced them.
type Entry struct {
	Name  string
	Kind  Kind
	Size  int64
	MTime float64 // seconds since the Unix epoch, fractional
	// Unique is an opaque, server-provided identity token. Advisory only;
	// never used for classification.
	Unique string
	// EncodingFallback is set when the backend had to decode this entry's
	// name with a legacy single-byte codec because UTF-8 decoding failed.
	EncodingFallback bool
}

// IsDir reports whether the entry is a directory.
func (e *Entry) IsDir() bool {
	return e != nil && e.Kind == KindDir
}

// Label is the per-side classification of an entry against a directory's
// stored metadata.
type Label int

const (
	LabelNew Label = iota
	LabelUnmodified
	LabelModified
	LabelDeleted
	LabelMissing
	LabelExisting
)

func (l Label) String() string {
	switch l {
	case LabelNew:
		return "new"
	case LabelUnmodified:
		return "unmodified"
	case LabelModified:
		return "modified"
	case LabelDeleted:
		return "deleted"
	case LabelMissing:
		return "missing"
	case LabelExisting:
		return "existing"
	default:
		return "unknown"
	}
}

// Operation is the action the engine will take on a Pair.
type Operation int

const (
	OpEqual Operation = iota
	OpCopyLocal
	OpCopyRemote
	OpDeleteLocal
	OpDeleteRemote
	OpNeedCompare
	OpConflict
)

func (o Operation) String() string {
	switch o {
	case OpEqual:
		return "equal"
	case OpCopyLocal:
		return "copy_local"
	case OpCopyRemote:
		return "copy_remote"
	case OpDeleteLocal:
		return "delete_local"
	case OpDeleteRemote:
		return "delete_remote"
	case OpNeedCompare:
		return "need_compare"
	case OpConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Pair is (local?, remote?) for one name in one directory; at least one of
// Local, Remote is non-nil. It carries the per-side classification and the
// derived Operation. Pairs are mutable during classification and are
// discarded once the directory has been processed.
type Pair struct {
	Name        string
	Local       *Entry
	Remote      *Entry
	LocalLabel  Label
	RemoteLabel Label
	Operation   Operation
}

// IsDir reports whether this pair represents a directory on whichever side
// has an entry.
func (p *Pair) IsDir() bool {
	if p.Local != nil {
		return p.Local.IsDir()
	}
	if p.Remote != nil {
		return p.Remote.IsDir()
	}
	return false
}

// NewPair builds a pair from optional local/remote entries, deriving Name
// from whichever side is present (they must agree once case policy has been
// applied by the engine).
func NewPair(local, remote *Entry) *Pair {
	p := &Pair{Local: local, Remote: remote}
	if local != nil {
		p.Name = local.Name
	} else if remote != nil {
		p.Name = remote.Name
	}
	return p
}
