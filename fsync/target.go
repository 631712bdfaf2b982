package fsync

import (
	"context"
	"io"
	"path"
	"strings"
	"sync"
)

// DefaultOmit lists filenames conventionally skipped by pyftpsync-style
// tools, carried over from the reference implementation's DEFAULT_OMIT.
// These are not unconditionally excluded the way MetaFileName/LockFileName
// are; cmd/ftpsync uses them as the --exclude value when neither the flag
// nor the profile gives one.
var DefaultOmit = []string{".DS_Store", ".git", ".hg", ".svn", "#recycle"}

// WriteCallback reports incremental progress while streaming a file; it is
// called once per block written, with the cumulative byte count.
type WriteCallback func(written int64)

// LockInfo is the document written to a remote root's lock file.
type LockInfo struct {
	LockTime   float64 `json:"lock_time"`
	LockHolder string  `json:"lock_holder"`
}

// Target is the abstract storage endpoint the engine drives. A Target is
// either connected or not; every method other than Open/Close requires it
// to be connected.
//
// Suspension points (§5): Open, Cwd, GetDir, OpenReadable, WriteFile,
// CopyToFile, RemoveFile, Rmdir, Mkdir, FlushMeta. Each blocks from the
// engine's point of view and should honour ctx cancellation.
type Target interface {
	// Open acquires the connection. On a remote-style target this also
	// writes and reads back the lock file to measure clock skew.
	Open(ctx context.Context) error
	// Close releases the connection. Idempotent; safe to call even if
	// Open failed or was never called.
	Close(ctx context.Context) error

	// ID is a stable string identifying this endpoint, used as the other
	// side's peer id.
	ID() string

	// Cwd navigates to a child (name != "") or parent (name == "..") of
	// the current directory. It must refuse to escape above the target's
	// root with ErrPathEscape. Invalidates the loaded DirMetadata.
	Cwd(ctx context.Context, name string) error
	// Pwd returns the server's reported current directory, normalized.
	Pwd() string

	Mkdir(ctx context.Context, name string) error
	// Rmdir recursively removes a directory.
	Rmdir(ctx context.Context, name string) error

	// GetDir lists the current directory, merging in stored metadata per
	// §4.3, and excluding the metadata/lock files.
	GetDir(ctx context.Context) ([]*Entry, error)

	OpenReadable(ctx context.Context, name string) (io.ReadCloser, error)
	WriteFile(ctx context.Context, name string, src io.Reader, mtime float64, cb WriteCallback) error
	// CopyToFile streams name into dest, used to avoid double-buffering
	// when the source can't be randomly re-read.
	CopyToFile(ctx context.Context, name string, dest io.Writer, cb WriteCallback) error
	RemoveFile(ctx context.Context, name string) error

	// RandomAccess reports whether this target's OpenReadable supports
	// efficient repeated/random-access reads (true for local disks, false
	// for live FTP/SFTP sessions). Synchronizer.copyFile uses this to choose
	// between a direct read and a pipe relay.
	RandomAccess() bool

	// PushMeta/PopMeta expose the explicit metadata stack (one slot per
	// directory depth, advanced internally by Cwd) for diagnostics and
	// tests; the engine itself only calls Meta/FlushMeta.
	PushMeta(m *DirMetadata)
	PopMeta() *DirMetadata
	// Meta returns the DirMetadata for the current directory, loading it
	// lazily on first access.
	Meta(ctx context.Context) (*DirMetadata, error)
	// FlushMeta persists the current DirMetadata if dirty, unless
	// dry-run or read-only.
	FlushMeta(ctx context.Context) error

	ReadOnly() bool
	DryRun() bool
	MTimeEps() float64

	// SetPeer/Peer hold the non-owning, scoped back-reference to the
	// opposite target, set by the engine at the start of Run and cleared
	// on exit.
	SetPeer(t Target)
	Peer() Target
}

// Shutdowner is implemented by targets that run background tasks (e.g. a
// connection-pool drain timer) which must be stopped on Close.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

// ServerTimeOffsetter is implemented by remote-style targets that measure
// clock skew against the server by round-tripping the lock file on Open.
type ServerTimeOffsetter interface {
	ServerTimeOffset() float64
}

// BaseTarget implements the bookkeeping every Target shares: the metadata
// stack, read-only/dry-run flags, the mtime epsilon, and the scoped peer
// back-reference. Concrete backends embed it and implement the I/O-specific
// methods themselves.
type BaseTarget struct {
	RootDir string
	CurDir  string

	ReadOnlyFlag bool
	DryRunFlag   bool
	Eps          float64

	mu        sync.Mutex
	metaStack []*DirMetadata

	peer Target
}

// NewBaseTarget builds a BaseTarget rooted at root, with the default mtime
// epsilon (2s, per §4.3) unless eps overrides it. The metadata stack starts
// with one (unloaded) slot for the root directory itself.
func NewBaseTarget(root string, readOnly, dryRun bool, eps float64) BaseTarget {
	if eps <= 0 {
		eps = 2.0
	}
	return BaseTarget{
		RootDir:      root,
		CurDir:       root,
		ReadOnlyFlag: readOnly,
		DryRunFlag:   dryRun,
		Eps:          eps,
		metaStack:    []*DirMetadata{nil},
	}
}

func (b *BaseTarget) ReadOnly() bool     { return b.ReadOnlyFlag }
func (b *BaseTarget) DryRun() bool       { return b.DryRunFlag }
func (b *BaseTarget) MTimeEps() float64  { return b.Eps }
func (b *BaseTarget) SetPeer(t Target)   { b.peer = t }
func (b *BaseTarget) Peer() Target       { return b.peer }

// CheckEscape returns ErrPathEscape if the normalized absolute path does
// not stay within RootDir.
func (b *BaseTarget) CheckEscape(abs string) error {
	clean := path.Clean(abs)
	root := path.Clean(b.RootDir)
	if clean == root || strings.HasPrefix(clean, root+"/") {
		return nil
	}
	// Root of "/" is a prefix of everything; guard it explicitly.
	if root == "/" || root == "." {
		return nil
	}
	return ErrPathEscape
}

// PushMeta pushes m onto the metadata stack (typically the metadata just
// loaded for a directory about to be descended into).
func (b *BaseTarget) PushMeta(m *DirMetadata) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.metaStack = append(b.metaStack, m)
}

// PopMeta pops and returns the most recently pushed metadata, or nil if the
// stack is empty.
func (b *BaseTarget) PopMeta() *DirMetadata {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.metaStack)
	if n == 0 {
		return nil
	}
	m := b.metaStack[n-1]
	b.metaStack = b.metaStack[:n-1]
	return m
}

// CurrentMeta returns the top of the metadata stack without popping it, or
// nil if nothing has been pushed yet.
func (b *BaseTarget) CurrentMeta() *DirMetadata {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.metaStack)
	if n == 0 {
		return nil
	}
	return b.metaStack[n-1]
}

// SetTopMeta replaces the top of the metadata stack in place, used by a
// backend's Meta(ctx) to cache metadata it just lazily loaded for the
// current directory.
func (b *BaseTarget) SetTopMeta(m *DirMetadata) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.metaStack)
	if n == 0 {
		b.metaStack = []*DirMetadata{m}
		return
	}
	b.metaStack[n-1] = m
}

// MergeListingMeta applies §4.3's listing-merge rule to entries a backend's
// GetDir just built from the raw directory listing: a reported mtime that
// still matches a record this side itself wrote is replaced by that
// record's stored mtime, so drift the server or filesystem introduces
// between the original write and the next listing doesn't read as a
// modification. A record whose size no longer matches, or whose reported
// mtime has drifted more than eps past its recorded upload time, is
// considered stale and left alone — the file changed by some means this
// side doesn't know about. Every backend's GetDir calls this after listing
// and before returning, against its own freshly-loaded DirMetadata.
func MergeListingMeta(entries []*Entry, meta *DirMetadata, eps float64) {
	if meta == nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		rec, ok := meta.Get(e.Name)
		if !ok {
			continue
		}
		if rec.Size != e.Size || e.MTime-rec.Upload > eps {
			continue
		}
		e.MTime = rec.MTime
	}
}

// EnterChild pushes an empty placeholder for a child directory about to be
// entered; a later Meta(ctx) call lazily loads it. Backends call this from
// their Cwd implementation when descending (name != "..").
func (b *BaseTarget) EnterChild() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.metaStack = append(b.metaStack, nil)
}

// ExitChild pops and discards the current directory's cached metadata,
// called from a backend's Cwd implementation when ascending (name == "..").
// The engine always flushes metadata before descending/ascending, so the
// discarded entry is never dirty.
func (b *BaseTarget) ExitChild() {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.metaStack)
	if n <= 1 {
		return
	}
	b.metaStack = b.metaStack[:n-1]
}
