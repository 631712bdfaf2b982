package fsync

import (
	"time"

	"github.com/go-ftpsync/ftpsync/internal/globset"
	"github.com/go-ftpsync/ftpsync/internal/report"
)

// CasePolicy governs how the engine pairs entries that differ only in
// case.
type CasePolicy string

const (
	// CaseStrict treats differently-cased names as distinct entries; no
	// case folding is done, so it never reports ErrAmbiguousCase.
	CaseStrict CasePolicy = "strict"
	// CaseLocal renames the opposite side's in-memory entry to match
	// local's casing before pairing.
	CaseLocal CasePolicy = "local"
	// CaseRemote is the mirror image of CaseLocal.
	CaseRemote CasePolicy = "remote"
)

// Options is the options bag threaded through the engine; it is the narrow
// surface the CLI (an external collaborator) populates.
type Options struct {
	DryRun  bool
	Verbose int // 0-5

	Match   []string // comma-separated globs in the CLI; files only
	Exclude []string // comma-separated globs in the CLI

	Case CasePolicy

	Resolve  Strategy
	Force    bool
	Delete   bool
	DeleteUnmatched bool
	CreateFolder    bool
	NoPrompt        bool

	IgnoreCopyErrors bool

	// MTimeEps is the tolerance used when comparing timestamps. cmd/ftpsync
	// widens it to at least 61s for an FTP remote, whose listings may only
	// resolve minutes (§4.3).
	MTimeEps float64

	Reporter report.Interface
	Resolver Resolver

	// BreakExistingLock allows a stale lock on the remote root to be
	// broken instead of failing the run.
	BreakExistingLock bool
	LockStaleAfter    time.Duration

	matchGlob   *globset.Set
	excludeGlob *globset.Set
}

// DefaultMTimeEps is the tolerance used when nothing widens it.
const DefaultMTimeEps = 2.0

// DefaultLockStaleAfter is how old an existing lock must be before
// --break-existing-lock is willing to remove it.
const DefaultLockStaleAfter = 30 * time.Minute

// NewOptions returns Options with the spec's defaults.
func NewOptions() *Options {
	return &Options{
		Case:           CaseStrict,
		Resolve:        StrategySkip,
		MTimeEps:       DefaultMTimeEps,
		LockStaleAfter: DefaultLockStaleAfter,
		Reporter:       report.Nop{},
	}
}

// compileGlobs lazily compiles Match/Exclude into matchers; it is called
// once by the engine before a run starts.
func (o *Options) compileGlobs() error {
	m, err := globset.Compile(o.Match)
	if err != nil {
		return err
	}
	x, err := globset.Compile(o.Exclude)
	if err != nil {
		return err
	}
	o.matchGlob, o.excludeGlob = m, x
	return nil
}

// included applies §4.5 step 3: ALWAYS_OMIT names are never included;
// match applies only to files; exclude applies to both.
func (o *Options) included(name string, isDir bool) bool {
	if name == MetaFileName || name == LockFileName || name == ConfigFileName {
		return false
	}
	if o.excludeGlob != nil && o.excludeGlob.Match(name) {
		return false
	}
	if !isDir && o.matchGlob != nil && !o.matchGlob.Empty() && !o.matchGlob.Match(name) {
		return false
	}
	return true
}
