package fsync

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"
)

// Synchronizer drives one recursive, single-threaded, depth-first traversal
// of a local and a remote Target, per §4.5. There are no background tasks;
// every suspension point is a blocking call on one of the two targets.
type Synchronizer struct {
	Local   Target
	Remote  Target
	Policy  Policy
	Options *Options
	Stats   Stats

	// Now returns the current time as fractional seconds since the Unix
	// epoch; overridable so tests can control upload timestamps.
	Now func() float64
}

// NewSynchronizer wires a Synchronizer with the spec's defaults filled in.
func NewSynchronizer(local, remote Target, policy Policy, opt *Options) *Synchronizer {
	if opt == nil {
		opt = NewOptions()
	}
	if opt.Resolver == nil {
		opt.Resolver = StrategyResolver{Strategy: opt.Resolve, Eps: opt.MTimeEps}
	}
	return &Synchronizer{
		Local:   local,
		Remote:  remote,
		Policy:  policy,
		Options: opt,
		Now:     func() float64 { return float64(time.Now().UnixNano()) / 1e9 },
	}
}

// Run opens both targets, acquires the remote lock (inside Remote.Open),
// recurses over the whole tree, and guarantees both targets are closed on
// every exit path.
func (s *Synchronizer) Run(ctx context.Context) (err error) {
	if err := s.Options.compileGlobs(); err != nil {
		return err
	}

	// Cyclic back-references, set at the start of run and cleared in this
	// guaranteed-cleanup region (Design Notes).
	s.Local.SetPeer(s.Remote)
	s.Remote.SetPeer(s.Local)
	defer func() {
		s.Local.SetPeer(nil)
		s.Remote.SetPeer(nil)
	}()

	if err := s.Local.Open(ctx); err != nil {
		_ = s.Local.Close(ctx)
		return fmt.Errorf("opening local target: %w", err)
	}
	defer func() {
		if cerr := s.Local.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if err := s.Remote.Open(ctx); err != nil {
		_ = s.Remote.Close(ctx)
		return fmt.Errorf("opening remote target: %w", err)
	}
	defer func() {
		if cerr := s.Remote.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrInterrupted, err)
	}

	return s.syncDir(ctx)
}

// syncDir processes one directory: list both sides, pair, filter, classify,
// let the mode policy override, dispatch, flush metadata, and descend.
func (s *Synchronizer) syncDir(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrInterrupted, err)
	}

	localEntries, err := s.Local.GetDir(ctx)
	if err != nil {
		return fmt.Errorf("listing local: %w", err)
	}
	remoteEntries, err := s.Remote.GetDir(ctx)
	if err != nil {
		return fmt.Errorf("listing remote: %w", err)
	}

	localMeta, err := s.Local.Meta(ctx)
	if err != nil {
		return err
	}
	remoteMeta, err := s.Remote.Meta(ctx)
	if err != nil {
		return err
	}

	localID := s.Local.ID()
	remoteID := s.Remote.ID()

	pairs, err := buildPairs(localEntries, remoteEntries, s.Options.Case)
	if err != nil {
		return err
	}

	filtered := pairs[:0:0]
	for _, p := range pairs {
		if !s.Options.included(p.Name, p.IsDir()) {
			continue
		}
		if (p.Local != nil && p.Local.EncodingFallback) || (p.Remote != nil && p.Remote.EncodingFallback) {
			s.Options.Reporter.Verbosef(1, p.Name, "name decoded via legacy single-byte fallback, not UTF-8")
		}
		rec, hasRec := localMeta.Get(p.Name)
		peerRec, hasPeerRec := localMeta.PeerRecord(remoteID, p.Name)
		Classify(p, s.Options.MTimeEps, rec, hasRec, peerRec, hasPeerRec)
		p.Operation = s.Policy.Reclassify(p, s.Options)
		filtered = append(filtered, p)
	}

	for _, p := range filtered {
		s.Stats.EntriesTouched++
		if err := s.dispatch(ctx, p, localMeta, remoteMeta, localID, remoteID); err != nil {
			var ce *CopyError
			if asCopyError(err, &ce) {
				s.Stats.CopyErrors++
				if !s.Options.IgnoreCopyErrors {
					return ce
				}
				s.Options.Reporter.Errorf(p.Name, "copy error: %v", ce.Err)
				continue
			}
			return err
		}
	}

	if err := s.Local.FlushMeta(ctx); err != nil {
		return fmt.Errorf("flushing local metadata: %w", err)
	}
	if err := s.Remote.FlushMeta(ctx); err != nil {
		return fmt.Errorf("flushing remote metadata: %w", err)
	}

	for _, p := range filtered {
		if !p.IsDir() {
			continue
		}
		switch p.Operation {
		case OpDeleteLocal, OpDeleteRemote:
			continue
		}
		if p.Local == nil || p.Remote == nil {
			continue
		}
		if err := s.descend(ctx, p.Name); err != nil {
			return err
		}
	}

	return nil
}

func asCopyError(err error, target **CopyError) bool {
	for err != nil {
		if ce, ok := err.(*CopyError); ok {
			*target = ce
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// descend pushes fresh metadata and navigates both targets into child name,
// recurses, then pops back out. §4.5 step 8 / Design Notes "Scoped metadata
// stack".
func (s *Synchronizer) descend(ctx context.Context, name string) error {
	if err := s.Local.Cwd(ctx, name); err != nil {
		return fmt.Errorf("descending local into %q: %w", name, err)
	}
	defer func() { _ = s.Local.Cwd(ctx, "..") }()

	if err := s.Remote.Cwd(ctx, name); err != nil {
		return fmt.Errorf("descending remote into %q: %w", name, err)
	}
	defer func() { _ = s.Remote.Cwd(ctx, "..") }()

	return s.syncDir(ctx)
}

// buildPairs joins local and remote entries into Pairs per §4.5 steps 1-2,
// applying the case policy.
func buildPairs(localEntries, remoteEntries []*Entry, casePolicy CasePolicy) ([]*Pair, error) {
	if casePolicy == "" {
		casePolicy = CaseStrict
	}
	if casePolicy == CaseStrict {
		remoteByName := make(map[string]*Entry, len(remoteEntries))
		for _, e := range remoteEntries {
			remoteByName[e.Name] = e
		}
		seen := make(map[string]bool, len(localEntries))
		pairs := make([]*Pair, 0, len(localEntries)+len(remoteEntries))
		for _, le := range localEntries {
			pairs = append(pairs, NewPair(le, remoteByName[le.Name]))
			seen[le.Name] = true
		}
		for _, re := range remoteEntries {
			if seen[re.Name] {
				continue
			}
			pairs = append(pairs, NewPair(nil, re))
		}
		return pairs, nil
	}

	localFold := make(map[string]*Entry, len(localEntries))
	for _, e := range localEntries {
		key := strings.ToLower(e.Name)
		if _, exists := localFold[key]; exists {
			return nil, fmt.Errorf("%w: %q", ErrAmbiguousCase, e.Name)
		}
		localFold[key] = e
	}
	remoteFold := make(map[string]*Entry, len(remoteEntries))
	for _, e := range remoteEntries {
		key := strings.ToLower(e.Name)
		if _, exists := remoteFold[key]; exists {
			return nil, fmt.Errorf("%w: %q", ErrAmbiguousCase, e.Name)
		}
		remoteFold[key] = e
	}

	switch casePolicy {
	case CaseLocal:
		for key, re := range remoteFold {
			if le, ok := localFold[key]; ok {
				re.Name = le.Name
			}
		}
	case CaseRemote:
		for key, le := range localFold {
			if re, ok := remoteFold[key]; ok {
				le.Name = re.Name
			}
		}
	}

	pairs := make([]*Pair, 0, len(localFold)+len(remoteFold))
	seen := make(map[string]bool, len(localFold))
	for key, le := range localFold {
		pairs = append(pairs, NewPair(le, remoteFold[key]))
		seen[key] = true
	}
	for key, re := range remoteFold {
		if seen[key] {
			continue
		}
		pairs = append(pairs, NewPair(nil, re))
	}
	return pairs, nil
}

// dispatch invokes the handler named by the pair's final operation.
func (s *Synchronizer) dispatch(ctx context.Context, pair *Pair, localMeta, remoteMeta *DirMetadata, localID, remoteID string) error {
	switch pair.Operation {
	case OpEqual:
		return s.onEqual(pair, localMeta, remoteMeta, localID, remoteID)
	case OpCopyLocal:
		return s.onCopyLocal(ctx, pair, localMeta, remoteMeta, localID, remoteID)
	case OpCopyRemote:
		return s.onCopyRemote(ctx, pair, localMeta, remoteMeta, localID, remoteID)
	case OpDeleteLocal:
		return s.onDeleteLocal(ctx, pair, localMeta, remoteMeta, localID, remoteID)
	case OpDeleteRemote:
		return s.onDeleteRemote(ctx, pair, localMeta, remoteMeta, localID, remoteID)
	case OpConflict:
		return s.onConflict(ctx, pair, localMeta, remoteMeta, localID, remoteID)
	default:
		return fmt.Errorf("fsync: unhandled operation %v for %q", pair.Operation, pair.Name)
	}
}

func (s *Synchronizer) onEqual(pair *Pair, localMeta, remoteMeta *DirMetadata, localID, remoteID string) error {
	if pair.IsDir() || pair.Local == nil || pair.Remote == nil || s.Options.DryRun {
		return nil
	}
	// (new, new) resolved to equal: neither side had a record yet. Record
	// the agreement so the next run sees unmodified/unmodified directly.
	if _, ok := localMeta.Get(pair.Name); !ok {
		s.recordAgreement(pair.Name, pair.Local.MTime, pair.Local.Size, localMeta, remoteMeta, localID, remoteID)
	}
	return nil
}

func (s *Synchronizer) onCopyLocal(ctx context.Context, pair *Pair, localMeta, remoteMeta *DirMetadata, localID, remoteID string) error {
	if s.Remote.ReadOnly() {
		return fmt.Errorf("copy_local %q: %w", pair.Name, ErrWriteDenied)
	}
	if s.Options.DryRun {
		if pair.IsDir() {
			s.Stats.DirsCreated++
		} else {
			s.Stats.FilesWritten++
		}
		return nil
	}
	if pair.IsDir() {
		if err := s.Remote.Mkdir(ctx, pair.Name); err != nil {
			return fmt.Errorf("mkdir %q on remote: %w", pair.Name, err)
		}
		s.Stats.DirsCreated++
		pair.Remote = &Entry{Name: pair.Name, Kind: KindDir, MTime: pair.Local.MTime}
		return nil
	}

	written, err := s.copyFile(ctx, s.Local, s.Remote, pair.Name, pair.Local.MTime)
	if err != nil {
		return &CopyError{Name: pair.Name, Err: err}
	}
	s.Stats.FilesWritten++
	s.Stats.UploadBytesWritten += written
	s.recordAgreement(pair.Name, pair.Local.MTime, pair.Local.Size, localMeta, remoteMeta, localID, remoteID)
	pair.Remote = &Entry{Name: pair.Name, Kind: KindFile, Size: pair.Local.Size, MTime: pair.Local.MTime}
	return nil
}

func (s *Synchronizer) onCopyRemote(ctx context.Context, pair *Pair, localMeta, remoteMeta *DirMetadata, localID, remoteID string) error {
	if s.Local.ReadOnly() {
		return fmt.Errorf("copy_remote %q: %w", pair.Name, ErrWriteDenied)
	}
	if s.Options.DryRun {
		if pair.IsDir() {
			s.Stats.DirsCreated++
		} else {
			s.Stats.FilesWritten++
		}
		return nil
	}
	if pair.IsDir() {
		if err := s.Local.Mkdir(ctx, pair.Name); err != nil {
			return fmt.Errorf("mkdir %q on local: %w", pair.Name, err)
		}
		s.Stats.DirsCreated++
		pair.Local = &Entry{Name: pair.Name, Kind: KindDir, MTime: pair.Remote.MTime}
		return nil
	}

	written, err := s.copyFile(ctx, s.Remote, s.Local, pair.Name, pair.Remote.MTime)
	if err != nil {
		return &CopyError{Name: pair.Name, Err: err}
	}
	s.Stats.FilesWritten++
	s.Stats.DownloadBytesWritten += written
	s.recordAgreement(pair.Name, pair.Remote.MTime, pair.Remote.Size, localMeta, remoteMeta, localID, remoteID)
	pair.Local = &Entry{Name: pair.Name, Kind: KindFile, Size: pair.Remote.Size, MTime: pair.Remote.MTime}
	return nil
}

func (s *Synchronizer) onDeleteLocal(ctx context.Context, pair *Pair, localMeta, remoteMeta *DirMetadata, localID, remoteID string) error {
	if s.Local.ReadOnly() {
		return fmt.Errorf("delete_local %q: %w", pair.Name, ErrWriteDenied)
	}
	if s.Options.DryRun {
		if pair.IsDir() {
			s.Stats.DirsDeleted++
		} else {
			s.Stats.FilesDeleted++
		}
		return nil
	}
	if pair.IsDir() {
		if err := s.Local.Rmdir(ctx, pair.Name); err != nil {
			return &CopyError{Name: pair.Name, Err: err}
		}
		s.Stats.DirsDeleted++
	} else {
		if err := s.Local.RemoveFile(ctx, pair.Name); err != nil {
			return &CopyError{Name: pair.Name, Err: err}
		}
		s.Stats.FilesDeleted++
	}
	s.recordDeletion(pair.Name, localMeta, remoteMeta, localID, remoteID)
	return nil
}

func (s *Synchronizer) onDeleteRemote(ctx context.Context, pair *Pair, localMeta, remoteMeta *DirMetadata, localID, remoteID string) error {
	if s.Remote.ReadOnly() {
		return fmt.Errorf("delete_remote %q: %w", pair.Name, ErrWriteDenied)
	}
	if s.Options.DryRun {
		if pair.IsDir() {
			s.Stats.DirsDeleted++
		} else {
			s.Stats.FilesDeleted++
		}
		return nil
	}
	if pair.IsDir() {
		if err := s.Remote.Rmdir(ctx, pair.Name); err != nil {
			return &CopyError{Name: pair.Name, Err: err}
		}
		s.Stats.DirsDeleted++
	} else {
		if err := s.Remote.RemoveFile(ctx, pair.Name); err != nil {
			return &CopyError{Name: pair.Name, Err: err}
		}
		s.Stats.FilesDeleted++
	}
	s.recordDeletion(pair.Name, localMeta, remoteMeta, localID, remoteID)
	return nil
}

func (s *Synchronizer) onConflict(ctx context.Context, pair *Pair, localMeta, remoteMeta *DirMetadata, localID, remoteID string) error {
	s.Stats.Conflicts++
	outcome, err := s.Options.Resolver.Resolve(ctx, pair)
	if err != nil {
		return fmt.Errorf("resolving conflict for %q: %w", pair.Name, err)
	}
	switch outcome {
	case OutcomeSkip:
		s.Stats.ConflictsSkipped++
		return nil
	case OutcomeLocal:
		if pair.Local == nil {
			return s.onDeleteRemote(ctx, pair, localMeta, remoteMeta, localID, remoteID)
		}
		return s.onCopyLocal(ctx, pair, localMeta, remoteMeta, localID, remoteID)
	case OutcomeRemote:
		if pair.Remote == nil {
			return s.onDeleteLocal(ctx, pair, localMeta, remoteMeta, localID, remoteID)
		}
		return s.onCopyRemote(ctx, pair, localMeta, remoteMeta, localID, remoteID)
	default:
		s.Stats.ConflictsSkipped++
		return nil
	}
}

// recordAgreement updates both sides' own record for name and each side's
// mirror of the other, per §4.2.
func (s *Synchronizer) recordAgreement(name string, mtime float64, size int64, localMeta, remoteMeta *DirMetadata, localID, remoteID string) {
	now := s.Now()
	localMeta.SetSyncInfo(name, mtime, size, now)
	remoteMeta.SetSyncInfo(name, mtime, size, now)
	rec := FileRecord{Size: size, MTime: mtime, Upload: now}
	localMeta.SetPeerRecord(remoteID, name, rec)
	remoteMeta.SetPeerRecord(localID, name, rec)
}

func (s *Synchronizer) recordDeletion(name string, localMeta, remoteMeta *DirMetadata, localID, remoteID string) {
	localMeta.Remove(name)
	localMeta.RemovePeerRecord(remoteID, name)
	remoteMeta.Remove(name)
	remoteMeta.RemovePeerRecord(localID, name)
}

// copyFile streams name from src to dst, choosing the strategy described in
// §4.5: if src supports efficient random-access reads it is opened and fed
// straight to dst.WriteFile; otherwise src streams directly into dst's
// writer through a pipe, avoiding a client-side buffering pass.
func (s *Synchronizer) copyFile(ctx context.Context, src, dst Target, name string, mtime float64) (int64, error) {
	var written int64
	cb := func(n int64) { written = n }

	if src.RandomAccess() {
		rc, err := src.OpenReadable(ctx, name)
		if err != nil {
			return 0, fmt.Errorf("opening %q for read: %w", name, err)
		}
		defer rc.Close()
		if err := dst.WriteFile(ctx, name, rc, mtime, cb); err != nil {
			return written, fmt.Errorf("writing %q: %w", name, err)
		}
		return written, nil
	}

	pr, pw := io.Pipe()
	errCh := make(chan error, 1)
	go func() {
		err := src.CopyToFile(ctx, name, pw, nil)
		// Closing the writer here gives dst its EOF (or the copy error).
		_ = pw.CloseWithError(err)
		errCh <- err
	}()
	writeErr := dst.WriteFile(ctx, name, pr, mtime, cb)
	// Unblocks the copier if dst stopped reading early.
	_ = pr.Close()
	copyErr := <-errCh
	if writeErr != nil {
		return written, fmt.Errorf("writing %q: %w", name, writeErr)
	}
	if copyErr != nil {
		return written, fmt.Errorf("reading %q from source: %w", name, copyErr)
	}
	return written, nil
}
