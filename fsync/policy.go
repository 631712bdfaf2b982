package fsync

// Policy is a mode's strategy object: two hooks (Reclassify, side flags)
// replacing the subclass hierarchy the reference implementation uses for
// Bidirectional/Upload/Download, per Design Notes.
type Policy interface {
	// Name identifies the mode for logging.
	Name() string
	// Reclassify gives the mode a chance to override the operation a pair
	// was classified with, before dispatch. Returning the pair's existing
	// Operation unchanged is a no-op override.
	Reclassify(pair *Pair, opt *Options) Operation
	// LocalReadOnly / RemoteReadOnly report which side (if any) this mode
	// forces read-only.
	LocalReadOnly() bool
	RemoteReadOnly() bool
	// AllowDelete reports whether this mode honours --delete /
	// --delete-unmatched at all (Upload/Download gate deletion propagation
	// behind it; Bidirectional doesn't need the flag to delete things the
	// classifier already decided are deletions).
	AllowDelete(opt *Options) bool
	// ValidResolveStrategies lists the --resolve values this mode accepts;
	// an empty/nil result means "no restriction".
	ValidResolveStrategies() []Strategy
}

// BidirectionalPolicy keeps both sides writable and lets the classifier's
// decision stand, except for --force which forces agreement on need_compare
// disagreements.
type BidirectionalPolicy struct{}

func (BidirectionalPolicy) Name() string { return "bidirectional" }

func (BidirectionalPolicy) Reclassify(pair *Pair, opt *Options) Operation {
	if opt.Force && pair.LocalLabel == LabelNew && pair.RemoteLabel == LabelNew {
		return OpCopyLocal
	}
	return pair.Operation
}

func (BidirectionalPolicy) LocalReadOnly() bool  { return false }
func (BidirectionalPolicy) RemoteReadOnly() bool { return false }
func (BidirectionalPolicy) AllowDelete(opt *Options) bool {
	return opt.Delete || opt.DeleteUnmatched
}
func (BidirectionalPolicy) ValidResolveStrategies() []Strategy { return nil }

// UploadPolicy makes local read-only. (missing, *) entries on the remote
// that don't exist locally become deletions on remote, gated by --delete.
// copy_remote/delete_local are no-ops (nothing may be written locally).
type UploadPolicy struct{}

func (UploadPolicy) Name() string { return "upload" }

func (UploadPolicy) Reclassify(pair *Pair, opt *Options) Operation {
	switch pair.Operation {
	case OpCopyRemote:
		// A remote file local never recorded at all (missing, not just
		// stale) is remote-only content upload mode should remove, gated
		// by --delete; any other copy_remote (e.g. both sides new and
		// remote happens to be newer) is just skipped, never downloaded.
		if pair.LocalLabel == LabelMissing {
			if !(opt.Delete || opt.DeleteUnmatched) {
				return OpEqual
			}
			return OpDeleteRemote
		}
		return OpEqual // skipped: dispatched as equal; nothing is logged
	case OpDeleteLocal:
		return OpEqual // skipped: dispatched as equal; nothing is logged
	case OpDeleteRemote:
		if !(opt.Delete || opt.DeleteUnmatched) {
			return OpEqual
		}
		return OpDeleteRemote
	}
	if opt.Force && pair.Operation != OpCopyLocal && pair.Operation != OpEqual {
		return OpCopyLocal
	}
	return pair.Operation
}

func (UploadPolicy) LocalReadOnly() bool  { return true }
func (UploadPolicy) RemoteReadOnly() bool { return false }
func (UploadPolicy) AllowDelete(opt *Options) bool {
	return opt.Delete || opt.DeleteUnmatched
}
func (UploadPolicy) ValidResolveStrategies() []Strategy {
	return []Strategy{StrategyLocal, StrategySkip, StrategyAsk}
}

// DownloadPolicy is the mirror image of UploadPolicy with sides swapped.
type DownloadPolicy struct{}

func (DownloadPolicy) Name() string { return "download" }

func (DownloadPolicy) Reclassify(pair *Pair, opt *Options) Operation {
	switch pair.Operation {
	case OpCopyLocal:
		// A local file remote never recorded at all (missing, not just
		// stale) is local-only content download mode should remove, gated
		// by --delete; any other copy_local is just skipped, never
		// uploaded.
		if pair.RemoteLabel == LabelMissing {
			if !(opt.Delete || opt.DeleteUnmatched) {
				return OpEqual
			}
			return OpDeleteLocal
		}
		return OpEqual
	case OpDeleteRemote:
		return OpEqual
	case OpDeleteLocal:
		if !(opt.Delete || opt.DeleteUnmatched) {
			return OpEqual
		}
		return OpDeleteLocal
	}
	if opt.Force && pair.Operation != OpCopyRemote && pair.Operation != OpEqual {
		return OpCopyRemote
	}
	return pair.Operation
}

func (DownloadPolicy) LocalReadOnly() bool  { return false }
func (DownloadPolicy) RemoteReadOnly() bool { return true }
func (DownloadPolicy) AllowDelete(opt *Options) bool {
	return opt.Delete || opt.DeleteUnmatched
}
func (DownloadPolicy) ValidResolveStrategies() []Strategy {
	return []Strategy{StrategyRemote, StrategySkip, StrategyAsk}
}
