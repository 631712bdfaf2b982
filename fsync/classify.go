package fsync

import "math"

// classifyEntry derives the per-side Label for one entry given the stored
// record (if any) for that name, per §4.4.
func classifyEntry(e *Entry, rec FileRecord, hasRec bool, eps float64) Label {
	if e == nil {
		if !hasRec {
			return LabelMissing
		}
		return LabelDeleted
	}
	if !hasRec {
		return LabelNew
	}
	if e.IsDir() {
		return LabelExisting
	}
	if rec.Size == e.Size && math.Abs(rec.MTime-e.MTime) <= eps {
		return LabelUnmodified
	}
	return LabelModified
}

// opTable is the fixed mapping from (local, remote) labels to the default
// operation, per §4.4. Unmapped tuples are a programmer error: they
// describe a directory-metadata state the classifier should never produce.
var opTable = map[[2]Label]Operation{
	{LabelNew, LabelMissing}:         OpCopyLocal,
	{LabelMissing, LabelNew}:         OpCopyRemote,
	{LabelUnmodified, LabelUnmodified}: OpEqual,
	{LabelModified, LabelUnmodified}: OpCopyLocal,
	{LabelUnmodified, LabelModified}: OpCopyRemote,
	{LabelModified, LabelModified}:   OpConflict,
	{LabelUnmodified, LabelDeleted}:  OpDeleteLocal,
	{LabelDeleted, LabelUnmodified}:  OpDeleteRemote,
	{LabelModified, LabelDeleted}:    OpConflict,
	{LabelDeleted, LabelModified}:    OpConflict,
	{LabelDeleted, LabelDeleted}:     OpEqual,
	{LabelExisting, LabelExisting}:   OpNeedCompare,
	{LabelNew, LabelNew}:             OpNeedCompare,
}

// UnmappedClassificationError is panicked (not returned) by Classify when
// it is asked to classify a (local, remote) label tuple the operation table
// doesn't cover. Per the spec this indicates corrupted metadata or a bug in
// the caller that built the pair, not a recoverable runtime condition.
type UnmappedClassificationError struct {
	Local, Remote Label
}

func (e *UnmappedClassificationError) Error() string {
	return "fsync: unmapped classification tuple (" + e.Local.String() + ", " + e.Remote.String() + ")"
}

// Classify fills in pair.LocalLabel, pair.RemoteLabel and pair.Operation.
// localRec/remoteRec are the local side's own record for the name and its
// peer_sync[remoteID] record respectively (per §4.4, classification never
// reads the remote target's own metadata file directly).
func Classify(pair *Pair, eps float64, localRec FileRecord, hasLocalRec bool, remoteRec FileRecord, hasRemoteRec bool) {
	pair.LocalLabel = classifyEntry(pair.Local, localRec, hasLocalRec, eps)
	pair.RemoteLabel = classifyEntry(pair.Remote, remoteRec, hasRemoteRec, eps)

	op, ok := opTable[[2]Label{pair.LocalLabel, pair.RemoteLabel}]
	if !ok {
		panic(&UnmappedClassificationError{pair.LocalLabel, pair.RemoteLabel})
	}
	pair.Operation = op

	if pair.Operation == OpNeedCompare {
		pair.Operation = resolveNeedCompare(pair, eps)
	}
}

// resolveNeedCompare is the second-pass resolver for need_compare pairs:
// compare mtime (within eps), then size; if still indistinguishable, files
// become a conflict and directories become equal (their children are
// walked independently).
func resolveNeedCompare(pair *Pair, eps float64) Operation {
	if pair.IsDir() {
		return OpEqual
	}
	if pair.Local == nil || pair.Remote == nil {
		// existing/existing or new/new with only one side actually
		// present isn't reachable, but fall back to conflict rather
		// than panic on a theoretically-impossible state.
		return OpConflict
	}
	dmtime := pair.Local.MTime - pair.Remote.MTime
	if dmtime < -eps {
		return OpCopyRemote
	}
	if dmtime > eps {
		return OpCopyLocal
	}
	if pair.Local.Size != pair.Remote.Size {
		return OpConflict
	}
	return OpEqual
}
