package fsync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sideState is one side's (entry, record) state fed into classifyEntry;
// together the four values cover every combination Classify can actually
// be called with in the engine.
type sideState struct {
	name   string
	entry  *Entry
	rec    FileRecord
	hasRec bool
}

func sideStates(kind Kind) []sideState {
	return []sideState{
		{"missing", nil, FileRecord{}, false},
		{"deleted", nil, FileRecord{Size: 1, MTime: 1}, true},
		{"new", &Entry{Name: "x", Kind: kind, Size: 1, MTime: 1}, FileRecord{}, false},
		{"tracked", &Entry{Name: "x", Kind: kind, Size: 1, MTime: 1}, FileRecord{Size: 1, MTime: 1}, true},
	}
}

// TestClassifyTotality asserts Classify never panics for any (local, remote)
// combination the engine can actually construct, across files and
// directories, i.e. opTable covers every reachable label tuple.
func TestClassifyTotality(t *testing.T) {
	for _, kind := range []Kind{KindFile, KindDir} {
		for _, local := range sideStates(kind) {
			for _, remote := range sideStates(kind) {
				if local.entry == nil && remote.entry == nil {
					continue // no pair would be constructed with both sides absent
				}
				pair := NewPair(local.entry, remote.entry)
				assert.NotPanicsf(t, func() {
					Classify(pair, 2.0, local.rec, local.hasRec, remote.rec, remote.hasRec)
				}, "kind=%s local=%s remote=%s", kind, local.name, remote.name)
			}
		}
	}
}

func TestClassifyNewMissingCopiesLocal(t *testing.T) {
	pair := NewPair(&Entry{Name: "a", Kind: KindFile, Size: 3, MTime: 100}, nil)
	Classify(pair, 2.0, FileRecord{}, false, FileRecord{}, false)
	assert.Equal(t, LabelNew, pair.LocalLabel)
	assert.Equal(t, LabelMissing, pair.RemoteLabel)
	assert.Equal(t, OpCopyLocal, pair.Operation)
}

func TestClassifyUnmodifiedBothSidesIsEqual(t *testing.T) {
	e := &Entry{Name: "a", Kind: KindFile, Size: 3, MTime: 100}
	pair := NewPair(e, &Entry{Name: "a", Kind: KindFile, Size: 3, MTime: 100})
	rec := FileRecord{Size: 3, MTime: 100}
	Classify(pair, 2.0, rec, true, rec, true)
	assert.Equal(t, OpEqual, pair.Operation)
}

func TestClassifyModifiedBothSidesIsConflict(t *testing.T) {
	local := &Entry{Name: "a", Kind: KindFile, Size: 5, MTime: 200}
	remote := &Entry{Name: "a", Kind: KindFile, Size: 9, MTime: 300}
	pair := NewPair(local, remote)
	rec := FileRecord{Size: 3, MTime: 100}
	Classify(pair, 2.0, rec, true, rec, true)
	assert.Equal(t, OpConflict, pair.Operation)
}

func TestClassifyDeletedBothSidesIsEqual(t *testing.T) {
	pair := NewPair(nil, nil)
	rec := FileRecord{Size: 3, MTime: 100}
	Classify(pair, 2.0, rec, true, rec, true)
	assert.Equal(t, LabelDeleted, pair.LocalLabel)
	assert.Equal(t, LabelDeleted, pair.RemoteLabel)
	assert.Equal(t, OpEqual, pair.Operation)
}

// TestClassifyNewNewByMTimePicksNewerSide covers the need_compare
// second pass for two brand-new files with no prior record on either side.
func TestClassifyNewNewByMTimePicksNewerSide(t *testing.T) {
	local := &Entry{Name: "a", Kind: KindFile, Size: 5, MTime: 500}
	remote := &Entry{Name: "a", Kind: KindFile, Size: 5, MTime: 100}
	pair := NewPair(local, remote)
	Classify(pair, 2.0, FileRecord{}, false, FileRecord{}, false)
	require.Equal(t, LabelNew, pair.LocalLabel)
	require.Equal(t, LabelNew, pair.RemoteLabel)
	assert.Equal(t, OpCopyLocal, pair.Operation)
}

func TestClassifyNewNewSameMTimeDifferentSizeIsConflict(t *testing.T) {
	local := &Entry{Name: "a", Kind: KindFile, Size: 5, MTime: 100}
	remote := &Entry{Name: "a", Kind: KindFile, Size: 9, MTime: 100}
	pair := NewPair(local, remote)
	Classify(pair, 2.0, FileRecord{}, false, FileRecord{}, false)
	assert.Equal(t, OpConflict, pair.Operation)
}

func TestClassifyExistingExistingDirsAreEqual(t *testing.T) {
	local := &Entry{Name: "d", Kind: KindDir}
	remote := &Entry{Name: "d", Kind: KindDir}
	pair := NewPair(local, remote)
	rec := FileRecord{}
	Classify(pair, 2.0, rec, true, rec, true)
	assert.Equal(t, LabelExisting, pair.LocalLabel)
	assert.Equal(t, LabelExisting, pair.RemoteLabel)
	assert.Equal(t, OpEqual, pair.Operation)
}

func TestClassifyUnmappedTuplePanics(t *testing.T) {
	// Both sides absent with no record classifies as (missing, missing),
	// which opTable does not map.
	pair := NewPair(nil, nil)
	assert.Panics(t, func() {
		Classify(pair, 2.0, FileRecord{}, false, FileRecord{}, false)
	})
}

func TestClassifyWithinEpsIsUnmodified(t *testing.T) {
	e := &Entry{Name: "a", Kind: KindFile, Size: 3, MTime: 101.5}
	pair := NewPair(e, e)
	rec := FileRecord{Size: 3, MTime: 100}
	Classify(pair, 2.0, rec, true, rec, true)
	assert.Equal(t, LabelUnmodified, pair.LocalLabel)
}
