package fsync

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirMetadataRoundTrip(t *testing.T) {
	d := NewDirMetadata()
	d.SetSyncInfo("a.txt", 100.5, 10, 200.0)
	d.SetPeerRecord("remote:1", "a.txt", FileRecord{Size: 10, MTime: 100.5})

	var buf bytes.Buffer
	require.NoError(t, d.WriteTo(&buf))

	loaded, err := ReadDirMetadata(&buf, false)
	require.NoError(t, err)

	rec, ok := loaded.Get("a.txt")
	require.True(t, ok)
	assert.Equal(t, int64(10), rec.Size)
	assert.Equal(t, 100.5, rec.MTime)

	peerRec, ok := loaded.PeerRecord("remote:1", "a.txt")
	require.True(t, ok)
	assert.Equal(t, int64(10), peerRec.Size)
}

func TestDirMetadataEmptyReaderYieldsEmptyDocument(t *testing.T) {
	d, err := ReadDirMetadata(strings.NewReader(""), false)
	require.NoError(t, err)
	assert.Empty(t, d.Names())
}

func TestDirMetadataPreservesUnknownFields(t *testing.T) {
	input := `{"version": 2, "files": {}, "peer_sync": {}, "future_field": "kept"}`
	d, err := ReadDirMetadata(strings.NewReader(input), false)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, d.WriteTo(&buf))
	assert.Contains(t, buf.String(), `"future_field"`)
	assert.Contains(t, buf.String(), `"kept"`)
}

func TestDirMetadataIncompatibleVersionIsFatalUnlessMigration(t *testing.T) {
	input := `{"version": 99, "files": {}, "peer_sync": {}}`

	_, err := ReadDirMetadata(strings.NewReader(input), false)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIncompatibleMetadataVersion)

	d, err := ReadDirMetadata(strings.NewReader(input), true)
	require.NoError(t, err)
	assert.Equal(t, 99, d.Version)
}

func TestDirMetadataDirtyTracking(t *testing.T) {
	d := NewDirMetadata()
	assert.False(t, d.Dirty())

	d.SetSyncInfo("a.txt", 1, 1, 1)
	assert.True(t, d.Dirty())

	d.ClearDirty()
	assert.False(t, d.Dirty())

	// Setting the same value again must not re-dirty the snapshot.
	d.SetSyncInfo("a.txt", 1, 1, 1)
	assert.False(t, d.Dirty())

	d.Remove("a.txt")
	assert.True(t, d.Dirty())
}

func TestDirMetadataRemovePeerRecord(t *testing.T) {
	d := NewDirMetadata()
	d.SetPeerRecord("peer", "a.txt", FileRecord{Size: 1, MTime: 1})
	d.ClearDirty()

	d.RemovePeerRecord("peer", "a.txt")
	assert.True(t, d.Dirty())
	_, ok := d.PeerRecord("peer", "a.txt")
	assert.False(t, ok)
}
