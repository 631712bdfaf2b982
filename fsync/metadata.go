package fsync

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// MetaVersion is the schema version this implementation writes and the
// highest version it can read without the migrate flag.
const MetaVersion = 2

// MetaFileName and LockFileName are always excluded from listings and from
// sync, on every backend. ConfigFileName joins them for the same reason:
// a reserved, per-directory filename that --match/--exclude can never
// resurrect, mirrored from the original implementation's own ALWAYS_OMIT
// triple (CONFIG_FILE_NAME, META_FILE_NAME, LOCK_FILE_NAME).
const (
	MetaFileName   = ".ftpsync-meta.json"
	LockFileName   = ".ftpsync-lock.json"
	ConfigFileName = ".ftpsync-config.yaml"
)

// FileRecord is the per-file record kept in DirMetadata.Files and, mirrored,
// in DirMetadata.PeerSync.
type FileRecord struct {
	Size   int64   `json:"s"`
	MTime  float64 `json:"m"`
	Upload float64 `json:"u"`
}

// Equal reports whether two records describe the same size/mtime pair
// (upload time is bookkeeping, not part of the file's identity).
func (r FileRecord) Equal(o FileRecord) bool {
	return r.Size == o.Size && r.MTime == o.MTime
}

// DirMetadata is the persisted snapshot of one directory on one side: the
// ground truth the classifier uses as its third observation. It is
// exclusively owned by the Target that loaded it.
type DirMetadata struct {
	mu sync.Mutex

	Version  int                              `json:"-"`
	Files    map[string]FileRecord            `json:"-"`
	PeerSync map[string]map[string]FileRecord `json:"-"`

	// extra preserves unmarshalled fields this version of the schema
	// doesn't know about, so a rewrite doesn't drop forward-compatible
	// data.
	extra map[string]json.RawMessage

	dirty bool
}

// NewDirMetadata returns an empty, version-current metadata snapshot, as
// used for a directory that has never been synced before.
func NewDirMetadata() *DirMetadata {
	return &DirMetadata{
		Version:  MetaVersion,
		Files:    map[string]FileRecord{},
		PeerSync: map[string]map[string]FileRecord{},
	}
}

// wireMetadata is the JSON-shaped view of DirMetadata used for marshalling.
type wireMetadata struct {
	Version  int                              `json:"version"`
	Files    map[string]FileRecord            `json:"files"`
	PeerSync map[string]map[string]FileRecord `json:"peer_sync"`
}

// ReadDirMetadata parses the metadata document read from r. If the stored
// version is newer than MetaVersion, it fails with
// ErrIncompatibleMetadataVersion unless allowMigration is set, in which case
// the document is accepted as-is (downgrading is the caller's problem).
func ReadDirMetadata(r io.Reader, allowMigration bool) (*DirMetadata, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("fsync: reading metadata: %w", err)
	}
	if len(data) == 0 {
		return NewDirMetadata(), nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("fsync: parsing metadata: %w", err)
	}

	d := &DirMetadata{
		Files:    map[string]FileRecord{},
		PeerSync: map[string]map[string]FileRecord{},
		extra:    raw,
	}
	if v, ok := raw["version"]; ok {
		if err := json.Unmarshal(v, &d.Version); err != nil {
			return nil, fmt.Errorf("fsync: parsing metadata version: %w", err)
		}
		delete(d.extra, "version")
	} else {
		d.Version = MetaVersion
	}
	if v, ok := raw["files"]; ok {
		if err := json.Unmarshal(v, &d.Files); err != nil {
			return nil, fmt.Errorf("fsync: parsing metadata files: %w", err)
		}
		delete(d.extra, "files")
	}
	if v, ok := raw["peer_sync"]; ok {
		if err := json.Unmarshal(v, &d.PeerSync); err != nil {
			return nil, fmt.Errorf("fsync: parsing metadata peer_sync: %w", err)
		}
		delete(d.extra, "peer_sync")
	}

	if d.Version > MetaVersion && !allowMigration {
		return nil, fmt.Errorf("%w: stored version %d, supported %d", ErrIncompatibleMetadataVersion, d.Version, MetaVersion)
	}
	return d, nil
}

// WriteTo serializes the metadata document, preserving any unknown fields
// that were present when it was read.
func (d *DirMetadata) WriteTo(w io.Writer) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := map[string]json.RawMessage{}
	for k, v := range d.extra {
		out[k] = v
	}
	version := d.Version
	if version == 0 {
		version = MetaVersion
	}
	versionJSON, err := json.Marshal(version)
	if err != nil {
		return err
	}
	filesJSON, err := json.Marshal(d.Files)
	if err != nil {
		return err
	}
	peerJSON, err := json.Marshal(d.PeerSync)
	if err != nil {
		return err
	}
	out["version"] = versionJSON
	out["files"] = filesJSON
	out["peer_sync"] = peerJSON

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// Dirty reports whether the metadata has unflushed changes.
func (d *DirMetadata) Dirty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dirty
}

// ClearDirty marks the metadata as flushed.
func (d *DirMetadata) ClearDirty() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dirty = false
}

// Get returns the stored record for name, if any.
func (d *DirMetadata) Get(name string) (FileRecord, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.Files[name]
	return rec, ok
}

// PeerRecord returns this side's last-known view of what the named peer had
// for name.
func (d *DirMetadata) PeerRecord(peerID, name string) (FileRecord, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	peer, ok := d.PeerSync[peerID]
	if !ok {
		return FileRecord{}, false
	}
	rec, ok := peer[name]
	return rec, ok
}

// SetSyncInfo records the observed size/mtime for name and stamps the
// upload time as now, per §4.2 set_mtime.
func (d *DirMetadata) SetSyncInfo(name string, mtime float64, size int64, now float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	next := FileRecord{Size: size, MTime: mtime, Upload: now}
	if existing, ok := d.Files[name]; !ok || existing != next {
		d.Files[name] = next
		d.dirty = true
	}
}

// Remove deletes the record for name, if present.
func (d *DirMetadata) Remove(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.Files[name]; ok {
		delete(d.Files, name)
		d.dirty = true
	}
}

// SetPeerRecord mirrors what the named peer is now known to have for name.
func (d *DirMetadata) SetPeerRecord(peerID, name string, rec FileRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()
	peer, ok := d.PeerSync[peerID]
	if !ok {
		peer = map[string]FileRecord{}
		d.PeerSync[peerID] = peer
	}
	if existing, ok := peer[name]; !ok || existing != rec {
		peer[name] = rec
		d.dirty = true
	}
}

// RemovePeerRecord forgets what the named peer was known to have for name.
func (d *DirMetadata) RemovePeerRecord(peerID, name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	peer, ok := d.PeerSync[peerID]
	if !ok {
		return
	}
	if _, ok := peer[name]; ok {
		delete(peer, name)
		d.dirty = true
	}
}

// Names returns every filename this snapshot has a record for, for tests
// and diagnostics.
func (d *DirMetadata) Names() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.Files))
	for n := range d.Files {
		names = append(names, n)
	}
	return names
}
