package fsync

import (
	"context"
	"fmt"
	"io"
	"sort"
)

// fakeFile is one in-memory file's content and mtime.
type fakeFile struct {
	data  []byte
	mtime float64
}

// fakeDir is one in-memory directory: its files, its subdirectories, and
// its own metadata snapshot (lazily created, like a real backend's).
type fakeDir struct {
	files map[string]*fakeFile
	dirs  map[string]*fakeDir
	meta  *DirMetadata
}

func newFakeDir() *fakeDir {
	return &fakeDir{files: map[string]*fakeFile{}, dirs: map[string]*fakeDir{}}
}

// fakeTarget is an in-memory Target used by engine tests so they don't need
// a live FTP/SFTP server, grounded on SPEC_FULL.md §8's call for exactly
// this kind of fake.
type fakeTarget struct {
	BaseTarget
	id       string
	root     *fakeDir
	dirStack []*fakeDir
}

var _ Target = (*fakeTarget)(nil)

func newFakeTarget(id string, readOnly, dryRun bool, eps float64) *fakeTarget {
	root := newFakeDir()
	return &fakeTarget{
		BaseTarget: NewBaseTarget("/", readOnly, dryRun, eps),
		id:         id,
		root:       root,
		dirStack:   []*fakeDir{root},
	}
}

func (t *fakeTarget) cur() *fakeDir { return t.dirStack[len(t.dirStack)-1] }

func (t *fakeTarget) Open(context.Context) error  { return nil }
func (t *fakeTarget) Close(context.Context) error { return nil }
func (t *fakeTarget) ID() string                  { return t.id }
func (t *fakeTarget) Pwd() string                 { return t.CurDir }

func (t *fakeTarget) Cwd(ctx context.Context, name string) error {
	if name == ".." {
		if len(t.dirStack) <= 1 {
			return ErrPathEscape
		}
		t.dirStack = t.dirStack[:len(t.dirStack)-1]
		idx := lastSlash(t.CurDir)
		t.CurDir = t.CurDir[:idx]
		if t.CurDir == "" {
			t.CurDir = "/"
		}
		t.ExitChild()
		return nil
	}
	d, ok := t.cur().dirs[name]
	if !ok {
		return fmt.Errorf("fake: cwd %q: no such directory", name)
	}
	t.dirStack = append(t.dirStack, d)
	if t.CurDir == "/" {
		t.CurDir = "/" + name
	} else {
		t.CurDir = t.CurDir + "/" + name
	}
	t.EnterChild()
	return nil
}

func lastSlash(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			if i == 0 {
				return 1
			}
			return i
		}
	}
	return 0
}

func (t *fakeTarget) Mkdir(ctx context.Context, name string) error {
	if t.ReadOnlyFlag {
		return ErrWriteDenied
	}
	if t.DryRunFlag {
		return nil
	}
	if _, ok := t.cur().dirs[name]; !ok {
		t.cur().dirs[name] = newFakeDir()
	}
	return nil
}

func (t *fakeTarget) Rmdir(ctx context.Context, name string) error {
	if t.ReadOnlyFlag {
		return ErrWriteDenied
	}
	if t.DryRunFlag {
		return nil
	}
	delete(t.cur().dirs, name)
	return nil
}

func (t *fakeTarget) GetDir(ctx context.Context) ([]*Entry, error) {
	d := t.cur()
	var entries []*Entry
	for name, f := range d.files {
		entries = append(entries, &Entry{Name: name, Kind: KindFile, Size: int64(len(f.data)), MTime: f.mtime})
	}
	for name := range d.dirs {
		entries = append(entries, &Entry{Name: name, Kind: KindDir})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	meta, err := t.Meta(ctx)
	if err != nil {
		return nil, err
	}
	MergeListingMeta(entries, meta, t.Eps)
	return entries, nil
}

func (t *fakeTarget) OpenReadable(ctx context.Context, name string) (io.ReadCloser, error) {
	f, ok := t.cur().files[name]
	if !ok {
		return nil, fmt.Errorf("fake: open %q: not found", name)
	}
	return io.NopCloser(newByteReader(f.data)), nil
}

func (t *fakeTarget) WriteFile(ctx context.Context, name string, src io.Reader, mtime float64, cb WriteCallback) error {
	if t.ReadOnlyFlag {
		return ErrWriteDenied
	}
	data, err := io.ReadAll(src)
	if err != nil {
		return err
	}
	if t.DryRunFlag {
		return nil
	}
	t.cur().files[name] = &fakeFile{data: data, mtime: mtime}
	if cb != nil {
		cb(int64(len(data)))
	}
	return nil
}

func (t *fakeTarget) CopyToFile(ctx context.Context, name string, dest io.Writer, cb WriteCallback) error {
	f, ok := t.cur().files[name]
	if !ok {
		return fmt.Errorf("fake: copy %q: not found", name)
	}
	n, err := dest.Write(f.data)
	if cb != nil {
		cb(int64(n))
	}
	return err
}

func (t *fakeTarget) RemoveFile(ctx context.Context, name string) error {
	if t.ReadOnlyFlag {
		return ErrWriteDenied
	}
	if t.DryRunFlag {
		return nil
	}
	delete(t.cur().files, name)
	return nil
}

func (t *fakeTarget) RandomAccess() bool { return true }

func (t *fakeTarget) Meta(ctx context.Context) (*DirMetadata, error) {
	if m := t.CurrentMeta(); m != nil {
		return m, nil
	}
	d := t.cur()
	if d.meta == nil {
		d.meta = NewDirMetadata()
	}
	t.SetTopMeta(d.meta)
	return d.meta, nil
}

func (t *fakeTarget) FlushMeta(ctx context.Context) error {
	return nil // in-memory: the DirMetadata object is already the ground truth
}

// newByteReader avoids importing bytes just for one reader in this file.
func newByteReader(b []byte) io.Reader {
	return &byteReader{b: b}
}

type byteReader struct {
	b   []byte
	pos int
}

func (r *byteReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.pos:])
	r.pos += n
	return n, nil
}
