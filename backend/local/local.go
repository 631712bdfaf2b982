// Package local implements fsync.Target over the operating system's
// filesystem, grounded on the reference implementation's own local backend:
// that backend is stdlib-only too (no third-party filesystem library
// appears anywhere in the retrieved pack), so this one follows suit rather
// than manufacturing a dependency that isn't otherwise exercised.
package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/go-ftpsync/ftpsync/fsync"
)

// Target is a directory tree on local disk.
type Target struct {
	fsync.BaseTarget
}

var _ fsync.Target = (*Target)(nil)

// New builds a local Target rooted at root. root must already exist; Open
// verifies this.
func New(root string, readOnly, dryRun bool, eps float64) *Target {
	abs, err := filepath.Abs(root)
	if err != nil {
		abs = root
	}
	return &Target{BaseTarget: fsync.NewBaseTarget(filepath.ToSlash(abs), readOnly, dryRun, eps)}
}

// nativePath converts the slash-separated CurDir/RootDir bookkeeping back
// to the OS's native path separator for actual filesystem calls.
func (t *Target) nativePath(name string) string {
	if name == "" {
		return filepath.FromSlash(t.CurDir)
	}
	return filepath.Join(filepath.FromSlash(t.CurDir), name)
}

// Open verifies the root exists and is a directory.
func (t *Target) Open(ctx context.Context) error {
	fi, err := os.Stat(filepath.FromSlash(t.RootDir))
	if err != nil {
		return fmt.Errorf("local: opening root %q: %w", t.RootDir, err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("local: root %q is not a directory", t.RootDir)
	}
	return nil
}

// Close is a no-op: a local Target holds no connection.
func (t *Target) Close(context.Context) error { return nil }

// ID identifies this endpoint by its absolute root path.
func (t *Target) ID() string { return "local:" + t.RootDir }

// Pwd returns the current directory as an absolute path.
func (t *Target) Pwd() string { return t.CurDir }

// Cwd navigates the in-memory CurDir and advances the metadata stack.
func (t *Target) Cwd(ctx context.Context, name string) error {
	if name == ".." {
		parent := parentOf(t.CurDir)
		if err := t.CheckEscape(parent); err != nil {
			return err
		}
		t.CurDir = parent
		t.ExitChild()
		return nil
	}
	child := t.CurDir + "/" + name
	if err := t.CheckEscape(child); err != nil {
		return err
	}
	fi, err := os.Stat(filepath.FromSlash(child))
	if err != nil {
		return fmt.Errorf("local: cwd %q: %w", name, err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("local: cwd %q: not a directory", name)
	}
	t.CurDir = child
	t.EnterChild()
	return nil
}

func parentOf(dir string) string {
	idx := -1
	for i := len(dir) - 1; i >= 0; i-- {
		if dir[i] == '/' {
			idx = i
			break
		}
	}
	if idx <= 0 {
		return "/"
	}
	return dir[:idx]
}

// Mkdir creates a child directory.
func (t *Target) Mkdir(ctx context.Context, name string) error {
	if t.DryRunFlag || t.ReadOnlyFlag {
		return nil
	}
	if err := os.Mkdir(t.nativePath(name), 0o755); err != nil && !os.IsExist(err) {
		return fmt.Errorf("local: mkdir %q: %w", name, err)
	}
	return nil
}

// Rmdir recursively removes a directory.
func (t *Target) Rmdir(ctx context.Context, name string) error {
	if t.DryRunFlag || t.ReadOnlyFlag {
		return nil
	}
	if err := os.RemoveAll(t.nativePath(name)); err != nil {
		return fmt.Errorf("local: rmdir %q: %w", name, err)
	}
	return nil
}

// GetDir lists the current directory, merging in stored metadata per §4.3.
func (t *Target) GetDir(ctx context.Context) ([]*fsync.Entry, error) {
	infos, err := os.ReadDir(t.nativePath(""))
	if err != nil {
		return nil, fmt.Errorf("local: listing %q: %w", t.CurDir, err)
	}
	entries := make([]*fsync.Entry, 0, len(infos))
	for _, de := range infos {
		name := de.Name()
		if name == fsync.MetaFileName || name == fsync.LockFileName || name == fsync.ConfigFileName {
			continue
		}
		info, err := de.Info()
		if err != nil {
			return nil, fmt.Errorf("local: stat %q: %w", name, err)
		}
		kind := fsync.KindFile
		if info.IsDir() {
			kind = fsync.KindDir
		}
		entries = append(entries, &fsync.Entry{
			Name:  name,
			Kind:  kind,
			Size:  info.Size(),
			MTime: float64(info.ModTime().UnixNano()) / 1e9,
		})
	}
	meta, err := t.Meta(ctx)
	if err != nil {
		return nil, err
	}
	fsync.MergeListingMeta(entries, meta, t.Eps)
	return entries, nil
}

// OpenReadable opens name for reading.
func (t *Target) OpenReadable(ctx context.Context, name string) (io.ReadCloser, error) {
	f, err := os.Open(t.nativePath(name))
	if err != nil {
		return nil, fmt.Errorf("local: opening %q: %w", name, err)
	}
	return f, nil
}

// WriteFile writes src to name atomically (temp file + rename) and stamps
// the result's mtime, the way the config-writing code elsewhere in the pack
// persists files durably.
func (t *Target) WriteFile(ctx context.Context, name string, src io.Reader, mtime float64, cb fsync.WriteCallback) error {
	if t.DryRunFlag || t.ReadOnlyFlag {
		return nil
	}
	dst := t.nativePath(name)
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".ftpsync-*.tmp")
	if err != nil {
		return fmt.Errorf("local: creating temp file for %q: %w", name, err)
	}
	tmpPath := tmp.Name()
	succeeded := false
	defer func() {
		if !succeeded {
			os.Remove(tmpPath)
		}
	}()

	written, err := copyWithCallback(tmp, src, cb)
	if err != nil {
		tmp.Close()
		return fmt.Errorf("local: writing %q: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("local: syncing %q: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("local: closing %q: %w", name, err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return fmt.Errorf("local: renaming into place %q: %w", name, err)
	}
	succeeded = true

	mt := time.Unix(0, int64(mtime*1e9))
	if err := os.Chtimes(dst, mt, mt); err != nil {
		return fmt.Errorf("local: setting mtime on %q: %w", name, err)
	}
	if cb != nil {
		cb(written)
	}
	return nil
}

// CopyToFile streams name into dest.
func (t *Target) CopyToFile(ctx context.Context, name string, dest io.Writer, cb fsync.WriteCallback) error {
	f, err := os.Open(t.nativePath(name))
	if err != nil {
		return fmt.Errorf("local: opening %q: %w", name, err)
	}
	defer f.Close()
	_, err = copyWithCallback(dest, f, cb)
	return err
}

func copyWithCallback(dst io.Writer, src io.Reader, cb fsync.WriteCallback) (int64, error) {
	var written int64
	buf := make([]byte, 32*1024)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return written, werr
			}
			written += int64(n)
			if cb != nil {
				cb(written)
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

// RemoveFile removes name.
func (t *Target) RemoveFile(ctx context.Context, name string) error {
	if t.DryRunFlag || t.ReadOnlyFlag {
		return nil
	}
	if err := os.Remove(t.nativePath(name)); err != nil {
		return fmt.Errorf("local: removing %q: %w", name, err)
	}
	return nil
}

// RandomAccess is true: local files can be re-opened and read cheaply.
func (t *Target) RandomAccess() bool { return true }

// Meta lazily loads the current directory's metadata file.
func (t *Target) Meta(ctx context.Context) (*fsync.DirMetadata, error) {
	if m := t.CurrentMeta(); m != nil {
		return m, nil
	}
	f, err := os.Open(t.nativePath(fsync.MetaFileName))
	if err != nil {
		if os.IsNotExist(err) {
			m := fsync.NewDirMetadata()
			t.SetTopMeta(m)
			return m, nil
		}
		return nil, fmt.Errorf("local: opening metadata in %q: %w", t.CurDir, err)
	}
	defer f.Close()
	m, err := fsync.ReadDirMetadata(f, false)
	if err != nil {
		return nil, fmt.Errorf("local: %q: %w", t.CurDir, err)
	}
	t.SetTopMeta(m)
	return m, nil
}

// FlushMeta persists the current directory's metadata if dirty.
func (t *Target) FlushMeta(ctx context.Context) error {
	m := t.CurrentMeta()
	if m == nil || !m.Dirty() || t.DryRunFlag || t.ReadOnlyFlag {
		return nil
	}
	dst := t.nativePath(fsync.MetaFileName)
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".ftpsync-meta-*.tmp")
	if err != nil {
		return fmt.Errorf("local: creating temp metadata file: %w", err)
	}
	tmpPath := tmp.Name()
	succeeded := false
	defer func() {
		if !succeeded {
			os.Remove(tmpPath)
		}
	}()
	if err := m.WriteTo(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("local: writing metadata: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("local: syncing metadata: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("local: closing metadata: %w", err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return fmt.Errorf("local: renaming metadata into place: %w", err)
	}
	succeeded = true
	m.ClearDirty()
	return nil
}
