package local

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-ftpsync/ftpsync/fsync"
)

func TestOpenRejectsMissingRoot(t *testing.T) {
	tgt := New(filepath.Join(t.TempDir(), "does-not-exist"), false, false, 2.0)
	err := tgt.Open(context.Background())
	assert.Error(t, err)
}

func TestOpenRejectsFileRoot(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "a-file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	tgt := New(file, false, false, 2.0)
	err := tgt.Open(context.Background())
	assert.Error(t, err)
}

func TestWriteFileThenGetDirThenOpenReadable(t *testing.T) {
	dir := t.TempDir()
	tgt := New(dir, false, false, 2.0)
	require.NoError(t, tgt.Open(context.Background()))

	ctx := context.Background()
	require.NoError(t, tgt.WriteFile(ctx, "a.txt", bytes.NewBufferString("hello"), 1000, nil))

	entries, err := tgt.GetDir(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a.txt", entries[0].Name)
	assert.Equal(t, fsync.KindFile, entries[0].Kind)
	assert.Equal(t, int64(5), entries[0].Size)

	rc, err := tgt.OpenReadable(ctx, "a.txt")
	require.NoError(t, err)
	defer rc.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(rc)
	require.NoError(t, err)
	assert.Equal(t, "hello", buf.String())
}

func TestWriteFileIsReadOnlyNoop(t *testing.T) {
	dir := t.TempDir()
	tgt := New(dir, true, false, 2.0)
	require.NoError(t, tgt.Open(context.Background()))

	require.NoError(t, tgt.WriteFile(context.Background(), "a.txt", bytes.NewBufferString("hello"), 1000, nil))
	_, err := os.Stat(filepath.Join(dir, "a.txt"))
	assert.True(t, os.IsNotExist(err), "read-only target must not have written the file")
}

func TestWriteFileIsDryRunNoop(t *testing.T) {
	dir := t.TempDir()
	tgt := New(dir, false, true, 2.0)
	require.NoError(t, tgt.Open(context.Background()))

	require.NoError(t, tgt.WriteFile(context.Background(), "a.txt", bytes.NewBufferString("hello"), 1000, nil))
	_, err := os.Stat(filepath.Join(dir, "a.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestMkdirCwdRmdir(t *testing.T) {
	dir := t.TempDir()
	tgt := New(dir, false, false, 2.0)
	ctx := context.Background()
	require.NoError(t, tgt.Open(ctx))

	require.NoError(t, tgt.Mkdir(ctx, "sub"))
	require.NoError(t, tgt.Cwd(ctx, "sub"))
	assert.Equal(t, filepath.ToSlash(dir)+"/sub", tgt.Pwd())

	require.NoError(t, tgt.Cwd(ctx, ".."))
	assert.Equal(t, filepath.ToSlash(dir), tgt.Pwd())

	require.NoError(t, tgt.Rmdir(ctx, "sub"))
	_, err := os.Stat(filepath.Join(dir, "sub"))
	assert.True(t, os.IsNotExist(err))
}

func TestCwdRejectsEscapeAboveRoot(t *testing.T) {
	dir := t.TempDir()
	tgt := New(dir, false, false, 2.0)
	ctx := context.Background()
	require.NoError(t, tgt.Open(ctx))

	err := tgt.Cwd(ctx, "..")
	assert.ErrorIs(t, err, fsync.ErrPathEscape)
}

func TestRemoveFile(t *testing.T) {
	dir := t.TempDir()
	tgt := New(dir, false, false, 2.0)
	ctx := context.Background()
	require.NoError(t, tgt.Open(ctx))
	require.NoError(t, tgt.WriteFile(ctx, "a.txt", bytes.NewBufferString("x"), 1, nil))

	require.NoError(t, tgt.RemoveFile(ctx, "a.txt"))
	_, err := os.Stat(filepath.Join(dir, "a.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestMetaLazilyCreatesThenPersistsOnFlush(t *testing.T) {
	dir := t.TempDir()
	tgt := New(dir, false, false, 2.0)
	ctx := context.Background()
	require.NoError(t, tgt.Open(ctx))

	m, err := tgt.Meta(ctx)
	require.NoError(t, err)
	assert.False(t, m.Dirty())

	m.SetSyncInfo("a.txt", 100, 5, 100)
	require.NoError(t, tgt.FlushMeta(ctx))

	_, err = os.Stat(filepath.Join(dir, fsync.MetaFileName))
	require.NoError(t, err, "a dirty metadata document must be flushed to disk")

	// A fresh target re-reads the persisted document.
	tgt2 := New(dir, false, false, 2.0)
	require.NoError(t, tgt2.Open(ctx))
	m2, err := tgt2.Meta(ctx)
	require.NoError(t, err)
	rec, ok := m2.Get("a.txt")
	require.True(t, ok)
	assert.Equal(t, int64(5), rec.Size)
}

func TestFlushMetaSkipsWhenNotDirty(t *testing.T) {
	dir := t.TempDir()
	tgt := New(dir, false, false, 2.0)
	ctx := context.Background()
	require.NoError(t, tgt.Open(ctx))

	_, err := tgt.Meta(ctx)
	require.NoError(t, err)
	require.NoError(t, tgt.FlushMeta(ctx))

	_, err = os.Stat(filepath.Join(dir, fsync.MetaFileName))
	assert.True(t, os.IsNotExist(err), "an unmodified metadata document must not be written")
}

func TestRandomAccessIsTrue(t *testing.T) {
	tgt := New(t.TempDir(), false, false, 2.0)
	assert.True(t, tgt.RandomAccess())
}

func TestIDIncludesAbsoluteRoot(t *testing.T) {
	dir := t.TempDir()
	tgt := New(dir, false, false, 2.0)
	abs, err := filepath.Abs(dir)
	require.NoError(t, err)
	assert.Equal(t, "local:"+filepath.ToSlash(abs), tgt.ID())
}
