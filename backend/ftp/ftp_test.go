package ftp

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/go-ftpsync/ftpsync/fsync"
)

// These cover the pure helpers and bookkeeping that don't need a live FTP
// server. Open/GetDir/WriteFile/etc. are not tested: fsync's engine tests
// run against an in-memory fakeTarget, not this backend, and this backend
// has nothing equivalent to backend/local's real filesystem to drive it
// headlessly.

func TestDialAddrJoinsHostAndPort(t *testing.T) {
	tgt := New(Options{Host: "ftp.example.com", Port: 2121}, false, false, 2.0)
	assert.Equal(t, "ftp.example.com:2121", tgt.dialAddr())
}

func TestNewDefaultsConcurrencyAndRoot(t *testing.T) {
	tgt := New(Options{Host: "h", Port: 21}, false, false, 2.0)
	assert.Equal(t, "/", tgt.Pwd())
	assert.Equal(t, 4, tgt.opt.Concurrency)
}

func TestNewKeepsExplicitConcurrencyAndRoot(t *testing.T) {
	tgt := New(Options{Host: "h", Port: 21, Path: "/srv/site", Concurrency: 2}, false, false, 2.0)
	assert.Equal(t, "/srv/site", tgt.Pwd())
	assert.Equal(t, 2, tgt.opt.Concurrency)
}

func TestIDFormatsUserHostRoot(t *testing.T) {
	tgt := New(Options{Host: "ftp.example.com", Port: 21, User: "deploy", Path: "/var/www"}, false, false, 2.0)
	assert.Equal(t, "ftp://deploy@ftp.example.com:21/var/www", tgt.ID())
}

func TestAbsPathJoinsCurDirAndName(t *testing.T) {
	tgt := New(Options{Host: "h", Port: 21, Path: "/root"}, false, false, 2.0)
	assert.Equal(t, "/root/a.txt", tgt.absPath("a.txt"))
	assert.Equal(t, "/root", tgt.absPath(""))
}

func TestAbsPathAvoidsDoubleSlashAtRoot(t *testing.T) {
	tgt := New(Options{Host: "h", Port: 21, Path: "/"}, false, false, 2.0)
	assert.Equal(t, "/a.txt", tgt.absPath("a.txt"))
}

func TestParentOfStripsLastSegment(t *testing.T) {
	assert.Equal(t, "/a", parentOf("/a/b"))
	assert.Equal(t, "/", parentOf("/a"))
	assert.Equal(t, "/", parentOf("/"))
}

func TestCwdDotDotRejectsEscapeAboveRoot(t *testing.T) {
	tgt := New(Options{Host: "h", Port: 21, Path: "/srv"}, false, false, 2.0)
	err := tgt.Cwd(context.Background(), "..")
	assert.ErrorIs(t, err, fsync.ErrPathEscape)
}

func TestIsNotExistRecognizes550(t *testing.T) {
	assert.True(t, isNotExist(errors.New("550 No such file or directory")))
	assert.True(t, isNotExist(errors.New("no such FILE found")))
	assert.False(t, isNotExist(errors.New("connection reset")))
	assert.False(t, isNotExist(nil))
}

func TestDecodeListingNamePassesThroughValidUTF8(t *testing.T) {
	name, fellBack, err := decodeListingName("café.txt")
	assert.NoError(t, err)
	assert.Equal(t, "café.txt", name)
	assert.False(t, fellBack)
}

func TestDecodeListingNameFallsBackToWindows1252(t *testing.T) {
	// "café.txt" encoded as CP-1252: é is a single byte (0xE9), not valid UTF-8
	// on its own, so utf8.ValidString rejects it and the fallback kicks in.
	raw := string([]byte{'c', 'a', 'f', 0xE9, '.', 't', 'x', 't'})
	name, fellBack, err := decodeListingName(raw)
	assert.NoError(t, err)
	assert.Equal(t, "café.txt", name)
	assert.True(t, fellBack)
}

func TestCountingReaderInvokesCallbackWithCumulativeBytes(t *testing.T) {
	var seen []int64
	cr := &countingReader{r: bytes.NewReader([]byte("hello")), cb: func(n int64) { seen = append(seen, n) }}
	buf := make([]byte, 2)
	for {
		n, err := cr.Read(buf)
		_ = n
		if err != nil {
			break
		}
	}
	assert.NotEmpty(t, seen)
	assert.Equal(t, int64(5), seen[len(seen)-1])
}
