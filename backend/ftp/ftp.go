// Package ftp implements fsync.Target over an FTP/FTPS connection pool,
// grounded directly on the reference implementation's own FTP backend: a
// small pool of *ftp.ServerConn guarded by a pacer and a token dispenser, a
// fresh connection grabbed per call and returned (or discarded on error) to
// the pool afterward.
package ftp

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/jlaffaye/ftp"
	"golang.org/x/text/encoding/charmap"

	"github.com/go-ftpsync/ftpsync/fsync"
	"github.com/go-ftpsync/ftpsync/internal/pacer"
)

// Options configures a Target.
type Options struct {
	Host     string
	Port     int
	User     string
	Pass     string
	Path     string // root directory on the server
	TLS      bool   // implicit FTPS
	ExplicitTLS bool
	Concurrency int // max pooled connections; 0 means 4

	// ActiveMode records --ftp-active for CLI round-tripping; the
	// underlying jlaffaye/ftp client only negotiates passive (PASV) data
	// connections, so this is surfaced to the operator as a warning rather
	// than silently ignored (see DESIGN.md).
	ActiveMode bool
	// Debug, if non-nil, receives a copy of the raw FTP protocol exchange;
	// --ftp-debug sets it to stderr.
	Debug io.Writer

	// CreateRoot creates Path on the server if it doesn't already exist,
	// the way --create-folder opts into it instead of failing Open.
	CreateRoot bool

	// BreakStaleLock and LockStaleAfter govern what Open does when it
	// finds an existing lock file: a fresh lock is always an error
	// (fsync.ErrLockHeld); a lock older than LockStaleAfter is only
	// overwritten when BreakStaleLock is set.
	BreakStaleLock bool
	LockStaleAfter time.Duration
}

// Target is a directory tree served over FTP.
type Target struct {
	fsync.BaseTarget

	opt Options

	poolMu sync.Mutex
	pool   []*ftp.ServerConn

	tokens *pacer.TokenDispenser
	pace   *pacer.Pacer

	serverOffset float64
}

var (
	_ fsync.Target              = (*Target)(nil)
	_ fsync.ServerTimeOffsetter = (*Target)(nil)
	_ fsync.Shutdowner          = (*Target)(nil)
)

// New builds an FTP Target. readOnly/dryRun/eps are as for any Target; New
// uses eps as given (cmd/ftpsync passes at least 61s for an FTP remote,
// since LIST times may only resolve minutes).
func New(opt Options, readOnly, dryRun bool, eps float64) *Target {
	if opt.Concurrency <= 0 {
		opt.Concurrency = 4
	}
	root := opt.Path
	if root == "" {
		root = "/"
	}
	t := &Target{
		BaseTarget: fsync.NewBaseTarget(root, readOnly, dryRun, eps),
		opt:        opt,
		tokens:     pacer.NewTokenDispenser(opt.Concurrency),
	}
	t.pace = pacer.New(pacer.MinSleep(10*time.Millisecond), pacer.MaxSleep(2*time.Second), pacer.RetriesOption(3))
	return t
}

func (t *Target) dialAddr() string {
	return net.JoinHostPort(t.opt.Host, fmt.Sprintf("%d", t.opt.Port))
}

func (t *Target) dial(ctx context.Context) (*ftp.ServerConn, error) {
	opts := []ftp.DialOption{ftp.DialWithContext(ctx), ftp.DialWithTimeout(30 * time.Second)}
	if t.opt.TLS {
		opts = append(opts, ftp.DialWithTLS(&tls.Config{ServerName: t.opt.Host}))
	} else if t.opt.ExplicitTLS {
		opts = append(opts, ftp.DialWithExplicitTLS(&tls.Config{ServerName: t.opt.Host}))
	}
	if t.opt.Debug != nil {
		opts = append(opts, ftp.DialWithDebugOutput(t.opt.Debug))
	}
	c, err := ftp.Dial(t.dialAddr(), opts...)
	if err != nil {
		return nil, fmt.Errorf("ftp: dial %s: %w", t.dialAddr(), err)
	}
	if err := c.Login(t.opt.User, t.opt.Pass); err != nil {
		_ = c.Quit()
		return nil, fmt.Errorf("ftp: login: %w", err)
	}
	return c, nil
}

// getConn returns a pooled connection or dials a new one.
func (t *Target) getConn(ctx context.Context) (*ftp.ServerConn, error) {
	t.tokens.Get()
	t.poolMu.Lock()
	n := len(t.pool)
	if n > 0 {
		c := t.pool[n-1]
		t.pool = t.pool[:n-1]
		t.poolMu.Unlock()
		return c, nil
	}
	t.poolMu.Unlock()
	c, err := t.dial(ctx)
	if err != nil {
		t.tokens.Put()
		return nil, err
	}
	return c, nil
}

// putConn returns c to the pool, unless err suggests the connection is
// broken, in which case it's discarded.
func (t *Target) putConn(c *ftp.ServerConn, err error) {
	defer t.tokens.Put()
	if c == nil {
		return
	}
	if err != nil {
		_ = c.Quit()
		return
	}
	if nopErr := c.NoOp(); nopErr != nil {
		_ = c.Quit()
		return
	}
	t.poolMu.Lock()
	t.pool = append(t.pool, c)
	t.poolMu.Unlock()
}

// checkExistingLock fails Open with fsync.ErrLockHeld if lockPath already
// holds a live lock, per §5's "coarse mutex" rule; a stale lock is only
// overwritten when BreakStaleLock was requested.
func (t *Target) checkExistingLock(ctx context.Context, lockPath string) error {
	var raw []byte
	err := t.pace.Call(func() (bool, error) {
		conn, cerr := t.getConn(ctx)
		if cerr != nil {
			return true, cerr
		}
		resp, rerr := conn.Retr(lockPath)
		if rerr != nil {
			t.putConn(conn, rerr)
			return !isNotExist(rerr), rerr
		}
		data, rerr := io.ReadAll(resp)
		resp.Close()
		t.putConn(conn, nil)
		raw = data
		return false, rerr
	})
	if err != nil {
		if isNotExist(err) {
			return nil
		}
		return fmt.Errorf("ftp: checking existing lock: %w", err)
	}
	lock, err := fsync.DecodeLock(raw)
	if err != nil {
		return nil // unreadable lock file; treat as absent rather than block forever
	}
	staleAfter := t.opt.LockStaleAfter
	if staleAfter <= 0 {
		staleAfter = fsync.DefaultLockStaleAfter
	}
	if lock.IsStale(time.Now(), staleAfter) && t.opt.BreakStaleLock {
		return nil
	}
	if !lock.IsStale(time.Now(), staleAfter) {
		return fmt.Errorf("ftp: held by %q: %w", lock.LockHolder, fsync.ErrLockHeld)
	}
	return fmt.Errorf("ftp: stale lock held by %q (pass --break-existing-lock): %w", lock.LockHolder, fsync.ErrLockHeld)
}

// Open dials one connection up front (to fail fast on bad credentials) and
// round-trips the lock file to measure clock skew, per §3's lock-file
// design.
func (t *Target) Open(ctx context.Context) error {
	c, err := t.dial(ctx)
	if err != nil {
		return err
	}
	t.poolMu.Lock()
	t.pool = append(t.pool, c)
	t.poolMu.Unlock()

	if t.opt.CreateRoot {
		// Best-effort: the root may already exist, which MakeDir reports
		// as an error indistinguishable from a real failure over the wire
		// protocol, so its result isn't checked here.
		_ = t.pace.Call(func() (bool, error) {
			conn, cerr := t.getConn(ctx)
			if cerr != nil {
				return true, cerr
			}
			merr := conn.MakeDir(t.RootDir)
			t.putConn(conn, nil)
			return false, merr
		})
	}

	lockPath := t.absPath(fsync.LockFileName)
	if err := t.checkExistingLock(ctx, lockPath); err != nil {
		return err
	}

	before := time.Now()
	hostname, _ := os.Hostname()
	holder := hostname + ":" + fsync.SessionID
	data, err := fsync.EncodeLock(holder, before)
	if err != nil {
		return err
	}
	if err := t.pace.Call(func() (bool, error) {
		conn, cerr := t.getConn(ctx)
		if cerr != nil {
			return true, cerr
		}
		werr := conn.Stor(lockPath, strings.NewReader(string(data)))
		t.putConn(conn, werr)
		return werr != nil, werr
	}); err != nil {
		return fmt.Errorf("ftp: writing lock file: %w", err)
	}

	after := time.Now()
	var remoteLock fsync.LockInfo
	if err := t.pace.Call(func() (bool, error) {
		conn, cerr := t.getConn(ctx)
		if cerr != nil {
			return true, cerr
		}
		resp, rerr := conn.Retr(lockPath)
		if rerr != nil {
			t.putConn(conn, rerr)
			return true, rerr
		}
		raw, rerr := io.ReadAll(resp)
		resp.Close()
		t.putConn(conn, rerr)
		if rerr != nil {
			return true, rerr
		}
		parsed, perr := fsync.DecodeLock(raw)
		if perr != nil {
			return false, perr
		}
		remoteLock = parsed
		return false, nil
	}); err != nil {
		return fmt.Errorf("ftp: reading back lock file: %w", err)
	}
	mid := before.Add(after.Sub(before) / 2)
	t.serverOffset = remoteLock.LockTime - (float64(mid.UnixNano()) / 1e9)

	return nil
}

// ServerTimeOffset implements fsync.ServerTimeOffsetter.
func (t *Target) ServerTimeOffset() float64 { return t.serverOffset }

// Close deletes the lock file and quits every pooled connection.
func (t *Target) Close(ctx context.Context) error {
	lockPath := t.absPath(fsync.LockFileName)
	_ = t.pace.Call(func() (bool, error) {
		conn, err := t.getConn(ctx)
		if err != nil {
			return false, nil
		}
		derr := conn.Delete(lockPath)
		t.putConn(conn, derr)
		return false, derr
	})

	t.poolMu.Lock()
	pool := t.pool
	t.pool = nil
	t.poolMu.Unlock()
	var firstErr error
	for _, c := range pool {
		if err := c.Quit(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Shutdown implements fsync.Shutdowner; Close already tears down the pool.
func (t *Target) Shutdown(ctx context.Context) error { return t.Close(ctx) }

// ID identifies this endpoint by host:port/path.
func (t *Target) ID() string {
	return fmt.Sprintf("ftp://%s@%s%s", t.opt.User, t.dialAddr(), t.RootDir)
}

// Pwd returns the current directory.
func (t *Target) Pwd() string { return t.CurDir }

func (t *Target) absPath(name string) string {
	if name == "" {
		return t.CurDir
	}
	if strings.HasSuffix(t.CurDir, "/") {
		return t.CurDir + name
	}
	return t.CurDir + "/" + name
}

// Cwd advances the in-memory current directory; the FTP connections
// themselves remain rooted and every call uses an absolute path, so no
// server-side CWD round trip is needed.
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
	child := t.absPath(name)
	if err := t.CheckEscape(child); err != nil {
		return err
	}
	t.CurDir = child
	t.EnterChild()
	return nil
}

func parentOf(dir string) string {
	idx := strings.LastIndexByte(dir, '/')
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
	return t.pace.Call(func() (bool, error) {
		conn, err := t.getConn(ctx)
		if err != nil {
			return true, err
		}
		merr := conn.MakeDir(t.absPath(name))
		t.putConn(conn, merr)
		return merr != nil, merr
	})
}

// Rmdir recursively removes a directory.
func (t *Target) Rmdir(ctx context.Context, name string) error {
	if t.DryRunFlag || t.ReadOnlyFlag {
		return nil
	}
	return t.pace.Call(func() (bool, error) {
		conn, err := t.getConn(ctx)
		if err != nil {
			return true, err
		}
		rerr := conn.RemoveDirRecur(t.absPath(name))
		t.putConn(conn, rerr)
		return rerr != nil, rerr
	})
}

// GetDir lists the current directory.
func (t *Target) GetDir(ctx context.Context) ([]*fsync.Entry, error) {
	var listing []*ftp.Entry
	err := t.pace.Call(func() (bool, error) {
		conn, err := t.getConn(ctx)
		if err != nil {
			return true, err
		}
		entries, lerr := conn.List(t.absPath(""))
		t.putConn(conn, lerr)
		if lerr != nil {
			return true, lerr
		}
		listing = entries
		return false, nil
	})
	if err != nil {
		return nil, fmt.Errorf("ftp: listing %q: %w", t.CurDir, err)
	}

	out := make([]*fsync.Entry, 0, len(listing))
	for _, e := range listing {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		if e.Name == fsync.MetaFileName || e.Name == fsync.LockFileName || e.Name == fsync.ConfigFileName {
			continue
		}
		kind := fsync.KindFile
		if e.Type == ftp.EntryTypeFolder {
			kind = fsync.KindDir
		}
		name, fellBack, derr := decodeListingName(e.Name)
		if derr != nil {
			return nil, fmt.Errorf("ftp: listing %q entry %q: %w", t.CurDir, e.Name, derr)
		}
		out = append(out, &fsync.Entry{
			Name:             name,
			Kind:             kind,
			Size:             int64(e.Size),
			MTime:            float64(e.Time.UnixNano()) / 1e9,
			EncodingFallback: fellBack,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	meta, err := t.Meta(ctx)
	if err != nil {
		return nil, err
	}
	fsync.MergeListingMeta(out, meta, t.Eps)
	return out, nil
}

// decodeListingName is §4.1's encoding fallback: the jlaffaye/ftp LIST parser
// hands back raw bytes verbatim, and a server that isn't running in UTF-8
// (MLSD/FEAT "UTF8" off) will emit a legacy single-byte-encoded name. Rather
// than reject the entry outright, redecode it from CP-1252 (the common case
// for Windows FTP servers) and flag the fallback so callers can warn on it;
// only a name neither codec can make sense of is a parse failure.
func decodeListingName(raw string) (name string, fellBack bool, err error) {
	if utf8.ValidString(raw) {
		return raw, false, nil
	}
	decoded, err := charmap.Windows1252.NewDecoder().String(raw)
	if err != nil || !utf8.ValidString(decoded) {
		return "", false, fsync.ErrListingParse
	}
	return decoded, true, nil
}

// OpenReadable streams name from the server. FTP data connections aren't
// safely re-readable, so RandomAccess is false and the engine always
// drives this target through CopyToFile when it is the source.
func (t *Target) OpenReadable(ctx context.Context, name string) (io.ReadCloser, error) {
	conn, err := t.getConn(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := conn.Retr(t.absPath(name))
	if err != nil {
		t.putConn(conn, err)
		return nil, fmt.Errorf("ftp: retrieving %q: %w", name, err)
	}
	return &retrCloser{Response: resp, t: t, conn: conn}, nil
}

type retrCloser struct {
	*ftp.Response
	t    *Target
	conn *ftp.ServerConn
}

func (r *retrCloser) Close() error {
	err := r.Response.Close()
	r.t.putConn(r.conn, err)
	return err
}

// WriteFile uploads src as name.
func (t *Target) WriteFile(ctx context.Context, name string, src io.Reader, mtime float64, cb fsync.WriteCallback) error {
	if t.DryRunFlag || t.ReadOnlyFlag {
		return nil
	}
	counting := &countingReader{r: src, cb: cb}
	return t.pace.Call(func() (bool, error) {
		conn, err := t.getConn(ctx)
		if err != nil {
			return true, err
		}
		serr := conn.Stor(t.absPath(name), counting)
		t.putConn(conn, serr)
		return serr != nil, serr
	})
}

// CopyToFile streams name directly into dest, avoiding a client-side buffer
// since FTP data connections can be read only once.
func (t *Target) CopyToFile(ctx context.Context, name string, dest io.Writer, cb fsync.WriteCallback) error {
	rc, err := t.OpenReadable(ctx, name)
	if err != nil {
		return err
	}
	defer rc.Close()
	buf := make([]byte, 32*1024)
	var written int64
	for {
		n, rerr := rc.Read(buf)
		if n > 0 {
			if _, werr := dest.Write(buf[:n]); werr != nil {
				return werr
			}
			written += int64(n)
			if cb != nil {
				cb(written)
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}

type countingReader struct {
	r        io.Reader
	cb       fsync.WriteCallback
	written  int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.written += int64(n)
		if c.cb != nil {
			c.cb(c.written)
		}
	}
	return n, err
}

// RemoveFile deletes name.
func (t *Target) RemoveFile(ctx context.Context, name string) error {
	if t.DryRunFlag || t.ReadOnlyFlag {
		return nil
	}
	return t.pace.Call(func() (bool, error) {
		conn, err := t.getConn(ctx)
		if err != nil {
			return true, err
		}
		derr := conn.Delete(t.absPath(name))
		t.putConn(conn, derr)
		return derr != nil, derr
	})
}

// RandomAccess is false: a live FTP data connection can't be re-read.
func (t *Target) RandomAccess() bool { return false }

// Meta lazily loads the current directory's metadata file.
func (t *Target) Meta(ctx context.Context) (*fsync.DirMetadata, error) {
	if m := t.CurrentMeta(); m != nil {
		return m, nil
	}
	var raw []byte
	err := t.pace.Call(func() (bool, error) {
		conn, cerr := t.getConn(ctx)
		if cerr != nil {
			return true, cerr
		}
		resp, rerr := conn.Retr(t.absPath(fsync.MetaFileName))
		if rerr != nil {
			t.putConn(conn, rerr)
			if isNotExist(rerr) {
				return false, nil
			}
			return true, rerr
		}
		data, rerr := io.ReadAll(resp)
		resp.Close()
		t.putConn(conn, rerr)
		if rerr != nil {
			return true, rerr
		}
		raw = data
		return false, nil
	})
	if err != nil {
		return nil, fmt.Errorf("ftp: reading metadata in %q: %w", t.CurDir, err)
	}
	var m *fsync.DirMetadata
	if raw == nil {
		m = fsync.NewDirMetadata()
	} else {
		m, err = fsync.ReadDirMetadata(strings.NewReader(string(raw)), false)
		if err != nil {
			return nil, fmt.Errorf("ftp: %q: %w", t.CurDir, err)
		}
	}
	t.SetTopMeta(m)
	return m, nil
}

func isNotExist(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "550") || strings.Contains(strings.ToLower(s), "no such file")
}

// FlushMeta persists the current directory's metadata if dirty.
func (t *Target) FlushMeta(ctx context.Context) error {
	m := t.CurrentMeta()
	if m == nil || !m.Dirty() || t.DryRunFlag || t.ReadOnlyFlag {
		return nil
	}
	var buf strings.Builder
	if err := m.WriteTo(&buf); err != nil {
		return fmt.Errorf("ftp: encoding metadata: %w", err)
	}
	err := t.pace.Call(func() (bool, error) {
		conn, cerr := t.getConn(ctx)
		if cerr != nil {
			return true, cerr
		}
		werr := conn.Stor(t.absPath(fsync.MetaFileName), strings.NewReader(buf.String()))
		t.putConn(conn, werr)
		return werr != nil, werr
	})
	if err != nil {
		return fmt.Errorf("ftp: writing metadata in %q: %w", t.CurDir, err)
	}
	m.ClearDirty()
	return nil
}
