// Package sftp implements fsync.Target over SFTP, grounded on the reference
// implementation's own SFTP backend: a single ssh.Client wrapping a
// sftp.Client, authenticated with a private key, ssh-agent, or password, in
// that preference order.
package sftp

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	sshagent "github.com/xanzy/ssh-agent"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/go-ftpsync/ftpsync/fsync"
	"github.com/go-ftpsync/ftpsync/internal/pacer"
)

// Options configures a Target.
type Options struct {
	Host       string
	Port       int
	User       string
	Pass       string // if set, tried after any key and agent methods
	PrivateKey string // path to a PEM-encoded private key file
	Path       string
	UseAgent   bool

	// KnownHostsFile, if set, verifies the server's host key against it.
	// Empty with InsecureIgnoreHostKeys false falls back to
	// ~/.ssh/known_hosts.
	KnownHostsFile      string
	InsecureIgnoreHostKeys bool

	// CreateRoot creates Path on the server if it doesn't already exist.
	CreateRoot bool

	// BreakStaleLock and LockStaleAfter govern what Open does when it
	// finds an existing lock file, mirroring backend/ftp.
	BreakStaleLock bool
	LockStaleAfter time.Duration
}

// Target is a directory tree served over SFTP.
type Target struct {
	fsync.BaseTarget

	opt Options

	mu         sync.Mutex
	sshClient  *ssh.Client
	sftpClient *sftp.Client

	pace *pacer.Pacer

	serverOffset float64
}

var (
	_ fsync.Target              = (*Target)(nil)
	_ fsync.ServerTimeOffsetter = (*Target)(nil)
)

// New builds an SFTP Target.
func New(opt Options, readOnly, dryRun bool, eps float64) *Target {
	root := opt.Path
	if root == "" {
		root = "/"
	}
	return &Target{
		BaseTarget: fsync.NewBaseTarget(root, readOnly, dryRun, eps),
		opt:        opt,
		pace:       pacer.New(pacer.MinSleep(10*time.Millisecond), pacer.MaxSleep(2*time.Second), pacer.RetriesOption(3)),
	}
}

func (t *Target) dialAddr() string {
	return net.JoinHostPort(t.opt.Host, fmt.Sprintf("%d", t.opt.Port))
}

// buildAuth assembles the SSH auth methods in the preference order the
// reference implementation uses: explicit private key, then ssh-agent, then
// password.
func (t *Target) buildAuth() ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if t.opt.PrivateKey != "" {
		keyBytes, err := os.ReadFile(t.opt.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("sftp: reading private key %q: %w", t.opt.PrivateKey, err)
		}
		signer, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("sftp: parsing private key %q: %w", t.opt.PrivateKey, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if t.opt.UseAgent || t.opt.PrivateKey == "" {
		if agentClient, _, err := sshagent.New(); err == nil {
			signers, serr := agentClient.Signers()
			if serr == nil && len(signers) > 0 {
				methods = append(methods, ssh.PublicKeys(signers...))
			}
		}
	}

	if t.opt.Pass != "" {
		methods = append(methods, ssh.Password(t.opt.Pass))
	}

	if len(methods) == 0 {
		return nil, fmt.Errorf("sftp: no authentication method available for %s", t.opt.User)
	}
	return methods, nil
}

// hostKeyCallback builds the verification callback the spec's
// --no-verify-host-keys flag toggles: by default it checks the server's key
// against a known_hosts file (explicit path, or ~/.ssh/known_hosts),
// degrading to an explicit bypass only when the caller opted in.
func (t *Target) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if t.opt.InsecureIgnoreHostKeys {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	path := t.opt.KnownHostsFile
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("sftp: locating known_hosts: %w", err)
		}
		path = home + "/.ssh/known_hosts"
	}
	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("sftp: loading known_hosts %q: %w", path, err)
	}
	return cb, nil
}

// checkExistingLock fails with fsync.ErrLockHeld if lockPath already holds
// a live lock, mirroring backend/ftp's checkExistingLock.
func (t *Target) checkExistingLock(c *sftp.Client, lockPath string) error {
	f, err := c.Open(lockPath)
	if err != nil {
		if _, ok := err.(*sftp.StatusError); ok {
			return nil
		}
		return fmt.Errorf("sftp: checking existing lock: %w", err)
	}
	raw, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("sftp: reading existing lock: %w", err)
	}
	lock, err := fsync.DecodeLock(raw)
	if err != nil {
		return nil
	}
	staleAfter := t.opt.LockStaleAfter
	if staleAfter <= 0 {
		staleAfter = fsync.DefaultLockStaleAfter
	}
	if !lock.IsStale(time.Now(), staleAfter) {
		return fmt.Errorf("sftp: held by %q: %w", lock.LockHolder, fsync.ErrLockHeld)
	}
	if !t.opt.BreakStaleLock {
		return fmt.Errorf("sftp: stale lock held by %q (pass --break-existing-lock): %w", lock.LockHolder, fsync.ErrLockHeld)
	}
	return nil
}

// Open establishes the SSH connection, opens the SFTP subsystem, and
// round-trips the lock file to measure clock skew.
func (t *Target) Open(ctx context.Context) error {
	auth, err := t.buildAuth()
	if err != nil {
		return err
	}
	hostKeyCB, err := t.hostKeyCallback()
	if err != nil {
		return err
	}
	sshConfig := &ssh.ClientConfig{
		User:            t.opt.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCB,
		Timeout:         30 * time.Second,
	}

	dialer := net.Dialer{Timeout: sshConfig.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", t.dialAddr())
	if err != nil {
		return fmt.Errorf("sftp: dial %s: %w", t.dialAddr(), err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, t.dialAddr(), sshConfig)
	if err != nil {
		return fmt.Errorf("sftp: handshake: %w", err)
	}
	sshClient := ssh.NewClient(c, chans, reqs)

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return fmt.Errorf("sftp: starting subsystem: %w", err)
	}

	t.mu.Lock()
	t.sshClient = sshClient
	t.sftpClient = sftpClient
	t.mu.Unlock()

	if t.opt.CreateRoot {
		// Best-effort, mirroring backend/ftp: an already-existing root is
		// not a failure worth surfacing.
		_ = sftpClient.MkdirAll(t.RootDir)
	}

	lockPath := t.absPath(fsync.LockFileName)
	if err := t.checkExistingLock(sftpClient, lockPath); err != nil {
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
		f, err := sftpClient.Create(lockPath)
		if err != nil {
			return true, err
		}
		_, werr := f.Write(data)
		cerr := f.Close()
		if werr != nil {
			return true, werr
		}
		return cerr != nil, cerr
	}); err != nil {
		return fmt.Errorf("sftp: writing lock file: %w", err)
	}
	after := time.Now()

	var remoteLock fsync.LockInfo
	if err := t.pace.Call(func() (bool, error) {
		f, err := sftpClient.Open(lockPath)
		if err != nil {
			return true, err
		}
		raw, rerr := io.ReadAll(f)
		f.Close()
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
		return fmt.Errorf("sftp: reading back lock file: %w", err)
	}
	mid := before.Add(after.Sub(before) / 2)
	t.serverOffset = remoteLock.LockTime - (float64(mid.UnixNano()) / 1e9)

	return nil
}

// ServerTimeOffset implements fsync.ServerTimeOffsetter.
func (t *Target) ServerTimeOffset() float64 { return t.serverOffset }

// Close removes the lock file and tears down the SFTP/SSH connections.
func (t *Target) Close(ctx context.Context) error {
	t.mu.Lock()
	sftpClient, sshClient := t.sftpClient, t.sshClient
	t.mu.Unlock()
	if sftpClient == nil {
		return nil
	}
	_ = sftpClient.Remove(t.absPath(fsync.LockFileName))

	var firstErr error
	if err := sftpClient.Close(); err != nil {
		firstErr = err
	}
	if sshClient != nil {
		if err := sshClient.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ID identifies this endpoint by host:port/path.
func (t *Target) ID() string {
	return fmt.Sprintf("sftp://%s@%s%s", t.opt.User, t.dialAddr(), t.RootDir)
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

// Cwd advances the in-memory current directory, verifying the child exists.
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
	info, err := t.sftpClient.Stat(child)
	if err != nil {
		return fmt.Errorf("sftp: cwd %q: %w", name, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("sftp: cwd %q: not a directory", name)
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
		err := t.sftpClient.Mkdir(t.absPath(name))
		return isTransient(err), err
	})
}

// Rmdir recursively removes a directory.
func (t *Target) Rmdir(ctx context.Context, name string) error {
	if t.DryRunFlag || t.ReadOnlyFlag {
		return nil
	}
	return t.pace.Call(func() (bool, error) {
		err := t.removeAll(t.absPath(name))
		return isTransient(err), err
	})
}

func (t *Target) removeAll(dir string) error {
	infos, err := t.sftpClient.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("sftp: listing %q for removal: %w", dir, err)
	}
	for _, info := range infos {
		child := dir + "/" + info.Name()
		if info.IsDir() {
			if err := t.removeAll(child); err != nil {
				return err
			}
			continue
		}
		if err := t.sftpClient.Remove(child); err != nil {
			return fmt.Errorf("sftp: removing %q: %w", child, err)
		}
	}
	return t.sftpClient.RemoveDirectory(dir)
}

// GetDir lists the current directory.
func (t *Target) GetDir(ctx context.Context) ([]*fsync.Entry, error) {
	var infos []os.FileInfo
	err := t.pace.Call(func() (bool, error) {
		list, lerr := t.sftpClient.ReadDir(t.absPath(""))
		infos = list
		return isTransient(lerr), lerr
	})
	if err != nil {
		return nil, fmt.Errorf("sftp: listing %q: %w", t.CurDir, err)
	}

	out := make([]*fsync.Entry, 0, len(infos))
	for _, info := range infos {
		name := info.Name()
		if name == fsync.MetaFileName || name == fsync.LockFileName || name == fsync.ConfigFileName {
			continue
		}
		kind := fsync.KindFile
		if info.IsDir() {
			kind = fsync.KindDir
		}
		out = append(out, &fsync.Entry{
			Name:  name,
			Kind:  kind,
			Size:  info.Size(),
			MTime: float64(info.ModTime().UnixNano()) / 1e9,
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

// OpenReadable opens name for streaming reads. sftp.File supports seeking,
// so in principle random access is possible, but a fresh remote round trip
// per seek is expensive; RandomAccess reports false so the engine always
// streams through CopyToFile instead.
func (t *Target) OpenReadable(ctx context.Context, name string) (io.ReadCloser, error) {
	f, err := t.sftpClient.Open(t.absPath(name))
	if err != nil {
		return nil, fmt.Errorf("sftp: opening %q: %w", name, err)
	}
	return f, nil
}

// WriteFile uploads src as name and stamps its mtime.
func (t *Target) WriteFile(ctx context.Context, name string, src io.Reader, mtime float64, cb fsync.WriteCallback) error {
	if t.DryRunFlag || t.ReadOnlyFlag {
		return nil
	}
	dst := t.absPath(name)
	f, err := t.sftpClient.Create(dst)
	if err != nil {
		return fmt.Errorf("sftp: creating %q: %w", name, err)
	}
	written, err := copyWithCallback(f, src, cb)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("sftp: writing %q: %w", name, err)
	}
	_ = written
	mt := time.Unix(0, int64(mtime*1e9))
	if err := t.sftpClient.Chtimes(dst, mt, mt); err != nil {
		return fmt.Errorf("sftp: setting mtime on %q: %w", name, err)
	}
	return nil
}

// CopyToFile streams name into dest.
func (t *Target) CopyToFile(ctx context.Context, name string, dest io.Writer, cb fsync.WriteCallback) error {
	f, err := t.sftpClient.Open(t.absPath(name))
	if err != nil {
		return fmt.Errorf("sftp: opening %q: %w", name, err)
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

// RemoveFile deletes name.
func (t *Target) RemoveFile(ctx context.Context, name string) error {
	if t.DryRunFlag || t.ReadOnlyFlag {
		return nil
	}
	return t.pace.Call(func() (bool, error) {
		err := t.sftpClient.Remove(t.absPath(name))
		return isTransient(err), err
	})
}

// RandomAccess is false: treated as a streaming-only source (see
// OpenReadable).
func (t *Target) RandomAccess() bool { return false }

// Meta lazily loads the current directory's metadata file.
func (t *Target) Meta(ctx context.Context) (*fsync.DirMetadata, error) {
	if m := t.CurrentMeta(); m != nil {
		return m, nil
	}
	f, err := t.sftpClient.Open(t.absPath(fsync.MetaFileName))
	if err != nil {
		if os.IsNotExist(err) {
			m := fsync.NewDirMetadata()
			t.SetTopMeta(m)
			return m, nil
		}
		if _, ok := err.(*sftp.StatusError); ok {
			m := fsync.NewDirMetadata()
			t.SetTopMeta(m)
			return m, nil
		}
		return nil, fmt.Errorf("sftp: opening metadata in %q: %w", t.CurDir, err)
	}
	defer f.Close()
	m, err := fsync.ReadDirMetadata(f, false)
	if err != nil {
		return nil, fmt.Errorf("sftp: %q: %w", t.CurDir, err)
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
	f, err := t.sftpClient.Create(t.absPath(fsync.MetaFileName))
	if err != nil {
		return fmt.Errorf("sftp: creating metadata in %q: %w", t.CurDir, err)
	}
	werr := m.WriteTo(f)
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return fmt.Errorf("sftp: writing metadata in %q: %w", t.CurDir, werr)
	}
	m.ClearDirty()
	return nil
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if asNetError(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

func asNetError(err error, target *net.Error) bool {
	for err != nil {
		if ne, ok := err.(net.Error); ok {
			*target = ne
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
