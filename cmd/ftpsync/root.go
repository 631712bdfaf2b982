package main

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/go-ftpsync/ftpsync/backend/ftp"
	"github.com/go-ftpsync/ftpsync/backend/local"
	"github.com/go-ftpsync/ftpsync/backend/sftp"
	"github.com/go-ftpsync/ftpsync/fsync"
	"github.com/go-ftpsync/ftpsync/internal/config"
	"github.com/go-ftpsync/ftpsync/internal/report"
)

// version is set at build time via ldflags.
var version = "dev"

// cliFlags mirrors the options table in §6 of the specification. Every
// field except host, port and remotePath is bound to exactly one persistent
// flag; those three have no flag and are never read, since the remote's
// host, port and path come from the remote URL or the profile.
type cliFlags struct {
	profile    string
	configPath string

	mode       string
	remoteType string
	host       string
	port       int
	user       string
	password   string
	privateKey string
	useAgent   bool
	tls        bool
	remotePath string

	dryRun          bool
	verbose         int
	match           string
	exclude         string
	caseMode        string
	resolve         string
	force           bool
	delete          bool
	deleteUnmatched bool
	createFolder    bool
	noPrompt        bool
	storePassword   bool
	noVerifyHostKeys bool
	ftpActive       bool
	ftpDebug        bool
	noColor         bool
	progress        bool
	mtimeEps        float64
	breakLock       bool
	ignoreCopyErrors bool
}

func newRootCmd() *cobra.Command {
	var f cliFlags

	cmd := &cobra.Command{
		Use:     "ftpsync [local-dir] [remote-url]",
		Short:   "Three-way directory sync over FTP, FTPS, and SFTP",
		Long: "ftpsync reconciles a local directory tree with a remote one reachable\n" +
			"over FTP, FTPS, or SFTP, tracking per-directory metadata so it can tell\n" +
			"new, modified, and deleted entries apart on either side.",
		Version:       version,
		Args:          cobra.MaximumNArgs(2),
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, args, &f)
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&f.profile, "profile", "", "named profile to load from the config file")
	pf.StringVar(&f.configPath, "config", defaultConfigPath(), "config file path")

	pf.StringVar(&f.mode, "mode", "", "sync mode: bidirectional, upload, download (default bidirectional)")
	pf.StringVar(&f.remoteType, "remote-type", "", "remote backend: ftp or sftp (default: inferred from remote-url scheme)")
	pf.StringVar(&f.user, "user", "", "remote username")
	pf.StringVar(&f.password, "password", "", "remote password (prefer --store-password over passing this on the command line)")
	pf.StringVar(&f.privateKey, "private-key", "", "path to an SFTP private key file")
	pf.BoolVar(&f.useAgent, "ssh-agent", false, "authenticate via ssh-agent")
	pf.BoolVar(&f.tls, "tls", false, "use implicit FTPS")

	pf.BoolVar(&f.dryRun, "dry-run", false, "show what would change without changing it")
	pf.CountVarP(&f.verbose, "verbose", "v", "increase verbosity (repeatable, 0-5)")
	pf.StringVar(&f.match, "match", "", "comma-separated glob(s); only matching files are synced")
	pf.StringVar(&f.exclude, "exclude", "", "comma-separated glob(s) to exclude from sync")
	pf.StringVar(&f.caseMode, "case", "strict", "name case handling: strict, local, remote")
	pf.StringVar(&f.resolve, "resolve", "skip", "conflict strategy: local, remote, old, new, ask, skip")
	pf.BoolVar(&f.force, "force", false, "force agreement on otherwise-ambiguous (new, new) pairs")
	pf.BoolVar(&f.delete, "delete", false, "propagate deletions")
	pf.BoolVar(&f.deleteUnmatched, "delete-unmatched", false, "delete entries missing on the other side entirely")
	pf.BoolVar(&f.createFolder, "create-folder", false, "create the remote root if it doesn't exist")
	pf.BoolVar(&f.noPrompt, "no-prompt", false, "never prompt interactively; --resolve ask becomes skip")
	pf.BoolVar(&f.storePassword, "store-password", false, "prompt for and save the profile's password, obscured, then exit")
	pf.BoolVar(&f.noVerifyHostKeys, "no-verify-host-keys", false, "skip SFTP host key verification (insecure)")
	pf.BoolVar(&f.ftpActive, "ftp-active", false, "use active-mode FTP data connections")
	pf.BoolVar(&f.ftpDebug, "ftp-debug", false, "log raw FTP protocol exchanges to stderr")
	pf.BoolVar(&f.noColor, "no-color", false, "disable colored output")
	pf.BoolVar(&f.progress, "progress", false, "set verbosity to 5; no per-operation lines are printed")
	pf.Float64Var(&f.mtimeEps, "mtime-eps", 0, "mtime comparison tolerance in seconds (default 2, widened automatically for FTP)")
	pf.BoolVar(&f.breakLock, "break-existing-lock", false, "break a stale lock on the remote root instead of failing")
	pf.BoolVar(&f.ignoreCopyErrors, "ignore-copy-errors", false, "log and continue past per-file copy failures instead of aborting")

	cmd.AddCommand(newConfigCmd())

	return cmd
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ftpsync.toml"
	}
	return filepath.Join(home, ".config", "ftpsync", "config.toml")
}

// resolvedProfile merges the config profile (if --profile was given) with
// explicit CLI flags and positional args, the CLI always winning, mirroring
// the layered override chain the onedrive-go example resolves in loadConfig.
func resolvedProfile(args []string, f *cliFlags) (config.Profile, error) {
	cfg, err := config.LoadOrDefault(f.configPath)
	if err != nil {
		return config.Profile{}, err
	}

	var p config.Profile
	if f.profile != "" {
		p, err = cfg.Resolve(f.profile)
		if err != nil {
			return config.Profile{}, err
		}
	} else {
		p = cfg.Merge(config.Profile{})
	}

	if len(args) > 0 {
		p.Local = args[0]
	}
	if len(args) > 1 {
		if err := applyRemoteURL(&p, args[1]); err != nil {
			return config.Profile{}, err
		}
	}

	if f.mode != "" {
		p.Mode = f.mode
	}
	if f.remoteType != "" {
		p.RemoteType = config.RemoteKind(f.remoteType)
	}
	if f.user != "" {
		p.User = f.user
	}
	if f.password != "" {
		p.Password = f.password
	}
	if f.privateKey != "" {
		p.PrivateKey = f.privateKey
	}
	if f.tls {
		p.TLS = true
	}
	if f.resolve != "" {
		p.Resolve = f.resolve
	}
	if f.delete {
		p.Delete = true
	}
	if f.deleteUnmatched {
		p.DeleteUnmatched = true
	}
	if f.mtimeEps != 0 {
		p.MTimeEps = f.mtimeEps
	}
	if f.match != "" {
		p.Match = splitCommaList(f.match)
	}
	if f.exclude != "" {
		p.Exclude = splitCommaList(f.exclude)
	}
	if p.Mode == "" {
		p.Mode = "bidirectional"
	}
	return p, nil
}

// applyRemoteURL parses a ftp://, ftps://, or sftp:// URL into p's remote
// fields, the way a single positional remote argument is expected to work.
func applyRemoteURL(p *config.Profile, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parsing remote URL %q: %w", raw, err)
	}
	switch u.Scheme {
	case "ftp":
		p.RemoteType = config.RemoteKindFTP
	case "ftps":
		p.RemoteType = config.RemoteKindFTP
		p.TLS = true
	case "sftp":
		p.RemoteType = config.RemoteKindSFTP
	default:
		return fmt.Errorf("remote URL %q: unsupported scheme %q (want ftp, ftps, or sftp)", raw, u.Scheme)
	}
	p.Host = u.Hostname()
	if u.Port() != "" {
		port, err := strconv.Atoi(u.Port())
		if err != nil {
			return fmt.Errorf("remote URL %q: invalid port: %w", raw, err)
		}
		p.Port = port
	}
	if u.User != nil {
		p.User = u.User.Username()
		if pass, ok := u.User.Password(); ok {
			p.Password = pass
		}
	}
	if u.Path != "" {
		p.Path = u.Path
	}
	return nil
}

func splitCommaList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func defaultPort(p config.Profile) int {
	if p.Port != 0 {
		return p.Port
	}
	if p.RemoteType == config.RemoteKindSFTP {
		return 22
	}
	return 21
}

// buildPolicy maps a profile's mode string to the corresponding
// fsync.Policy, the way the reference implementation dispatches on its
// Bidirectional/Upload/Download subclasses.
func buildPolicy(mode string) (fsync.Policy, error) {
	switch mode {
	case "", "bidirectional":
		return fsync.BidirectionalPolicy{}, nil
	case "upload":
		return fsync.UploadPolicy{}, nil
	case "download":
		return fsync.DownloadPolicy{}, nil
	default:
		return nil, fmt.Errorf("unknown mode %q (want bidirectional, upload, or download)", mode)
	}
}

// buildRemoteTarget constructs the fsync.Target for p's remote side.
func buildRemoteTarget(p config.Profile, readOnly bool, f *cliFlags) (fsync.Target, error) {
	eps := p.MTimeEps
	switch p.RemoteType {
	case config.RemoteKindFTP:
		var debug io.Writer
		if f.ftpDebug {
			debug = os.Stderr
		}
		if f.ftpActive {
			fmt.Fprintln(os.Stderr, "ftpsync: --ftp-active requested but the FTP client only negotiates passive data connections; ignoring")
		}
		return ftp.New(ftp.Options{
			Host:        p.Host,
			Port:        defaultPort(p),
			User:        p.User,
			Pass:        p.Password,
			Path:        p.Path,
			TLS:         p.TLS,
			ExplicitTLS: false,
			ActiveMode:     f.ftpActive,
			Debug:          debug,
			CreateRoot:     f.createFolder,
			BreakStaleLock: f.breakLock,
		}, readOnly, f.dryRun, eps), nil
	case config.RemoteKindSFTP:
		return sftp.New(sftp.Options{
			Host:                   p.Host,
			Port:                   defaultPort(p),
			User:                   p.User,
			Pass:                   p.Password,
			PrivateKey:             p.PrivateKey,
			Path:                   p.Path,
			UseAgent:               f.useAgent,
			InsecureIgnoreHostKeys: f.noVerifyHostKeys,
			CreateRoot:             f.createFolder,
			BreakStaleLock:         f.breakLock,
		}, readOnly, f.dryRun, eps), nil
	default:
		return nil, fmt.Errorf("profile has no usable remote_type %q (want ftp or sftp)", p.RemoteType)
	}
}

func runSync(cmd *cobra.Command, args []string, f *cliFlags) error {
	if f.noColor {
		color.NoColor = true
	}

	if f.storePassword {
		return runStorePassword(f)
	}

	p, err := resolvedProfile(args, f)
	if err != nil {
		return err
	}
	if p.Local == "" {
		return fmt.Errorf("no local directory given (pass it as the first argument or in a --profile)")
	}

	policy, err := buildPolicy(p.Mode)
	if err != nil {
		return err
	}
	if valid := policy.ValidResolveStrategies(); len(valid) > 0 && p.Resolve != "" {
		ok := false
		for _, s := range valid {
			if fsync.Strategy(p.Resolve) == s {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("--resolve %q is not valid in %s mode", p.Resolve, policy.Name())
		}
	}

	opt := fsync.NewOptions()
	opt.DryRun = f.dryRun
	opt.Verbose = f.verbose
	opt.Match = p.Match
	opt.Exclude = p.Exclude
	if len(opt.Exclude) == 0 {
		opt.Exclude = fsync.DefaultOmit
	}
	opt.Case = fsync.CasePolicy(f.caseMode)
	opt.Resolve = fsync.Strategy(p.Resolve)
	opt.Force = f.force
	opt.Delete = p.Delete
	opt.DeleteUnmatched = p.DeleteUnmatched
	opt.CreateFolder = f.createFolder
	opt.NoPrompt = f.noPrompt
	opt.IgnoreCopyErrors = f.ignoreCopyErrors
	opt.BreakExistingLock = f.breakLock
	if p.MTimeEps != 0 {
		opt.MTimeEps = p.MTimeEps
	}
	// FTP listings may only resolve minutes, so an FTP remote gets a
	// tolerance of at least 61s, used by both targets and the engine.
	if p.RemoteType == config.RemoteKindFTP && opt.MTimeEps < 61 {
		opt.MTimeEps = 61
	}
	p.MTimeEps = opt.MTimeEps

	verbosity := f.verbose
	if f.progress {
		verbosity = 5
	}
	reporter := report.NewTerminal(os.Stdout, verbosity)
	opt.Reporter = reporter

	if opt.Resolve == fsync.StrategyAsk {
		if f.noPrompt {
			opt.Resolve = fsync.StrategySkip
		} else {
			sticky := &fsync.StickyResolver{}
			sticky.Inner = &askResolver{out: os.Stdout, sticky: sticky}
			opt.Resolver = sticky
		}
	}

	localTarget := local.New(p.Local, policy.LocalReadOnly(), f.dryRun, opt.MTimeEps)
	remoteTarget, err := buildRemoteTarget(p, policy.RemoteReadOnly(), f)
	if err != nil {
		return err
	}

	syncer := fsync.NewSynchronizer(localTarget, remoteTarget, policy, opt)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := syncer.Run(ctx); err != nil {
		return err
	}

	reporter.Summary(report.Summary{
		EntriesTouched:   syncer.Stats.EntriesTouched,
		FilesWritten:     syncer.Stats.FilesWritten,
		FilesDeleted:     syncer.Stats.FilesDeleted,
		DirsCreated:      syncer.Stats.DirsCreated,
		DirsDeleted:      syncer.Stats.DirsDeleted,
		Conflicts:        syncer.Stats.Conflicts,
		ConflictsSkipped: syncer.Stats.ConflictsSkipped,
		CopyErrors:       syncer.Stats.CopyErrors,
		UploadBytes:      syncer.Stats.UploadBytesWritten,
		DownloadBytes:    syncer.Stats.DownloadBytesWritten,
	})

	if code := syncer.Stats.ExitCode(); code != 0 {
		os.Exit(code)
	}
	return nil
}
