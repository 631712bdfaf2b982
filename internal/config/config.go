// Package config loads named synchronization profiles from a TOML file,
// grounded on the two-pass decode-then-validate pattern used by the
// onedrive-go example's internal/config package, adapted to ftpsync's
// flatter [profile.NAME] table shape.
package config

// RemoteKind selects which backend a profile's remote side uses.
type RemoteKind string

const (
	RemoteKindFTP   RemoteKind = "ftp"
	RemoteKindSFTP  RemoteKind = "sftp"
	RemoteKindLocal RemoteKind = "local"
)

// Profile is one named [profile.NAME] table: a local root paired with a
// remote endpoint and the options that govern how they're synchronized.
type Profile struct {
	Local string `toml:"local"`

	RemoteType RemoteKind `toml:"remote_type"`
	Host       string     `toml:"host"`
	Port       int        `toml:"port"`
	User       string     `toml:"user"`
	// Password is stored obscured (internal/obscure); Resolve reveals it
	// into the Profile the CLI actually uses.
	Password   string `toml:"password"`
	Path       string `toml:"path"`
	TLS        bool   `toml:"tls"`
	PrivateKey string `toml:"private_key"`

	Mode            string   `toml:"mode"` // "bidirectional", "upload", "download"
	Match           []string `toml:"match"`
	Exclude         []string `toml:"exclude"`
	Resolve         string   `toml:"resolve"`
	Delete          bool     `toml:"delete"`
	DeleteUnmatched bool     `toml:"delete_unmatched"`
	MTimeEps        float64  `toml:"mtime_eps"`
}

// Config is the top-level document: a set of named profiles plus global
// defaults every profile inherits unless it overrides them.
type Config struct {
	Defaults Profile            `toml:"defaults"`
	Profiles map[string]Profile `toml:"profile"`
}

// DefaultConfig returns an empty Config with sane defaults filled in, for
// the zero-config case where no file exists yet.
func DefaultConfig() *Config {
	return &Config{
		Defaults: Profile{
			Mode:     "bidirectional",
			Resolve:  "skip",
			MTimeEps: 2.0,
		},
		Profiles: map[string]Profile{},
	}
}

// Merge layers p's non-zero fields over defaults, returning the resolved
// profile, the way ResolveDrive layers drive overrides over Config.Defaults.
func (c *Config) Merge(p Profile) Profile {
	out := c.Defaults
	if p.Local != "" {
		out.Local = p.Local
	}
	if p.RemoteType != "" {
		out.RemoteType = p.RemoteType
	}
	if p.Host != "" {
		out.Host = p.Host
	}
	if p.Port != 0 {
		out.Port = p.Port
	}
	if p.User != "" {
		out.User = p.User
	}
	if p.Password != "" {
		out.Password = p.Password
	}
	if p.Path != "" {
		out.Path = p.Path
	}
	out.TLS = out.TLS || p.TLS
	if p.PrivateKey != "" {
		out.PrivateKey = p.PrivateKey
	}
	if p.Mode != "" {
		out.Mode = p.Mode
	}
	if len(p.Match) > 0 {
		out.Match = p.Match
	}
	if len(p.Exclude) > 0 {
		out.Exclude = p.Exclude
	}
	if p.Resolve != "" {
		out.Resolve = p.Resolve
	}
	out.Delete = out.Delete || p.Delete
	out.DeleteUnmatched = out.DeleteUnmatched || p.DeleteUnmatched
	if p.MTimeEps != 0 {
		out.MTimeEps = p.MTimeEps
	}
	return out
}
