package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// nameRe restricts file identifiers to a shell- and filesystem-safe set.
var nameRe = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// Config holds all environment-based configuration for davsync.
type Config struct {
	// BaseURL is the absolute WebDAV base URL all remote paths are
	// resolved against. Normalized to end with a trailing slash.
	BaseURL string `env:"DAVSYNC_BASE_URL"`

	// ManifestPath points at the YAML file manifest. Defaults to
	// <StateDir>/files.yaml when empty.
	ManifestPath string `env:"DAVSYNC_FILES"`

	// StateDir holds the sync state database and local lock markers.
	// Defaults to ~/.davsync.
	StateDir string `env:"DAVSYNC_STATE_DIR"`

	// BackupDir holds pre-overwrite snapshots, one subdirectory per
	// file identifier. Defaults to <StateDir>/backups.
	BackupDir string `env:"DAVSYNC_BACKUP_DIR"`

	// Backup retention: keep at least BackupMinCount snapshots per file
	// unconditionally; beyond that, drop snapshots older than
	// BackupMaxAgeDays.
	BackupMinCount   int `env:"DAVSYNC_BACKUP_MIN_COUNT" envDefault:"10"`
	BackupMaxAgeDays int `env:"DAVSYNC_BACKUP_MAX_AGE_DAYS" envDefault:"30"`

	// LockTimeoutSeconds is the timeout hint sent with WebDAV LOCK
	// requests. The server-enforced expiry bounds the damage of a
	// crashed lock holder.
	LockTimeoutSeconds int `env:"DAVSYNC_LOCK_TIMEOUT_SECONDS" envDefault:"300"`

	// TransferRetries is the per-request retry count for transient
	// transfer failures.
	TransferRetries int `env:"DAVSYNC_TRANSFER_RETRIES" envDefault:"3"`

	// LocalLockRetries is the number of re-attempts after a contended
	// local lock acquisition before giving up.
	LocalLockRetries int `env:"DAVSYNC_LOCAL_LOCK_RETRIES" envDefault:"2"`

	// Credential sources, tried in order: env pair, askpass command,
	// interactive prompt.
	Username string `env:"DAVSYNC_USERNAME"`
	Password string `env:"DAVSYNC_PASSWORD"`
	Askpass  string `env:"DAVSYNC_ASKPASS"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// Files is the resolved manifest, loaded from ManifestPath.
	Files []FileEntry `env:"-"`
}

// FileEntry names one synchronized file. Immutable after Load.
type FileEntry struct {
	// Name identifies the file in CLI commands, state records, lock
	// markers and backup directories. Matches [A-Za-z0-9_]+.
	Name string `yaml:"name"`

	// Path is the absolute local path of the file.
	Path string `yaml:"path"`

	// Remote is the path relative to the base URL. Defaults to the
	// basename of Path.
	Remote string `yaml:"remote"`
}

// RemoteURL resolves the entry's remote path against the base URL.
func (f FileEntry) RemoteURL(baseURL string) string {
	return baseURL + strings.TrimPrefix(f.Remote, "/")
}

type manifest struct {
	Files []FileEntry `yaml:"files"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables and the file
// manifest. It first attempts to load a .env file if present, then
// parses env vars, then reads and validates the manifest.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.StateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("determining home directory: %w", err)
		}

		cfg.StateDir = filepath.Join(home, ".davsync")
	}

	absState, err := filepath.Abs(cfg.StateDir)
	if err != nil {
		return nil, fmt.Errorf("resolving state dir to absolute path: %w", err)
	}
	cfg.StateDir = absState

	if cfg.BackupDir == "" {
		cfg.BackupDir = filepath.Join(cfg.StateDir, "backups")
	}

	if cfg.ManifestPath == "" {
		cfg.ManifestPath = filepath.Join(cfg.StateDir, "files.yaml")
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	files, err := LoadManifest(cfg.ManifestPath)
	if err != nil {
		return nil, err
	}
	cfg.Files = files

	return cfg, nil
}

func (c *Config) validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("DAVSYNC_BASE_URL is required")
	}

	u, err := url.Parse(c.BaseURL)
	if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("DAVSYNC_BASE_URL must be an absolute http(s) URL, got %q", c.BaseURL)
	}

	if !strings.HasSuffix(c.BaseURL, "/") {
		c.BaseURL += "/"
	}

	if c.BackupMinCount < 0 {
		return fmt.Errorf("DAVSYNC_BACKUP_MIN_COUNT must not be negative")
	}

	if c.BackupMaxAgeDays < 0 {
		return fmt.Errorf("DAVSYNC_BACKUP_MAX_AGE_DAYS must not be negative")
	}

	if c.LockTimeoutSeconds <= 0 {
		return fmt.Errorf("DAVSYNC_LOCK_TIMEOUT_SECONDS must be positive")
	}

	return nil
}

// LoadManifest reads and validates the YAML file manifest at path.
func LoadManifest(path string) ([]FileEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading file manifest: %w", err)
	}

	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing file manifest: %w", err)
	}

	if len(m.Files) == 0 {
		return nil, fmt.Errorf("file manifest %s lists no files", path)
	}

	seen := make(map[string]struct{}, len(m.Files))

	for i := range m.Files {
		f := &m.Files[i]

		if !nameRe.MatchString(f.Name) {
			return nil, fmt.Errorf("invalid file name %q (must match %s)", f.Name, nameRe)
		}

		if _, dup := seen[f.Name]; dup {
			return nil, fmt.Errorf("duplicate file name %q in manifest", f.Name)
		}
		seen[f.Name] = struct{}{}

		if !filepath.IsAbs(f.Path) {
			return nil, fmt.Errorf("file %q: path %q is not absolute", f.Name, f.Path)
		}

		if f.Remote == "" {
			f.Remote = filepath.Base(f.Path)
		}
	}

	return m.Files, nil
}

// Entry returns the manifest entry with the given name, or an error
// naming the available entries.
func (c *Config) Entry(name string) (FileEntry, error) {
	for _, f := range c.Files {
		if f.Name == name {
			return f, nil
		}
	}

	var names []string
	for _, f := range c.Files {
		names = append(names, f.Name)
	}

	return FileEntry{}, fmt.Errorf("file %q not found, available: %s", name, strings.Join(names, ", "))
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// BackupMaxAge converts the configured retention age to a duration.
func (c *Config) BackupMaxAge() time.Duration {
	return time.Duration(c.BackupMaxAgeDays) * 24 * time.Hour
}

// LockTimeout converts the configured WebDAV lock timeout to a duration.
func (c *Config) LockTimeout() time.Duration {
	return time.Duration(c.LockTimeoutSeconds) * time.Second
}
