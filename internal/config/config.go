package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds application configuration.
type Config struct {
	Port                   int               `toml:"port"`
	DBPath                 string            `toml:"db_path"`
	Store                  string            `toml:"store"`
	PollInterval           time.Duration     `toml:"poll_interval"`
	MaxConcurrentDownloads int               `toml:"max_concurrent_downloads"`
	OutputDir              string            `toml:"output_dir"`
	StagingDir             string            `toml:"staging_dir"`
	RecoverStale           bool              `toml:"recover_stale"`
	EventBuffer            int               `toml:"event_buffer"`
	UnsupportedMarkers     []string          `toml:"unsupported_markers"`
	Download               DownloadConfig    `toml:"download"`
	Processors             []ProcessorConfig `toml:"processors"`
	Log                    LogConfig         `toml:"log"`

	// Path is the configuration file that was loaded, if any.
	Path string `toml:"-"`
}

// DownloadConfig configures the default yt-dlp downloader. Quality is a yt-dlp
// format selector such as "best" or "best[height<=720]".
type DownloadConfig struct {
	Binary       string   `toml:"binary"`
	Template     string   `toml:"template"`
	Archive      bool     `toml:"archive"`
	Format       string   `toml:"format"`
	Quality      string   `toml:"quality"`
	ExtractAudio bool     `toml:"extract_audio"`
	ExtraArgs    []string `toml:"extra_args"`
}

// ProcessorConfig routes URLs matching Pattern to an external command.
// Args may contain the {url} and {dest} placeholders.
type ProcessorConfig struct {
	Name    string   `toml:"name"`
	Pattern string   `toml:"pattern"`
	Command string   `toml:"command"`
	Args    []string `toml:"args"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

const (
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
)

// DefaultDBPath returns the default database path using XDG_CACHE_HOME.
func DefaultDBPath() string {
	cacheDir := os.Getenv("XDG_CACHE_HOME")
	if cacheDir == "" {
		home, _ := os.UserHomeDir()
		cacheDir = filepath.Join(home, ".cache")
	}
	return filepath.Join(cacheDir, "ytbatch", "jobs.db")
}

// DefaultConfigPath returns the default configuration file using XDG_CONFIG_HOME.
func DefaultConfigPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, _ := os.UserHomeDir()
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "ytbatch", "config.toml")
}

// DefaultOutputDir returns the default download directory.
func DefaultOutputDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "Videos")
}

// ExpandPath replaces a leading ~ with the user's home directory.
func ExpandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Port:                   8080,
		DBPath:                 DefaultDBPath(),
		Store:                  StoreSQLite,
		PollInterval:           5 * time.Second,
		MaxConcurrentDownloads: 3,
		OutputDir:              DefaultOutputDir(),
		StagingDir:             filepath.Join(os.TempDir(), "ytbatch"),
		RecoverStale:           true,
		EventBuffer:            256,
		UnsupportedMarkers:     []string{"/photo/"},
		Download: DownloadConfig{
			Binary:   "yt-dlp",
			Template: "%(upload_date>%Y-%m-%d)s_%(id)s.%(ext)s",
			Quality:  "best",
			Archive:  true,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load builds the configuration from defaults, the TOML file, flags and
// environment, in increasing order of precedence.
func Load(args []string) (*Config, error) {
	cfg := Default()

	path, explicit := configPath(args)
	if path != "" {
		if err := loadFile(path, cfg); err != nil {
			if explicit || !errors.Is(err, os.ErrNotExist) {
				return nil, err
			}
		} else {
			cfg.Path = path
		}
	}

	fs := flag.NewFlagSet("ytbatch", flag.ContinueOnError)
	fs.String("config", path, "Configuration file (TOML)")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "HTTP server port")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	fs.StringVar(&cfg.Store, "store", cfg.Store, "Job store backend: sqlite or memory")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "Dispatcher poll interval")
	fs.IntVar(&cfg.MaxConcurrentDownloads, "max-concurrent", cfg.MaxConcurrentDownloads, "Maximum jobs running at once")
	fs.StringVar(&cfg.OutputDir, "output-dir", cfg.OutputDir, "Download directory")
	fs.StringVar(&cfg.StagingDir, "staging-dir", cfg.StagingDir, "Directory for in-progress downloads")
	fs.BoolVar(&cfg.RecoverStale, "recover-stale", cfg.RecoverStale, "Requeue jobs left running by a previous process")
	fs.StringVar(&cfg.Download.Binary, "ytdlp", cfg.Download.Binary, "yt-dlp executable")
	fs.StringVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "Log level")
	fs.StringVar(&cfg.Log.Format, "log-format", cfg.Log.Format, "Log format: text or json")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	// Env overrides
	if port := os.Getenv("YTBATCH_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Port = p
		}
	}
	if db := os.Getenv("YTBATCH_DB"); db != "" {
		cfg.DBPath = db
	}
	if outputDir := os.Getenv("YTBATCH_OUTPUT_DIR"); outputDir != "" {
		cfg.OutputDir = outputDir
	}
	if n := os.Getenv("MAX_CONCURRENT_DOWNLOADS"); n != "" {
		if v, err := strconv.Atoi(n); err == nil {
			cfg.MaxConcurrentDownloads = v
		}
	}

	cfg.DBPath = ExpandPath(cfg.DBPath)
	cfg.OutputDir = ExpandPath(cfg.OutputDir)
	cfg.StagingDir = ExpandPath(cfg.StagingDir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.Store != StoreSQLite && c.Store != StoreMemory {
		return fmt.Errorf("unknown store %q", c.Store)
	}
	if c.MaxConcurrentDownloads < 1 {
		return fmt.Errorf("max_concurrent_downloads must be at least 1, got %d", c.MaxConcurrentDownloads)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %s", c.PollInterval)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	for _, pc := range c.Processors {
		if pc.Name == "" || pc.Pattern == "" || pc.Command == "" {
			return fmt.Errorf("processor %q needs name, pattern and command", pc.Name)
		}
	}
	return nil
}

func loadFile(path string, cfg *Config) error {
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("load config %s: unknown keys %v", path, undecoded)
	}
	return nil
}

// configPath finds the configuration file before flags are parsed, since the
// file supplies the flag defaults.
func configPath(args []string) (path string, explicit bool) {
	for i, arg := range args {
		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if !strings.HasPrefix(arg, "-") || name != "config" {
			continue
		}
		if hasValue {
			return value, true
		}
		if i+1 < len(args) {
			return args[i+1], true
		}
	}
	if env := os.Getenv("YTBATCH_CONFIG"); env != "" {
		return env, true
	}
	return DefaultConfigPath(), false
}
