package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// ErrNoOrderDir is returned when no ORDER directory is configured
var ErrNoOrderDir = errors.New(`no ORDER directory configured: set ORDER_DIR or general.order_dir, ` +
	`e.g. "/path/to/project/.chaos/framework/order"`)

// Config holds all application configuration
type Config struct {
	General GeneralConfig `toml:"general"`
	Ingest  IngestConfig  `toml:"ingest"`
	Live    LiveConfig    `toml:"live"`
	Web     WebConfig     `toml:"web"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	OrderDir     string `toml:"order_dir"`
	Project      string `toml:"project"`
	DatabasePath string `toml:"database_path"`
}

// IngestConfig holds settings for the ingest watcher
type IngestConfig struct {
	PollInterval Duration `toml:"poll_interval"`
}

// LiveConfig holds settings for the live event stream
type LiveConfig struct {
	EventsFile   string   `toml:"events_file"`
	StateFile    string   `toml:"state_file"`
	PollInterval Duration `toml:"poll_interval"`
	BufferSize   int      `toml:"buffer_size"`
	QueueSize    int      `toml:"queue_size"`
	Keepalive    Duration `toml:"keepalive"`
}

// WebConfig holds HTTP server settings
type WebConfig struct {
	Host        string   `toml:"host"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
}

// Duration is a time.Duration written as text ("30s", "500ms") in TOML
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns a Config with sensible defaults
func Default() *Config {
	return &Config{
		General: GeneralConfig{
			DatabasePath: "order-history.db",
		},
		Ingest: IngestConfig{
			PollInterval: Duration{30 * time.Second},
		},
		Live: LiveConfig{
			PollInterval: Duration{500 * time.Millisecond},
			BufferSize:   200,
			QueueSize:    256,
			Keepalive:    Duration{30 * time.Second},
		},
		Web: WebConfig{
			Host:        "127.0.0.1",
			Port:        8000,
			CORSOrigins: []string{"http://localhost:5173"},
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults, then
// applies environment overrides
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	cfg.General.OrderDir = ExpandPath(cfg.General.OrderDir)
	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)
	cfg.Live.EventsFile = ExpandPath(cfg.Live.EventsFile)
	cfg.Live.StateFile = ExpandPath(cfg.Live.StateFile)

	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"ORDER_DIR":   &c.General.OrderDir,
		"DB_PATH":     &c.General.DatabasePath,
		"HOST":        &c.Web.Host,
		"EVENTS_FILE": &c.Live.EventsFile,
		"STATE_FILE":  &c.Live.StateFile,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	if v, ok := lookup("PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		c.Web.Port = port
	}
	if v, ok := lookup("CORS_ORIGINS"); ok && v != "" {
		c.Web.CORSOrigins = strings.Split(v, ",")
	}
	return nil
}

// RequireOrderDir returns the configured ORDER directory or ErrNoOrderDir
func (c *Config) RequireOrderDir() (string, error) {
	if c.General.OrderDir == "" {
		return "", ErrNoOrderDir
	}
	return c.General.OrderDir, nil
}

// ProjectName returns the configured project, or the name of the directory
// three levels above the ORDER directory (project/.chaos/framework/order)
func (c *Config) ProjectName() string {
	if c.General.Project != "" {
		return c.General.Project
	}
	if c.General.OrderDir == "" {
		return ""
	}
	dir, err := filepath.Abs(c.General.OrderDir)
	if err != nil {
		dir = filepath.Clean(c.General.OrderDir)
	}
	return filepath.Base(filepath.Dir(filepath.Dir(filepath.Dir(dir))))
}

// EventsPath returns the live events file, defaulting to events.jsonl in the
// ORDER directory
func (c *Config) EventsPath() string {
	if c.Live.EventsFile != "" {
		return c.Live.EventsFile
	}
	return filepath.Join(c.General.OrderDir, "events.jsonl")
}

// StatePath returns the live state snapshot, defaulting to state.json in the
// ORDER directory
func (c *Config) StatePath() string {
	if c.Live.StateFile != "" {
		return c.Live.StateFile
	}
	return filepath.Join(c.General.OrderDir, "state.json")
}

// Addr returns the HTTP listen address
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Web.Host, c.Web.Port)
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// LocalConfigName is the per-project config file looked up from the working directory
const LocalConfigName = ".order-history.toml"

// FindLocalConfig walks up from the working directory and returns the first
// LocalConfigName found, or "" if there is none
func FindLocalConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, LocalConfigName)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// LoadWithLocalFallback loads path when given, otherwise a local config found
// by FindLocalConfig, otherwise DefaultConfigPath
func LoadWithLocalFallback(path string) (*Config, error) {
	if path == "" {
		path = FindLocalConfig()
	}
	if path == "" {
		path = DefaultConfigPath()
	}
	return Load(path)
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "order-history", "config.toml")
}
