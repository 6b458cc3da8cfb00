package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"strata/internal/logging"
	"strata/internal/schema"
)

// Backend names accepted in [storage].
const (
	BackendBolt   = "bolt"
	BackendSQLite = "sqlite"
)

type Config struct {
	Storage  StorageConfig  `toml:"storage"`
	Database DatabaseConfig `toml:"database"`
	Bridge   BridgeConfig   `toml:"bridge"`
	Logging  LoggingConfig  `toml:"logging"`
}

type StorageConfig struct {
	Backend     string `toml:"backend"`
	DataDir     string `toml:"data_dir"`
	OpenTimeout string `toml:"open_timeout"`
}

// DatabaseConfig declares the managed database either inline or through a
// YAML/TOML schema file. A schema file wins over inline stores.
type DatabaseConfig struct {
	SchemaFile           string               `toml:"schema_file"`
	Name                 string               `toml:"name"`
	Version              uint64               `toml:"version"`
	Stores               []schema.StoreSchema `toml:"stores"`
	CloseOnVersionChange bool                 `toml:"close_on_version_change"`
}

type BridgeConfig struct {
	Listen        string `toml:"listen"`
	Path          string `toml:"path"`
	MaxMsgsPerSec int    `toml:"max_msgs_per_sec"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Defaults returns a Config with sane defaults.
func Defaults() *Config {
	return &Config{
		Storage: StorageConfig{
			Backend:     BackendBolt,
			DataDir:     "~/.strata",
			OpenTimeout: "5s",
		},
		Database: DatabaseConfig{
			Name:                 "app",
			Version:              1,
			CloseOnVersionChange: true,
		},
		Bridge: BridgeConfig{
			Listen:        "127.0.0.1:7420",
			Path:          "/bridge",
			MaxMsgsPerSec: 50,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a TOML config file and returns the parsed Config.
// If path is empty, ~/.strata/config.toml is used when it exists and
// defaults are returned otherwise.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path == "" {
		path = expandHome("~/.strata/config.toml")
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return cfg, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	// Relative schema files are resolved against the config's directory.
	if f := cfg.Database.SchemaFile; f != "" && !strings.HasPrefix(f, "~/") && !filepath.IsAbs(f) {
		cfg.Database.SchemaFile = filepath.Join(filepath.Dir(path), f)
	}

	return cfg, nil
}

// Descriptor returns the database declaration, reading the schema file
// when one is configured.
func (c *Config) Descriptor() (schema.Descriptor, error) {
	if c.Database.SchemaFile != "" {
		return schema.Load(expandHome(c.Database.SchemaFile))
	}
	d := schema.Descriptor{
		Name:    c.Database.Name,
		Version: c.Database.Version,
		Stores:  c.Database.Stores,
	}
	return d.Clone(), nil
}

// DataDir returns the storage directory with ~/ expanded.
func (c *Config) DataDir() string {
	return expandHome(c.Storage.DataDir)
}

// OpenTimeout returns the parsed [storage] open_timeout. An empty value is
// zero, which backends treat as "wait forever".
func (c *Config) OpenTimeout() (time.Duration, error) {
	if c.Storage.OpenTimeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Storage.OpenTimeout)
	if err != nil {
		return 0, fmt.Errorf("storage.open_timeout: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("storage.open_timeout: must not be negative")
	}
	return d, nil
}

// Validate checks every section and joins all problems into one error.
func (c *Config) Validate() error {
	var errs []error

	switch c.Storage.Backend {
	case BackendBolt, BackendSQLite:
	default:
		errs = append(errs, fmt.Errorf("storage.backend: unknown backend %q (want %s or %s)", c.Storage.Backend, BackendBolt, BackendSQLite))
	}
	if c.Storage.DataDir == "" {
		errs = append(errs, errors.New("storage.data_dir: must not be empty"))
	}
	if _, err := c.OpenTimeout(); err != nil {
		errs = append(errs, err)
	}

	// A schema file is validated when it is loaded.
	if c.Database.SchemaFile == "" {
		d, _ := c.Descriptor()
		if err := d.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
	}

	if c.Bridge.Listen != "" {
		if err := validateListenAddr(c.Bridge.Listen); err != nil {
			errs = append(errs, fmt.Errorf("bridge.listen: %w", err))
		}
	}
	if c.Bridge.Path != "" && !strings.HasPrefix(c.Bridge.Path, "/") {
		errs = append(errs, fmt.Errorf("bridge.path: %q must start with /", c.Bridge.Path))
	}
	if c.Bridge.MaxMsgsPerSec < 0 {
		errs = append(errs, errors.New("bridge.max_msgs_per_sec: must not be negative"))
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format: unknown format %q", c.Logging.Format))
	}

	return errors.Join(errs...)
}

// validateListenAddr accepts host:port where host may be empty (all
// interfaces) and port is numeric.
func validateListenAddr(addr string) error {
	addr = strings.TrimSpace(addr)
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if port == "" {
		return fmt.Errorf("missing port in %q", addr)
	}
	if n, err := strconv.Atoi(port); err != nil || n < 0 || n > 65535 {
		return fmt.Errorf("invalid port %q", port)
	}
	if strings.ContainsAny(host, " /") {
		return fmt.Errorf("invalid host %q", host)
	}
	return nil
}

// ExpandHome resolves a leading ~/ to the user's home directory.
func ExpandHome(path string) string {
	return expandHome(path)
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
