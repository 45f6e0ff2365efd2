// Package config loads nvjitlink configuration.
//
// Loading has overlay semantics: the embedded default.toml is decoded
// first, then the config file (if any) on top of it, so keys absent
// from the file keep their defaults. Command line flags override both
// in the CLI layer. A missing file is not an error; a malformed one is.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/frobware/go-nvjitlink"
	"github.com/frobware/go-nvjitlink/logging"
)

//go:embed default.toml
var defaultConfigTOML string

// EnvPath names an environment variable that overrides the default
// config file location.
const EnvPath = "NVJITLINK_CONFIG"

// Config is the top-level configuration.
type Config struct {
	Logging  LoggingConfig  `toml:"logging"`
	Linker   LinkerConfig   `toml:"linker"`
	Compiler CompilerConfig `toml:"compiler"`
	Cache    CacheConfig    `toml:"cache"`
}

// LoggingConfig controls logging.
type LoggingConfig struct {
	// Level is a log spec, e.g. "info" or "warn,session=debug".
	Level  string `toml:"level"`
	Format string `toml:"format"`
	// Components is an alternative to a spec in Level.
	Components map[string]string `toml:"components"`
}

// ToSpec returns Level if set, otherwise a spec assembled from
// Components on an info base.
func (c *LoggingConfig) ToSpec() string {
	if c.Level != "" && len(c.Components) == 0 {
		return c.Level
	}
	base := c.Level
	if base == "" {
		base = "info"
	}
	names := make([]string, 0, len(c.Components))
	for name := range c.Components {
		names = append(names, name)
	}
	slices.Sort(names)
	parts := []string{base}
	for _, name := range names {
		parts = append(parts, name+"="+c.Components[name])
	}
	return strings.Join(parts, ",")
}

// LinkerConfig holds session defaults.
type LinkerConfig struct {
	// Arch is a compute capability ("7.5", "75" or "sm_75").
	Arch         string `toml:"arch"`
	MaxRegisters int    `toml:"max_registers"`
	Lineinfo     bool   `toml:"lineinfo"`
	LTO          bool   `toml:"lto"`
	// AdditionalFlags is decoded loosely so that a non-string entry
	// is reported as an option type error rather than a parse error.
	AdditionalFlags []any `toml:"additional_flags"`
}

// Options converts c to link session options. Arch is left nil when
// unset.
func (c *LinkerConfig) Options() (nvjitlink.Options, error) {
	var o nvjitlink.Options
	if c.Arch != "" {
		cc, err := nvjitlink.ParseComputeCapability(c.Arch)
		if err != nil {
			return o, fmt.Errorf("linker.arch: %w", err)
		}
		o.Arch = &cc
	}
	flags, err := nvjitlink.StringOptions(c.AdditionalFlags)
	if err != nil {
		return o, fmt.Errorf("linker.additional_flags: %w", err)
	}
	o.MaxRegisters = c.MaxRegisters
	o.Lineinfo = c.Lineinfo
	o.LTO = c.LTO
	o.AdditionalFlags = flags
	return o, nil
}

// CompilerConfig controls CUDA source compilation.
type CompilerConfig struct {
	DumpAssembly bool `toml:"dump_assembly"`
}

// CacheConfig controls the linked-output cache.
type CacheConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// DefaultConfig returns the embedded defaults.
func DefaultConfig() Config {
	var cfg Config
	if _, err := toml.Decode(defaultConfigTOML, &cfg); err != nil {
		panic(fmt.Sprintf("embedded default.toml: %v", err))
	}
	return cfg
}

// DefaultPath returns $NVJITLINK_CONFIG, or nvjitlink/config.toml in
// the user config directory.
func DefaultPath() string {
	if p := os.Getenv(EnvPath); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "nvjitlink", "config.toml")
}

// Load overlays the file at path onto the defaults. An empty path
// means DefaultPath.
func Load(path string) (Config, error) {
	if path == "" {
		path = DefaultPath()
	}
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}

	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return cfg, fmt.Errorf("config file %s: unknown key %q", path, undecoded[0].String())
	}
	return cfg, cfg.Validate()
}

// Validate checks values that decode cleanly but are unusable.
func (c *Config) Validate() error {
	if _, err := logging.ParseSpec(c.Logging.ToSpec()); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if _, err := logging.ParseFormat(c.Logging.Format); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if _, err := c.Linker.Options(); err != nil {
		return err
	}
	if c.Linker.MaxRegisters < 0 {
		return fmt.Errorf("linker.max_registers must not be negative")
	}
	return nil
}
