// Package config holds the settings shared by the rewriter and the detour
// engine. Settings start from defaults, are overlaid by an optional TOML
// file named by DETOUR_CONFIG, then by individual environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// ErrInvalid is wrapped by validation errors.
var ErrInvalid = errors.New("invalid configuration")

// Generator selects how rewritten functions are emitted.
type Generator string

const (
	// GeneratorAuto picks the first backend that works on this host.
	GeneratorAuto Generator = "auto"

	// GeneratorMemory clones into a shared executable arena.
	GeneratorMemory Generator = "memory"

	// GeneratorBuilder clones into a private arena that is registered for
	// symbolization.
	GeneratorBuilder Generator = "builder"

	// GeneratorModule writes an image file and maps it next to the
	// original module.
	GeneratorModule Generator = "module"
)

var validGenerators = map[Generator]bool{
	GeneratorAuto:    true,
	GeneratorMemory:  true,
	GeneratorBuilder: true,
	GeneratorModule:  true,
}

// Config represents the settings for rewriting and detouring.
type Config struct {
	Generator Generator `toml:"generator"`

	// Debug forces the module generator and writes a dump of every
	// generated function.
	Debug bool `toml:"debug"`

	// DumpDir receives dump artifacts. Defaults to the temp directory.
	DumpDir string `toml:"dump_dir"`

	// PreferRuntimeCopy reads function bodies from memory instead of from
	// the executable on disk.
	PreferRuntimeCopy bool `toml:"prefer_runtime_copy"`

	LogLevel string `toml:"log_level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Generator: GeneratorAuto,
		DumpDir:   os.TempDir(),
		LogLevel:  "info",
	}
}

// Load builds the configuration from DETOUR_CONFIG and the environment.
func Load() (*Config, error) {
	return load(os.Getenv)
}

func load(getenv func(string) string) (*Config, error) {
	cfg := Default()

	if path := getenv("DETOUR_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("cannot read %s: %w", path, err)
	}
	if err := c.Parse(string(data)); err != nil {
		return fmt.Errorf("parse error in %s: %w", path, err)
	}
	return nil
}

// Parse overlays TOML content on c. Keys that aren't set keep their
// current values.
func (c *Config) Parse(content string) error {
	md, err := toml.Decode(content, c)
	if err != nil {
		return err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("%w: unknown key %q", ErrInvalid, undecoded[0].String())
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	if v := getenv("DETOUR_GENERATOR"); v != "" {
		c.Generator = Generator(strings.ToLower(v))
	}
	if v := getenv("DETOUR_DUMP_DIR"); v != "" {
		c.DumpDir = v
	}
	if v := getenv("DETOUR_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}

	for name, dst := range map[string]*bool{
		"DETOUR_DEBUG":               &c.Debug,
		"DETOUR_PREFER_RUNTIME_COPY": &c.PreferRuntimeCopy,
	} {
		v := getenv(name)
		if v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q: %w", ErrInvalid, name, v, err)
		}
		*dst = b
	}

	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if !validGenerators[c.Generator] {
		return fmt.Errorf("%w: unknown generator %q", ErrInvalid, c.Generator)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.Debug && c.DumpDir == "" {
		return fmt.Errorf("%w: debug mode needs a dump directory", ErrInvalid)
	}
	return nil
}

// Level returns the parsed log level. Validate has already rejected bad
// values, so errors fall back to info.
func (c *Config) Level() slog.Level {
	lvl, err := ParseLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// ParseLevel parses debug, info, warn or error. The empty string is info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO", "":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("%w: unknown log level %q", ErrInvalid, s)
}
