// Package config holds the runtime configuration shared by every role of
// the tool: launcher, relay process, and reattaching client.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/adrg/xdg"
	"github.com/pelletier/go-toml/v2"
)

// Role represents the side of a control channel an endpoint plays.
type Role string

const (
	RoleServer Role = "server"
	RoleClient Role = "client"
)

// appName is the directory name used under each XDG base directory.
const appName = "reattach"

// Defaults.
const (
	DefaultBufferSize        = 64 * 1024 // per-direction relay buffer capacity
	DefaultReassemblyTimeout = 30 * time.Second
)

// Config stores every setting gathered from flags and the optional config
// file. It is passed explicitly to constructors; nothing reads it globally.
type Config struct {
	BaseDir           string        // directory holding server-<id> / client-<id> sockets
	Verbose           bool          // enable diagnostic logging to LogFile
	LogFile           string        // empty → per-role default under XDG state home
	ReassemblyTimeout time.Duration // 0 disables eviction of partial messages
	BufferSize        int           // relay buffer capacity per direction
}

// Default returns a Config with XDG-derived paths and default tuning.
func Default() Config {
	return Config{
		BaseDir:           filepath.Join(xdg.RuntimeDir, appName),
		ReassemblyTimeout: DefaultReassemblyTimeout,
		BufferSize:        DefaultBufferSize,
	}
}

// fileConfig mirrors the TOML layout. Pointer fields distinguish "unset"
// from zero values so that only keys present in the file override defaults.
type fileConfig struct {
	BaseDir           *string `toml:"base_dir"`
	LogFile           *string `toml:"log_file"`
	Verbose           *bool   `toml:"verbose"`
	ReassemblyTimeout *string `toml:"reassembly_timeout"`
	BufferSize        *int    `toml:"buffer_size"`
}

// DefaultPath returns the config file location under XDG config home.
func DefaultPath() string {
	return filepath.Join(xdg.ConfigHome, appName, "config.toml")
}

// Load reads the TOML file at path on top of Default(). A missing file at
// the default location is not an error; an explicitly named one is.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := cfg.apply(data); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) apply(data []byte) error {
	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return err
	}

	if fc.BaseDir != nil {
		c.BaseDir = expandHome(*fc.BaseDir)
	}
	if fc.LogFile != nil {
		c.LogFile = expandHome(*fc.LogFile)
	}
	if fc.Verbose != nil {
		c.Verbose = *fc.Verbose
	}
	if fc.ReassemblyTimeout != nil {
		d, err := time.ParseDuration(*fc.ReassemblyTimeout)
		if err != nil {
			return fmt.Errorf("reassembly_timeout: %w", err)
		}
		if d < 0 {
			return fmt.Errorf("reassembly_timeout must not be negative: %s", d)
		}
		c.ReassemblyTimeout = d
	}
	if fc.BufferSize != nil {
		if *fc.BufferSize <= 0 {
			return fmt.Errorf("buffer_size must be positive: %d", *fc.BufferSize)
		}
		c.BufferSize = *fc.BufferSize
	}
	return nil
}

// Validate rejects settings no component can run with.
func (c Config) Validate() error {
	if c.BaseDir == "" {
		return errors.New("base directory must not be empty")
	}
	if c.ReassemblyTimeout < 0 {
		return fmt.Errorf("reassembly timeout must not be negative: %s", c.ReassemblyTimeout)
	}
	if c.BufferSize <= 0 {
		return fmt.Errorf("buffer size must be positive: %d", c.BufferSize)
	}
	return nil
}

// Args renders c as the command-line flags that reproduce it in a
// re-executed copy of this binary.
func (c Config) Args() []string {
	args := []string{
		"--base-dir", c.BaseDir,
		"--reassembly-timeout", c.ReassemblyTimeout.String(),
		"--buffer-size", strconv.Itoa(c.BufferSize),
	}
	if c.LogFile != "" {
		args = append(args, "--log-file", c.LogFile)
	}
	if c.Verbose {
		args = append(args, "--verbose")
	}
	return args
}

// LogPath returns the file verbose logging writes to for the given role.
// The launcher and the relay process share app.log; reattach uses
// control.log.
func (c Config) LogPath(role Role) string {
	if c.LogFile != "" {
		return c.LogFile
	}
	name := "app.log"
	if role == RoleClient {
		name = "control.log"
	}
	return filepath.Join(xdg.StateHome, appName, name)
}

// expandHome replaces a leading "~/" with the user's home directory.
func expandHome(p string) string {
	if len(p) >= 2 && p[0] == '~' && p[1] == '/' {
		return filepath.Join(xdg.Home, p[2:])
	}
	return p
}
