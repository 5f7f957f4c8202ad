// Package config resolves run settings from flags, environment variables and
// an optional .create-dmg.yaml file in the working directory.
//
// Precedence is flag > environment > file > default.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// FileName is the optional per-project settings file
const FileName = ".create-dmg.yaml"

// Environment variables read by Load
const (
	EnvIdentity     = "CREATE_DMG_IDENTITY"
	EnvP12          = "CREATE_DMG_P12"
	EnvP12Password  = "CREATE_DMG_P12_PASSWORD"
	EnvRasterEngine = "CREATE_DMG_RASTER_ENGINE"
	EnvDebug        = "CREATE_DMG_DEBUG"
)

const defaultIconSize = 160

// ErrConflict is returned when mutually exclusive settings are combined
var ErrConflict = errors.New("conflicting settings")

// File models .create-dmg.yaml. Absent keys leave the defaults alone.
type File struct {
	Identity          *string `yaml:"identity"`
	P12               *string `yaml:"p12"`
	DMGTitle          *string `yaml:"dmg-title"`
	Overwrite         *bool   `yaml:"overwrite"`
	VersionInFilename *bool   `yaml:"version-in-filename"`
	CodeSign          *bool   `yaml:"code-sign"`
	RasterEngine      *string `yaml:"raster-engine"`
	Background        *string `yaml:"background"`
	IconSize          *int    `yaml:"icon-size"`
}

// Flags are the command line settings; nil means not given
type Flags struct {
	Identity          *string
	P12               *string
	DMGTitle          *string
	Overwrite         *bool
	VersionInFilename *bool
	CodeSign          *bool
	RasterEngine      *string
	Verbose           *bool
}

// Config is the resolved configuration of one run
type Config struct {
	Identity          string
	P12               string
	P12Password       string
	DMGTitle          string
	Overwrite         bool
	VersionInFilename bool
	CodeSign          bool
	RasterEngine      string
	// Background replaces the bundled window background when set
	Background string
	IconSize   int
	Debug      bool
}

// Default returns the built-in settings
func Default() Config {
	return Config{
		VersionInFilename: true,
		CodeSign:          true,
		RasterEngine:      "auto",
		IconSize:          defaultIconSize,
	}
}

// Load resolves the configuration for a run started in dir
func Load(dir string, flags Flags) (Config, error) {
	cfg := Default()

	f, err := LoadFile(filepath.Join(dir, FileName))
	if err != nil {
		return Config{}, err
	}
	if f != nil {
		cfg.applyFile(f, dir)
	}

	if err := cfg.applyEnv(os.Getenv); err != nil {
		return Config{}, err
	}
	cfg.applyFlags(flags)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile parses the settings file at path. A missing file yields nil.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	return &f, nil
}

// Validate rejects combinations that cannot run
func (c *Config) Validate() error {
	if c.Identity != "" && c.P12 != "" {
		return fmt.Errorf("%w: identity and p12 are mutually exclusive", ErrConflict)
	}
	if c.IconSize <= 0 {
		return fmt.Errorf("icon-size must be positive, got %d", c.IconSize)
	}
	return nil
}

func (c *Config) applyFile(f *File, dir string) {
	setString(&c.Identity, f.Identity)
	setString(&c.DMGTitle, f.DMGTitle)
	setString(&c.RasterEngine, f.RasterEngine)
	setBool(&c.Overwrite, f.Overwrite)
	setBool(&c.VersionInFilename, f.VersionInFilename)
	setBool(&c.CodeSign, f.CodeSign)
	if f.IconSize != nil {
		c.IconSize = *f.IconSize
	}
	// paths in the file are relative to the file
	if f.P12 != nil {
		c.P12 = resolve(dir, *f.P12)
	}
	if f.Background != nil {
		c.Background = resolve(dir, *f.Background)
	}
}

func (c *Config) applyEnv(getenv func(string) string) error {
	if v := getenv(EnvIdentity); v != "" {
		c.Identity = v
		c.P12 = ""
	}
	if v := getenv(EnvP12); v != "" {
		c.P12 = v
		c.Identity = ""
	}
	if v := getenv(EnvP12Password); v != "" {
		c.P12Password = v
	}
	if v := getenv(EnvRasterEngine); v != "" {
		c.RasterEngine = v
	}
	if v := getenv(EnvDebug); v != "" {
		debug, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s value %q: %w", EnvDebug, v, err)
		}
		c.Debug = debug
	}
	return nil
}

func (c *Config) applyFlags(f Flags) {
	// an explicit choice on the command line replaces the other one
	if f.Identity != nil {
		c.Identity = *f.Identity
		if f.P12 == nil {
			c.P12 = ""
		}
	}
	if f.P12 != nil {
		c.P12 = *f.P12
		if f.Identity == nil {
			c.Identity = ""
		}
	}
	setString(&c.DMGTitle, f.DMGTitle)
	setString(&c.RasterEngine, f.RasterEngine)
	setBool(&c.Overwrite, f.Overwrite)
	setBool(&c.VersionInFilename, f.VersionInFilename)
	setBool(&c.CodeSign, f.CodeSign)
	if f.Verbose != nil && *f.Verbose {
		c.Debug = true
	}
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func resolve(dir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}
