// Package config resolves collector and merge settings from flags,
// COVGRID_* environment variables, an optional .env file, an optional
// config file and built-in defaults, in that order of precedence.
package config

import (
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dreamware/covgrid/internal/merge"
)

// EnvPrefix is prepended to every key when looking in the environment.
const EnvPrefix = "COVGRID"

// Config is the resolved configuration. Keys are listed in Defaults.
type Config struct {
	Listen         string `mapstructure:"listen"`
	CommandListen  string `mapstructure:"command_listen"`
	AdminListen    string `mapstructure:"admin_listen"`
	MaxConnections int    `mapstructure:"max_connections"`
	SaveAtReceive  bool   `mapstructure:"save_at_receive"`
	BadDataDir     string `mapstructure:"bad_data_dir"`

	Looseness        string `mapstructure:"looseness"`
	BreakOnError     string `mapstructure:"break_on_error"`
	WarningsCritical bool   `mapstructure:"warnings_critical"`
	DedupeByName     bool   `mapstructure:"dedupe_by_name"`
	Scales           bool   `mapstructure:"scales"`

	Template string `mapstructure:"template"`
	Output   string `mapstructure:"output"`

	Spill               string        `mapstructure:"spill"`
	SpillDir            string        `mapstructure:"spill_dir"`
	MemoryLimit         string        `mapstructure:"memory_limit"`
	MemoryCheckInterval time.Duration `mapstructure:"memory_check_interval"`

	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	Workers         int           `mapstructure:"workers"`

	OnceHost   string `mapstructure:"once_host"`
	OncePort   int    `mapstructure:"once_port"`
	RunCommand string `mapstructure:"run_command"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

// Defaults returns the built-in value of every key.
func Defaults() map[string]any {
	return map[string]any{
		"listen":                ":3334",
		"command_listen":        ":3336",
		"admin_listen":          "",
		"max_connections":       0,
		"save_at_receive":       false,
		"bad_data_dir":          "",
		"looseness":             "0",
		"break_on_error":        "none",
		"warnings_critical":     false,
		"dedupe_by_name":        true,
		"scales":                false,
		"template":              "",
		"output":                "result.xml",
		"spill":                 "auto",
		"spill_dir":             "",
		"memory_limit":          "0",
		"memory_check_interval": time.Second,
		"shutdown_timeout":      30 * time.Second,
		"workers":               runtime.NumCPU(),
		"once_host":             "localhost",
		"once_port":             3335,
		"run_command":           "",
		"log_level":             "info",
		"log_format":            "text",
	}
}

// FlagName maps a key to its command-line spelling.
func FlagName(key string) string {
	return strings.ReplaceAll(key, "_", "-")
}

// Options controls Load.
type Options struct {
	// Flags are bound by FlagName; unchanged flags fall through to the
	// environment and defaults.
	Flags *pflag.FlagSet
	// EnvFile is loaded into the process environment when it exists.
	// Variables already set are kept.
	EnvFile string
	// ConfigFile is read when non-empty. Its format follows the extension.
	ConfigFile string
}

// Load resolves a Config.
func Load(opts Options) (*Config, error) {
	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, errors.Wrapf(err, "config: loading %s", opts.EnvFile)
		}
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	for key, val := range Defaults() {
		v.SetDefault(key, val)
	}

	if opts.Flags != nil {
		for key := range Defaults() {
			if f := opts.Flags.Lookup(FlagName(key)); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, errors.Wrapf(err, "config: binding flag %s", f.Name)
				}
			}
		}
	}

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "config: reading %s", opts.ConfigFile)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, errors.Wrap(err, "config: decoding")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the values that are parsed later.
func (c *Config) Validate() error {
	var errs error
	if _, err := merge.ParseLooseness(c.Looseness); err != nil {
		errs = errors.CombineErrors(errs, err)
	}
	if _, err := merge.ParseBreakOnError(c.BreakOnError); err != nil {
		errs = errors.CombineErrors(errs, err)
	}
	switch strings.ToLower(c.Spill) {
	case "auto", "on", "off":
	default:
		errs = errors.CombineErrors(errs, errors.Newf("config: invalid spill mode %q (want auto, on or off)", c.Spill))
	}
	if _, err := c.MemoryLimitBytes(); err != nil {
		errs = errors.CombineErrors(errs, err)
	}
	if c.MaxConnections < 0 {
		errs = errors.CombineErrors(errs, errors.Newf("config: max_connections must not be negative, got %d", c.MaxConnections))
	}
	if c.Output == "" {
		errs = errors.CombineErrors(errs, errors.New("config: output must be set"))
	}
	return errs
}

// MemoryLimitBytes parses memory_limit, which accepts plain byte counts or
// sizes such as "2GiB". Zero means the total system memory.
func (c *Config) MemoryLimitBytes() (uint64, error) {
	s := strings.TrimSpace(c.MemoryLimit)
	if s == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, errors.Wrapf(err, "config: invalid memory_limit %q", c.MemoryLimit)
	}
	return n, nil
}
