package config

import (
	"bytes"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/covgrid/internal/codec"
	"github.com/dreamware/covgrid/internal/collector"
	"github.com/dreamware/covgrid/internal/merge"
	"github.com/dreamware/covgrid/internal/model"
)

func collectorFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("collector", pflag.ContinueOnError)
	AddFlags(fs, CollectorKeys...)
	require.NoError(t, fs.Parse(args))
	return fs
}

func TestLoadDefaults(t *testing.T) {
	c, err := Load(Options{})
	require.NoError(t, err)

	assert.Equal(t, ":3334", c.Listen)
	assert.Equal(t, ":3336", c.CommandListen)
	assert.Equal(t, "result.xml", c.Output)
	assert.Equal(t, "none", c.BreakOnError)
	assert.Equal(t, "auto", c.Spill)
	assert.True(t, c.DedupeByName)
	assert.Equal(t, time.Second, c.MemoryCheckInterval)
	assert.Equal(t, 30*time.Second, c.ShutdownTimeout)
	assert.Equal(t, runtime.NumCPU(), c.Workers)
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("COVGRID_OUTPUT=from-dotenv.xml\nCOVGRID_SCALES=true\n"), 0o644))

	t.Setenv("COVGRID_OUTPUT", "from-env.xml")
	t.Setenv("COVGRID_MAX_CONNECTIONS", "7")
	t.Setenv("COVGRID_SHUTDOWN_TIMEOUT", "2s")
	t.Setenv("COVGRID_LISTEN", ":9999")
	// godotenv exports what it loads into the process
	t.Cleanup(func() { _ = os.Unsetenv("COVGRID_SCALES") })

	c, err := Load(Options{
		Flags:   collectorFlags(t, "--listen", ":4000", "--looseness", "blocks"),
		EnvFile: envFile,
	})
	require.NoError(t, err)

	assert.Equal(t, ":4000", c.Listen, "flags beat the environment")
	assert.Equal(t, "blocks", c.Looseness)
	assert.Equal(t, "from-env.xml", c.Output, "the environment beats .env")
	assert.True(t, c.Scales, ".env fills what the environment leaves unset")
	assert.Equal(t, 7, c.MaxConnections)
	assert.Equal(t, 2*time.Second, c.ShutdownTimeout)
	assert.Equal(t, ":3336", c.CommandListen, "unchanged flags fall back to defaults")
}

func TestLoadMissingEnvFileIgnored(t *testing.T) {
	_, err := Load(Options{EnvFile: filepath.Join(t.TempDir(), "absent.env")})
	assert.NoError(t, err)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "covgrid.yaml")
	require.NoError(t, os.WriteFile(path, []byte("output: from-file.xml\nspill: \"off\"\nmemory_limit: 2GiB\n"), 0o644))

	c, err := Load(Options{ConfigFile: path})
	require.NoError(t, err)
	assert.Equal(t, "from-file.xml", c.Output)
	assert.Equal(t, "off", c.Spill)
	limit, err := c.MemoryLimitBytes()
	require.NoError(t, err)
	assert.Equal(t, uint64(2<<30), limit)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"bad looseness", func(c *Config) { c.Looseness = "9" }, false},
		{"bad break mode", func(c *Config) { c.BreakOnError = "sometimes" }, false},
		{"bad spill mode", func(c *Config) { c.Spill = "maybe" }, false},
		{"bad memory limit", func(c *Config) { c.MemoryLimit = "lots" }, false},
		{"negative max connections", func(c *Config) { c.MaxConnections = -1 }, false},
		{"no output", func(c *Config) { c.Output = "" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := Load(Options{})
			require.NoError(t, err)
			tt.mutate(c)
			err = c.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestLoadRejectsInvalidEnvironment(t *testing.T) {
	t.Setenv("COVGRID_BREAK_ON_ERROR", "never")
	_, err := Load(Options{})
	assert.Error(t, err)
}

func TestMergeOptions(t *testing.T) {
	c, err := Load(Options{})
	require.NoError(t, err)
	c.Looseness = "2"
	c.BreakOnError = "skip"
	c.WarningsCritical = true
	c.Workers = 3

	opts, err := c.MergeOptions()
	require.NoError(t, err)
	assert.Equal(t, merge.LooseSignatures, opts.Looseness)
	assert.Equal(t, merge.BreakSkip, opts.BreakOnError)
	assert.True(t, opts.WarningsCritical)
	assert.True(t, opts.DedupeByName)
	assert.Equal(t, 3, opts.Workers)
}

func TestCollectorOptions(t *testing.T) {
	dir := t.TempDir()
	tmplPath := filepath.Join(dir, "template.xml")
	tmpl := model.NewBuilder(false).Class("p", "C", 1, 1).Method("a", "()V").Root()
	require.NoError(t, codec.WriteFile(tmplPath, tmpl))

	c, err := Load(Options{Flags: collectorFlags(t,
		"--template", tmplPath,
		"--spill", "ON",
		"--memory-limit", "64MiB",
		"--looseness", "3",
	)})
	require.NoError(t, err)

	opts, err := c.CollectorOptions()
	require.NoError(t, err)
	require.NotNil(t, opts.Template)
	assert.Equal(t, tmplPath, opts.TemplatePath)
	assert.Equal(t, collector.SpillOn, opts.Spill)
	assert.Equal(t, uint64(64<<20), opts.MemoryLimit)
	assert.Equal(t, merge.LooseWarnOnly, opts.Aggregate.Looseness)
	assert.Len(t, opts.Template.Counters(), 1)
}

func TestCollectorOptionsMissingTemplate(t *testing.T) {
	c, err := Load(Options{Flags: collectorFlags(t, "--template", filepath.Join(t.TempDir(), "nope.xml"))})
	require.NoError(t, err)
	_, err = c.CollectorOptions()
	assert.Error(t, err)
}

func TestOnceAddr(t *testing.T) {
	c, err := Load(Options{Flags: collectorFlags(t, "--once-host", "build01", "--once-port", "4444")})
	require.NoError(t, err)
	assert.Equal(t, "build01:4444", c.OnceAddr())
}

func TestLogger(t *testing.T) {
	tests := []struct {
		name   string
		level  string
		format string
		ok     bool
	}{
		{"text info", "info", "text", true},
		{"json debug", "debug", "json", true},
		{"bad level", "loud", "text", false},
		{"bad format", "info", "xml", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Config{LogLevel: tt.level, LogFormat: tt.format}
			var buf bytes.Buffer
			logger, err := c.Logger(&buf)
			if !tt.ok {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			logger.Info("hello")
			assert.Contains(t, buf.String(), "hello")
		})
	}
}

func TestAddFlagsSkipsExisting(t *testing.T) {
	fs := pflag.NewFlagSet("x", pflag.ContinueOnError)
	fs.String("output", "mine.xml", "")
	AddFlags(fs, MergeKeys...)
	assert.Equal(t, "mine.xml", fs.Lookup("output").DefValue)
	assert.NotNil(t, fs.Lookup("break-on-error"))
}
