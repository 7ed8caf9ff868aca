package config

import (
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/dreamware/covgrid/internal/codec"
	"github.com/dreamware/covgrid/internal/collector"
	"github.com/dreamware/covgrid/internal/merge"
)

// MergeOptions builds the batch merge policy.
func (c *Config) MergeOptions() (merge.Options, error) {
	l, err := merge.ParseLooseness(c.Looseness)
	if err != nil {
		return merge.Options{}, err
	}
	b, err := merge.ParseBreakOnError(c.BreakOnError)
	if err != nil {
		return merge.Options{}, err
	}
	return merge.Options{
		Looseness:        l,
		BreakOnError:     b,
		WarningsCritical: c.WarningsCritical,
		DedupeByName:     c.DedupeByName,
		Scales:           c.Scales,
		Workers:          c.Workers,
	}, nil
}

// CollectorOptions builds the collector settings. The template, when
// configured, is read here so a bad path fails before anything listens.
func (c *Config) CollectorOptions() (collector.Options, error) {
	l, err := merge.ParseLooseness(c.Looseness)
	if err != nil {
		return collector.Options{}, err
	}
	limit, err := c.MemoryLimitBytes()
	if err != nil {
		return collector.Options{}, err
	}
	opts := collector.Options{
		Listen:         c.Listen,
		Workers:        c.Workers,
		MaxConnections: c.MaxConnections,
		SaveAtReceive:  c.SaveAtReceive,
		BadDataDir:     c.BadDataDir,
		Output:         c.Output,
		TemplatePath:   c.Template,
		Aggregate: collector.AggregateOptions{
			Looseness:        l,
			WarningsCritical: c.WarningsCritical,
			DedupeByName:     c.DedupeByName,
			Scales:           c.Scales,
		},
		Spill:               collector.SpillMode(strings.ToLower(c.Spill)),
		SpillDir:            c.SpillDir,
		MemoryLimit:         limit,
		MemoryCheckInterval: c.MemoryCheckInterval,
		ShutdownTimeout:     c.ShutdownTimeout,
		RunCommand:          c.RunCommand,
	}
	if c.Template != "" {
		root, err := codec.ReadFile(c.Template)
		if err != nil {
			return collector.Options{}, errors.Wrap(err, "config: loading template")
		}
		opts.Template = root
	}
	return opts, nil
}

// OnceAddr is the producer address dialled in once mode.
func (c *Config) OnceAddr() string {
	return net.JoinHostPort(c.OnceHost, strconv.Itoa(c.OncePort))
}

// Logger builds the process logger from log_level and log_format.
func (c *Config) Logger(w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return nil, errors.Wrapf(err, "config: invalid log_level %q", c.LogLevel)
	}
	hopts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(c.LogFormat) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, hopts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, hopts)), nil
	default:
		return nil, errors.Newf("config: invalid log_format %q (want text or json)", c.LogFormat)
	}
}
