package config

import (
	"time"

	"github.com/spf13/pflag"
)

// usage holds the help text for each key.
var usage = map[string]string{
	"listen":                "data port address",
	"command_listen":        "control port address; empty disables the control channel",
	"admin_listen":          "HTTP address for /health and /metrics; empty disables it",
	"max_connections":       "stop after this many submissions; 0 means unbounded",
	"save_at_receive":       "rewrite the output after every merged submission",
	"bad_data_dir":          "directory for rejected structured submissions",
	"looseness":             "compatibility looseness: 0-3 or blocks",
	"break_on_error":        "error policy: none, error, file, skip or test",
	"warnings_critical":     "treat compatibility warnings as errors",
	"dedupe_by_name":        "fold test columns with equal names",
	"scales":                "keep a per-test hit matrix",
	"template":              "template coverage file",
	"output":                "result file",
	"spill":                 "spill mode: auto, on or off",
	"spill_dir":             "directory for spill files; defaults to <output dir>/spill",
	"memory_limit":          "memory limit such as 2GiB; 0 means total system memory",
	"memory_check_interval": "how often memory usage is sampled",
	"shutdown_timeout":      "how long a graceful shutdown waits for in-flight connections",
	"workers":               "parallel worker count",
	"once_host":             "producer host dialled in once mode",
	"once_port":             "producer port dialled in once mode",
	"run_command":           "command line reported by STATUS",
	"log_level":             "debug, info, warn or error",
	"log_format":            "text or json",
}

// CollectorKeys are the keys the collector command exposes as flags.
var CollectorKeys = []string{
	"listen", "command_listen", "admin_listen", "max_connections", "save_at_receive",
	"bad_data_dir", "looseness", "warnings_critical", "dedupe_by_name", "scales",
	"template", "output", "spill", "spill_dir", "memory_limit", "memory_check_interval",
	"shutdown_timeout", "workers", "once_host", "once_port", "run_command",
	"log_level", "log_format",
}

// MergeKeys are the keys the merge command exposes as flags.
var MergeKeys = []string{
	"looseness", "break_on_error", "warnings_critical", "dedupe_by_name", "scales",
	"template", "output", "workers", "log_level", "log_format",
}

// AddFlags registers keys on fs with their defaults.
func AddFlags(fs *pflag.FlagSet, keys ...string) {
	defaults := Defaults()
	for _, key := range keys {
		name := FlagName(key)
		if fs.Lookup(name) != nil {
			continue
		}
		switch d := defaults[key].(type) {
		case string:
			fs.String(name, d, usage[key])
		case bool:
			fs.Bool(name, d, usage[key])
		case int:
			fs.Int(name, d, usage[key])
		case time.Duration:
			fs.Duration(name, d, usage[key])
		}
	}
}
