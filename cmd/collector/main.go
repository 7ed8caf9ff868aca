// Package main implements the covgrid collector, a long-running process that
// receives coverage submissions from instrumented producers and merges them
// into one result file.
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│               Collector                 │
//	├─────────────────────────────────────────┤
//	│  TCP:                                   │
//	│    :3334  - data port (submissions)     │
//	│    :3336  - control port (SAVE, KILL,   │
//	│             FORCE_KILL, STATUS, WAIT)   │
//	│  HTTP (optional):                       │
//	│    /health   - status snapshot          │
//	│    /metrics  - Prometheus collectors    │
//	├─────────────────────────────────────────┤
//	│  Components:                            │
//	│    collector.Server - aggregate, spill  │
//	│    control.Server   - control channel   │
//	└─────────────────────────────────────────┘
//
// Configuration comes from flags, COVGRID_* environment variables, an
// optional .env file and an optional config file. See internal/config.
//
// Example usage:
//
//	# collect until killed, seeded by a template
//	collector --template template.xml --output result.xml
//
//	# read one submission from a producer and exit
//	collector once --once-host build01 --once-port 3335
//
//	# save and stop from another shell
//	covctl save && covctl kill
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/dreamware/covgrid/internal/collector"
	"github.com/dreamware/covgrid/internal/config"
	"github.com/dreamware/covgrid/internal/control"
	"github.com/dreamware/covgrid/internal/metrics"
)

func main() {
	if err := newRootCmd(os.Stderr).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "collector:", err)
		os.Exit(1)
	}
}

func newRootCmd(logOut io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "collector",
		Short:         "Collect coverage submissions over TCP and merge them",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
	}
	root.PersistentFlags().String("config", "", "config file (yaml, json or toml)")
	root.PersistentFlags().String("env-file", ".env", "dotenv file loaded into the environment when present")
	config.AddFlags(root.PersistentFlags(), config.CollectorKeys...)

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Listen for submissions until killed (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, logOut)
		},
	}
	once := &cobra.Command{
		Use:   "once",
		Short: "Connect to a producer, merge its one submission and save",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runOnce(cmd, logOut)
		},
	}
	root.RunE = serve.RunE
	root.AddCommand(serve, once)
	return root
}

// setup resolves configuration and the shared runtime pieces.
func setup(cmd *cobra.Command, logOut io.Writer) (*config.Config, *slog.Logger, *prometheus.Registry, error) {
	flags := cmd.Flags()
	cfgFile, _ := flags.GetString("config")
	envFile, _ := flags.GetString("env-file")
	cfg, err := config.Load(config.Options{Flags: flags, EnvFile: envFile, ConfigFile: cfgFile})
	if err != nil {
		return nil, nil, nil, err
	}
	if cfg.RunCommand == "" {
		cfg.RunCommand = strings.Join(os.Args, " ")
	}
	logger, err := cfg.Logger(logOut)
	if err != nil {
		return nil, nil, nil, err
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return cfg, logger, reg, nil
}

func runServe(cmd *cobra.Command, logOut io.Writer) error {
	cfg, logger, reg, err := setup(cmd, logOut)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return serve(ctx, cfg, logger, reg, nil)
}

// serve runs the collector until it shuts down. ready, when non-nil,
// receives the running server once every listener is bound.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger, reg *prometheus.Registry, ready chan<- *collector.Server) error {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	opts, err := cfg.CollectorOptions()
	if err != nil {
		return err
	}
	srv, err := collector.New(opts, logger, metrics.New(reg))
	if err != nil {
		return err
	}
	// the data listener is driven by Kill, not by ctx, so a signal goes
	// through the same graceful path as a KILL command
	if err := srv.Start(context.Background()); err != nil {
		return err
	}

	var ctl *control.Server
	ctlCtx, ctlCancel := context.WithCancel(context.Background())
	defer ctlCancel()
	if cfg.CommandListen != "" {
		ctl = control.NewServer(srv, logger)
		if err := ctl.Listen(cfg.CommandListen); err != nil {
			_ = srv.Kill(true, 0)
			return err
		}
		go func() {
			if err := ctl.Serve(ctlCtx); err != nil {
				logger.Error("control channel stopped", "err", err)
			}
		}()
	}

	var admin *http.Server
	if cfg.AdminListen != "" {
		admin = &http.Server{
			Addr:              cfg.AdminListen,
			Handler:           newAdminMux(srv, reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("admin listening", "addr", cfg.AdminListen)
			if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("admin listener failed", "err", err)
			}
		}()
	}

	if ready != nil {
		ready <- srv
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		_ = srv.Kill(false, 0)
	case <-srv.Done():
	}
	<-srv.Done()

	ctlCancel()
	if ctl != nil {
		_ = ctl.Close()
	}
	if admin != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = admin.Shutdown(shutdownCtx)
	}
	return srv.Err()
}

func runOnce(cmd *cobra.Command, logOut io.Writer) error {
	cfg, logger, reg, err := setup(cmd, logOut)
	if err != nil {
		return err
	}
	opts, err := cfg.CollectorOptions()
	if err != nil {
		return err
	}
	// a single submission never needs spilling
	opts.Spill = collector.SpillOff
	srv, err := collector.New(opts, logger, metrics.New(reg))
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return srv.RunOnce(ctx, cfg.OnceAddr())
}
