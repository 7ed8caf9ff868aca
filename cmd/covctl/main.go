// Package main implements covctl, the command-line client for a running
// collector's control port.
//
//	covctl save                   # persist the current result
//	covctl kill --timeout 60s     # save and stop, waiting up to 60s
//	covctl force-kill             # stop now, discarding unsaved data
//	covctl status                 # print the status snapshot
//	covctl wait --for 2m          # block until the collector is up
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dreamware/covgrid/internal/control"
)

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "covctl:", err)
		os.Exit(1)
	}
}

// client builds a control client from --addr, falling back to
// COVGRID_CONTROL_ADDR.
func client(cmd *cobra.Command) *control.Client {
	v := viper.New()
	v.SetEnvPrefix("COVGRID")
	v.AutomaticEnv()
	v.SetDefault("control_addr", "localhost:3336")
	_ = v.BindPFlag("control_addr", cmd.Flags().Lookup("addr"))
	c := control.NewClient(v.GetString("control_addr"))
	if t, err := cmd.Flags().GetDuration("request-timeout"); err == nil && t > 0 {
		c.Timeout = t
	}
	return c
}

func newRootCmd(stdout io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "covctl",
		Short:         "Control a running collector",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("addr", "localhost:3336", "collector control address")
	root.PersistentFlags().Duration("request-timeout", 10*time.Second, "per-request timeout")

	save := &cobra.Command{
		Use:   "save",
		Short: "Persist the collector's current result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// a save can take longer than an ordinary request
			c := client(cmd)
			c.Timeout = 0
			if err := c.Save(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(stdout, "saved")
			return nil
		},
	}

	kill := &cobra.Command{
		Use:   "kill",
		Short: "Save and stop the collector",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			timeout, _ := cmd.Flags().GetDuration("timeout")
			if err := client(cmd).Kill(cmd.Context(), timeout); err != nil {
				return err
			}
			fmt.Fprintln(stdout, "shutdown requested")
			return nil
		},
	}
	kill.Flags().Duration("timeout", 0, "how long to wait for in-flight submissions; 0 uses the collector's setting")

	forceKill := &cobra.Command{
		Use:   "force-kill",
		Short: "Stop the collector without saving",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := client(cmd).ForceKill(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(stdout, "forced shutdown requested")
			return nil
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Print the collector's status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := client(cmd).Status(cmd.Context())
			if err != nil {
				return err
			}
			printStatus(stdout, st)
			return nil
		},
	}

	wait := &cobra.Command{
		Use:   "wait",
		Short: "Block until the collector reports it has started",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			limit, _ := cmd.Flags().GetDuration("for")
			verbose, _ := cmd.Flags().GetBool("verbose")
			ctx := cmd.Context()
			if limit > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, limit)
				defer cancel()
			}
			var logger *slog.Logger
			if verbose {
				logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
			}
			ri, err := client(cmd).WaitReady(ctx, control.DefaultBackoff, logger)
			if err != nil {
				return err
			}
			fmt.Fprintf(stdout, "collector ready on %s:%d\n", ri.Host, ri.Port)
			return nil
		},
	}
	wait.Flags().Duration("for", time.Minute, "give up after this long; 0 waits forever")
	wait.Flags().BoolP("verbose", "v", false, "log every attempt")

	root.AddCommand(save, kill, forceKill, status, wait)
	return root
}

func printStatus(w io.Writer, st control.Status) {
	fmt.Fprintf(w, "running:     %t\n", st.Running)
	fmt.Fprintf(w, "connections: %d total, %d active\n", st.Total, st.Active)
	fmt.Fprintf(w, "unsaved:     %t\n", st.Unsaved)
	fmt.Fprintf(w, "command:     %s\n", st.Command)
	fmt.Fprintf(w, "workdir:     %s\n", st.WorkDir)
	fmt.Fprintf(w, "template:    %s\n", st.Template)
	fmt.Fprintf(w, "output:      %s\n", st.Output)
}
