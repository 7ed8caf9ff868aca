// Package main implements covmerge, the batch tool that merges coverage
// files produced by separate runs into one result.
//
// Inputs are coverage files, optionally followed by '#' and the path of a
// test list naming the file's test columns:
//
//	covmerge --output all.xml run1.xml run2.xml.gz run3.xml#run3.tests
//
// With --break-on-error=test nothing is written and the exit status reports
// what the compatibility check found: 0 clean, 1 warnings only, 2 errors.
// Otherwise the status is 0 on success and 1 on failure.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/dreamware/covgrid/internal/codec"
	"github.com/dreamware/covgrid/internal/config"
	"github.com/dreamware/covgrid/internal/merge"
)

// exitCode carries a process status that is not a plain failure.
type exitCode int

func (e exitCode) Error() string {
	return fmt.Sprintf("exit status %d", int(e))
}

func main() {
	err := newRootCmd(os.Stdout, os.Stderr).Execute()
	var code exitCode
	switch {
	case err == nil:
	case errors.As(err, &code):
		os.Exit(int(code))
	default:
		fmt.Fprintln(os.Stderr, "covmerge:", err)
		os.Exit(1)
	}
}

func newRootCmd(stdout, logOut io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "covmerge [flags] file[#testlist]...",
		Short:         "Merge coverage files",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	fs := cmd.Flags()
	fs.String("config", "", "config file (yaml, json or toml)")
	fs.String("env-file", ".env", "dotenv file loaded into the environment when present")
	fs.String("inputs-from", "", "file listing inputs, one per line")
	fs.String("test-list-output", "", "write the result's test names to this file")
	fs.String("skipped-output", "", "write the names of skipped files to this file")
	config.AddFlags(fs, config.MergeKeys...)

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return run(ctx, cmd, args, stdout, logOut)
	}
	return cmd
}

// parseInput splits "path#testlist".
func parseInput(arg string) merge.Input {
	path, list, _ := strings.Cut(arg, "#")
	return merge.Input{Path: path, TestList: list}
}

func readInputList(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open input list %s", path)
	}
	defer f.Close()
	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" && !strings.HasPrefix(line, "#") {
			out = append(out, line)
		}
	}
	return out, errors.Wrapf(sc.Err(), "read input list %s", path)
}

func run(ctx context.Context, cmd *cobra.Command, args []string, stdout, logOut io.Writer) error {
	fs := cmd.Flags()
	cfgFile, _ := fs.GetString("config")
	envFile, _ := fs.GetString("env-file")
	inputsFrom, _ := fs.GetString("inputs-from")
	testListOut, _ := fs.GetString("test-list-output")
	skippedOut, _ := fs.GetString("skipped-output")

	cfg, err := config.Load(config.Options{Flags: fs, EnvFile: envFile, ConfigFile: cfgFile})
	if err != nil {
		return err
	}
	logger, err := cfg.Logger(logOut)
	if err != nil {
		return err
	}
	opts, err := cfg.MergeOptions()
	if err != nil {
		return err
	}
	opts.GenerateTests = testListOut != ""

	if inputsFrom != "" {
		more, err := readInputList(inputsFrom)
		if err != nil {
			return err
		}
		args = append(args, more...)
	}
	if len(args) == 0 {
		return errors.New("no input files")
	}
	batch := merge.Batch{Options: opts}
	for _, a := range args {
		batch.Inputs = append(batch.Inputs, parseInput(a))
	}
	if cfg.Template != "" {
		batch.Template = &merge.Input{Path: cfg.Template}
	}

	res := merge.NewEngine(logger, nil).Run(ctx, batch)

	if len(res.Skipped) > 0 {
		fmt.Fprintf(stdout, "skipped %d file(s):\n", len(res.Skipped))
		for _, s := range res.Skipped {
			fmt.Fprintln(stdout, "  "+s)
		}
		if skippedOut != "" {
			if err := codec.WriteTestListFile(skippedOut, res.Skipped); err != nil {
				return err
			}
		}
	}

	if opts.BreakOnError == merge.BreakTest {
		fmt.Fprintf(stdout, "checked %d file(s): %d error(s), %d warning(s)\n", len(batch.Inputs), res.Errors, res.Warnings)
		switch {
		case res.Errors > 0:
			return exitCode(2)
		case res.Warnings > 0:
			return exitCode(1)
		}
		return nil
	}
	if res.Failed() {
		return res.Err
	}

	if err := codec.WriteFile(cfg.Output, res.Root); err != nil {
		return err
	}
	if testListOut != "" {
		if err := codec.WriteTestListFile(testListOut, res.Tests); err != nil {
			return err
		}
	}
	fmt.Fprintf(stdout, "merged %d file(s) into %s (%d warning(s))\n", res.FilesMerged, cfg.Output, res.Warnings)
	return nil
}
