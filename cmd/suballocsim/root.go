package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type runFlags struct {
	ProfilePath string
	Workers     int
	Iterations  int
	Seed        int64
	BestFit     bool
	JSON        bool
	DetailedMap bool
	LogLevel    string
	LogFormat   string
}

func addRunFlags(flags *pflag.FlagSet, options *runFlags) {
	flags.StringVarP(&options.ProfilePath, "profile", "p", "", "Path to a TOML device profile (defaults to the built-in profile)")
	flags.IntVarP(&options.Workers, "workers", "w", 0, "Number of concurrent workers (overrides the profile)")
	flags.IntVarP(&options.Iterations, "iterations", "n", 0, "Operations per worker (overrides the profile)")
	flags.Int64Var(&options.Seed, "seed", 0, "Random seed (defaults to the current time)")
	flags.BoolVar(&options.BestFit, "best-fit", false, "Place allocations in the smallest free range that fits")
	flags.BoolVar(&options.JSON, "json", false, "Print the report as JSON")
	flags.BoolVar(&options.DetailedMap, "detailed-map", false, "With --json, also print every chunk of every block")
	flags.StringVar(&options.LogLevel, "log-level", "WARN", "Log verbosity level (DEBUG, INFO, WARN, ERROR)")
	flags.StringVar(&options.LogFormat, "log-format", "text", "Log format (text, json)")
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var logLevel slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		logLevel = slog.LevelDebug
	case "INFO":
		logLevel = slog.LevelInfo
	case "WARN":
		logLevel = slog.LevelWarn
	case "ERROR":
		logLevel = slog.LevelError
	default:
		return nil, errors.Newf("unknown log level %q", level)
	}

	options := &slog.HandlerOptions{Level: logLevel}
	switch format {
	case "text":
		return slog.New(slog.NewTextHandler(w, options)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, options)), nil
	}

	return nil, errors.Newf("unknown log format %q", format)
}

func runCmd() *cobra.Command {
	options := &runFlags{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a randomized concurrent workload against a simulated device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(cmd.ErrOrStderr(), options.LogLevel, options.LogFormat)
			if err != nil {
				return err
			}

			profile, err := LoadProfile(options.ProfilePath)
			if err != nil {
				return err
			}

			if options.Workers > 0 {
				profile.Workload.Workers = options.Workers
			}
			if options.Iterations > 0 {
				profile.Workload.Iterations = options.Iterations
			}
			if options.BestFit {
				profile.Allocator.BestFit = true
			}

			seed := options.Seed
			if !cmd.Flags().Changed("seed") {
				seed = time.Now().UnixNano()
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			logger.Info("starting simulation",
				slog.Int64("seed", seed),
				slog.Int("workers", profile.Workload.Workers),
				slog.Int("iterations", profile.Workload.Iterations))

			result, err := Simulate(ctx, logger, profile, seed)
			if err != nil {
				return errors.Wrapf(err, "simulation with seed %d failed", seed)
			}

			if options.JSON {
				return writeJSON(cmd.OutOrStdout(), profile, result, options.DetailedMap)
			}
			return writeReport(cmd.OutOrStdout(), profile, result)
		},
	}

	addRunFlags(cmd.Flags(), options)
	return cmd
}

func profileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "profile",
		Short: "Print the built-in device profile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprint(cmd.OutOrStdout(), defaultProfile)
			return err
		},
	}
}

func RootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "suballocsim",
		Short:         "Exercise the device memory sub-allocator against a simulated GPU",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(runCmd(), profileCmd())
	return rootCmd
}

func Execute() {
	if err := RootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
