package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

type cli struct {
	verbose bool
	logger  *slog.Logger
}

func newRootCommand() *cobra.Command {
	c := &cli{}
	rootCmd := &cobra.Command{
		Use:   "viewerctl",
		Short: "Inspect, gate and render PDF documents",
		Long: `viewerctl runs the safeviewer pipeline on local files.

Examples:
  viewerctl preflight report.pdf
  viewerctl assess report.pdf --profile tablet.yaml
  viewerctl render report.pdf --page 3 --scale 2 --out page3.png
  viewerctl text report.pdf --page 1`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelWarn
			if c.verbose {
				level = slog.LevelDebug
			}
			c.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
		},
	}
	rootCmd.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "Log pipeline activity to stderr")

	rootCmd.AddCommand(
		c.preflightCommand(),
		c.validateCommand(),
		c.assessCommand(),
		c.renderCommand(),
		c.textCommand(),
	)
	return rootCmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
