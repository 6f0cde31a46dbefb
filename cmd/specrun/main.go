package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"specrun/internal/app"
	"specrun/internal/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// exitDelay keeps a fatal message on screen when the runner was started from a
// double-clicked shortcut.
var exitDelay time.Duration

var rootCmd = &cobra.Command{
	Use:   "specrun <configfile>",
	Short: "Run a batch of simulation jobs under a time-of-day CPU budget",
	Long: `specrun discovers simulation job directories, runs the simulation executable
in each of them and keeps the number of concurrent workers within the limit for the
current time of day. The configuration file is re-read while the batch runs.`,
	Args:          cobra.ExactArgs(1),
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a, err := app.New(app.Options{
			ConfigPath: args[0],
			Version:    version,
			Out:        cmd.OutOrStdout(),
			CPUs:       config.HostCPUs,
		})
		if err != nil {
			return err
		}
		defer a.Close()

		_, err = a.Run(ctx)
		return err
	},
}

var checkCmd = &cobra.Command{
	Use:           "check <configfile>",
	Short:         "Validate the configuration and show what a run would do",
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := app.Check(cmd.Context(), app.Options{ConfigPath: args[0], CPUs: config.HostCPUs}, time.Now())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), app.RenderPlan(p))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().DurationVar(&exitDelay, "exit-delay", 5*time.Second, "pause before exiting after a fatal error")
	rootCmd.AddCommand(checkCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fatal(err)
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "fatal:", err)
	for _, h := range errors.GetAllHints(err) {
		fmt.Fprintln(os.Stderr, "hint:", h)
	}
	time.Sleep(exitDelay)
	os.Exit(1)
}
