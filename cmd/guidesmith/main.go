// Package main implements the guidesmith CLI.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/guidesmith/internal/orchestrator"
	"github.com/fyrsmithlabs/guidesmith/internal/target"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
)

var (
	// configPath overrides ~/.config/guidesmith/config.yaml
	configPath string
	// jsonOutput switches command output to JSON
	jsonOutput bool
	// logLevel overrides logging.level
	logLevel string
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}

// execute runs the root command and maps its error to an exit code.
func execute(ctx context.Context, args []string) int {
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintf(rootCmd.ErrOrStderr(), "Error: %v\n", ee.err)
		}
		return ee.code
	}
	fmt.Fprintf(rootCmd.ErrOrStderr(), "Error: %v\n", err)
	return orchestrator.ExitFailed
}

var rootCmd = &cobra.Command{
	Use:   "guidesmith",
	Short: "Iteratively improve per-model guideline documents",
	Long: `guidesmith improves a guideline document for one (provider, model) pair
by alternating agent revisions with evaluation runs. Progress is
checkpointed after every iteration, so an interrupted run resumes where it
stopped, and a lock keeps a single writer per pair.`,
	Version:       fmt.Sprintf("%s (%s)", version, gitCommit),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/guidesmith/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print JSON instead of text")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level")

	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError(err)
	})
}

// exitError carries a process exit code. A nil err exits silently.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func usageError(err error) error {
	return &exitError{code: orchestrator.ExitUsage, err: err}
}

// keyFlags binds --provider and --model on cmd.
type keyFlags struct {
	provider string
	model    string
}

func (f *keyFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.provider, "provider", "", "model provider, e.g. anthropic")
	cmd.Flags().StringVar(&f.model, "model", "", "model name, e.g. claude-3-5-haiku")
}

// key returns the validated key. Missing or invalid values are usage
// errors.
func (f *keyFlags) key() (target.Key, error) {
	k := target.Key{Provider: f.provider, Model: f.model}
	if err := k.Validate(); err != nil {
		return target.Key{}, usageError(fmt.Errorf("--provider and --model: %w", err))
	}
	return k, nil
}

// optional reports whether either flag was given.
func (f *keyFlags) optional() bool {
	return f.provider != "" || f.model != ""
}
