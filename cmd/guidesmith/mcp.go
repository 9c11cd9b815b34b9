package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	gsmcp "github.com/fyrsmithlabs/guidesmith/internal/mcp"
	"github.com/fyrsmithlabs/guidesmith/internal/evaluator"
	"github.com/fyrsmithlabs/guidesmith/internal/secrets"
	"github.com/fyrsmithlabs/guidesmith/internal/target"
	"github.com/fyrsmithlabs/guidesmith/internal/tools"
)

var mcpKey keyFlags

func init() {
	rootCmd.AddCommand(mcpCmd)
	mcpKey.bind(mcpCmd)
}

// mcpCmd serves the agent tool surface over stdio
var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the guideline tools for one pair over stdio",
	Long: `Serve the MCP tools an agent uses during a run: reading the working
document and recent history, counting tokens, inspecting the failures of
the best evaluation and proposing a revision.
The tools are bound to one (provider, model) pair and cannot touch the
lock, the committed document or the history log.

Examples:
  # Register with an MCP client
  guidesmith mcp --provider anthropic --model claude-3-5-haiku`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		key, err := mcpKey.key()
		if err != nil {
			return err
		}
		return withApp(cmd.Context(), func(a *app) error {
			surface, err := a.surface(key)
			if err != nil {
				return err
			}
			srv, err := gsmcp.NewServer(&gsmcp.Config{
				Name:    "guidesmith-tools",
				Version: version,
				Logger:  a.logger,
				Meter:   a.tel.Meter(serviceName),
			}, surface)
			if err != nil {
				return err
			}
			return srv.Run(cmd.Context())
		})
	},
}

// surface builds the tool surface for key from the app's configuration.
func (a *app) surface(key target.Key) (*tools.Surface, error) {
	seed := a.cfg.Orchestrator.SeedDocument
	if a.cfg.Orchestrator.SeedPath != "" {
		data, err := os.ReadFile(a.cfg.Orchestrator.SeedPath)
		if err != nil {
			return nil, usageError(fmt.Errorf("read seed document: %w", err))
		}
		seed = string(data)
	}

	opts := []tools.Option{
		tools.WithSeed(seed),
		tools.WithMaxProposalBytes(a.cfg.Tools.MaxProposalBytes),
		tools.WithLogger(a.logger),
		tools.WithReports(evaluator.NewReports(a.store)),
		tools.WithWorkDir(a.cfg.Evaluator.WorkDir),
	}
	if a.cfg.Secrets.IsEnabled() {
		redactor, err := secrets.New(a.cfg.Secrets.AllowlistPath)
		if err != nil {
			return nil, fmt.Errorf("secret redaction: %w", err)
		}
		opts = append(opts, tools.WithRedactor(redactor))
	}
	return tools.NewSurface(key, a.docs, a.hist, opts...)
}
