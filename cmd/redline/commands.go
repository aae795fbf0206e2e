package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/youruser/redline/internal/config"
	"github.com/youruser/redline/internal/cost"
	"github.com/youruser/redline/internal/llm"
	"github.com/youruser/redline/internal/mcptools"
	"github.com/youruser/redline/internal/pipeline"
	"github.com/youruser/redline/internal/server"
)

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "redline",
		Short:         "Revise only the parts of a document an instruction affects",
		Long:          "redline asks a model which parts of a document an instruction touches, revises just those parts, and proposes them for review.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStdio(cmd, opts)
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default ~/.config/redline/config.yaml)")

	root.AddCommand(
		newServeCmd(opts),
		newHTTPCmd(opts),
		newMCPCmd(opts),
		newReviseCmd(opts),
		newVersionCmd(),
	)
	return root
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the line-delimited JSON protocol on stdin/stdout (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStdio(cmd, opts)
		},
	}
}

func runStdio(cmd *cobra.Command, opts *rootOptions) error {
	svc, err := buildService(cmd.Context(), opts)
	if err != nil {
		return reportError(cmd, err)
	}
	log.Info("redline %s serving stdio", svc.Version())
	return server.NewStdio(svc, cmd.OutOrStdout()).Serve(cmd.Context(), cmd.InOrStdin())
}

func newHTTPCmd(opts *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "http",
		Short: "Serve the JSON API over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := buildService(cmd.Context(), opts)
			if err != nil {
				return reportError(cmd, err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "redline %s listening on %s\n", svc.Version(), addr)
			return reportError(cmd, server.ListenAndServe(cmd.Context(), addr, server.NewHandler(svc)))
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	return cmd
}

func newMCPCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the revision tools over MCP on stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := buildService(cmd.Context(), opts)
			if err != nil {
				return reportError(cmd, err)
			}
			return reportError(cmd, mcptools.Run(cmd.Context(), svc))
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "redline %s\n", versionString())
		},
	}
}

// loadConfig reads the config from path, or from the default location when
// path is empty.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Load()
	}
	return config.LoadFrom(path)
}

// buildService wires config, gateways, pipeline and cost table together.
func buildService(ctx context.Context, opts *rootOptions) (*server.Service, error) {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return serviceFor(ctx, cfg)
}

func serviceFor(ctx context.Context, cfg *config.Config) (*server.Service, error) {
	gw, err := llm.NewGateway(ctx, cfg, cfg.Model)
	if err != nil {
		return nil, fmt.Errorf("create %s gateway: %w", cfg.Provider, err)
	}
	var popts []pipeline.Option
	if cfg.RepairModel != "" && cfg.RepairModel != cfg.Model {
		repair, err := llm.NewGateway(ctx, cfg, cfg.RepairModel)
		if err != nil {
			return nil, fmt.Errorf("create repair gateway: %w", err)
		}
		popts = append(popts, pipeline.WithRepairGateway(repair))
	}
	log.Info("provider=%s model=%s repair_model=%s", cfg.Provider, cfg.Model, cfg.RepairModel)
	return server.NewService(pipeline.New(gw, popts...), cost.TableFor(cfg), versionString()), nil
}

func reportError(cmd *cobra.Command, err error) error {
	if err != nil {
		log.Error("%s: %v", cmd.Name(), err)
		fmt.Fprintf(cmd.ErrOrStderr(), "redline: %v\n", err)
	}
	return err
}

func readFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
