// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command counsel runs the counsel chat backend.
//
// # Configuration
//
// Settings come from built-in defaults, then the YAML file given with
// --config, then a .env file in the working directory, then COUNSEL_*
// environment variables (for example COUNSEL_SERVER_PORT or
// COUNSEL_LLM_API_KEY).
//
// # Usage
//
//	counsel serve --config counsel.yaml
//	counsel version
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/AleutianAI/counsel/pkg/config"
	"github.com/AleutianAI/counsel/pkg/logging"
	"github.com/AleutianAI/counsel/services/orchestrator"
	"github.com/spf13/cobra"
)

var (
	configPath string

	rootCmd = &cobra.Command{
		Use:           "counsel",
		Short:         "Multi-domain advisory chat backend",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP, SSE and WebSocket server",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), orchestrator.Version)
		},
	}
)

func init() {
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	rootCmd.AddCommand(serveCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "counsel:", err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	logger := logging.New(logging.Config{
		Level:   level,
		Format:  logging.Format(cfg.Log.Format),
		LogDir:  cfg.Log.Dir,
		Service: cfg.Telemetry.ServiceName,
	})
	defer logger.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := orchestrator.New(cfg, nil, logger.With("version", orchestrator.Version).Slog())
	if err != nil {
		return fmt.Errorf("start counsel: %w", err)
	}
	return svc.Run(ctx)
}

// execute runs the root command with args.
func execute(ctx context.Context, args ...string) error {
	rootCmd.SetArgs(args)
	return rootCmd.ExecuteContext(ctx)
}
