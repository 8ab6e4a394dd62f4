// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/teradata-labs/heddle/pkg/hub"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the hub daemon",
	Long: `Run starts the hub: it connects the configured tool servers, starts
the maintenance schedules, and serves tasks until interrupted.`,
	RunE: runHub,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print an example configuration file",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Print(GenerateExampleConfig())
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(configCmd)
}

func runHub(cmd *cobra.Command, args []string) error {
	logger, err := buildLogger(config.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	h, err := hub.New(ctx, config.HubConfig(logger))
	if err != nil {
		return fmt.Errorf("failed to build hub: %w", err)
	}
	defer func() {
		if err := h.Close(); err != nil {
			logger.Error("Shutdown finished with errors", zap.Error(err))
		}
	}()

	// Servers that refuse to connect keep retrying on their own; a total
	// failure still leaves the memory and snapshot surfaces usable.
	if err := h.Start(ctx); err != nil {
		logger.Warn("Tool servers unavailable at start", zap.Error(err))
	}

	maintenance, err := hub.NewMaintenance(h, config.Maintenance, logger)
	if err != nil {
		return fmt.Errorf("failed to schedule maintenance: %w", err)
	}
	maintenance.Start()

	WatchConfig(h, logger)

	logger.Info("Hub running",
		zap.String("db", config.Memory.Path),
		zap.String("model_provider", config.Model.Provider),
		zap.Int("tool_servers", len(config.ToolServers.Servers)))

	<-ctx.Done()
	logger.Info("Shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	maintenance.Stop(stopCtx)
	return nil
}

// exitOnError prints the error and exits nonzero. Shared by the operator
// subcommands, which talk to the hub in-process.
func exitOnError(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
