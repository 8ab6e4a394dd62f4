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
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	cfgFile  string
	config   *Config
	logLevel zap.AtomicLevel
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "heddled",
	Short: "Heddle - LLM agent orchestration hub",
	Long: `Heddle (heddled) brokers tool servers, composes layered model context
with a token budget, keeps long-term memory with session snapshots, and
drives autonomous task loops gated by a reviewer council.`,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./heddle.yaml, ~/.heddle/heddle.yaml, /etc/heddle/heddle.yaml)")

	// Logging flags
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "console", "log format (console, json)")

	// Storage flags
	rootCmd.PersistentFlags().String("db", "", "memory database path (default: ~/.heddle/heddle.db)")

	// Loop flags
	rootCmd.PersistentFlags().Int("budget", 0, "context token budget per composition")
	rootCmd.PersistentFlags().String("autonomy", "", "default autonomy level (low, medium, high)")

	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("logging.format", rootCmd.PersistentFlags().Lookup("log-format"))
	_ = viper.BindPFlag("memory.path", rootCmd.PersistentFlags().Lookup("db"))
	_ = viper.BindPFlag("autonomy.budget_tokens", rootCmd.PersistentFlags().Lookup("budget"))
	_ = viper.BindPFlag("autonomy.default_autonomy", rootCmd.PersistentFlags().Lookup("autonomy"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	var err error
	config, err = LoadConfig(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
}

// buildLogger constructs the process logger. The returned atomic level backs
// config hot reload.
func buildLogger(cfg LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	logLevel = zap.NewAtomicLevelAt(level)

	var zapCfg zap.Config
	switch cfg.Format {
	case "json":
		zapCfg = zap.NewProductionConfig()
	case "console", "":
		zapCfg = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("invalid log format %q (want console or json)", cfg.Format)
	}
	zapCfg.Level = logLevel
	return zapCfg.Build()
}
