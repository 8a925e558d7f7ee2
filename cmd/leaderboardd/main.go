// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
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
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tombee/leaderboard/internal/config"
	"github.com/tombee/leaderboard/internal/daemon"
	"github.com/tombee/leaderboard/internal/log"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "leaderboardd",
		Short:         "Submission and evaluation control plane",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file")

	root.AddCommand(newServeCommand(&configPath))
	root.AddCommand(newWorkerCommand(&configPath))
	root.AddCommand(newVersionCommand())
	return root
}

func newServeCommand(configPath *string) *cobra.Command {
	var (
		listenAddr string
		backend    string
		queueURL   string
		workers    int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with embedded workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := log.New(log.FromEnv())
			slog.SetDefault(logger)

			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if listenAddr != "" {
				cfg.ListenAddr = listenAddr
			}
			if backend != "" {
				cfg.Backend = backend
			}
			if queueURL != "" {
				cfg.QueueURL = queueURL
			}
			if workers >= 0 {
				cfg.Workers = workers
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			d, err := daemon.New(cfg, version, logger)
			if err != nil {
				return err
			}
			return d.Run(signalContext())
		},
	}
	cmd.Flags().StringVar(&listenAddr, "listen", "", "TCP address to listen on")
	cmd.Flags().StringVar(&backend, "backend", "", "State store and queue backend (redis, memory)")
	cmd.Flags().StringVar(&queueURL, "queue-url", "", "Redis connection URL")
	cmd.Flags().IntVar(&workers, "workers", -1, "Number of embedded workers")
	return cmd
}

func newWorkerCommand(configPath *string) *cobra.Command {
	var workers int

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run standalone workers against the shared Redis backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := log.New(log.FromEnv())
			slog.SetDefault(logger)

			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if workers > 0 {
				cfg.Workers = workers
			}
			return daemon.RunWorker(signalContext(), cfg, version, logger)
		},
	}
	cmd.Flags().IntVar(&workers, "workers", 0, "Number of workers")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("leaderboardd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	}
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx
}
