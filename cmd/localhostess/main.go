// Copyright 2026 The localhostess Authors
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
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sleexyz/localhostess/internal/config"
	"github.com/sleexyz/localhostess/internal/server"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newRootCmd builds the CLI surface spec §6 / SPEC_FULL.md §6 names:
// `localhostess run [--port] [--bind-host] [--ttl] [--debug]`.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "localhostess",
		Short: "A developer-workstation reverse and forward proxy for named local services",
		Long: `localhostess routes *.localhost requests and forward-proxy traffic to
whichever local process has claimed a NAME, discovered by inspecting
listening sockets and process environments. It needs no per-service
configuration: start a server with NAME=myapp in its environment and
http://myapp.localhost/ starts working.`,
	}
	root.AddCommand(newRunCmd())
	return root
}

func newRunCmd() *cobra.Command {
	var (
		port     int
		bindHost string
		ttl      time.Duration
		debug    bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the proxy in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading configuration: %w", err)
			}
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}
			if cmd.Flags().Changed("bind-host") {
				cfg.BindHost = bindHost
			}
			if cmd.Flags().Changed("ttl") {
				cfg.CacheTTL = ttl
			}
			if cmd.Flags().Changed("debug") {
				cfg.Debug = debug
			}

			logger, err := newLogger(cfg.Debug)
			if err != nil {
				return fmt.Errorf("building logger: %w", err)
			}
			defer logger.Sync()

			proxy, err := server.New(cfg, logger)
			if err != nil {
				return err
			}
			defer proxy.Close()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			return proxy.Run(ctx)
		},
	}

	cmd.Flags().IntVar(&port, "port", config.DefaultPort, "port to listen on")
	cmd.Flags().StringVar(&bindHost, "bind-host", config.DefaultBindHost, "address to bind the listener to")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "discovery cache TTL (0 uses the built-in default)")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")

	return cmd
}

// newLogger builds a development-mode logger when debug is set and a
// production-mode logger otherwise.
func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	return cfg.Build()
}
