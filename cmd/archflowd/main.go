// Copyright 2025 The Archflow Authors
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
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/archflow/archflow/internal/log"
	"github.com/archflow/archflow/pkg/config"
	"github.com/archflow/archflow/pkg/conversation"
	"github.com/archflow/archflow/pkg/flow"
	"github.com/archflow/archflow/pkg/stream"
	"github.com/archflow/archflow/pkg/tool"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archflowd",
		Short: "Archflow - AI workflow execution engine",
		Long: `Archflowd runs flow definitions: directed graphs of assistant, agent,
and tool steps with guarded connections, bounded parallelism, and
suspend/resume conversations.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newRunCommand())
	cmd.AddCommand(newExecCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("archflowd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	}
}

func newRunCommand() *cobra.Command {
	var (
		configPath  string
		flowsDir    string
		metricsAddr string
		logLevel    string
		logFormat   string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the engine daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if logLevel != "" {
				cfg.Monitoring.LogLevel = logLevel
			}
			if logFormat != "" {
				cfg.Monitoring.LogFormat = logFormat
			}
			return run(cmd.Context(), cfg, flowsDir, metricsAddr)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to config file")
	cmd.Flags().StringVar(&flowsDir, "flows-dir", "", "Directory of flow definition YAML files")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "Prometheus metrics listen address")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
	cmd.Flags().StringVar(&logFormat, "log-format", "", "Log format (json, text)")
	return cmd
}

func newExecCommand() *cobra.Command {
	var (
		inputJSON     string
		timeout       time.Duration
		maxConcurrent int
		logLevel      string
		logFormat     string
	)

	cmd := &cobra.Command{
		Use:   "exec <definition.yaml>",
		Short: "Execute a single flow definition and stream its events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var input map[string]any
			if inputJSON != "" {
				if err := json.Unmarshal([]byte(inputJSON), &input); err != nil {
					return fmt.Errorf("parse --input: %w", err)
				}
			}
			return exec(cmd.Context(), args[0], input, timeout, maxConcurrent, logLevel, logFormat)
		},
	}

	cmd.Flags().StringVar(&inputJSON, "input", "", "Initial flow variables as a JSON object")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Overall run timeout (0 means none)")
	cmd.Flags().IntVar(&maxConcurrent, "max-concurrent", flow.DefaultParallelConcurrency, "Parallel step limit")
	cmd.Flags().StringVar(&logLevel, "log-level", "warn", "Log level (trace, debug, info, warn, error)")
	cmd.Flags().StringVar(&logFormat, "log-format", "text", "Log format (json, text)")
	return cmd
}

// exec runs one definition to completion, printing each event and the
// final result as JSON lines on stdout.
func exec(ctx context.Context, path string, input map[string]any, timeout time.Duration, maxConcurrent int, logLevel, logFormat string) error {
	logger := log.New(&log.Config{Level: logLevel, Format: log.Format(logFormat)})

	def, err := flow.LoadDefinition(path)
	if err != nil {
		return err
	}
	f, err := def.Compile()
	if err != nil {
		return err
	}
	if f.Config.MaxConcurrentSteps == 0 {
		f.Config.MaxConcurrentSteps = maxConcurrent
	}

	bus := stream.NewBus(logger)
	defer bus.Close()
	enc := json.NewEncoder(os.Stdout)
	bus.Subscribe(func(ctx context.Context, event *stream.Event) error {
		return enc.Encode(event)
	})

	registry := tool.NewRegistry(tool.NewChain(logger, tool.NewLoggingInterceptor(logger)))
	engine := flow.NewEngine(flow.WithLogger(logger), flow.WithBus(bus))
	engine.RegisterHandler(flow.KindTool, flow.NewToolStepHandler(registry))
	if err := engine.RegisterFlow(f); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result, err := engine.Execute(ctx, f.ID, input)
	if err != nil {
		return err
	}
	if err := enc.Encode(result); err != nil {
		return err
	}
	if result.Status != flow.StatusCompleted {
		return fmt.Errorf("flow %s finished %s", f.ID, result.Status)
	}
	return nil
}

func run(ctx context.Context, cfg *config.Config, flowsDir, metricsAddr string) error {
	logger := log.New(&log.Config{
		Level:  cfg.Monitoring.LogLevel,
		Format: log.Format(cfg.Monitoring.LogFormat),
	})
	slog.SetDefault(logger)

	reg := prometheus.NewRegistry()
	bus := stream.NewBus(logger)

	chain := tool.NewChain(logger,
		tool.NewTracingInterceptor(nil),
		tool.NewLoggingInterceptor(logger),
		tool.NewMetricsInterceptor(reg),
		tool.NewCacheInterceptor(5*time.Minute),
	)
	registry := tool.NewRegistry(chain)

	engine := flow.NewEngine(
		flow.WithLogger(logger),
		flow.WithBus(bus),
		flow.WithMaxConcurrentFlows(cfg.MaxConcurrentFlows),
		flow.WithRegisterer(reg),
	)
	engine.RegisterHandler(flow.KindTool, flow.NewToolStepHandler(registry))

	conversations := conversation.NewManager(engine, bus, logger,
		conversation.WithTimeout(cfg.ConversationTTL))

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conversations.StartSweeper(ctx, cfg.SweepInterval)

	if flowsDir != "" {
		n, err := loadFlows(engine, flowsDir)
		if err != nil {
			return err
		}
		logger.Info("loaded flow definitions", "dir", flowsDir, "count", n)
	}

	var metricsServer *http.Server
	if cfg.Monitoring.MetricsEnabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			logger.Info("metrics endpoint listening", "addr", metricsAddr)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	logger.Info("archflowd started",
		"version", version,
		"max_concurrent_flows", cfg.MaxConcurrentFlows)

	<-ctx.Done()
	logger.Info("shutting down")

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown failed", "error", err)
		}
	}
	bus.Close()
	return nil
}

// loadFlows registers every YAML definition in dir.
func loadFlows(engine *flow.Engine, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		def, err := flow.LoadDefinition(filepath.Join(dir, entry.Name()))
		if err != nil {
			return count, fmt.Errorf("load %s: %w", entry.Name(), err)
		}
		f, err := def.Compile()
		if err != nil {
			return count, fmt.Errorf("compile %s: %w", entry.Name(), err)
		}
		if err := engine.RegisterFlow(f); err != nil {
			return count, fmt.Errorf("register %s: %w", entry.Name(), err)
		}
		count++
	}
	return count, nil
}
