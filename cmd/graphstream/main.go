package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hanpama/graphstream/internal/config"
	"github.com/hanpama/graphstream/internal/enginepb"
	"github.com/hanpama/graphstream/internal/eventbus"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:          "graphstream",
		Short:        "Streaming batched GraphQL endpoint",
		Long:         "graphstream answers batches of GraphQL operations with a streamed JSON array,\nsending each object shared between results only once per request.",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "YAML configuration file")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newPrintProtoCommand())
	return cmd
}

func newServeCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP endpoint backed by a remote execution engine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, root.configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	f := cmd.Flags()
	f.String("listen", "", "HTTP listen address")
	f.String("path", "", "endpoint path")
	f.Duration("timeout", 0, "per-batch timeout")
	f.Int("max-operations", 0, "maximum operations per batch")
	f.Int("max-concurrency", 0, "maximum operations executing at once per batch (0 = unbounded)")
	f.StringSlice("forward-header", nil, "HTTP header forwarded to the engine; repeatable")
	f.String("cross-site-origin", "", "trusted companion site origin allowed through CORS")
	f.String("metrics-path", "", "path serving Prometheus metrics")
	f.String("engine", "", "engine kind (grpc|http)")
	f.StringSlice("endpoint", nil, "gRPC engine endpoint host:port; repeatable")
	f.String("url", "", "HTTP engine URL")
	f.String("schema", "", "SDL file to validate operations against")
	f.String("otel-endpoint", "", "OTLP/gRPC collector endpoint")
	f.String("log-level", "", "log level (debug|info|warn|error)")
	f.String("log-format", "", "log format (text|json)")
	return cmd
}

// loadConfig reads the configuration file and applies the flags that were
// set explicitly.
func loadConfig(cmd *cobra.Command, path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	f := cmd.Flags()
	set := func(name string, apply func()) {
		if f.Changed(name) {
			apply()
		}
	}
	set("listen", func() { cfg.Server.Listen, _ = f.GetString("listen") })
	set("path", func() { cfg.Server.Path, _ = f.GetString("path") })
	set("timeout", func() { cfg.Server.Timeout, _ = f.GetDuration("timeout") })
	set("max-operations", func() { cfg.Batch.MaxOperations, _ = f.GetInt("max-operations") })
	set("max-concurrency", func() { cfg.Batch.MaxConcurrency, _ = f.GetInt("max-concurrency") })
	set("forward-header", func() { cfg.Server.ForwardHeaders, _ = f.GetStringSlice("forward-header") })
	set("cross-site-origin", func() { cfg.Server.CrossSiteOrigin, _ = f.GetString("cross-site-origin") })
	set("metrics-path", func() { cfg.Server.MetricsPath, _ = f.GetString("metrics-path") })
	set("engine", func() { cfg.Engine.Kind, _ = f.GetString("engine") })
	set("endpoint", func() { cfg.Engine.Endpoints, _ = f.GetStringSlice("endpoint") })
	set("url", func() { cfg.Engine.URL, _ = f.GetString("url") })
	set("schema", func() { cfg.Engine.Schema, _ = f.GetString("schema") })
	set("otel-endpoint", func() { cfg.Otel.Endpoint, _ = f.GetString("otel-endpoint") })
	set("log-level", func() { cfg.Log.Level, _ = f.GetString("log-level") })
	set("log-format", func() { cfg.Log.Format, _ = f.GetString("log-format") })
	return cfg, cfg.Validate()
}

func serve(ctx context.Context, cfg config.Config) error {
	logger, err := cfg.Log.Logger(os.Stderr)
	if err != nil {
		return err
	}

	bus := eventbus.New()
	prev := eventbus.Use(bus)
	defer eventbus.Use(prev)

	a, err := build(ctx, cfg, bus, logger)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.Close(sctx); err != nil {
			logger.Warn("shutdown", "error", err)
		}
	}()

	ln, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: a.handler, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	logger.Info("graphstream listening",
		"addr", ln.Addr().String(),
		"path", cfg.Server.Path,
		"engine", cfg.Engine.Kind,
	)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func newPrintProtoCommand() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "print-proto",
		Short: "Print the .proto contract a gRPC execution engine implements",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if out == "" {
				return enginepb.Render(cmd.OutOrStdout())
			}
			f, err := os.Create(out)
			if err != nil {
				return err
			}
			if err := enginepb.Render(f); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return fmt.Errorf("write %s: %w", out, err)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "write to file instead of stdout")
	return cmd
}
