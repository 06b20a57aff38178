package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hanpama/graphstream/internal/batch"
	"github.com/hanpama/graphstream/internal/config"
	"github.com/hanpama/graphstream/internal/engine"
	"github.com/hanpama/graphstream/internal/enginepb"
	"github.com/hanpama/graphstream/internal/eventbus"
	"github.com/hanpama/graphstream/internal/grpctp"
	"github.com/hanpama/graphstream/internal/language"
	"github.com/hanpama/graphstream/internal/metrics"
	"github.com/hanpama/graphstream/internal/objstore"
	"github.com/hanpama/graphstream/internal/otel"
	"github.com/hanpama/graphstream/internal/server"
)

// app is a fully wired server. Close releases everything build acquired.
type app struct {
	handler http.Handler
	closers []func(context.Context) error
}

func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i](ctx))
	}
	return errors.Join(errs...)
}

func build(ctx context.Context, cfg config.Config, bus *eventbus.Bus, logger *slog.Logger) (*app, error) {
	a := &app{}
	fail := func(err error) (*app, error) {
		_ = a.Close(ctx)
		return nil, err
	}

	shutdown, err := otel.Setup(ctx, bus, cfg.Otel.Endpoint, cfg.Otel.Service)
	if err != nil {
		return fail(fmt.Errorf("otel setup: %w", err))
	}
	a.closers = append(a.closers, shutdown)

	eng, closeEngine, err := newEngine(cfg.Engine)
	if err != nil {
		return fail(err)
	}
	a.closers = append(a.closers, func(context.Context) error { return closeEngine() })

	ctrl := batch.New(eng,
		batch.WithMaxOperations(cfg.Batch.MaxOperations),
		batch.WithMaxConcurrency(cfg.Batch.MaxConcurrency),
		batch.WithIdentity(objstore.Identity{
			TypenameKey: cfg.Batch.Identity.TypenameKey,
			IDKeys:      cfg.Batch.Identity.IDKeys,
		}),
		batch.WithLogger(logger),
	)
	h := server.New(ctrl,
		server.WithTimeout(cfg.Server.Timeout),
		server.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
		server.WithCrossSiteOrigin(cfg.Server.CrossSiteOrigin),
		server.WithContextBuilder(server.HeaderForwarder{Headers: cfg.Server.ForwardHeaders}),
		server.WithLogger(logger),
	)

	mux := http.NewServeMux()
	mux.Handle(cfg.Server.Path, h)
	if cfg.Server.MetricsPath != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		unsubscribe := metrics.New(reg).Register(bus)
		a.closers = append(a.closers, func(context.Context) error { unsubscribe(); return nil })
		mux.Handle(cfg.Server.MetricsPath, metrics.Handler(reg))
	}
	a.handler = mux
	return a, nil
}

// newEngine builds the remote engine described by cfg, wrapped with schema
// validation when a schema file is configured.
func newEngine(cfg config.Engine) (engine.Engine, func() error, error) {
	var (
		eng     engine.Engine
		closeFn = func() error { return nil }
	)
	switch cfg.Kind {
	case config.EngineGRPC:
		desc, err := enginepb.Load()
		if err != nil {
			return nil, nil, fmt.Errorf("engine descriptors: %w", err)
		}
		provider := grpctp.NewStaticEndpoints(map[string][]string{
			string(desc.Service.FullName()): cfg.Endpoints,
		})
		tr := grpctp.New(
			grpctp.WithProvider(provider),
			grpctp.WithMaxConnsPerEndpoint(cfg.MaxConnsPerEndpoint),
			grpctp.WithRPCTimeout(cfg.RPCTimeout),
		)
		g, err := engine.NewGRPC(tr)
		if err != nil {
			_ = tr.Close()
			return nil, nil, err
		}
		eng, closeFn = g, tr.Close
	case config.EngineHTTP:
		eng = engine.NewHTTP(cfg.URL, engine.WithHTTPTimeout(cfg.RPCTimeout))
	default:
		return nil, nil, fmt.Errorf("unknown engine kind %q", cfg.Kind)
	}

	if cfg.Schema != "" {
		src, err := os.ReadFile(cfg.Schema)
		if err != nil {
			_ = closeFn()
			return nil, nil, fmt.Errorf("read schema: %w", err)
		}
		schema, err := language.LoadSchema(cfg.Schema, string(src))
		if err != nil {
			_ = closeFn()
			return nil, nil, fmt.Errorf("load schema: %w", err)
		}
		eng = engine.Validating(schema, eng)
	}
	return eng, closeFn, nil
}
