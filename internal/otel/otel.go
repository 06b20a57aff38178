// Package otel turns eventbus lifecycle events into OpenTelemetry spans:
//
//	http.request
//	└── graphql.batch
//	    └── graphql.operation (one per index)
//	        └── engine.call
//	            └── grpc.client
package otel

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"

	eventbus "github.com/hanpama/graphstream/internal/eventbus"
	events "github.com/hanpama/graphstream/internal/events"
	reqid "github.com/hanpama/graphstream/internal/reqid"
)

const instrumentationName = "github.com/hanpama/graphstream"

// Setup exports spans to an OTLP/gRPC collector at endpoint and subscribes
// to bus. If endpoint is empty, no telemetry is configured.
func Setup(ctx context.Context, bus *eventbus.Bus, endpoint, service string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	exp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure())
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(service),
		)),
	)
	otel.SetTracerProvider(tp)

	unsubscribe := Register(bus, tp.Tracer(instrumentationName))
	return func(ctx context.Context) error {
		unsubscribe()
		return tp.Shutdown(ctx)
	}, nil
}

// Register subscribes a span recorder using tracer to bus.
func Register(bus *eventbus.Bus, tracer trace.Tracer) (unsubscribe func()) {
	s := &subscriber{tracer: tracer}
	return s.register(bus)
}

// opKey identifies one operation of one request.
type opKey struct {
	rid   string
	index int
}

type subscriber struct {
	tracer     trace.Tracer
	httpSpans  sync.Map // rid -> trace.Span
	batchSpans sync.Map // rid -> trace.Span
	opSpans    sync.Map // opKey -> trace.Span
	engSpans   sync.Map // opKey -> trace.Span
	grpcSpans  sync.Map // opKey -> trace.Span
}

func keyOf(ctx context.Context) opKey {
	rid, _ := reqid.FromContext(ctx)
	i, ok := reqid.IndexFromContext(ctx)
	if !ok {
		i = -1
	}
	return opKey{rid: rid, index: i}
}

// parent returns ctx carrying the first span found in order.
func parent(ctx context.Context, lookups ...func() (any, bool)) context.Context {
	for _, l := range lookups {
		if v, ok := l(); ok {
			return trace.ContextWithSpan(ctx, v.(trace.Span))
		}
	}
	return ctx
}

func end(m *sync.Map, key any, err error, attrs ...attribute.KeyValue) {
	v, ok := m.LoadAndDelete(key)
	if !ok {
		return
	}
	span := v.(trace.Span)
	span.SetAttributes(attrs...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (s *subscriber) register(bus *eventbus.Bus) func() {
	var unsubs []func()
	add := func(u func()) { unsubs = append(unsubs, u) }

	add(eventbus.On(bus, func(ctx context.Context, e events.HTTPStart) {
		rid, _ := reqid.FromContext(ctx)
		_, span := s.tracer.Start(ctx, "http.request", trace.WithSpanKind(trace.SpanKindServer))
		span.SetAttributes(
			semconv.HTTPMethodKey.String(e.Request.Method),
			attribute.String("http.target", e.Request.URL.Path),
		)
		s.httpSpans.Store(rid, span)
	}))

	add(eventbus.On(bus, func(ctx context.Context, e events.HTTPFinish) {
		rid, _ := reqid.FromContext(ctx)
		end(&s.httpSpans, rid, nil, semconv.HTTPStatusCodeKey.Int(e.Status))
	}))

	add(eventbus.On(bus, func(ctx context.Context, e events.BatchStart) {
		rid, _ := reqid.FromContext(ctx)
		p := parent(ctx, func() (any, bool) { return s.httpSpans.Load(rid) })
		_, span := s.tracer.Start(p, "graphql.batch")
		span.SetAttributes(attribute.Int("graphql.batch.size", e.Operations))
		s.batchSpans.Store(rid, span)
	}))

	add(eventbus.On(bus, func(ctx context.Context, e events.BatchFinish) {
		rid, _ := reqid.FromContext(ctx)
		end(&s.batchSpans, rid, e.Err,
			attribute.Int("graphql.batch.entries", e.Entries),
			attribute.Bool("graphql.batch.cancelled", e.Cancelled),
		)
	}))

	add(eventbus.On(bus, func(ctx context.Context, e events.BatchRejected) {
		rid, _ := reqid.FromContext(ctx)
		if v, ok := s.httpSpans.Load(rid); ok {
			span := v.(trace.Span)
			span.RecordError(e.Err)
			span.SetStatus(codes.Error, e.Err.Error())
		}
	}))

	add(eventbus.On(bus, func(ctx context.Context, e events.OperationStart) {
		k := keyOf(ctx)
		p := parent(ctx,
			func() (any, bool) { return s.batchSpans.Load(k.rid) },
			func() (any, bool) { return s.httpSpans.Load(k.rid) },
		)
		_, span := s.tracer.Start(p, "graphql.operation")
		span.SetAttributes(
			attribute.Int("graphql.batch.index", e.Index),
			attribute.String("graphql.operation.name", e.OperationName),
			attribute.String("graphql.operation.type", e.OperationType),
		)
		s.opSpans.Store(k, span)
	}))

	add(eventbus.On(bus, func(ctx context.Context, e events.OperationFinish) {
		end(&s.opSpans, keyOf(ctx), e.Err,
			attribute.Int("graphql.error_count", e.Errors),
			attribute.Bool("graphql.operation.failed", e.Failed),
		)
	}))

	add(eventbus.On(bus, func(ctx context.Context, e events.ObjectsStored) {
		if v, ok := s.batchSpans.Load(keyOf(ctx).rid); ok {
			v.(trace.Span).AddEvent("objects.stored", trace.WithAttributes(
				attribute.Int("graphql.batch.index", e.Index),
				attribute.Int("objects.new", e.New),
			))
		}
	}))

	add(eventbus.On(bus, func(ctx context.Context, e events.EngineCallStart) {
		k := keyOf(ctx)
		p := parent(ctx, func() (any, bool) { return s.opSpans.Load(k) })
		_, span := s.tracer.Start(p, "engine.call", trace.WithSpanKind(trace.SpanKindClient))
		span.SetAttributes(
			attribute.String("engine.kind", e.Kind),
			attribute.String("engine.target", e.Target),
		)
		s.engSpans.Store(k, span)
	}))

	add(eventbus.On(bus, func(ctx context.Context, e events.EngineCallFinish) {
		end(&s.engSpans, keyOf(ctx), e.Err, attribute.String("engine.status", e.Status))
	}))

	add(eventbus.On(bus, func(ctx context.Context, e events.GRPCClientStart) {
		k := keyOf(ctx)
		p := parent(ctx,
			func() (any, bool) { return s.engSpans.Load(k) },
			func() (any, bool) { return s.opSpans.Load(k) },
		)
		_, span := s.tracer.Start(p, "grpc.client", trace.WithSpanKind(trace.SpanKindClient))
		span.SetAttributes(
			semconv.RPCServiceKey.String(e.Service),
			semconv.RPCMethodKey.String(e.Method),
			attribute.String("net.peer.name", e.Target),
		)
		s.grpcSpans.Store(k, span)
	}))

	add(eventbus.On(bus, func(ctx context.Context, e events.GRPCClientFinish) {
		end(&s.grpcSpans, keyOf(ctx), e.Err, attribute.String("grpc.code", e.Code.String()))
	}))

	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}
