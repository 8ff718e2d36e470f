// Package tracing records saga attempts as OpenTelemetry spans.
package tracing

import (
	"context"
	"strconv"

	"github.com/puzpuzpuz/xsync/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/fortressi/sagaflow"
)

const tracerName = "github.com/fortressi/sagaflow/tracing"

type Config struct {
	ServiceName string
	// Endpoint is the OTLP gRPC collector address. Tracing is disabled
	// when it is empty.
	Endpoint   string
	SampleRate float64
}

// Init installs a global tracer provider exporting over OTLP gRPC.
func Init(ctx context.Context, cfg Config) (shutdown func(context.Context) error, err error) {
	if cfg.Endpoint == "" {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "sagaflow"
	}
	sampleRate := cfg.SampleRate
	switch {
	case sampleRate <= 0:
		sampleRate = 1
	case sampleRate > 1:
		sampleRate = 1
	}

	exp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}
	res, err := sdkresource.New(ctx, sdkresource.WithAttributes(attribute.String("service.name", serviceName)))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate))),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

// Middleware opens a span per attempt with a child span per step action
// and per compensation.
type Middleware struct {
	tracer trace.Tracer
	spans  *xsync.MapOf[string, span]
}

type span struct {
	ctx  context.Context
	span trace.Span
}

var _ sagaflow.Middleware = (*Middleware)(nil)

// New uses tp, or the global provider when tp is nil.
func New(tp trace.TracerProvider) *Middleware {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Middleware{
		tracer: tp.Tracer(tracerName),
		spans:  xsync.NewMapOf[string, span](),
	}
}

func attemptKey(ec *sagaflow.ExecutionContext) string {
	return ec.CorrelationID + "/" + strconv.Itoa(ec.Attempt)
}

func (m *Middleware) Before(ec *sagaflow.ExecutionContext) *sagaflow.ExecutionContext {
	attrs := []attribute.KeyValue{
		attribute.String("saga.correlation_id", ec.CorrelationID),
		attribute.String("saga.type", ec.SagaType),
		attribute.Int("saga.attempt", ec.Attempt),
	}
	if ec.CausationID != "" {
		attrs = append(attrs, attribute.String("saga.causation_id", ec.CausationID))
	}
	ctx, s := m.tracer.Start(context.Background(), "saga "+ec.SagaType, trace.WithAttributes(attrs...))
	m.spans.Store(attemptKey(ec), span{ctx: ctx, span: s})
	return ec
}

func (m *Middleware) After(status sagaflow.Status, ec *sagaflow.ExecutionContext, res *sagaflow.Result) {
	s, ok := m.spans.LoadAndDelete(attemptKey(ec))
	if !ok {
		return
	}
	s.span.SetAttributes(attribute.String("saga.status", string(status)))
	if res != nil {
		s.span.SetAttributes(
			attribute.Int("saga.steps_completed", res.StepsCompleted),
			attribute.Int("saga.compensated", len(res.Compensated)),
		)
		if res.Err != nil {
			s.span.RecordError(res.Err)
		}
	}
	switch status {
	case sagaflow.StatusCompleted, sagaflow.StatusHalted:
		s.span.SetStatus(codes.Ok, "")
	default:
		s.span.SetStatus(codes.Error, string(status))
	}
	s.span.End()
}

func (m *Middleware) OnStepEvent(kind sagaflow.StepEventKind, step string, ec *sagaflow.ExecutionContext, payload any) {
	parentKey := attemptKey(ec)
	stepKey := parentKey + "/step/" + step
	compKey := parentKey + "/compensate/" + step

	switch kind {
	case sagaflow.StepStart:
		m.startChild(parentKey, stepKey, "step "+step)
	case sagaflow.StepComplete:
		m.endChild(stepKey, nil)
	case sagaflow.StepFailure:
		err, _ := payload.(error)
		m.endChild(stepKey, err)
	case sagaflow.CompensateStart:
		m.startChild(parentKey, compKey, "compensate "+step)
	case sagaflow.CompensateComplete:
		err, _ := payload.(error)
		m.endChild(compKey, err)
	}
}

func (m *Middleware) startChild(parentKey, key, name string) {
	parent, ok := m.spans.Load(parentKey)
	if !ok {
		return
	}
	ctx, s := m.tracer.Start(parent.ctx, name)
	m.spans.Store(key, span{ctx: ctx, span: s})
}

func (m *Middleware) endChild(key string, err error) {
	s, ok := m.spans.LoadAndDelete(key)
	if !ok {
		return
	}
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	}
	s.span.End()
}
