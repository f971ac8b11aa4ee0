package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/habitat-sh/hab-auto-build/internal/store"
)

const storeScopeName = "github.com/habitat-sh/hab-auto-build/store"

// InstrumentedStore wraps a store.Store with OTel tracing and metrics.
// Every method gets a span and is counted in hab.store.* metrics. Use
// WrapStore to create one; it returns the original store unchanged when
// telemetry is disabled.
type InstrumentedStore struct {
	inner store.Store
	tracer trace.Tracer
	ops    metric.Int64Counter
	dur    metric.Float64Histogram
	errs   metric.Int64Counter
}

// WrapStore returns s decorated with OTel instrumentation. When telemetry
// is disabled, s is returned as-is with zero overhead.
func WrapStore(s store.Store) store.Store {
	if !Enabled() {
		return s
	}
	m := Meter(storeScopeName)
	ops, _ := m.Int64Counter("hab.store.operations",
		metric.WithDescription("Total persistent-store operations executed"),
	)
	dur, _ := m.Float64Histogram("hab.store.operation.duration",
		metric.WithDescription("Persistent-store operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	errs, _ := m.Int64Counter("hab.store.errors",
		metric.WithDescription("Total persistent-store operation errors"),
	)
	return &InstrumentedStore{
		inner:  s,
		tracer: Tracer(storeScopeName),
		ops:    ops,
		dur:    dur,
		errs:   errs,
	}
}

func (s *InstrumentedStore) op(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	all := append([]attribute.KeyValue{attribute.String("db.operation", name)}, attrs...)
	ctx, span := s.tracer.Start(ctx, "store."+name,
		trace.WithAttributes(all...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	s.ops.Add(ctx, 1, metric.WithAttributes(all...))
	return ctx, span, time.Now()
}

func (s *InstrumentedStore) done(ctx context.Context, span trace.Span, start time.Time, err error, attrs ...attribute.KeyValue) {
	ms := float64(time.Since(start).Milliseconds())
	s.dur.Record(ctx, ms, metric.WithAttributes(attrs...))
	if err != nil && err != store.ErrNotFound {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.errs.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	span.End()
}

func (s *InstrumentedStore) FileModification(ctx context.Context, contextPath, filePath string) (store.FileModification, error) {
	attrs := []attribute.KeyValue{attribute.String("hab.context_path", contextPath), attribute.String("hab.file_path", filePath)}
	ctx, span, t := s.op(ctx, "FileModification", attrs...)
	v, err := s.inner.FileModification(ctx, contextPath, filePath)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) FileModificationsUnder(ctx context.Context, contextPath string) (map[string]store.FileModification, error) {
	attrs := []attribute.KeyValue{attribute.String("hab.context_path", contextPath)}
	ctx, span, t := s.op(ctx, "FileModificationsUnder", attrs...)
	v, err := s.inner.FileModificationsUnder(ctx, contextPath)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) LatestArtifactContext(ctx context.Context, planIdentifier string) (store.ArtifactContext, error) {
	attrs := []attribute.KeyValue{attribute.String("hab.plan", planIdentifier)}
	ctx, span, t := s.op(ctx, "LatestArtifactContext", attrs...)
	v, err := s.inner.LatestArtifactContext(ctx, planIdentifier)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) LatestSourceContext(ctx context.Context, planIdentifier string) (store.SourceContext, error) {
	attrs := []attribute.KeyValue{attribute.String("hab.plan", planIdentifier)}
	ctx, span, t := s.op(ctx, "LatestSourceContext", attrs...)
	v, err := s.inner.LatestSourceContext(ctx, planIdentifier)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) BuildTime(ctx context.Context, buildIdent string) (store.BuildTime, error) {
	attrs := []attribute.KeyValue{attribute.String("hab.build_ident", buildIdent)}
	ctx, span, t := s.op(ctx, "BuildTime", attrs...)
	v, err := s.inner.BuildTime(ctx, buildIdent)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) SyncMtimes(ctx context.Context, contextPath string, alternate map[string]time.Time) error {
	attrs := []attribute.KeyValue{attribute.String("hab.context_path", contextPath), attribute.Int("hab.file_count", len(alternate))}
	ctx, span, t := s.op(ctx, "SyncMtimes", attrs...)
	err := s.inner.SyncMtimes(ctx, contextPath, alternate)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStore) CommitBuild(ctx context.Context, commit store.PlanCommit) error {
	attrs := []attribute.KeyValue{
		attribute.String("hab.plan", commit.PlanIdentifier),
		attribute.String("hab.build_ident", commit.BuildIdent),
	}
	ctx, span, t := s.op(ctx, "CommitBuild", attrs...)
	err := s.inner.CommitBuild(ctx, commit)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStore) Close() error {
	return s.inner.Close()
}
