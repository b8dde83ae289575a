package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"flowdesk/pkg/fault"
	"flowdesk/pkg/task"
)

// Store decorates a task.Store with a span, an operation counter and a
// latency histogram per call. Errors are counted by fault kind.
type Store struct {
	inner  task.Store
	tracer trace.Tracer
	ops    metric.Int64Counter
	dur    metric.Float64Histogram
	errs   metric.Int64Counter
}

// WrapStore instruments s. With telemetry disabled s is returned unchanged.
func WrapStore(p *Provider, s task.Store) task.Store {
	if !p.Enabled() {
		return s
	}
	m := Meter()
	ops, _ := m.Int64Counter("flowdesk.store.operations",
		metric.WithDescription("Task store operations executed"))
	dur, _ := m.Float64Histogram("flowdesk.store.operation.duration",
		metric.WithDescription("Task store operation duration"),
		metric.WithUnit("ms"))
	errs, _ := m.Int64Counter("flowdesk.store.errors",
		metric.WithDescription("Task store operation errors"))
	return &Store{inner: s, tracer: Tracer(), ops: ops, dur: dur, errs: errs}
}

func (s *Store) op(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	all := append([]attribute.KeyValue{attribute.String("db.operation", name)}, attrs...)
	ctx, span := s.tracer.Start(ctx, "task."+name,
		trace.WithAttributes(all...),
		trace.WithSpanKind(trace.SpanKindClient))
	s.ops.Add(ctx, 1, metric.WithAttributes(attribute.String("db.operation", name)))
	return ctx, span, time.Now()
}

func (s *Store) done(ctx context.Context, name string, span trace.Span, start time.Time, err error) {
	op := metric.WithAttributes(attribute.String("db.operation", name))
	s.dur.Record(ctx, float64(time.Since(start).Microseconds())/1000, op)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.errs.Add(ctx, 1, metric.WithAttributes(
			attribute.String("db.operation", name),
			attribute.String("fault.kind", fault.KindOf(err).String())))
	}
	span.End()
}

func (s *Store) Create(ctx context.Context, t *task.Task) (*task.Task, error) {
	ctx, span, start := s.op(ctx, "create",
		attribute.String("task.role", string(t.Role)),
		attribute.String("task.type", string(t.Type)))
	out, err := s.inner.Create(ctx, t)
	if err == nil {
		span.SetAttributes(attribute.String("task.id", out.ID))
	}
	s.done(ctx, "create", span, start, err)
	return out, err
}

func (s *Store) Get(ctx context.Context, id string) (*task.Task, error) {
	ctx, span, start := s.op(ctx, "get", attribute.String("task.id", id))
	out, err := s.inner.Get(ctx, id)
	s.done(ctx, "get", span, start, err)
	return out, err
}

func (s *Store) Running(ctx context.Context, identity string, role task.Role) (*task.Task, error) {
	ctx, span, start := s.op(ctx, "running", attribute.String("task.role", string(role)))
	out, err := s.inner.Running(ctx, identity, role)
	span.SetAttributes(attribute.Bool("task.found", out != nil))
	s.done(ctx, "running", span, start, err)
	return out, err
}

func (s *Store) Update(ctx context.Context, id string, u task.Update) (*task.Task, error) {
	ctx, span, start := s.op(ctx, "update",
		attribute.String("task.id", id),
		attribute.Int("task.version", u.Version),
		attribute.Int("task.patch_keys", len(u.Data)))
	out, err := s.inner.Update(ctx, id, u)
	s.done(ctx, "update", span, start, err)
	return out, err
}

func (s *Store) Complete(ctx context.Context, id string) (*task.Task, error) {
	ctx, span, start := s.op(ctx, "complete", attribute.String("task.id", id))
	out, err := s.inner.Complete(ctx, id)
	s.done(ctx, "complete", span, start, err)
	return out, err
}

func (s *Store) Stop(ctx context.Context, id string) (*task.Task, error) {
	ctx, span, start := s.op(ctx, "stop", attribute.String("task.id", id))
	out, err := s.inner.Stop(ctx, id)
	s.done(ctx, "stop", span, start, err)
	return out, err
}

func (s *Store) StopAllRunning(ctx context.Context, identity string, role task.Role) (int, error) {
	ctx, span, start := s.op(ctx, "stop_all_running", attribute.String("task.role", string(role)))
	n, err := s.inner.StopAllRunning(ctx, identity, role)
	span.SetAttributes(attribute.Int("task.count", n))
	s.done(ctx, "stop_all_running", span, start, err)
	return n, err
}

func (s *Store) ListStale(ctx context.Context, before time.Time, limit int) ([]task.Task, error) {
	ctx, span, start := s.op(ctx, "list_stale", attribute.Int("limit", limit))
	out, err := s.inner.ListStale(ctx, before, limit)
	span.SetAttributes(attribute.Int("task.count", len(out)))
	s.done(ctx, "list_stale", span, start, err)
	return out, err
}

func (s *Store) Expire(ctx context.Context, id string) (bool, error) {
	ctx, span, start := s.op(ctx, "expire", attribute.String("task.id", id))
	ok, err := s.inner.Expire(ctx, id)
	s.done(ctx, "expire", span, start, err)
	return ok, err
}

func (s *Store) LatestExpired(ctx context.Context, identity string) (*task.Task, error) {
	ctx, span, start := s.op(ctx, "latest_expired")
	out, err := s.inner.LatestExpired(ctx, identity)
	s.done(ctx, "latest_expired", span, start, err)
	return out, err
}

func (s *Store) Reactivate(ctx context.Context, id string) (*task.Task, error) {
	ctx, span, start := s.op(ctx, "reactivate", attribute.String("task.id", id))
	out, err := s.inner.Reactivate(ctx, id)
	s.done(ctx, "reactivate", span, start, err)
	return out, err
}

func (s *Store) List(ctx context.Context, f task.Filter) ([]task.Task, error) {
	ctx, span, start := s.op(ctx, "list", attribute.String("task.status", string(f.Status)))
	out, err := s.inner.List(ctx, f)
	s.done(ctx, "list", span, start, err)
	return out, err
}

func (s *Store) Count(ctx context.Context) (int, error) {
	ctx, span, start := s.op(ctx, "count")
	n, err := s.inner.Count(ctx)
	s.done(ctx, "count", span, start, err)
	return n, err
}

func (s *Store) EnsureTable(ctx context.Context) error {
	ctx, span, start := s.op(ctx, "ensure_table")
	err := s.inner.EnsureTable(ctx)
	s.done(ctx, "ensure_table", span, start, err)
	return err
}
