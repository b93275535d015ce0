package eventstore

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/cannahum/eventsourcing-chain/eventstore"

type options struct {
	log     *slog.Logger
	metrics Metrics
	tracer  trace.Tracer
}

// Option configures a store.
type Option func(*options)

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithTracer sets the tracer used for store spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) {
		if t != nil {
			o.tracer = t
		}
	}
}

func newOptions(backend string, opts []Option) options {
	o := options{
		log:     slog.Default(),
		metrics: NopMetrics(),
		tracer:  otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(&o)
	}
	o.log = o.log.With(slog.String("store", backend))
	return o
}

func (o options) startSpan(ctx context.Context, name string, key StreamKey) (context.Context, trace.Span) {
	return o.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("aggregate.type", key.Type),
		attribute.String("aggregate.id", key.ID.String()),
	))
}

// observeAppend finishes an Append: span status, metrics and a log line.
func (o options) observeAppend(span trace.Span, key StreamKey, started time.Time, rec Record, err error) {
	defer span.End()
	o.metrics.AppendDuration(key.Type, time.Since(started))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, ErrConflict) {
			o.metrics.ConcurrencyConflict(key.Type)
			o.log.Debug("append conflict", key.slogAttr(), slog.Any("err", err))
			return
		}
		o.log.Error("append failed", key.slogAttr(), slog.Any("err", err))
		return
	}

	span.SetAttributes(attribute.Int64("aggregate.version", int64(rec.Version())))
	o.metrics.EventsAppended(key.Type, 1)
	o.log.Debug("event appended",
		key.slogAttr(),
		rec.Version().slogAttr("version"),
		slog.String("event_id", rec.EventID.String()),
		slog.String("event_type", rec.EventType),
	)
}
