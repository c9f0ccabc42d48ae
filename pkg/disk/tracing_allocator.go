package disk

import (
	"context"

	"github.com/buildbarn/bb-disk-manager/pkg/address"
	"github.com/buildbarn/bb-disk-manager/pkg/wal"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type tracingAllocator struct {
	Allocator
	tracer trace.Tracer
}

// NewTracingAllocator is a decorator for Allocator that creates an
// OpenTelemetry trace span for every reservation and consistency check.
func NewTracingAllocator(base Allocator, tracerProvider trace.TracerProvider) Allocator {
	return &tracingAllocator{
		Allocator: base,
		tracer:    tracerProvider.Tracer("github.com/buildbarn/bb-disk-manager/pkg/disk"),
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (a *tracingAllocator) ReserveSectors(ctx context.Context, tx wal.TransactionID, purpose Purpose, hintVolume address.VolumeID, count int) ([]VolumeSectorID, error) {
	ctxWithTracing, span := a.tracer.Start(ctx, "Allocator.ReserveSectors", trace.WithAttributes(
		attribute.Int64("transaction_id", int64(tx)),
		attribute.String("purpose", purpose.String()),
		attribute.Int("hint_volume", int(hintVolume)),
		attribute.Int("count", count),
	))
	sectors, err := a.Allocator.ReserveSectors(ctxWithTracing, tx, purpose, hintVolume, count)
	endSpan(span, err)
	return sectors, err
}

func (a *tracingAllocator) UnreserveSectors(ctx context.Context, tx wal.TransactionID, purpose Purpose, sectors []VolumeSectorID) error {
	ctxWithTracing, span := a.tracer.Start(ctx, "Allocator.UnreserveSectors", trace.WithAttributes(
		attribute.Int64("transaction_id", int64(tx)),
		attribute.String("purpose", purpose.String()),
		attribute.Int("count", len(sectors)),
	))
	err := a.Allocator.UnreserveSectors(ctxWithTracing, tx, purpose, sectors)
	endSpan(span, err)
	return err
}

func (a *tracingAllocator) Check(ctx context.Context, repair bool) (CheckResult, error) {
	ctxWithTracing, span := a.tracer.Start(ctx, "Allocator.Check", trace.WithAttributes(
		attribute.Bool("repair", repair),
	))
	result, err := a.Allocator.Check(ctxWithTracing, repair)
	if err == nil {
		span.SetAttributes(
			attribute.String("result", result.Result.String()),
			attribute.Int("problems", len(result.Problems)),
		)
	}
	endSpan(span, err)
	return result, err
}
