package reflink

import (
	"context"

	"github.com/buildbarn/bb-reflink/pkg/blockmap"
	"github.com/buildbarn/bb-reflink/pkg/inode"

	"go.opentelemetry.io/otel/attribute"
	otel_codes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type tracingRemapper struct {
	Remapper
	tracer trace.Tracer
}

// NewTracingRemapper is a decorator for Remapper that creates an
// OpenTelemetry trace span for every operation that may block, such
// as operations that start transactions or flush cached data.
// TrimAroundShared() is not traced, as it is called for every write.
func NewTracingRemapper(base Remapper, tracerProvider trace.TracerProvider) Remapper {
	return &tracingRemapper{
		Remapper: base,
		tracer:   tracerProvider.Tracer("github.com/buildbarn/bb-reflink/pkg/reflink"),
	}
}

func inodeAttribute(key string, ip *inode.Inode) attribute.KeyValue {
	return attribute.Int64(key, int64(ip.Number()))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otel_codes.Error, err.Error())
	}
	span.End()
}

func (r *tracingRemapper) AllocateCow(ctx context.Context, ip *inode.Inode, imap *blockmap.Extent, lockMode *inode.LockFlags, convertNow bool) (blockmap.Extent, bool, error) {
	ctxWithTracing, span := r.tracer.Start(ctx, "Remapper.AllocateCow", trace.WithAttributes(
		inodeAttribute("inode", ip),
		attribute.Int64("file_offset", int64(imap.FileOffset)),
		attribute.Int64("block_count", int64(imap.Count)),
		attribute.Bool("convert_now", convertNow),
	))
	cmap, shared, err := r.Remapper.AllocateCow(ctxWithTracing, ip, imap, lockMode, convertNow)
	span.SetAttributes(attribute.Bool("shared", shared))
	endSpan(span, err)
	return cmap, shared, err
}

func (r *tracingRemapper) ConvertCow(ctx context.Context, ip *inode.Inode, offset, count int64) error {
	ctxWithTracing, span := r.tracer.Start(ctx, "Remapper.ConvertCow", trace.WithAttributes(
		inodeAttribute("inode", ip),
		attribute.Int64("offset", offset),
		attribute.Int64("count", count),
	))
	err := r.Remapper.ConvertCow(ctxWithTracing, ip, offset, count)
	endSpan(span, err)
	return err
}

func (r *tracingRemapper) EndCow(ctx context.Context, ip *inode.Inode, offset, count int64) error {
	ctxWithTracing, span := r.tracer.Start(ctx, "Remapper.EndCow", trace.WithAttributes(
		inodeAttribute("inode", ip),
		attribute.Int64("offset", offset),
		attribute.Int64("count", count),
	))
	err := r.Remapper.EndCow(ctxWithTracing, ip, offset, count)
	endSpan(span, err)
	return err
}

func (r *tracingRemapper) EndCowAtomic(ctx context.Context, ip *inode.Inode, offset, count int64) error {
	ctxWithTracing, span := r.tracer.Start(ctx, "Remapper.EndCowAtomic", trace.WithAttributes(
		inodeAttribute("inode", ip),
		attribute.Int64("offset", offset),
		attribute.Int64("count", count),
	))
	err := r.Remapper.EndCowAtomic(ctxWithTracing, ip, offset, count)
	endSpan(span, err)
	return err
}

func (r *tracingRemapper) RemapPrep(ctx context.Context, src *inode.Inode, posIn int64, dst *inode.Inode, posOut, length int64, flags RemapFlags) (int64, func(), error) {
	ctxWithTracing, span := r.tracer.Start(ctx, "Remapper.RemapPrep", trace.WithAttributes(
		inodeAttribute("source_inode", src),
		attribute.Int64("source_offset", posIn),
		inodeAttribute("destination_inode", dst),
		attribute.Int64("destination_offset", posOut),
		attribute.Int64("length", length),
		attribute.Bool("dedupe", flags&RemapDedupe != 0),
	))
	length, unlock, err := r.Remapper.RemapPrep(ctxWithTracing, src, posIn, dst, posOut, length, flags)
	endSpan(span, err)
	return length, unlock, err
}

func (r *tracingRemapper) RemapBlocks(ctx context.Context, src *inode.Inode, posIn int64, dst *inode.Inode, posOut, length int64) (int64, error) {
	ctxWithTracing, span := r.tracer.Start(ctx, "Remapper.RemapBlocks", trace.WithAttributes(
		inodeAttribute("source_inode", src),
		attribute.Int64("source_offset", posIn),
		inodeAttribute("destination_inode", dst),
		attribute.Int64("destination_offset", posOut),
		attribute.Int64("length", length),
	))
	remapped, err := r.Remapper.RemapBlocks(ctxWithTracing, src, posIn, dst, posOut, length)
	span.SetAttributes(attribute.Int64("remapped", remapped))
	endSpan(span, err)
	return remapped, err
}

func (r *tracingRemapper) UpdateDest(ctx context.Context, dst *inode.Inode, newLength int64, cowExtSize uint64) error {
	ctxWithTracing, span := r.tracer.Start(ctx, "Remapper.UpdateDest", trace.WithAttributes(
		inodeAttribute("inode", dst),
		attribute.Int64("new_length", newLength),
	))
	err := r.Remapper.UpdateDest(ctxWithTracing, dst, newLength, cowExtSize)
	endSpan(span, err)
	return err
}

func (r *tracingRemapper) CancelCowRange(ctx context.Context, ip *inode.Inode, offset, count int64, cancelReal bool) error {
	ctxWithTracing, span := r.tracer.Start(ctx, "Remapper.CancelCowRange", trace.WithAttributes(
		inodeAttribute("inode", ip),
		attribute.Int64("offset", offset),
		attribute.Int64("count", count),
		attribute.Bool("cancel_real", cancelReal),
	))
	err := r.Remapper.CancelCowRange(ctxWithTracing, ip, offset, count, cancelReal)
	endSpan(span, err)
	return err
}

func (r *tracingRemapper) Unshare(ctx context.Context, ip *inode.Inode, offset, length int64) error {
	ctxWithTracing, span := r.tracer.Start(ctx, "Remapper.Unshare", trace.WithAttributes(
		inodeAttribute("inode", ip),
		attribute.Int64("offset", offset),
		attribute.Int64("length", length),
	))
	err := r.Remapper.Unshare(ctxWithTracing, ip, offset, length)
	endSpan(span, err)
	return err
}
