// Package projection replays tagged events from the event log into downstream handlers. One
// worker owns one (projection, tag) pair and never advances past an event it failed to handle.
package projection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"shopping-cart-service/cart/internal/eventlog"
	"shopping-cart-service/shared/backoffx"
	"shopping-cart-service/shared/logx"
	"shopping-cart-service/shared/metricsx"
)

// Handler is delivered at least once. The worker saves the offset after Handle returns nil, so a
// crash in between redelivers the record.
type Handler interface {
	Handle(ctx context.Context, rec eventlog.Record) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, rec eventlog.Record) error

func (f HandlerFunc) Handle(ctx context.Context, rec eventlog.Record) error { return f(ctx, rec) }

// TxHandler writes its effect and the new offset in one transaction.
type TxHandler interface {
	ProcessAndCommit(ctx context.Context, projection string, rec eventlog.Record) error
}

type OffsetStore interface {
	LoadOffset(ctx context.Context, projection string, tag int) (int64, error)
	SaveOffset(ctx context.Context, projection string, tag int, offset int64) error
}

// Projection names a downstream and how it commits. Exactly one of Handler and TxHandler is set.
// Offsets is read on start in both cases and written after Handler.
type Projection struct {
	Name      string
	Handler   Handler
	TxHandler TxHandler
	Offsets   OffsetStore
}

func (p Projection) validate() error {
	switch {
	case p.Name == "":
		return errors.New("projection name is required")
	case (p.Handler == nil) == (p.TxHandler == nil):
		return fmt.Errorf("projection %s needs exactly one of Handler and TxHandler", p.Name)
	case p.Offsets == nil:
		return fmt.Errorf("projection %s needs an offset store", p.Name)
	}
	return nil
}

type Options struct {
	BatchSize int
	// Poll is how long an idle worker waits before reading again when the log cannot signal.
	Poll    time.Duration
	Backoff backoffx.Policy
	Logger  logx.Logger
}

type Worker struct {
	proj   Projection
	tag    int
	log    eventlog.Store
	opts   Options
	logger logx.Logger
	tracer trace.Tracer
}

func NewWorker(proj Projection, tag int, log eventlog.Store, opts Options) (*Worker, error) {
	if err := proj.validate(); err != nil {
		return nil, err
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.Poll <= 0 {
		opts.Poll = 500 * time.Millisecond
	}
	return &Worker{
		proj:   proj,
		tag:    tag,
		log:    log,
		opts:   opts,
		logger: opts.Logger.With(slog.String("projection", proj.Name), slog.Int("tag", tag)),
		tracer: otel.Tracer("shopping-cart-service/projection"),
	}, nil
}

func (w *Worker) Name() string { return w.proj.Name }

func (w *Worker) Tag() int { return w.tag }

// Run processes the tag until ctx ends. It only returns ctx's error.
func (w *Worker) Run(ctx context.Context) error {
	offset, err := w.loadOffset(ctx)
	if err != nil {
		return err
	}
	w.logger.Info(ctx, "projection_started", "projection worker started", slog.Int64("offset", offset))
	metricsx.SetProjectionOffset(w.proj.Name, w.tag, offset)

	watcher, _ := w.log.(eventlog.Watcher)
	b := w.opts.Backoff.New()
	for {
		var changed <-chan struct{}
		if watcher != nil {
			changed = watcher.Changed()
		}
		recs, err := w.log.ReadByTag(ctx, w.tag, offset+1, w.opts.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Warn(ctx, "projection_read_failed", "reading tagged events failed", slog.String("error_code", "EVENT_LOG_UNAVAILABLE"), slog.String("error", err.Error()))
			if err := backoffx.Sleep(ctx, b.NextBackOff()); err != nil {
				return err
			}
			continue
		}
		b.Reset()
		if len(recs) == 0 {
			if err := w.idle(ctx, changed); err != nil {
				return err
			}
			continue
		}
		for _, rec := range recs {
			if rec.Offset != offset+1 {
				w.logger.Warn(ctx, "projection_gap", "tag offsets are not contiguous", slog.Int64("expected", offset+1), slog.Int64("got", rec.Offset))
			}
			if err := w.process(ctx, rec); err != nil {
				return err
			}
			offset = rec.Offset
			metricsx.SetProjectionOffset(w.proj.Name, w.tag, offset)
		}
	}
}

func (w *Worker) idle(ctx context.Context, changed <-chan struct{}) error {
	t := time.NewTimer(w.opts.Poll)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-changed:
	case <-t.C:
	}
	return nil
}

func (w *Worker) loadOffset(ctx context.Context) (int64, error) {
	b := w.opts.Backoff.New()
	for {
		offset, err := w.proj.Offsets.LoadOffset(ctx, w.proj.Name, w.tag)
		if err == nil {
			return offset, nil
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		w.logger.Warn(ctx, "projection_offset_failed", "loading offset failed", slog.String("error_code", "OFFSET_STORE_UNAVAILABLE"), slog.String("error", err.Error()))
		if err := backoffx.Sleep(ctx, b.NextBackOff()); err != nil {
			return 0, err
		}
	}
}

// process retries rec until it succeeds or ctx ends. A record is never skipped.
func (w *Worker) process(ctx context.Context, rec eventlog.Record) error {
	b := w.opts.Backoff.New()
	for attempt := 1; ; attempt++ {
		err := w.handle(ctx, rec)
		if err == nil {
			if !rec.OccurredAt.IsZero() {
				metricsx.ObserveProjectionLatency(w.proj.Name, time.Since(rec.OccurredAt))
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		metricsx.IncProjectionFailure(w.proj.Name, w.tag)
		w.logger.Warn(ctx, "projection_retry", "handler failed, retrying the same event",
			slog.String("cart_id", rec.CartID),
			slog.Int64("offset", rec.Offset),
			slog.Int("attempt", attempt),
			slog.String("error_code", "PROJECTION_HANDLER_FAILED"),
			slog.String("error", err.Error()),
		)
		if err := backoffx.Sleep(ctx, b.NextBackOff()); err != nil {
			return err
		}
	}
}

func (w *Worker) handle(ctx context.Context, rec eventlog.Record) (err error) {
	ctx, span := w.tracer.Start(ctx, "projection.handle",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("projection", w.proj.Name),
			attribute.Int("tag", w.tag),
			attribute.Int64("offset", rec.Offset),
			attribute.String("cart_id", rec.CartID),
			attribute.String("event_type", rec.Event.Type()),
		),
	)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if w.proj.TxHandler != nil {
		return w.proj.TxHandler.ProcessAndCommit(ctx, w.proj.Name, rec)
	}
	if err := w.proj.Handler.Handle(ctx, rec); err != nil {
		return err
	}
	return w.proj.Offsets.SaveOffset(ctx, w.proj.Name, w.tag, rec.Offset)
}
