package entity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"shopping-cart-service/cart/internal/domain"
	"shopping-cart-service/cart/internal/eventlog"
	"shopping-cart-service/shared/logx"
	"shopping-cart-service/shared/metricsx"
)

type request struct {
	ctx   context.Context
	cmd   domain.Command
	reply chan result
}

type result struct {
	summary domain.Summary
	err     error
}

func (req *request) respond(summary domain.Summary, err error) {
	select {
	case req.reply <- result{summary: summary, err: err}:
	default:
	}
}

type runtime struct {
	id     string
	tag    int
	reg    *Registry
	opts   *Options
	logger logx.Logger

	mu       sync.Mutex
	queue    []*request
	stopping bool
	forced   bool
	phase    string

	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	// Owned by the run goroutine.
	state   domain.State
	seq     int64
	snapSeq int64
	haltErr error
}

func newRuntime(reg *Registry, cartID string) *runtime {
	return &runtime{
		id:     cartID,
		tag:    reg.opts.Tagger.Tag(cartID),
		reg:    reg,
		opts:   &reg.opts,
		logger: reg.opts.Logger.With(slog.String("cart_id", cartID)),
		phase:  PhaseRecovering,
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// enqueue reports whether req was accepted. A rejected request may be retried on a fresh
// runtime unless this one was stopped by force.
func (rt *runtime) enqueue(req *request) (accepted bool, retry bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.stopping {
		return false, !rt.forced
	}
	rt.queue = append(rt.queue, req)
	select {
	case rt.wake <- struct{}{}:
	default:
	}
	return true, false
}

func (rt *runtime) next() *request {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if len(rt.queue) == 0 {
		return nil
	}
	req := rt.queue[0]
	rt.queue[0] = nil
	rt.queue = rt.queue[1:]
	return req
}

func (rt *runtime) requestStop() {
	rt.mu.Lock()
	rt.stopping = true
	rt.forced = true
	rt.mu.Unlock()
	rt.stopOnce.Do(func() { close(rt.stop) })
}

// tryIdleStop stops the runtime only when nothing is queued.
func (rt *runtime) tryIdleStop() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if len(rt.queue) > 0 {
		return false
	}
	rt.stopping = true
	return true
}

func (rt *runtime) drain(err error) {
	rt.mu.Lock()
	pending := rt.queue
	rt.queue = nil
	rt.mu.Unlock()
	for _, req := range pending {
		req.respond(domain.Summary{}, err)
	}
}

func (rt *runtime) stopped() bool {
	select {
	case <-rt.stop:
		return true
	default:
		return false
	}
}

func (rt *runtime) currentPhase() string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.phase
}

func (rt *runtime) transition(ctx context.Context, to string, attrs ...slog.Attr) {
	rt.mu.Lock()
	from := rt.phase
	if !CanTransition(from, to) {
		rt.mu.Unlock()
		rt.logger.Warn(ctx, "entity_phase_invalid", "invalid phase transition",
			slog.String("from", from),
			slog.String("to", to),
		)
		return
	}
	rt.phase = to
	rt.mu.Unlock()

	event := EventForTransition(from, to)
	if event == "" {
		return
	}
	attrs = append(attrs, slog.String("from", from), slog.Int64("seq", rt.seq))
	switch event {
	case EventHalted:
		rt.logger.Error(ctx, event, "cart halted, operator action required", attrs...)
	case EventRestarting:
		rt.logger.Warn(ctx, event, "cart runtime restarting", attrs...)
	default:
		rt.logger.Debug(ctx, event, "cart phase changed", attrs...)
	}
}

func (rt *runtime) run() {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		rt.mu.Lock()
		rt.stopping = true
		rt.mu.Unlock()
		rt.drain(fmt.Errorf("%w: cart %s passivated", ErrUnavailable, rt.id))
		rt.reg.remove(rt)
		close(rt.done)
		rt.reg.wg.Done()
	}()
	go func() {
		select {
		case <-rt.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	b := rt.opts.Backoff.New()
	for {
		err := safely(func() error { return rt.recoverState(ctx) })
		if err != nil {
			if rt.stopped() {
				rt.transition(ctx, PhasePassivated)
				return
			}
			if errors.Is(err, eventlog.ErrCorrupt) {
				rt.haltErr = fmt.Errorf("%w: %v", ErrHalted, err)
				rt.transition(ctx, PhaseHalted,
					slog.String("error_code", "HALTED"),
					slog.String("error", err.Error()),
				)
				metricsx.IncEntityHalted()
				rt.drain(rt.haltErr)
				_ = rt.serve(ctx, b)
				return
			}
			rt.logger.Warn(ctx, "entity_recovery_failed", "cart recovery failed",
				slog.String("error_code", "UNAVAILABLE"),
				slog.String("error", err.Error()),
			)
			rt.drain(fmt.Errorf("%w: %v", ErrUnavailable, err))
			if !rt.pause(b.NextBackOff()) {
				rt.transition(ctx, PhasePassivated)
				return
			}
			continue
		}

		rt.transition(ctx, PhaseReady)
		fault := rt.serve(ctx, b)
		if fault == nil {
			return
		}
		metricsx.IncEntityRestart()
		rt.transition(ctx, PhaseRecovering,
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", fault.Error()),
		)
		if !rt.pause(b.NextBackOff()) {
			rt.transition(ctx, PhasePassivated)
			return
		}
	}
}

// pause waits d; false means the runtime was stopped meanwhile.
func (rt *runtime) pause(d time.Duration) bool {
	if d == backoff.Stop {
		d = rt.opts.Backoff.Max
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-rt.stop:
		return false
	case <-t.C:
		return true
	}
}

func (rt *runtime) recoverState(ctx context.Context) error {
	rt.state = domain.State{}
	rt.seq, rt.snapSeq = 0, 0

	if rt.opts.Snapshots != nil {
		snap, ok, err := rt.opts.Snapshots.Get(ctx, rt.id)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			rt.logger.Warn(ctx, "snapshot_load_failed", "snapshot unusable, replaying full history",
				slog.String("error", err.Error()),
			)
		case ok:
			rt.state, rt.seq, rt.snapSeq = snap.State, snap.Seq, snap.Seq
		}
	}
	// A cart keeps the tag of its first event even if the tag count changed since.
	tagged := false
	if rt.seq > 0 {
		first, err := rt.opts.Log.ReadRange(ctx, rt.id, 1, 1)
		if err != nil {
			return err
		}
		if len(first) > 0 {
			rt.tag, tagged = first[0].Tag, true
		}
	}

	replayed := 0
	for {
		recs, err := rt.opts.Log.ReadRange(ctx, rt.id, rt.seq+1, rt.opts.PageSize)
		if err != nil {
			return err
		}
		if err := eventlog.CheckContiguous(rt.id, rt.seq, recs); err != nil {
			return err
		}
		if len(recs) > 0 {
			events := make([]domain.Event, len(recs))
			for i, rec := range recs {
				events[i] = rec.Event
			}
			if !tagged && recs[0].Seq == 1 {
				rt.tag, tagged = recs[0].Tag, true
			}
			rt.state = domain.Fold(rt.state, events...)
			rt.seq = recs[len(recs)-1].Seq
			replayed += len(recs)
		}
		if len(recs) < rt.opts.PageSize {
			break
		}
	}
	metricsx.ObserveRecovery(replayed)
	return nil
}

// serve handles commands until the runtime stops (nil) or faults (non-nil).
func (rt *runtime) serve(ctx context.Context, b *backoff.ExponentialBackOff) error {
	var idle *time.Timer
	var idleC <-chan time.Time
	if rt.opts.IdleTimeout > 0 {
		idle = time.NewTimer(rt.opts.IdleTimeout)
		defer idle.Stop()
		idleC = idle.C
	}
	resetIdle := func() {
		if idle == nil {
			return
		}
		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(rt.opts.IdleTimeout)
	}

	for {
		select {
		case <-rt.stop:
			rt.transition(ctx, PhasePassivated, slog.String("reason", "stopped"))
			return nil
		case <-idleC:
			if rt.tryIdleStop() {
				rt.transition(ctx, PhasePassivated, slog.String("reason", "idle"))
				return nil
			}
			idle.Reset(rt.opts.IdleTimeout)
		case <-rt.wake:
			for !rt.stopped() {
				req := rt.next()
				if req == nil {
					break
				}
				if rt.haltErr != nil {
					req.respond(domain.Summary{}, rt.haltErr)
					continue
				}
				if err := rt.handle(ctx, req); err != nil {
					return err
				}
				b.Reset()
			}
			resetIdle()
		}
	}
}

func (rt *runtime) handle(ctx context.Context, req *request) (fault error) {
	if err := req.ctx.Err(); err != nil {
		req.respond(domain.Summary{}, err)
		return nil
	}
	name := req.cmd.Name()
	start := time.Now()
	reqCtx, span := otel.Tracer("entity").Start(req.ctx, "cart.command",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("cart.id", rt.id),
			attribute.String("cart.command", name),
		),
	)
	outcome := "ok"
	defer func() {
		if p := recover(); p != nil {
			fault = fmt.Errorf("panic handling %s: %v", name, p)
			outcome = "fault"
			req.respond(domain.Summary{}, fmt.Errorf("%w: %v", ErrUnavailable, fault))
		}
		if fault != nil {
			span.RecordError(fault)
		}
		span.End()
		metricsx.ObserveCommand(name, outcome, time.Since(start))
	}()

	events, err := domain.Decide(rt.id, rt.state, req.cmd, rt.opts.Clock())
	if err != nil {
		outcome = "rejected"
		req.respond(domain.Summary{}, err)
		return nil
	}
	if len(events) == 0 {
		req.respond(rt.state.Summary(), nil)
		return nil
	}

	rt.transition(ctx, PhasePersisting)
	seq, err := rt.opts.Log.Append(reqCtx, rt.id, rt.tag, events, rt.seq+1)
	if err != nil {
		if errors.Is(err, eventlog.ErrConflict) {
			outcome = "conflict"
			req.respond(domain.Summary{}, fmt.Errorf("%w: %v", ErrUnavailable, err))
			return fmt.Errorf("append at seq %d: %w", rt.seq+1, err)
		}
		outcome = "unavailable"
		rt.transition(ctx, PhaseReady)
		rt.logger.Warn(ctx, "entity_append_failed", "event append failed",
			slog.String("command", name),
			slog.String("error_code", "UNAVAILABLE"),
			slog.String("error", err.Error()),
		)
		req.respond(domain.Summary{}, fmt.Errorf("%w: %v", ErrUnavailable, err))
		return nil
	}

	rt.state = domain.Fold(rt.state, events...)
	rt.seq = seq
	rt.transition(ctx, PhaseReady)
	req.respond(rt.state.Summary(), nil)
	rt.maybeSnapshot(ctx)
	return nil
}

func (rt *runtime) maybeSnapshot(ctx context.Context) {
	every := int64(rt.opts.SnapshotEvery)
	if rt.opts.Snapshots == nil || every <= 0 || rt.seq-rt.snapSeq < every {
		return
	}
	if err := rt.opts.Snapshots.Put(ctx, rt.id, rt.seq, rt.state); err != nil {
		rt.logger.Warn(ctx, "snapshot_save_failed", "snapshot write failed",
			slog.Int64("seq", rt.seq),
			slog.String("error", err.Error()),
		)
		return
	}
	rt.snapSeq = rt.seq
}

func safely(fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn()
}
