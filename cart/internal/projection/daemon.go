package projection

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"shopping-cart-service/shared/lockx"
	"shopping-cart-service/shared/logx"
)

// Leases is satisfied by lockx.Redis and lockx.Memory.
type Leases interface {
	Acquire(ctx context.Context, key string, owner string, ttl time.Duration) (*lockx.Lock, bool, error)
	Renew(ctx context.Context, lock *lockx.Lock) (bool, error)
	Release(ctx context.Context, lock *lockx.Lock) error
}

func LeaseKey(projection string, tag int) string {
	return "cart:projection:" + projection + ":" + strconv.Itoa(tag)
}

// Daemon keeps every worker running on exactly one process cluster wide. Each worker runs only
// while this process holds its lease.
type Daemon struct {
	leases  Leases
	owner   string
	ttl     time.Duration
	workers []*Worker
	logger  logx.Logger
}

func NewDaemon(leases Leases, owner string, ttl time.Duration, workers []*Worker, logger logx.Logger) *Daemon {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &Daemon{leases: leases, owner: owner, ttl: ttl, workers: workers, logger: logger.With(slog.String("owner", owner))}
}

// Run blocks until ctx ends and every worker has stopped and released its lease.
func (d *Daemon) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			d.supervise(ctx, w)
		}(w)
	}
	wg.Wait()
	return nil
}

func (d *Daemon) supervise(ctx context.Context, w *Worker) {
	key := LeaseKey(w.Name(), w.Tag())
	retry := d.ttl / 3
	for ctx.Err() == nil {
		lock, ok, err := d.leases.Acquire(ctx, key, d.owner, d.ttl)
		if err != nil && ctx.Err() == nil {
			d.logger.Warn(ctx, "projection_lease_failed", "acquiring projection lease failed", slog.String("lease", key), slog.String("error_code", "LEASE_UNAVAILABLE"), slog.String("error", err.Error()))
		}
		if err != nil || !ok {
			t := time.NewTimer(retry)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			continue
		}
		d.hold(ctx, w, lock)
	}
}

// hold runs w while lock stays renewed. It returns after the worker stopped.
func (d *Daemon) hold(ctx context.Context, w *Worker, lock *lockx.Lock) {
	d.logger.Info(ctx, "projection_lease_acquired", "running projection worker", slog.String("lease", lock.Key))
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(runCtx)
	}()

	ticker := time.NewTicker(d.ttl / 3)
	defer ticker.Stop()
	validUntil := time.Now().Add(d.ttl - d.ttl/10)
	for {
		select {
		case <-ctx.Done():
			cancel()
			<-done
			releaseCtx, stop := context.WithTimeout(context.Background(), 2*time.Second)
			if err := d.leases.Release(releaseCtx, lock); err != nil {
				d.logger.Warn(releaseCtx, "projection_lease_release_failed", "releasing projection lease failed", slog.String("lease", lock.Key), slog.String("error", err.Error()))
			}
			stop()
			return
		case <-ticker.C:
			started := time.Now()
			ok, err := d.leases.Renew(ctx, lock)
			if err == nil && ok {
				validUntil = started.Add(d.ttl - d.ttl/10)
				continue
			}
			if err != nil && ctx.Err() == nil && time.Now().Before(validUntil) {
				d.logger.Warn(ctx, "lease_renew_failed", "projection lease renewal failed", slog.String("lease", lock.Key), slog.String("error_code", "LEASE_RENEW_FAILED"), slog.String("error", err.Error()))
				continue
			}
			if ctx.Err() != nil {
				continue
			}
			d.logger.Warn(ctx, "lease_lost", "projection lease lost, stopping worker", slog.String("lease", lock.Key), slog.String("error_code", "LEASE_LOST"))
			cancel()
			<-done
			return
		}
	}
}
