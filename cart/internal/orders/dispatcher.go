package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"shopping-cart-service/cart/internal/cluster"
	"shopping-cart-service/cart/internal/domain"
	"shopping-cart-service/cart/internal/eventlog"
	"shopping-cart-service/shared/backoffx"
	"shopping-cart-service/shared/logx"
	"shopping-cart-service/shared/metricsx"
)

const (
	ProjectionName = "send-order"

	maxFetchAttempts = 5
)

// Carts is satisfied by cluster.Router.
type Carts interface {
	Submit(ctx context.Context, cartID string, cmd domain.Command) (domain.Summary, error)
}

type Sender interface {
	Send(ctx context.Context, req OrderRequest) error
}

// Trigger starts order dispatch for a checked-out cart. Dispatcher sends directly; Queue hands
// the cart to an asynq worker.
type Trigger interface {
	Dispatch(ctx context.Context, cartID string) error
}

type Dispatcher struct {
	carts   Carts
	sender  Sender
	backoff backoffx.Policy
	logger  logx.Logger
}

func NewDispatcher(carts Carts, sender Sender, backoff backoffx.Policy, logger logx.Logger) *Dispatcher {
	return &Dispatcher{carts: carts, sender: sender, backoff: backoff, logger: logger}
}

// Dispatch reads the cart through the router and sends the order.
func (d *Dispatcher) Dispatch(ctx context.Context, cartID string) error {
	sum, err := d.fetch(ctx, cartID)
	if err != nil {
		metricsx.IncOrderDispatch("fetch_failed")
		return err
	}
	if !sum.CheckedOut {
		// Only reachable if the log and the router disagree; retrying gives the cart time to catch up.
		metricsx.IncOrderDispatch("not_checked_out")
		return fmt.Errorf("cart %s is not checked out", cartID)
	}
	if err := d.sender.Send(ctx, NewOrderRequest(cartID, sum)); err != nil {
		metricsx.IncOrderDispatch("send_failed")
		return err
	}
	metricsx.IncOrderDispatch("sent")
	d.logger.Info(ctx, "order_sent", "order sent", slog.String("cart_id", cartID), slog.Int("items", len(sum.Items)))
	return nil
}

// fetch retries the Get while the cart is unreachable for a retryable reason.
func (d *Dispatcher) fetch(ctx context.Context, cartID string) (domain.Summary, error) {
	b := d.backoff.New()
	var err error
	for attempt := 1; attempt <= maxFetchAttempts; attempt++ {
		var sum domain.Summary
		sum, err = d.carts.Submit(ctx, cartID, domain.Get{})
		if err == nil {
			return sum, nil
		}
		if !cluster.IsRetryable(err) {
			return domain.Summary{}, err
		}
		d.logger.Warn(ctx, "order_fetch_retry", "cart unreachable, retrying",
			slog.String("cart_id", cartID),
			slog.Int("attempt", attempt),
			slog.String("error_code", cluster.Code(err)),
		)
		if sleepErr := backoffx.Sleep(ctx, b.NextBackOff()); sleepErr != nil {
			return domain.Summary{}, errors.Join(err, sleepErr)
		}
	}
	return domain.Summary{}, fmt.Errorf("fetch cart %s: %w", cartID, err)
}

// Handler triggers dispatch on CheckedOut and ignores every other event.
type Handler struct {
	trigger Trigger
}

func NewHandler(trigger Trigger) *Handler {
	return &Handler{trigger: trigger}
}

func (h *Handler) Handle(ctx context.Context, rec eventlog.Record) error {
	if _, ok := rec.Event.(domain.CheckedOut); !ok {
		return nil
	}
	return h.trigger.Dispatch(ctx, rec.CartID)
}
