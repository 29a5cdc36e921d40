package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"shopping-cart-service/shared/metricsx"
)

const TaskSendOrder = "order.send"

type taskPayload struct {
	CartID string `json:"cart_id"`
}

// Enqueuer is satisfied by *asynq.Client.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type Queue struct {
	client    Enqueuer
	queue     string
	maxRetry  int
	retention time.Duration
}

func NewQueue(client Enqueuer, queue string, maxRetry int) *Queue {
	return &Queue{client: client, queue: queue, maxRetry: maxRetry, retention: 24 * time.Hour}
}

// TaskID deduplicates enqueues for the same cart while the task is pending or retained.
func TaskID(cartID string) string {
	return "order:" + cartID
}

// Dispatch enqueues the send. A task that already exists counts as enqueued.
func (q *Queue) Dispatch(ctx context.Context, cartID string) error {
	payload, err := json.Marshal(taskPayload{CartID: cartID})
	if err != nil {
		return err
	}
	task := asynq.NewTask(TaskSendOrder, payload)
	_, err = q.client.EnqueueContext(ctx, task,
		asynq.Queue(q.queue),
		asynq.TaskID(TaskID(cartID)),
		asynq.MaxRetry(q.maxRetry),
		asynq.Retention(q.retention),
	)
	switch {
	case err == nil:
		metricsx.IncOrderDispatch("enqueued")
		return nil
	case errors.Is(err, asynq.ErrTaskIDConflict), errors.Is(err, asynq.ErrDuplicateTask):
		metricsx.IncOrderDispatch("duplicate")
		return nil
	default:
		metricsx.IncOrderDispatch("enqueue_failed")
		return fmt.Errorf("enqueue order for %s: %w", cartID, err)
	}
}

// NewTaskHandler runs queued sends through trigger.
func NewTaskHandler(trigger Trigger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		ctx, span := otel.Tracer("asynq").Start(ctx, TaskSendOrder)
		defer span.End()
		var payload taskPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil || strings.TrimSpace(payload.CartID) == "" {
			return fmt.Errorf("bad order task payload: %v: %w", err, asynq.SkipRetry)
		}
		span.SetAttributes(attribute.String("cart_id", payload.CartID))
		err := trigger.Dispatch(ctx, payload.CartID)
		if errors.Is(err, ErrRejected) {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return err
	}
}

// RetryDelay grows quadratically and caps at five minutes.
func RetryDelay(n int, err error, t *asynq.Task) time.Duration {
	if n <= 0 {
		return 5 * time.Second
	}
	delay := time.Duration(n*n) * 5 * time.Second
	if delay > 5*time.Minute {
		return 5 * time.Minute
	}
	return delay
}
