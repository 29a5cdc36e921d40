// Package activity records every cart event as an InfluxDB point for dashboards.
package activity

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"shopping-cart-service/cart/internal/domain"
	"shopping-cart-service/cart/internal/eventlog"
	"shopping-cart-service/shared/metricsx"
)

const (
	ProjectionName = "cart-activity"
	Measurement    = "cart_events"
)

// PointWriter is satisfied by influxx.Client.
type PointWriter interface {
	WritePoint(ctx context.Context, measurement string, tags map[string]string, fields map[string]any, ts time.Time) error
}

type Handler struct {
	w PointWriter
}

func NewHandler(w PointWriter) *Handler {
	return &Handler{w: w}
}

// Handle writes one point per event. A replayed event produces the same series and timestamp,
// which overwrites the earlier point.
func (h *Handler) Handle(ctx context.Context, rec eventlog.Record) error {
	tags, fields := Point(rec)
	ts := rec.OccurredAt
	if ts.IsZero() {
		if out, ok := rec.Event.(domain.CheckedOut); ok {
			ts = out.At
		}
	}
	if err := h.w.WritePoint(ctx, Measurement, tags, fields, ts); err != nil {
		metricsx.IncInfluxWriteFailure()
		return fmt.Errorf("write activity point %s/%d: %w", rec.CartID, rec.Seq, err)
	}
	return nil
}

func Point(rec eventlog.Record) (map[string]string, map[string]any) {
	tags := map[string]string{
		"cart_id":    rec.CartID,
		"event_type": rec.Event.Type(),
		"tag":        strconv.Itoa(rec.Tag),
	}
	fields := map[string]any{"seq": rec.Seq}
	switch ev := rec.Event.(type) {
	case domain.ItemAdded:
		tags["item_id"] = ev.ItemID
		fields["quantity"] = int64(ev.Quantity)
	case domain.CheckedOut:
		fields["checked_out"] = true
	}
	return tags, fields
}
