package pipeline

import (
	"context"
	"testing"

	"shopping-cart-service/cart/internal/eventlog"
	"shopping-cart-service/cart/internal/orders"
	"shopping-cart-service/cart/internal/popularity"
	"shopping-cart-service/cart/internal/projection"
	"shopping-cart-service/cart/internal/publish"
	"shopping-cart-service/shared/logx"
)

type nopPublisher struct{}

func (nopPublisher) Publish(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error {
	return nil
}

type nopTrigger struct{}

func (nopTrigger) Dispatch(ctx context.Context, cartID string) error { return nil }

func TestProjectionsFollowEnabledSinks(t *testing.T) {
	if _, err := Projections(Sinks{}); err == nil {
		t.Fatalf("expected error without popularity store")
	}

	projs, err := Projections(Sinks{Popularity: popularity.NewMemory(), Logger: logx.Discard()})
	if err != nil {
		t.Fatalf("projections: %v", err)
	}
	if len(projs) != 1 || projs[0].Name != popularity.ProjectionName || projs[0].TxHandler == nil {
		t.Fatalf("unexpected projections: %#v", projs)
	}

	projs, err = Projections(Sinks{
		Popularity: popularity.NewMemory(),
		Publisher:  nopPublisher{},
		Orders:     nopTrigger{},
		Logger:     logx.Discard(),
	})
	if err != nil {
		t.Fatalf("projections: %v", err)
	}
	names := map[string]bool{}
	for _, p := range projs {
		names[p.Name] = true
	}
	if len(projs) != 3 || !names[publish.ProjectionName] || !names[orders.ProjectionName] {
		t.Fatalf("unexpected projections: %v", names)
	}

	workers, err := Workers(projs, 5, eventlog.NewMemory(), projection.Options{Logger: logx.Discard()})
	if err != nil {
		t.Fatalf("workers: %v", err)
	}
	if len(workers) != 15 {
		t.Fatalf("expected 15 workers, got %d", len(workers))
	}
}
