// Package pipeline assembles the projections the projector runs, one worker per (projection, tag).
package pipeline

import (
	"errors"

	"shopping-cart-service/cart/internal/activity"
	"shopping-cart-service/cart/internal/eventlog"
	"shopping-cart-service/cart/internal/orders"
	"shopping-cart-service/cart/internal/popularity"
	"shopping-cart-service/cart/internal/projection"
	"shopping-cart-service/cart/internal/publish"
	"shopping-cart-service/shared/logx"
)

// Sinks are the downstreams of the optional projections. A nil sink disables its projection.
// Popularity is required: it owns the read model and stores every projection's offsets.
type Sinks struct {
	Popularity popularity.Store
	Publisher  publish.Publisher
	KafkaTopic string
	Points     activity.PointWriter
	Orders     orders.Trigger
	Logger     logx.Logger
}

func Projections(s Sinks) ([]projection.Projection, error) {
	if s.Popularity == nil {
		return nil, errors.New("popularity store is required")
	}
	projs := []projection.Projection{{
		Name:      popularity.ProjectionName,
		TxHandler: popularity.NewHandler(s.Popularity, s.Logger),
		Offsets:   s.Popularity,
	}}
	if s.Publisher != nil {
		projs = append(projs, projection.Projection{
			Name:    publish.ProjectionName,
			Handler: publish.NewHandler(s.Publisher, s.KafkaTopic),
			Offsets: s.Popularity,
		})
	}
	if s.Points != nil {
		projs = append(projs, projection.Projection{
			Name:    activity.ProjectionName,
			Handler: activity.NewHandler(s.Points),
			Offsets: s.Popularity,
		})
	}
	if s.Orders != nil {
		projs = append(projs, projection.Projection{
			Name:    orders.ProjectionName,
			Handler: orders.NewHandler(s.Orders),
			Offsets: s.Popularity,
		})
	}
	return projs, nil
}

// Workers builds one worker per tag for every projection.
func Workers(projs []projection.Projection, tags int, log eventlog.Store, opts projection.Options) ([]*projection.Worker, error) {
	workers := make([]*projection.Worker, 0, len(projs)*tags)
	for _, p := range projs {
		for tag := 0; tag < tags; tag++ {
			w, err := projection.NewWorker(p, tag, log, opts)
			if err != nil {
				return nil, err
			}
			workers = append(workers, w)
		}
	}
	return workers, nil
}
