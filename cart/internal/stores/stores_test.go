package stores

import (
	"context"
	"testing"

	"shopping-cart-service/shared/config"
	"shopping-cart-service/shared/logx"
)

func TestOpenFallsBackToMemory(t *testing.T) {
	cfg := config.Config{EventStore: config.EventStoreMemory, SnapshotKeep: 3, ShardLeaseTTLMS: 10000}
	s, problems := Open(context.Background(), cfg, logx.Discard())
	defer s.Close()
	if len(problems) != 0 {
		t.Fatalf("unexpected problems: %v", problems)
	}
	if s.Log == nil || s.Popularity == nil || s.Snapshots == nil || s.Leases == nil || s.Directory == nil {
		t.Fatalf("memory stores not wired: %#v", s)
	}
	if s.Shared {
		t.Fatalf("memory event log must not be reported as shared")
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("ping with no backends: %v", err)
	}
}

func TestOpenReportsMissingDatabase(t *testing.T) {
	cfg := config.Config{EventStore: config.EventStorePostgres, SnapshotKeep: 3, ShardLeaseTTLMS: 10000}
	s, problems := Open(context.Background(), cfg, logx.Discard())
	defer s.Close()
	if len(problems) != 1 || problems[0].Field != "DATABASE_URL" {
		t.Fatalf("expected DATABASE_URL problem, got %v", problems)
	}
	if s.Log == nil {
		t.Fatalf("expected memory fallback log")
	}
}
