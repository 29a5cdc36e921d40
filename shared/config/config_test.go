package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseCSV(t *testing.T) {
	got := parseCSV("a, b, ,c,,")
	if len(got) != 3 {
		t.Fatalf("expected 3 items, got %d", len(got))
	}
	if got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("unexpected values: %#v", got)
	}
}

func TestParseAnyCSV(t *testing.T) {
	raw := []any{"x", " ", "y"}
	got := parseAnyCSV(raw)
	if len(got) != 2 {
		t.Fatalf("expected 2 items, got %d", len(got))
	}
	if got[0] != "x" || got[1] != "y" {
		t.Fatalf("unexpected values: %#v", got)
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ENV", "test")
	t.Setenv("CONFIG_PATH", writeConfig(t, `{}`))

	cfg, problems := Load("cart-node", 8080)
	if len(problems) != 0 {
		t.Fatalf("unexpected problems: %#v", problems)
	}
	if cfg.SnapshotEvery != 100 || cfg.SnapshotKeep != 3 {
		t.Fatalf("unexpected snapshot defaults: %d/%d", cfg.SnapshotEvery, cfg.SnapshotKeep)
	}
	if cfg.RestartBackoffMinMS != 200 || cfg.RestartBackoffMaxMS != 5000 || cfg.RestartBackoffJitter != 0.1 {
		t.Fatalf("unexpected backoff defaults: %+v", cfg)
	}
	if cfg.AskTimeout() != 5*time.Second {
		t.Fatalf("unexpected ask timeout: %s", cfg.AskTimeout())
	}
	if cfg.NodeID == "" || cfg.AdvertiseAddr == "" {
		t.Fatalf("expected node identity defaults, got %q %q", cfg.NodeID, cfg.AdvertiseAddr)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	t.Setenv("ENV", "test")
	t.Setenv("CONFIG_PATH", writeConfig(t, `{
		"PROJECTION_TAGS": 8,
		"KAFKA_BROKERS": ["k1:9092", "k2:9092"],
		"ORDER_ENABLED": false,
		"EVENT_STORE": "memory",
		"RESTART_BACKOFF_JITTER": "0.2"
	}`))
	t.Setenv("PROJECTION_TAGS", "12")
	t.Setenv("ADVERTISE_ADDR", "http://node-a:8080/")

	cfg, problems := Load("cart-node", 8080)
	if len(problems) != 0 {
		t.Fatalf("unexpected problems: %#v", problems)
	}
	if cfg.ProjectionTags != 12 {
		t.Fatalf("env should override file, got %d", cfg.ProjectionTags)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("unexpected brokers: %#v", cfg.KafkaBrokers)
	}
	if cfg.OrderEnabled {
		t.Fatalf("expected ORDER_ENABLED=false from file")
	}
	if cfg.EventStore != EventStoreMemory {
		t.Fatalf("unexpected event store: %q", cfg.EventStore)
	}
	if cfg.RestartBackoffJitter != 0.2 {
		t.Fatalf("unexpected jitter: %v", cfg.RestartBackoffJitter)
	}
	if cfg.AdvertiseAddr != "http://node-a:8080" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.AdvertiseAddr)
	}
}

func TestLoadReportsProblems(t *testing.T) {
	t.Setenv("ENV", "test")
	t.Setenv("CONFIG_PATH", writeConfig(t, `{}`))
	t.Setenv("SHARD_COUNT", "0")
	t.Setenv("EVENT_STORE", "cassandra")
	t.Setenv("ASYNQ_ENABLED", "maybe")

	cfg, problems := Load("cart-node", 8080)
	fields := map[string]bool{}
	for _, p := range problems {
		fields[p.Field] = true
	}
	for _, want := range []string{"SHARD_COUNT", "EVENT_STORE", "ASYNQ_ENABLED"} {
		if !fields[want] {
			t.Fatalf("expected problem for %s, got %#v", want, problems)
		}
	}
	if cfg.ShardCount != 100 || cfg.EventStore != EventStorePostgres {
		t.Fatalf("expected defaults restored, got %d %q", cfg.ShardCount, cfg.EventStore)
	}
}
