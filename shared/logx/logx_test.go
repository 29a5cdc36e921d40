package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestLoggerRenamesKeys(t *testing.T) {
	var buf bytes.Buffer
	l := newWithWriter(&buf, "cart-node", "dev", "1.2.3", "info").With(slog.String("component", "router"))
	l.Info(context.Background(), "lease_acquired", "shard lease acquired", slog.Int("shard", 7))

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if rec["event"] != "lease_acquired" || rec["msg"] != "shard lease acquired" {
		t.Fatalf("unexpected event/msg: %#v", rec)
	}
	if rec["component"] != "router" || rec["service"] != "cart-node" || rec["version"] != "1.2.3" {
		t.Fatalf("missing base attrs: %#v", rec)
	}
	if _, ok := rec["ts"]; !ok {
		t.Fatalf("expected ts key: %#v", rec)
	}
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := newWithWriter(&buf, "svc", "dev", "", "warn")
	l.Info(context.Background(), "ignored", "ignored")
	if buf.Len() != 0 {
		t.Fatalf("expected info to be filtered, got %q", buf.String())
	}
	l.Warn(context.Background(), "kept", "kept")
	if buf.Len() == 0 {
		t.Fatalf("expected warn to be written")
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var l Logger
	l.Error(context.Background(), "noop", "zero logger")
	Discard().Error(context.Background(), "noop", "discard logger")
}
