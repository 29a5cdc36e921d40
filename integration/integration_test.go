//go:build integration

package integration

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"shopping-cart-service/cart/internal/cluster"
	"shopping-cart-service/cart/internal/domain"
	"shopping-cart-service/cart/internal/entity"
	"shopping-cart-service/cart/internal/pipeline"
	"shopping-cart-service/cart/internal/projection"
	"shopping-cart-service/cart/internal/repos"
	"shopping-cart-service/shared/backoffx"
	"shopping-cart-service/shared/cachex"
	"shopping-cart-service/shared/config"
	"shopping-cart-service/shared/dbx"
	"shopping-cart-service/shared/influxx"
	"shopping-cart-service/shared/lockx"
	"shopping-cart-service/shared/logx"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dbURL := os.Getenv("DATABASE_URL")
	redisAddr := os.Getenv("REDIS_ADDR")
	if dbURL == "" || redisAddr == "" {
		t.Skip("DATABASE_URL and REDIS_ADDR are required")
	}
	return config.Config{
		DatabaseURL:      dbURL,
		DBMaxConns:       4,
		DBMinConns:       0,
		DBConnMaxIdleSec: 60,
		DBConnMaxLifeSec: 300,
		RedisAddr:        redisAddr,
		SnapshotKeep:     3,
	}
}

func TestCartLifecycleOnPostgresAndRedis(t *testing.T) {
	cfg := testConfig(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := dbx.NewPool(ctx, cfg)
	if err != nil {
		t.Fatalf("db connect failed: %v", err)
	}
	defer pool.Close()
	if err := repos.EnsureSchema(ctx, pool); err != nil {
		t.Fatalf("schema: %v", err)
	}
	cache, err := cachex.New(cfg)
	if err != nil {
		t.Fatalf("redis: %v", err)
	}
	defer cache.Close()

	log := repos.NewEventLog(pool)
	store := repos.NewPopularityStore(pool)
	tagger := domain.NewTagger(2)
	reg := entity.NewRegistry(entity.Options{
		Log:           log,
		Snapshots:     repos.NewRedisSnapshots(cache, cfg.SnapshotKeep),
		Tagger:        tagger,
		SnapshotEvery: 1,
		Backoff:       backoffx.Policy{Min: 10 * time.Millisecond, Max: 100 * time.Millisecond},
		Logger:        logx.Discard(),
	})
	leases := lockx.NewRedis(cache.Client())
	dir := cluster.NewRedisDirectory(cache.Client(), 10*time.Second)
	nodeID := "it-" + uuid.NewString()
	router := cluster.NewRouter(cluster.Config{NodeID: nodeID, Addr: "http://127.0.0.1:0", Shards: 4, LeaseTTL: 10 * time.Second, AskTimeout: 5 * time.Second},
		reg, leases, dir, nil, logx.Discard())
	runCtx, stop := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = router.Run(runCtx)
	}()
	defer func() {
		stop()
		<-done
	}()
	if err := dir.Heartbeat(ctx, cluster.Node{ID: nodeID, Addr: "http://127.0.0.1:0"}); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	cartID := "it-cart-" + uuid.NewString()
	itemID := "it-item-" + uuid.NewString()
	if _, err := router.Submit(ctx, cartID, domain.AddItem{ItemID: itemID, Quantity: 3}); err != nil {
		t.Fatalf("add item: %v", err)
	}
	sum, err := router.Submit(ctx, cartID, domain.Checkout{})
	if err != nil || !sum.CheckedOut {
		t.Fatalf("checkout: %#v %v", sum, err)
	}

	records, err := log.ReadRange(ctx, cartID, 1, 0)
	if err != nil || len(records) != 2 {
		t.Fatalf("expected 2 persisted events, got %d (%v)", len(records), err)
	}

	projs, err := pipeline.Projections(pipeline.Sinks{Popularity: store, Logger: logx.Discard()})
	if err != nil {
		t.Fatalf("projections: %v", err)
	}
	workers, err := pipeline.Workers(projs, tagger.Tags(), log, projection.Options{Poll: 20 * time.Millisecond, Logger: logx.Discard()})
	if err != nil {
		t.Fatalf("workers: %v", err)
	}
	projCtx, stopProj := context.WithCancel(ctx)
	defer stopProj()
	for _, w := range workers {
		go func(w *projection.Worker) { _ = w.Run(projCtx) }(w)
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		item, ok, err := store.Get(ctx, itemID)
		if err != nil {
			t.Fatalf("read model: %v", err)
		}
		if ok && item.Count == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("popularity never reached 3: %#v", item)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestDependencies(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	redisClient := redis.NewClient(&redis.Options{Addr: redisAddr})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		t.Fatalf("redis ping failed: %v", err)
	}
	_ = redisClient.Close()

	brokers := strings.Split(os.Getenv("KAFKA_BROKERS"), ",")
	if strings.TrimSpace(brokers[0]) == "" {
		t.Skip("KAFKA_BROKERS not set")
	}
	conn, err := kafka.Dial("tcp", strings.TrimSpace(brokers[0]))
	if err != nil {
		t.Fatalf("kafka dial failed: %v", err)
	}
	_ = conn.Close()

	if os.Getenv("INFLUX_URL") == "" {
		t.Skip("INFLUX_URL not set")
	}
	influx, err := influxx.New(config.Config{
		InfluxURL:       os.Getenv("INFLUX_URL"),
		InfluxToken:     os.Getenv("INFLUX_TOKEN"),
		InfluxOrg:       os.Getenv("INFLUX_ORG"),
		InfluxBucket:    os.Getenv("INFLUX_BUCKET"),
		InfluxTimeoutMS: 5000,
	})
	if err != nil {
		t.Fatalf("influx client: %v", err)
	}
	defer influx.Close()
	if err := influx.Ping(ctx); err != nil {
		t.Fatalf("influx ping failed: %v", err)
	}

	asynqRedis := os.Getenv("ASYNQ_REDIS_ADDR")
	if asynqRedis == "" {
		t.Skip("ASYNQ_REDIS_ADDR not set")
	}
	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: asynqRedis})
	defer inspector.Close()
	if _, err := inspector.Queues(); err != nil {
		t.Fatalf("asynq inspector failed: %v", err)
	}
}
