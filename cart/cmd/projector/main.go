package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"shopping-cart-service/cart/internal/cluster"
	"shopping-cart-service/cart/internal/orders"
	"shopping-cart-service/cart/internal/pipeline"
	"shopping-cart-service/cart/internal/projection"
	"shopping-cart-service/cart/internal/stores"
	"shopping-cart-service/shared/backoffx"
	"shopping-cart-service/shared/config"
	"shopping-cart-service/shared/httpx"
	"shopping-cart-service/shared/influxx"
	"shopping-cart-service/shared/logx"
	"shopping-cart-service/shared/metricsx"
	"shopping-cart-service/shared/mqx"
	"shopping-cart-service/shared/observability"
)

const orderTaskMaxRetry = 25

type statusResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Env     string `json:"env,omitempty"`
	Version string `json:"version,omitempty"`
}

func main() {
	cfg, readyProblems := config.Load("cart-projector", 8081)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)
	for _, p := range readyProblems {
		logger.Error(context.Background(), "config_invalid", "invalid config",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("field", p.Field),
			slog.String("problem", p.Message),
		)
	}

	if shutdown, err := observability.InitTracer(context.Background(), observability.TracerConfigFrom(cfg)); err == nil {
		defer func() { _ = shutdown(context.Background()) }()
	} else {
		logger.Warn(context.Background(), "otel_init_failed", "tracer init failed", slog.String("error", err.Error()))
	}
	metricsx.Register()

	st, problems := stores.Open(context.Background(), cfg, logger)
	readyProblems = append(readyProblems, problems...)
	defer st.Close()
	if !st.Shared {
		readyProblems = append(readyProblems, config.Problem{Field: "EVENT_STORE", Message: "projector needs the shared postgres event store"})
	}

	var pings []func(context.Context) error
	sinks := pipeline.Sinks{Popularity: st.Popularity, KafkaTopic: cfg.KafkaTopic, Logger: logger}

	if cfg.PublishEnabled {
		producer, err := mqx.NewProducer(cfg)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "KAFKA_BROKERS", Message: "failed to initialize kafka producer"})
			logger.Error(context.Background(), "kafka_init_failed", "kafka producer init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
		} else {
			defer producer.Close()
			sinks.Publisher = producer
			pings = append(pings, producer.Ping)
		}
	}

	if cfg.ActivityEnabled {
		influx, err := influxx.New(cfg)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "INFLUX_URL", Message: "failed to initialize influxdb client"})
			logger.Error(context.Background(), "influx_init_failed", "influxdb init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
		} else {
			defer influx.Close()
			sinks.Points = influx
			pings = append(pings, influx.Ping)
		}
	}

	var asynqServer *asynq.Server
	var asynqMux *asynq.ServeMux
	if cfg.OrderEnabled {
		client, err := orders.New(cfg)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "ORDER_SERVICE_URL", Message: "ORDER_SERVICE_URL is required when ORDER_ENABLED"})
			logger.Error(context.Background(), "order_client_init_failed", "order client init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
		} else {
			// Orders read the final cart through the cluster; this process hosts no carts.
			router := cluster.NewRouter(cluster.Config{
				NodeID:     cfg.NodeID,
				Shards:     cfg.ShardCount,
				LeaseTTL:   cfg.ShardLeaseTTL(),
				AskTimeout: cfg.AskTimeout(),
			}, nil, st.Leases, st.Directory, cluster.NewHTTPForwarder(httpx.NewClient(cfg.AskTimeout()), cfg.NodeID), logger)
			dispatcher := orders.NewDispatcher(router, client, backoffx.Restart(cfg), logger)
			sinks.Orders = dispatcher

			if cfg.AsynqEnabled {
				if cfg.AsynqRedisAddr == "" {
					readyProblems = append(readyProblems, config.Problem{Field: "ASYNQ_REDIS_ADDR", Message: "ASYNQ_REDIS_ADDR is required when ASYNQ_ENABLED"})
				} else {
					redisOpt := asynq.RedisClientOpt{
						Addr:     cfg.AsynqRedisAddr,
						Password: cfg.AsynqRedisPass,
						DB:       cfg.AsynqRedisDB,
					}
					enqueuer := asynq.NewClient(redisOpt)
					defer enqueuer.Close()
					sinks.Orders = orders.NewQueue(enqueuer, cfg.AsynqQueue, orderTaskMaxRetry)

					asynqServer = asynq.NewServer(redisOpt, asynq.Config{
						Concurrency: cfg.AsynqConcurrency,
						Queues: map[string]int{
							cfg.AsynqQueue: 1,
						},
						RetryDelayFunc: orders.RetryDelay,
					})
					asynqMux = asynq.NewServeMux()
					asynqMux.Handle(orders.TaskSendOrder, orders.NewTaskHandler(dispatcher))

					inspector := asynq.NewInspector(redisOpt)
					defer inspector.Close()
					go func() {
						ticker := time.NewTicker(10 * time.Second)
						defer ticker.Stop()
						for range ticker.C {
							info, err := inspector.GetQueueInfo(cfg.AsynqQueue)
							if err != nil {
								continue
							}
							metricsx.SetAsynqQueueDepth(cfg.AsynqQueue, info.Size)
						}
					}()
				}
			}
		}
	}

	runCtx, stopRun := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	projs, err := pipeline.Projections(sinks)
	if err == nil {
		var workers []*projection.Worker
		workers, err = pipeline.Workers(projs, cfg.ProjectionTags, st.Log, projection.Options{
			BatchSize: cfg.ProjectionBatchSize,
			Poll:      cfg.ProjectionPoll(),
			Backoff:   backoffx.Restart(cfg),
			Logger:    logger,
		})
		if err == nil && st.Shared {
			daemon := projection.NewDaemon(st.Leases, cfg.NodeID, cfg.ShardLeaseTTL(), workers, logger)
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = daemon.Run(runCtx)
			}()
			names := make([]string, 0, len(projs))
			for _, p := range projs {
				names = append(names, p.Name)
			}
			logger.Info(context.Background(), "projections_started", "projection daemon started",
				slog.String("projections", strings.Join(names, ",")),
				slog.Int("workers", len(workers)),
			)
		}
	}
	if err != nil {
		readyProblems = append(readyProblems, config.Problem{Field: "PROJECTIONS", Message: "failed to build projections"})
		logger.Error(context.Background(), "projection_init_failed", "projection init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
	}

	if asynqServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info(context.Background(), "asynq_start", "starting order queue worker", slog.String("queue", cfg.AsynqQueue))
			if err := asynqServer.Run(asynqMux); err != nil && !errors.Is(err, asynq.ErrServerClosed) {
				logger.Error(context.Background(), "asynq_failed", "order queue worker failed",
					slog.String("error_code", "INTERNAL_ERROR"),
					slog.String("error", err.Error()),
				)
			}
		}()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, statusResponse{Status: "ok", Service: cfg.ServiceName, Env: cfg.Env, Version: version})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if len(readyProblems) > 0 {
			httpx.WriteError(
				w,
				r,
				http.StatusServiceUnavailable,
				"FAILED_PRECONDITION",
				"service not ready: invalid configuration",
				map[string]any{"problems": readyProblems},
			)
			return
		}
		if err := st.Ping(r.Context()); err != nil {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION", "service not ready: storage unavailable",
				map[string]any{"problem": "storage_ping_failed"})
			return
		}
		for _, ping := range pings {
			if err := ping(r.Context()); err != nil {
				httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION", "service not ready: downstream unavailable",
					map[string]any{"problem": "downstream_ping_failed"})
				return
			}
		}
		httpx.WriteJSON(w, http.StatusOK, statusResponse{Status: "ready", Service: cfg.ServiceName, Env: cfg.Env, Version: version})
	})
	mux.Handle("GET /metrics", metricsx.Handler())

	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
	})
	handler := httpx.WrapServeMux(mux, notFound)
	handler = httpx.WithRequestID(handler)
	handler = httpx.WithRecover(logger, handler)

	server := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "service_start", "starting service",
			slog.String("addr", server.Addr),
			slog.Int("projection_tags", cfg.ProjectionTags),
			slog.Bool("publish_enabled", cfg.PublishEnabled),
			slog.Bool("activity_enabled", cfg.ActivityEnabled),
			slog.Bool("order_enabled", cfg.OrderEnabled),
			slog.Bool("asynq_enabled", cfg.AsynqEnabled),
		)
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "server_failed", "server failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
		}
	}

	stopRun()
	if asynqServer != nil {
		asynqServer.Shutdown()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(context.Background(), "shutdown_failed", "shutdown failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
	}
	wg.Wait()
	logger.Info(context.Background(), "service_stop", "service stopped")
}
