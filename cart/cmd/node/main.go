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

	"shopping-cart-service/cart/internal/api"
	"shopping-cart-service/cart/internal/cluster"
	"shopping-cart-service/cart/internal/domain"
	"shopping-cart-service/cart/internal/entity"
	"shopping-cart-service/cart/internal/middleware"
	"shopping-cart-service/cart/internal/pipeline"
	"shopping-cart-service/cart/internal/projection"
	"shopping-cart-service/cart/internal/stores"
	"shopping-cart-service/shared/authx"
	"shopping-cart-service/shared/backoffx"
	"shopping-cart-service/shared/config"
	"shopping-cart-service/shared/httpx"
	"shopping-cart-service/shared/logx"
	"shopping-cart-service/shared/metricsx"
	"shopping-cart-service/shared/observability"
)

type statusResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Env     string `json:"env,omitempty"`
	Version string `json:"version,omitempty"`
	NodeID  string `json:"node_id,omitempty"`
	Shards  []int  `json:"shards,omitempty"`
}

func main() {
	cfg, readyProblems := config.Load("cart-node", 8080)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel).With(slog.String("node_id", cfg.NodeID))
	for _, p := range readyProblems {
		logger.Error(context.Background(), "config_invalid", "invalid config",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("field", p.Field),
			slog.String("problem", p.Message),
		)
	}

	shutdownTracer, err := observability.InitTracer(context.Background(), observability.TracerConfigFrom(cfg))
	if err != nil {
		logger.Warn(context.Background(), "otel_init_failed", "tracer init failed", slog.String("error", err.Error()))
	} else {
		defer func() { _ = shutdownTracer(context.Background()) }()
	}
	metricsx.Register()

	st, problems := stores.Open(context.Background(), cfg, logger)
	readyProblems = append(readyProblems, problems...)
	defer st.Close()

	registry := entity.NewRegistry(entity.Options{
		Log:           st.Log,
		Snapshots:     st.Snapshots,
		Tagger:        domain.NewTagger(cfg.ProjectionTags),
		SnapshotEvery: cfg.SnapshotEvery,
		IdleTimeout:   cfg.PassivationIdle(),
		Backoff:       backoffx.Restart(cfg),
		Logger:        logger,
	})
	router := cluster.NewRouter(cluster.Config{
		NodeID:     cfg.NodeID,
		Addr:       cfg.AdvertiseAddr,
		Shards:     cfg.ShardCount,
		LeaseTTL:   cfg.ShardLeaseTTL(),
		Heartbeat:  cfg.NodeHeartbeat(),
		AskTimeout: cfg.AskTimeout(),
	}, registry, st.Leases, st.Directory, cluster.NewHTTPForwarder(httpx.NewClient(cfg.AskTimeout()), cfg.NodeID), logger)

	runCtx, stopRun := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = router.Run(runCtx)
	}()

	// A process-local log cannot be projected by a separate projector, so the read model is
	// maintained here instead.
	if !st.Shared {
		daemon, err := embeddedProjections(cfg, st, logger)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "EVENT_STORE", Message: "failed to start projections"})
			logger.Error(context.Background(), "projection_init_failed", "projection init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
		} else {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = daemon.Run(runCtx)
			}()
		}
	}

	var verifier middleware.Verifier
	if cfg.OIDCIssuer != "" && cfg.OIDCAudience != "" {
		v, err := authx.NewJWTVerifier(cfg.OIDCIssuer, cfg.OIDCAudience, cfg.OIDCJWKSURL, cfg.JWKSTTLSeconds, cfg.JWTClockSkewSec)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "OIDC_ISSUER", Message: "failed to initialize JWT verifier"})
		} else {
			verifier = v
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ok",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
			NodeID:  cfg.NodeID,
		})
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
			httpx.WriteError(
				w,
				r,
				http.StatusServiceUnavailable,
				"FAILED_PRECONDITION",
				"service not ready: storage unavailable",
				map[string]any{"problem": "storage_ping_failed"},
			)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ready",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
			NodeID:  cfg.NodeID,
			Shards:  router.Held(),
		})
	})
	mux.Handle("GET /metrics", metricsx.Handler())
	api.NewHandler(router, st.Popularity, logger).Register(mux)

	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
	})

	handler := httpx.WrapServeMux(mux, notFound)
	if cfg.OIDCIssuer != "" {
		handler = middleware.AuthMiddleware{
			Verifier:  verifier,
			WriteRole: cfg.AuthWriteRole,
			Skip:      middleware.SkipInternal,
		}.Wrap(handler)
	}
	handler = middleware.RateLimitMiddleware{
		Limiter: middleware.NewIPRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, 0),
		Skip:    middleware.SkipInternal,
	}.Wrap(handler)
	handler = middleware.CORSMiddleware{
		AllowedOrigins: cfg.CORSOrigins,
		MaxAge:         10 * time.Minute,
		Skip:           middleware.SkipInternal,
	}.Wrap(handler)
	handler = httpx.WithTimeout(cfg.RequestTimeout, handler)
	handler = httpx.WithRequestID(handler)
	handler = httpx.WithRecover(logger, handler)
	handler = httpx.WithRequestLog(logger, httpx.RequestLogOptions{SkipPaths: map[string]bool{"/healthz": true, "/metrics": true}}, handler)
	handler = metricsx.Instrument(api.Route, handler)
	handler = httpx.WithTracing("cart-node", handler)

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
			slog.String("advertise_addr", cfg.AdvertiseAddr),
			slog.String("event_store", cfg.EventStore),
			slog.Int("shard_count", cfg.ShardCount),
			slog.Int("projection_tags", cfg.ProjectionTags),
			slog.String("log_level", cfg.LogLevel),
		)
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "server_failed", "server failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			exitCode = 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(context.Background(), "shutdown_failed", "shutdown failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
	}
	// Carts stop and shard leases are released only after in-flight requests have drained.
	stopRun()
	wg.Wait()
	logger.Info(context.Background(), "service_stop", "service stopped")
	if exitCode != 0 {
		st.Close()
		os.Exit(exitCode)
	}
}

func embeddedProjections(cfg config.Config, st *stores.Stores, logger logx.Logger) (*projection.Daemon, error) {
	projs, err := pipeline.Projections(pipeline.Sinks{Popularity: st.Popularity, Logger: logger})
	if err != nil {
		return nil, err
	}
	workers, err := pipeline.Workers(projs, cfg.ProjectionTags, st.Log, projection.Options{
		BatchSize: cfg.ProjectionBatchSize,
		Poll:      cfg.ProjectionPoll(),
		Backoff:   backoffx.Restart(cfg),
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	return projection.NewDaemon(st.Leases, cfg.NodeID, cfg.ShardLeaseTTL(), workers, logger), nil
}
