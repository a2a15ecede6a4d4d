package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/go-flashsale-orders/internal/admission"
	"github.com/ariefcatur/go-flashsale-orders/internal/catalog"
	"github.com/ariefcatur/go-flashsale-orders/internal/config"
	"github.com/ariefcatur/go-flashsale-orders/internal/httpx"
	kafkax "github.com/ariefcatur/go-flashsale-orders/internal/kafka"
	"github.com/ariefcatur/go-flashsale-orders/internal/ledger"
	"github.com/ariefcatur/go-flashsale-orders/internal/logx"
	"github.com/ariefcatur/go-flashsale-orders/internal/metrics"
	"github.com/ariefcatur/go-flashsale-orders/internal/orders"
	"github.com/ariefcatur/go-flashsale-orders/internal/postgres"
	"github.com/ariefcatur/go-flashsale-orders/internal/redisx"
	"github.com/ariefcatur/go-flashsale-orders/internal/settlement"
	"github.com/ariefcatur/go-flashsale-orders/internal/tracing"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	log := logx.MustNew(cfg.ServiceName+"-api", cfg.Env, cfg.LogLevel)
	defer func() { _ = log.Sync() }()
	zap.ReplaceGlobals(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.Init(ctx, cfg.ServiceName+"-api", cfg.OTLPEndpoint)
	if err != nil {
		log.Fatal("tracing init", zap.Error(err))
	}

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN, cfg.PGMaxConns)
	if err != nil {
		log.Fatal("db connect", zap.Error(err))
	}
	defer db.Close()
	if cfg.Migrate {
		if err := postgres.Migrate(ctx, db); err != nil {
			log.Fatal("db migrate", zap.Error(err))
		}
	}

	// Redis: stock ledger + event cache, and member order status
	stockRDB := redisx.New(cfg.RedisAddr, cfg.RedisStockDB)
	defer stockRDB.Close()
	orderRDB := redisx.New(cfg.RedisAddr, cfg.RedisOrderDB)
	defer orderRDB.Close()
	if err := redisx.Ping(ctx, stockRDB); err != nil {
		log.Fatal("redis ping", zap.Error(err))
	}

	repo := &orders.Repo{DB: db}
	stock := ledger.New(stockRDB)
	cat := &catalog.Catalog{Events: repo, Redis: stockRDB, Ledger: stock, Log: log}
	if cfg.PreloadStock {
		now := time.Now()
		n, err := cat.Preload(ctx, now, now.Add(cfg.PreloadWindow))
		if err != nil {
			log.Fatal("preload events", zap.Error(err))
		}
		log.Info("events preloaded", zap.Int("count", n))
	}

	// Kafka
	writer := kafkax.NewWriter(cfg.KafkaBrokers)
	channel := &kafkax.Channel{
		Writer:      writer,
		Topics:      orders.NewTopics(cfg.TopicPrefix),
		Producer:    cfg.ServiceName + "-api",
		CancelDelay: cfg.CancelDelay,
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	oh := &httpx.OrdersHandler{
		Admission: &admission.Service{
			Events:         cat,
			Ledger:         stock,
			Channel:        channel,
			Metrics:        m,
			MaxPerOrder:    cfg.MaxPerOrder,
			PublishTimeout: cfg.PublishTimeout,
		},
		Settlement: &settlement.Service{Store: repo, Cache: &orders.StatusCache{Redis: orderRDB}, Metrics: m},
		Orders:     repo,
		Latest:     &orders.StatusCache{Redis: orderRDB},
		Admin:      repo,
		Events:     cat,
	}
	router := httpx.NewRouter(log)
	oh.Register(router)

	// HTTP server
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	// graceful shutdown
	go func() {
		log.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("listen", zap.Error(err))
		}
	}()

	// wait signal
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel2()
	if err := srv.Shutdown(ctx2); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	// in-flight admissions have returned, nothing left to publish
	if err := writer.Close(); err != nil {
		log.Warn("kafka writer close", zap.Error(err))
	}
	if err := shutdownTracing(ctx2); err != nil {
		log.Warn("tracing shutdown", zap.Error(err))
	}
	cancel()
}
