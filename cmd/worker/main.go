package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ariefcatur/go-flashsale-orders/internal/config"
	"github.com/ariefcatur/go-flashsale-orders/internal/fulfillment"
	kafkax "github.com/ariefcatur/go-flashsale-orders/internal/kafka"
	"github.com/ariefcatur/go-flashsale-orders/internal/ledger"
	"github.com/ariefcatur/go-flashsale-orders/internal/logx"
	"github.com/ariefcatur/go-flashsale-orders/internal/metrics"
	"github.com/ariefcatur/go-flashsale-orders/internal/orders"
	"github.com/ariefcatur/go-flashsale-orders/internal/postgres"
	"github.com/ariefcatur/go-flashsale-orders/internal/redisx"
	"github.com/ariefcatur/go-flashsale-orders/internal/tracing"
	"github.com/ariefcatur/go-flashsale-orders/internal/watchdog"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	log := logx.MustNew(cfg.ServiceName+"-worker", cfg.Env, cfg.LogLevel)
	defer func() { _ = log.Sync() }()
	zap.ReplaceGlobals(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.Init(ctx, cfg.ServiceName+"-worker", cfg.OTLPEndpoint)
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

	// Redis
	stockRDB := redisx.New(cfg.RedisAddr, cfg.RedisStockDB)
	defer stockRDB.Close()
	orderRDB := redisx.New(cfg.RedisAddr, cfg.RedisOrderDB)
	defer orderRDB.Close()

	repo := &orders.Repo{DB: db}
	stock := ledger.New(stockRDB)
	cache := &orders.StatusCache{Redis: orderRDB}
	topics := orders.NewTopics(cfg.TopicPrefix)
	m := metrics.New(prometheus.DefaultRegisterer)

	// one writer serves the channel, the forwarder and both dead-letter paths
	writer := kafkax.NewWriter(cfg.KafkaBrokers)
	defer writer.Close()
	channel := &kafkax.Channel{
		Writer:      writer,
		Topics:      topics,
		Producer:    cfg.ServiceName + "-worker",
		CancelDelay: cfg.CancelDelay,
	}

	fc := &fulfillment.Consumer{Store: repo, Orders: repo, Cache: cache, Channel: channel, Ledger: stock, Metrics: m, Log: log}
	wd := &watchdog.Watchdog{Store: repo, Ledger: stock, Cache: cache, Metrics: m, Log: log}

	created := kafkax.NewConsumer(
		kafkax.NewReader(cfg.KafkaBrokers, cfg.KafkaGroup+"-fulfillment", topics.Created),
		writer,
		kafkax.ConsumerConfig{
			Name:     "order-created",
			Workers:  cfg.CreateWorkers,
			Policy:   kafkax.DeadLetter,
			DLQTopic: topics.CreatedDLQ,
		}, log, m)
	cancels := kafkax.NewConsumer(
		kafkax.NewReader(cfg.KafkaBrokers, cfg.KafkaGroup+"-watchdog", topics.Cancel),
		writer,
		kafkax.ConsumerConfig{
			Name:        "order-cancel",
			Workers:     cfg.CancelWorkers,
			Policy:      kafkax.Retry,
			MaxAttempts: cfg.CancelMaxAttempts,
			Backoff:     cfg.CancelRetryBackoff,
			DLQTopic:    topics.CancelDLQ,
		}, log, m)
	forwarder := &kafkax.Forwarder{
		Reader: kafkax.NewReader(cfg.KafkaBrokers, cfg.KafkaGroup+"-delay", topics.CancelDelay),
		Writer: writer,
		Target: topics.Cancel,
		Log:    log.With(zap.String("component", "delay-forwarder")),
	}

	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info("started", zap.String("loop", name))
			if err := fn(ctx); err != nil {
				log.Error("loop exit", zap.String("loop", name), zap.Error(err))
				cancel()
			}
		}()
	}
	run(topics.Created, func(ctx context.Context) error { return created.Start(ctx, fc.HandleOrderCreated) })
	run(topics.CancelDelay, forwarder.Run)
	run(topics.Cancel, func(ctx context.Context) error { return cancels.Start(ctx, wd.HandleOrderCancel) })

	// metrics + health
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	msrv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := msrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics listen", zap.Error(err))
		}
	}()

	// graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
		log.Info("shutting down consumers")
	case <-ctx.Done():
		log.Warn("a consumer loop stopped, shutting down")
	}
	cancel()
	wg.Wait() // in-flight messages finish before the writer closes

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = msrv.Shutdown(ctx2)
	if err := shutdownTracing(ctx2); err != nil {
		log.Warn("tracing shutdown", zap.Error(err))
	}
}
