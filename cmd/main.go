package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/chatpipe/chatpipe/config"
	"github.com/chatpipe/chatpipe/internal/cache"
	"github.com/chatpipe/chatpipe/internal/gateway"
	"github.com/chatpipe/chatpipe/internal/handler"
	"github.com/chatpipe/chatpipe/internal/indexer"
	"github.com/chatpipe/chatpipe/internal/metrics"
	"github.com/chatpipe/chatpipe/internal/pkg/kafka"
	"github.com/chatpipe/chatpipe/internal/pkg/ratelimit"
	"github.com/chatpipe/chatpipe/internal/pkg/snowflake"
	"github.com/chatpipe/chatpipe/internal/pkg/workerpool"
	"github.com/chatpipe/chatpipe/internal/repository"
	"github.com/chatpipe/chatpipe/internal/router"
	"github.com/chatpipe/chatpipe/internal/search"
	"github.com/chatpipe/chatpipe/internal/service"
	"github.com/chatpipe/chatpipe/internal/storage"
	"github.com/chatpipe/chatpipe/internal/ws"
	"github.com/chatpipe/chatpipe/pkg/logger"
)

func main() {
	cfg, err := config.LoadConfig("./config.toml")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	zlog, err := logger.NewLogger(&cfg.Logging)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer zlog.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Canonical storage.
	dsn := storage.BuildDSN(cfg.Postgres.Host, cfg.Postgres.Port, cfg.Postgres.User,
		cfg.Postgres.Password, cfg.Postgres.DBName)
	db, err := storage.InitPostgres(dsn, cfg.Postgres.MaxIdleConns, cfg.Postgres.MaxOpenConns)
	if err != nil {
		zlog.Fatal("failed to init postgres", zap.Error(err))
	}

	redisClient, err := storage.InitRedis(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password,
		cfg.Redis.DB, cfg.Redis.PoolSize, cfg.Redis.MinIdleConns)
	if err != nil {
		zlog.Fatal("failed to init redis", zap.Error(err))
	}
	defer redisClient.Close()

	// Search index.
	index, err := search.Open(cfg.Search.IndexPath)
	if err != nil {
		zlog.Fatal("failed to open search index", zap.Error(err))
	}
	defer index.Close()

	collector := metrics.NewCollector()
	resultCache := cache.NewStore(redisClient, cfg.Cache.TTL(), zlog)
	messageRepo := repository.NewMessageRepository(db)

	// Real-time fan-out.
	hub := ws.NewHub(ws.AllowAll{}, redisClient, zlog)
	go hub.Run(ctx)

	// Broker plumbing.
	producer, err := kafka.NewProducer(&cfg.Kafka)
	if err != nil {
		zlog.Fatal("failed to init kafka producer", zap.Error(err))
	}
	defer producer.Close()

	pool := workerpool.New(cfg.WorkerPool.Size, cfg.WorkerPool.QueueSize, zlog)
	pool.Start()
	defer pool.Stop()

	ids, err := snowflake.NewGenerator(cfg.Gateway.WorkerID)
	if err != nil {
		zlog.Fatal("failed to init id generator", zap.Error(err))
	}

	messageService := service.NewMessageService(messageRepo, producer, cfg.Kafka.Topics.Message,
		hub, pool, ids, index, resultCache, zlog)

	// Async indexer consuming message events.
	idx := indexer.New(index, resultCache, collector, zlog)
	consumer, err := kafka.NewConsumer(&cfg.Kafka, []string{cfg.Kafka.Topics.Message}, idx.Handle, zlog)
	if err != nil {
		zlog.Fatal("failed to init kafka consumer", zap.Error(err))
	}
	if err := consumer.Start(ctx); err != nil {
		zlog.Fatal("failed to start kafka consumer", zap.Error(err))
	}
	defer consumer.Stop()

	// Read path.
	gw := gateway.New(resultCache, index, messageRepo, collector, zlog)
	limiter := ratelimit.NewRedisLimiter(redisClient, cfg.RateLimit.FailOpen, zlog)

	gin.SetMode(cfg.Server.Mode)
	r := gin.New()
	r.Use(gin.Recovery())

	router.Setup(r,
		handler.NewMessageHandler(messageService),
		handler.NewSearchHandler(gw),
		handler.NewWSHandler(hub, zlog),
		collector,
		limiter,
		cfg.RateLimit.Requests,
		cfg.RateLimit.Window(),
	)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}
	go func() {
		zlog.Info("server listening", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	zlog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error("graceful shutdown failed", zap.Error(err))
	}
}
