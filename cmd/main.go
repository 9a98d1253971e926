package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fathima-sithara/chat-core/internal/api"
	"github.com/fathima-sithara/chat-core/internal/auth"
	"github.com/fathima-sithara/chat-core/internal/cache"
	"github.com/fathima-sithara/chat-core/internal/config"
	"github.com/fathima-sithara/chat-core/internal/delivery"
	"github.com/fathima-sithara/chat-core/internal/discovery"
	"github.com/fathima-sithara/chat-core/internal/envelope"
	"github.com/fathima-sithara/chat-core/internal/logger"
	"github.com/fathima-sithara/chat-core/internal/media"
	"github.com/fathima-sithara/chat-core/internal/metrics"
	"github.com/fathima-sithara/chat-core/internal/notify"
	"github.com/fathima-sithara/chat-core/internal/repository"
	"github.com/fathima-sithara/chat-core/internal/service"
	"github.com/fathima-sithara/chat-core/internal/ws"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("config load: %v", err)
	}

	zl, err := logger.New(cfg.App.Development(), cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger init: %v", err)
	}
	defer zl.Sync()

	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		store     repository.Store
		directory service.Directory
		mongoCli  *mongo.Client
	)
	if cfg.Mongo.URI != "" {
		mongoCli, err = repository.NewMongoClient(ctx, cfg.Mongo.URI, time.Duration(cfg.Mongo.ConnectRetrySeconds)*time.Second, zl)
		if err != nil {
			zl.Fatal("mongo connect failed", zap.Error(err))
		}
		db := mongoCli.Database(cfg.Mongo.Database)
		ms, err := repository.NewMongoStore(ctx, db, time.Duration(cfg.Mongo.TimeoutSeconds)*time.Second)
		if err != nil {
			zl.Fatal("mongo store init failed", zap.Error(err))
		}
		store = ms
		directory = repository.NewMongoDirectory(db.Collection(cfg.Mongo.ConversationsCollection))
		zl.Info("connected to mongo", zap.String("database", cfg.Mongo.Database))
	} else {
		zl.Warn("mongo.uri not set, using in-memory store; data will not survive a restart")
		store = repository.NewMemoryStore()
		directory = repository.NewMemoryDirectory()
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	rc := cache.New(rdb, cache.Options{
		Prefix:      cfg.Redis.Prefix,
		MessageTTL:  cfg.MessageTTL(),
		IndexTTL:    cfg.IndexTTL(),
		TypingTTL:   cfg.TypingTTL(),
		MaxFailures: cfg.Cache.BreakerMaxFailures,
		Interval:    time.Duration(cfg.Cache.BreakerWindowSeconds) * time.Second,
		OpenTimeout: time.Duration(cfg.Cache.BreakerOpenSeconds) * time.Second,
	}, zl)
	pctx, pcancel := context.WithTimeout(ctx, 3*time.Second)
	if err := rc.Ping(pctx); err != nil {
		zl.Warn("redis unreachable at startup, serving from mongo until it recovers", zap.Error(err))
	}
	pcancel()

	jv, err := auth.NewJWTValidator(cfg.JWT.Algorithm, cfg.JWT.PublicKeyPath, cfg.JWT.Secret)
	if err != nil {
		zl.Fatal("jwt validator init failed", zap.Error(err))
	}

	hub := ws.NewHub()
	local := notify.NewLocal(hub, zl)
	var (
		notifier notify.Notifier = local
		closers  []func() error
	)
	if cfg.Notify.Mode == "kafka" {
		kn := notify.NewKafka(notify.NewWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic), rc, zl)
		relay := notify.NewRelay(notify.NewReader(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.GroupID), local, zl)
		go relay.Run(ctx)
		notifier = kn
		closers = append(closers, kn.Close, relay.Close)
		zl.Info("kafka notifier enabled", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}

	var checker service.MediaChecker
	if cfg.Media.Bucket != "" {
		s3c, err := media.NewS3Checker(ctx, cfg.Media.Region, cfg.Media.Bucket, cfg.Media.Prefix)
		if err != nil {
			zl.Fatal("s3 client init failed", zap.Error(err))
		}
		checker = s3c
	}

	svc := service.New(service.Deps{
		Store:     store,
		Cache:     rc,
		Tracker:   delivery.NewTracker(store, rc, notifier, zl),
		Notifier:  notifier,
		Directory: directory,
		Blocks:    rc,
		Envelopes: envelope.New(0),
		Media:     checker,
		Log:       zl,
	}, service.Options{
		DefaultLimit: cfg.Fetch.DefaultLimit,
		MaxLimit:     cfg.Fetch.MaxLimit,
		AckTimeout:   cfg.AckTimeout(),
	})

	sockets := ws.NewServer(hub, jv, svc, rc, ws.Options{}, zl)
	limiter := api.NewRateLimiter(cfg.RateLimit.PerMinute, cfg.RateLimit.Burst, zl)
	go limiter.Run(ctx)

	checks := map[string]api.HealthCheck{"redis": rc.Ping}
	if mongoCli != nil {
		checks["mongo"] = func(ctx context.Context) error { return mongoCli.Ping(ctx, nil) }
	}
	app := api.NewServer(svc, jv, api.Options{
		RequestTimeout: cfg.RequestTimeout(),
		AdminToken:     cfg.App.AdminToken,
		Limiter:        limiter,
		Sockets:        sockets,
		Blocks:         rc,
		Checks:         checks,
	}, zl)

	var registrar *discovery.Registrar
	if cfg.Consul.Addr != "" {
		registrar, err = discovery.NewConsul(cfg.Consul.Addr, discovery.Registration{
			ID:   cfg.Consul.ServiceID,
			Name: cfg.App.Name,
			Host: cfg.Consul.ServiceHost,
			Port: cfg.App.Port,
			Tags: []string{"chat", "messages"},
		}, zl)
		if err == nil {
			err = registrar.Register()
		}
		if err != nil {
			zl.Warn("consul registration failed", zap.Error(err))
			registrar = nil
		}
	}

	errs := make(chan error, 1)
	go func() {
		addr := ":" + cfg.App.PortString()
		zl.Info("starting chat-core", zap.String("addr", addr), zap.String("env", cfg.App.Env))
		errs <- app.Listen(addr)
	}()

	select {
	case err := <-errs:
		zl.Error("server error", zap.Error(err))
	case <-ctx.Done():
		zl.Info("shutdown signal received")
	}

	if registrar != nil {
		if err := registrar.Deregister(); err != nil {
			zl.Warn("consul deregister failed", zap.Error(err))
		}
	}
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		zl.Warn("fiber shutdown", zap.Error(err))
	}
	svc.Flush()
	for _, c := range closers {
		if err := c(); err != nil {
			zl.Warn("close failed", zap.Error(err))
		}
	}
	_ = rdb.Close()
	if mongoCli != nil {
		dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = mongoCli.Disconnect(dctx)
		cancel()
	}
	zl.Info("stopped")
}
