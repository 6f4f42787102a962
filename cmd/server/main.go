package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/workshop-billing/internal/config"
	"github.com/iliyamo/workshop-billing/internal/database"
	"github.com/iliyamo/workshop-billing/internal/gateway"
	"github.com/iliyamo/workshop-billing/internal/gateway/bearer"
	"github.com/iliyamo/workshop-billing/internal/gateway/redirect"
	"github.com/iliyamo/workshop-billing/internal/handler"
	"github.com/iliyamo/workshop-billing/internal/ledger"
	"github.com/iliyamo/workshop-billing/internal/logger"
	"github.com/iliyamo/workshop-billing/internal/middleware"
	"github.com/iliyamo/workshop-billing/internal/notify"
	"github.com/iliyamo/workshop-billing/internal/reconcile"
	"github.com/iliyamo/workshop-billing/internal/repository"
	"github.com/iliyamo/workshop-billing/internal/router"
)

func main() {
	_ = config.LoadEnvFile(".env")
	cfg, err := config.Load()
	if err != nil {
		logger.Must(false).Fatal("invalid configuration", zap.Error(err))
	}
	log := logger.Must(cfg.IsProduction())
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore := openStore(cfg, log)
	defer closeStore()

	rdb, err := config.NewRedisClient(cfg.Redis)
	if err != nil {
		log.Warn("redis unavailable, continuing without it", zap.Error(err))
		rdb = nil
	}
	if rdb != nil {
		defer rdb.Close()
	}

	var guard repository.NotificationGuard = repository.NopNotificationGuard{}
	if rdb != nil {
		guard = repository.NewRedisNotificationGuard(rdb, "notif:", cfg.NotificationTTL)
	}

	var pub notify.Publisher = notify.Nop{}
	var async *notify.Async
	if cfg.AMQP.URL != "" {
		amqpPub := notify.NewAMQPPublisher(cfg.AMQP.URL, cfg.AMQP.Queue, log)
		defer amqpPub.Close()
		async = notify.NewAsync(amqpPub, cfg.AMQP.PublishTimeout, log)
		pub = async
		if cfg.AMQP.ConsumerEnabled {
			consumer := &notify.Consumer{URL: cfg.AMQP.URL, Queue: cfg.AMQP.Queue, LogPath: cfg.AMQP.AuditLogPath, Log: log}
			go func() {
				if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					log.Error("audit consumer stopped", zap.Error(err))
				}
			}()
		}
	}

	gateways := gateway.NewRegistry()
	if cfg.Gateways.Redirect != nil {
		rc := redirect.New(*cfg.Gateways.Redirect, log.Named("redirect"))
		gateways.Register(gateway.KindRedirect, rc)
		gateways.Register(gateway.KindRedirectToken, redirect.TokenAPI{Client: rc})
	}
	if cfg.Gateways.Bearer != nil {
		gateways.Register(gateway.KindBearer, bearer.New(*cfg.Gateways.Bearer, log.Named("bearer")))
	}

	engine := reconcile.New(store, pub, log.Named("reconcile"))
	svc := ledger.New(store, engine, gateways,
		ledger.WithPublisher(pub),
		ledger.WithNotificationGuard(guard),
		ledger.WithPolicy(ledger.Policy{AllowDeletePaid: cfg.Policy.AllowDeletePaid}),
		ledger.WithLogger(log.Named("ledger")),
	)

	resp := handler.Responder{Diagnostics: cfg.Policy.Diagnostics, Log: log}
	checks := map[string]handler.Pinger{"store": store}
	if rdb != nil {
		checks["redis"] = handler.PingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
	}

	e := echo.New()
	e.HideBanner = true
	e.Validator = handler.NewValidator()
	e.Use(middleware.RequestLogger(log))
	router.RegisterRoutes(e, router.Handlers{
		Health:   handler.NewHealthHandler(checks),
		Invoices: handler.NewInvoiceHandler(svc, resp),
		Payments: handler.NewPaymentHandler(svc, resp),
		Events:   handler.NewEventHandler(engine, resp),
		Webhooks: handler.NewWebhookHandler(svc, resp),
	}, router.Middleware{
		RateLimit:   middleware.RateLimit(cfg.RateLimit, rdb, log),
		StatusCache: middleware.StatusCache(cfg.Cache, rdb, log),
	}, cfg.JWTSecret)

	addr := ":" + cfg.Port
	go func() {
		log.Info("listening", zap.String("addr", addr), zap.String("env", cfg.Env),
			zap.String("store", cfg.StoreDriver), zap.Any("gateways", gateways.Kinds()))
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", zap.Error(err))
	}
	if async != nil {
		async.Wait()
	}
}

// openStore returns the configured store and a function releasing it.
func openStore(cfg config.Config, log *zap.Logger) (repository.Store, func()) {
	if cfg.StoreDriver == config.DriverMemory {
		log.Warn("using the in-memory store; data is lost on restart")
		return repository.NewMemoryStore(), func() {}
	}
	db, err := database.Open(cfg.DB)
	if err != nil {
		log.Fatal("database connection failed", zap.Error(err))
	}
	if cfg.DB.Migrate {
		start := time.Now()
		version, err := database.Migrate(db, cfg.DB.Name)
		if err != nil {
			log.Fatal("migration failed", zap.Error(err))
		}
		log.Info("schema up to date", zap.Uint("version", version), zap.Duration("took", time.Since(start)))
	}
	return repository.NewSQLStore(db), func() { _ = db.Close() }
}
