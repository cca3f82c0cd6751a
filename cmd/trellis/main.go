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

	"github.com/Gobusters/ectoenv"
	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/jmoiron/sqlx"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	_ "github.com/lib/pq"

	"github.com/Ramsey-B/trellis/internal/config"
	"github.com/Ramsey-B/trellis/internal/handlers"
	trellismw "github.com/Ramsey-B/trellis/internal/middleware"
	"github.com/Ramsey-B/trellis/internal/platform/database"
	"github.com/Ramsey-B/trellis/internal/platform/startup"
	"github.com/Ramsey-B/trellis/internal/platform/tracing"
	"github.com/Ramsey-B/trellis/internal/platform/tracing/exporters"
	"github.com/Ramsey-B/trellis/pkg/audit"
	"github.com/Ramsey-B/trellis/pkg/broker"
	"github.com/Ramsey-B/trellis/pkg/engine"
	"github.com/Ramsey-B/trellis/pkg/eventbus"
	"github.com/Ramsey-B/trellis/pkg/health"
	"github.com/Ramsey-B/trellis/pkg/policy"
	"github.com/Ramsey-B/trellis/pkg/redis"
	"github.com/Ramsey-B/trellis/pkg/statestore"
	"github.com/Ramsey-B/trellis/pkg/toolagent"
)

func main() {
	var cfg config.Config
	if err := ectoenv.ReadEnv(&cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	zapLogger, err := buildZapLogger(cfg)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	logger := zapadapter.NewZapEctoLogger(zapLogger, nil)

	if err := setupTracing(context.Background(), cfg); err != nil {
		logger.WithError(err).Fatal("failed to set up tracing")
	}

	store, err := statestore.Open(cfg.PlanStatePath, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to open plan state store")
	}

	bkr, err := buildBroker(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to build broker adapter")
	}

	gate, err := buildPolicyGate(context.Background(), cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to build policy gate")
	}

	bus := eventbus.New(logger)
	defer bus.Stop()

	tools := toolagent.New(func(tool string) (string, error) {
		if tool == "" {
			return "", fmt.Errorf("toolagent: empty tool name")
		}
		return cfg.ToolAgentURL + "/tools/" + tool, nil
	}, logger)

	var auditRepo *audit.PlanAuditRepository
	if cfg.HasAuditDB() {
		db, err := connectAuditDB(cfg)
		if err != nil {
			logger.WithError(err).Fatal("failed to connect to audit database")
		}
		auditRepo = audit.NewPlanAuditRepository(audit.NewRepository(database.NewDatabaseInstance(db, logger), logger))
	}

	var approvalCache engine.ApprovalCache
	if cfg.HasApprovalCache() {
		rdb, err := redis.NewClient(redis.Config{
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, logger)
		if err != nil {
			logger.WithError(err).Fatal("failed to connect to redis")
		}
		approvalCache = engine.NewRedisApprovalCache(rdb)
	}

	eng := engine.New(engine.Config{
		Store:            store,
		Broker:           bkr,
		Tools:            tools,
		Gate:             gate,
		Bus:              bus,
		Audit:            auditRepo,
		Approval:         approvalCache,
		MaxAttempts:      cfg.QueueRetryMax + 1,
		RetryBackoffBase: cfg.QueueRetryBackoff(),
		Logger:           logger,
	})

	checker := health.NewChecker(store, bkr, cfg.AppName)

	su := startup.NewStartup[any](logger, cfg.StartupMaxAttempts)
	su.AddDependency(eng)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := su.Start(ctx); err != nil {
		logger.WithError(err).Fatal("startup failed")
	}
	checker.SetReady(true)

	e := echo.New()
	e.HideBanner = true

	if cfg.AuthEnabled {
		authMW, err := trellismw.Authentication(logger, cfg.AuthIssuer, cfg.AuthClientID)
		if err != nil {
			logger.WithError(err).Fatal("failed to configure authentication middleware")
		}
		e.Use(authMW)
	}

	checker.RegisterRoutes(e)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	planHandler := handlers.NewPlanHandler(eng, bus, auditRepo, logger)
	planHandler.Register(e.Group("/plan"))

	if lister, ok := bkr.(broker.DeadLetterLister); ok {
		dlqHandler := handlers.NewDLQHandler(lister, logger)
		dlqHandler.RegisterRoutes(e.Group("/dlq"))
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      e,
		ReadTimeout:  time.Duration(cfg.HTTPReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTPWriteTimeout) * time.Second,
	}

	go func() {
		logger.Infof("trellis listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("http server failed")
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	checker.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http server shutdown did not complete cleanly")
	}
	if err := su.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Warn("dependency shutdown did not complete cleanly")
	}
}

func buildZapLogger(cfg config.Config) (*zap.Logger, error) {
	if cfg.PrettyLogs {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func connectAuditDB(cfg config.Config) (*sqlx.DB, error) {
	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBSSLMode)
	return sqlx.Connect("postgres", dsn)
}

func setupTracing(ctx context.Context, cfg config.Config) error {
	if !cfg.OTLPEnabled {
		return nil
	}
	exporter, err := exporters.NewOTLPExporter(ctx, exporters.OTLPConfig{
		Endpoint: cfg.OTLPEndpoint,
		Protocol: cfg.OTLPProtocol,
		Insecure: cfg.OTLPInsecure,
		Timeout:  10 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("build otlp exporter: %w", err)
	}
	tp := trace.NewTracerProvider(trace.WithBatcher(exporter))
	tracing.SetTracer(tp.Tracer(cfg.AppName))
	return nil
}

func buildBroker(cfg config.Config, logger ectologger.Logger) (broker.Adapter, error) {
	switch cfg.MessagingType {
	case "rabbitmq":
		return broker.NewRabbitMQAdapter(broker.RabbitMQConfig{
			URL: cfg.RabbitMQURL,
			RetryPolicy: broker.RetryPolicy{
				BaseDelay: cfg.QueueRetryBackoff(),
				MaxDelay:  broker.DefaultRetryPolicy.MaxDelay,
			},
		}, logger)
	case "kafka", "":
		return broker.NewKafkaAdapter(broker.KafkaConfig{
			Brokers:       cfg.KafkaBrokers,
			ConsumerGroup: cfg.KafkaGroupID,
			RetryPolicy: broker.RetryPolicy{
				BaseDelay: cfg.QueueRetryBackoff(),
				MaxDelay:  broker.DefaultRetryPolicy.MaxDelay,
			},
		}, logger), nil
	default:
		return nil, fmt.Errorf("unknown MESSAGING_TYPE %q", cfg.MessagingType)
	}
}

func buildPolicyGate(ctx context.Context, cfg config.Config, logger ectologger.Logger) (policy.Gate, error) {
	if cfg.PolicyRunMode == "none" {
		return policy.AllowAllGate{}, nil
	}
	return policy.NewOPAGate(ctx, policy.OPAConfig{
		BundlePath: cfg.PolicyBundlePath,
		Query:      "data.trellis.plan.decision",
	}, logger)
}
