package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Gobusters/ectoenv"
	"github.com/Gobusters/ectologger"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	_ "github.com/lib/pq"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/Ramsey-B/bramble/config"
	"github.com/Ramsey-B/bramble/internal/repositories/mergedentity"
	"github.com/Ramsey-B/bramble/internal/repositories/rawhistory"
	"github.com/Ramsey-B/bramble/pkg/adapterclient"
	"github.com/Ramsey-B/bramble/pkg/aggregator"
	"github.com/Ramsey-B/bramble/pkg/association"
	"github.com/Ramsey-B/bramble/pkg/correlation"
	"github.com/Ramsey-B/bramble/pkg/database"
	"github.com/Ramsey-B/bramble/pkg/graph"
	"github.com/Ramsey-B/bramble/pkg/kafka"
	"github.com/Ramsey-B/bramble/pkg/keylock"
	"github.com/Ramsey-B/bramble/pkg/logger"
	"github.com/Ramsey-B/bramble/pkg/middleware"
	associationroutes "github.com/Ramsey-B/bramble/pkg/routes/association"
	correlationroutes "github.com/Ramsey-B/bramble/pkg/routes/correlation"
	entityroutes "github.com/Ramsey-B/bramble/pkg/routes/entity"
	"github.com/Ramsey-B/bramble/pkg/routes/health"
	"github.com/Ramsey-B/bramble/pkg/startup"
	"github.com/Ramsey-B/bramble/pkg/tracing"
	"github.com/Ramsey-B/bramble/pkg/tracing/exporters"
)

const version = "1.0.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	var cfg config.Config
	if err := ectoenv.BindEnv(&cfg); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, flush, err := logger.New(cfg.PrettyLogs)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer flush()

	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(&exporters.ConsoleExporter{}))
	tracing.SetTracer(tp.Tracer(cfg.AppName))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := buildApp(&cfg, log)
	if err != nil {
		return err
	}

	boot := startup.NewStartup(log, cfg.StartupMaxAttempts)
	boot.AddDependency(app)
	if err := boot.Start(ctx); err != nil {
		return fmt.Errorf("startup failed: %w", err)
	}
	app.health.SetReady(true)

	errCh := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.Port)
		log.WithField("addr", addr).Info("HTTP server listening")
		if err := app.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.echo.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("HTTP server shutdown failed")
	}
	if err := app.Stop(shutdownCtx); err != nil {
		log.WithError(err).Error("Shutdown cleanup failed")
	}

	_ = tp.Shutdown(shutdownCtx)
	return nil
}

// app owns every long-lived component and implements startup.StartupDependency
// so boot retries cover the whole dependency chain.
type app struct {
	cfg    *config.Config
	logger ectologger.Logger

	adapters []adapterclient.Adapter
	client   *adapterclient.Client
	notifier *kafka.Notifier

	db           database.DB
	graphClient  *graph.Client
	graphService *graph.EntityService
	producer     *kafka.Producer
	scheduler    *aggregator.Scheduler
	health       *health.Checker
	echo         *echo.Echo
}

func buildApp(cfg *config.Config, log ectologger.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: log}

	adapters := make([]adapterclient.Adapter, 0, len(cfg.Adapters))
	for _, entry := range cfg.Adapters {
		if entry == "" {
			continue
		}
		adapter, err := adapterclient.ParseAdapter(entry)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, adapter)
	}

	client := adapterclient.NewClient(adapterclient.Config{
		Timeout:      cfg.AdapterTimeout,
		MaxBodyBytes: cfg.AdapterMaxBodyBytes,
	}, log)

	var graphService *graph.EntityService
	if cfg.GraphDBEnabled {
		graphClient, err := graph.NewClient(graph.Config{
			Host:     cfg.GraphDBHost,
			Port:     cfg.GraphDBPort,
			Username: cfg.GraphDBUser,
			Password: cfg.GraphDBPassword,
		}, log)
		if err != nil {
			return nil, err
		}
		a.graphClient = graphClient
		graphService = graph.NewEntityService(graphClient, log)
		a.graphService = graphService
	}

	if cfg.KafkaEnabled {
		a.producer = kafka.NewProducer(kafka.ProducerConfig{
			Brokers:      cfg.KafkaBrokers,
			Topic:        cfg.KafkaOutputTopic,
			BatchSize:    cfg.KafkaBatchSize,
			BatchTimeout: time.Duration(cfg.KafkaBatchTimeout) * time.Millisecond,
			RequiredAcks: cfg.KafkaRequiredAcks,
			Compression:  cfg.KafkaCompression,
		}, log)
	}

	var projector kafka.GraphProjector
	if graphService != nil {
		projector = graphService
	}
	notifier := kafka.NewNotifier(a.producer, projector, log)

	a.adapters = adapters
	a.client = client
	a.notifier = notifier

	a.echo = echo.New()
	a.echo.HideBanner = true
	a.echo.HTTPErrorHandler = middleware.Error(log)
	a.echo.Use(otelecho.Middleware(cfg.AppName))
	a.echo.Use(middleware.Context())
	a.echo.Use(middleware.Logger(log))

	return a, nil
}

func (a *app) GetName() string { return "bramble" }

func (a *app) DependsOn() []string { return nil }

// Start connects to PostgreSQL, runs migrations, verifies the graph
// database, and wires the domain services onto the router.
func (a *app) Start(ctx context.Context) error {
	cfg := a.cfg

	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.DatabaseHost, cfg.DatabasePort, cfg.DatabaseUserName, cfg.DatabasePassword,
		cfg.DatabaseName, cfg.DatabaseSSLMode)

	sqlxDB, err := sqlx.ConnectContext(ctx, cfg.DatabaseDriver, dsn)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlxDB.SetMaxOpenConns(cfg.DatabaseMaxOpenConns)
	sqlxDB.SetMaxIdleConns(cfg.DatabaseMaxIdleConns)
	sqlxDB.SetConnMaxLifetime(cfg.DatabaseConnMaxLifetime)

	driver, err := migratepg.WithInstance(sqlxDB.DB, &migratepg.Config{})
	if err != nil {
		sqlxDB.Close()
		return fmt.Errorf("failed to create migration driver: %w", err)
	}
	migrations := database.NewMigrationService(a.logger, &database.MigrationConfig{
		MigrationFolderPath: cfg.DatabaseMigrationFolderPath,
		Version:             uint(cfg.DatabaseMigrationVersion),
		Force:               cfg.DatabaseMigrationForce,
		AutoRollback:        cfg.DatabaseMigrationAutoRollback,
	})
	if err := migrations.Migrate(cfg.DatabaseName, driver); err != nil {
		sqlxDB.Close()
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	if a.graphClient != nil {
		if err := a.graphClient.VerifyConnectivity(ctx); err != nil {
			sqlxDB.Close()
			return fmt.Errorf("graph database unreachable: %w", err)
		}
	}

	a.db = database.NewDatabaseInstance(sqlxDB, a.logger)

	locks := keylock.NewManager()
	entityRepo := mergedentity.NewRepository(a.db, a.logger, cfg.MaxDocumentBytes)
	historyRepo := rawhistory.NewRepository(a.db, a.logger)

	associations := association.NewHandler(locks, entityRepo, historyRepo, a.notifier, a.logger)

	coordinator := aggregator.NewCoordinator(a.client, a.adapters, entityRepo, historyRepo, locks, a.notifier, aggregator.Config{
		Workers:      cfg.IngestWorkerCount,
		BatchTimeout: cfg.IngestBatchTimeout,
	}, a.logger)

	var correlator *correlation.Service
	if cfg.CorrelationEnabled {
		executor := aggregator.NewProbeExecutor(a.client, a.adapters, a.logger)
		engine := correlation.NewEngine(executor, correlation.Config{
			Workers:      cfg.IngestWorkerCount,
			ProbeTimeout: cfg.ExecuteTimeout,
		}, a.logger)
		correlator = correlation.NewService(engine, entityRepo, associations, a.notifier, a.logger)
	}

	a.health = health.NewChecker(a.db, a.graphClient, version)
	a.health.RegisterRoutes(a.echo)

	api := a.echo.Group("/api/v1")
	associationroutes.NewHandler(associations).Register(api)
	entityroutes.NewHandler(entityRepo, historyRepo, a.graphService).Register(api.Group("/entities"))
	correlationroutes.NewHandler(coordinator, correlator).Register(api)

	if cfg.SchedulerEnabled {
		a.scheduler = aggregator.NewScheduler(coordinator, correlator, cfg.SampleInterval, a.logger)
		a.scheduler.Start(ctx)
	}

	return nil
}

// Stop tears down the long-lived components in reverse order.
func (a *app) Stop(ctx context.Context) error {
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.logger.WithError(err).Error("Failed to close Kafka producer")
		}
	}
	if a.graphClient != nil {
		if err := a.graphClient.Close(ctx); err != nil {
			a.logger.WithError(err).Error("Failed to close graph driver")
		}
	}
	if a.db != nil {
		return a.db.Close()
	}
	return nil
}
