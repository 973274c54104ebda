package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/frahmantamala/fiscal-receipts/internal"
	"github.com/frahmantamala/fiscal-receipts/internal/core/events"
	"github.com/frahmantamala/fiscal-receipts/internal/fiscal"
	"github.com/frahmantamala/fiscal-receipts/internal/queue"
	"github.com/frahmantamala/fiscal-receipts/internal/receipt"
	receiptpostgres "github.com/frahmantamala/fiscal-receipts/internal/receipt/postgres"
	"github.com/frahmantamala/fiscal-receipts/internal/scheduler"
	"github.com/frahmantamala/fiscal-receipts/internal/tokencache"
	"github.com/frahmantamala/fiscal-receipts/internal/transport/rest"
	"github.com/frahmantamala/fiscal-receipts/pkg/logger"
)

var httpServerCmd = &cobra.Command{
	Use:   "server",
	Short: "Start HTTP server",
	Long:  `Start the HTTP server: receipt intake API, receipt redirect view and health checks`,
	Run: func(cmd *cobra.Command, args []string) {
		startHTTPServer()
	},
}

// Dependencies is everything one process needs, wired once. With Redis
// configured the server only enqueues and a separate worker consumes;
// without it the whole pipeline runs in-process on the memory queue.
type Dependencies struct {
	Config    *internal.Config
	DB        *sqlx.DB
	Redis     *redis.Client
	Queue     queue.Queue
	Service   *receipt.Service
	Scheduler *scheduler.Scheduler
	Handler   *receipt.Handler
	Logger    *slog.Logger

	redisQueue  *queue.RedisQueue
	memoryQueue *queue.MemoryQueue
}

func startHTTPServer() {
	deps, err := initializeDependencies()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize dependencies: %v\n", err)
		os.Exit(1)
	}

	if deps.Redis == nil {
		// single-process mode: consume and sweep right here
		deps.Scheduler.StartSweeps()
		deps.Logger.Info("no redis configured, running scheduler in-process")
	}

	router := chi.NewRouter()
	rest.RegisterAllRoutes(router, deps.DB.DB, deps.Redis, deps.Handler,
		deps.Config.Security.ServiceTokenSecret, deps.Logger)

	addr := fmt.Sprintf(":%d", deps.Config.Server.Port)
	slog.Info("Starting HTTP server", "address", addr)

	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  deps.Config.Server.ReadTimeout,
		WriteTimeout: deps.Config.Server.WriteTimeout,
		IdleTimeout:  deps.Config.Server.IdleTimeout,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErrChan := make(chan error, 1)
	go func() {
		serverErrChan <- server.ListenAndServe()
	}()

	select {
	case sig := <-sigChan:
		slog.Info("Received signal, shutting down...", "signal", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}
		deps.Shutdown()
	case err := <-serverErrChan:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("Server failed to start", "error", err)
			os.Exit(1)
		}
	}

	slog.Info("Server stopped")
}

func initializeDependencies() (*Dependencies, error) {
	config, err := loadConfig(".")
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger.Init(config.Logging.Level, config.Logging.Format)
	log := logger.LoggerWrapper()

	db, err := initDB(config.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	gormDB, err := gorm.Open(gormpostgres.New(gormpostgres.Config{Conn: db.DB}), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open gorm connection: %w", err)
	}

	var redisClient *redis.Client
	if config.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     config.Redis.Addr,
			Password: config.Redis.Password,
			DB:       config.Redis.DB,
		})
	}

	var tokenStore tokencache.Store
	if redisClient != nil {
		tokenStore = tokencache.NewRedisStore(redisClient)
	} else {
		tokenStore = tokencache.NewMemoryStore()
	}

	fiscalClient := fiscal.NewClient(config.Processor, tokenStore, log)
	bus := events.NewEventBus(log)
	repo := receiptpostgres.NewReceiptRepository(gormDB)

	deps := &Dependencies{
		Config: config,
		DB:     db,
		Redis:  redisClient,
		Logger: log,
	}

	// the queue needs the scheduler's handler and the scheduler needs the
	// queue; close over the scheduler variable to break the cycle
	var sched *scheduler.Scheduler
	handle := func(ctx context.Context, job queue.Job) { sched.Handle(ctx, job) }

	var q queue.Queue
	if redisClient != nil {
		rq := queue.NewRedisQueue(redisClient, queue.RedisConfig{
			Workers: config.Scheduler.Workers,
		}, handle, log)
		deps.redisQueue = rq
		q = rq
	} else {
		mq := queue.NewMemoryQueue(queue.MemoryConfig{
			Workers:   config.Scheduler.Workers,
			QueueSize: config.Scheduler.QueueSize,
		}, handle, log)
		deps.memoryQueue = mq
		q = mq
	}

	service := receipt.NewService(repo, fiscalClient, q, bus,
		config.Scheduler.ReportDelay, config.Processor.OFDURLTemplate, log)
	sched = scheduler.New(service, repo, config.Scheduler, log)
	sched.AttachQueue(q)

	deps.Queue = q
	deps.Service = service
	deps.Scheduler = sched
	deps.Handler = receipt.NewHandler(service, log)

	return deps, nil
}

// Shutdown stops background work and closes connections, in that order.
func (d *Dependencies) Shutdown() {
	if d.Scheduler != nil {
		d.Scheduler.Stop()
	}
	if d.redisQueue != nil {
		d.redisQueue.Shutdown()
	}
	if d.memoryQueue != nil {
		d.memoryQueue.Shutdown()
	}
	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			slog.Error("Redis close error", "error", err)
		}
	}
	if d.DB != nil {
		if err := d.DB.Close(); err != nil {
			slog.Error("Database close error", "error", err)
		}
	}
}

// initDB initializes the database connection
func initDB(cfg internal.DatabaseConfig) (*sqlx.DB, error) {
	const driver = "pgx"

	dbConn, err := sqlx.Connect(driver, cfg.Source)
	if err != nil {
		return nil, fmt.Errorf("failed to open db connection: %w", err)
	}

	dbConn.SetMaxIdleConns(cfg.MaxIdleConns)
	dbConn.SetMaxOpenConns(cfg.MaxOpenConns)
	if cfg.ConnMaxLifetime > 0 {
		dbConn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := dbConn.Ping(); err != nil {
		_ = dbConn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return dbConn, nil
}
