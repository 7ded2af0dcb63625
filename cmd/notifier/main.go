package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/phillus33/notification-status-worker/internal/config"
	"github.com/phillus33/notification-status-worker/internal/httpapi"
	"github.com/phillus33/notification-status-worker/internal/notification"
	"github.com/phillus33/notification-status-worker/internal/push"
	"github.com/phillus33/notification-status-worker/internal/queue"
	"github.com/phillus33/notification-status-worker/pkg/notify"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	duplicateWindow = 2 * time.Minute
	shutdownTimeout = 30 * time.Second
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("notifier: %v", err)
	}
}

// run owns every resource so its defers execute before the process exits.
func run() error {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger := config.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	ctx, cancel := context.WithCancel(sigCtx)
	defer cancel()

	// Broker
	b, closeBroker := newBroker(ctx, cfg, logger)
	defer closeBroker()

	// Status store
	store, closeStore, err := newStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open status store: %w", err)
	}
	defer closeStore()

	hub := push.NewHub(logger)
	defer hub.Close()

	worker := notification.NewWorker(notification.WorkerConfig{
		Consumer:  b,
		Publisher: b,
		Store:     store,
		Processor: notification.NewSimulatedProcessor(notification.SimulatedConfig{
			MinDelay:    cfg.Worker.MinDelay,
			MaxDelay:    cfg.Worker.MaxDelay,
			FailureRate: cfg.Worker.FailureRate,
			Logger:      logger,
		}),
		Notifiers:    []notification.Notifier{hub},
		InboundQueue: cfg.Queue.InboundQueue,
		StatusQueue:  cfg.Queue.StatusQueue,
		TaskTimeout:  cfg.Worker.TaskTimeout,
		Logger:       logger,
	})
	if err := worker.Start(ctx); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}

	// The in-memory status queue is bounded, so something has to drain it.
	projectorDone := make(chan struct{})
	if cfg.Projector.Enabled || cfg.Queue.Driver == config.QueueDriverMemory {
		projector := notification.NewProjector(notification.ProjectorConfig{
			Consumer:    b,
			Store:       store,
			StatusQueue: cfg.Queue.StatusQueue,
			Logger:      logger,
		})
		go func() {
			defer close(projectorDone)
			if err := projector.Run(ctx); err != nil {
				config.LogError(logger, "main", "projector", "run", nil, err)
			}
		}()
	} else {
		close(projectorDone)
	}

	router := httpapi.NewRouter(httpapi.Config{
		Submitter: notify.NewSubmitter(notify.SubmitterConfig{
			Publisher:    b,
			InboundQueue: cfg.Queue.InboundQueue,
			Logger:       logger,
		}),
		Query:          notification.NewQuery(store),
		Push:           http.HandlerFunc(hub.ServeWS),
		Ready:          b.Connected,
		AllowedOrigins: cfg.HTTP.CORSAllowedOrigins,
		Logger:         logger,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTP.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()
	logger.WithFields(logrus.Fields{
		"port":        cfg.HTTP.Port,
		"queueDriver": cfg.Queue.Driver,
		"storeDriver": cfg.Store.Driver,
	}).Info("notifier started")

	var serveErr error
	select {
	case <-sigCtx.Done():
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("server stopped unexpectedly")
			serveErr = fmt.Errorf("serve: %w", err)
		}
	}

	// Stop consuming first so no new work starts while HTTP drains.
	worker.Stop()
	cancel()
	<-projectorDone

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("graceful shutdown failed")
	}
	logger.Info("notifier stopped")
	return serveErr
}

func newBroker(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (queue.Broker, func()) {
	if cfg.Queue.Driver == config.QueueDriverMemory {
		logger.Warn("using in-memory queue; messages do not survive a restart")
		return queue.NewMemory(), func() {}
	}

	topology := queue.Topology{
		InboundQueue:    cfg.Queue.InboundQueue,
		StatusQueue:     cfg.Queue.StatusQueue,
		StatusRetention: cfg.Queue.StatusRetention,
		DuplicateWindow: duplicateWindow,
	}
	mgr := queue.NewManager(queue.ManagerConfig{
		URL:           cfg.NATS.URL,
		Name:          "notifier",
		MaxReconnects: cfg.NATS.MaxReconnects,
		RetryDelay:    cfg.Queue.RetryDelay,
		Setup: func(ctx context.Context, js jetstream.JetStream) error {
			return topology.Declare(ctx, js)
		},
		Logger: logger,
	})
	go mgr.Run(ctx)

	js := queue.NewJetStream(queue.JetStreamConfig{
		Manager:       mgr,
		ConsumerName:  cfg.Queue.ConsumerName,
		AckWait:       cfg.Worker.TaskTimeout + 30*time.Second,
		MaxAckPending: cfg.Queue.MaxAckPending,
		Logger:        logger,
	})
	return js, mgr.Close
}

func newStore(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (notification.Store, func(), error) {
	switch cfg.Store.Driver {
	case config.StoreDriverPostgres:
		// Connect to PostgreSQL with configured settings
		db, err := sql.Open("postgres", cfg.Database.DSN)
		if err != nil {
			return nil, nil, err
		}
		db.SetMaxOpenConns(cfg.Database.MaxConnections)
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("ping postgres: %w", err)
		}
		store := notification.NewPostgresStore(db)
		if err := store.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		return store, func() { _ = db.Close() }, nil

	case config.StoreDriverRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("ping redis: %w", err)
		}
		return notification.NewRedisStore(client, cfg.Redis.KeyPrefix), func() { _ = client.Close() }, nil

	default:
		logger.Warn("using in-memory status store; status is lost on restart unless the projector is enabled")
		return notification.NewMemoryStore(), func() {}, nil
	}
}
