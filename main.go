package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/skin-check/internal/auth"
	"github.com/example/skin-check/internal/camera"
	"github.com/example/skin-check/internal/config"
	"github.com/example/skin-check/internal/events"
	"github.com/example/skin-check/internal/handlers"
	"github.com/example/skin-check/internal/healthcheck"
	"github.com/example/skin-check/internal/history"
	"github.com/example/skin-check/internal/ingest"
	"github.com/example/skin-check/internal/logging"
	"github.com/example/skin-check/internal/pipeline"
	"github.com/example/skin-check/internal/repository"
	"github.com/example/skin-check/internal/skinapi"
)

const healthCheckInterval = 15 * time.Second

func main() {
	cfg := config.Load()

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	db := initDatabase(ctx, cfg.DatabaseDSN, logger)
	repo := repository.NewAnalysisRepository(db, logger)
	if err := repo.AutoMigrate(ctx); err != nil {
		logger.Fatal("auto migrate failed", zap.Error(err))
	}

	redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
	defer redisCancel()
	redisClient := initRedis(redisCtx, cfg.RedisAddr, logger)
	defer redisClient.Close()

	historySvc := history.NewService(repo, history.NewRedisCache(redisClient), logger)
	observers := []pipeline.RunObserver{historySvc}

	if cfg.AMQPEnabled {
		publisher, err := events.Dial(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPRoutingKey, logger)
		if err != nil {
			logger.Fatal("failed to connect to broker", zap.Error(err))
		}
		defer publisher.Close()
		observers = append(observers, publisher)
	}

	analyzer := skinapi.New(cfg.AnalysisBaseURL, skinapi.NewHTTPClient(cfg.AnalysisTimeout), logger)

	device := camera.NewDefaultDevice(camera.DeviceConfig{
		DeviceID: cfg.CameraDevice,
		Width:    cfg.CameraWidth,
		Height:   cfg.CameraHeight,
	}, logger)
	source := camera.NewSource(device, camera.Options{
		FrameInterval: cfg.CameraFrameInterval,
		JPEGQuality:   cfg.JPEGQuality,
	}, logger)
	uploader := ingest.New(source, cfg.MaxUploadSize, logger)

	session := pipeline.NewSession(source, uploader, analyzer, logger, observers...)
	defer session.Close() //nolint:errcheck

	health := healthcheck.New(logger, map[string]healthcheck.Check{
		"postgres": func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
		"redis": func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		},
	})
	healthCtx, stopHealth := context.WithCancel(context.Background())
	defer stopHealth()
	go health.Watch(healthCtx, healthCheckInterval)

	healthListener, err := net.Listen("tcp", cfg.GRPCHealthAddr)
	if err != nil {
		logger.Fatal("failed to listen for health checks", zap.Error(err))
	}
	go func() {
		if err := health.Serve(healthListener); err != nil {
			logger.Error("health server failed", zap.Error(err))
		}
	}()
	defer health.Stop()

	r := gin.Default()
	r.MaxMultipartMemory = cfg.MaxUploadSize

	handlers.RegisterRoutes(r, handlers.Dependencies{
		Session:       session,
		History:       historySvc,
		Auth:          auth.JWTMiddleware(cfg.JWTSecret, cfg.JWTAudience),
		MaxUploadSize: cfg.MaxUploadSize,
		Logger:        logger,
	})

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	logger.Info("skin check API listening", zap.String("addr", cfg.HTTPAddr))
	if err := serveHTTPServer(server, cfg.ShutdownTimeout, logger); err != nil {
		logger.Error("server failed", zap.Error(err))
	}
}

func initDatabase(ctx context.Context, dsn string, zapLogger *zap.Logger) *gorm.DB {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func initRedis(ctx context.Context, addr string, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

// serveHTTPServerWithOptions serves until the server fails or a shutdown
// signal arrives, then drains in-flight requests for up to shutdownTimeout.
// A nil listener uses server.Addr; a nil signalCh listens for SIGINT/SIGTERM.
func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
