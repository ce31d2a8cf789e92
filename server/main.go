package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/san-kum/drive-score/server/analysis"
	"github.com/san-kum/drive-score/server/cache"
	"github.com/san-kum/drive-score/server/config"
	"github.com/san-kum/drive-score/server/handlers"
	"github.com/san-kum/drive-score/server/messaging"
	"github.com/san-kum/drive-score/server/metrics"
	"github.com/san-kum/drive-score/server/middleware"
	"github.com/san-kum/drive-score/server/ml"
	"github.com/san-kum/drive-score/server/processor"
	"github.com/san-kum/drive-score/server/store"
	"github.com/san-kum/drive-score/server/stream"
)

type Server struct {
	router        *gin.Engine
	logger        *zap.Logger
	config        *config.Config
	store         store.TripStore
	cache         cache.Cache
	mlClient      *ml.Client
	tripProcessor *processor.TripProcessor
	streams       *stream.Manager
	rateLimiter   *middleware.RateLimiter
	publisher     *messaging.TripPublisher
	speeding      *messaging.SpeedingConsumer
	ingestor      *messaging.MQTTIngestor
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load configuration: ", err)
	}

	logger, err := cfg.NewLogger()
	if err != nil {
		log.Fatal("Failed to initialize logger: ", err)
	}
	defer logger.Sync()

	if err := cfg.ValidateConfig(logger); err != nil {
		logger.Fatal("Configuration validation failed", zap.Error(err))
	}

	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	server, err := NewServer(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create server", zap.Error(err))
	}

	ctx, stop := context.WithCancel(context.Background())
	server.startBackground(ctx)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      server.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("Starting server",
			zap.String("addr", addr),
			zap.String("environment", cfg.Server.Environment))

		var err error
		if cfg.Security.EnableHTTPS {
			err = srv.ListenAndServeTLS(cfg.Security.CertFile, cfg.Security.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}

		if err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop accepting requests before the components behind them go away.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	stop()
	server.Close()

	logger.Info("Server exited")
}

func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	s := &Server{logger: logger, config: cfg}

	tripStore, err := newTripStore(cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	s.store = tripStore

	// Try Redis first, fallback to memory cache
	if cfg.Redis.Host != "" {
		s.cache, err = cache.NewRedisCache(
			cfg.Redis.Host,
			cfg.Redis.Port,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			cfg.Redis.Prefix,
			cfg.Redis.TTL,
			logger,
		)
		if err != nil {
			logger.Warn("Failed to connect to Redis, using memory cache", zap.Error(err))
			s.cache = cache.NewMemoryCache(1000, cfg.Redis.TTL, logger)
		}
	} else {
		s.cache = cache.NewMemoryCache(1000, cfg.Redis.TTL, logger)
	}

	// The pipeline takes an interface, so it only sees a client when one
	// is configured.
	var classifier analysis.Classifier
	var modelInfo handlers.ModelInfoProvider
	if cfg.ML.BaseURL != "" {
		s.mlClient = ml.NewClient(cfg.ML.BaseURL, &ml.ClientConfig{
			Timeout:             cfg.ML.Timeout,
			MaxRetries:          cfg.ML.MaxRetries,
			RetryDelay:          cfg.ML.RetryDelay,
			HealthCheckInterval: cfg.ML.HealthCheckInterval,
		}, logger)
		classifier = s.mlClient
		modelInfo = s.mlClient
	} else {
		logger.Info("No behavior model configured, windows are labelled UNKNOWN")
	}

	pipeline, err := analysis.NewPipeline(cfg.Pipeline.Window, cfg.Pipeline.Thresholds, classifier, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	m := metrics.New()

	opts := []processor.Option{
		processor.WithCache(s.cache),
		processor.WithObserver(m),
	}
	if len(cfg.Kafka.Brokers) > 0 {
		s.publisher = messaging.NewTripPublisher(cfg.Kafka.Brokers, cfg.Kafka.TripTopic, logger)
		opts = append(opts, processor.WithPublisher(s.publisher))
	}

	s.tripProcessor = processor.NewTripProcessor(s.store, pipeline, processor.ProcessorConfig{
		MaxQueueSize:      cfg.Pipeline.MaxQueueSize,
		MaxWorkers:        cfg.Pipeline.MaxWorkers,
		ProcessingTimeout: cfg.Pipeline.ProcessingTimeout,
		RealtimeChunk:     cfg.Pipeline.RealtimeChunk,
		CacheTTL:          cfg.Redis.TTL,
	}, logger, opts...)

	s.streams = stream.NewManager(pipeline, stream.Config{
		FlushThreshold: cfg.Stream.FlushThreshold,
		FlushInterval:  cfg.Stream.FlushInterval,
	}, logger, stream.WithObserver(m))

	if len(cfg.Kafka.Brokers) > 0 {
		s.speeding = messaging.NewSpeedingConsumer(cfg.Kafka.Brokers, cfg.Kafka.SpeedingTopic, cfg.Kafka.ConsumerGroup, s.tripProcessor, logger)
	}
	if cfg.MQTT.Broker != "" {
		s.ingestor = messaging.NewMQTTIngestor(messaging.MQTTConfig{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			QoS:         cfg.MQTT.QoS,
		}, s.tripProcessor, m, logger)
	}

	s.rateLimiter = middleware.NewRateLimiter(
		cfg.Security.RateLimitRPS,
		cfg.Security.RateLimitBurst,
		logger,
	)
	authMiddleware := middleware.NewAuthMiddleware(cfg.Security.JWTSecretKey, logger)

	tripHandler := handlers.NewTripHandler(s.tripProcessor, s.streams, modelInfo, logger)
	tripHandler.SetIngestObserver(m)
	wsHandler := handlers.NewWebSocketHandler(s.streams, s.tripProcessor, cfg.Stream.SendBuffer, logger)
	wsHandler.SetIngestObserver(m)

	router := gin.New()
	router.Use(middleware.RequestLogger(logger))
	router.Use(gin.Recovery())
	router.Use(m.Middleware())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CORS(cfg.Security.AllowedOrigins))
	router.Use(middleware.RequestSizeLimit(cfg.Security.MaxRequestSize))

	handlers.RegisterRoutes(router, handlers.Routes{
		Trips:          tripHandler,
		WebSocket:      wsHandler,
		RateLimiter:    s.rateLimiter,
		Auth:           authMiddleware,
		Metrics:        m.Handler(),
		RequestTimeout: cfg.Security.RequestTimeout,
		BatchLimitRPS:  cfg.Security.BatchLimitRPS,
		BatchBurst:     cfg.Security.BatchLimitRPS * 2,
	})
	s.router = router

	return s, nil
}

func newTripStore(cfg config.DatabaseConfig, logger *zap.Logger) (store.TripStore, error) {
	switch cfg.Driver {
	case "sqlite":
		s, err := store.NewSQLiteStore(cfg.Path, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open trip database: %w", err)
		}
		return s, nil
	default:
		return store.NewMemoryStore(), nil
	}
}

// startBackground runs the flush ticker and the broker clients until ctx
// is cancelled.
func (s *Server) startBackground(ctx context.Context) {
	go s.streams.Run(ctx)

	if s.speeding != nil {
		go func() {
			if err := s.speeding.Run(ctx); err != nil {
				s.logger.Error("Speeding consumer stopped", zap.Error(err))
			}
		}()
	}

	if s.ingestor != nil {
		if err := s.ingestor.Start(); err != nil {
			s.logger.Error("Failed to start MQTT ingestion", zap.Error(err))
		}
	}
}

func (s *Server) Close() {
	if s.ingestor != nil {
		s.ingestor.Stop()
	}
	if s.speeding != nil {
		if err := s.speeding.Close(); err != nil {
			s.logger.Error("Failed to close speeding consumer", zap.Error(err))
		}
	}

	if err := s.tripProcessor.Shutdown(); err != nil {
		s.logger.Error("Failed to shutdown trip processor", zap.Error(err))
	}

	if s.publisher != nil {
		if err := s.publisher.Close(); err != nil {
			s.logger.Error("Failed to close trip publisher", zap.Error(err))
		}
	}

	s.rateLimiter.Shutdown()

	if s.mlClient != nil {
		s.mlClient.Close()
	}

	if err := s.cache.Close(); err != nil {
		s.logger.Error("Failed to close cache", zap.Error(err))
	}

	if err := s.store.Close(); err != nil {
		s.logger.Error("Failed to close trip store", zap.Error(err))
	}
}
