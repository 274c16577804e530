package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"
	"voxsign/internal/api"
	"voxsign/internal/audio"
	"voxsign/internal/config"
	"voxsign/internal/enrollment"
	"voxsign/internal/notify"
	"voxsign/internal/queue"
	"voxsign/internal/signing"
	"voxsign/internal/speaker"
	"voxsign/internal/storage"
	"voxsign/internal/transcribe"
	"voxsign/internal/voiceprofile"
	"voxsign/pkg/cache"
	"voxsign/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "Path to the YAML config file")
	resetDB := flag.Bool("reset-db", false, "Reset database by dropping all tables and re-running migrations")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		panic("Failed to load config: " + err.Error())
	}

	// Initialize logger
	if err := logger.InitWithConfig(logger.Config{Debug: cfg.Log.Debug, Filename: cfg.Log.Filename}); err != nil {
		panic("Failed to init logger: " + err.Error())
	}
	defer logger.Sync()

	logger.Info("Starting voxsign API service")

	if cfg.Postgres.DSN == "" {
		logger.Fatal("DATABASE_URL environment variable is required")
		return
	}

	// Reset database if flag is provided
	if *resetDB {
		if err := storage.ResetMigrations(cfg.Postgres.DSN, cfg.Postgres.MigrationsPath); err != nil {
			logger.Fatal("Failed to reset database", zap.Error(err))
			return
		}
		logger.Info("Database reset completed successfully")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect to database
	db, err := storage.NewPostgresStorage(ctx, cfg.Postgres.DSN, cfg.Postgres.MigrationsPath)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
		return
	}
	defer db.Close()

	// Initialize S3 storage
	objects, err := storage.NewS3Storage(ctx, storage.S3Options{
		Endpoint:   cfg.S3.Endpoint,
		Region:     cfg.S3.Region,
		AccessKey:  cfg.S3.AccessKey,
		SecretKey:  cfg.S3.SecretKey,
		Bucket:     cfg.S3.Bucket,
		PublicBase: cfg.S3.PublicBase,
		PresignTTL: cfg.S3.PresignTTL,
	})
	if err != nil {
		logger.Fatal("Failed to initialize S3 storage", zap.Error(err))
		return
	}

	// Initialize Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, 24*time.Hour)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
		return
	}
	defer redisCache.Close()

	// Connect to RabbitMQ
	rabbitMQ, err := queue.NewRabbitMQ(cfg.RabbitMQ.URL)
	if err != nil {
		logger.Fatal("Failed to connect to RabbitMQ", zap.Error(err))
		return
	}
	defer rabbitMQ.Close()

	speakerClient := speaker.New(speaker.Options{
		APIKey:        cfg.Speaker.APIKey,
		Region:        cfg.Speaker.Region,
		Endpoint:      cfg.Speaker.Endpoint,
		Locale:        cfg.Speaker.Locale,
		Timeout:       cfg.Speaker.Timeout,
		MinAudioBytes: cfg.Speaker.MinAudioBytes,
		RatePerSecond: cfg.Speaker.RatePerSecond,
	})
	profiles := voiceprofile.NewService(db, speakerClient, objects, redisCache, redisCache, voiceprofile.Options{
		Threshold:     cfg.Speaker.Threshold,
		MinAudioBytes: cfg.Speaker.MinAudioBytes,
	})

	transcoder := audio.NewFFmpegTranscoder(cfg.Audio.FFmpegPath, cfg.Audio.ScratchDir)
	transcriber, err := transcribe.New(transcribe.Options{
		Provider:          cfg.Transcription.Provider,
		Language:          cfg.Transcription.Language,
		SampleRate:        cfg.Audio.SampleRate,
		SpeechKitAPIKey:   cfg.Transcription.SpeechKitAPIKey,
		SpeechKitFolderID: cfg.Transcription.SpeechKitFolderID,
		OpenAIAPIKey:      cfg.Transcription.OpenAIAPIKey,
		OpenAIBaseURL:     cfg.Transcription.OpenAIBaseURL,
		OpenAIModel:       cfg.Transcription.OpenAIModel,
	}, objects, transcoder)
	if err != nil {
		logger.Fatal("Failed to initialize transcription", zap.Error(err))
		return
	}

	signer := signing.NewService(db, transcriber, objects)

	// Extraction and profile jobs run in the worker; the API only enqueues them.
	enrollments := enrollment.NewService(db, objects, rabbitMQ, nil, profiles, notify.Noop{}, enrollment.Options{
		MinUploadBytes: cfg.Speaker.MinAudioBytes,
		PresignTTL:     cfg.S3.PresignTTL,
	})

	if !cfg.Log.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	handler := api.NewHandler(enrollments, profiles, signer, api.Options{
		UploadRate:     cfg.HTTP.UploadRate,
		MaxUploadBytes: cfg.HTTP.MaxUpload,
		Health: map[string]api.HealthCheck{
			"postgres": db.Ping,
			"redis":    redisCache.Ping,
			"rabbitmq": rabbitMQ.Ping,
		},
	})

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("HTTP server listening", zap.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down API service")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", zap.Error(err))
	}

	logger.Info("API service shutdown complete")
}
