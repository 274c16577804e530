package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"
	"time"
	"voxsign/internal/audio"
	"voxsign/internal/config"
	"voxsign/internal/enrollment"
	"voxsign/internal/notify"
	"voxsign/internal/queue"
	"voxsign/internal/speaker"
	"voxsign/internal/storage"
	"voxsign/internal/voiceprofile"
	"voxsign/internal/worker"
	"voxsign/pkg/cache"
	"voxsign/pkg/logger"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "Path to the YAML config file")
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

	logger.Info("Starting voxsign worker service")

	if cfg.Postgres.DSN == "" {
		logger.Fatal("DATABASE_URL environment variable is required")
		return
	}

	// Graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect to database
	db, err := storage.NewPostgresStorage(ctx, cfg.Postgres.DSN, cfg.Postgres.MigrationsPath)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
		return
	}
	defer db.Close()

	logger.Info("Database connection established")

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

	logger.Info("S3 storage initialized")

	// Initialize Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, 24*time.Hour)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
		return
	}
	defer redisCache.Close()

	logger.Info("Redis cache connection established")

	// Connect to RabbitMQ
	rabbitMQ, err := queue.NewRabbitMQ(cfg.RabbitMQ.URL)
	if err != nil {
		logger.Fatal("Failed to connect to RabbitMQ", zap.Error(err))
		return
	}
	defer rabbitMQ.Close()

	logger.Info("RabbitMQ connection established")

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
	extractor := audio.NewExtractor(db, objects, transcoder, cfg.Audio.SampleRate, cfg.Audio.ScratchDir)

	// Ops notifications are optional
	var notifier enrollment.Notifier = notify.Noop{}
	if cfg.Telegram.Token != "" {
		tg, err := notify.NewTelegram(cfg.Telegram.Token, cfg.Telegram.OpsChatID, redisCache, db)
		if err != nil {
			logger.Fatal("Failed to create Telegram notifier", zap.Error(err))
			return
		}
		go tg.Start()
		defer tg.Stop()
		notifier = tg
	}

	enrollments := enrollment.NewService(db, objects, rabbitMQ, extractor, profiles, notifier, enrollment.Options{
		MinUploadBytes: cfg.Speaker.MinAudioBytes,
		PresignTTL:     cfg.S3.PresignTTL,
	})

	processor := worker.NewProcessor(rabbitMQ, enrollments, db, rabbitMQ, worker.Options{
		SweepSchedule: cfg.Sweep.Cron,
		SweepLimit:    cfg.Sweep.Limit,
	})

	if err := processor.Run(ctx); err != nil {
		logger.Error("Worker stopped with error", zap.Error(err))
	}

	logger.Info("Worker service shutdown complete")
}
