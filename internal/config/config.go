package config

import (
	"errors"
	"io/fs"
	"os"
	"time"
	"voxsign/pkg/logger"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

const DefaultPath = "configs/config.yaml"

type Config struct {
	HTTP struct {
		Addr       string `yaml:"addr" env:"HTTP_ADDR" env-default:":8080"`
		UploadRate string `yaml:"upload_rate" env:"HTTP_UPLOAD_RATE" env-default:"20-M"`
		MaxUpload  int64  `yaml:"max_upload_bytes" env:"HTTP_MAX_UPLOAD_BYTES" env-default:"52428800"`
	} `yaml:"http"`

	Postgres struct {
		DSN            string `yaml:"dsn" env:"DATABASE_URL"`
		MigrationsPath string `yaml:"migrations_path" env:"MIGRATIONS_PATH" env-default:"migrations"`
	} `yaml:"postgres"`

	S3 struct {
		Endpoint   string        `yaml:"endpoint" env:"S3_ENDPOINT"`
		Region     string        `yaml:"region" env:"S3_REGION" env-default:"us-east-1"`
		AccessKey  string        `yaml:"access_key" env:"S3_ACCESS_KEY"`
		SecretKey  string        `yaml:"secret_key" env:"S3_SECRET_KEY"`
		Bucket     string        `yaml:"bucket" env:"S3_BUCKET"`
		PublicBase string        `yaml:"public_base" env:"S3_PUBLIC_BASE"`
		PresignTTL time.Duration `yaml:"presign_ttl" env:"S3_PRESIGN_TTL" env-default:"5m"`
	} `yaml:"s3"`

	RabbitMQ struct {
		URL string `yaml:"url" env:"RABBITMQ_URL"`
	} `yaml:"rabbitmq"`

	Redis struct {
		Addr     string `yaml:"addr" env:"REDIS_ADDR" env-default:"localhost:6379"`
		Password string `yaml:"password" env:"REDIS_PASSWORD" env-default:""`
		DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
	} `yaml:"redis"`

	Speaker struct {
		APIKey        string        `yaml:"api_key" env:"SPEAKER_API_KEY"`
		Region        string        `yaml:"region" env:"SPEAKER_REGION" env-default:"eastus"`
		Endpoint      string        `yaml:"endpoint" env:"SPEAKER_ENDPOINT"`
		Locale        string        `yaml:"locale" env:"SPEAKER_LOCALE" env-default:"en-us"`
		Timeout       time.Duration `yaml:"timeout" env:"SPEAKER_TIMEOUT" env-default:"30s"`
		MinAudioBytes int           `yaml:"min_audio_bytes" env:"SPEAKER_MIN_AUDIO_BYTES" env-default:"1000"`
		RatePerSecond int           `yaml:"rate_per_second" env:"SPEAKER_RATE_PER_SECOND" env-default:"5"`
		Threshold     float64       `yaml:"threshold" env:"SPEAKER_THRESHOLD" env-default:"0.5"`
	} `yaml:"speaker"`

	Transcription struct {
		Provider          string `yaml:"provider" env:"TRANSCRIPTION_PROVIDER" env-default:"speechkit"`
		SpeechKitAPIKey   string `yaml:"speechkit_api_key" env:"YANDEX_API_KEY"`
		SpeechKitFolderID string `yaml:"speechkit_folder_id" env:"YANDEX_FOLDER_ID"`
		Language          string `yaml:"language" env:"TRANSCRIPTION_LANGUAGE" env-default:"en-US"`
		OpenAIAPIKey      string `yaml:"openai_api_key" env:"OPENAI_API_KEY"`
		OpenAIBaseURL     string `yaml:"openai_base_url" env:"OPENAI_BASE_URL"`
		OpenAIModel       string `yaml:"openai_model" env:"OPENAI_TRANSCRIPTION_MODEL" env-default:"whisper-1"`
	} `yaml:"transcription"`

	Audio struct {
		FFmpegPath string `yaml:"ffmpeg_path" env:"FFMPEG_PATH" env-default:"ffmpeg"`
		SampleRate int    `yaml:"sample_rate" env:"AUDIO_SAMPLE_RATE" env-default:"16000"`
		ScratchDir string `yaml:"scratch_dir" env:"AUDIO_SCRATCH_DIR"`
	} `yaml:"audio"`

	Sweep struct {
		Cron  string `yaml:"cron" env:"SWEEP_CRON" env-default:"@every 10m"`
		Limit int    `yaml:"limit" env:"SWEEP_LIMIT" env-default:"100"`
	} `yaml:"sweep"`

	Telegram struct {
		Token     string `yaml:"token" env:"TELEGRAM_BOT_TOKEN"`
		OpsChatID int64  `yaml:"ops_chat_id" env:"TELEGRAM_OPS_CHAT_ID"`
	} `yaml:"telegram"`

	Log struct {
		Debug    bool   `yaml:"debug" env:"LOG_DEBUG" env-default:"false"`
		Filename string `yaml:"filename" env:"LOG_FILENAME"`
	} `yaml:"log"`
}

// LoadConfig reads the YAML file at path (falling back to environment-only
// configuration when it does not exist) and applies env overrides.
func LoadConfig(path string) (*Config, error) {
	_ = godotenv.Load()

	if path == "" {
		path = DefaultPath
	}

	var cfg Config
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, err
		}
		logger.Info("Config loaded from environment")
		return &cfg, nil
	}

	if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		return nil, err
	}

	logger.Info("Config loaded successfully")
	return &cfg, nil
}

// SpeakerMockMode reports whether the speaker recognition service should be
// simulated because no credentials are configured.
func (c *Config) SpeakerMockMode() bool {
	return c.Speaker.APIKey == ""
}
