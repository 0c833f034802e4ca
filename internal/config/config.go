package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds runtime configuration for the server and the one-shot CLI.
type Config struct {
	Env         string `env:"APP_ENV" envDefault:"dev"`
	HTTPPort    string `env:"HTTP_PORT" envDefault:"8080"`
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`

	// PostgresDSN empty selects the in-memory store.
	PostgresDSN string `env:"POSTGRES_DSN"`

	// RedisAddr empty disables rate limiting.
	RedisAddr         string        `env:"REDIS_ADDR"`
	RedisPassword     string        `env:"REDIS_PASSWORD"`
	RedisDB           int           `env:"REDIS_DB" envDefault:"0"`
	RateLimitCapacity int           `env:"RATE_LIMIT_CAPACITY" envDefault:"30"`
	RateLimitRefill   float64       `env:"RATE_LIMIT_REFILL_PER_SEC" envDefault:"0.5"`
	RateLimitTTL      time.Duration `env:"RATE_LIMIT_TTL" envDefault:"1h"`

	AudioCacheDir string `env:"AUDIO_CACHE_DIR" envDefault:"./audio_cache"`
	TagsFile      string `env:"TAGS_FILE" envDefault:"./tags.yaml"`

	Archive ArchiveConfig `envPrefix:"ARCHIVE_"`
	Tools   ToolsConfig

	MaxDownloadBytes   int64         `env:"MAX_DOWNLOAD_BYTES" envDefault:"524288000"`
	QueueCapacity      int           `env:"QUEUE_CAPACITY" envDefault:"10"`
	QueueRetention     time.Duration `env:"QUEUE_RETENTION" envDefault:"1h"`
	QueuePruneInterval time.Duration `env:"QUEUE_PRUNE_INTERVAL" envDefault:"5m"`

	JobPollInterval     time.Duration `env:"JOB_POLL_INTERVAL" envDefault:"5s"`
	JobMaxWait          time.Duration `env:"JOB_MAX_WAIT" envDefault:"2h"`
	AudioCacheTTL       time.Duration `env:"AUDIO_CACHE_TTL" envDefault:"24h"`
	MaintenanceInterval time.Duration `env:"MAINTENANCE_INTERVAL" envDefault:"10m"`
	ShutdownTimeout     time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"5s"`
	DrainTimeout        time.Duration `env:"SHUTDOWN_DRAIN_TIMEOUT" envDefault:"10m"`

	Model    string `env:"WHISPER_MODEL" envDefault:"base"`
	Language string `env:"TRANSCRIBE_LANGUAGE" envDefault:"auto"`

	Mail MailConfig
}

// ArchiveConfig selects where transcript documents go. Bucket set means S3.
type ArchiveConfig struct {
	Dir       string `env:"DIR" envDefault:"./transcripts"`
	Bucket    string `env:"S3_BUCKET"`
	Region    string `env:"S3_REGION" envDefault:"us-east-1"`
	Endpoint  string `env:"S3_ENDPOINT"`
	PathStyle bool   `env:"S3_PATH_STYLE" envDefault:"false"`
	Prefix    string `env:"S3_PREFIX" envDefault:"transcripts"`
}

// ToolsConfig locates external binaries.
type ToolsConfig struct {
	YTDLPPath     string        `env:"YTDLP_PATH" envDefault:"yt-dlp"`
	SocketTimeout time.Duration `env:"YTDLP_SOCKET_TIMEOUT" envDefault:"30s"`
	FFmpegPath    string        `env:"FFMPEG_PATH" envDefault:"ffmpeg"`
	WhisperPath   string        `env:"WHISPER_PATH" envDefault:"whisper-cli"`
	ModelDir      string        `env:"WHISPER_MODEL_DIR" envDefault:"./models"`
	ScrapeRetries int           `env:"SCRAPE_ATTEMPTS" envDefault:"3"`
}

// MailConfig drives the ingestion poller. IMAPHost empty disables it.
type MailConfig struct {
	IMAPHost     string `env:"IMAP_HOST"`
	IMAPPort     int    `env:"IMAP_PORT" envDefault:"993"`
	IMAPUser     string `env:"IMAP_USER"`
	IMAPPassword string `env:"IMAP_PASSWORD"`
	IMAPSSL      bool   `env:"IMAP_USE_SSL" envDefault:"true"`

	SMTPHost     string `env:"SMTP_HOST"`
	SMTPPort     int    `env:"SMTP_PORT" envDefault:"587"`
	SMTPUser     string `env:"SMTP_USER"`
	SMTPPassword string `env:"SMTP_PASSWORD"`
	SMTPTLS      bool   `env:"SMTP_USE_TLS" envDefault:"true"`

	InboxFolder  string `env:"MAIL_INBOX_FOLDER" envDefault:"ToScribe"`
	DoneFolder   string `env:"MAIL_DONE_FOLDER" envDefault:"ScribeDone"`
	ErrorFolder  string `env:"MAIL_ERROR_FOLDER" envDefault:"ScribeError"`
	EpisodeInbox string `env:"EPISODE_SOURCES_FOLDER" envDefault:"EpisodeSources"`
	EpisodeDone  string `env:"EPISODE_SOURCES_DONE_FOLDER" envDefault:"EpisodeSourcesDone"`
	EpisodeError string `env:"EPISODE_SOURCES_ERROR_FOLDER" envDefault:"EpisodeSourcesError"`

	FromAddress   string `env:"MAIL_FROM_ADDRESS"`
	ResultAddress string `env:"MAIL_RESULT_ADDRESS"`
	ReturnAddress string `env:"EPISODE_SOURCES_RETURN_ADDRESS"`
	DefaultTag    string `env:"MAIL_DEFAULT_TAG" envDefault:"highlights"`

	PollInterval      time.Duration `env:"MAIL_POLL_INTERVAL" envDefault:"30s"`
	MaxConcurrentJobs int           `env:"MAIL_MAX_CONCURRENT_JOBS" envDefault:"3"`
}

// Enabled reports whether the mailbox poller should run.
func (m MailConfig) Enabled() bool { return m.IMAPHost != "" }

// Load reads configuration from environment variables with defaults for
// local development.
func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if c.QueueCapacity <= 0 {
		return Config{}, fmt.Errorf("QUEUE_CAPACITY must be positive, got %d", c.QueueCapacity)
	}
	if c.Mail.MaxConcurrentJobs <= 0 {
		return Config{}, fmt.Errorf("MAIL_MAX_CONCURRENT_JOBS must be positive, got %d", c.Mail.MaxConcurrentJobs)
	}
	if c.Mail.Enabled() && c.Mail.SMTPHost == "" {
		return Config{}, fmt.Errorf("SMTP_HOST is required when IMAP_HOST is set")
	}
	if c.Mail.FromAddress == "" {
		c.Mail.FromAddress = c.Mail.SMTPUser
	}
	return c, nil
}
