package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment   string
	Server        ServerConfig
	Database      DatabaseConfig
	Queue         QueueConfig
	Matching      MatchingConfig
	Sync          SyncConfig
	Storage       StorageConfig
	GigaChat      GigaChatConfig
	Embedding     EmbeddingConfig
	Gmail         GmailConfig
	Channels      ChannelsConfig
	Notifications NotificationsConfig
	Auth          AuthConfig
	Logger        LoggerConfig
}

// IsProduction gates jobs that rewrite user data in bulk.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

type LoggerConfig struct {
	Level string
}

type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	BodyLimit    int
}

type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
	Migrate  bool
}

type QueueConfig struct {
	// Backend is "postgres" or "memory".
	Backend      string
	PollInterval time.Duration
	Concurrency  map[string]int
	// Lease is how long an active job may go without a heartbeat before it is requeued.
	Lease time.Duration
}

type MatchingConfig struct {
	EmbeddingWeight         float64
	AmountWeight            float64
	CurrencyWeight          float64
	DateWeight              float64
	AutoThreshold           float64
	SuggestThreshold        float64
	HighConfidenceThreshold float64
	MaxCandidates           int
	BatchSize               int
	ReverseBatchSize        int
	ReverseLimit            int
}

type SyncConfig struct {
	// DispatchMode is "per-account" (cron per account) or "centralized".
	DispatchMode  string
	Cadence       time.Duration
	Window        time.Duration
	MaxResults    int
	MaxAttachment int64
	UploadBatch   int
	NoMatchAfter  time.Duration
	NoMatchCron   string
	CentralCron   string
	EmbedWait     time.Duration
}

type StorageConfig struct {
	Root       string
	PublicURL  string
	SigningKey string
	URLTTL     time.Duration
}

type GigaChatConfig struct {
	APIKey             string
	Scope              string
	InsecureSkipVerify bool
	BaseURL            string
	OAuthURL           string
}

type EmbeddingConfig struct {
	URL    string
	APIKey string
	Model  string
}

type GmailConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	RatePerSec   float64
}

type ChannelsConfig struct {
	WhatsAppToken    string
	WhatsAppGraphURL string
	TelegramToken    string
	TelegramAPIURL   string
	SlackToken       string
	EInvoiceURL      string
	EInvoiceToken    string
	DownloadRate     float64
	// WebhookSecret is compared against the X-Webhook-Secret header and the
	// WhatsApp hub.verify_token. Empty disables the check.
	WebhookSecret string
}

type NotificationsConfig struct {
	WebhookURL string
	Secret     string
}

type AuthConfig struct {
	SecretKey  string
	Issuer     string
	Expiration time.Duration
}

func Load() (*Config, error) {
	// .env is optional; plain environment variables work the same (Docker/K8s)
	for _, envFile := range []string{".env", "../.env", "../../.env"} {
		if err := godotenv.Load(envFile); err == nil {
			break
		}
	}

	return &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Port:         getEnv("SERVER_PORT", "8080"),
			ReadTimeout:  getSeconds("SERVER_READ_TIMEOUT", 30),
			WriteTimeout: getSeconds("SERVER_WRITE_TIMEOUT", 30),
			BodyLimit:    getInt("SERVER_BODY_LIMIT_MB", 25) * 1024 * 1024,
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "inbox_pipeline"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			Migrate:  getEnv("DB_MIGRATE", "true") == "true",
		},
		Queue: QueueConfig{
			Backend:      getEnv("QUEUE_BACKEND", "postgres"),
			PollInterval: time.Duration(getInt("QUEUE_POLL_INTERVAL_MS", 1000)) * time.Millisecond,
			Lease:        getSeconds("QUEUE_LEASE_SECONDS", 300),
			Concurrency: map[string]int{
				"inbox":          getInt("QUEUE_INBOX_CONCURRENCY", 10),
				"embeddings":     getInt("QUEUE_EMBEDDINGS_CONCURRENCY", 5),
				"inbox-provider": getInt("QUEUE_INBOX_PROVIDER_CONCURRENCY", 5),
				"transactions":   getInt("QUEUE_TRANSACTIONS_CONCURRENCY", 5),
				"documents":      getInt("QUEUE_DOCUMENTS_CONCURRENCY", 5),
			},
		},
		Matching: MatchingConfig{
			EmbeddingWeight:         getFloat("MATCH_EMBEDDING_WEIGHT", 0.35),
			AmountWeight:            getFloat("MATCH_AMOUNT_WEIGHT", 0.40),
			CurrencyWeight:          getFloat("MATCH_CURRENCY_WEIGHT", 0.20),
			DateWeight:              getFloat("MATCH_DATE_WEIGHT", 0.05),
			AutoThreshold:           getFloat("MATCH_AUTO_THRESHOLD", 0.95),
			SuggestThreshold:        getFloat("MATCH_SUGGEST_THRESHOLD", 0.70),
			HighConfidenceThreshold: getFloat("MATCH_HIGH_CONFIDENCE_THRESHOLD", 0.72),
			MaxCandidates:           getInt("MATCH_MAX_CANDIDATES", 20),
			BatchSize:               getInt("MATCH_BATCH_SIZE", 5),
			ReverseBatchSize:        getInt("MATCH_REVERSE_BATCH_SIZE", 10),
			ReverseLimit:            getInt("MATCH_REVERSE_LIMIT", 50),
		},
		Sync: SyncConfig{
			DispatchMode:  getEnv("SYNC_DISPATCH_MODE", "per-account"),
			Cadence:       time.Duration(getInt("SYNC_CADENCE_HOURS", 6)) * time.Hour,
			Window:        time.Duration(getInt("SYNC_WINDOW_MINUTES", 60)) * time.Minute,
			MaxResults:    getInt("SYNC_MAX_RESULTS", 50),
			MaxAttachment: int64(getInt("SYNC_MAX_ATTACHMENT_MB", 10)) * 1024 * 1024,
			UploadBatch:   getInt("SYNC_UPLOAD_BATCH", 5),
			NoMatchAfter:  time.Duration(getInt("NO_MATCH_AFTER_DAYS", 90)) * 24 * time.Hour,
			NoMatchCron:   getEnv("NO_MATCH_CRON", "0 2 * * *"),
			CentralCron:   getEnv("SYNC_CENTRAL_CRON", "0 */6 * * *"),
			EmbedWait:     getSeconds("EMBED_WAIT_SECONDS", 60),
		},
		Storage: StorageConfig{
			Root:       getEnv("STORAGE_ROOT", "./data/vault"),
			PublicURL:  getEnv("STORAGE_PUBLIC_URL", "http://localhost:8080/files"),
			SigningKey: getEnv("STORAGE_SIGNING_KEY", "change-me-signing-key"),
			URLTTL:     getSeconds("STORAGE_URL_TTL", 3600),
		},
		GigaChat: GigaChatConfig{
			APIKey:             getEnv("GIGACHAT_API_KEY", ""),
			Scope:              getEnv("GIGACHAT_SCOPE", "GIGACHAT_API_PERS"),
			InsecureSkipVerify: getEnv("GIGACHAT_INSECURE_SKIP_VERIFY", "true") == "true",
			BaseURL:            getEnv("GIGACHAT_BASE_URL", "https://gigachat.devices.sberbank.ru/api/v1"),
			OAuthURL:           getEnv("GIGACHAT_OAUTH_URL", "https://ngw.devices.sberbank.ru:9443/api/v2/oauth"),
		},
		Embedding: EmbeddingConfig{
			URL:    getEnv("EMBEDDING_URL", "http://localhost:8090/v1/embeddings"),
			APIKey: getEnv("EMBEDDING_API_KEY", ""),
			Model:  getEnv("EMBEDDING_MODEL", "text-embedding-3-small"),
		},
		Gmail: GmailConfig{
			ClientID:     getEnv("GMAIL_CLIENT_ID", ""),
			ClientSecret: getEnv("GMAIL_CLIENT_SECRET", ""),
			RedirectURL:  getEnv("GMAIL_REDIRECT_URL", ""),
			RatePerSec:   getFloat("GMAIL_RATE_PER_SEC", 5),
		},
		Channels: ChannelsConfig{
			WhatsAppToken:    getEnv("WHATSAPP_ACCESS_TOKEN", ""),
			WhatsAppGraphURL: getEnv("WHATSAPP_GRAPH_URL", "https://graph.facebook.com/v21.0"),
			TelegramToken:    getEnv("TELEGRAM_BOT_TOKEN", ""),
			TelegramAPIURL:   getEnv("TELEGRAM_API_URL", "https://api.telegram.org"),
			SlackToken:       getEnv("SLACK_BOT_TOKEN", ""),
			EInvoiceURL:      getEnv("EINVOICE_URL", ""),
			EInvoiceToken:    getEnv("EINVOICE_TOKEN", ""),
			DownloadRate:     getFloat("CHANNEL_DOWNLOAD_RATE_PER_SEC", 10),
			WebhookSecret:    getEnv("WEBHOOK_SECRET", ""),
		},
		Notifications: NotificationsConfig{
			WebhookURL: getEnv("NOTIFICATION_WEBHOOK_URL", ""),
			Secret:     getEnv("NOTIFICATION_WEBHOOK_SECRET", ""),
		},
		Auth: AuthConfig{
			SecretKey:  getEnv("JWT_SECRET_KEY", "your-secret-key-change-in-production"),
			Issuer:     getEnv("JWT_ISSUER", "inbox-pipeline"),
			Expiration: time.Duration(getInt("JWT_EXPIRATION_HOURS", 24)) * time.Hour,
		},
		Logger: LoggerConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	v, err := strconv.Atoi(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return v
}

func getFloat(key string, defaultValue float64) float64 {
	v, err := strconv.ParseFloat(getEnv(key, ""), 64)
	if err != nil {
		return defaultValue
	}
	return v
}

func getSeconds(key string, defaultValue int) time.Duration {
	return time.Duration(getInt(key, defaultValue)) * time.Second
}
