package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type ScyllaConfig struct {
	Nodes    []string
	Keyspace string
	Username string
	Password string
}

type KafkaConfig struct {
	Brokers       []string
	RetryTopic    string
	AuditTopic    string
	ConsumerGroup string
}

type ClickhouseConfig struct {
	URL      string
	Username string
	Password string
	Database string
}

type ElasticsearchConfig struct {
	URL      string
	Username string
	Password string
	LogIndex string
}

type SMTPConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
}

type SMSConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string
}

// OTPConfig carries lifecycle policy: code lengths and expiries differ
// between email-oriented and phone-oriented flows.
type OTPConfig struct {
	EmailCodeLength int
	PhoneCodeLength int
	EmailTTL        time.Duration
	PhoneTTL        time.Duration
	MaxAttempts     int
	IssueWindow     time.Duration
	IssueMax        int
}

type DispatchConfig struct {
	MaxRetries      int
	BackoffBase     time.Duration
	SendTimeout     time.Duration
	BulkWindow      time.Duration
	BulkMax         int
	BulkConcurrency int
	RetryPollWait   time.Duration
}

type BucketingConfig struct {
	ContactBuckets int
}

type HashingConfig struct {
	Argon2MemoryCost   int
	Argon2TimeCost     int
	Argon2Parallelism  int
	PepperRotationDays int
}

type KMSConfig struct {
	Enabled bool
	KeyID   string
	Region  string
}

type Config struct {
	Environment   string
	Server        ServerConfig
	Logging       LoggingConfig
	Redis         RedisConfig
	Scylla        ScyllaConfig
	Kafka         KafkaConfig
	Clickhouse    ClickhouseConfig
	Elasticsearch ElasticsearchConfig
	SMTP          SMTPConfig
	SMS           SMSConfig
	OTP           OTPConfig
	Dispatch      DispatchConfig
	Bucketing     BucketingConfig
	Hashing       HashingConfig
	KMS           KMSConfig

	TemplateCacheTTL time.Duration
}

var loaded *Config

// LoadConfig reads configuration from the environment, loading a .env
// file first when present (development convenience).
func LoadConfig() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", "redis://localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 50),
		},
		Scylla: ScyllaConfig{
			Nodes:    splitList(getEnv("SCYLLA_NODES", "localhost:9042")),
			Keyspace: getEnv("SCYLLA_KEYSPACE", "notifications"),
			Username: getEnv("SCYLLA_USERNAME", ""),
			Password: getEnv("SCYLLA_PASSWORD", ""),
		},
		Kafka: KafkaConfig{
			Brokers:       splitList(getEnv("KAFKA_BROKERS", "localhost:9092")),
			RetryTopic:    getEnv("KAFKA_RETRY_TOPIC", "notification.retry"),
			AuditTopic:    getEnv("KAFKA_AUDIT_TOPIC", "audit.events"),
			ConsumerGroup: getEnv("KAFKA_CONSUMER_GROUP", "otp-notification-service"),
		},
		Clickhouse: ClickhouseConfig{
			URL:      getEnv("CLICKHOUSE_URL", "localhost:9000"),
			Username: getEnv("CLICKHOUSE_USERNAME", "default"),
			Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			Database: getEnv("CLICKHOUSE_DATABASE", "audit"),
		},
		Elasticsearch: ElasticsearchConfig{
			URL:      getEnv("ELASTICSEARCH_URL", "http://localhost:9200"),
			Username: getEnv("ELASTICSEARCH_USERNAME", ""),
			Password: getEnv("ELASTICSEARCH_PASSWORD", ""),
			LogIndex: getEnv("ELASTICSEARCH_LOG_INDEX", "notification-logs"),
		},
		SMTP: SMTPConfig{
			Host:     getEnv("SMTP_HOST", "localhost"),
			Port:     getEnv("SMTP_PORT", "465"),
			Username: getEnv("SMTP_USERNAME", ""),
			Password: getEnv("SMTP_PASSWORD", ""),
			From:     getEnv("SMTP_FROM", "no-reply@example.com"),
		},
		SMS: SMSConfig{
			AccountSID: getEnv("TWILIO_ACCOUNT_SID", ""),
			AuthToken:  getEnv("TWILIO_AUTH_TOKEN", ""),
			FromNumber: getEnv("TWILIO_FROM_NUMBER", ""),
		},
		OTP: OTPConfig{
			EmailCodeLength: getEnvInt("OTP_EMAIL_CODE_LENGTH", 6),
			PhoneCodeLength: getEnvInt("OTP_PHONE_CODE_LENGTH", 7),
			EmailTTL:        getEnvDuration("OTP_EMAIL_TTL", 10*time.Minute),
			PhoneTTL:        getEnvDuration("OTP_PHONE_TTL", 5*time.Minute),
			MaxAttempts:     getEnvInt("OTP_MAX_ATTEMPTS", 3),
			IssueWindow:     getEnvDuration("OTP_ISSUE_WINDOW", 60*time.Second),
			IssueMax:        getEnvInt("OTP_ISSUE_MAX", 5),
		},
		Dispatch: DispatchConfig{
			MaxRetries:      getEnvInt("DISPATCH_MAX_RETRIES", 3),
			BackoffBase:     getEnvDuration("DISPATCH_BACKOFF_BASE", 500*time.Millisecond),
			SendTimeout:     getEnvDuration("DISPATCH_SEND_TIMEOUT", 10*time.Second),
			BulkWindow:      getEnvDuration("DISPATCH_BULK_WINDOW", 60*time.Second),
			BulkMax:         getEnvInt("DISPATCH_BULK_MAX", 10),
			BulkConcurrency: getEnvInt("DISPATCH_BULK_CONCURRENCY", 8),
			RetryPollWait:   getEnvDuration("DISPATCH_RETRY_POLL_WAIT", 5*time.Second),
		},
		Bucketing: BucketingConfig{
			ContactBuckets: getEnvInt("BUCKETING_CONTACT_BUCKETS", 64),
		},
		Hashing: HashingConfig{
			Argon2MemoryCost:   getEnvInt("ARGON2_MEMORY_COST", 65536),
			Argon2TimeCost:     getEnvInt("ARGON2_TIME_COST", 1),
			Argon2Parallelism:  getEnvInt("ARGON2_PARALLELISM", 4),
			PepperRotationDays: getEnvInt("PEPPER_ROTATION_DAYS", 30),
		},
		KMS: KMSConfig{
			Enabled: getEnvBool("KMS_ENABLED", false),
			KeyID:   getEnv("KMS_KEY_ID", ""),
			Region:  getEnv("KMS_REGION", "us-east-1"),
		},
		TemplateCacheTTL: getEnvDuration("TEMPLATE_CACHE_TTL", 5*time.Minute),
	}

	loaded = cfg
	return cfg
}

// Get returns the last loaded configuration, loading defaults if nothing
// was loaded yet.
func Get() *Config {
	if loaded == nil {
		return LoadConfig()
	}
	return loaded
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
