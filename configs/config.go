package configs

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

type Config struct {
	ServerPort       string        `env:"SERVER_PORT" env-default:"8080"`
	DatabaseURL      string        `env:"DATABASE_URL" env-default:"root:password@tcp(localhost:3306)/request_network?charset=utf8mb4&parseTime=True&loc=UTC"`
	DatabaseReadURLs string        `env:"DATABASE_READ_URLS" env-default:""`
	DBLogLevel       string        `env:"DB_LOG_LEVEL" env-default:"warn"`
	RedisURL         string        `env:"REDIS_URL" env-default:"localhost:6379"`
	JWTSecret        string        `env:"JWT_SECRET" env-default:"your-secret-key-change-in-production"`
	JWTTTL           time.Duration `env:"JWT_TTL" env-default:"24h"`
	RateLimitPerHour int           `env:"RATE_LIMIT_PER_HOUR" env-default:"1000"`
	CacheTTL         time.Duration `env:"CACHE_TTL" env-default:"1m"`
	EnableWebSocket  bool          `env:"ENABLE_WEBSOCKET" env-default:"true"`
	LogLevel         string        `env:"LOG_LEVEL" env-default:"info"`
	LogFormat        string        `env:"LOG_FORMAT" env-default:"json"`

	// The bootstrap administrator is only created while no admin exists.
	AdminUsername string `env:"ADMIN_USERNAME" env-default:"admin"`
	AdminEmail    string `env:"ADMIN_EMAIL" env-default:"admin@localhost.localdomain"`
	AdminPassword string `env:"ADMIN_PASSWORD" env-default:""`

	Tasks         TaskConfig
	Elasticsearch ElasticsearchConfig
	Export        ExportConfig
}

// TaskConfig controls the broker client, the worker pool and the
// processing-timeout sweep.
type TaskConfig struct {
	Queue               string        `env:"TASK_QUEUE" env-default:"requests"`
	WorkerConcurrency   int           `env:"WORKER_CONCURRENCY" env-default:"10"`
	ProcessingTimeout   time.Duration `env:"PROCESSING_TIMEOUT" env-default:"5m"`
	SweepInterval       time.Duration `env:"SWEEP_INTERVAL" env-default:"30s"`
	DispatchMaxAttempts int           `env:"DISPATCH_MAX_ATTEMPTS" env-default:"3"`
	DispatchBackoff     time.Duration `env:"DISPATCH_BACKOFF" env-default:"200ms"`
}

type ElasticsearchConfig struct {
	URLs         string `env:"ELASTICSEARCH_URLS" env-default:"http://localhost:9200"`
	DefaultIndex string `env:"ELASTICSEARCH_INDEX" env-default:"default"`
}

// ExportConfig seeds the export destination on first start. The stored
// configuration wins once an administrator has saved one.
type ExportConfig struct {
	Dir             string        `env:"EXPORT_DIR" env-default:"./exports"`
	DestinationType string        `env:"EXPORT_DESTINATION_TYPE" env-default:"local"`
	FTPHost         string        `env:"EXPORT_FTP_HOST" env-default:""`
	FTPPort         int           `env:"EXPORT_FTP_PORT" env-default:"21"`
	FTPUsername     string        `env:"EXPORT_FTP_USERNAME" env-default:"anonymous"`
	FTPPassword     string        `env:"EXPORT_FTP_PASSWORD" env-default:""`
	FTPPath         string        `env:"EXPORT_FTP_PATH" env-default:"/"`
	FTPUseTLS       bool          `env:"EXPORT_FTP_USE_TLS" env-default:"false"`
	MaxAttempts     int           `env:"EXPORT_MAX_ATTEMPTS" env-default:"3"`
	LockTTL         time.Duration `env:"EXPORT_LOCK_TTL" env-default:"30m"`
}

var AppConfig *Config

func LoadConfig() (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	AppConfig = cfg
	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.JWTSecret) == "" {
		return errors.New("JWT_SECRET must not be empty")
	}
	if c.Tasks.ProcessingTimeout <= 0 {
		return errors.New("PROCESSING_TIMEOUT must be positive")
	}
	if c.Tasks.SweepInterval <= 0 {
		return errors.New("SWEEP_INTERVAL must be positive")
	}
	if c.Tasks.DispatchMaxAttempts < 1 {
		return errors.New("DISPATCH_MAX_ATTEMPTS must be at least 1")
	}
	switch c.Export.DestinationType {
	case "local", "ftp":
	default:
		return fmt.Errorf("unknown EXPORT_DESTINATION_TYPE %q", c.Export.DestinationType)
	}
	return nil
}

// ReadURLs returns the configured read replica DSNs.
func (c *Config) ReadURLs() []string {
	return splitList(c.DatabaseReadURLs)
}

func (c ElasticsearchConfig) Addresses() []string {
	return splitList(c.URLs)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
