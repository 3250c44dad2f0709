package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	filePath := os.Getenv(envKey + "_FILE")
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	os.Setenv(envKey, strings.TrimSpace(string(data)))
}

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	Mongo     MongoConfig
	JWT       JWTConfig
	Zitadel   ZitadelConfig
	Gateway   GatewayConfig
	RateLimit RateLimitConfig
	Comfy     ComfyConfig
	Scheduler SchedulerConfig
	Bulk      BulkConfig
	Storage   StorageConfig
	R2        R2Config
	Log       LogConfig
}

type ServerConfig struct {
	Port      string
	Env       string
	ApiDomain string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// MongoConfig selects the document store; an empty URI keeps everything in memory
type MongoConfig struct {
	URI               string
	Database          string
	JobsCollection    string
	PromptsCollection string
	ConnectTimeout    time.Duration
}

type JWTConfig struct {
	Secret     string
	Expiration int // hours
}

type ZitadelConfig struct {
	Domain   string
	ClientID string
	Issuer   string
}

type GatewayConfig struct {
	Enabled bool
}

type RateLimitConfig struct {
	BulkCreatePerHour int
	ScorePerMin       int
}

// ComfyConfig points at the remote generation gateway
type ComfyConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

type SchedulerConfig struct {
	Enabled           bool
	DiscoveryInterval time.Duration
	PollInterval      time.Duration
	PollMaxAttempts   int
	WakeDebounce      time.Duration
	MismatchBackoff   time.Duration
	// StaleAfter releases prompts left Processing by a dead worker.
	StaleAfter      time.Duration
	DefaultInstance string
}

type BulkConfig struct {
	MaxPrompts int
}

// StorageConfig selects where downloaded artifacts are written: local or r2
type StorageConfig struct {
	Driver        string
	LocalPath     string
	PublicBaseURL string
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
}

type LogConfig struct {
	Level      string
	Format     string
	Output     string
	Path       string
	MaxSize    int
	MaxBackups int
	MaxAge     int
	Compress   bool
}

var envBindings = map[string]string{
	"server.port":                    "SERVER_PORT",
	"server.env":                     "SERVER_ENV",
	"server.api_domain":              "API_DOMAIN",
	"redis.addr":                     "REDIS_ADDR",
	"redis.password":                 "REDIS_PASSWORD",
	"redis.db":                       "REDIS_DB",
	"mongo.uri":                      "MONGO_URI",
	"mongo.database":                 "MONGO_DATABASE",
	"mongo.jobs_collection":          "MONGO_JOBS_COLLECTION",
	"mongo.prompts_collection":       "MONGO_PROMPTS_COLLECTION",
	"mongo.connect_timeout":          "MONGO_CONNECT_TIMEOUT",
	"jwt.secret":                     "JWT_SECRET",
	"jwt.expiration":                 "JWT_EXPIRATION",
	"zitadel.domain":                 "ZITADEL_DOMAIN",
	"zitadel.client_id":              "ZITADEL_CLIENT_ID",
	"zitadel.issuer":                 "ZITADEL_ISSUER",
	"gateway.enabled":                "GATEWAY_ENABLED",
	"ratelimit.bulk_create_per_hour": "RATELIMIT_BULK_CREATE_PER_HOUR",
	"ratelimit.score_per_min":        "RATELIMIT_SCORE_PER_MIN",
	"comfy.base_url":                 "COMFY_BASE_URL",
	"comfy.api_key":                  "COMFY_API_KEY",
	"comfy.timeout":                  "COMFY_TIMEOUT",
	"scheduler.enabled":              "SCHEDULER_ENABLED",
	"scheduler.discovery_interval":   "SCHEDULER_DISCOVERY_INTERVAL",
	"scheduler.poll_interval":        "SCHEDULER_POLL_INTERVAL",
	"scheduler.poll_max_attempts":    "SCHEDULER_POLL_MAX_ATTEMPTS",
	"scheduler.wake_debounce":        "SCHEDULER_WAKE_DEBOUNCE",
	"scheduler.mismatch_backoff":     "SCHEDULER_MISMATCH_BACKOFF",
	"scheduler.stale_after":          "SCHEDULER_STALE_AFTER",
	"scheduler.default_instance":     "SCHEDULER_DEFAULT_INSTANCE",
	"bulk.max_prompts":               "BULK_MAX_PROMPTS",
	"storage.driver":                 "STORAGE_DRIVER",
	"storage.local_path":             "STORAGE_LOCAL_PATH",
	"storage.public_base_url":        "STORAGE_PUBLIC_BASE_URL",
	"r2.account_id":                  "R2_ACCOUNT_ID",
	"r2.access_key_id":               "R2_ACCESS_KEY_ID",
	"r2.secret_access_key":           "R2_SECRET_ACCESS_KEY",
	"r2.bucket_name":                 "R2_BUCKET_NAME",
	"r2.public_url":                  "R2_PUBLIC_URL",
	"log.level":                      "LOG_LEVEL",
	"log.format":                     "LOG_FORMAT",
	"log.output":                     "LOG_OUTPUT",
	"log.path":                       "LOG_PATH",
	"log.max_size":                   "LOG_MAX_SIZE",
	"log.max_backups":                "LOG_MAX_BACKUPS",
	"log.max_age":                    "LOG_MAX_AGE",
	"log.compress":                   "LOG_COMPRESS",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.env", "development")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("jwt.secret", "change-me-in-production")
	v.SetDefault("jwt.expiration", 24)
	v.SetDefault("gateway.enabled", false)

	// Mongo defaults
	v.SetDefault("mongo.database", "bulkgen")
	v.SetDefault("mongo.jobs_collection", "bulk_jobs")
	v.SetDefault("mongo.prompts_collection", "bulk_test_prompts")
	v.SetDefault("mongo.connect_timeout", "10s")

	v.SetDefault("ratelimit.bulk_create_per_hour", 30)
	v.SetDefault("ratelimit.score_per_min", 240)

	// Generation gateway defaults
	v.SetDefault("comfy.base_url", "http://localhost:8188")
	v.SetDefault("comfy.timeout", "60s")

	// Scheduler defaults
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.discovery_interval", "15s")
	v.SetDefault("scheduler.poll_interval", "2s")
	v.SetDefault("scheduler.poll_max_attempts", 600)
	v.SetDefault("scheduler.wake_debounce", "250ms")
	v.SetDefault("scheduler.mismatch_backoff", "500ms")
	v.SetDefault("scheduler.stale_after", "30m")
	v.SetDefault("scheduler.default_instance", "")

	v.SetDefault("bulk.max_prompts", 5000)

	// Storage defaults
	v.SetDefault("storage.driver", "local")
	v.SetDefault("storage.local_path", "./data/outputs")
	v.SetDefault("storage.public_base_url", "/files")

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.path", "logs")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age", 30)
	v.SetDefault("log.compress", false)
}

func Load() (*Config, error) {
	// .env is optional; real environment variables win
	_ = godotenv.Load()

	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("MONGO_URI")
	readSecret("JWT_SECRET")
	readSecret("COMFY_API_KEY")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")
	readSecret("ZITADEL_CLIENT_ID")

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.AutomaticEnv()
	for key, env := range envBindings {
		_ = v.BindEnv(key, env)
	}
	setDefaults(v)

	// Try to read config file (optional)
	_ = v.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:      v.GetString("server.port"),
			Env:       v.GetString("server.env"),
			ApiDomain: v.GetString("server.api_domain"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Mongo: MongoConfig{
			URI:               v.GetString("mongo.uri"),
			Database:          v.GetString("mongo.database"),
			JobsCollection:    v.GetString("mongo.jobs_collection"),
			PromptsCollection: v.GetString("mongo.prompts_collection"),
			ConnectTimeout:    v.GetDuration("mongo.connect_timeout"),
		},
		JWT: JWTConfig{
			Secret:     v.GetString("jwt.secret"),
			Expiration: v.GetInt("jwt.expiration"),
		},
		Zitadel: ZitadelConfig{
			Domain:   v.GetString("zitadel.domain"),
			ClientID: v.GetString("zitadel.client_id"),
			Issuer:   v.GetString("zitadel.issuer"),
		},
		Gateway: GatewayConfig{
			Enabled: v.GetBool("gateway.enabled"),
		},
		RateLimit: RateLimitConfig{
			BulkCreatePerHour: v.GetInt("ratelimit.bulk_create_per_hour"),
			ScorePerMin:       v.GetInt("ratelimit.score_per_min"),
		},
		Comfy: ComfyConfig{
			BaseURL: strings.TrimRight(v.GetString("comfy.base_url"), "/"),
			APIKey:  v.GetString("comfy.api_key"),
			Timeout: v.GetDuration("comfy.timeout"),
		},
		Scheduler: SchedulerConfig{
			Enabled:           v.GetBool("scheduler.enabled"),
			DiscoveryInterval: v.GetDuration("scheduler.discovery_interval"),
			PollInterval:      v.GetDuration("scheduler.poll_interval"),
			PollMaxAttempts:   v.GetInt("scheduler.poll_max_attempts"),
			WakeDebounce:      v.GetDuration("scheduler.wake_debounce"),
			MismatchBackoff:   v.GetDuration("scheduler.mismatch_backoff"),
			StaleAfter:        v.GetDuration("scheduler.stale_after"),
			DefaultInstance:   v.GetString("scheduler.default_instance"),
		},
		Bulk: BulkConfig{
			MaxPrompts: v.GetInt("bulk.max_prompts"),
		},
		Storage: StorageConfig{
			Driver:        v.GetString("storage.driver"),
			LocalPath:     v.GetString("storage.local_path"),
			PublicBaseURL: strings.TrimRight(v.GetString("storage.public_base_url"), "/"),
		},
		R2: R2Config{
			AccountID:       v.GetString("r2.account_id"),
			AccessKeyID:     v.GetString("r2.access_key_id"),
			SecretAccessKey: v.GetString("r2.secret_access_key"),
			BucketName:      v.GetString("r2.bucket_name"),
			PublicURL:       v.GetString("r2.public_url"),
		},
		Log: LogConfig{
			Level:      v.GetString("log.level"),
			Format:     v.GetString("log.format"),
			Output:     v.GetString("log.output"),
			Path:       v.GetString("log.path"),
			MaxSize:    v.GetInt("log.max_size"),
			MaxBackups: v.GetInt("log.max_backups"),
			MaxAge:     v.GetInt("log.max_age"),
			Compress:   v.GetBool("log.compress"),
		},
	}

	return cfg, nil
}
