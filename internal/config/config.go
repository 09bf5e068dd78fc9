package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Weights are the per-component weights of the compatibility score.
// Defaults sum to 1.0.
type Weights struct {
	Age                float64 `yaml:"age"`
	Location           float64 `yaml:"location"`
	Interest           float64 `yaml:"interest"`
	Language           float64 `yaml:"language"`
	Ethnicity          float64 `yaml:"ethnicity"`
	GenderCompat       float64 `yaml:"gender_compat"`
	RelationshipIntent float64 `yaml:"relationship_intent"`
	FamilyPlans        float64 `yaml:"family_plans"`
	Religion           float64 `yaml:"religion"`
	Education          float64 `yaml:"education"`
	Political          float64 `yaml:"political"`
	Lifestyle          float64 `yaml:"lifestyle"`
}

// DefaultWeights returns the weights used when nothing is configured.
// Interest and language carry the score; everything a stranger pair scores
// on neutral or empty-preference defaults stays below MIN_SCORE.
func DefaultWeights() Weights {
	return Weights{
		Age:                0.02,
		Location:           0.02,
		Interest:           0.57,
		Language:           0.30,
		Ethnicity:          0.01,
		GenderCompat:       0.02,
		RelationshipIntent: 0.01,
		FamilyPlans:        0.01,
		Religion:           0.01,
		Education:          0.01,
		Political:          0.01,
		Lifestyle:          0.01,
	}
}

type Config struct {
	App struct {
		ENV string `yaml:"env"`
	} `yaml:"app"`

	Log struct {
		Level     string `yaml:"level"`
		Format    string `yaml:"format"`
		Component string `yaml:"component"`
		Source    bool   `yaml:"source"`
	} `yaml:"log"`

	DB struct {
		Driver   string `yaml:"driver"`
		DSN      string `yaml:"dsn"`
		Host     string `yaml:"host"`
		Port     string `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		Name     string `yaml:"name"`
	} `yaml:"db"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		Channel  string `yaml:"channel"`
	} `yaml:"redis"`

	GRPC struct {
		Host string `yaml:"host"`
		Port string `yaml:"port"`
	} `yaml:"grpc"`

	HTTP struct {
		Addr           string   `yaml:"addr"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"http"`

	Gateway struct {
		Addr           string   `yaml:"addr"`
		JWTSecret      string   `yaml:"jwt_secret"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"gateway"`

	Matching struct {
		BatchSize         int           `yaml:"batch_size"`
		SchedInterval     time.Duration `yaml:"sched_interval"`
		ExpiryInterval    time.Duration `yaml:"expiry_interval"`
		ReconcileInterval time.Duration `yaml:"reconcile_interval"`
		QueueTTL          time.Duration `yaml:"queue_ttl"`
		MinScore          float64       `yaml:"min_score"`
		DiscoverMinScore  float64       `yaml:"discover_min_score"`
		WomenFirst        bool          `yaml:"women_first"`
		RejoinPolicy      string        `yaml:"rejoin_policy"`
		PublishRetries    int           `yaml:"publish_retries"`
		PremiumBonus      float64       `yaml:"premium_bonus"`
		ActiveCallStore   string        `yaml:"active_call_store"`
		Weights           Weights       `yaml:"weights"`
	} `yaml:"matching"`

	Consent struct {
		HeartTimeout time.Duration `yaml:"heart_timeout"`
	} `yaml:"consent"`

	Deps struct {
		SessionRegistryURL   string        `yaml:"session_registry_url"`
		UserStoreURL         string        `yaml:"user_store_url"`
		ConversationStoreURL string        `yaml:"conversation_store_url"`
		MessageServiceURL    string        `yaml:"message_service_url"`
		SessionCreateTimeout time.Duration `yaml:"session_create_timeout"`
		ProfileFetchTimeout  time.Duration `yaml:"profile_fetch_timeout"`
	} `yaml:"deps"`

	RateLimit struct {
		PerMinute int `yaml:"per_minute"`
	} `yaml:"rate_limit"`

	Otel struct {
		Enabled     bool    `yaml:"enabled"`
		Exporter    string  `yaml:"exporter"`
		ServiceName string  `yaml:"service_name"`
		SampleRatio float64 `yaml:"sample_ratio"`
	} `yaml:"otel"`
}

func New() *Config {
	cfg := &Config{}

	cfg.App.ENV = getEnvDefault("APP_ENV", "development")

	// Logger
	cfg.Log.Level = getEnvDefault("LOG_LEVEL", "info")
	cfg.Log.Format = getEnvDefault("LOG_FORMAT", "text")
	cfg.Log.Component = getEnvDefault("LOG_COMPONENT", "matchmaker")
	cfg.Log.Source = isTruthy(os.Getenv("LOG_SOURCE"))

	// Database
	cfg.DB.Driver = strings.ToLower(getEnvDefault("DB_DRIVER", "mysql"))
	cfg.DB.DSN = firstNonEmpty(os.Getenv("DB_DSN"), os.Getenv("MYSQL_DSN"))
	if cfg.DB.DSN == "" {
		cfg.DB.Host = getEnvDefault("DB_HOST", "localhost")
		cfg.DB.User = getEnvDefault("DB_USER", "root")
		cfg.DB.Password = getEnvDefault("DB_PASSWORD", "root")
		cfg.DB.Name = getEnvDefault("DB_NAME", "muzz_live")

		switch cfg.DB.Driver {
		case "postgres":
			cfg.DB.Port = getEnvDefault("DB_PORT", "5432")
			cfg.DB.DSN = fmt.Sprintf(
				"host=%s port=%s user=%s password=%s dbname=%s sslmode=disable TimeZone=UTC",
				cfg.DB.Host, cfg.DB.Port, cfg.DB.User, cfg.DB.Password, cfg.DB.Name,
			)
		case "sqlite":
			cfg.DB.DSN = getEnvDefault("SQLITE_PATH", "muzz_live.db")
		default:
			cfg.DB.Port = getEnvDefault("DB_PORT", "3306")
			cfg.DB.DSN = fmt.Sprintf(
				"%s:%s@tcp(%s:%s)/%s?parseTime=true&charset=utf8mb4&loc=UTC",
				cfg.DB.User, cfg.DB.Password, cfg.DB.Host, cfg.DB.Port, cfg.DB.Name,
			)
		}
	}

	// Redis
	cfg.Redis.Addr = getEnvDefault("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnvDefault("REDIS_PASSWORD", "")
	if dbStr := getEnvDefault("REDIS_DB", "0"); dbStr != "" {
		if dbInt, err := strconv.Atoi(dbStr); err == nil {
			cfg.Redis.DB = dbInt
		}
	}
	cfg.Redis.Channel = getEnvDefault("REDIS_CHANNEL_PREFIX", "muzz-live")

	// gRPC
	cfg.GRPC.Host = getEnvDefault("GRPC_HOST", "127.0.0.1")
	cfg.GRPC.Port = getEnvDefault("GRPC_PORT", "50051")

	// REST
	cfg.HTTP.Addr = getEnvDefault("HTTP_ADDR", ":8080")
	cfg.HTTP.AllowedOrigins = splitList(getEnvDefault("ALLOWED_ORIGINS", "http://localhost:3000"))

	// Gateway
	cfg.Gateway.Addr = getEnvDefault("GATEWAY_ADDR", ":8090")
	cfg.Gateway.JWTSecret = os.Getenv("JWT_SECRET")
	cfg.Gateway.AllowedOrigins = cfg.HTTP.AllowedOrigins

	// Matching
	cfg.Matching.BatchSize = getEnvInt("BATCH", 50)
	cfg.Matching.SchedInterval = getEnvDuration("T_SCHED", 5*time.Second)
	cfg.Matching.ExpiryInterval = getEnvDuration("T_EXPIRY", 30*time.Second)
	cfg.Matching.ReconcileInterval = getEnvDuration("T_RECONCILE", time.Minute)
	cfg.Matching.QueueTTL = getEnvDuration("QUEUE_TTL", 10*time.Minute)
	cfg.Matching.MinScore = getEnvFloat("MIN_SCORE", 0.1)
	cfg.Matching.DiscoverMinScore = getEnvFloat("DISCOVER_MIN_SCORE", 0.4)
	cfg.Matching.WomenFirst = getEnvBool("WOMEN_FIRST", true)
	cfg.Matching.RejoinPolicy = strings.ToLower(getEnvDefault("REJOIN_POLICY", "replace"))
	cfg.Matching.PublishRetries = getEnvInt("PUBLISH_RETRIES", 3)
	cfg.Matching.PremiumBonus = getEnvFloat("PREMIUM_BONUS", 0.1)
	cfg.Matching.ActiveCallStore = strings.ToLower(getEnvDefault("ACTIVE_CALL_STORE", "redis"))
	cfg.Matching.Weights = DefaultWeights()

	// Consent
	cfg.Consent.HeartTimeout = getEnvDuration("HEART_TIMEOUT", 15*time.Second)

	// External collaborators
	cfg.Deps.SessionRegistryURL = getEnvDefault("SESSION_REGISTRY_URL", "http://localhost:8081")
	cfg.Deps.UserStoreURL = getEnvDefault("USER_STORE_URL", "http://localhost:8082")
	cfg.Deps.ConversationStoreURL = getEnvDefault("CONVERSATION_STORE_URL", "http://localhost:8083")
	cfg.Deps.MessageServiceURL = getEnvDefault("MESSAGE_SERVICE_URL", "http://localhost:8083")
	cfg.Deps.SessionCreateTimeout = getEnvDuration("SESSION_CREATE_TIMEOUT", 5*time.Second)
	cfg.Deps.ProfileFetchTimeout = getEnvDuration("PROFILE_FETCH_TIMEOUT", 10*time.Second)

	cfg.RateLimit.PerMinute = getEnvInt("RATE_LIMIT_PER_MIN", 1000)

	// OpenTelemetry
	cfg.Otel.Enabled = isTruthy(os.Getenv("OTEL_ENABLED"))
	cfg.Otel.Exporter = strings.ToLower(getEnvDefault("OTEL_EXPORTER", "otlp"))
	cfg.Otel.ServiceName = getEnvDefault("OTEL_SERVICE_NAME", "muzz-live")
	cfg.Otel.SampleRatio = getEnvFloat("OTEL_SAMPLER_RATIO", 0.1)

	return cfg
}

// Load builds the env config and applies the YAML file at path on top of it.
// Keys missing from the file keep their env/default value.
func Load(path string) (*Config, error) {
	cfg := New()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func getEnvDefault(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func getEnvInt(k string, def int) int {
	if v, err := strconv.Atoi(getEnvDefault(k, "")); err == nil {
		return v
	}
	return def
}

func getEnvFloat(k string, def float64) float64 {
	if v, err := strconv.ParseFloat(getEnvDefault(k, ""), 64); err == nil {
		return v
	}
	return def
}

func getEnvBool(k string, def bool) bool {
	v := getEnvDefault(k, "")
	if v == "" {
		return def
	}
	return isTruthy(v)
}

func getEnvDuration(k string, def time.Duration) time.Duration {
	if v, err := time.ParseDuration(getEnvDefault(k, "")); err == nil {
		return v
	}
	return def
}

func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "y", "on":
		return true
	}
	return false
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
