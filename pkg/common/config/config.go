package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Server
	ServerPort     string
	ServerHost     string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxRequestBody int64

	// Database
	PostgresEnabled  bool
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string
	PostgresMaxOpen  int
	PostgresMaxIdle  int
	PostgresConnLife time.Duration

	// Redis
	RedisEnabled  bool
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	// Kafka
	KafkaEnabled       bool
	KafkaBrokers       []string
	KafkaGroupID       string
	KafkaAlertTopic    string
	KafkaIncidentTopic string
	KafkaBatchTopic    string

	// Knowledge base
	KnowledgeBasePath string
	SourceTimeout     time.Duration

	// Normalizer
	FuzzyThreshold     float64
	NormalizerCacheTTL time.Duration
	NormalizerCacheMax int

	// Rule engine
	RuleCacheTTL time.Duration
	RuleCacheMax int

	// Predictive layer
	ModelArtifactDir    string
	MaxCombinationDrugs int
	PredictiveEnabled   bool

	// Batch
	BatchMaxWorkers   int
	PatientRosterPath string

	// Callback
	CallbackTimeout      time.Duration
	CallbackRetries      int
	CallbackClientID     string
	CallbackClientSecret string
	CallbackTokenURL     string
	AlertWebhookURL      string

	// Gateway
	GatewayRateLimitRPS   int
	GatewayRateLimitBurst int
	AuthEnabled           bool
	JWTSecret             string
	JWTIssuer             string
	JWTAudience           string
}

func Load() *Config {
	return &Config{
		ServerPort:     getEnv("SERVER_PORT", "8090"),
		ServerHost:     getEnv("SERVER_HOST", "0.0.0.0"),
		ReadTimeout:    getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:   getDuration("WRITE_TIMEOUT", 60*time.Second),
		MaxRequestBody: int64(getIntEnv("MAX_REQUEST_BODY_BYTES", 4*1024*1024)),

		PostgresEnabled:  getBoolEnv("POSTGRES_ENABLED", false),
		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "synaptica"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "synaptica123"),
		PostgresDB:       getEnv("POSTGRES_DB", "synaptica"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),
		PostgresMaxOpen:  getIntEnv("POSTGRES_MAX_OPEN_CONNS", 20),
		PostgresMaxIdle:  getIntEnv("POSTGRES_MAX_IDLE_CONNS", 5),
		PostgresConnLife: getDuration("POSTGRES_CONN_MAX_LIFETIME", 30*time.Minute),

		RedisEnabled:  getBoolEnv("REDIS_ENABLED", false),
		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),
		RedisPrefix:   getEnv("REDIS_PREFIX", "ddi"),

		KafkaEnabled:       getBoolEnv("KAFKA_ENABLED", false),
		KafkaBrokers:       getStringSliceEnv("KAFKA_BROKERS", []string{"localhost:9092"}),
		KafkaGroupID:       getEnv("KAFKA_GROUP_ID", "interaction-engine"),
		KafkaAlertTopic:    getEnv("KAFKA_ALERT_TOPIC", "interaction-alerts"),
		KafkaIncidentTopic: getEnv("KAFKA_INCIDENT_TOPIC", "override-incidents"),
		KafkaBatchTopic:    getEnv("KAFKA_BATCH_TOPIC", "interaction-batches"),

		KnowledgeBasePath: getEnv("KNOWLEDGE_BASE_PATH", ""),
		SourceTimeout:     getDuration("RULES_SOURCE_TIMEOUT", 2*time.Second),

		FuzzyThreshold:     getFloatEnv("NORMALIZER_FUZZY_THRESHOLD", 0.9),
		NormalizerCacheTTL: getDuration("NORMALIZER_CACHE_TTL", time.Hour),
		NormalizerCacheMax: getIntEnv("NORMALIZER_CACHE_MAX", 10000),

		RuleCacheTTL: getDuration("RULES_CACHE_TTL", 10*time.Minute),
		RuleCacheMax: getIntEnv("RULES_CACHE_MAX", 5000),

		ModelArtifactDir:    getEnv("MODEL_ARTIFACT_DIR", "./artifacts"),
		MaxCombinationDrugs: getIntEnv("PREDICTIVE_MAX_COMBINATION_DRUGS", 10),
		PredictiveEnabled:   getBoolEnv("PREDICTIVE_ENABLED", true),

		BatchMaxWorkers:   getIntEnv("BATCH_MAX_WORKERS", 10),
		PatientRosterPath: getEnv("PATIENT_ROSTER_PATH", ""),

		CallbackTimeout:      getDuration("CALLBACK_TIMEOUT", 10*time.Second),
		CallbackRetries:      getIntEnv("CALLBACK_RETRIES", 3),
		CallbackClientID:     getEnv("CALLBACK_CLIENT_ID", ""),
		CallbackClientSecret: getEnv("CALLBACK_CLIENT_SECRET", ""),
		CallbackTokenURL:     getEnv("CALLBACK_TOKEN_URL", ""),
		AlertWebhookURL:      getEnv("ALERT_WEBHOOK_URL", ""),

		GatewayRateLimitRPS:   getIntEnv("GATEWAY_RATE_LIMIT_RPS", 50),
		GatewayRateLimitBurst: getIntEnv("GATEWAY_RATE_LIMIT_BURST", 100),
		AuthEnabled:           getBoolEnv("AUTH_ENABLED", false),
		JWTSecret:             getEnv("JWT_SECRET", ""),
		JWTIssuer:             getEnv("JWT_ISSUER", "interaction-engine"),
		JWTAudience:           getEnv("JWT_AUDIENCE", ""),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getStringSliceEnv(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		var out []string
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		return out
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
