package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/san-kum/drive-score/server/analysis"
)

type Config struct {
	Server   ServerConfig   `json:"server" yaml:"server"`
	ML       MLConfig       `json:"ml" yaml:"ml"`
	Security SecurityConfig `json:"security" yaml:"security"`
	Database DatabaseConfig `json:"database" yaml:"database"`
	Redis    RedisConfig    `json:"redis" yaml:"redis"`
	Logging  LoggingConfig  `json:"logging" yaml:"logging"`
	Pipeline PipelineConfig `json:"pipeline" yaml:"pipeline"`
	Stream   StreamConfig   `json:"stream" yaml:"stream"`
	Kafka    KafkaConfig    `json:"kafka" yaml:"kafka"`
	MQTT     MQTTConfig     `json:"mqtt" yaml:"mqtt"`
}

type ServerConfig struct {
	Host         string        `json:"host" yaml:"host"`
	Port         int           `json:"port" yaml:"port"`
	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
	Environment  string        `json:"environment" yaml:"environment"`
}

// MLConfig points at the behavior classifier. An empty BaseURL disables it
// and every window is labelled UNKNOWN.
type MLConfig struct {
	BaseURL             string        `json:"base_url" yaml:"base_url"`
	Timeout             time.Duration `json:"timeout" yaml:"timeout"`
	MaxRetries          int           `json:"max_retries" yaml:"max_retries"`
	RetryDelay          time.Duration `json:"retry_delay" yaml:"retry_delay"`
	HealthCheckInterval time.Duration `json:"health_check_interval" yaml:"health_check_interval"`
}

type SecurityConfig struct {
	JWTSecretKey   string        `json:"jwt_secret_key" yaml:"jwt_secret_key"`
	AllowedOrigins []string      `json:"allowed_origins" yaml:"allowed_origins"`
	RateLimitRPS   int           `json:"rate_limit_rps" yaml:"rate_limit_rps"`
	RateLimitBurst int           `json:"rate_limit_burst" yaml:"rate_limit_burst"`
	BatchLimitRPS  int           `json:"batch_limit_rps" yaml:"batch_limit_rps"`
	MaxRequestSize int64         `json:"max_request_size" yaml:"max_request_size"`
	RequestTimeout time.Duration `json:"request_timeout" yaml:"request_timeout"`
	EnableHTTPS    bool          `json:"enable_https" yaml:"enable_https"`
	CertFile       string        `json:"cert_file" yaml:"cert_file"`
	KeyFile        string        `json:"key_file" yaml:"key_file"`
}

// DatabaseConfig selects the trip store.
type DatabaseConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	Path   string `json:"path" yaml:"path"`
}

// RedisConfig enables the Redis analysis cache when Host is set.
type RedisConfig struct {
	Host     string        `json:"host" yaml:"host"`
	Port     int           `json:"port" yaml:"port"`
	Password string        `json:"password" yaml:"password"`
	DB       int           `json:"db" yaml:"db"`
	PoolSize int           `json:"pool_size" yaml:"pool_size"`
	Prefix   string        `json:"prefix" yaml:"prefix"`
	TTL      time.Duration `json:"ttl" yaml:"ttl"`
}

type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

type PipelineConfig struct {
	Window            analysis.WindowConfig `json:"window" yaml:"window"`
	Thresholds        analysis.Thresholds   `json:"thresholds" yaml:"thresholds"`
	RealtimeChunk     int                   `json:"realtime_chunk" yaml:"realtime_chunk"`
	MaxWorkers        int                   `json:"max_workers" yaml:"max_workers"`
	MaxQueueSize      int                   `json:"max_queue_size" yaml:"max_queue_size"`
	ProcessingTimeout time.Duration         `json:"processing_timeout" yaml:"processing_timeout"`
}

type StreamConfig struct {
	FlushThreshold int           `json:"flush_threshold" yaml:"flush_threshold"`
	FlushInterval  time.Duration `json:"flush_interval" yaml:"flush_interval"`
	SendBuffer     int           `json:"send_buffer" yaml:"send_buffer"`
}

// KafkaConfig enables trip publishing and speeding ingestion when Brokers
// is non-empty.
type KafkaConfig struct {
	Brokers       []string `json:"brokers" yaml:"brokers"`
	TripTopic     string   `json:"trip_topic" yaml:"trip_topic"`
	SpeedingTopic string   `json:"speeding_topic" yaml:"speeding_topic"`
	ConsumerGroup string   `json:"consumer_group" yaml:"consumer_group"`
}

// MQTTConfig enables device sample ingestion when Broker is set.
type MQTTConfig struct {
	Broker      string `json:"broker" yaml:"broker"`
	ClientID    string `json:"client_id" yaml:"client_id"`
	Username    string `json:"username" yaml:"username"`
	Password    string `json:"password" yaml:"password"`
	TopicPrefix string `json:"topic_prefix" yaml:"topic_prefix"`
	QoS         byte   `json:"qos" yaml:"qos"`
}

// ConfigError lists every problem found by ValidateConfig.
type ConfigError struct {
	Problems []string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration validation failed: %s", strings.Join(e.Problems, ", "))
}

func (e *ConfigError) Unwrap() error {
	return analysis.ErrInvalidConfig
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
			Environment:  "development",
		},
		ML: MLConfig{
			Timeout:             5 * time.Second,
			MaxRetries:          1,
			RetryDelay:          200 * time.Millisecond,
			HealthCheckInterval: 30 * time.Second,
		},
		Security: SecurityConfig{
			AllowedOrigins: []string{"*"},
			RateLimitRPS:   100,
			RateLimitBurst: 200,
			BatchLimitRPS:  20,
			MaxRequestSize: 10 * 1024 * 1024,
			RequestTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Driver: "memory",
			Path:   "drive-score.db",
		},
		Redis: RedisConfig{
			Port:     6379,
			PoolSize: 10,
			Prefix:   "drive-score:",
			TTL:      24 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Pipeline: PipelineConfig{
			Window:            analysis.DefaultWindowConfig(),
			Thresholds:        analysis.DefaultThresholds(),
			RealtimeChunk:     100,
			MaxWorkers:        4,
			MaxQueueSize:      100,
			ProcessingTimeout: 30 * time.Second,
		},
		Stream: StreamConfig{
			FlushThreshold: 10,
			FlushInterval:  time.Second,
			SendBuffer:     256,
		},
		Kafka: KafkaConfig{
			TripTopic:     "trip.completed",
			SpeedingTopic: "trip.speeding",
			ConsumerGroup: "drive-score",
		},
		MQTT: MQTTConfig{
			ClientID:    "drive-score",
			TopicPrefix: "vehicles",
			QoS:         1,
		},
	}
}

// LoadConfig starts from the defaults, overlays the YAML file named by
// CONFIG_FILE if any, then applies environment variables.
func LoadConfig() (*Config, error) {
	config := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	config.applyEnv()
	return config, nil
}

func (c *Config) applyEnv() {
	c.Server.Host = getEnv("SERVER_HOST", c.Server.Host)
	c.Server.Port = getEnvAsInt("SERVER_PORT", c.Server.Port)
	c.Server.ReadTimeout = getEnvAsDuration("SERVER_READ_TIMEOUT", c.Server.ReadTimeout)
	c.Server.WriteTimeout = getEnvAsDuration("SERVER_WRITE_TIMEOUT", c.Server.WriteTimeout)
	c.Server.IdleTimeout = getEnvAsDuration("SERVER_IDLE_TIMEOUT", c.Server.IdleTimeout)
	c.Server.Environment = getEnv("ENVIRONMENT", c.Server.Environment)

	c.ML.BaseURL = getEnv("ML_BASE_URL", c.ML.BaseURL)
	c.ML.Timeout = getEnvAsDuration("ML_TIMEOUT", c.ML.Timeout)
	c.ML.MaxRetries = getEnvAsInt("ML_MAX_RETRIES", c.ML.MaxRetries)
	c.ML.RetryDelay = getEnvAsDuration("ML_RETRY_DELAY", c.ML.RetryDelay)
	c.ML.HealthCheckInterval = getEnvAsDuration("ML_HEALTH_CHECK_INTERVAL", c.ML.HealthCheckInterval)

	c.Security.JWTSecretKey = getEnv("JWT_SECRET_KEY", c.Security.JWTSecretKey)
	c.Security.AllowedOrigins = getEnvAsStringSlice("ALLOWED_ORIGINS", c.Security.AllowedOrigins)
	c.Security.RateLimitRPS = getEnvAsInt("RATE_LIMIT_RPS", c.Security.RateLimitRPS)
	c.Security.RateLimitBurst = getEnvAsInt("RATE_LIMIT_BURST", c.Security.RateLimitBurst)
	c.Security.BatchLimitRPS = getEnvAsInt("BATCH_LIMIT_RPS", c.Security.BatchLimitRPS)
	c.Security.MaxRequestSize = getEnvAsInt64("MAX_REQUEST_SIZE", c.Security.MaxRequestSize)
	c.Security.RequestTimeout = getEnvAsDuration("REQUEST_TIMEOUT", c.Security.RequestTimeout)
	c.Security.EnableHTTPS = getEnvAsBool("ENABLE_HTTPS", c.Security.EnableHTTPS)
	c.Security.CertFile = getEnv("CERT_FILE", c.Security.CertFile)
	c.Security.KeyFile = getEnv("KEY_FILE", c.Security.KeyFile)

	c.Database.Driver = getEnv("DB_DRIVER", c.Database.Driver)
	c.Database.Path = getEnv("DB_PATH", c.Database.Path)

	c.Redis.Host = getEnv("REDIS_HOST", c.Redis.Host)
	c.Redis.Port = getEnvAsInt("REDIS_PORT", c.Redis.Port)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvAsInt("REDIS_DB", c.Redis.DB)
	c.Redis.PoolSize = getEnvAsInt("REDIS_POOL_SIZE", c.Redis.PoolSize)
	c.Redis.Prefix = getEnv("REDIS_PREFIX", c.Redis.Prefix)
	c.Redis.TTL = getEnvAsDuration("REDIS_TTL", c.Redis.TTL)

	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("LOG_FORMAT", c.Logging.Format)

	c.Pipeline.Window.Size = getEnvAsInt("WINDOW_SIZE", c.Pipeline.Window.Size)
	c.Pipeline.Window.Overlap = getEnvAsInt("WINDOW_OVERLAP", c.Pipeline.Window.Overlap)
	c.Pipeline.Thresholds.Acceleration = getEnvAsFloat("THRESHOLD_ACCELERATION", c.Pipeline.Thresholds.Acceleration)
	c.Pipeline.Thresholds.Braking = getEnvAsFloat("THRESHOLD_BRAKING", c.Pipeline.Thresholds.Braking)
	c.Pipeline.Thresholds.Cornering = getEnvAsFloat("THRESHOLD_CORNERING", c.Pipeline.Thresholds.Cornering)
	c.Pipeline.Thresholds.PhoneJerkStd = getEnvAsFloat("THRESHOLD_PHONE_JERK_STD", c.Pipeline.Thresholds.PhoneJerkStd)
	c.Pipeline.RealtimeChunk = getEnvAsInt("REALTIME_CHUNK", c.Pipeline.RealtimeChunk)
	c.Pipeline.MaxWorkers = getEnvAsInt("ANALYSIS_WORKERS", c.Pipeline.MaxWorkers)
	c.Pipeline.MaxQueueSize = getEnvAsInt("ANALYSIS_QUEUE_SIZE", c.Pipeline.MaxQueueSize)
	c.Pipeline.ProcessingTimeout = getEnvAsDuration("ANALYSIS_TIMEOUT", c.Pipeline.ProcessingTimeout)

	c.Stream.FlushThreshold = getEnvAsInt("STREAM_FLUSH_THRESHOLD", c.Stream.FlushThreshold)
	c.Stream.FlushInterval = getEnvAsDuration("STREAM_FLUSH_INTERVAL", c.Stream.FlushInterval)
	c.Stream.SendBuffer = getEnvAsInt("STREAM_SEND_BUFFER", c.Stream.SendBuffer)

	c.Kafka.Brokers = getEnvAsStringSlice("KAFKA_BROKERS", c.Kafka.Brokers)
	c.Kafka.TripTopic = getEnv("KAFKA_TRIP_TOPIC", c.Kafka.TripTopic)
	c.Kafka.SpeedingTopic = getEnv("KAFKA_SPEEDING_TOPIC", c.Kafka.SpeedingTopic)
	c.Kafka.ConsumerGroup = getEnv("KAFKA_CONSUMER_GROUP", c.Kafka.ConsumerGroup)

	c.MQTT.Broker = getEnv("MQTT_BROKER", c.MQTT.Broker)
	c.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", c.MQTT.ClientID)
	c.MQTT.Username = getEnv("MQTT_USERNAME", c.MQTT.Username)
	c.MQTT.Password = getEnv("MQTT_PASSWORD", c.MQTT.Password)
	c.MQTT.TopicPrefix = getEnv("MQTT_TOPIC_PREFIX", c.MQTT.TopicPrefix)
	c.MQTT.QoS = byte(getEnvAsInt("MQTT_QOS", int(c.MQTT.QoS)))
}

// ValidateConfig reports every problem at once. Any error here is fatal at
// startup.
func (c *Config) ValidateConfig(logger *zap.Logger) error {
	var problems []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		problems = append(problems, "server port must be between 1 and 65535")
	}

	if c.ML.BaseURL == "" {
		logger.Warn("ML base URL not set, behaviors will be reported as UNKNOWN")
	}

	if c.Security.JWTSecretKey == "" {
		logger.Warn("JWT secret key not set, using random key")
	}

	if c.Security.MaxRequestSize <= 0 {
		problems = append(problems, "max request size must be positive")
	}

	if c.Security.EnableHTTPS && (c.Security.CertFile == "" || c.Security.KeyFile == "") {
		problems = append(problems, "HTTPS requires cert and key files")
	}

	switch c.Database.Driver {
	case "memory":
	case "sqlite":
		if c.Database.Path == "" {
			problems = append(problems, "sqlite database path is required")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown database driver %q", c.Database.Driver))
	}

	if c.Redis.Host != "" && (c.Redis.Port < 1 || c.Redis.Port > 65535) {
		problems = append(problems, "Redis port must be between 1 and 65535")
	}

	if err := c.Pipeline.Window.Validate(); err != nil {
		problems = append(problems, err.Error())
	}

	if c.Pipeline.RealtimeChunk <= 0 {
		problems = append(problems, "realtime chunk must be positive")
	}

	if c.Stream.FlushThreshold <= 0 {
		problems = append(problems, "stream flush threshold must be positive")
	}

	if c.Stream.FlushInterval <= 0 {
		problems = append(problems, "stream flush interval must be positive")
	}

	if len(c.Kafka.Brokers) > 0 && (c.Kafka.TripTopic == "" || c.Kafka.SpeedingTopic == "") {
		problems = append(problems, "Kafka topics are required when brokers are set")
	}

	if c.MQTT.QoS > 2 {
		problems = append(problems, "MQTT QoS must be 0, 1 or 2")
	}

	if len(problems) > 0 {
		return &ConfigError{Problems: problems}
	}

	return nil
}

// NewLogger builds the process logger from the logging section.
func (c *Config) NewLogger() (*zap.Logger, error) {
	var zc zap.Config
	if c.Logging.Format == "json" {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
	}

	level, err := zap.ParseAtomicLevel(c.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", c.Logging.Level, err)
	}
	zc.Level = level
	return zc.Build()
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvAsStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}
