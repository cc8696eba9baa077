// Package config loads and validates application configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (Server, Postgres, Kafka, Redis, AWS, Storage, OCR, Orchestrator,
// Pipeline, etc.).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Orchestrator modes.
const (
	ModeStepFunctions = "stepfunctions"
	ModeLocal         = "local"
)

// DefaultMaxSheetChars is the spreadsheet extraction character budget used
// when none is configured.
const DefaultMaxSheetChars = 500_000

// Config is the top-level application configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Postgres     PostgresConfig     `yaml:"postgres"`
	Kafka        KafkaConfig        `yaml:"kafka"`
	Redis        RedisConfig        `yaml:"redis"`
	AWS          AWSConfig          `yaml:"aws"`
	Storage      StorageConfig      `yaml:"storage"`
	OCR          OCRConfig          `yaml:"ocr"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Pipeline     PipelineConfig     `yaml:"pipeline"`
	Logging      LoggingConfig      `yaml:"logging"`
	Metrics      MetricsConfig      `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	RequestTimeout  time.Duration `yaml:"requestTimeout"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// KafkaConfig holds Kafka broker and topic settings.
// HandlerAttempts and HandlerBackoff bound in-place redelivery of a message
// whose handler fails.
type KafkaConfig struct {
	Brokers         []string      `yaml:"brokers"`
	ConsumerGroup   string        `yaml:"consumerGroup"`
	Topics          KafkaTopics   `yaml:"topics"`
	HandlerAttempts int           `yaml:"handlerAttempts"`
	HandlerBackoff  time.Duration `yaml:"handlerBackoff"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	OCRCompletions string `yaml:"ocrCompletions"`
	TextReady      string `yaml:"textReady"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"poolSize"`
}

// AWSConfig selects the region and, for local stacks, a custom endpoint.
type AWSConfig struct {
	Region   string `yaml:"region"`
	Profile  string `yaml:"profile"`
	Endpoint string `yaml:"endpoint"`
}

// StorageConfig names the bucket holding raw uploads and extracted text.
type StorageConfig struct {
	Bucket          string `yaml:"bucket"`
	ExtractedPrefix string `yaml:"extractedPrefix"`
}

// OCRConfig configures the asynchronous text-detection engine and the
// notification channel it signals on completion.
type OCRConfig struct {
	SNSTopicARN      string        `yaml:"snsTopicArn"`
	RoleARN          string        `yaml:"roleArn"`
	PageSize         int32         `yaml:"pageSize"`
	FailureThreshold int           `yaml:"failureThreshold"`
	ResetTimeout     time.Duration `yaml:"resetTimeout"`
}

// OrchestratorConfig selects which orchestrator sequences the stages.
type OrchestratorConfig struct {
	Mode            string        `yaml:"mode"`
	StateMachineARN string        `yaml:"stateMachineArn"`
	LocalName       string        `yaml:"localName"`
	ExecutionTTL    time.Duration `yaml:"executionTTL"`
}

// PipelineConfig holds extraction limits and stage deadlines.
type PipelineConfig struct {
	MaxSheetChars  int           `yaml:"maxSheetChars"`
	StageTimeout   time.Duration `yaml:"stageTimeout"`
	NotifyDedupTTL time.Duration `yaml:"notifyDedupTTL"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. A .env file in the working directory, when present, is loaded
// into the environment first. It returns a Config populated with sensible
// defaults for any missing values.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that have no usable default.
func (c *Config) Validate() error {
	var problems []string
	if c.Storage.Bucket == "" {
		problems = append(problems, "storage.bucket is required")
	}
	switch c.Orchestrator.Mode {
	case ModeStepFunctions:
		if c.Orchestrator.StateMachineARN == "" {
			problems = append(problems, "orchestrator.stateMachineArn is required in stepfunctions mode")
		}
	case ModeLocal:
	default:
		problems = append(problems, fmt.Sprintf("orchestrator.mode %q is not one of %s, %s", c.Orchestrator.Mode, ModeStepFunctions, ModeLocal))
	}
	if c.Pipeline.MaxSheetChars <= 0 {
		problems = append(problems, "pipeline.maxSheetChars must be positive")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// defaultConfig returns a Config with defaults suitable for local development.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8081,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    5 * time.Minute,
			ShutdownTimeout: 15 * time.Second,
			RequestTimeout:  4 * time.Minute,
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "docingest",
			User:            "docingest",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "docingest-group",
			Topics: KafkaTopics{
				OCRCompletions: "ocr-completions",
				TextReady:      "document-text-ready",
			},
			HandlerAttempts: 5,
			HandlerBackoff:  500 * time.Millisecond,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			Password: "",
			DB:       0,
			PoolSize: 10,
		},
		AWS: AWSConfig{
			Region: "us-east-1",
		},
		Storage: StorageConfig{
			Bucket:          "docingest-local",
			ExtractedPrefix: "extracted",
		},
		OCR: OCRConfig{
			PageSize:         1000,
			FailureThreshold: 5,
			ResetTimeout:     30 * time.Second,
		},
		Orchestrator: OrchestratorConfig{
			Mode:         ModeLocal,
			LocalName:    "docingest-local",
			ExecutionTTL: 48 * time.Hour,
		},
		Pipeline: PipelineConfig{
			MaxSheetChars:  DefaultMaxSheetChars,
			StageTimeout:   3 * time.Minute,
			NotifyDedupTTL: 24 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// applyEnvOverrides reads DI_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DI_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("DI_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("DI_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("DI_POSTGRES_DATABASE"); v != "" {
		cfg.Postgres.Database = v
	}
	if v := os.Getenv("DI_POSTGRES_USER"); v != "" {
		cfg.Postgres.User = v
	}
	if v := os.Getenv("DI_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("DI_POSTGRES_SSLMODE"); v != "" {
		cfg.Postgres.SSLMode = v
	}
	if v := os.Getenv("DI_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("DI_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("DI_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("DI_AWS_REGION"); v != "" {
		cfg.AWS.Region = v
	}
	if v := os.Getenv("DI_AWS_ENDPOINT"); v != "" {
		cfg.AWS.Endpoint = v
	}
	if v := os.Getenv("DI_STORAGE_BUCKET"); v != "" {
		cfg.Storage.Bucket = v
	}
	if v := os.Getenv("DI_OCR_SNS_TOPIC_ARN"); v != "" {
		cfg.OCR.SNSTopicARN = v
	}
	if v := os.Getenv("DI_OCR_ROLE_ARN"); v != "" {
		cfg.OCR.RoleARN = v
	}
	if v := os.Getenv("DI_ORCHESTRATOR_MODE"); v != "" {
		cfg.Orchestrator.Mode = v
	}
	if v := os.Getenv("DI_STATE_MACHINE_ARN"); v != "" {
		cfg.Orchestrator.StateMachineARN = v
	}
	if v := os.Getenv("DI_PIPELINE_MAX_SHEET_CHARS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pipeline.MaxSheetChars = n
		}
	}
	if v := os.Getenv("DI_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("DI_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}
